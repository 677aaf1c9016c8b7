package tenant_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/billing-nowpayments/internal/tenant"
)

func TestRequireOrganizationMissing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	handler := tenant.RequireOrganization(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolverUsesHeader(t *testing.T) {
	resolver := tenant.NewResolver("")
	var seen string
	handler := resolver.Middleware(tenant.RequireOrganization(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = tenant.FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Organization-ID", "org-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "org-123", seen)
}

func TestResolverKeepsExistingOrganization(t *testing.T) {
	resolver := tenant.NewResolver("")
	var seen string
	handler := resolver.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = tenant.FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Organization-ID", "spoofed")
	req = req.WithContext(tenant.WithOrganization(req.Context(), "org-from-token"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.Equal(t, "org-from-token", seen)
}
