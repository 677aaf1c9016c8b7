package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/billing-nowpayments/internal/common"
	"github.com/noah-isme/billing-nowpayments/internal/obs"
	"github.com/noah-isme/billing-nowpayments/internal/store"
	"github.com/noah-isme/billing-nowpayments/internal/tenant"
)

type stubStore struct {
	logs []store.AuditLog
}

func (s *stubStore) InsertAuditLog(_ context.Context, l store.AuditLog) (store.AuditLog, error) {
	s.logs = append(s.logs, l)
	return l, nil
}

func (s *stubStore) ListAuditLogs(_ context.Context, org uuid.UUID, limit, _ int) ([]store.AuditLog, error) {
	out := []store.AuditLog{}
	for _, l := range s.logs {
		if l.OrganizationID == org && len(out) < limit {
			out = append(out, l)
		}
	}
	return out, nil
}

func TestServiceRecord(t *testing.T) {
	st := &stubStore{}
	svc := Service{Store: st, Enabled: true}
	org := uuid.New()

	req := httptest.NewRequest(http.MethodPost, "https://billing.test/api/v1/invoices/42/payments?force=1", nil)
	req.Header.Set("X-Request-ID", "req-123")
	req.Header.Set("X-Forwarded-For", "10.0.0.2")
	ctx := tenant.WithOrganization(req.Context(), org.String())
	ctx = common.WithSubject(ctx, "operator")
	ctx = obs.WithRoutePattern(ctx, "/api/v1/invoices/{id}/payments")

	require.NoError(t, svc.Record(ctx, req, "42", http.StatusAccepted, map[string]any{"force": true}))
	require.Len(t, st.logs, 1)
	got := st.logs[0]
	require.Equal(t, org, got.OrganizationID)
	require.Equal(t, "operator", got.Subject)
	require.Equal(t, "POST /api/v1/invoices/{id}/payments", got.Action)
	require.Equal(t, "invoices.payments", got.ResourceType)
	require.Equal(t, "42", *got.ResourceID)
	require.Equal(t, http.StatusAccepted, got.Status)
	require.Equal(t, "10.0.0.2", *got.IP)
	require.Equal(t, "req-123", *got.RequestID)
	require.JSONEq(t, `{"force":true}`, string(got.Metadata))
}

func TestServiceRecordSkipsWithoutOrganization(t *testing.T) {
	st := &stubStore{}
	svc := Service{Store: st, Enabled: true}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/invoices/42/payments", nil)
	require.NoError(t, svc.Record(req.Context(), req, "", 0, nil))
	require.Empty(t, st.logs)

	svc.Enabled = false
	ctx := tenant.WithOrganization(req.Context(), uuid.NewString())
	require.NoError(t, svc.Record(ctx, req, "", 0, nil))
	require.Empty(t, st.logs)
}

func TestMiddlewareRecordsMutationsOnly(t *testing.T) {
	st := &stubStore{}
	org := uuid.New()
	rec := HTTPRecorder{Service: Service{Store: st, Enabled: true}, Logger: zerolog.Nop()}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(tenant.WithOrganization(req.Context(), org.String())))
		})
	})
	r.Use(rec.Middleware)
	r.Get("/api/v1/invoices/{id}/payment_url", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Post("/api/v1/payments/{id}/refresh", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadGateway) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/invoices/7/payment_url", nil))
	require.Empty(t, st.logs)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/payments/9/refresh", nil))
	require.Len(t, st.logs, 1)
	require.Equal(t, "9", *st.logs[0].ResourceID)
	require.Equal(t, "POST /api/v1/payments/{id}/refresh", st.logs[0].Action)
	require.Equal(t, "payments.refresh", st.logs[0].ResourceType)
	require.Equal(t, http.StatusBadGateway, st.logs[0].Status)
}

func TestHandlerListsOrganizationTrail(t *testing.T) {
	org := uuid.New()
	st := &stubStore{logs: []store.AuditLog{{OrganizationID: org, Action: "PUT /api/v1/payment_providers/nowpayments"}, {OrganizationID: uuid.New()}}}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/audit-logs?limit=10", nil)
	req = req.WithContext(tenant.WithOrganization(req.Context(), org.String()))
	rr := httptest.NewRecorder()
	Handler{Store: st}.List(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Data []store.AuditLog `json:"data"`
		Page common.Page      `json:"page"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	require.Equal(t, 10, body.Page.Limit)
}
