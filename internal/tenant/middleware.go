package tenant

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type contextKey string

const organizationContextKey contextKey = "tenant.organization_id"

// Resolver resolves the billing organization for API requests. A value already
// placed on the context (for example by the JWT middleware) wins over the header.
type Resolver struct {
	HeaderName string
	URLParam   string
}

// NewResolver returns a resolver using the provided header name.
// If headerName is empty, "X-Organization-ID" is used.
func NewResolver(headerName string) *Resolver {
	if headerName == "" {
		headerName = "X-Organization-ID"
	}
	return &Resolver{HeaderName: headerName, URLParam: "organization_id"}
}

// Middleware resolves the organization and injects it into the context passed downstream.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	if r == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if _, ok := FromContext(req.Context()); !ok {
			if orgID := r.Resolve(req); orgID != "" {
				req = req.WithContext(WithOrganization(req.Context(), orgID))
			}
		}
		next.ServeHTTP(w, req)
	})
}

// Resolve finds the organization identifier from the route or the configured header.
func (r *Resolver) Resolve(req *http.Request) string {
	if r == nil || req == nil {
		return ""
	}
	if r.URLParam != "" {
		if id := strings.TrimSpace(chi.URLParam(req, r.URLParam)); id != "" {
			return id
		}
	}
	return strings.TrimSpace(req.Header.Get(r.HeaderName))
}

// RequireOrganization rejects requests that carry no organization.
func RequireOrganization(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := FromContext(r.Context()); !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":"organization_required","message":"organization is required"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithOrganization stores the organization identifier in the context.
func WithOrganization(ctx context.Context, organizationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return ctx
	}
	return context.WithValue(ctx, organizationContextKey, organizationID)
}

// FromContext extracts the organization identifier from the context if available.
func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(organizationContextKey).(string)
	if !ok || strings.TrimSpace(id) == "" {
		return "", false
	}
	return id, true
}
