// Package audit keeps a per-organization trail of operator mutations.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/noah-isme/billing-nowpayments/internal/common"
	"github.com/noah-isme/billing-nowpayments/internal/obs"
	"github.com/noah-isme/billing-nowpayments/internal/store"
	"github.com/noah-isme/billing-nowpayments/internal/tenant"
)

// Store defines the database operations required for auditing.
type Store interface {
	InsertAuditLog(ctx context.Context, l store.AuditLog) (store.AuditLog, error)
	ListAuditLogs(ctx context.Context, organizationID uuid.UUID, limit, offset int) ([]store.AuditLog, error)
}

var _ Store = (*store.Queries)(nil)

// Service persists audit logs for operator actions.
type Service struct {
	Store   Store
	Enabled bool
}

// Record persists an entry for req. Requests without an organization are not
// recorded.
func (s Service) Record(ctx context.Context, req *http.Request, resourceID string, status int, metadata map[string]any) error {
	if !s.Enabled {
		return nil
	}
	if req == nil {
		return errors.New("audit: request is required")
	}
	if s.Store == nil {
		return errors.New("audit: store not configured")
	}
	rawOrg, ok := tenant.FromContext(ctx)
	if !ok {
		return nil
	}
	orgID, err := uuid.Parse(rawOrg)
	if err != nil {
		return nil
	}

	route := obs.RoutePatternFromContext(ctx)
	if route == "" {
		route = strings.TrimSpace(req.URL.Path)
	}
	subject, _ := common.Subject(ctx)
	if status == 0 {
		status = http.StatusOK
	}
	var meta []byte
	if len(metadata) > 0 {
		if data, err := json.Marshal(metadata); err == nil {
			meta = data
		}
	}

	_, err = s.Store.InsertAuditLog(ctx, store.AuditLog{
		OrganizationID: orgID,
		Subject:        subject,
		Action:         req.Method + " " + route,
		ResourceType:   resourceType(route),
		ResourceID:     optional(resourceID),
		Method:         req.Method,
		Route:          route,
		Status:         status,
		IP:             optional(common.ClientIP(req)),
		RequestID:      optional(req.Header.Get("X-Request-ID")),
		Metadata:       meta,
	})
	return err
}

// resourceType derives "invoices.payments" from "/api/v1/invoices/{id}/payments".
func resourceType(route string) string {
	segments := strings.Split(strings.Trim(route, "/"), "/")
	if len(segments) >= 2 && segments[0] == "api" && segments[1] == "v1" {
		segments = segments[2:]
	}
	kept := segments[:0]
	for _, s := range segments {
		if s == "" || strings.HasPrefix(s, "{") {
			continue
		}
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		return "unknown"
	}
	return strings.Join(kept, ".")
}

func optional(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
