package audit

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/noah-isme/billing-nowpayments/internal/common"
	"github.com/noah-isme/billing-nowpayments/internal/tenant"
)

// Handler exposes the audit trail of the request's organization.
type Handler struct {
	Store Store
}

// List returns a page of audit logs, newest first.
func (h Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_NOT_CONFIGURED", "audit store not configured", nil)
		return
	}
	raw, _ := tenant.FromContext(r.Context())
	orgID, err := uuid.Parse(raw)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "organization_required", "organization is required", nil)
		return
	}
	page := common.ParsePage(r, 50, 200)
	rows, err := h.Store.ListAuditLogs(r.Context(), orgID, page.Limit, page.Offset)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_QUERY_FAILED", "unable to fetch audit logs", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": rows, "page": page})
}
