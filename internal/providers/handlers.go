package providers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/noah-isme/billing-nowpayments/internal/common"
	"github.com/noah-isme/billing-nowpayments/internal/store"
	"github.com/noah-isme/billing-nowpayments/internal/tenant"
)

// Handler exposes the provider configuration endpoint.
type Handler struct {
	Svc *Service
}

type providerResponse struct {
	ID                       uuid.UUID `json:"id"`
	Code                     string    `json:"code"`
	Name                     string    `json:"name"`
	APIKey                   string    `json:"api_key"`
	HMACKey                  string    `json:"hmac_key,omitempty"`
	SuccessRedirectURL       string    `json:"success_redirect_url,omitempty"`
	CancelRedirectURL        string    `json:"cancel_redirect_url,omitempty"`
	PartiallyPaidRedirectURL string    `json:"partially_paid_redirect_url,omitempty"`
	IPNCallbackURL           string    `json:"ipn_callback_url,omitempty"`
	Live                     bool      `json:"live"`
}

// Upsert handles PUT /payment_providers/nowpayments.
func (h *Handler) Upsert(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "provider service unavailable", nil)
		return
	}
	raw, ok := tenant.FromContext(r.Context())
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "organization_required", "organization is required", nil)
		return
	}
	orgID, err := uuid.Parse(raw)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid organization id", nil)
		return
	}
	var in UpsertInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	in.OrganizationID = orgID
	p, err := h.Svc.Upsert(r.Context(), in)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, present(p))
}

func present(p store.PaymentProvider) providerResponse {
	return providerResponse{
		ID:                       p.ID,
		Code:                     p.Code,
		Name:                     p.Name,
		APIKey:                   obfuscate(p.APIKey),
		HMACKey:                  obfuscate(p.HMACKey),
		SuccessRedirectURL:       p.SuccessRedirectURL,
		CancelRedirectURL:        p.CancelRedirectURL,
		PartiallyPaidRedirectURL: p.PartiallyPaidRedirectURL,
		IPNCallbackURL:           p.IPNCallbackURL,
		Live:                     p.Live,
	}
}

// obfuscate keeps the last four characters of a secret.
func obfuscate(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "••••"
	}
	return "••••••••" + secret[len(secret)-4:]
}
