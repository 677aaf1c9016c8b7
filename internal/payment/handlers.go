package payment

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/billing-nowpayments/internal/common"
	"github.com/noah-isme/billing-nowpayments/internal/nowpayments"
	"github.com/noah-isme/billing-nowpayments/internal/store"
	"github.com/noah-isme/billing-nowpayments/internal/tenant"
)

// Scheduler queues payment creation for asynchronous processing.
type Scheduler interface {
	EnqueuePaymentCreate(ctx context.Context, organizationID, invoiceID uuid.UUID) error
}

// Handler exposes the payment endpoints of the operator API.
type Handler struct {
	Svc       *Service
	Scheduler Scheduler
}

type paymentResp struct {
	ID                uuid.UUID `json:"id"`
	InvoiceID         uuid.UUID `json:"invoice_id"`
	ProviderPaymentID string    `json:"provider_payment_id"`
	AmountCents       int64     `json:"amount_cents"`
	Currency          string    `json:"currency"`
	Status            string    `json:"status"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func presentPayment(p store.Payment) paymentResp {
	return paymentResp{
		ID:                p.ID,
		InvoiceID:         p.InvoiceID,
		ProviderPaymentID: p.ProviderPaymentID,
		AmountCents:       p.AmountCents,
		Currency:          p.Currency,
		Status:            p.Status,
		UpdatedAt:         p.UpdatedAt,
	}
}

// CreateForInvoice queues a payment request for the invoice. Without a
// scheduler the flow runs inline.
func (h *Handler) CreateForInvoice(w http.ResponseWriter, r *http.Request) {
	orgID, id, ok := h.scope(w, r)
	if !ok {
		return
	}
	if h.Scheduler != nil {
		if err := h.Scheduler.EnqueuePaymentCreate(r.Context(), orgID, id); err != nil {
			writeError(w, err)
			return
		}
		common.JSON(w, http.StatusAccepted, map[string]any{"invoice_id": id, "status": "queued"})
		return
	}
	res, err := h.Svc.Create(r.Context(), orgID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	body := map[string]any{"invoice_id": id, "payment_status": res.Invoice.PaymentStatus, "skipped": res.Skipped}
	if res.Payment != nil {
		body["payment"] = presentPayment(*res.Payment)
	}
	common.JSON(w, http.StatusCreated, body)
}

// PaymentURL returns the hosted checkout url of an invoice.
func (h *Handler) PaymentURL(w http.ResponseWriter, r *http.Request) {
	orgID, id, ok := h.scope(w, r)
	if !ok {
		return
	}
	url, err := h.Svc.PaymentURL(r.Context(), orgID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]string{"payment_url": url})
}

// Refresh pulls the provider status of a payment.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	orgID, id, ok := h.scope(w, r)
	if !ok {
		return
	}
	p, err := h.Svc.RefreshStatus(r.Context(), orgID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, presentPayment(p))
}

func (h *Handler) scope(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return uuid.Nil, uuid.Nil, false
	}
	raw, ok := tenant.FromContext(r.Context())
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "organization_required", "organization is required", nil)
		return uuid.Nil, uuid.Nil, false
	}
	orgID, err := uuid.Parse(raw)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid organization id", nil)
		return uuid.Nil, uuid.Nil, false
	}
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid id", nil)
		return uuid.Nil, uuid.Nil, false
	}
	return orgID, id, true
}

// writeError renders provider failures as 502 with the masked provider error.
func writeError(w http.ResponseWriter, err error) {
	if perr, ok := nowpayments.AsError(err); ok && !common.IsAppError(err) {
		common.JSONError(w, http.StatusBadGateway, "provider_error", perr.Message, perr.ProviderError())
		return
	}
	common.WriteError(w, err)
}
