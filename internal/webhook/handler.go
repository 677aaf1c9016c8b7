package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/billing-nowpayments/internal/common"
	"github.com/noah-isme/billing-nowpayments/internal/nowpayments"
)

// Handler serves POST /webhooks/nowpayments/{organization_id}?code=.
type Handler struct {
	Ingest       *Ingestor
	MaxBodyBytes int64
}

// Handle answers as soon as the notification is queued. Reconciliation
// outcomes are never reported back to the provider.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Ingest == nil {
		common.JSONError(w, http.StatusInternalServerError, "WEBHOOK_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request entity too large", nil)
			return
		}
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	err = h.Ingest.Ingest(r.Context(),
		chi.URLParam(r, "organization_id"),
		r.URL.Query().Get("code"),
		body,
		r.Header.Get(nowpayments.SignatureHeader),
	)
	if err != nil {
		if !common.IsAppError(err) {
			h.Ingest.Logger.Error().Err(err).Msg("webhook_ingest_failed")
		}
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
