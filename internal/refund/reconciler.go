// Package refund reconciles provider refund notifications with credit notes.
package refund

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/billing-nowpayments/internal/common"
	"github.com/noah-isme/billing-nowpayments/internal/events"
	"github.com/noah-isme/billing-nowpayments/internal/obs"
	"github.com/noah-isme/billing-nowpayments/internal/store"
)

// Store is the refund persistence. *store.Queries satisfies it.
type Store interface {
	GetRefundByProviderID(ctx context.Context, organizationID uuid.UUID, providerRefundID string) (store.Refund, error)
	UpdateRefundStatus(ctx context.Context, id uuid.UUID, status string) (store.Refund, error)
	GetCreditNote(ctx context.Context, id uuid.UUID) (store.CreditNote, error)
	UpdateCreditNoteRefundStatus(ctx context.Context, id uuid.UUID, status string, refundedAt *time.Time) (store.CreditNote, error)
}

var _ Store = (*store.Queries)(nil)

// Reconciler applies refund statuses. Once the credit note refund succeeded,
// further notifications are ignored.
type Reconciler struct {
	Store  Store
	Events events.Emitter
	Now    func() time.Time
	Logger zerolog.Logger
}

// UpdateStatus moves the refund identified by the provider to status and
// cascades it onto the credit note.
func (r *Reconciler) UpdateStatus(ctx context.Context, organizationID uuid.UUID, providerRefundID, status string) (rf store.Refund, err error) {
	if r == nil || r.Store == nil {
		return store.Refund{}, errors.New("refund reconciler not configured")
	}
	ctx, span := otel.Tracer("refund.Reconciler").Start(ctx, "RefundReconciler.UpdateStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("refund.provider_id", providerRefundID),
		attribute.String("refund.status", status),
	)
	result := "error"
	defer func() { obs.IncReconcile("refund", result) }()

	providerRefundID = strings.TrimSpace(providerRefundID)
	if providerRefundID == "" {
		return store.Refund{}, common.NotFoundFailure("refund")
	}
	if status == "" {
		return store.Refund{}, common.ValidationFailure(map[string][]string{"status": {"value_is_mandatory"}})
	}
	rf, err = r.Store.GetRefundByProviderID(ctx, organizationID, providerRefundID)
	if err != nil {
		return store.Refund{}, err
	}
	note, err := r.Store.GetCreditNote(ctx, rf.CreditNoteID)
	if err != nil {
		return store.Refund{}, err
	}
	if note.OrganizationID != organizationID {
		return store.Refund{}, common.NotFoundFailure("credit_note")
	}
	if note.Succeeded() {
		result = "noop"
		return rf, nil
	}

	if rf.Status != status {
		rf, err = r.Store.UpdateRefundStatus(ctx, rf.ID, status)
		if err != nil {
			return store.Refund{}, err
		}
	}
	var refundedAt *time.Time
	if status == store.PaymentStatusSucceeded {
		now := r.now()
		refundedAt = &now
	}
	if _, err := r.Store.UpdateCreditNoteRefundStatus(ctx, note.ID, status, refundedAt); err != nil {
		if common.IsNotFound(err) {
			// settled concurrently
			result = "noop"
			return rf, nil
		}
		return store.Refund{}, err
	}
	result = "applied"
	r.Logger.Info().
		Str("refund_id", rf.ID.String()).
		Str("credit_note_id", note.ID.String()).
		Str("status", status).
		Msg("refund_status_reconciled")

	if status == store.PaymentStatusFailed {
		r.notifyFailure(ctx, rf, note)
	}
	return rf, nil
}

func (r *Reconciler) notifyFailure(ctx context.Context, rf store.Refund, note store.CreditNote) {
	if r.Events == nil {
		return
	}
	payload := map[string]any{
		"credit_note_id":     note.ID,
		"credit_note_number": note.Number,
		"refund_id":          rf.ID,
		"provider_refund_id": rf.ProviderRefundID,
		"provider_error": map[string]any{
			"message":    "refund failed",
			"error_code": rf.Status,
		},
	}
	if rf.PaymentProviderCustomerID != nil {
		payload["payment_provider_customer_id"] = *rf.PaymentProviderCustomerID
	}
	if _, err := r.Events.Emit(ctx, note.OrganizationID, events.TopicCreditNoteRefundFailure, note.ID, payload); err != nil {
		r.Logger.Error().Err(err).Str("credit_note_id", note.ID.String()).Msg("refund_failure_emit_failed")
	}
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}
