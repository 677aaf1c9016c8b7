// Package invoices applies payment status changes to invoices.
package invoices

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/billing-nowpayments/internal/common"
	"github.com/noah-isme/billing-nowpayments/internal/events"
	"github.com/noah-isme/billing-nowpayments/internal/store"
)

// Store is the invoice persistence used by Updater.
type Store interface {
	GetInvoice(ctx context.Context, organizationID, id uuid.UUID) (store.Invoice, error)
	IncrementPaymentAttempts(ctx context.Context, id uuid.UUID) (int, error)
	UpdateInvoicePaymentStatus(ctx context.Context, arg store.UpdateInvoicePaymentStatusParams) (store.Invoice, string, bool, error)
}

var _ Store = (*store.Queries)(nil)

// Updater cascades payment outcomes onto invoices.
type Updater struct {
	Store  Store
	Events events.Emitter
	Logger zerolog.Logger
}

// StatusChange describes the outcome of UpdatePaymentStatus.
type StatusChange struct {
	Invoice  store.Invoice
	Previous string
	Changed  bool
}

// UpdatePaymentStatus sets the invoice payment status and flags the invoice as
// ready for payment processing unless it succeeded. A succeeded invoice is never
// changed. When notify is set and the status actually moved,
// invoice.payment_status_updated is emitted.
func (u Updater) UpdatePaymentStatus(ctx context.Context, invoice store.Invoice, status string, notify bool) (StatusChange, error) {
	if u.Store == nil {
		return StatusChange{}, errors.New("invoices: store not configured")
	}
	if status == "" {
		return StatusChange{}, common.ValidationFailure(map[string][]string{"payment_status": {"value_is_mandatory"}})
	}
	if invoice.Succeeded() {
		return StatusChange{Invoice: invoice, Previous: invoice.PaymentStatus}, nil
	}
	updated, previous, ok, err := u.Store.UpdateInvoicePaymentStatus(ctx, store.UpdateInvoicePaymentStatusParams{
		ID:                        invoice.ID,
		PaymentStatus:             status,
		ReadyForPaymentProcessing: status != store.PaymentStatusSucceeded,
	})
	if err != nil {
		return StatusChange{}, err
	}
	change := StatusChange{Invoice: updated, Previous: previous, Changed: ok && previous != updated.PaymentStatus}
	if !change.Changed {
		return change, nil
	}
	u.Logger.Info().
		Str("invoice_id", updated.ID.String()).
		Str("from", previous).
		Str("to", updated.PaymentStatus).
		Msg("invoice_payment_status_updated")
	if notify && u.Events != nil {
		if _, err := u.Events.Emit(ctx, updated.OrganizationID, events.TopicInvoicePaymentStatusUpdated, updated.ID, map[string]any{
			"invoice_id":              updated.ID,
			"number":                  updated.Number,
			"payment_status":          updated.PaymentStatus,
			"previous_payment_status": previous,
			"payment_attempts":        updated.PaymentAttempts,
		}); err != nil {
			u.Logger.Error().Err(err).Str("invoice_id", updated.ID.String()).Msg("invoice_event_emit_failed")
		}
	}
	return change, nil
}

// IncrementAttempts bumps the payment attempt counter of the invoice.
func (u Updater) IncrementAttempts(ctx context.Context, invoice *store.Invoice) error {
	attempts, err := u.Store.IncrementPaymentAttempts(ctx, invoice.ID)
	if err != nil {
		return err
	}
	invoice.PaymentAttempts = attempts
	return nil
}
