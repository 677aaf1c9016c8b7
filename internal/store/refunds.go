package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const refundColumns = `id, organization_id, credit_note_id, payment_id, payment_provider_id,
payment_provider_customer_id, provider_refund_id, amount_cents, currency, status, created_at, updated_at`

func scanRefund(row interface{ Scan(...any) error }) (Refund, error) {
	var r Refund
	err := row.Scan(&r.ID, &r.OrganizationID, &r.CreditNoteID, &r.PaymentID, &r.PaymentProviderID,
		&r.PaymentProviderCustomerID, &r.ProviderRefundID, &r.AmountCents, &r.Currency, &r.Status,
		&r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// GetRefundByProviderID loads a refund by the provider's external identifier.
func (q *Queries) GetRefundByProviderID(ctx context.Context, organizationID uuid.UUID, providerRefundID string) (Refund, error) {
	row := q.db.QueryRow(ctx, `SELECT `+refundColumns+` FROM refunds
WHERE organization_id = $1 AND provider_refund_id = $2`, organizationID, providerRefundID)
	r, err := scanRefund(row)
	return r, notFound(err, "refund")
}

// UpdateRefundStatus stores a refund status.
func (q *Queries) UpdateRefundStatus(ctx context.Context, id uuid.UUID, status string) (Refund, error) {
	row := q.db.QueryRow(ctx, `UPDATE refunds SET status = $2, updated_at = now() WHERE id = $1
RETURNING `+refundColumns, id, status)
	r, err := scanRefund(row)
	return r, notFound(err, "refund")
}

const creditNoteColumns = `id, organization_id, invoice_id, customer_id, number, refund_status,
refund_amount_cents, currency, refunded_at, created_at, updated_at`

func scanCreditNote(row interface{ Scan(...any) error }) (CreditNote, error) {
	var c CreditNote
	err := row.Scan(&c.ID, &c.OrganizationID, &c.InvoiceID, &c.CustomerID, &c.Number, &c.RefundStatus,
		&c.RefundAmountCents, &c.Currency, &c.RefundedAt, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// GetCreditNote loads a credit note by id.
func (q *Queries) GetCreditNote(ctx context.Context, id uuid.UUID) (CreditNote, error) {
	row := q.db.QueryRow(ctx, `SELECT `+creditNoteColumns+` FROM credit_notes WHERE id = $1`, id)
	c, err := scanCreditNote(row)
	return c, notFound(err, "credit_note")
}

// UpdateCreditNoteRefundStatus cascades a refund status onto its credit note.
// A credit note whose refund already succeeded is left untouched.
func (q *Queries) UpdateCreditNoteRefundStatus(ctx context.Context, id uuid.UUID, status string, refundedAt *time.Time) (CreditNote, error) {
	row := q.db.QueryRow(ctx, `UPDATE credit_notes SET refund_status = $2, refunded_at = COALESCE($3, refunded_at),
updated_at = now()
WHERE id = $1 AND refund_status <> 'succeeded'
RETURNING `+creditNoteColumns, id, status, refundedAt)
	c, err := scanCreditNote(row)
	return c, notFound(err, "credit_note")
}
