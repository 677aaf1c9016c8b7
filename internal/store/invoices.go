package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const invoiceColumns = `id, organization_id, customer_id, number, status, payment_status, total_amount_cents,
currency, payment_attempts, ready_for_payment_processing, created_at, updated_at`

func scanInvoice(row interface{ Scan(...any) error }) (Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.OrganizationID, &inv.CustomerID, &inv.Number, &inv.Status, &inv.PaymentStatus,
		&inv.TotalAmountCents, &inv.Currency, &inv.PaymentAttempts, &inv.ReadyForPaymentProcessing,
		&inv.CreatedAt, &inv.UpdatedAt)
	return inv, err
}

// GetInvoice loads an invoice within an organization.
func (q *Queries) GetInvoice(ctx context.Context, organizationID, id uuid.UUID) (Invoice, error) {
	row := q.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE organization_id = $1 AND id = $2`,
		organizationID, id)
	inv, err := scanInvoice(row)
	return inv, notFound(err, "invoice")
}

// IncrementPaymentAttempts bumps the attempt counter and returns the new value.
func (q *Queries) IncrementPaymentAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	var attempts int
	err := q.db.QueryRow(ctx, `UPDATE invoices SET payment_attempts = payment_attempts + 1, updated_at = now()
WHERE id = $1 RETURNING payment_attempts`, id).Scan(&attempts)
	return attempts, notFound(err, "invoice")
}

// UpdateInvoicePaymentStatusParams carries the payment status cascade for an invoice.
type UpdateInvoicePaymentStatusParams struct {
	ID                        uuid.UUID
	PaymentStatus             string
	ReadyForPaymentProcessing bool
}

// UpdateInvoicePaymentStatus applies a payment status unless the invoice already
// succeeded. It returns the resulting row, the status held before the call, and
// whether a row was updated.
func (q *Queries) UpdateInvoicePaymentStatus(ctx context.Context, arg UpdateInvoicePaymentStatusParams) (Invoice, string, bool, error) {
	row := q.db.QueryRow(ctx, `WITH prev AS (
  SELECT id, payment_status FROM invoices WHERE id = $1 FOR UPDATE
)
UPDATE invoices i SET payment_status = $2, ready_for_payment_processing = $3, updated_at = now()
FROM prev
WHERE i.id = prev.id AND i.payment_status <> 'succeeded'
RETURNING i.id, i.organization_id, i.customer_id, i.number, i.status, i.payment_status, i.total_amount_cents,
  i.currency, i.payment_attempts, i.ready_for_payment_processing, i.created_at, i.updated_at, prev.payment_status`,
		arg.ID, arg.PaymentStatus, arg.ReadyForPaymentProcessing)

	var inv Invoice
	var previous string
	err := row.Scan(&inv.ID, &inv.OrganizationID, &inv.CustomerID, &inv.Number, &inv.Status, &inv.PaymentStatus,
		&inv.TotalAmountCents, &inv.Currency, &inv.PaymentAttempts, &inv.ReadyForPaymentProcessing,
		&inv.CreatedAt, &inv.UpdatedAt, &previous)
	if err == nil {
		return inv, previous, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, "", false, fmt.Errorf("invoice: %w", err)
	}
	// Either the invoice is missing or it already succeeded.
	current, getErr := q.getInvoiceByID(ctx, arg.ID)
	if getErr != nil {
		return Invoice{}, "", false, getErr
	}
	return current, current.PaymentStatus, false, nil
}

func (q *Queries) getInvoiceByID(ctx context.Context, id uuid.UUID) (Invoice, error) {
	row := q.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	inv, err := scanInvoice(row)
	return inv, notFound(err, "invoice")
}
