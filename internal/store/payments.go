package store

import (
	"context"

	"github.com/google/uuid"
)

const paymentColumns = `id, organization_id, invoice_id, payment_provider_id, payment_provider_customer_id,
provider_payment_id, amount_cents, currency, status, created_at, updated_at`

func scanPayment(row interface{ Scan(...any) error }) (Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.OrganizationID, &p.InvoiceID, &p.PaymentProviderID, &p.PaymentProviderCustomerID,
		&p.ProviderPaymentID, &p.AmountCents, &p.Currency, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// CreatePayment inserts a payment row.
func (q *Queries) CreatePayment(ctx context.Context, p Payment) (Payment, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	row := q.db.QueryRow(ctx, `INSERT INTO payments (id, organization_id, invoice_id, payment_provider_id,
payment_provider_customer_id, provider_payment_id, amount_cents, currency, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING `+paymentColumns,
		p.ID, p.OrganizationID, p.InvoiceID, p.PaymentProviderID, p.PaymentProviderCustomerID,
		p.ProviderPaymentID, p.AmountCents, p.Currency, p.Status)
	return scanPayment(row)
}

// GetPayment loads a payment by internal id within an organization.
func (q *Queries) GetPayment(ctx context.Context, organizationID, id uuid.UUID) (Payment, error) {
	row := q.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE organization_id = $1 AND id = $2`,
		organizationID, id)
	p, err := scanPayment(row)
	return p, notFound(err, "payment")
}

// GetPaymentByProviderID loads a payment by the provider's external identifier.
func (q *Queries) GetPaymentByProviderID(ctx context.Context, organizationID uuid.UUID, providerPaymentID string) (Payment, error) {
	row := q.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments
WHERE organization_id = $1 AND provider_payment_id = $2`, organizationID, providerPaymentID)
	p, err := scanPayment(row)
	return p, notFound(err, "payment")
}

// LatestPaymentForInvoice returns the most recent payment of an invoice.
func (q *Queries) LatestPaymentForInvoice(ctx context.Context, invoiceID uuid.UUID) (Payment, error) {
	row := q.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments
WHERE invoice_id = $1 ORDER BY created_at DESC LIMIT 1`, invoiceID)
	p, err := scanPayment(row)
	return p, notFound(err, "payment")
}

// LatestPendingPaymentForCustomer returns the newest payment of a customer whose
// invoice is still awaiting payment.
func (q *Queries) LatestPendingPaymentForCustomer(ctx context.Context, organizationID, customerID uuid.UUID) (Payment, error) {
	row := q.db.QueryRow(ctx, `SELECT p.id, p.organization_id, p.invoice_id, p.payment_provider_id,
p.payment_provider_customer_id, p.provider_payment_id, p.amount_cents, p.currency, p.status, p.created_at, p.updated_at
FROM payments p JOIN invoices i ON i.id = p.invoice_id
WHERE p.organization_id = $1 AND i.customer_id = $2 AND i.payment_status = 'pending' AND i.status <> 'voided'
ORDER BY p.created_at DESC LIMIT 1`, organizationID, customerID)
	p, err := scanPayment(row)
	return p, notFound(err, "payment")
}

// UpdatePaymentStatus stores the raw provider status on a payment.
func (q *Queries) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, status string) (Payment, error) {
	row := q.db.QueryRow(ctx, `UPDATE payments SET status = $2, updated_at = now() WHERE id = $1
RETURNING `+paymentColumns, id, status)
	p, err := scanPayment(row)
	return p, notFound(err, "payment")
}
