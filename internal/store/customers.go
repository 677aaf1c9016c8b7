package store

import (
	"context"

	"github.com/google/uuid"
)

// GetCustomer loads a customer within an organization.
func (q *Queries) GetCustomer(ctx context.Context, organizationID, id uuid.UUID) (Customer, error) {
	var c Customer
	err := q.db.QueryRow(ctx, `SELECT id, organization_id, external_id, name, email, currency, payment_provider,
payment_provider_code, created_at FROM customers WHERE organization_id = $1 AND id = $2`, organizationID, id).
		Scan(&c.ID, &c.OrganizationID, &c.ExternalID, &c.Name, &c.Email, &c.Currency, &c.PaymentProvider,
			&c.PaymentProviderCode, &c.CreatedAt)
	return c, notFound(err, "customer")
}

const providerCustomerColumns = `id, organization_id, customer_id, payment_provider_id, provider_type,
provider_customer_id, created_at, updated_at`

func scanProviderCustomer(row interface{ Scan(...any) error }) (PaymentProviderCustomer, error) {
	var c PaymentProviderCustomer
	err := row.Scan(&c.ID, &c.OrganizationID, &c.CustomerID, &c.PaymentProviderID, &c.ProviderType,
		&c.ProviderCustomerID, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// GetProviderCustomer loads the provider identity of a customer for a provider type.
func (q *Queries) GetProviderCustomer(ctx context.Context, customerID uuid.UUID, providerType string) (PaymentProviderCustomer, error) {
	row := q.db.QueryRow(ctx, `SELECT `+providerCustomerColumns+` FROM payment_provider_customers
WHERE customer_id = $1 AND provider_type = $2`, customerID, providerType)
	c, err := scanProviderCustomer(row)
	return c, notFound(err, "payment_provider_customer")
}

// UpsertProviderCustomer creates or refreshes the provider identity of a customer.
func (q *Queries) UpsertProviderCustomer(ctx context.Context, c PaymentProviderCustomer) (PaymentProviderCustomer, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	row := q.db.QueryRow(ctx, `INSERT INTO payment_provider_customers (id, organization_id, customer_id,
payment_provider_id, provider_type, provider_customer_id)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (customer_id, provider_type) DO UPDATE SET
  payment_provider_id = EXCLUDED.payment_provider_id,
  provider_customer_id = EXCLUDED.provider_customer_id,
  updated_at = now()
RETURNING `+providerCustomerColumns,
		c.ID, c.OrganizationID, c.CustomerID, c.PaymentProviderID, c.ProviderType, c.ProviderCustomerID)
	return scanProviderCustomer(row)
}
