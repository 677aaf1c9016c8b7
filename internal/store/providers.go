package store

import (
	"context"

	"github.com/google/uuid"
)

const paymentProviderColumns = `id, organization_id, type, code, name, api_key, hmac_key, success_redirect_url,
cancel_redirect_url, partially_paid_redirect_url, ipn_callback_url, live, created_at, updated_at`

func scanPaymentProvider(row interface{ Scan(...any) error }) (PaymentProvider, error) {
	var p PaymentProvider
	err := row.Scan(&p.ID, &p.OrganizationID, &p.Type, &p.Code, &p.Name, &p.APIKey, &p.HMACKey,
		&p.SuccessRedirectURL, &p.CancelRedirectURL, &p.PartiallyPaidRedirectURL, &p.IPNCallbackURL,
		&p.Live, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// GetOrganization loads an organization by id.
func (q *Queries) GetOrganization(ctx context.Context, id uuid.UUID) (Organization, error) {
	var org Organization
	err := q.db.QueryRow(ctx, `SELECT id, name, created_at FROM organizations WHERE id = $1`, id).
		Scan(&org.ID, &org.Name, &org.CreatedAt)
	return org, notFound(err, "organization")
}

// GetPaymentProvider loads a provider of the given type by id within an organization.
func (q *Queries) GetPaymentProvider(ctx context.Context, organizationID, id uuid.UUID, providerType string) (PaymentProvider, error) {
	row := q.db.QueryRow(ctx, `SELECT `+paymentProviderColumns+` FROM payment_providers
WHERE organization_id = $1 AND id = $2 AND type = $3`, organizationID, id, providerType)
	p, err := scanPaymentProvider(row)
	return p, notFound(err, "payment_provider")
}

// GetPaymentProviderByCode loads a provider of the given type by code within an organization.
func (q *Queries) GetPaymentProviderByCode(ctx context.Context, organizationID uuid.UUID, code, providerType string) (PaymentProvider, error) {
	row := q.db.QueryRow(ctx, `SELECT `+paymentProviderColumns+` FROM payment_providers
WHERE organization_id = $1 AND code = $2 AND type = $3`, organizationID, code, providerType)
	p, err := scanPaymentProvider(row)
	return p, notFound(err, "payment_provider")
}

// ListPaymentProviders returns the organization's providers of a type, oldest first.
func (q *Queries) ListPaymentProviders(ctx context.Context, organizationID uuid.UUID, providerType string) ([]PaymentProvider, error) {
	rows, err := q.db.Query(ctx, `SELECT `+paymentProviderColumns+` FROM payment_providers
WHERE organization_id = $1 AND type = $2 ORDER BY created_at`, organizationID, providerType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PaymentProvider
	for rows.Next() {
		p, err := scanPaymentProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreatePaymentProvider inserts a provider and returns the stored row.
func (q *Queries) CreatePaymentProvider(ctx context.Context, p PaymentProvider) (PaymentProvider, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	row := q.db.QueryRow(ctx, `INSERT INTO payment_providers (id, organization_id, type, code, name, api_key, hmac_key,
success_redirect_url, cancel_redirect_url, partially_paid_redirect_url, ipn_callback_url, live)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING `+paymentProviderColumns,
		p.ID, p.OrganizationID, p.Type, p.Code, p.Name, p.APIKey, p.HMACKey, p.SuccessRedirectURL,
		p.CancelRedirectURL, p.PartiallyPaidRedirectURL, p.IPNCallbackURL, p.Live)
	return scanPaymentProvider(row)
}

// UpdatePaymentProvider overwrites the mutable provider settings.
func (q *Queries) UpdatePaymentProvider(ctx context.Context, p PaymentProvider) (PaymentProvider, error) {
	row := q.db.QueryRow(ctx, `UPDATE payment_providers SET code = $3, name = $4, api_key = $5, hmac_key = $6,
success_redirect_url = $7, cancel_redirect_url = $8, partially_paid_redirect_url = $9, ipn_callback_url = $10,
live = $11, updated_at = now()
WHERE organization_id = $1 AND id = $2
RETURNING `+paymentProviderColumns,
		p.OrganizationID, p.ID, p.Code, p.Name, p.APIKey, p.HMACKey, p.SuccessRedirectURL,
		p.CancelRedirectURL, p.PartiallyPaidRedirectURL, p.IPNCallbackURL, p.Live)
	out, err := scanPaymentProvider(row)
	return out, notFound(err, "payment_provider")
}

// ReattachProviderCustomers binds detached provider customers of the organization to providerID.
func (q *Queries) ReattachProviderCustomers(ctx context.Context, organizationID, providerID uuid.UUID, providerType string) (int64, error) {
	tag, err := q.db.Exec(ctx, `UPDATE payment_provider_customers SET payment_provider_id = $2, updated_at = now()
WHERE organization_id = $1 AND provider_type = $3 AND payment_provider_id IS NULL`, organizationID, providerID, providerType)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
