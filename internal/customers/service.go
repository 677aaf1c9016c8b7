// Package customers registers billing customers with their NOWPayments account.
package customers

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/billing-nowpayments/internal/common"
	"github.com/noah-isme/billing-nowpayments/internal/events"
	"github.com/noah-isme/billing-nowpayments/internal/store"
)

// Store is the customer persistence. *store.Queries satisfies it.
type Store interface {
	GetCustomer(ctx context.Context, organizationID, id uuid.UUID) (store.Customer, error)
	GetProviderCustomer(ctx context.Context, customerID uuid.UUID, providerType string) (store.PaymentProviderCustomer, error)
	UpsertProviderCustomer(ctx context.Context, c store.PaymentProviderCustomer) (store.PaymentProviderCustomer, error)
	LatestPendingPaymentForCustomer(ctx context.Context, organizationID, customerID uuid.UUID) (store.Payment, error)
}

var _ Store = (*store.Queries)(nil)

// ProviderFinder resolves provider configurations. providers.Finder implements it.
type ProviderFinder interface {
	Find(ctx context.Context, organizationID uuid.UUID, id *uuid.UUID, code string) (store.PaymentProvider, error)
}

// URLBuilder renders hosted checkout urls. *nowpayments.Factory implements it.
type URLBuilder interface {
	PaymentURL(live bool, providerPaymentID string) string
}

// Service binds customers to NOWPayments. The provider has no customer API, so
// the provider-side id is the customer's external id.
type Service struct {
	Store     Store
	Providers ProviderFinder
	URLs      URLBuilder
	Events    events.Emitter
	Logger    zerolog.Logger
}

// Create records the provider identity of the customer. Customers that already
// carry one are returned unchanged.
func (s *Service) Create(ctx context.Context, organizationID, customerID uuid.UUID) (store.PaymentProviderCustomer, error) {
	if s == nil || s.Store == nil || s.Providers == nil {
		return store.PaymentProviderCustomer{}, errors.New("customer service not configured")
	}
	customer, err := s.Store.GetCustomer(ctx, organizationID, customerID)
	if err != nil {
		return store.PaymentProviderCustomer{}, err
	}
	existing, err := s.Store.GetProviderCustomer(ctx, customer.ID, store.ProviderTypeNowPayments)
	switch {
	case err == nil:
		if existing.ProviderCustomerID != "" {
			return existing, nil
		}
	case common.IsNotFound(err):
		existing = store.PaymentProviderCustomer{
			OrganizationID: organizationID,
			CustomerID:     customer.ID,
			ProviderType:   store.ProviderTypeNowPayments,
		}
	default:
		return store.PaymentProviderCustomer{}, err
	}

	p, err := s.Providers.Find(ctx, organizationID, existing.PaymentProviderID, customer.PaymentProviderCode)
	if err != nil {
		s.notifyError(ctx, customer, err)
		return store.PaymentProviderCustomer{}, err
	}
	providerID := p.ID
	existing.PaymentProviderID = &providerID
	existing.ProviderCustomerID = customer.ExternalID
	saved, err := s.Store.UpsertProviderCustomer(ctx, existing)
	if err != nil {
		return store.PaymentProviderCustomer{}, err
	}
	s.Logger.Info().
		Str("customer_id", customer.ID.String()).
		Str("payment_provider_id", p.ID.String()).
		Msg("provider_customer_created")
	s.emit(ctx, customer, events.TopicCustomerPaymentProviderCreated, map[string]any{
		"customer_id":           customer.ID,
		"external_customer_id":  customer.ExternalID,
		"provider_customer_id":  saved.ProviderCustomerID,
		"payment_provider":      store.ProviderTypeNowPayments,
		"payment_provider_code": p.Code,
	})
	return saved, nil
}

// CheckoutURL returns the hosted url of the customer's latest pending payment.
// When notify is set, customer.checkout_url_generated is published.
func (s *Service) CheckoutURL(ctx context.Context, organizationID, customerID uuid.UUID, notify bool) (string, error) {
	if s == nil || s.Store == nil || s.Providers == nil || s.URLs == nil {
		return "", errors.New("customer service not configured")
	}
	customer, err := s.Store.GetCustomer(ctx, organizationID, customerID)
	if err != nil {
		return "", err
	}
	p, err := s.Providers.Find(ctx, organizationID, nil, customer.PaymentProviderCode)
	if err != nil {
		s.notifyError(ctx, customer, err)
		return "", err
	}
	latest, err := s.Store.LatestPendingPaymentForCustomer(ctx, organizationID, customer.ID)
	if err != nil {
		return "", err
	}
	url := s.URLs.PaymentURL(p.Live, latest.ProviderPaymentID)
	if notify {
		s.emit(ctx, customer, events.TopicCustomerCheckoutURLGenerated, map[string]any{
			"customer_id":          customer.ID,
			"external_customer_id": customer.ExternalID,
			"payment_provider":     store.ProviderTypeNowPayments,
			"checkout_url":         url,
		})
	}
	return url, nil
}

func (s *Service) notifyError(ctx context.Context, customer store.Customer, cause error) {
	providerErr := map[string]any{"message": cause.Error(), "error_code": ""}
	var appErr *common.AppError
	if errors.As(cause, &appErr) {
		providerErr = map[string]any{"message": appErr.Message, "error_code": appErr.Code}
	}
	s.Logger.Warn().
		Str("customer_id", customer.ID.String()).
		Interface("provider_error", providerErr).
		Msg("provider_customer_failed")
	s.emit(ctx, customer, events.TopicCustomerPaymentProviderError, map[string]any{
		"customer_id":          customer.ID,
		"external_customer_id": customer.ExternalID,
		"payment_provider":     store.ProviderTypeNowPayments,
		"provider_error":       providerErr,
	})
}

func (s *Service) emit(ctx context.Context, customer store.Customer, topic string, payload map[string]any) {
	if s.Events == nil {
		return
	}
	if _, err := s.Events.Emit(ctx, customer.OrganizationID, topic, customer.ID, payload); err != nil {
		s.Logger.Error().Err(err).Str("customer_id", customer.ID.String()).Str("topic", topic).Msg("customer_event_emit_failed")
	}
}
