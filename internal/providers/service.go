// Package providers manages the NOWPayments account settings of an organization.
package providers

import (
	"context"
	"errors"
	"regexp"
	"strings"

	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/billing-nowpayments/internal/common"
	"github.com/noah-isme/billing-nowpayments/internal/store"
)

// Store is the persistence required by Finder and Service. *store.Queries satisfies it.
type Store interface {
	GetPaymentProvider(ctx context.Context, organizationID, id uuid.UUID, providerType string) (store.PaymentProvider, error)
	GetPaymentProviderByCode(ctx context.Context, organizationID uuid.UUID, code, providerType string) (store.PaymentProvider, error)
	ListPaymentProviders(ctx context.Context, organizationID uuid.UUID, providerType string) ([]store.PaymentProvider, error)
	CreatePaymentProvider(ctx context.Context, p store.PaymentProvider) (store.PaymentProvider, error)
	UpdatePaymentProvider(ctx context.Context, p store.PaymentProvider) (store.PaymentProvider, error)
	ReattachProviderCustomers(ctx context.Context, organizationID, providerID uuid.UUID, providerType string) (int64, error)
}

var _ Store = (*store.Queries)(nil)

// Finder resolves the provider configuration an operation applies to.
type Finder struct {
	Store Store
}

// Find looks the provider up by id, then by code. Without either, the single
// provider of the organization is used; more than one is ambiguous.
func (f Finder) Find(ctx context.Context, organizationID uuid.UUID, id *uuid.UUID, code string) (store.PaymentProvider, error) {
	if f.Store == nil {
		return store.PaymentProvider{}, errors.New("providers: store not configured")
	}
	if id != nil && *id != uuid.Nil {
		p, err := f.Store.GetPaymentProvider(ctx, organizationID, *id, store.ProviderTypeNowPayments)
		if err == nil {
			return p, nil
		}
		if !common.IsNotFound(err) {
			return store.PaymentProvider{}, err
		}
	}
	code = strings.TrimSpace(code)
	if code != "" {
		p, err := f.Store.GetPaymentProviderByCode(ctx, organizationID, code, store.ProviderTypeNowPayments)
		if common.IsNotFound(err) {
			return store.PaymentProvider{}, common.NotFoundFailure("payment_provider")
		}
		return p, err
	}
	all, err := f.Store.ListPaymentProviders(ctx, organizationID, store.ProviderTypeNowPayments)
	if err != nil {
		return store.PaymentProvider{}, err
	}
	switch len(all) {
	case 0:
		return store.PaymentProvider{}, common.NotFoundFailure("payment_provider")
	case 1:
		return all[0], nil
	default:
		return store.PaymentProvider{}, common.ServiceFailure("payment_provider_code_missing", "Code is missing")
	}
}

// UpsertInput carries the provider settings. Nil pointers leave the stored
// value unchanged on update.
type UpsertInput struct {
	OrganizationID           uuid.UUID  `json:"-" validate:"required"`
	ID                       *uuid.UUID `json:"id,omitempty"`
	Code                     string     `json:"code" validate:"required,max=255"`
	Name                     *string    `json:"name,omitempty" validate:"omitempty,max=255"`
	APIKey                   *string    `json:"api_key,omitempty"`
	HMACKey                  *string    `json:"hmac_key,omitempty"`
	SuccessRedirectURL       *string    `json:"success_redirect_url,omitempty" validate:"omitempty,max=1024,redirect_url"`
	CancelRedirectURL        *string    `json:"cancel_redirect_url,omitempty" validate:"omitempty,max=1024,redirect_url"`
	PartiallyPaidRedirectURL *string    `json:"partially_paid_redirect_url,omitempty" validate:"omitempty,max=1024,redirect_url"`
	IPNCallbackURL           *string    `json:"ipn_callback_url,omitempty" validate:"omitempty,max=1024,redirect_url"`
	Live                     *bool      `json:"live,omitempty"`
}

var redirectURLPattern = regexp.MustCompile(`.+://.+`)

// NewValidator returns a validator with the provider-specific rules registered.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("redirect_url", func(fl validator.FieldLevel) bool {
		return redirectURLPattern.MatchString(fl.Field().String())
	})
	return v
}

// Service creates and updates provider configurations.
type Service struct {
	Store    Store
	Validate *validator.Validate
	Logger   zerolog.Logger
}

// Upsert creates the provider or updates the one matching id or code. When the
// api key changes, detached provider customers are re-attached to it.
func (s *Service) Upsert(ctx context.Context, in UpsertInput) (store.PaymentProvider, error) {
	if s == nil || s.Store == nil {
		return store.PaymentProvider{}, errors.New("providers: store not configured")
	}
	if details := s.validate(in); details != nil {
		return store.PaymentProvider{}, common.ValidationFailure(details)
	}
	finder := Finder{Store: s.Store}
	existing, err := finder.Find(ctx, in.OrganizationID, in.ID, in.Code)
	creating := false
	switch {
	case err == nil:
	case common.IsNotFound(err):
		creating = true
		existing = store.PaymentProvider{
			OrganizationID: in.OrganizationID,
			Type:           store.ProviderTypeNowPayments,
		}
	default:
		return store.PaymentProvider{}, err
	}

	previousKey := existing.APIKey
	apply(&existing, in)
	if creating && strings.TrimSpace(existing.APIKey) == "" {
		return store.PaymentProvider{}, common.ValidationFailure(map[string][]string{"api_key": {"value_is_mandatory"}})
	}
	if strings.TrimSpace(existing.Name) == "" {
		existing.Name = existing.Code
	}

	var saved store.PaymentProvider
	if creating {
		saved, err = s.Store.CreatePaymentProvider(ctx, existing)
		if store.IsUniqueViolation(err) {
			return store.PaymentProvider{}, common.ValidationFailure(map[string][]string{"code": {"value_already_exist"}})
		}
	} else {
		saved, err = s.Store.UpdatePaymentProvider(ctx, existing)
	}
	if err != nil {
		return store.PaymentProvider{}, err
	}

	if previousKey != saved.APIKey {
		n, err := s.Store.ReattachProviderCustomers(ctx, saved.OrganizationID, saved.ID, store.ProviderTypeNowPayments)
		if err != nil {
			return store.PaymentProvider{}, err
		}
		if n > 0 {
			s.Logger.Info().
				Str("organization_id", saved.OrganizationID.String()).
				Str("payment_provider_id", saved.ID.String()).
				Int64("customers", n).
				Msg("provider_customers_reattached")
		}
	}
	return saved, nil
}

func apply(p *store.PaymentProvider, in UpsertInput) {
	p.Code = strings.TrimSpace(in.Code)
	if in.Name != nil {
		p.Name = strings.TrimSpace(*in.Name)
	}
	if in.APIKey != nil {
		p.APIKey = strings.TrimSpace(*in.APIKey)
	}
	if in.HMACKey != nil {
		p.HMACKey = strings.TrimSpace(*in.HMACKey)
	}
	if in.SuccessRedirectURL != nil {
		p.SuccessRedirectURL = strings.TrimSpace(*in.SuccessRedirectURL)
	}
	if in.CancelRedirectURL != nil {
		p.CancelRedirectURL = strings.TrimSpace(*in.CancelRedirectURL)
	}
	if in.PartiallyPaidRedirectURL != nil {
		p.PartiallyPaidRedirectURL = strings.TrimSpace(*in.PartiallyPaidRedirectURL)
	}
	if in.IPNCallbackURL != nil {
		p.IPNCallbackURL = strings.TrimSpace(*in.IPNCallbackURL)
	}
	if in.Live != nil {
		p.Live = *in.Live
	}
}

func (s *Service) validate(in UpsertInput) map[string][]string {
	v := s.Validate
	if v == nil {
		v = NewValidator()
	}
	err := v.Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return map[string][]string{"base": {err.Error()}}
	}
	details := make(map[string][]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := jsonName(fe.StructField())
		details[field] = append(details[field], ruleCode(fe.Tag()))
	}
	return details
}

func ruleCode(tag string) string {
	switch tag {
	case "required":
		return "value_is_mandatory"
	case "redirect_url":
		return "url_invalid"
	case "max":
		return "value_is_too_long"
	default:
		return "value_is_invalid"
	}
}

var fieldNames = map[string]string{
	"OrganizationID":           "organization_id",
	"Code":                     "code",
	"Name":                     "name",
	"SuccessRedirectURL":       "success_redirect_url",
	"CancelRedirectURL":        "cancel_redirect_url",
	"PartiallyPaidRedirectURL": "partially_paid_redirect_url",
	"IPNCallbackURL":           "ipn_callback_url",
}

func jsonName(field string) string {
	if name, ok := fieldNames[field]; ok {
		return name
	}
	return strings.ToLower(field)
}
