// Package payment creates NOWPayments payment requests for invoices and keeps
// local payments in step with the provider.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/billing-nowpayments/internal/common"
	"github.com/noah-isme/billing-nowpayments/internal/events"
	"github.com/noah-isme/billing-nowpayments/internal/invoices"
	"github.com/noah-isme/billing-nowpayments/internal/nowpayments"
	"github.com/noah-isme/billing-nowpayments/internal/obs"
	"github.com/noah-isme/billing-nowpayments/internal/store"
)

// Store is the persistence used by Service and Reconciler. *store.Queries satisfies it.
type Store interface {
	invoices.Store
	GetCustomer(ctx context.Context, organizationID, id uuid.UUID) (store.Customer, error)
	GetProviderCustomer(ctx context.Context, customerID uuid.UUID, providerType string) (store.PaymentProviderCustomer, error)
	CreatePayment(ctx context.Context, p store.Payment) (store.Payment, error)
	GetPayment(ctx context.Context, organizationID, id uuid.UUID) (store.Payment, error)
	GetPaymentByProviderID(ctx context.Context, organizationID uuid.UUID, providerPaymentID string) (store.Payment, error)
	LatestPaymentForInvoice(ctx context.Context, invoiceID uuid.UUID) (store.Payment, error)
	UpdatePaymentStatus(ctx context.Context, id uuid.UUID, status string) (store.Payment, error)
}

var _ Store = (*store.Queries)(nil)

// ProviderFinder resolves provider configurations. providers.Finder implements it.
type ProviderFinder interface {
	Find(ctx context.Context, organizationID uuid.UUID, id *uuid.UUID, code string) (store.PaymentProvider, error)
}

// Clients builds provider clients per account. *nowpayments.Factory implements it.
type Clients interface {
	For(p store.PaymentProvider) nowpayments.API
	PaymentURL(live bool, providerPaymentID string) string
}

var _ Clients = (*nowpayments.Factory)(nil)

// Result is the outcome of Create. Skipped is set when the invoice is not
// payable through NOWPayments.
type Result struct {
	Invoice store.Invoice
	Payment *store.Payment
	Skipped bool
}

// Service runs the outbound payment flow.
type Service struct {
	Store      Store
	Providers  ProviderFinder
	Clients    Clients
	Invoices   invoices.Updater
	Events     events.Emitter
	Reconciler *Reconciler
	// CallbackBaseURL is the public base of the inbound webhook route, used when
	// the provider has no ipn_callback_url of its own.
	CallbackBaseURL   string
	DefaultSuccessURL string
	Logger            zerolog.Logger
}

// Create requests a hosted payment for the invoice. A provider failure is
// published as invoice.payment_failure, marks the invoice failed and is returned
// so the enclosing job can retry.
func (s *Service) Create(ctx context.Context, organizationID, invoiceID uuid.UUID) (res Result, err error) {
	if s == nil || s.Store == nil || s.Providers == nil || s.Clients == nil {
		return Result{}, errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.Create")
	defer span.End()
	span.SetAttributes(attribute.String("invoice.id", invoiceID.String()))

	start := time.Now()
	outcome := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("payment.create.result", outcome),
			attribute.Float64("payment.create.duration_ms", obs.DurationMillis(time.Since(start))),
		)
	}()

	invoice, err := s.Store.GetInvoice(ctx, organizationID, invoiceID)
	if err != nil {
		return Result{}, err
	}
	res.Invoice = invoice
	if invoice.Succeeded() || invoice.Voided() {
		outcome = "skipped"
		res.Skipped = true
		return res, nil
	}
	target, ok, err := resolveProvider(ctx, s.Store, s.Providers, invoice)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		outcome = "skipped"
		res.Skipped = true
		return res, nil
	}

	if invoice.TotalAmountCents == 0 {
		change, err := s.Invoices.UpdatePaymentStatus(ctx, invoice, store.PaymentStatusSucceeded, true)
		if err != nil {
			return Result{}, err
		}
		outcome = "zero_amount"
		res.Invoice = change.Invoice
		return res, nil
	}

	if err := s.Invoices.IncrementAttempts(ctx, &invoice); err != nil {
		return Result{}, err
	}
	res.Invoice = invoice

	req := nowpayments.InvoiceRequest{
		PriceAmount:      nowpayments.ToMajorUnits(invoice.TotalAmountCents, invoice.Currency),
		PriceCurrency:    invoice.Currency,
		OrderID:          invoice.Number,
		OrderDescription: "Invoice " + invoice.Number,
		IPNCallbackURL:   s.callbackURL(target.provider),
		SuccessURL:       firstNonEmpty(target.provider.SuccessRedirectURL, s.DefaultSuccessURL),
		CancelURL:        target.provider.CancelRedirectURL,
		PartiallyPaidURL: target.provider.PartiallyPaidRedirectURL,
		IsFixedRate:      true,
		IsFeePaidByUser:  true,
	}
	resp, err := s.Clients.For(target.provider).CreateInvoice(ctx, req)
	if err != nil {
		outcome = "provider_error"
		s.failInvoice(ctx, invoice, target, err)
		return res, err
	}

	created, err := s.Store.CreatePayment(ctx, newOutboundPayment(invoice, target, resp.ID.String()))
	if err != nil {
		return res, fmt.Errorf("persist payment: %w", err)
	}
	res.Payment = &created
	change, err := s.Invoices.UpdatePaymentStatus(ctx, invoice, nowpayments.InvoicePaymentStatusFor(created.Status), true)
	if err != nil {
		return res, err
	}
	res.Invoice = change.Invoice
	outcome = "created"
	s.Logger.Info().
		Str("invoice_id", invoice.ID.String()).
		Str("payment_id", created.ID.String()).
		Str("provider_payment_id", created.ProviderPaymentID).
		Int("payment_attempts", invoice.PaymentAttempts).
		Msg("payment_created")
	return res, nil
}

// PaymentURL returns the hosted checkout url of the latest payment of a payable invoice.
func (s *Service) PaymentURL(ctx context.Context, organizationID, invoiceID uuid.UUID) (string, error) {
	if s == nil || s.Store == nil || s.Providers == nil || s.Clients == nil {
		return "", errors.New("payment service not configured")
	}
	invoice, err := s.Store.GetInvoice(ctx, organizationID, invoiceID)
	if err != nil {
		return "", err
	}
	if invoice.Succeeded() || invoice.Voided() {
		return "", common.NotFoundFailure("payment")
	}
	target, ok, err := resolveProvider(ctx, s.Store, s.Providers, invoice)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", common.NotFoundFailure("payment")
	}
	latest, err := s.Store.LatestPaymentForInvoice(ctx, invoice.ID)
	if err != nil {
		return "", err
	}
	if latest.ProviderPaymentID == "" {
		return "", common.NotFoundFailure("payment")
	}
	return s.Clients.PaymentURL(target.provider.Live, latest.ProviderPaymentID), nil
}

// RefreshStatus asks the provider for the current status of a payment and runs
// it through the reconciler. It recovers notifications the provider never
// delivered.
func (s *Service) RefreshStatus(ctx context.Context, organizationID, paymentID uuid.UUID) (store.Payment, error) {
	if s == nil || s.Store == nil || s.Providers == nil || s.Clients == nil || s.Reconciler == nil {
		return store.Payment{}, errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.RefreshStatus")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID.String()))

	existing, err := s.Store.GetPayment(ctx, organizationID, paymentID)
	if err != nil {
		return store.Payment{}, err
	}
	providerID := existing.PaymentProviderID
	p, err := s.Providers.Find(ctx, organizationID, &providerID, "")
	if err != nil {
		return store.Payment{}, err
	}
	remote, err := s.Clients.For(p).GetStatus(ctx, existing.ProviderPaymentID)
	if err != nil {
		s.emitProviderError(ctx, existing, err)
		return store.Payment{}, err
	}
	status, err := nowpayments.ParseStatus(remote.PaymentStatus)
	if err != nil {
		return store.Payment{}, err
	}
	if string(status) == existing.Status {
		return existing, nil
	}
	return s.Reconciler.UpdatePaymentStatus(ctx, organizationID, existing.ProviderPaymentID, string(status), nowpayments.Metadata{})
}

func (s *Service) failInvoice(ctx context.Context, invoice store.Invoice, target resolved, cause error) {
	providerErr := map[string]any{"message": cause.Error(), "error_code": ""}
	if perr, ok := nowpayments.AsError(cause); ok {
		providerErr = perr.ProviderError()
	}
	s.Logger.Warn().
		Str("invoice_id", invoice.ID.String()).
		Interface("provider_error", providerErr).
		Msg("payment_create_failed")

	if s.Events != nil {
		if _, err := s.Events.Emit(ctx, invoice.OrganizationID, events.TopicInvoicePaymentFailure, invoice.ID, map[string]any{
			"invoice_id":           invoice.ID,
			"provider_customer_id": target.providerCustomerID(),
			"provider_error":       providerErr,
		}); err != nil {
			s.Logger.Error().Err(err).Str("invoice_id", invoice.ID.String()).Msg("payment_failure_emit_failed")
		}
	}
	if _, err := s.Invoices.UpdatePaymentStatus(ctx, invoice, store.PaymentStatusFailed, false); err != nil {
		s.Logger.Error().Err(err).Str("invoice_id", invoice.ID.String()).Msg("invoice_mark_failed_failed")
	}
}

func (s *Service) emitProviderError(ctx context.Context, p store.Payment, cause error) {
	providerErr := map[string]any{"message": cause.Error(), "error_code": ""}
	if perr, ok := nowpayments.AsError(cause); ok {
		providerErr = perr.ProviderError()
	}
	s.Logger.Warn().
		Str("payment_id", p.ID.String()).
		Interface("provider_error", providerErr).
		Msg("payment_status_refresh_failed")
	if s.Events == nil {
		return
	}
	payload := map[string]any{
		"payment_id":     p.ID,
		"invoice_id":     p.InvoiceID,
		"provider_name":  store.ProviderTypeNowPayments,
		"provider_error": providerErr,
	}
	if _, err := s.Events.Emit(ctx, p.OrganizationID, events.TopicCustomerPaymentProviderError, p.ID, payload); err != nil {
		s.Logger.Error().Err(err).Str("payment_id", p.ID.String()).Msg("provider_error_emit_failed")
	}
}

func (s *Service) callbackURL(p store.PaymentProvider) string {
	if p.IPNCallbackURL != "" {
		return p.IPNCallbackURL
	}
	base := strings.TrimRight(s.CallbackBaseURL, "/")
	if base == "" {
		return ""
	}
	return fmt.Sprintf("%s/webhooks/nowpayments/%s?code=%s", base, p.OrganizationID, url.QueryEscape(p.Code))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
