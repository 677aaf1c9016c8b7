package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/billing-nowpayments/internal/common"
	"github.com/noah-isme/billing-nowpayments/internal/invoices"
	"github.com/noah-isme/billing-nowpayments/internal/nowpayments"
	"github.com/noah-isme/billing-nowpayments/internal/obs"
	"github.com/noah-isme/billing-nowpayments/internal/store"
)

// Reconciler applies provider payment statuses to local payments and invoices.
// Replays are harmless: once the invoice succeeded nothing changes.
type Reconciler struct {
	Store     Store
	Providers ProviderFinder
	Invoices  invoices.Updater
	Logger    zerolog.Logger
}

// UpdatePaymentStatus looks the payment up by its provider identifier and moves
// it to status. One-time payments unknown locally are created from the invoice
// named in the metadata.
func (r *Reconciler) UpdatePaymentStatus(ctx context.Context, organizationID uuid.UUID, providerPaymentID, status string, md nowpayments.Metadata) (p store.Payment, err error) {
	if r == nil || r.Store == nil {
		return store.Payment{}, errors.New("payment reconciler not configured")
	}
	ctx, span := otel.Tracer("payment.Reconciler").Start(ctx, "PaymentReconciler.UpdatePaymentStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.provider_id", providerPaymentID),
		attribute.String("payment.status", status),
	)
	result := "error"
	defer func() { obs.IncReconcile("payment", result) }()

	providerPaymentID = strings.TrimSpace(providerPaymentID)
	if providerPaymentID == "" {
		return store.Payment{}, common.NotFoundFailure("nowpayments_payment")
	}

	p, err = r.Store.GetPaymentByProviderID(ctx, organizationID, providerPaymentID)
	switch {
	case err == nil:
	case common.IsNotFound(err) && md.PaymentType == nowpayments.PaymentTypeOneTime:
		p, err = r.newOneTimePayment(ctx, organizationID, providerPaymentID, status, md)
		if err != nil {
			return store.Payment{}, err
		}
	case common.IsNotFound(err):
		return store.Payment{}, common.NotFoundFailure("nowpayments_payment")
	default:
		return store.Payment{}, err
	}

	invoice, err := r.Store.GetInvoice(ctx, organizationID, p.InvoiceID)
	if err != nil {
		return store.Payment{}, err
	}
	if invoice.Succeeded() {
		result = "noop"
		return p, nil
	}

	if p.Status != status {
		p, err = r.Store.UpdatePaymentStatus(ctx, p.ID, status)
		if err != nil {
			return store.Payment{}, err
		}
	}
	if _, err := r.Invoices.UpdatePaymentStatus(ctx, invoice, nowpayments.InvoicePaymentStatusFor(status), true); err != nil {
		return store.Payment{}, invoiceUpdateFailure(err)
	}
	result = "applied"
	r.Logger.Info().
		Str("payment_id", p.ID.String()).
		Str("invoice_id", invoice.ID.String()).
		Str("status", status).
		Msg("payment_status_reconciled")
	return p, nil
}

// newOneTimePayment persists a payment that was started outside the outbound
// flow. A concurrent notification for the same id may win the insert, in which
// case its row is returned. For an invoice that already succeeded the payment
// is built but neither saved nor counted as an attempt.
func (r *Reconciler) newOneTimePayment(ctx context.Context, organizationID uuid.UUID, providerPaymentID, status string, md nowpayments.Metadata) (store.Payment, error) {
	invoiceID, err := uuid.Parse(md.LagoInvoiceID)
	if err != nil {
		return store.Payment{}, common.NotFoundFailure("invoice")
	}
	invoice, err := r.Store.GetInvoice(ctx, organizationID, invoiceID)
	if err != nil {
		return store.Payment{}, err
	}
	if r.Providers == nil {
		return store.Payment{}, errors.New("payment reconciler: provider finder not configured")
	}
	target, ok, err := resolveProvider(ctx, r.Store, r.Providers, invoice)
	if err != nil {
		return store.Payment{}, err
	}
	if !ok {
		return store.Payment{}, common.NotFoundFailure("payment_provider")
	}
	if invoice.Succeeded() {
		return buildPayment(invoice, target, providerPaymentID, status), nil
	}
	if err := r.Invoices.IncrementAttempts(ctx, &invoice); err != nil {
		return store.Payment{}, err
	}
	p := buildPayment(invoice, target, providerPaymentID, status)
	created, err := r.Store.CreatePayment(ctx, p)
	if store.IsUniqueViolation(err) {
		return r.Store.GetPaymentByProviderID(ctx, organizationID, providerPaymentID)
	}
	if err != nil {
		return store.Payment{}, err
	}
	r.Logger.Info().
		Str("payment_id", created.ID.String()).
		Str("invoice_id", invoice.ID.String()).
		Msg("one_time_payment_created")
	return created, nil
}

// invoiceUpdateFailure keeps domain failures as they are and leaves
// infrastructure errors unclassified so queue consumers retry them.
func invoiceUpdateFailure(err error) error {
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return fmt.Errorf("update invoice payment status: %w", err)
}

type resolved struct {
	customer         store.Customer
	provider         store.PaymentProvider
	providerCustomer *store.PaymentProviderCustomer
}

func (r resolved) providerCustomerID() string {
	if r.providerCustomer == nil {
		return ""
	}
	return r.providerCustomer.ProviderCustomerID
}

// resolveProvider finds the NOWPayments account of the invoice customer. ok is
// false when the customer is not billed through NOWPayments or no usable
// configuration exists.
func resolveProvider(ctx context.Context, st Store, finder ProviderFinder, invoice store.Invoice) (resolved, bool, error) {
	customer, err := st.GetCustomer(ctx, invoice.OrganizationID, invoice.CustomerID)
	if err != nil {
		return resolved{}, false, err
	}
	if customer.PaymentProvider != store.ProviderTypeNowPayments {
		return resolved{}, false, nil
	}
	p, err := finder.Find(ctx, invoice.OrganizationID, nil, customer.PaymentProviderCode)
	if err != nil {
		var appErr *common.AppError
		if errors.As(err, &appErr) {
			return resolved{}, false, nil
		}
		return resolved{}, false, err
	}
	out := resolved{customer: customer, provider: p}
	pc, err := st.GetProviderCustomer(ctx, customer.ID, store.ProviderTypeNowPayments)
	switch {
	case err == nil:
		out.providerCustomer = &pc
	case common.IsNotFound(err):
	default:
		return resolved{}, false, err
	}
	return out, true, nil
}

func buildPayment(invoice store.Invoice, target resolved, providerPaymentID, status string) store.Payment {
	p := store.Payment{
		OrganizationID:    invoice.OrganizationID,
		InvoiceID:         invoice.ID,
		PaymentProviderID: target.provider.ID,
		ProviderPaymentID: providerPaymentID,
		AmountCents:       invoice.TotalAmountCents,
		Currency:          strings.ToUpper(invoice.Currency),
		Status:            status,
	}
	if target.providerCustomer != nil {
		id := target.providerCustomer.ID
		p.PaymentProviderCustomerID = &id
	}
	return p
}

func newOutboundPayment(invoice store.Invoice, target resolved, providerPaymentID string) store.Payment {
	return buildPayment(invoice, target, providerPaymentID, string(nowpayments.StatusWaiting))
}
