package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/billing-nowpayments/internal/common"
	"github.com/noah-isme/billing-nowpayments/internal/lock"
	"github.com/noah-isme/billing-nowpayments/internal/nowpayments"
	"github.com/noah-isme/billing-nowpayments/internal/payment"
	"github.com/noah-isme/billing-nowpayments/internal/resilience"
	"github.com/noah-isme/billing-nowpayments/internal/store"
)

// Payments is implemented by *payment.Service.
type Payments interface {
	Create(ctx context.Context, organizationID, invoiceID uuid.UUID) (payment.Result, error)
	RefreshStatus(ctx context.Context, organizationID, paymentID uuid.UUID) (store.Payment, error)
}

// Customers is implemented by *customers.Service.
type Customers interface {
	Create(ctx context.Context, organizationID, customerID uuid.UUID) (store.PaymentProviderCustomer, error)
	CheckoutURL(ctx context.Context, organizationID, customerID uuid.UUID, notify bool) (string, error)
}

// Handlers executes provider tasks.
type Handlers struct {
	Payments  Payments
	Customers Customers
	Locker    *lock.Locker
	LockTTL   time.Duration
	Logger    zerolog.Logger
}

// Register binds every task type to mux.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypePaymentCreate, h.HandlePaymentCreate)
	mux.HandleFunc(TypePaymentRefresh, h.HandlePaymentRefresh)
	mux.HandleFunc(TypeCustomerCreate, h.HandleCustomerCreate)
	mux.HandleFunc(TypeCustomerCheckoutURL, h.HandleCheckoutURL)
}

// HandlePaymentCreate runs the outbound flow. Runs for the same invoice are
// serialized so two workers never create two provider invoices at once.
func (h *Handlers) HandlePaymentCreate(ctx context.Context, t *asynq.Task) error {
	var p InvoicePayload
	if err := decode(t, &p); err != nil {
		return err
	}
	run := func(ctx context.Context) error {
		res, err := h.Payments.Create(ctx, p.OrganizationID, p.InvoiceID)
		if err != nil {
			return err
		}
		if res.Skipped {
			h.Logger.Info().Str("invoice_id", p.InvoiceID.String()).Msg("payment_create_skipped")
		}
		return nil
	}
	var err error
	if h.Locker != nil {
		err = h.Locker.TryLock(ctx, lock.InvoicePaymentKey(p.OrganizationID.String(), p.InvoiceID.String()), h.lockTTL(), run)
	} else {
		err = run(ctx)
	}
	return h.classify(t, err)
}

// HandlePaymentRefresh pulls the provider status of a payment.
func (h *Handlers) HandlePaymentRefresh(ctx context.Context, t *asynq.Task) error {
	var p PaymentPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	_, err := h.Payments.RefreshStatus(ctx, p.OrganizationID, p.PaymentID)
	return h.classify(t, err)
}

// HandleCustomerCreate registers the provider customer.
func (h *Handlers) HandleCustomerCreate(ctx context.Context, t *asynq.Task) error {
	var p CustomerPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	_, err := h.Customers.Create(ctx, p.OrganizationID, p.CustomerID)
	return h.classify(t, err)
}

// HandleCheckoutURL generates the checkout url of a customer.
func (h *Handlers) HandleCheckoutURL(ctx context.Context, t *asynq.Task) error {
	var p CustomerPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	_, err := h.Customers.CheckoutURL(ctx, p.OrganizationID, p.CustomerID, p.Notify)
	return h.classify(t, err)
}

func (h *Handlers) lockTTL() time.Duration {
	if h.LockTTL > 0 {
		return h.LockTTL
	}
	return 2 * time.Minute
}

// classify marks failures that a retry cannot fix with asynq.SkipRetry.
func (h *Handlers) classify(t *asynq.Task, err error) error {
	if err == nil {
		return nil
	}
	if Retryable(err) {
		h.Logger.Warn().Err(err).Str("task", t.Type()).Msg("job_failed_retrying")
		return err
	}
	h.Logger.Error().Err(err).Str("task", t.Type()).Msg("job_failed_permanently")
	return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
}

// Retryable reports whether a job failure may succeed on a later attempt.
// Provider rejections of credentials or input and domain failures are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, lock.ErrLocked) {
		return true
	}
	if perr, ok := nowpayments.AsError(err); ok {
		switch perr.Kind {
		case nowpayments.KindAuthentication, nowpayments.KindPermission,
			nowpayments.KindConfiguration, nowpayments.KindValidation:
			return false
		}
		return true
	}
	return !common.IsAppError(err)
}

// RetryDelay spaces attempts exponentially from base.
func RetryDelay(base time.Duration, jitter float64) asynq.RetryDelayFunc {
	return func(n int, _ error, _ *asynq.Task) time.Duration {
		return resilience.Backoff(base, n+1, jitter)
	}
}

func decode(t *asynq.Task, out any) error {
	if err := json.Unmarshal(t.Payload(), out); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}
