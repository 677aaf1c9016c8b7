// Package jobs runs provider-bound work on asynq.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Task types.
const (
	TypePaymentCreate       = "payments:create"
	TypePaymentRefresh      = "payments:refresh-status"
	TypeCustomerCreate      = "customers:create"
	TypeCustomerCheckoutURL = "customers:checkout-url"
)

// QueueProviders is the asynq queue serving every provider task.
const QueueProviders = "providers"

// InvoicePayload targets an invoice.
type InvoicePayload struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	InvoiceID      uuid.UUID `json:"invoice_id"`
}

// PaymentPayload targets a payment.
type PaymentPayload struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	PaymentID      uuid.UUID `json:"payment_id"`
}

// CustomerPayload targets a customer.
type CustomerPayload struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	CustomerID     uuid.UUID `json:"customer_id"`
	Notify         bool      `json:"notify,omitempty"`
}

// TaskClient is the part of *asynq.Client used by Enqueuer.
type TaskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

var _ TaskClient = (*asynq.Client)(nil)

// Enqueuer schedules provider tasks.
type Enqueuer struct {
	Client    TaskClient
	MaxRetry  int
	UniqueTTL time.Duration
}

// EnqueuePaymentCreate schedules the outbound payment flow for an invoice. A
// task already pending for the invoice absorbs the request.
func (e Enqueuer) EnqueuePaymentCreate(ctx context.Context, organizationID, invoiceID uuid.UUID) error {
	return e.enqueue(ctx, TypePaymentCreate, InvoicePayload{OrganizationID: organizationID, InvoiceID: invoiceID}, true)
}

// EnqueuePaymentRefresh schedules a provider status query.
func (e Enqueuer) EnqueuePaymentRefresh(ctx context.Context, organizationID, paymentID uuid.UUID) error {
	return e.enqueue(ctx, TypePaymentRefresh, PaymentPayload{OrganizationID: organizationID, PaymentID: paymentID}, true)
}

// EnqueueCustomerCreate schedules provider customer registration.
func (e Enqueuer) EnqueueCustomerCreate(ctx context.Context, organizationID, customerID uuid.UUID) error {
	return e.enqueue(ctx, TypeCustomerCreate, CustomerPayload{OrganizationID: organizationID, CustomerID: customerID}, true)
}

// EnqueueCheckoutURL schedules checkout url generation and its notification.
func (e Enqueuer) EnqueueCheckoutURL(ctx context.Context, organizationID, customerID uuid.UUID) error {
	return e.enqueue(ctx, TypeCustomerCheckoutURL, CustomerPayload{OrganizationID: organizationID, CustomerID: customerID, Notify: true}, false)
}

func (e Enqueuer) enqueue(ctx context.Context, typename string, payload any, unique bool) error {
	if e.Client == nil {
		return errors.New("jobs: task client not configured")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	maxRetry := e.MaxRetry
	if maxRetry <= 0 {
		maxRetry = 6
	}
	opts := []asynq.Option{asynq.Queue(QueueProviders), asynq.MaxRetry(maxRetry)}
	if unique {
		ttl := e.UniqueTTL
		if ttl <= 0 {
			ttl = time.Hour
		}
		opts = append(opts, asynq.Unique(ttl))
	}
	if _, err := e.Client.EnqueueContext(ctx, asynq.NewTask(typename, raw), opts...); err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) {
			return nil
		}
		return fmt.Errorf("enqueue %s: %w", typename, err)
	}
	return nil
}
