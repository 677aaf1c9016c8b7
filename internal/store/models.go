package store

import (
	"time"

	"github.com/google/uuid"
)

// ProviderTypeNowPayments is the only payment provider type handled by this service.
const ProviderTypeNowPayments = "nowpayments"

// Invoice statuses.
const (
	InvoiceStatusDraft     = "draft"
	InvoiceStatusFinalized = "finalized"
	InvoiceStatusVoided    = "voided"
)

// Invoice and credit note payment statuses.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusSucceeded = "succeeded"
	PaymentStatusFailed    = "failed"
)

// Webhook delivery statuses.
const (
	DeliveryPending    = "PENDING"
	DeliveryDelivering = "DELIVERING"
	DeliveryDelivered  = "DELIVERED"
	DeliveryFailed     = "FAILED"
	DeliveryDLQ        = "DLQ"
)

type Organization struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
}

type Customer struct {
	ID                  uuid.UUID
	OrganizationID      uuid.UUID
	ExternalID          string
	Name                string
	Email               string
	Currency            string
	PaymentProvider     string
	PaymentProviderCode string
	CreatedAt           time.Time
}

// PaymentProvider holds the per-organization NOWPayments account settings.
type PaymentProvider struct {
	ID                       uuid.UUID
	OrganizationID           uuid.UUID
	Type                     string
	Code                     string
	Name                     string
	APIKey                   string
	HMACKey                  string
	SuccessRedirectURL       string
	CancelRedirectURL        string
	PartiallyPaidRedirectURL string
	IPNCallbackURL           string
	Live                     bool
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// PaymentProviderCustomer links a customer to its provider-side identity. A nil
// PaymentProviderID means the customer was detached from its provider.
type PaymentProviderCustomer struct {
	ID                 uuid.UUID
	OrganizationID     uuid.UUID
	CustomerID         uuid.UUID
	PaymentProviderID  *uuid.UUID
	ProviderType       string
	ProviderCustomerID string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Invoice struct {
	ID                        uuid.UUID
	OrganizationID            uuid.UUID
	CustomerID                uuid.UUID
	Number                    string
	Status                    string
	PaymentStatus             string
	TotalAmountCents          int64
	Currency                  string
	PaymentAttempts           int
	ReadyForPaymentProcessing bool
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// Succeeded reports whether the invoice reached its terminal payment status.
func (i Invoice) Succeeded() bool { return i.PaymentStatus == PaymentStatusSucceeded }

// Voided reports whether the invoice was voided.
func (i Invoice) Voided() bool { return i.Status == InvoiceStatusVoided }

type Payment struct {
	ID                        uuid.UUID
	OrganizationID            uuid.UUID
	InvoiceID                 uuid.UUID
	PaymentProviderID         uuid.UUID
	PaymentProviderCustomerID *uuid.UUID
	ProviderPaymentID         string
	AmountCents               int64
	Currency                  string
	Status                    string
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

type CreditNote struct {
	ID                uuid.UUID
	OrganizationID    uuid.UUID
	InvoiceID         uuid.UUID
	CustomerID        uuid.UUID
	Number            string
	RefundStatus      string
	RefundAmountCents int64
	Currency          string
	RefundedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Succeeded reports whether the credit note refund reached its terminal status.
func (c CreditNote) Succeeded() bool { return c.RefundStatus == PaymentStatusSucceeded }

type Refund struct {
	ID                        uuid.UUID
	OrganizationID            uuid.UUID
	CreditNoteID              uuid.UUID
	PaymentID                 uuid.UUID
	PaymentProviderID         uuid.UUID
	PaymentProviderCustomerID *uuid.UUID
	ProviderRefundID          string
	AmountCents               int64
	Currency                  string
	Status                    string
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

type WebhookEndpoint struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	URL            string
	Secret         string
	Topics         []string
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type DomainEvent struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Topic          string
	AggregateType  string
	AggregateID    uuid.UUID
	Payload        []byte
	CreatedAt      time.Time
}

type WebhookDelivery struct {
	ID             uuid.UUID
	EndpointID     uuid.UUID
	EventID        uuid.UUID
	Status         string
	Attempt        int
	NextAttemptAt  time.Time
	LastError      *string
	ResponseStatus *int
	ResponseBody   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WebhookDeliveryRow joins a delivery with the endpoint and event it targets.
type WebhookDeliveryRow struct {
	WebhookDelivery
	OrganizationID uuid.UUID
	EndpointURL    string
	Topic          string
}
