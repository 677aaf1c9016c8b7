package nowpayments

import (
	"strings"

	"github.com/noah-isme/billing-nowpayments/internal/store"
)

// Status is a NOWPayments payment_status value.
type Status string

const (
	StatusWaiting       Status = "waiting"
	StatusConfirming    Status = "confirming"
	StatusConfirmed     Status = "confirmed"
	StatusSending       Status = "sending"
	StatusPartiallyPaid Status = "partially_paid"
	StatusFinished      Status = "finished"
	StatusFailed        Status = "failed"
	StatusRefunded      Status = "refunded"
	StatusExpired       Status = "expired"
)

var knownStatuses = map[Status]struct{}{
	StatusWaiting:       {},
	StatusConfirming:    {},
	StatusConfirmed:     {},
	StatusSending:       {},
	StatusPartiallyPaid: {},
	StatusFinished:      {},
	StatusFailed:        {},
	StatusRefunded:      {},
	StatusExpired:       {},
}

// ParseStatus maps a raw status string onto the canonical vocabulary and
// rejects anything outside it with a validation error.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := knownStatuses[s]; !ok {
		return "", NewValidationError("Invalid nowpayments payment status: "+raw, nil)
	}
	return s, nil
}

// Pending reports whether the payment is still in flight.
func (s Status) Pending() bool {
	switch s {
	case StatusWaiting, StatusConfirming, StatusConfirmed, StatusSending, StatusPartiallyPaid:
		return true
	}
	return false
}

// Succeeded reports whether the provider considers the money settled.
func (s Status) Succeeded() bool {
	return s == StatusFinished || s == StatusRefunded
}

// Failed reports whether the payment can no longer complete.
func (s Status) Failed() bool {
	return s == StatusFailed || s == StatusExpired
}

// InvoicePaymentStatusFor derives an invoice payment status from a payment
// status. Values outside the three tiers pass through unchanged, which lets
// internal statuses such as "succeeded" flow straight to the invoice.
func InvoicePaymentStatusFor(raw string) string {
	s := Status(raw)
	switch {
	case s.Pending():
		return store.PaymentStatusPending
	case s.Succeeded():
		return store.PaymentStatusSucceeded
	case s.Failed():
		return store.PaymentStatusFailed
	default:
		return raw
	}
}
