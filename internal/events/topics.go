package events

// Topic constants for platform webhooks emitted by the billing core.
const (
	TopicInvoicePaymentStatusUpdated    = "invoice.payment_status_updated"
	TopicInvoicePaymentFailure          = "invoice.payment_failure"
	TopicCustomerPaymentProviderCreated = "customer.payment_provider_created"
	TopicCustomerPaymentProviderError   = "customer.payment_provider_error"
	TopicCustomerCheckoutURLGenerated   = "customer.checkout_url_generated"
	TopicCreditNoteRefundFailure        = "credit_note.provider_refund_failure"
)

// DefaultTopics returns the canonical list of topics endpoints may subscribe to.
func DefaultTopics() []string {
	return []string{
		TopicInvoicePaymentStatusUpdated,
		TopicInvoicePaymentFailure,
		TopicCustomerPaymentProviderCreated,
		TopicCustomerPaymentProviderError,
		TopicCustomerCheckoutURLGenerated,
		TopicCreditNoteRefundFailure,
	}
}

// KnownTopic reports whether topic is one of DefaultTopics.
func KnownTopic(topic string) bool {
	for _, t := range DefaultTopics() {
		if t == topic {
			return true
		}
	}
	return false
}
