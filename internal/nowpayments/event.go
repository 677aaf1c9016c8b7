package nowpayments

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// PaymentTypeOneTime tags payments created outside the outbound flow.
const PaymentTypeOneTime = "one-time"

// ID accepts identifiers the provider sends either as JSON numbers or strings.
type ID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// String returns the identifier text.
func (id ID) String() string { return string(id) }

// Metadata is the optional merchant data echoed back on notifications.
type Metadata struct {
	PaymentType   string
	LagoInvoiceID string
}

// Event is a decoded IPN notification.
type Event struct {
	PaymentID      ID                  `json:"payment_id"`
	InvoiceID      ID                  `json:"invoice_id"`
	PaymentStatus  string              `json:"payment_status"`
	OrderID        string              `json:"order_id"`
	PriceAmount    decimal.NullDecimal `json:"price_amount"`
	PriceCurrency  string              `json:"price_currency"`
	ActuallyPaid   decimal.NullDecimal `json:"actually_paid"`
	PayCurrency    string              `json:"pay_currency"`
	AdditionalData map[string]any      `json:"additionalData"`
	Extra          map[string]any      `json:"metadata"`
	Raw            json.RawMessage     `json:"-"`
}

// ParseEvent decodes an IPN body. Status validation is left to the caller.
func ParseEvent(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, NewValidationError("Invalid nowpayments event payload: "+err.Error(), nil)
	}
	ev.Raw = append(json.RawMessage(nil), raw...)
	return ev, nil
}

// ProviderPaymentID is the external key used to find the local payment. The
// invoice id wins because payments created through the invoice API are stored
// under it.
func (e Event) ProviderPaymentID() string {
	if e.InvoiceID != "" {
		return e.InvoiceID.String()
	}
	return e.PaymentID.String()
}

// Metadata extracts merchant metadata from additionalData or metadata. Keys may
// carry a "metadata." prefix.
func (e Event) Metadata() Metadata {
	var md Metadata
	for _, source := range []map[string]any{e.AdditionalData, e.Extra} {
		if md.PaymentType == "" {
			md.PaymentType = lookupString(source, "payment_type")
		}
		if md.LagoInvoiceID == "" {
			md.LagoInvoiceID = lookupString(source, "lago_invoice_id")
		}
	}
	return md
}

func lookupString(source map[string]any, key string) string {
	if source == nil {
		return ""
	}
	for _, candidate := range []string{key, "metadata." + key} {
		if v, ok := source[candidate]; ok {
			if s, ok := v.(string); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	if nested, ok := source["metadata"].(map[string]any); ok {
		if s, ok := nested[key].(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
