package nowpayments_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/billing-nowpayments/internal/nowpayments"
)

func TestParseStatus(t *testing.T) {
	s, err := nowpayments.ParseStatus(" Finished ")
	require.NoError(t, err)
	require.Equal(t, nowpayments.StatusFinished, s)

	_, err = nowpayments.ParseStatus("paid")
	require.Error(t, err)
	require.True(t, nowpayments.IsValidation(err))
}

func TestInvoicePaymentStatusFor(t *testing.T) {
	cases := map[string]string{
		"waiting":        "pending",
		"confirming":     "pending",
		"confirmed":      "pending",
		"sending":        "pending",
		"partially_paid": "pending",
		"finished":       "succeeded",
		"refunded":       "succeeded",
		"failed":         "failed",
		"expired":        "failed",
		"succeeded":      "succeeded",
		"custom":         "custom",
	}
	for raw, want := range cases {
		require.Equal(t, want, nowpayments.InvoicePaymentStatusFor(raw), raw)
	}
}
