package nowpayments_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/billing-nowpayments/internal/nowpayments"
	"github.com/noah-isme/billing-nowpayments/internal/resilience"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *nowpayments.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	doer := resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 1, BaseBackoff: time.Millisecond}
	return nowpayments.NewClient(doer, srv.URL, "api-key", zerolog.Nop())
}

func TestCreateInvoiceSendsProviderPayload(t *testing.T) {
	var captured map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/invoice", r.URL.Path)
		require.Equal(t, "api-key", r.Header.Get("x-api-key"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		require.NoError(t, dec.Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"4522625843","order_id":"INV-1","price_amount":"10.5","price_currency":"usd","invoice_url":"https://nowpayments.io/payment/?iid=4522625843"}`)
	})

	out, err := client.CreateInvoice(context.Background(), nowpayments.InvoiceRequest{
		PriceAmount:     nowpayments.ToMajorUnits(1050, "USD"),
		PriceCurrency:   "USD",
		OrderID:         "INV-1",
		IPNCallbackURL:  "https://billing.example/webhooks/nowpayments/org?code=crypto",
		SuccessURL:      "https://merchant.example/thanks",
		IsFixedRate:     true,
		IsFeePaidByUser: true,
	})
	require.NoError(t, err)
	require.Equal(t, "4522625843", out.ID.String())

	require.Equal(t, json.Number("10.5"), captured["price_amount"])
	require.Equal(t, "usd", captured["price_currency"])
	require.Equal(t, "INV-1", captured["order_id"])
	require.Equal(t, true, captured["is_fixed_rate"])
	require.Equal(t, true, captured["is_fee_paid_by_user"])
	require.Nil(t, captured["cancel_url"])
	require.Equal(t, "https://billing.example/webhooks/nowpayments/org?code=crypto", captured["ipn_callback_url"])
}

func TestGetStatusDecodesNumericIdentifiers(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/payment/5077125051", r.URL.Path)
		_, _ = io.WriteString(w, `{"payment_id":5077125051,"invoice_id":4522625843,"payment_status":"confirming","price_amount":10.5}`)
	})

	out, err := client.GetStatus(context.Background(), "5077125051")
	require.NoError(t, err)
	require.Equal(t, "confirming", out.PaymentStatus)
	require.Equal(t, "4522625843", out.InvoiceID.String())
	require.True(t, out.PriceAmount.Decimal.Equal(decimal.RequireFromString("10.5")))
}

func TestClientClassifiesFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   nowpayments.Kind
		code   string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"message":"Invalid api key"}`, nowpayments.KindAuthentication, "401"},
		{"forbidden", http.StatusForbidden, `{"message":"denied"}`, nowpayments.KindPermission, "403"},
		{"unprocessable", http.StatusUnprocessableEntity, `{"message":"bad"}`, nowpayments.KindFormat, "422"},
		{"server", http.StatusBadGateway, `oops`, nowpayments.KindServer, "500"},
		{"coded", http.StatusBadRequest, `{"statusCode":400,"code":"INVALID_REQUEST_PARAMS","message":"price_amount must be positive"}`, nowpayments.KindAPI, "INVALID_REQUEST_PARAMS"},
		{"bare", http.StatusNotFound, ``, nowpayments.KindAPI, "404"},
		{"not modified", http.StatusNotModified, ``, nowpayments.KindAPI, "304"},
		{"redirect without location", http.StatusFound, `{"message":"moved"}`, nowpayments.KindAPI, "302"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})
			_, err := client.GetStatus(context.Background(), "1")
			perr, ok := nowpayments.AsError(err)
			require.True(t, ok)
			require.Equal(t, tc.kind, perr.Kind)
			require.Equal(t, tc.code, perr.Code)
		})
	}
}

func TestClientWithoutAPIKey(t *testing.T) {
	client := nowpayments.NewClient(resilience.HTTPClient{Client: http.DefaultClient}, "http://127.0.0.1:1", "", zerolog.Nop())
	_, err := client.GetStatus(context.Background(), "1")
	perr, ok := nowpayments.AsError(err)
	require.True(t, ok)
	require.Equal(t, nowpayments.KindConfiguration, perr.Kind)
	require.Equal(t, "905", perr.Code)
}

func TestClientTransportErrorIsServerError(t *testing.T) {
	client := nowpayments.NewClient(resilience.HTTPClient{Client: http.DefaultClient}, "http://127.0.0.1:1", "key", zerolog.Nop())
	_, err := client.GetStatus(context.Background(), "1")
	perr, ok := nowpayments.AsError(err)
	require.True(t, ok)
	require.Equal(t, nowpayments.KindServer, perr.Kind)
	require.True(t, perr.Retryable())
}

func TestFactoryBuildsEnvironmentSpecificClients(t *testing.T) {
	factory := &nowpayments.Factory{
		Env: nowpayments.Environment{
			SandboxURL:         "https://api-sandbox.nowpayments.io/v1/",
			LiveURL:            "https://api.nowpayments.io/v1",
			SandboxCheckoutURL: "https://sandbox.nowpayments.io",
			LiveCheckoutURL:    "https://nowpayments.io/",
		},
		Breakers: resilience.NewBreakerSet(5, 0.5, time.Second, zerolog.Nop()),
		Logger:   zerolog.Nop(),
	}
	require.Equal(t, "nowpayments.Client{base=https://api-sandbox.nowpayments.io/v1}", factory.Client("k", false).String())
	require.Equal(t, "nowpayments.Client{base=https://api.nowpayments.io/v1}", factory.Client("k", true).String())
	require.Equal(t, "https://nowpayments.io/payment/?iid=4522625843", factory.PaymentURL(true, "4522625843"))
	require.Equal(t, "https://sandbox.nowpayments.io/payment/?iid=1", factory.PaymentURL(false, "1"))
}
