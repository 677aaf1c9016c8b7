package nowpayments

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/billing-nowpayments/internal/resilience"
	"github.com/noah-isme/billing-nowpayments/internal/store"
)

// API is the provider surface used by the billing services.
type API interface {
	CreateInvoice(ctx context.Context, in InvoiceRequest) (InvoiceResponse, error)
	GetStatus(ctx context.Context, paymentID string) (PaymentStatusResponse, error)
}

var _ API = (*Client)(nil)

// Environment selects the provider API and checkout hosts.
type Environment struct {
	SandboxURL         string
	LiveURL            string
	SandboxCheckoutURL string
	LiveCheckoutURL    string
}

// APIBaseURL returns the API root for the account environment.
func (e Environment) APIBaseURL(live bool) string {
	if live {
		return strings.TrimRight(e.LiveURL, "/")
	}
	return strings.TrimRight(e.SandboxURL, "/")
}

// CheckoutBaseURL returns the hosted checkout root for the account environment.
func (e Environment) CheckoutBaseURL(live bool) string {
	if live {
		return strings.TrimRight(e.LiveCheckoutURL, "/")
	}
	return strings.TrimRight(e.SandboxCheckoutURL, "/")
}

// Factory builds per-account clients that share transport, retry policy and
// one circuit breaker per API host.
type Factory struct {
	Env         Environment
	HTTP        *http.Client
	Breakers    *resilience.BreakerSet
	Timeout     time.Duration
	RetryBase   time.Duration
	MaxAttempts int
	Jitter      float64
	Logger      zerolog.Logger
}

// NewHTTPClient returns an instrumented HTTP client for provider calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// Client returns a client authenticated with apiKey against the live or sandbox API.
func (f *Factory) Client(apiKey string, live bool) *Client {
	base := f.Env.APIBaseURL(live)
	httpClient := f.HTTP
	if httpClient == nil {
		httpClient = NewHTTPClient(f.Timeout)
	}
	target := hostOf(base)
	logger := f.Logger.With().Str("component", "nowpayments").Str("target", target).Logger()
	doer := resilience.HTTPClient{
		Client:      httpClient,
		Breaker:     f.Breakers.For(target),
		Target:      target,
		BaseBackoff: f.RetryBase,
		MaxAttempts: f.MaxAttempts,
		Jitter:      f.Jitter,
		Timeout:     f.Timeout,
		Logger:      &logger,
	}
	return &Client{
		http:    doer,
		baseURL: base,
		apiKey:  strings.TrimSpace(apiKey),
		logger:  logger,
	}
}

// For returns a client for the provider account.
func (f *Factory) For(p store.PaymentProvider) API {
	return f.Client(p.APIKey, p.Live)
}

// PaymentURL returns the hosted checkout page of a provider payment.
func (f *Factory) PaymentURL(live bool, providerPaymentID string) string {
	return f.Env.CheckoutBaseURL(live) + "/payment/?iid=" + url.QueryEscape(providerPaymentID)
}

// NewClient builds a client around an arbitrary transport, mainly for tests.
func NewClient(doer Doer, baseURL, apiKey string, logger zerolog.Logger) *Client {
	return &Client{http: doer, baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, logger: logger}
}

func hostOf(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return raw
	}
	return parsed.Host
}
