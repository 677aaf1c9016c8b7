package nowpayments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/billing-nowpayments/internal/obs"
)

const providerLabel = "nowpayments"

// Doer executes HTTP requests. resilience.HTTPClient satisfies it.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Client is bound to one provider account. Build a new one per call through
// Factory instead of caching it process-wide.
type Client struct {
	http    Doer
	baseURL string
	apiKey  string
	logger  zerolog.Logger
}

// InvoiceRequest is the payload of POST /invoice.
type InvoiceRequest struct {
	PriceAmount      decimal.Decimal
	PriceCurrency    string
	OrderID          string
	OrderDescription string
	IPNCallbackURL   string
	SuccessURL       string
	CancelURL        string
	PartiallyPaidURL string
	IsFixedRate      bool
	IsFeePaidByUser  bool
}

// Payload renders the request as the JSON object sent to the provider.
// price_amount is a JSON number in major units.
func (r InvoiceRequest) Payload() map[string]any {
	payload := map[string]any{
		"price_amount":        json.Number(r.PriceAmount.String()),
		"price_currency":      strings.ToLower(r.PriceCurrency),
		"order_id":            r.OrderID,
		"ipn_callback_url":    nullable(r.IPNCallbackURL),
		"success_url":         nullable(r.SuccessURL),
		"cancel_url":          nullable(r.CancelURL),
		"partially_paid_url":  nullable(r.PartiallyPaidURL),
		"is_fixed_rate":       r.IsFixedRate,
		"is_fee_paid_by_user": r.IsFeePaidByUser,
	}
	if r.OrderDescription != "" {
		payload["order_description"] = r.OrderDescription
	}
	return payload
}

// InvoiceResponse is the provider's answer to POST /invoice.
type InvoiceResponse struct {
	ID            ID              `json:"id"`
	OrderID       string          `json:"order_id"`
	PriceAmount   decimal.Decimal `json:"price_amount"`
	PriceCurrency string          `json:"price_currency"`
	InvoiceURL    string          `json:"invoice_url"`
	CreatedAt     string          `json:"created_at"`
}

// PaymentStatusResponse is the provider's answer to GET /payment/{id}.
type PaymentStatusResponse struct {
	PaymentID     ID                  `json:"payment_id"`
	InvoiceID     ID                  `json:"invoice_id"`
	PaymentStatus string              `json:"payment_status"`
	PriceAmount   decimal.NullDecimal `json:"price_amount"`
	PriceCurrency string              `json:"price_currency"`
	ActuallyPaid  decimal.NullDecimal `json:"actually_paid"`
	PayCurrency   string              `json:"pay_currency"`
	OrderID       string              `json:"order_id"`
}

type apiErrorBody struct {
	StatusCode int    `json:"statusCode"`
	Code       string `json:"code"`
	ErrorType  string `json:"errorType"`
	Message    string `json:"message"`
}

// CreateInvoice creates a hosted payment request.
func (c *Client) CreateInvoice(ctx context.Context, in InvoiceRequest) (InvoiceResponse, error) {
	payload := in.Payload()
	var out InvoiceResponse
	if err := c.call(ctx, "create_invoice", http.MethodPost, "/invoice", payload, &out); err != nil {
		return InvoiceResponse{}, err
	}
	if out.ID == "" {
		return InvoiceResponse{}, NewFormatError("invoice response has no id", payload, nil)
	}
	return out, nil
}

// GetStatus fetches the current state of a provider payment.
func (c *Client) GetStatus(ctx context.Context, paymentID string) (PaymentStatusResponse, error) {
	paymentID = strings.TrimSpace(paymentID)
	request := map[string]any{"payment_id": paymentID}
	if paymentID == "" {
		return PaymentStatusResponse{}, NewValidationError("payment id is required", request)
	}
	var out PaymentStatusResponse
	if err := c.call(ctx, "get_status", http.MethodGet, "/payment/"+url.PathEscape(paymentID), request, &out); err != nil {
		return PaymentStatusResponse{}, err
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, operation, method, path string, payload map[string]any, out any) (err error) {
	ctx, span := otel.Tracer("nowpayments.Client").Start(ctx, "nowpayments."+operation)
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method), attribute.String("nowpayments.path", path))

	start := time.Now()
	result := "ok"
	defer func() {
		if err != nil {
			result = "error"
			if perr, ok := AsError(err); ok {
				result = string(perr.Kind)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, result)
		}
		obs.ObserveProviderRequest(providerLabel, operation, result, time.Since(start))
	}()

	if c.apiKey == "" {
		return NewConfigurationError("api key is not configured", payload)
	}
	if c.http == nil || c.baseURL == "" {
		return NewConfigurationError("http transport is not configured", payload)
	}

	var body io.Reader
	if method != http.MethodGet {
		data, err := json.Marshal(payload)
		if err != nil {
			return NewValidationError("encode request: "+err.Error(), payload)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return NewConfigurationError("build request: "+err.Error(), payload)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return NewServerError("request aborted: "+err.Error(), payload, nil)
		}
		return NewServerError(err.Error(), payload, nil)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return NewServerError("read response: "+err.Error(), payload, nil)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		perr := classify(resp.StatusCode, raw, payload)
		c.logger.Warn().
			Str("operation", operation).
			Int("status", resp.StatusCode).
			Str("error_code", perr.Code).
			Str("error_kind", string(perr.Kind)).
			Msg("nowpayments_request_failed")
		return perr
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return NewFormatError("decode response: "+err.Error(), payload, raw)
		}
	}
	return nil
}

func classify(status int, raw []byte, payload map[string]any) *Error {
	var body apiErrorBody
	_ = json.Unmarshal(raw, &body)
	msg := strings.TrimSpace(body.Message)
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusUnauthorized:
		return NewAuthenticationError(msg, payload)
	case status == http.StatusForbidden:
		return NewPermissionError(msg, payload, raw)
	case status == http.StatusUnprocessableEntity:
		return NewFormatError(msg, payload, raw)
	case status >= http.StatusInternalServerError:
		return NewServerError(msg, payload, raw)
	}
	code := firstNonEmpty(body.Code, body.ErrorType)
	if code == "" {
		code = strconv.Itoa(status)
	}
	return NewAPIError(msg, payload, raw, code)
}

func nullable(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// String describes the client without leaking the api key.
func (c *Client) String() string {
	return fmt.Sprintf("nowpayments.Client{base=%s}", c.baseURL)
}
