// Package notify delivers platform webhooks to the endpoints organizations
// register, with signing, retries, a DLQ and manual replay.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/billing-nowpayments/internal/obs"
	"github.com/noah-isme/billing-nowpayments/internal/queue"
	"github.com/noah-isme/billing-nowpayments/internal/resilience"
	"github.com/noah-isme/billing-nowpayments/internal/store"
)

// Dispatcher coordinates webhook scheduling and delivery.
type Dispatcher struct {
	Store              Store
	HTTP               *resilience.HTTPClient
	Queue              *queue.Enqueuer
	BackoffBaseSec     int
	DefaultMaxAttempts int
	Enabled            bool
	Replay             ReplayProtector
	ReplayTTL          time.Duration
	StaleAfter         time.Duration
	Logger             zerolog.Logger
}

// Schedule enqueues deliveries for active endpoints of the event's organization
// subscribed to its topic. A second schedule of the same event is a no-op.
func (d *Dispatcher) Schedule(ctx context.Context, event store.DomainEvent) error {
	if d == nil || !d.Enabled || d.Store == nil {
		return nil
	}
	if strings.TrimSpace(event.Topic) == "" {
		return nil
	}
	endpoints, err := d.Store.ListActiveEndpointsForTopic(ctx, event.OrganizationID, event.Topic)
	if err != nil {
		return err
	}
	var joined error
	for _, ep := range endpoints {
		del, err := d.Store.EnqueueDelivery(ctx, ep.ID, event.ID)
		if err != nil {
			if store.IsUniqueViolation(err) {
				continue
			}
			joined = errors.Join(joined, fmt.Errorf("enqueue delivery for %s: %w", ep.ID, err))
			continue
		}
		if err := d.EnqueueDelivery(ctx, del.ID, 0); err != nil {
			// the sweeper still picks the row up
			d.Logger.Warn().Err(err).Str("delivery_id", del.ID.String()).Msg("webhook_delivery_enqueue_failed")
		}
	}
	return joined
}

// WorkOnce claims due deliveries and attempts each of them once.
func (d *Dispatcher) WorkOnce(ctx context.Context, batch int) error {
	if d == nil || !d.Enabled || d.Store == nil {
		return nil
	}
	if batch <= 0 {
		batch = 1
	}
	ctx, span := otel.Tracer("notify.Dispatcher").Start(ctx, "Dispatcher.WorkOnce")
	defer span.End()
	span.SetAttributes(attribute.Int("webhook.batch", batch))

	stale := d.StaleAfter
	if stale <= 0 {
		stale = 5 * time.Minute
	}
	deliveries, err := d.Store.ClaimDueDeliveries(ctx, batch, stale)
	if err != nil {
		span.RecordError(err)
		return err
	}
	for _, del := range deliveries {
		if err := d.attempt(ctx, del); err != nil {
			return err
		}
	}
	return nil
}

// DeliverByID attempts a single delivery if it is still pending or failed.
func (d *Dispatcher) DeliverByID(ctx context.Context, deliveryID string) error {
	if d == nil || !d.Enabled || d.Store == nil {
		return nil
	}
	id, err := uuid.Parse(strings.TrimSpace(deliveryID))
	if err != nil {
		return queue.Permanent(fmt.Errorf("invalid delivery id %q: %w", deliveryID, err))
	}
	del, ok, err := d.Store.ClaimDelivery(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return d.attempt(ctx, del)
}

// attempt sends a claimed delivery and records the outcome. It only returns
// errors from recording the outcome.
func (d *Dispatcher) attempt(ctx context.Context, del store.WebhookDelivery) error {
	obs.IncWebhookDispatchAttempt()
	start := time.Now()

	endpoint, err := d.Store.GetWebhookEndpoint(ctx, del.EndpointID)
	if err != nil {
		return d.failDelivery(ctx, del, fmt.Errorf("load endpoint: %w", err), start)
	}
	event, err := d.Store.GetDomainEvent(ctx, del.EventID)
	if err != nil {
		return d.failDelivery(ctx, del, fmt.Errorf("load event: %w", err), start)
	}
	status, respBody, deliverErr := d.deliver(ctx, endpoint, event, del)
	if deliverErr == nil && status >= 200 && status < 300 {
		obs.ObserveWebhookDelivery("delivered", time.Since(start))
		d.Logger.Info().
			Str("delivery_id", del.ID.String()).
			Str("topic", event.Topic).
			Int("status", status).
			Msg("webhook_delivered")
		return d.Store.MarkDelivered(ctx, del.ID, status, respBody)
	}
	if d.Replay != nil {
		_ = d.Replay.Release(ctx, replayKey(endpoint.ID, event.ID))
	}
	return d.failDelivery(ctx, del, fmt.Errorf("status=%d err=%v", status, deliverErr), start)
}

func (d *Dispatcher) failDelivery(ctx context.Context, del store.WebhookDelivery, cause error, start time.Time) error {
	reason := cause.Error()
	if del.Attempt+1 >= d.maxAttempts() {
		obs.ObserveWebhookDelivery("dlq", time.Since(start))
		d.Logger.Error().
			Str("delivery_id", del.ID.String()).
			Int("attempt", del.Attempt+1).
			Str("reason", reason).
			Msg("webhook_delivery_dead_lettered")
		return d.Store.MoveToDLQ(ctx, del.ID, reason)
	}
	obs.ObserveWebhookDelivery("failed", time.Since(start))
	delay := d.nextDelay(del.Attempt)
	d.Logger.Warn().
		Str("delivery_id", del.ID.String()).
		Int("attempt", del.Attempt+1).
		Dur("backoff", delay).
		Str("reason", reason).
		Msg("webhook_delivery_failed")
	return d.Store.MarkFailedWithBackoff(ctx, del.ID, delay, reason)
}

func (d *Dispatcher) maxAttempts() int {
	if d.DefaultMaxAttempts <= 0 {
		return 6
	}
	return d.DefaultMaxAttempts
}

func (d *Dispatcher) nextDelay(attempt int) time.Duration {
	base := d.BackoffBaseSec
	if base <= 0 {
		base = 5
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 16 {
		attempt = 16
	}
	return time.Duration(base*(1<<attempt)) * time.Second
}

// Payload is the JSON body posted to endpoints.
type Payload struct {
	EventID        string          `json:"eventId"`
	OrganizationID string          `json:"organizationId"`
	Topic          string          `json:"topic"`
	Data           json.RawMessage `json:"data"`
	OccurredAt     time.Time       `json:"occurredAt"`
}

func (d *Dispatcher) deliver(ctx context.Context, ep store.WebhookEndpoint, ev store.DomainEvent, del store.WebhookDelivery) (int, string, error) {
	if d.HTTP == nil {
		d.HTTP = &resilience.HTTPClient{Client: HTTPClient(5*time.Second, false), Target: "webhook-delivery"}
	}
	ctx, span := otel.Tracer("notify.Dispatcher").Start(ctx, "Dispatcher.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.endpoint_id", ep.ID.String()),
		attribute.String("webhook.delivery_id", del.ID.String()),
		attribute.String("webhook.topic", ev.Topic),
	)
	if err := validateURL(ep.URL); err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	occurred := ev.CreatedAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	body, err := json.Marshal(Payload{
		EventID:        ev.ID.String(),
		OrganizationID: ev.OrganizationID.String(),
		Topic:          ev.Topic,
		Data:           json.RawMessage(ev.Payload),
		OccurredAt:     occurred.UTC(),
	})
	if err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	if d.Replay != nil && d.ReplayTTL > 0 {
		ok, err := d.Replay.Acquire(ctx, replayKey(ep.ID, ev.ID), d.ReplayTTL)
		if err != nil {
			span.RecordError(err)
			return 0, "", err
		}
		if !ok {
			span.AddEvent("delivery replay prevented")
			return http.StatusOK, "replay-suppressed", nil
		}
	}
	ts := time.Now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	eventID := ev.ID.String()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "billing-nowpayments-webhooks/1.0")
	req.Header.Set("X-Event-ID", eventID)
	req.Header.Set("X-Event-Topic", ev.Topic)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Idempotency-Key", del.ID.String())
	req.Header.Set("X-Signature", ComputeSignature(ep.Secret, ts, eventID, body))
	resp, err := d.HTTP.Do(ctx, req)
	if err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		span.RecordError(err)
		return resp.StatusCode, "", err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp.StatusCode, string(responseBody), nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid endpoint url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return errors.New("webhook url must be http or https")
	}
	if parsed.Host == "" {
		return errors.New("webhook url must include host")
	}
	if parsed.Scheme == "http" {
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" {
			return errors.New("http webhook only allowed for localhost")
		}
	}
	return nil
}

// Deliver exposes the low-level delivery routine to allow manual replays and testing.
func (d *Dispatcher) Deliver(ctx context.Context, ep store.WebhookEndpoint, ev store.DomainEvent, del store.WebhookDelivery) (int, string, error) {
	return d.deliver(ctx, ep, ev, del)
}

// ComputeSignature calculates the webhook signature for the provided payload. The
// format is HMAC-SHA256 over "<ts>.<eventID>.<body>" using the endpoint secret.
func ComputeSignature(secret string, ts int64, eventID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(eventID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HTTPClient returns an HTTP client configured for webhook delivery.
func HTTPClient(timeout time.Duration, insecure bool) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(transport),
	}
}

// ReplayProtector guards against sending duplicate deliveries within a TTL.
type ReplayProtector interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

func replayKey(endpointID, eventID uuid.UUID) string {
	return fmt.Sprintf("wh:%s:%s", endpointID, eventID)
}
