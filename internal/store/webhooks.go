package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const endpointColumns = `id, organization_id, url, secret, topics, active, created_at, updated_at`

func scanEndpoint(row interface{ Scan(...any) error }) (WebhookEndpoint, error) {
	var e WebhookEndpoint
	err := row.Scan(&e.ID, &e.OrganizationID, &e.URL, &e.Secret, &e.Topics, &e.Active, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

// CreateWebhookEndpoint registers an outbound webhook endpoint for an organization.
func (q *Queries) CreateWebhookEndpoint(ctx context.Context, e WebhookEndpoint) (WebhookEndpoint, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Topics == nil {
		e.Topics = []string{}
	}
	row := q.db.QueryRow(ctx, `INSERT INTO webhook_endpoints (id, organization_id, url, secret, topics, active)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING `+endpointColumns,
		e.ID, e.OrganizationID, e.URL, e.Secret, e.Topics, e.Active)
	return scanEndpoint(row)
}

// UpdateWebhookEndpoint overwrites an endpoint owned by the organization.
func (q *Queries) UpdateWebhookEndpoint(ctx context.Context, e WebhookEndpoint) (WebhookEndpoint, error) {
	if e.Topics == nil {
		e.Topics = []string{}
	}
	row := q.db.QueryRow(ctx, `UPDATE webhook_endpoints SET url = $3, secret = $4, topics = $5, active = $6, updated_at = now()
WHERE organization_id = $1 AND id = $2 RETURNING `+endpointColumns,
		e.OrganizationID, e.ID, e.URL, e.Secret, e.Topics, e.Active)
	out, err := scanEndpoint(row)
	return out, notFound(err, "webhook_endpoint")
}

// GetWebhookEndpoint loads an endpoint by id.
func (q *Queries) GetWebhookEndpoint(ctx context.Context, id uuid.UUID) (WebhookEndpoint, error) {
	row := q.db.QueryRow(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = $1`, id)
	e, err := scanEndpoint(row)
	return e, notFound(err, "webhook_endpoint")
}

// ListWebhookEndpoints pages through an organization's endpoints.
func (q *Queries) ListWebhookEndpoints(ctx context.Context, organizationID uuid.UUID, limit, offset int) ([]WebhookEndpoint, error) {
	rows, err := q.db.Query(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints
WHERE organization_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, organizationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]WebhookEndpoint, 0, limit)
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteWebhookEndpoint removes an endpoint owned by the organization.
func (q *Queries) DeleteWebhookEndpoint(ctx context.Context, organizationID, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM webhook_endpoints WHERE organization_id = $1 AND id = $2`, organizationID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound(errNoRows, "webhook_endpoint")
	}
	return nil
}

// ListActiveEndpointsForTopic returns active endpoints of the organization
// subscribed to topic. An endpoint with no topics receives every event.
func (q *Queries) ListActiveEndpointsForTopic(ctx context.Context, organizationID uuid.UUID, topic string) ([]WebhookEndpoint, error) {
	rows, err := q.db.Query(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints
WHERE organization_id = $1 AND active AND (cardinality(topics) = 0 OR $2 = ANY(topics))`, organizationID, topic)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WebhookEndpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertDomainEvent persists an emitted domain event.
func (q *Queries) InsertDomainEvent(ctx context.Context, ev DomainEvent) (DomainEvent, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	err := q.db.QueryRow(ctx, `INSERT INTO domain_events (id, organization_id, topic, aggregate_type, aggregate_id, payload)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`,
		ev.ID, ev.OrganizationID, ev.Topic, ev.AggregateType, ev.AggregateID, ev.Payload).Scan(&ev.CreatedAt)
	return ev, err
}

// GetDomainEvent loads a domain event by id.
func (q *Queries) GetDomainEvent(ctx context.Context, id uuid.UUID) (DomainEvent, error) {
	var ev DomainEvent
	err := q.db.QueryRow(ctx, `SELECT id, organization_id, topic, aggregate_type, aggregate_id, payload, created_at
FROM domain_events WHERE id = $1`, id).
		Scan(&ev.ID, &ev.OrganizationID, &ev.Topic, &ev.AggregateType, &ev.AggregateID, &ev.Payload, &ev.CreatedAt)
	return ev, notFound(err, "domain_event")
}

const deliveryColumns = `id, endpoint_id, event_id, status, attempt, next_attempt_at, last_error,
response_status, response_body, created_at, updated_at`

func scanDelivery(row interface{ Scan(...any) error }) (WebhookDelivery, error) {
	var d WebhookDelivery
	err := row.Scan(&d.ID, &d.EndpointID, &d.EventID, &d.Status, &d.Attempt, &d.NextAttemptAt, &d.LastError,
		&d.ResponseStatus, &d.ResponseBody, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

// EnqueueDelivery creates a pending delivery. A second call for the same
// endpoint and event fails with a unique violation.
func (q *Queries) EnqueueDelivery(ctx context.Context, endpointID, eventID uuid.UUID) (WebhookDelivery, error) {
	row := q.db.QueryRow(ctx, `INSERT INTO webhook_deliveries (id, endpoint_id, event_id)
VALUES ($1, $2, $3) RETURNING `+deliveryColumns, uuid.New(), endpointID, eventID)
	return scanDelivery(row)
}

// ClaimDueDeliveries marks up to limit due deliveries as delivering and returns
// them. Deliveries stuck in DELIVERING for longer than staleAfter are reclaimed.
func (q *Queries) ClaimDueDeliveries(ctx context.Context, limit int, staleAfter time.Duration) ([]WebhookDelivery, error) {
	rows, err := q.db.Query(ctx, `UPDATE webhook_deliveries SET status = 'DELIVERING', updated_at = now()
WHERE id IN (
  SELECT id FROM webhook_deliveries
  WHERE (status IN ('PENDING', 'FAILED') AND next_attempt_at <= now())
     OR (status = 'DELIVERING' AND updated_at <= now() - make_interval(secs => $2))
  ORDER BY next_attempt_at
  LIMIT $1
  FOR UPDATE SKIP LOCKED
)
RETURNING `+deliveryColumns, limit, staleAfter.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ClaimDelivery marks a single pending or failed delivery as delivering. It
// returns false when another worker owns it or it already reached a final state.
func (q *Queries) ClaimDelivery(ctx context.Context, id uuid.UUID) (WebhookDelivery, bool, error) {
	row := q.db.QueryRow(ctx, `UPDATE webhook_deliveries SET status = 'DELIVERING', updated_at = now()
WHERE id = $1 AND status IN ('PENDING', 'FAILED') RETURNING `+deliveryColumns, id)
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return WebhookDelivery{}, false, nil
	}
	if err != nil {
		return WebhookDelivery{}, false, err
	}
	return d, true, nil
}

// GetDeliveryByID loads a delivery by id.
func (q *Queries) GetDeliveryByID(ctx context.Context, id uuid.UUID) (WebhookDelivery, error) {
	row := q.db.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	d, err := scanDelivery(row)
	return d, notFound(err, "webhook_delivery")
}

// MarkDelivered records a successful attempt.
func (q *Queries) MarkDelivered(ctx context.Context, id uuid.UUID, responseStatus int, responseBody string) error {
	_, err := q.db.Exec(ctx, `UPDATE webhook_deliveries SET status = 'DELIVERED', attempt = attempt + 1,
response_status = $2, response_body = $3, last_error = NULL, updated_at = now() WHERE id = $1`,
		id, responseStatus, truncate(responseBody, 4096))
	return err
}

// MarkFailedWithBackoff records a failed attempt and schedules the next one.
func (q *Queries) MarkFailedWithBackoff(ctx context.Context, id uuid.UUID, delay time.Duration, lastError string) error {
	_, err := q.db.Exec(ctx, `UPDATE webhook_deliveries SET status = 'FAILED', attempt = attempt + 1,
next_attempt_at = now() + make_interval(secs => $2), last_error = $3, updated_at = now() WHERE id = $1`,
		id, delay.Seconds(), lastError)
	return err
}

// MoveToDLQ parks a delivery that exhausted its attempts and records the reason.
func (q *Queries) MoveToDLQ(ctx context.Context, id uuid.UUID, reason string) error {
	if _, err := q.db.Exec(ctx, `UPDATE webhook_deliveries SET status = 'DLQ', attempt = attempt + 1,
last_error = $2, updated_at = now() WHERE id = $1`, id, reason); err != nil {
		return err
	}
	_, err := q.db.Exec(ctx, `INSERT INTO webhook_dlq (id, delivery_id, reason) VALUES ($1, $2, $3)`, uuid.New(), id, reason)
	return err
}

// ResetDeliveryForReplay makes a delivery due immediately with a fresh attempt budget.
func (q *Queries) ResetDeliveryForReplay(ctx context.Context, id uuid.UUID) (WebhookDelivery, error) {
	row := q.db.QueryRow(ctx, `UPDATE webhook_deliveries SET status = 'PENDING', attempt = 0, next_attempt_at = now(),
last_error = NULL, updated_at = now() WHERE id = $1 RETURNING `+deliveryColumns, id)
	d, err := scanDelivery(row)
	if err != nil {
		return d, notFound(err, "webhook_delivery")
	}
	_, err = q.db.Exec(ctx, `DELETE FROM webhook_dlq WHERE delivery_id = $1`, id)
	return d, err
}

// ListDeliveriesParams filters the delivery listing of an organization.
type ListDeliveriesParams struct {
	OrganizationID uuid.UUID
	EndpointID     *uuid.UUID
	EventID        *uuid.UUID
	Status         string
	Limit          int
	Offset         int
}

// ListWebhookDeliveries pages through deliveries and returns the filtered total.
func (q *Queries) ListWebhookDeliveries(ctx context.Context, arg ListDeliveriesParams) ([]WebhookDeliveryRow, int64, error) {
	const filter = `FROM webhook_deliveries d
JOIN webhook_endpoints e ON e.id = d.endpoint_id
JOIN domain_events ev ON ev.id = d.event_id
WHERE e.organization_id = $1
  AND ($2::uuid IS NULL OR d.endpoint_id = $2)
  AND ($3::uuid IS NULL OR d.event_id = $3)
  AND ($4 = '' OR d.status = $4)`

	var total int64
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) `+filter, arg.OrganizationID, arg.EndpointID, arg.EventID, arg.Status).
		Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.db.Query(ctx, `SELECT d.id, d.endpoint_id, d.event_id, d.status, d.attempt, d.next_attempt_at,
d.last_error, d.response_status, d.response_body, d.created_at, d.updated_at, e.organization_id, e.url, ev.topic `+
		filter+` ORDER BY d.created_at DESC LIMIT $5 OFFSET $6`,
		arg.OrganizationID, arg.EndpointID, arg.EventID, arg.Status, arg.Limit, arg.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := make([]WebhookDeliveryRow, 0, arg.Limit)
	for rows.Next() {
		var r WebhookDeliveryRow
		if err := rows.Scan(&r.ID, &r.EndpointID, &r.EventID, &r.Status, &r.Attempt, &r.NextAttemptAt, &r.LastError,
			&r.ResponseStatus, &r.ResponseBody, &r.CreatedAt, &r.UpdatedAt, &r.OrganizationID, &r.EndpointURL, &r.Topic); err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}
