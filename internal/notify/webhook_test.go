package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/billing-nowpayments/internal/common"
	"github.com/noah-isme/billing-nowpayments/internal/lock"
	"github.com/noah-isme/billing-nowpayments/internal/notify"
	"github.com/noah-isme/billing-nowpayments/internal/queue"
	"github.com/noah-isme/billing-nowpayments/internal/resilience"
	"github.com/noah-isme/billing-nowpayments/internal/store"
)

type failedCall struct {
	id    uuid.UUID
	delay time.Duration
}

// memoryStore is a minimal in-memory notify.Store.
type memoryStore struct {
	mu         sync.Mutex
	endpoints  map[uuid.UUID]store.WebhookEndpoint
	events     map[uuid.UUID]store.DomainEvent
	deliveries map[uuid.UUID]store.WebhookDelivery
	failed     []failedCall
	dlq        []uuid.UUID
	delivered  []uuid.UUID
	enqueueErr func(n int) error
	enqueued   int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		endpoints:  map[uuid.UUID]store.WebhookEndpoint{},
		events:     map[uuid.UUID]store.DomainEvent{},
		deliveries: map[uuid.UUID]store.WebhookDelivery{},
	}
}

func (m *memoryStore) CreateWebhookEndpoint(_ context.Context, e store.WebhookEndpoint) (store.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	m.endpoints[e.ID] = e
	return e, nil
}

func (m *memoryStore) UpdateWebhookEndpoint(_ context.Context, e store.WebhookEndpoint) (store.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.endpoints[e.ID]
	if !ok || current.OrganizationID != e.OrganizationID {
		return store.WebhookEndpoint{}, common.NotFoundFailure("webhook_endpoint")
	}
	m.endpoints[e.ID] = e
	return e, nil
}

func (m *memoryStore) GetWebhookEndpoint(_ context.Context, id uuid.UUID) (store.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.endpoints[id]
	if !ok {
		return store.WebhookEndpoint{}, common.NotFoundFailure("webhook_endpoint")
	}
	return e, nil
}

func (m *memoryStore) ListWebhookEndpoints(_ context.Context, organizationID uuid.UUID, _, _ int) ([]store.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.WebhookEndpoint
	for _, e := range m.endpoints {
		if e.OrganizationID == organizationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memoryStore) DeleteWebhookEndpoint(_ context.Context, organizationID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.endpoints[id]
	if !ok || e.OrganizationID != organizationID {
		return common.NotFoundFailure("webhook_endpoint")
	}
	delete(m.endpoints, id)
	return nil
}

func (m *memoryStore) ListActiveEndpointsForTopic(_ context.Context, organizationID uuid.UUID, topic string) ([]store.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.WebhookEndpoint
	for _, e := range m.endpoints {
		if e.OrganizationID != organizationID || !e.Active {
			continue
		}
		if len(e.Topics) == 0 {
			out = append(out, e)
			continue
		}
		for _, t := range e.Topics {
			if t == topic {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

func (m *memoryStore) EnqueueDelivery(_ context.Context, endpointID, eventID uuid.UUID) (store.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued++
	if m.enqueueErr != nil {
		if err := m.enqueueErr(m.enqueued); err != nil {
			return store.WebhookDelivery{}, err
		}
	}
	d := store.WebhookDelivery{
		ID:            uuid.New(),
		EndpointID:    endpointID,
		EventID:       eventID,
		Status:        store.DeliveryPending,
		NextAttemptAt: time.Now(),
	}
	m.deliveries[d.ID] = d
	return d, nil
}

func (m *memoryStore) ClaimDueDeliveries(_ context.Context, limit int, _ time.Duration) ([]store.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.WebhookDelivery
	for id, d := range m.deliveries {
		if len(out) >= limit {
			break
		}
		if d.Status != store.DeliveryPending && d.Status != store.DeliveryFailed {
			continue
		}
		d.Status = store.DeliveryDelivering
		m.deliveries[id] = d
		out = append(out, d)
	}
	return out, nil
}

func (m *memoryStore) ClaimDelivery(_ context.Context, id uuid.UUID) (store.WebhookDelivery, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || (d.Status != store.DeliveryPending && d.Status != store.DeliveryFailed) {
		return store.WebhookDelivery{}, false, nil
	}
	d.Status = store.DeliveryDelivering
	m.deliveries[id] = d
	return d, true, nil
}

func (m *memoryStore) MarkDelivered(_ context.Context, id uuid.UUID, status int, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	d.Status = store.DeliveryDelivered
	d.ResponseStatus = &status
	d.ResponseBody = &body
	m.deliveries[id] = d
	m.delivered = append(m.delivered, id)
	return nil
}

func (m *memoryStore) MarkFailedWithBackoff(_ context.Context, id uuid.UUID, delay time.Duration, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	d.Status = store.DeliveryFailed
	d.Attempt++
	d.LastError = &lastError
	m.deliveries[id] = d
	m.failed = append(m.failed, failedCall{id: id, delay: delay})
	return nil
}

func (m *memoryStore) MoveToDLQ(_ context.Context, id uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	d.Status = store.DeliveryDLQ
	d.Attempt++
	d.LastError = &reason
	m.deliveries[id] = d
	m.dlq = append(m.dlq, id)
	return nil
}

func (m *memoryStore) GetDeliveryByID(_ context.Context, id uuid.UUID) (store.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return store.WebhookDelivery{}, common.NotFoundFailure("webhook_delivery")
	}
	return d, nil
}

func (m *memoryStore) ResetDeliveryForReplay(_ context.Context, id uuid.UUID) (store.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return store.WebhookDelivery{}, common.NotFoundFailure("webhook_delivery")
	}
	d.Status = store.DeliveryPending
	d.Attempt = 0
	d.LastError = nil
	m.deliveries[id] = d
	return d, nil
}

func (m *memoryStore) ListWebhookDeliveries(_ context.Context, arg store.ListDeliveriesParams) ([]store.WebhookDeliveryRow, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.WebhookDeliveryRow
	for _, d := range m.deliveries {
		ep := m.endpoints[d.EndpointID]
		if ep.OrganizationID != arg.OrganizationID {
			continue
		}
		if arg.Status != "" && d.Status != arg.Status {
			continue
		}
		out = append(out, store.WebhookDeliveryRow{WebhookDelivery: d, OrganizationID: ep.OrganizationID, EndpointURL: ep.URL})
	}
	return out, int64(len(out)), nil
}

func (m *memoryStore) GetDomainEvent(_ context.Context, id uuid.UUID) (store.DomainEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return store.DomainEvent{}, common.NotFoundFailure("domain_event")
	}
	return ev, nil
}

func (m *memoryStore) status(id uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deliveries[id].Status
}

var _ notify.Store = (*memoryStore)(nil)

func testHTTP(client *http.Client) *resilience.HTTPClient {
	return &resilience.HTTPClient{
		Client:      client,
		Breaker:     resilience.NewBreaker(100, 1, time.Second),
		MaxAttempts: 1,
		Timeout:     time.Second,
		Target:      "webhook-delivery",
	}
}

func seed(t *testing.T, st *memoryStore, url string, topics ...string) (store.WebhookEndpoint, store.DomainEvent) {
	t.Helper()
	orgID := uuid.New()
	ep, err := st.CreateWebhookEndpoint(context.Background(), store.WebhookEndpoint{
		OrganizationID: orgID,
		URL:            url,
		Secret:         "secret",
		Active:         true,
		Topics:         topics,
	})
	require.NoError(t, err)
	ev := store.DomainEvent{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Topic:          "invoice.payment_status_updated",
		AggregateType:  "invoice",
		AggregateID:    uuid.New(),
		Payload:        []byte(`{"payment_status":"succeeded"}`),
		CreatedAt:      time.Now(),
	}
	st.events[ev.ID] = ev
	return ep, ev
}

func TestSignatureAndHeaders(t *testing.T) {
	type recorded struct {
		req  *http.Request
		body []byte
	}
	received := make(chan recorded, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- recorded{req: r, body: body}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	dispatcher := &notify.Dispatcher{HTTP: testHTTP(srv.Client()), Enabled: true}
	endpoint := store.WebhookEndpoint{ID: uuid.New(), URL: srv.URL, Secret: "secret"}
	event := store.DomainEvent{
		ID:             uuid.New(),
		OrganizationID: uuid.New(),
		Topic:          "invoice.payment_failure",
		Payload:        []byte(`{"id":1}`),
		CreatedAt:      time.Now(),
	}
	delivery := store.WebhookDelivery{ID: uuid.New()}

	status, _, err := dispatcher.Deliver(context.Background(), endpoint, event, delivery)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)

	record := <-received
	req := record.req
	require.Equal(t, "application/json", req.Header.Get("Content-Type"))
	require.Equal(t, event.ID.String(), req.Header.Get("X-Event-ID"))
	require.Equal(t, event.Topic, req.Header.Get("X-Event-Topic"))
	require.Equal(t, delivery.ID.String(), req.Header.Get("X-Idempotency-Key"))
	ts, err := strconv.ParseInt(req.Header.Get("X-Timestamp"), 10, 64)
	require.NoError(t, err)
	require.Equal(t, notify.ComputeSignature(endpoint.Secret, ts, event.ID.String(), record.body), req.Header.Get("X-Signature"))

	var payload notify.Payload
	require.NoError(t, json.Unmarshal(record.body, &payload))
	require.Equal(t, event.OrganizationID.String(), payload.OrganizationID)
	require.JSONEq(t, `{"id":1}`, string(payload.Data))
}

func TestRetryAndDLQ(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	st := newMemoryStore()
	ep, ev := seed(t, st, srv.URL)
	del, err := st.EnqueueDelivery(context.Background(), ep.ID, ev.ID)
	require.NoError(t, err)

	dispatcher := &notify.Dispatcher{
		Store:              st,
		HTTP:               testHTTP(srv.Client()),
		BackoffBaseSec:     3,
		DefaultMaxAttempts: 2,
		Enabled:            true,
		Logger:             zerolog.Nop(),
	}

	require.NoError(t, dispatcher.WorkOnce(context.Background(), 1))
	require.Len(t, st.failed, 1)
	require.Equal(t, 3*time.Second, st.failed[0].delay)
	require.Equal(t, store.DeliveryFailed, st.status(del.ID))

	require.NoError(t, dispatcher.WorkOnce(context.Background(), 1))
	require.Equal(t, []uuid.UUID{del.ID}, st.dlq)
	require.Equal(t, store.DeliveryDLQ, st.status(del.ID))

	// parked deliveries are not claimed again
	require.NoError(t, dispatcher.WorkOnce(context.Background(), 1))
	require.Len(t, st.dlq, 1)
}

func TestScheduleSkipsDuplicateDeliveries(t *testing.T) {
	st := newMemoryStore()
	ep, ev := seed(t, st, "https://hooks.example.test/a")
	_, err := st.CreateWebhookEndpoint(context.Background(), store.WebhookEndpoint{
		OrganizationID: ep.OrganizationID,
		URL:            "https://hooks.example.test/b",
		Secret:         "secret",
		Active:         true,
	})
	require.NoError(t, err)
	st.enqueueErr = func(n int) error {
		if n == 1 {
			return &pgconn.PgError{Code: "23505"}
		}
		return nil
	}

	dispatcher := &notify.Dispatcher{Store: st, Enabled: true, Logger: zerolog.Nop()}
	require.NoError(t, dispatcher.Schedule(context.Background(), ev))
	require.Equal(t, 2, st.enqueued)
	require.Len(t, st.deliveries, 1)
}

func TestScheduleFiltersTopicsAndOrganization(t *testing.T) {
	st := newMemoryStore()
	_, ev := seed(t, st, "https://hooks.example.test/a", "credit_note.provider_refund_failure")
	_, err := st.CreateWebhookEndpoint(context.Background(), store.WebhookEndpoint{
		OrganizationID: uuid.New(),
		URL:            "https://hooks.example.test/other-org",
		Secret:         "secret",
		Active:         true,
	})
	require.NoError(t, err)

	dispatcher := &notify.Dispatcher{Store: st, Enabled: true, Logger: zerolog.Nop()}
	require.NoError(t, dispatcher.Schedule(context.Background(), ev))
	require.Empty(t, st.deliveries)
}

func TestScheduleJoinsStoreErrors(t *testing.T) {
	st := newMemoryStore()
	_, ev := seed(t, st, "https://hooks.example.test/a")
	st.enqueueErr = func(int) error { return errors.New("db down") }

	dispatcher := &notify.Dispatcher{Store: st, Enabled: true, Logger: zerolog.Nop()}
	err := dispatcher.Schedule(context.Background(), ev)
	require.ErrorContains(t, err, "db down")
}

func TestDisabledDispatcherIsNoop(t *testing.T) {
	st := newMemoryStore()
	_, ev := seed(t, st, "https://hooks.example.test/a")
	dispatcher := &notify.Dispatcher{Store: st}
	require.NoError(t, dispatcher.Schedule(context.Background(), ev))
	require.Empty(t, st.deliveries)
}

func TestDeliveryWorkerDeliversQueuedTask(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := newMemoryStore()
	ep, ev := seed(t, st, srv.URL)
	dispatcher := &notify.Dispatcher{
		Store:     st,
		HTTP:      testHTTP(srv.Client()),
		Queue:     &queue.Enqueuer{R: client, Prefix: "test"},
		Enabled:   true,
		Replay:    notify.RedisReplayProtector{Client: client, Prefix: "test"},
		ReplayTTL: time.Minute,
		Logger:    zerolog.Nop(),
	}
	require.NoError(t, dispatcher.Schedule(context.Background(), ev))
	require.Len(t, st.deliveries, 1)

	var deliveryID uuid.UUID
	for id := range st.deliveries {
		deliveryID = id
	}
	worker := notify.DeliveryWorker{Dispatcher: dispatcher, Locker: lock.Locker{R: client, Prefix: "test"}}
	task := queue.Task{Kind: notify.WebhookDeliveryKind, Payload: []byte(deliveryID.String())}
	require.NoError(t, worker.Handle(context.Background(), task))
	require.Equal(t, store.DeliveryDelivered, st.status(deliveryID))

	// a second task for the same delivery finds nothing to claim
	require.NoError(t, worker.Handle(context.Background(), task))
	mu.Lock()
	require.Equal(t, 1, hits)
	mu.Unlock()
	require.Equal(t, ep.ID, st.deliveries[deliveryID].EndpointID)
}

func TestDeliverByIDRejectsMalformedID(t *testing.T) {
	dispatcher := &notify.Dispatcher{Store: newMemoryStore(), Enabled: true}
	err := dispatcher.DeliverByID(context.Background(), "not-a-uuid")
	require.True(t, queue.IsPermanent(err))
}

func TestReplayGuardReleasedAfterFailure(t *testing.T) {
	var fail = true
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := newMemoryStore()
	ep, ev := seed(t, st, srv.URL)
	del, err := st.EnqueueDelivery(context.Background(), ep.ID, ev.ID)
	require.NoError(t, err)

	dispatcher := &notify.Dispatcher{
		Store:              st,
		HTTP:               testHTTP(srv.Client()),
		Enabled:            true,
		DefaultMaxAttempts: 5,
		Replay:             notify.RedisReplayProtector{Client: client},
		ReplayTTL:          time.Minute,
		Logger:             zerolog.Nop(),
	}
	require.NoError(t, dispatcher.DeliverByID(context.Background(), del.ID.String()))
	require.Equal(t, store.DeliveryFailed, st.status(del.ID))

	mu.Lock()
	fail = false
	mu.Unlock()
	require.NoError(t, dispatcher.DeliverByID(context.Background(), del.ID.String()))
	require.Equal(t, store.DeliveryDelivered, st.status(del.ID))
	require.Equal(t, http.StatusOK, *st.deliveries[del.ID].ResponseStatus)
}
