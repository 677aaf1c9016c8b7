package queue_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/billing-nowpayments/internal/common"
	"github.com/noah-isme/billing-nowpayments/internal/queue"
	"github.com/noah-isme/billing-nowpayments/internal/webhook"
)

const finishedIPN = `{"payment_id":5077125051,"invoice_id":4522625843,"payment_status":"finished","order_id":"INV-1"}`

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// eventTask builds the task the webhook ingestor enqueues for body.
func eventTask(t *testing.T, org uuid.UUID, body string) queue.Task {
	t.Helper()
	payload, err := json.Marshal(webhook.Message{OrganizationID: org, Event: json.RawMessage(body)})
	require.NoError(t, err)
	return queue.Task{
		Kind:           webhook.EventKind,
		Payload:        payload,
		IdempotencyKey: org.String() + ":" + common.Sha256Hex([]byte(body)),
	}
}

func decodeEvent(t *testing.T, task queue.Task) webhook.Message {
	t.Helper()
	var msg webhook.Message
	require.NoError(t, json.Unmarshal(task.Payload, &msg))
	return msg
}

// dlqStore keeps dead-lettered tasks in memory.
type dlqStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]queue.DLQEntry
}

func newDLQStore() *dlqStore {
	return &dlqStore{entries: map[uuid.UUID]queue.DLQEntry{}}
}

func (s *dlqStore) InsertQueueDlq(_ context.Context, entry queue.DLQEntry) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	s.entries[entry.ID] = entry
	return entry.ID, nil
}

func (s *dlqStore) DeleteQueueDlq(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *dlqStore) GetQueueDlq(_ context.Context, id uuid.UUID) (queue.DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return queue.DLQEntry{}, sql.ErrNoRows
	}
	return entry, nil
}

func (s *dlqStore) ListQueueDlq(_ context.Context, kind string, limit, offset int) ([]queue.DLQEntry, error) {
	all := s.byKind(kind)
	if offset >= len(all) {
		return []queue.DLQEntry{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *dlqStore) CountQueueDlq(_ context.Context, kind string) (int64, error) {
	return int64(len(s.byKind(kind))), nil
}

func (s *dlqStore) QueueDlqSizeByKind(context.Context) (map[string]int64, error) {
	sizes := map[string]int64{}
	for _, entry := range s.byKind("") {
		sizes[entry.Kind]++
	}
	return sizes, nil
}

func (s *dlqStore) byKind(kind string) []queue.DLQEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]queue.DLQEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		if kind == "" || entry.Kind == kind {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
