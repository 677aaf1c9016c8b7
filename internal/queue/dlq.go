package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DLQ lists and replays dead-lettered tasks. The admin API and the operator
// CLI share it.
type DLQ struct {
	Store Store
	Queue Enqueuer
}

// List returns one page of entries and the total for kind.
func (d DLQ) List(ctx context.Context, kind string, limit, offset int) ([]DLQEntry, int64, error) {
	if d.Store == nil {
		return nil, 0, ErrStoreUnavailable
	}
	kind = normaliseKind(kind)
	entries, err := d.Store.ListQueueDlq(ctx, kind, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := d.Store.CountQueueDlq(ctx, kind)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// ReplayIDs re-enqueues the given entries. Failures are reported per id.
func (d DLQ) ReplayIDs(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, map[string]string) {
	replayed := make([]uuid.UUID, 0, len(ids))
	failed := make(map[string]string)
	for _, id := range ids {
		entry, err := d.Store.GetQueueDlq(ctx, id)
		if err != nil {
			failed[id.String()] = err.Error()
			continue
		}
		if err := d.requeue(ctx, entry); err != nil {
			failed[id.String()] = err.Error()
			continue
		}
		replayed = append(replayed, id)
	}
	return replayed, failed
}

// ReplayKind re-enqueues up to limit of the newest entries of kind.
func (d DLQ) ReplayKind(ctx context.Context, kind string, limit int) ([]uuid.UUID, map[string]string, error) {
	entries, err := d.Store.ListQueueDlq(ctx, normaliseKind(kind), limit, 0)
	if err != nil {
		return nil, nil, err
	}
	replayed := make([]uuid.UUID, 0, len(entries))
	failed := make(map[string]string)
	for _, entry := range entries {
		if err := d.requeue(ctx, entry); err != nil {
			failed[entry.ID.String()] = err.Error()
			continue
		}
		replayed = append(replayed, entry.ID)
	}
	return replayed, failed, nil
}

func (d DLQ) requeue(ctx context.Context, entry DLQEntry) error {
	msg, err := decodeMessage(string(entry.Payload))
	if err != nil {
		return fmt.Errorf("decode dlq payload: %w", err)
	}
	attempt := msg.Attempt
	if attempt > 0 {
		attempt--
	}
	task := Task{
		Kind:           msg.Kind,
		Payload:        msg.Payload,
		IdempotencyKey: msg.Key,
		MaxAttempts:    msg.MaxAttempts,
		Attempt:        attempt,
	}
	if task.MaxAttempts <= msg.Attempt {
		// give the replay at least one more try
		task.MaxAttempts = msg.Attempt + 1
	}
	if err := d.Queue.enqueue(ctx, task, false); err != nil {
		return err
	}
	if err := d.Store.DeleteQueueDlq(ctx, entry.ID); err != nil {
		return err
	}
	if count, err := d.Store.CountQueueDlq(ctx, msg.Kind); err == nil {
		QueueDLQSize.WithLabelValues(queueLabel(msg.Kind)).Set(float64(count))
	}
	return nil
}

func normaliseKind(kind string) string {
	kind = strings.TrimSpace(kind)
	if sanitized := sanitizeKind(kind); sanitized != "" {
		return sanitized
	}
	return kind
}
