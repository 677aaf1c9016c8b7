package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/billing-nowpayments/internal/queue"
	"github.com/noah-isme/billing-nowpayments/internal/webhook"
)

// deadLetter runs a worker whose handler always fails with fail until the
// event lands in the DLQ.
func deadLetter(t *testing.T, enq queue.Enqueuer, st *dlqStore, task queue.Task, fail error) *atomic.Int32 {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	log := zerolog.Nop()
	var calls atomic.Int32
	worker := queue.Worker{
		R:                 enq.R,
		Prefix:            enq.Prefix,
		Kind:              webhook.EventKind,
		Concurrency:       1,
		VisibilityTimeout: 120 * time.Millisecond,
		RetryBase:         20 * time.Millisecond,
		Store:             st,
		Logger:            &log,
		Handler: func(context.Context, queue.Task) error {
			calls.Add(1)
			return fail
		},
	}
	done := make(chan struct{})
	go func() {
		_ = worker.Run(ctx)
		close(done)
	}()
	require.NoError(t, enq.Enqueue(context.Background(), task))
	require.Eventually(t, func() bool {
		n, err := st.CountQueueDlq(context.Background(), webhook.EventKind)
		return err == nil && n == 1
	}, 2*time.Second, 20*time.Millisecond)
	cancel()
	<-done
	return &calls
}

func TestEventMovesToDLQAfterMaxAttempts(t *testing.T) {
	_, client := newRedis(t)
	st := newDLQStore()
	enq := queue.Enqueuer{R: client, Prefix: "dlq", MaxAttempts: 2}
	task := eventTask(t, uuid.New(), finishedIPN)

	calls := deadLetter(t, enq, st, task, errors.New("conn refused"))
	require.EqualValues(t, 2, calls.Load())

	entries := st.byKind(webhook.EventKind)
	require.Len(t, entries, 1)
	require.Equal(t, task.IdempotencyKey, entries[0].IdempotencyKey)
	require.Equal(t, 2, entries[0].Attempts)
	require.Contains(t, *entries[0].LastError, "conn refused")
}

func TestPermanentEventFailureSkipsRetries(t *testing.T) {
	_, client := newRedis(t)
	st := newDLQStore()
	enq := queue.Enqueuer{R: client, Prefix: "perm", MaxAttempts: 5}

	calls := deadLetter(t, enq, st, eventTask(t, uuid.New(), `{"invoice_id":1,"payment_status":"chargeback"}`),
		queue.Permanent(errors.New("unknown payment status chargeback")))
	require.EqualValues(t, 1, calls.Load())

	entry := st.byKind(webhook.EventKind)[0]
	require.Equal(t, 1, entry.Attempts)
	require.Contains(t, *entry.LastError, "chargeback")
}

func TestReplayBypassesDedupWindow(t *testing.T) {
	_, client := newRedis(t)
	st := newDLQStore()
	enq := queue.Enqueuer{R: client, Prefix: "replay", DedupTTL: time.Hour, MaxAttempts: 1}
	org := uuid.New()
	deadLetter(t, enq, st, eventTask(t, org, finishedIPN), errors.New("conn refused"))

	// the dead letter released the dedup key, so a provider redelivery is queued
	// and claims it again
	require.NoError(t, enq.Enqueue(context.Background(), eventTask(t, org, finishedIPN)))
	depth, err := client.ZCard(context.Background(), "replay:queue:"+webhook.EventKind).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)

	dlq := queue.DLQ{Store: st, Queue: enq}
	replayed, failed, err := dlq.ReplayKind(context.Background(), webhook.EventKind, 10)
	require.NoError(t, err)
	require.Empty(t, failed)
	require.Len(t, replayed, 1)

	depth, err = client.ZCard(context.Background(), "replay:queue:"+webhook.EventKind).Result()
	require.NoError(t, err)
	require.EqualValues(t, 2, depth)
	require.Empty(t, st.byKind(webhook.EventKind))
}

func TestPermanentWrapping(t *testing.T) {
	base := errors.New("payment not found")
	wrapped := queue.Permanent(base)
	require.True(t, queue.IsPermanent(wrapped))
	require.ErrorIs(t, wrapped, base)
	require.False(t, queue.IsPermanent(base))
	require.NoError(t, queue.Permanent(nil))
}
