package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/billing-nowpayments/internal/queue"
	"github.com/noah-isme/billing-nowpayments/internal/webhook"
)

func TestStalledEventIsRedelivered(t *testing.T) {
	_, client := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "vis", DedupTTL: time.Minute, MaxAttempts: 3}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	org := uuid.New()

	type attempt struct {
		n   int
		org uuid.UUID
	}
	attempts := make(chan attempt, 2)
	log := zerolog.Nop()
	worker := queue.Worker{
		R:                 client,
		Prefix:            "vis",
		Kind:              webhook.EventKind,
		Concurrency:       1,
		VisibilityTimeout: 150 * time.Millisecond,
		SoftDeadline:      80 * time.Millisecond,
		RetryBase:         20 * time.Millisecond,
		Store:             newDLQStore(),
		Logger:            &log,
		Handler: func(jobCtx context.Context, task queue.Task) error {
			attempts <- attempt{n: task.Attempt, org: decodeEvent(t, task).OrganizationID}
			if task.Attempt == 1 {
				// reconciliation blocked on a lock past its deadline
				<-jobCtx.Done()
				return jobCtx.Err()
			}
			cancel()
			return nil
		},
	}
	done := make(chan struct{})
	go func() {
		_ = worker.Run(ctx)
		close(done)
	}()

	require.NoError(t, enq.Enqueue(context.Background(), eventTask(t, org, finishedIPN)))
	require.Eventually(t, func() bool { return len(attempts) >= 2 }, 2*time.Second, 20*time.Millisecond)

	first, second := <-attempts, <-attempts
	require.Equal(t, attempt{n: 1, org: org}, first)
	require.Equal(t, attempt{n: 2, org: org}, second)
	<-done

	depth, err := client.ZCard(context.Background(), "vis:queue:"+webhook.EventKind).Result()
	require.NoError(t, err)
	require.Zero(t, depth)
}
