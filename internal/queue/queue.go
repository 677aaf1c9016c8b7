package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/billing-nowpayments/internal/resilience"
)

// Task represents a job to be processed asynchronously.
type Task struct {
	Kind           string
	Payload        []byte
	IdempotencyKey string
	MaxAttempts    int
	Delay          time.Duration
	// Attempt is the 1-based delivery count seen by handlers. On enqueue it
	// seeds the counter, which lets DLQ replays keep their history.
	Attempt int
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not retryable. Workers move such tasks straight to the DLQ.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Enqueuer publishes tasks to Redis backed queues.
type Enqueuer struct {
	R           *redis.Client
	Prefix      string
	DedupTTL    time.Duration
	MaxAttempts int
}

// Enqueue inserts the task into the queue. If an idempotency key is supplied the
// task is only enqueued once within the configured deduplication window.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	return e.enqueue(ctx, t, true)
}

// enqueue skips the deduplication window when dedup is false; DLQ replays carry
// a key that was already claimed by the original delivery.
func (e Enqueuer) enqueue(ctx context.Context, t Task, dedup bool) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	kind := sanitizeKind(t.Kind)
	if kind == "" {
		return errors.New("queue: task kind is required")
	}
	msg := taskMessage{
		Kind:        kind,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		Attempt:     t.Attempt,
		MaxAttempts: t.MaxAttempts,
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = e.MaxAttempts
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = 10
	}
	msg.AvailableAt = time.Now().Add(t.Delay).UnixNano()

	if dedup && msg.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		ok, err := e.R.SetNX(ctx, dedupKey(e.Prefix, kind, msg.Key), "1", ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return e.R.ZAdd(ctx, queueKey(e.Prefix, kind), redis.Z{Score: float64(msg.AvailableAt), Member: raw}).Err()
}

func sanitizeKind(kind string) string {
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		if c >= 'a' && c <= 'z' {
			continue
		}
		if c >= '0' && c <= '9' {
			continue
		}
		if c == '-' || c == '_' || c == ':' {
			continue
		}
		return ""
	}
	return kind
}

// Worker consumes tasks for a specific kind.
type Worker struct {
	R                 *redis.Client
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	// SoftDeadline bounds a single handler run. It defaults to the visibility timeout.
	SoftDeadline time.Duration
	Handler      func(context.Context, Task) error
	RetryBase    time.Duration
	RetryJitter  float64
	Store        Store
	Logger       *zerolog.Logger
}

// Run starts processing tasks until the context is cancelled. Active tasks are
// tracked in a processing set to enable redelivery when workers crash.
func (w Worker) Run(ctx context.Context) error {
	if w.R == nil {
		return errors.New("queue: worker redis client not configured")
	}
	if w.Handler == nil {
		return errors.New("queue: worker handler not configured")
	}
	kind := sanitizeKind(w.Kind)
	if kind == "" {
		return errors.New("queue: worker kind is required")
	}
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	visibility := w.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	softDeadline := w.SoftDeadline
	if softDeadline <= 0 || softDeadline > visibility {
		softDeadline = visibility
	}
	retryBase := w.RetryBase
	if retryBase <= 0 {
		retryBase = 200 * time.Millisecond
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	processing := processingKey(w.Prefix, kind)
	ready := queueKey(w.Prefix, kind)

	requeueTicker := time.NewTicker(time.Second)
	defer requeueTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-requeueTicker.C:
			if err := w.requeueExpired(ctx, processing, ready); err != nil && ctx.Err() == nil {
				w.logger().Error().Err(err).Str("kind", kind).Msg("queue_requeue_failed")
			}
			continue
		case sem <- struct{}{}:
		}

		msg, raw, ok, err := w.claim(ctx, ready, processing, visibility)
		if err != nil || !ok {
			<-sem
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				w.logger().Error().Err(err).Str("kind", kind).Msg("queue_claim_failed")
			}
			sleepCtx(ctx, 100*time.Millisecond)
			continue
		}

		wg.Add(1)
		go func(raw string, m taskMessage) {
			defer func() { <-sem }()
			defer wg.Done()
			jobCtx, cancel := context.WithTimeout(ctx, softDeadline)
			defer cancel()
			err := w.Handler(jobCtx, Task{Kind: kind, Payload: m.Payload, IdempotencyKey: m.Key, MaxAttempts: m.MaxAttempts, Attempt: m.Attempt})
			// Bookkeeping must survive the job deadline.
			bookCtx := context.WithoutCancel(ctx)
			if err != nil {
				w.handleFailure(bookCtx, ready, processing, raw, m, retryBase, err)
				return
			}
			w.ack(bookCtx, processing, raw, m)
		}(raw, msg)
	}
}

// claim pops the next due message and records it in the processing set.
func (w Worker) claim(ctx context.Context, ready, processing string, visibility time.Duration) (taskMessage, string, bool, error) {
	res, err := w.R.ZPopMin(ctx, ready, 1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return taskMessage{}, "", false, nil
		}
		return taskMessage{}, "", false, err
	}
	if len(res) == 0 {
		return taskMessage{}, "", false, nil
	}
	member, ok := res[0].Member.(string)
	if !ok {
		return taskMessage{}, "", false, nil
	}
	msg, err := decodeMessage(member)
	if err != nil {
		w.logger().Warn().Err(err).Msg("queue_message_undecodable")
		return taskMessage{}, "", false, nil
	}
	if msg.AvailableAt > time.Now().UnixNano() {
		// not due yet, push back
		if err := w.R.ZAdd(ctx, ready, redis.Z{Score: float64(msg.AvailableAt), Member: member}).Err(); err != nil {
			return taskMessage{}, "", false, err
		}
		return taskMessage{}, "", false, nil
	}

	msg.Attempt++
	encoded, err := json.Marshal(msg)
	if err != nil {
		return taskMessage{}, "", false, err
	}
	raw := string(encoded)
	deadline := time.Now().Add(visibility).UnixNano()
	if err := w.R.ZAdd(ctx, processing, redis.Z{Score: float64(deadline), Member: raw}).Err(); err != nil {
		return taskMessage{}, "", false, err
	}
	return msg, raw, true, nil
}

func (w Worker) handleFailure(ctx context.Context, ready, processing, raw string, msg taskMessage, base time.Duration, cause error) {
	if raw != "" {
		_ = w.R.ZRem(ctx, processing, raw).Err()
	}
	permanent := IsPermanent(cause)
	if permanent || (msg.MaxAttempts > 0 && msg.Attempt >= msg.MaxAttempts) {
		w.moveToDLQ(ctx, msg, cause)
		return
	}
	delay := resilience.Backoff(base, msg.Attempt, w.RetryJitter)
	msg.AvailableAt = time.Now().Add(delay).UnixNano()
	encoded, err := json.Marshal(msg)
	if err != nil {
		return
	}
	observeProcessed(msg.Kind, "retry")
	w.logger().Warn().
		Err(cause).
		Str("kind", msg.Kind).
		Str("key", msg.Key).
		Int("attempt", msg.Attempt).
		Int("max_attempts", msg.MaxAttempts).
		Dur("backoff", delay).
		Msg("queue_task_retry")
	_ = w.R.ZAdd(ctx, ready, redis.Z{Score: float64(msg.AvailableAt), Member: string(encoded)}).Err()
}

func (w Worker) moveToDLQ(ctx context.Context, msg taskMessage, cause error) {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return
	}
	reason := cause.Error()
	observeProcessed(msg.Kind, "dlq")
	w.logger().Error().
		Err(cause).
		Str("kind", msg.Kind).
		Str("key", msg.Key).
		Int("attempt", msg.Attempt).
		Bool("permanent", IsPermanent(cause)).
		Msg("queue_task_dead_lettered")
	if w.Store != nil {
		_, err = w.Store.InsertQueueDlq(ctx, DLQEntry{
			Kind:           msg.Kind,
			IdempotencyKey: msg.Key,
			Payload:        encoded,
			Attempts:       msg.Attempt,
			LastError:      &reason,
		})
		if err == nil {
			if count, countErr := w.Store.CountQueueDlq(ctx, msg.Kind); countErr == nil {
				QueueDLQSize.WithLabelValues(msg.Kind).Set(float64(count))
			}
		}
	}
	if w.Store == nil || err != nil {
		if err != nil {
			w.logger().Error().Err(err).Str("kind", msg.Kind).Msg("queue_dlq_store_failed")
		}
		_ = w.R.LPush(ctx, dlqKey(w.Prefix, msg.Kind), encoded).Err()
	}
	if msg.Key != "" {
		_ = w.R.Del(ctx, dedupKey(w.Prefix, msg.Kind, msg.Key)).Err()
	}
}

func (w Worker) ack(ctx context.Context, processing, raw string, msg taskMessage) {
	if raw != "" {
		_ = w.R.ZRem(ctx, processing, raw).Err()
	}
	if msg.Key != "" {
		_ = w.R.Del(ctx, dedupKey(w.Prefix, msg.Kind, msg.Key)).Err()
	}
	observeProcessed(msg.Kind, "ok")
}

func (w Worker) requeueExpired(ctx context.Context, processing, ready string) error {
	now := float64(time.Now().UnixNano())
	due, err := w.R.ZRangeByScore(ctx, processing, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, raw := range due {
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		removed, err := w.R.ZRem(ctx, processing, raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		msg.AvailableAt = time.Now().UnixNano()
		encoded, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		w.logger().Warn().Str("kind", msg.Kind).Str("key", msg.Key).Int("attempt", msg.Attempt).Msg("queue_visibility_expired")
		_ = w.R.ZAdd(ctx, ready, redis.Z{Score: float64(msg.AvailableAt), Member: encoded}).Err()
	}
	return nil
}

func (w Worker) logger() *zerolog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	nop := zerolog.Nop()
	return &nop
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func queueKey(prefix, kind string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:%s", kind)
	}
	return fmt.Sprintf("%s:queue:%s", prefix, kind)
}

func processingKey(prefix, kind string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:%s:processing", kind)
	}
	return fmt.Sprintf("%s:%s:processing", prefix, kind)
}

func dlqKey(prefix, kind string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:%s:dlq", kind)
	}
	return fmt.Sprintf("%s:%s:dlq", prefix, kind)
}

func dedupKey(prefix, kind, key string) string {
	if prefix == "" {
		return fmt.Sprintf("queue:dedup:%s:%s", kind, key)
	}
	return fmt.Sprintf("%s:dedup:%s:%s", prefix, kind, key)
}

func decodeMessage(raw string) (taskMessage, error) {
	var msg taskMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return taskMessage{}, err
	}
	return msg, nil
}

type taskMessage struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	AvailableAt int64  `json:"available_at"`
}
