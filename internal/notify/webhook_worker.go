package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/noah-isme/billing-nowpayments/internal/lock"
	"github.com/noah-isme/billing-nowpayments/internal/queue"
)

// DeliveryWorker wraps webhook delivery execution with distributed locking.
type DeliveryWorker struct {
	Dispatcher *Dispatcher
	Locker     lock.Locker
	LockTTL    time.Duration
}

// Handle executes the delivery named by the task payload. It plugs into queue.Worker.
func (w DeliveryWorker) Handle(ctx context.Context, task queue.Task) error {
	if w.Dispatcher == nil {
		return errors.New("webhook worker: dispatcher not configured")
	}
	deliveryID := strings.TrimSpace(string(task.Payload))
	if deliveryID == "" {
		return nil
	}
	ttl := w.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	err := w.Locker.TryLock(ctx, lock.DeliveryKey(deliveryID), ttl, func(ctx context.Context) error {
		return w.Dispatcher.DeliverByID(ctx, deliveryID)
	})
	if errors.Is(err, lock.ErrLocked) {
		// another worker is sending it right now
		return nil
	}
	return err
}

// Sweep runs WorkOnce on every tick until ctx is done. It retries failed
// deliveries and picks up rows whose queue task was lost.
func (w DeliveryWorker) Sweep(ctx context.Context, interval time.Duration, batch int) {
	if w.Dispatcher == nil {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Dispatcher.WorkOnce(ctx, batch); err != nil && ctx.Err() == nil {
				w.Dispatcher.Logger.Error().Err(err).Msg("webhook_sweep_failed")
			}
		}
	}
}
