package notify

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/billing-nowpayments/internal/queue"
)

// WebhookDeliveryKind is the queue kind consumed by DeliveryWorker.
const WebhookDeliveryKind = "webhook-delivery"

// EnqueueDelivery publishes a delivery task so the first attempt does not wait
// for the next sweep. It is a no-op without a queue.
func (d *Dispatcher) EnqueueDelivery(ctx context.Context, deliveryID uuid.UUID, delay time.Duration) error {
	return d.publish(ctx, deliveryID, deliveryID.String(), delay)
}

// EnqueueReplay publishes a delivery task that bypasses the deduplication of
// earlier publishes of the same delivery.
func (d *Dispatcher) EnqueueReplay(ctx context.Context, deliveryID uuid.UUID) error {
	key := deliveryID.String() + ":replay:" + strconv.FormatInt(time.Now().UnixNano(), 10)
	return d.publish(ctx, deliveryID, key, 0)
}

func (d *Dispatcher) publish(ctx context.Context, deliveryID uuid.UUID, key string, delay time.Duration) error {
	if d == nil || d.Queue == nil || d.Queue.R == nil || deliveryID == uuid.Nil {
		return nil
	}
	return d.Queue.Enqueue(ctx, queue.Task{
		Kind:           WebhookDeliveryKind,
		Payload:        []byte(deliveryID.String()),
		IdempotencyKey: key,
		MaxAttempts:    3,
		Delay:          delay,
	})
}
