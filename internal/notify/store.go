package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/billing-nowpayments/internal/store"
)

// Store defines the persistence operations required for webhook management.
// *store.Queries satisfies it.
type Store interface {
	CreateWebhookEndpoint(ctx context.Context, e store.WebhookEndpoint) (store.WebhookEndpoint, error)
	UpdateWebhookEndpoint(ctx context.Context, e store.WebhookEndpoint) (store.WebhookEndpoint, error)
	GetWebhookEndpoint(ctx context.Context, id uuid.UUID) (store.WebhookEndpoint, error)
	ListWebhookEndpoints(ctx context.Context, organizationID uuid.UUID, limit, offset int) ([]store.WebhookEndpoint, error)
	DeleteWebhookEndpoint(ctx context.Context, organizationID, id uuid.UUID) error

	ListActiveEndpointsForTopic(ctx context.Context, organizationID uuid.UUID, topic string) ([]store.WebhookEndpoint, error)
	EnqueueDelivery(ctx context.Context, endpointID, eventID uuid.UUID) (store.WebhookDelivery, error)
	ClaimDueDeliveries(ctx context.Context, limit int, staleAfter time.Duration) ([]store.WebhookDelivery, error)
	ClaimDelivery(ctx context.Context, id uuid.UUID) (store.WebhookDelivery, bool, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, responseStatus int, responseBody string) error
	MarkFailedWithBackoff(ctx context.Context, id uuid.UUID, delay time.Duration, lastError string) error
	MoveToDLQ(ctx context.Context, id uuid.UUID, reason string) error
	GetDeliveryByID(ctx context.Context, id uuid.UUID) (store.WebhookDelivery, error)
	ResetDeliveryForReplay(ctx context.Context, id uuid.UUID) (store.WebhookDelivery, error)
	ListWebhookDeliveries(ctx context.Context, arg store.ListDeliveriesParams) ([]store.WebhookDeliveryRow, int64, error)

	GetDomainEvent(ctx context.Context, id uuid.UUID) (store.DomainEvent, error)
}

var _ Store = (*store.Queries)(nil)
