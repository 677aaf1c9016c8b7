// Package webhook accepts NOWPayments IPN notifications and routes them to the
// payment and refund reconcilers.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/billing-nowpayments/internal/common"
	"github.com/noah-isme/billing-nowpayments/internal/nowpayments"
	"github.com/noah-isme/billing-nowpayments/internal/obs"
	"github.com/noah-isme/billing-nowpayments/internal/queue"
	"github.com/noah-isme/billing-nowpayments/internal/store"
)

// EventKind is the queue kind carrying accepted notifications.
const EventKind = "nowpayments-event"

// Message is the queued unit of work.
type Message struct {
	OrganizationID uuid.UUID       `json:"organization_id"`
	Event          json.RawMessage `json:"event"`
}

// Store resolves organizations. *store.Queries satisfies it.
type Store interface {
	GetOrganization(ctx context.Context, id uuid.UUID) (store.Organization, error)
}

var _ Store = (*store.Queries)(nil)

// ProviderFinder resolves provider configurations. providers.Finder implements it.
type ProviderFinder interface {
	Find(ctx context.Context, organizationID uuid.UUID, id *uuid.UUID, code string) (store.PaymentProvider, error)
}

// Publisher enqueues tasks. queue.Enqueuer implements it.
type Publisher interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

var _ Publisher = queue.Enqueuer{}

// Ingestor authenticates notifications and hands them to the event queue.
// Identical bodies for the same organization are queued once per dedup window
// of the publisher.
type Ingestor struct {
	Store            Store
	Providers        ProviderFinder
	Queue            Publisher
	RequireSignature bool
	MaxAttempts      int
	Logger           zerolog.Logger
}

func webhookError(status int, message string) *common.AppError {
	return &common.AppError{Code: "webhook_error", Message: message, HTTPStatus: status}
}

// Ingest validates the notification for the organization and provider code and
// enqueues it. Rejected notifications are never queued.
func (i *Ingestor) Ingest(ctx context.Context, organizationID, code string, body []byte, signature string) (err error) {
	if i == nil || i.Store == nil || i.Providers == nil || i.Queue == nil {
		return errors.New("webhook ingestor not configured")
	}
	result := "error"
	defer func() { obs.IncWebhookIngest(store.ProviderTypeNowPayments, result) }()

	orgID, err := uuid.Parse(strings.TrimSpace(organizationID))
	if err != nil {
		result = "rejected"
		return webhookError(http.StatusNotFound, "Organization not found")
	}
	org, err := i.Store.GetOrganization(ctx, orgID)
	if err != nil {
		if common.IsNotFound(err) {
			result = "rejected"
			return webhookError(http.StatusNotFound, "Organization not found")
		}
		return err
	}
	p, err := i.Providers.Find(ctx, org.ID, nil, code)
	if err != nil {
		if common.IsAppError(err) {
			result = "rejected"
		}
		return err
	}

	switch {
	case p.HMACKey != "":
		if !nowpayments.Valid(signature, body, p.HMACKey) {
			result = "invalid_signature"
			i.Logger.Warn().
				Str("organization_id", org.ID.String()).
				Str("payment_provider_id", p.ID.String()).
				Msg("webhook_signature_invalid")
			return webhookError(http.StatusUnauthorized, "Invalid signature")
		}
	case i.RequireSignature:
		result = "invalid_signature"
		return webhookError(http.StatusUnauthorized, "Signature verification required")
	}

	if !json.Valid(body) {
		result = "rejected"
		return webhookError(http.StatusBadRequest, "Invalid payload")
	}
	payload, err := json.Marshal(Message{OrganizationID: org.ID, Event: json.RawMessage(body)})
	if err != nil {
		return err
	}
	if err := i.Queue.Enqueue(ctx, queue.Task{
		Kind:           EventKind,
		Payload:        payload,
		IdempotencyKey: org.ID.String() + ":" + common.Sha256Hex(body),
		MaxAttempts:    i.MaxAttempts,
	}); err != nil {
		return err
	}
	result = "accepted"
	i.Logger.Debug().Str("organization_id", org.ID.String()).Msg("webhook_accepted")
	return nil
}
