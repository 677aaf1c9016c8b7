package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/billing-nowpayments/internal/common"
	"github.com/noah-isme/billing-nowpayments/internal/lock"
	"github.com/noah-isme/billing-nowpayments/internal/nowpayments"
	"github.com/noah-isme/billing-nowpayments/internal/queue"
	"github.com/noah-isme/billing-nowpayments/internal/store"
)

// PaymentReconciler is implemented by *payment.Reconciler.
type PaymentReconciler interface {
	UpdatePaymentStatus(ctx context.Context, organizationID uuid.UUID, providerPaymentID, status string, md nowpayments.Metadata) (store.Payment, error)
}

// RefundReconciler is implemented by *refund.Reconciler.
type RefundReconciler interface {
	UpdateStatus(ctx context.Context, organizationID uuid.UUID, providerRefundID, status string) (store.Refund, error)
}

// Action names the reconciler call selected for a status.
type Action string

const (
	ActionPaymentSucceeded Action = "payment_succeeded"
	ActionPaymentFailed    Action = "payment_failed"
	ActionPaymentPending   Action = "payment_pending"
	ActionRefundSucceeded  Action = "refund_succeeded"
)

// ActionFor maps a provider status onto the reconciler action.
func ActionFor(status nowpayments.Status) (Action, bool) {
	switch {
	case status == nowpayments.StatusRefunded:
		return ActionRefundSucceeded, true
	case status == nowpayments.StatusFinished:
		return ActionPaymentSucceeded, true
	case status.Failed():
		return ActionPaymentFailed, true
	case status.Pending():
		return ActionPaymentPending, true
	}
	return "", false
}

// Router dispatches decoded notifications. Notifications for the same provider
// payment are serialized when a Locker is configured.
type Router struct {
	Payments PaymentReconciler
	Refunds  RefundReconciler
	Locker   *lock.Locker
	LockTTL  time.Duration
	Logger   zerolog.Logger
}

// Route applies one notification. Statuses outside the provider vocabulary are
// rejected as permanent failures.
func (r *Router) Route(ctx context.Context, organizationID uuid.UUID, ev nowpayments.Event) error {
	if r == nil || r.Payments == nil || r.Refunds == nil {
		return errors.New("webhook router not configured")
	}
	status, err := nowpayments.ParseStatus(ev.PaymentStatus)
	if err != nil {
		return queue.Permanent(common.ServiceFailure("webhook_error", "Invalid nowpayments payment status: "+ev.PaymentStatus))
	}
	action, ok := ActionFor(status)
	if !ok {
		return queue.Permanent(common.ServiceFailure("webhook_error", "Unroutable nowpayments payment status: "+string(status)))
	}
	providerID := ev.ProviderPaymentID()
	if providerID == "" {
		return queue.Permanent(common.ServiceFailure("webhook_error", "Missing nowpayments payment id"))
	}

	apply := func(ctx context.Context) error {
		switch action {
		case ActionRefundSucceeded:
			_, err := r.Refunds.UpdateStatus(ctx, organizationID, providerID, store.PaymentStatusSucceeded)
			return err
		default:
			_, err := r.Payments.UpdatePaymentStatus(ctx, organizationID, providerID, string(status), ev.Metadata())
			return err
		}
	}
	if r.Locker != nil {
		ttl := r.LockTTL
		if ttl <= 0 {
			ttl = 30 * time.Second
		}
		err = r.Locker.WithLock(ctx, lock.ProviderPaymentKey(organizationID.String(), providerID), ttl, apply)
	} else {
		err = apply(ctx)
	}
	if err != nil {
		return err
	}
	r.Logger.Info().
		Str("organization_id", organizationID.String()).
		Str("provider_payment_id", providerID).
		Str("status", string(status)).
		Str("action", string(action)).
		Msg("webhook_event_routed")
	return nil
}

// Consumer processes queued notifications.
type Consumer struct {
	Router *Router
}

// Handle decodes the queued message and routes it. Domain failures such as
// unknown payments are not retried; infrastructure errors are.
func (c Consumer) Handle(ctx context.Context, t queue.Task) error {
	var msg Message
	if err := json.Unmarshal(t.Payload, &msg); err != nil {
		return queue.Permanent(fmt.Errorf("decode webhook message: %w", err))
	}
	if msg.OrganizationID == uuid.Nil || len(strings.TrimSpace(string(msg.Event))) == 0 {
		return queue.Permanent(errors.New("webhook message missing organization or event"))
	}
	ev, err := nowpayments.ParseEvent(msg.Event)
	if err != nil {
		return queue.Permanent(err)
	}
	err = c.Router.Route(ctx, msg.OrganizationID, ev)
	if err == nil || queue.IsPermanent(err) {
		return err
	}
	if common.IsAppError(err) || nowpayments.IsValidation(err) {
		return queue.Permanent(err)
	}
	return err
}
