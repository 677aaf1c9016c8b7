package refund_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/billing-nowpayments/internal/common"
	"github.com/noah-isme/billing-nowpayments/internal/events"
	"github.com/noah-isme/billing-nowpayments/internal/refund"
	"github.com/noah-isme/billing-nowpayments/internal/store"
)

type memoryStore struct {
	refunds map[uuid.UUID]store.Refund
	notes   map[uuid.UUID]store.CreditNote
}

func (m *memoryStore) GetRefundByProviderID(_ context.Context, org uuid.UUID, pid string) (store.Refund, error) {
	for _, r := range m.refunds {
		if r.OrganizationID == org && r.ProviderRefundID == pid {
			return r, nil
		}
	}
	return store.Refund{}, common.NotFoundFailure("refund")
}

func (m *memoryStore) UpdateRefundStatus(_ context.Context, id uuid.UUID, status string) (store.Refund, error) {
	r := m.refunds[id]
	r.Status = status
	m.refunds[id] = r
	return r, nil
}

func (m *memoryStore) GetCreditNote(_ context.Context, id uuid.UUID) (store.CreditNote, error) {
	c, ok := m.notes[id]
	if !ok {
		return store.CreditNote{}, common.NotFoundFailure("credit_note")
	}
	return c, nil
}

func (m *memoryStore) UpdateCreditNoteRefundStatus(_ context.Context, id uuid.UUID, status string, at *time.Time) (store.CreditNote, error) {
	c := m.notes[id]
	if c.Succeeded() {
		return store.CreditNote{}, common.NotFoundFailure("credit_note")
	}
	c.RefundStatus = status
	if at != nil {
		c.RefundedAt = at
	}
	m.notes[id] = c
	return c, nil
}

type recorder struct{ topics []string }

func (r *recorder) Emit(_ context.Context, _ uuid.UUID, topic string, _ uuid.UUID, _ any) (store.DomainEvent, error) {
	r.topics = append(r.topics, topic)
	return store.DomainEvent{}, nil
}

func seed() (*memoryStore, store.Refund, store.CreditNote) {
	org := uuid.New()
	note := store.CreditNote{ID: uuid.New(), OrganizationID: org, Number: "CN-001", RefundStatus: store.PaymentStatusPending}
	rf := store.Refund{ID: uuid.New(), OrganizationID: org, CreditNoteID: note.ID, ProviderRefundID: "rf_1", Status: store.PaymentStatusPending}
	return &memoryStore{
		refunds: map[uuid.UUID]store.Refund{rf.ID: rf},
		notes:   map[uuid.UUID]store.CreditNote{note.ID: note},
	}, rf, note
}

func TestRefundSucceededCascades(t *testing.T) {
	st, rf, note := seed()
	fixed := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	rec := refund.Reconciler{Store: st, Events: &recorder{}, Now: func() time.Time { return fixed }, Logger: zerolog.Nop()}

	got, err := rec.UpdateStatus(context.Background(), rf.OrganizationID, "rf_1", store.PaymentStatusSucceeded)
	require.NoError(t, err)
	require.Equal(t, store.PaymentStatusSucceeded, got.Status)
	require.Equal(t, store.PaymentStatusSucceeded, st.notes[note.ID].RefundStatus)
	require.Equal(t, fixed, *st.notes[note.ID].RefundedAt)

	// replayed notifications after settlement are no-ops
	got, err = rec.UpdateStatus(context.Background(), rf.OrganizationID, "rf_1", store.PaymentStatusFailed)
	require.NoError(t, err)
	require.Equal(t, store.PaymentStatusSucceeded, got.Status)
	require.Equal(t, store.PaymentStatusSucceeded, st.notes[note.ID].RefundStatus)
}

func TestRefundFailureNotifies(t *testing.T) {
	st, rf, note := seed()
	notified := &recorder{}
	rec := refund.Reconciler{Store: st, Events: notified, Logger: zerolog.Nop()}

	_, err := rec.UpdateStatus(context.Background(), rf.OrganizationID, "rf_1", store.PaymentStatusFailed)
	require.NoError(t, err)
	require.Equal(t, store.PaymentStatusFailed, st.notes[note.ID].RefundStatus)
	require.Nil(t, st.notes[note.ID].RefundedAt)
	require.Equal(t, []string{events.TopicCreditNoteRefundFailure}, notified.topics)
}

func TestRefundNotFound(t *testing.T) {
	st, rf, _ := seed()
	rec := refund.Reconciler{Store: st}

	_, err := rec.UpdateStatus(context.Background(), rf.OrganizationID, "unknown", store.PaymentStatusSucceeded)
	require.True(t, common.IsNotFound(err))

	_, err = rec.UpdateStatus(context.Background(), uuid.New(), "rf_1", store.PaymentStatusSucceeded)
	require.True(t, common.IsNotFound(err))
}
