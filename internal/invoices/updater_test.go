package invoices_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/billing-nowpayments/internal/common"
	"github.com/noah-isme/billing-nowpayments/internal/events"
	"github.com/noah-isme/billing-nowpayments/internal/invoices"
	"github.com/noah-isme/billing-nowpayments/internal/store"
)

type invoiceStore struct {
	invoices map[uuid.UUID]store.Invoice
}

func (s *invoiceStore) GetInvoice(_ context.Context, _, id uuid.UUID) (store.Invoice, error) {
	inv, ok := s.invoices[id]
	if !ok {
		return store.Invoice{}, common.NotFoundFailure("invoice")
	}
	return inv, nil
}

func (s *invoiceStore) IncrementPaymentAttempts(_ context.Context, id uuid.UUID) (int, error) {
	inv := s.invoices[id]
	inv.PaymentAttempts++
	s.invoices[id] = inv
	return inv.PaymentAttempts, nil
}

func (s *invoiceStore) UpdateInvoicePaymentStatus(_ context.Context, arg store.UpdateInvoicePaymentStatusParams) (store.Invoice, string, bool, error) {
	inv, ok := s.invoices[arg.ID]
	if !ok {
		return store.Invoice{}, "", false, common.NotFoundFailure("invoice")
	}
	prev := inv.PaymentStatus
	if prev == store.PaymentStatusSucceeded {
		return inv, prev, false, nil
	}
	inv.PaymentStatus = arg.PaymentStatus
	inv.ReadyForPaymentProcessing = arg.ReadyForPaymentProcessing
	s.invoices[arg.ID] = inv
	return inv, prev, true, nil
}

type recorder struct {
	topics []string
	err    error
}

func (r *recorder) Emit(_ context.Context, _ uuid.UUID, topic string, _ uuid.UUID, _ any) (store.DomainEvent, error) {
	r.topics = append(r.topics, topic)
	return store.DomainEvent{}, r.err
}

func seedInvoice(status string) (*invoiceStore, store.Invoice) {
	inv := store.Invoice{
		ID:             uuid.New(),
		OrganizationID: uuid.New(),
		Number:         "INV-001",
		Status:         store.InvoiceStatusFinalized,
		PaymentStatus:  status,
	}
	return &invoiceStore{invoices: map[uuid.UUID]store.Invoice{inv.ID: inv}}, inv
}

func TestUpdatePaymentStatusNotifiesOnChange(t *testing.T) {
	st, inv := seedInvoice(store.PaymentStatusPending)
	rec := &recorder{}
	u := invoices.Updater{Store: st, Events: rec, Logger: zerolog.Nop()}

	change, err := u.UpdatePaymentStatus(context.Background(), inv, store.PaymentStatusFailed, true)
	require.NoError(t, err)
	require.True(t, change.Changed)
	require.Equal(t, store.PaymentStatusPending, change.Previous)
	require.True(t, change.Invoice.ReadyForPaymentProcessing)
	require.Equal(t, []string{events.TopicInvoicePaymentStatusUpdated}, rec.topics)

	// same status again is not a change
	change, err = u.UpdatePaymentStatus(context.Background(), change.Invoice, store.PaymentStatusFailed, true)
	require.NoError(t, err)
	require.False(t, change.Changed)
	require.Len(t, rec.topics, 1)
}

func TestUpdatePaymentStatusWithoutNotification(t *testing.T) {
	st, inv := seedInvoice(store.PaymentStatusPending)
	rec := &recorder{}
	u := invoices.Updater{Store: st, Events: rec, Logger: zerolog.Nop()}

	change, err := u.UpdatePaymentStatus(context.Background(), inv, store.PaymentStatusSucceeded, false)
	require.NoError(t, err)
	require.True(t, change.Changed)
	require.False(t, change.Invoice.ReadyForPaymentProcessing)
	require.Empty(t, rec.topics)
}

func TestSucceededInvoiceIsTerminal(t *testing.T) {
	st, inv := seedInvoice(store.PaymentStatusSucceeded)
	rec := &recorder{}
	u := invoices.Updater{Store: st, Events: rec, Logger: zerolog.Nop()}

	for _, status := range []string{store.PaymentStatusFailed, store.PaymentStatusPending} {
		change, err := u.UpdatePaymentStatus(context.Background(), inv, status, true)
		require.NoError(t, err)
		require.False(t, change.Changed)
		require.Equal(t, store.PaymentStatusSucceeded, st.invoices[inv.ID].PaymentStatus)
	}
	require.Empty(t, rec.topics)
}

func TestEmitFailureDoesNotFailUpdate(t *testing.T) {
	st, inv := seedInvoice(store.PaymentStatusPending)
	u := invoices.Updater{Store: st, Events: &recorder{err: errors.New("bus down")}, Logger: zerolog.Nop()}

	change, err := u.UpdatePaymentStatus(context.Background(), inv, store.PaymentStatusSucceeded, true)
	require.NoError(t, err)
	require.Equal(t, store.PaymentStatusSucceeded, change.Invoice.PaymentStatus)
}

func TestIncrementAttempts(t *testing.T) {
	st, inv := seedInvoice(store.PaymentStatusPending)
	u := invoices.Updater{Store: st}
	require.NoError(t, u.IncrementAttempts(context.Background(), &inv))
	require.NoError(t, u.IncrementAttempts(context.Background(), &inv))
	require.Equal(t, 2, inv.PaymentAttempts)
}
