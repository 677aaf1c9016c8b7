package providers_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/billing-nowpayments/internal/common"
	"github.com/noah-isme/billing-nowpayments/internal/providers"
	"github.com/noah-isme/billing-nowpayments/internal/store"
)

type memoryStore struct {
	providers  map[uuid.UUID]store.PaymentProvider
	reattached []uuid.UUID
}

func newMemoryStore(ps ...store.PaymentProvider) *memoryStore {
	m := &memoryStore{providers: map[uuid.UUID]store.PaymentProvider{}}
	for _, p := range ps {
		m.providers[p.ID] = p
	}
	return m
}

func (m *memoryStore) GetPaymentProvider(_ context.Context, org, id uuid.UUID, typ string) (store.PaymentProvider, error) {
	p, ok := m.providers[id]
	if !ok || p.OrganizationID != org || p.Type != typ {
		return store.PaymentProvider{}, common.NotFoundFailure("payment_provider")
	}
	return p, nil
}

func (m *memoryStore) GetPaymentProviderByCode(_ context.Context, org uuid.UUID, code, typ string) (store.PaymentProvider, error) {
	for _, p := range m.providers {
		if p.OrganizationID == org && p.Code == code && p.Type == typ {
			return p, nil
		}
	}
	return store.PaymentProvider{}, common.NotFoundFailure("payment_provider")
}

func (m *memoryStore) ListPaymentProviders(_ context.Context, org uuid.UUID, typ string) ([]store.PaymentProvider, error) {
	var out []store.PaymentProvider
	for _, p := range m.providers {
		if p.OrganizationID == org && p.Type == typ {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memoryStore) CreatePaymentProvider(_ context.Context, p store.PaymentProvider) (store.PaymentProvider, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.providers[p.ID] = p
	return p, nil
}

func (m *memoryStore) UpdatePaymentProvider(_ context.Context, p store.PaymentProvider) (store.PaymentProvider, error) {
	if _, ok := m.providers[p.ID]; !ok {
		return store.PaymentProvider{}, common.NotFoundFailure("payment_provider")
	}
	m.providers[p.ID] = p
	return p, nil
}

func (m *memoryStore) ReattachProviderCustomers(_ context.Context, _, providerID uuid.UUID, _ string) (int64, error) {
	m.reattached = append(m.reattached, providerID)
	return 2, nil
}

func provider(org uuid.UUID, code string) store.PaymentProvider {
	return store.PaymentProvider{
		ID:             uuid.New(),
		OrganizationID: org,
		Type:           store.ProviderTypeNowPayments,
		Code:           code,
		Name:           code,
		APIKey:         "key-" + code,
	}
}

func ptr[T any](v T) *T { return &v }

func TestFindResolution(t *testing.T) {
	org := uuid.New()
	first := provider(org, "primary")
	second := provider(org, "backup")

	t.Run("single provider without code", func(t *testing.T) {
		f := providers.Finder{Store: newMemoryStore(first)}
		got, err := f.Find(context.Background(), org, nil, "")
		require.NoError(t, err)
		require.Equal(t, first.ID, got.ID)
	})

	t.Run("ambiguous without code", func(t *testing.T) {
		f := providers.Finder{Store: newMemoryStore(first, second)}
		_, err := f.Find(context.Background(), org, nil, "")
		var appErr *common.AppError
		require.True(t, errors.As(err, &appErr))
		require.Equal(t, "payment_provider_code_missing", appErr.Code)
		require.Equal(t, "Code is missing", appErr.Message)
	})

	t.Run("by code", func(t *testing.T) {
		f := providers.Finder{Store: newMemoryStore(first, second)}
		got, err := f.Find(context.Background(), org, nil, " backup ")
		require.NoError(t, err)
		require.Equal(t, second.ID, got.ID)
	})

	t.Run("by id wins over code", func(t *testing.T) {
		f := providers.Finder{Store: newMemoryStore(first, second)}
		got, err := f.Find(context.Background(), org, &first.ID, "backup")
		require.NoError(t, err)
		require.Equal(t, first.ID, got.ID)
	})

	t.Run("none", func(t *testing.T) {
		f := providers.Finder{Store: newMemoryStore()}
		_, err := f.Find(context.Background(), org, nil, "")
		require.True(t, common.IsNotFound(err))
	})

	t.Run("other organization", func(t *testing.T) {
		f := providers.Finder{Store: newMemoryStore(first)}
		_, err := f.Find(context.Background(), uuid.New(), nil, "primary")
		require.True(t, common.IsNotFound(err))
	})
}

func TestUpsertCreatesAndReattaches(t *testing.T) {
	st := newMemoryStore()
	svc := &providers.Service{Store: st}
	org := uuid.New()

	p, err := svc.Upsert(context.Background(), providers.UpsertInput{
		OrganizationID:     org,
		Code:               "crypto",
		APIKey:             ptr("api-key"),
		HMACKey:            ptr("ipn-secret"),
		SuccessRedirectURL: ptr("https://shop.example.test/thanks"),
	})
	require.NoError(t, err)
	require.Equal(t, "crypto", p.Name)
	require.Equal(t, store.ProviderTypeNowPayments, p.Type)
	require.Equal(t, []uuid.UUID{p.ID}, st.reattached)

	// same key: nothing to reattach
	_, err = svc.Upsert(context.Background(), providers.UpsertInput{
		OrganizationID: org,
		Code:           "crypto",
		Name:           ptr("Crypto"),
	})
	require.NoError(t, err)
	require.Len(t, st.reattached, 1)
	require.Equal(t, "api-key", st.providers[p.ID].APIKey)
	require.Equal(t, "ipn-secret", st.providers[p.ID].HMACKey)

	_, err = svc.Upsert(context.Background(), providers.UpsertInput{
		OrganizationID: org,
		ID:             &p.ID,
		Code:           "crypto",
		APIKey:         ptr("rotated"),
	})
	require.NoError(t, err)
	require.Len(t, st.reattached, 2)
}

func TestUpsertValidation(t *testing.T) {
	svc := &providers.Service{Store: newMemoryStore()}
	org := uuid.New()

	_, err := svc.Upsert(context.Background(), providers.UpsertInput{
		OrganizationID:     org,
		Code:               "crypto",
		APIKey:             ptr("k"),
		SuccessRedirectURL: ptr("not a url"),
	})
	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, "validation_errors", appErr.Code)
	require.Equal(t, map[string][]string{"success_redirect_url": {"url_invalid"}}, appErr.Details)

	_, err = svc.Upsert(context.Background(), providers.UpsertInput{OrganizationID: org, Code: "crypto"})
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, map[string][]string{"api_key": {"value_is_mandatory"}}, appErr.Details)

	_, err = svc.Upsert(context.Background(), providers.UpsertInput{OrganizationID: org, APIKey: ptr("k")})
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, map[string][]string{"code": {"value_is_mandatory"}}, appErr.Details)
}
