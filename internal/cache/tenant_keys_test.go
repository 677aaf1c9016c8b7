package cache

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/billing-nowpayments/internal/tenant"
)

func TestKeyScopesByOrganization(t *testing.T) {
	require.Equal(t, "idem", Key(context.Background(), "idem"))

	ctx := tenant.WithOrganization(context.Background(), "org-a")
	require.Equal(t, "org-a:idem", Key(ctx, "idem"))

	req := httptest.NewRequest("PUT", "/api/v1/payment_providers/nowpayments", nil)
	require.Empty(t, RequestScope(req))
	require.Equal(t, "org-b:", RequestScope(req.WithContext(tenant.WithOrganization(req.Context(), "org-b"))))
}
