// Package cache builds Redis keys that never collide across organizations.
package cache

import (
	"context"
	"net/http"

	"github.com/noah-isme/billing-nowpayments/internal/tenant"
)

// Key returns a per-organization key for base.
func Key(ctx context.Context, base string) string {
	id, ok := tenant.FromContext(ctx)
	if !ok {
		return base
	}
	return id + ":" + base
}

// RequestScope scopes idempotency keys to the organization of r.
func RequestScope(r *http.Request) string {
	return Key(r.Context(), "")
}
