package common_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/billing-nowpayments/internal/common"
)

func TestIdemRejectsReplayWithinScope(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	calls := 0
	idem := common.Idem{
		R:     rdb,
		TTL:   time.Minute,
		Scope: func(r *http.Request) string { return r.Header.Get("X-Organization-ID") },
	}
	h := idem.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusAccepted)
	}))

	send := func(org, key string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/invoices/1/payments", nil)
		req.Header.Set("X-Organization-ID", org)
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusAccepted, send("org-a", "k1"))
	require.Equal(t, http.StatusConflict, send("org-a", "k1"))
	require.Equal(t, http.StatusAccepted, send("org-b", "k1"))
	require.Equal(t, http.StatusAccepted, send("org-a", ""))
	require.Equal(t, 3, calls)
}
