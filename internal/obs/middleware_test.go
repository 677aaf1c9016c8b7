package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/billing-nowpayments/internal/tenant"
)

func TestHTTPMetricsLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewHTTPMetrics("billing", []float64{1, 10}, registry)
	handler := HTTPObs{Metrics: metrics}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/nowpayments/org-1", nil)
	req = req.WithContext(WithRoutePattern(req.Context(), "/webhooks/nowpayments/{organization_id}"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNoContent, rr.Code)
	total := testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodPost, "/webhooks/nowpayments/{organization_id}", "204"))
	require.Equal(t, float64(1), total)
	require.NotZero(t, testutil.CollectAndCount(metrics.ReqDur))
	require.Zero(t, testutil.ToFloat64(metrics.InFlight))
}

func TestRequestLoggerIncludesOrganization(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "json", "info")
	handler := RequestLogger{Logger: logger}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/invoices/inv-1/payment_url", nil)
	req = req.WithContext(tenant.WithOrganization(req.Context(), "org-42"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "http_request", entry["message"])
	require.Equal(t, "org-42", entry["organization_id"])
	require.EqualValues(t, http.StatusAccepted, entry["status"])
}

func TestDomainHelpersSafeBeforeRegistration(t *testing.T) {
	require.NotPanics(t, func() {
		ObserveProviderRequest("nowpayments", "create_invoice", "ok", 20*time.Millisecond)
		IncWebhookIngest("nowpayments", "accepted")
		IncReconcile("payment", "updated")
	})
}
