package audit

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/billing-nowpayments/internal/obs"
)

// HTTPRecorder records mutating HTTP requests after they have been handled.
type HTTPRecorder struct {
	Service Service
	Logger  zerolog.Logger
}

// Middleware records POST, PUT, PATCH and DELETE requests. Reads are skipped.
func (r HTTPRecorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.Service.Enabled || !mutating(req.Method) {
			next.ServeHTTP(w, req)
			return
		}
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, req)

		ctx := req.Context()
		if rc := chi.RouteContext(ctx); rc != nil && obs.RoutePatternFromContext(ctx) == "" {
			if pattern := rc.RoutePattern(); pattern != "" {
				ctx = obs.WithRoutePattern(ctx, pattern)
			}
		}
		var meta map[string]any
		if q := req.URL.RawQuery; q != "" {
			meta = map[string]any{"query": q}
		}
		if err := r.Service.Record(ctx, req, chi.URLParam(req, "id"), recorder.Status(), meta); err != nil {
			r.Logger.Warn().Err(err).Str("path", req.URL.Path).Msg("audit_record_failed")
		}
	})
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Status() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}
