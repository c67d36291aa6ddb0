package observability

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// HTTPMetrics returns middleware recording duration, request count and error
// count (status >= 400) per method, route and status. The route is the
// ServeMux pattern when one matched, which keeps label cardinality bounded.
// A nil metrics disables recording.
func HTTPMetrics(metrics *CollectorMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			attrs := otelmetric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("route", route),
				attribute.String("status", strconv.Itoa(rec.status)),
			)

			elapsed := float64(time.Since(start).Microseconds()) / 1000
			metrics.HTTPRequestDuration.Record(r.Context(), elapsed, attrs)
			metrics.HTTPRequestTotal.Add(r.Context(), 1, attrs)
			if rec.status >= http.StatusBadRequest {
				metrics.HTTPRequestErrors.Add(r.Context(), 1, attrs)
			}
		})
	}
}
