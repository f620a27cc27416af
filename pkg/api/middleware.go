package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/openfroyo/modulefactory/pkg/telemetry"
)

// statusRecorder captures the response status for logging and spans.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush lets streaming handlers flush through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// handle registers fn under pattern with tracing, logging and, when
// protected, bearer token checks.
func (s *Server) handle(pattern string, protected bool, fn http.HandlerFunc) {
	route := pattern
	if i := strings.IndexByte(pattern, ' '); i >= 0 {
		route = pattern[i+1:]
	}

	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := s.tracer.StartRequestSpan(ctx, r.Method+" "+route,
			telemetry.AttrRoute.String(route),
			attribute.String("http.method", r.Method),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)
		r.Body = http.MaxBytesReader(rec, r.Body, maxBodySize)

		if protected && !s.authorized(r) {
			writeError(rec, http.StatusUnauthorized, "missing or invalid bearer token", "UNAUTHORIZED", "")
		} else {
			fn(rec, r)
		}

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		if id := r.PathValue("id"); id != "" {
			span.SetAttributes(telemetry.AttrInstanceID.String(id))
		}

		event := s.logger.Debug()
		if rec.status >= http.StatusInternalServerError {
			event = s.logger.Error()
		}
		event.
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Str("trace_id", telemetry.TraceID(ctx)).
			Msg("API request")
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.apiToken == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.apiToken)) == 1
}
