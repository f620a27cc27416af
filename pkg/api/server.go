package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/modulefactory/pkg/engine"
	"github.com/openfroyo/modulefactory/pkg/stores"
	"github.com/openfroyo/modulefactory/pkg/telemetry"
)

// maxBodySize bounds request bodies on every route.
const maxBodySize = 1 << 20

// CallbackPath is the route workers post completion callbacks to.
const CallbackPath = "/v1/callbacks"

// Orchestrator is the subset of *engine.Orchestrator the API calls.
type Orchestrator interface {
	Start(ctx context.Context, req engine.BuildRequest) (*engine.WorkflowInstance, error)
	Signal(ctx context.Context, sig engine.CompletionSignal) (engine.SignalAck, error)
	Cancel(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*engine.WorkflowInstance, error)
	List(ctx context.Context, filter engine.InstanceFilter) ([]*engine.WorkflowInstance, error)
	ActiveCount() int
}

// Store is the persistence the API reads events and writes audit entries to.
type Store interface {
	ListEvents(ctx context.Context, instanceID string, limit int) ([]*engine.Event, error)
	AppendAudit(ctx context.Context, entry *stores.AuditEntry) error
	ListAudit(ctx context.Context, instanceID string, limit int) ([]*stores.AuditEntry, error)
	HealthCheck(ctx context.Context) error
}

// EventSource streams live workflow events.
type EventSource interface {
	Subscribe(filter telemetry.EventFilter) (<-chan engine.Event, func())
}

// Options configures a Server. Orchestrator is required.
type Options struct {
	Orchestrator Orchestrator
	Store        Store
	Events       EventSource
	Metrics      http.Handler
	Tracer       *telemetry.Tracer
	Logger       zerolog.Logger

	// APIToken, when set, is required as a bearer token on every route
	// except callbacks, health and metrics.
	APIToken string

	// Now stamps received completion signals. Defaults to time.Now.
	Now func() time.Time
}

// Server serves the factory HTTP API.
type Server struct {
	orch     Orchestrator
	store    Store
	events   EventSource
	metrics  http.Handler
	tracer   *telemetry.Tracer
	logger   zerolog.Logger
	apiToken string
	now      func() time.Time
	mux      *http.ServeMux
}

// NewServer creates a server and registers its routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if opts.Tracer == nil {
		opts.Tracer, _ = telemetry.NewTracer(telemetry.TracingConfig{}, "factory-api", "", "")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{
		orch:     opts.Orchestrator,
		store:    opts.Store,
		events:   opts.Events,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		logger:   opts.Logger.With().Str("component", "api").Logger(),
		apiToken: opts.APIToken,
		now:      opts.Now,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.handle("POST /v1/builds", true, s.handleSubmit)
	s.handle("GET /v1/builds", true, s.handleList)
	s.handle("GET /v1/builds/{id}", true, s.handleGet)
	s.handle("POST /v1/builds/{id}/cancel", true, s.handleCancel)
	s.handle("POST "+CallbackPath, false, s.handleCallback)
	s.handle("GET /v1/events", true, s.handleEvents)
	s.handle("GET /v1/audit", true, s.handleAudit)
	if s.events != nil {
		s.handle("GET /v1/events/stream", true, s.handleStream)
	}
	s.handle("GET /healthz", false, s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readHeaderTimeout, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, readHeaderTimeout, shutdownTimeout)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener, readHeaderTimeout, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("API server listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down API server: %w", err)
	}
	s.logger.Info().Msg("API server stopped")
	return nil
}
