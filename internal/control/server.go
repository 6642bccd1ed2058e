// Package control exposes the relay over HTTP for hotkey scripts, GUI shells
// and monitoring.
//
// Routes:
//
//	POST /radio/{target}            switch the main target (legacy alias)
//	POST /target/{target}           switch the main target
//	POST /whisper/{user}/{state}    state is "on" or "off"
//	POST /briefing/{action}         action is "start" or "end"
//	PUT  /settings                  partial update of the audio settings
//	GET  /status                    relay snapshot
//	GET  /events                    websocket stream of relay events
//	GET  /metrics                   Prometheus exposition
//	GET  /healthz, /readyz          probes
//
// Every response is JSON. Errors are {"error": "..."} with a 4xx or 5xx
// status.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxrelay/internal/effect"
	"github.com/MrWong99/voxrelay/internal/event"
	"github.com/MrWong99/voxrelay/internal/health"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/relay"
	"github.com/MrWong99/voxrelay/internal/routing"
)

const (
	// requestTimeout bounds the relay call behind one request. Briefing
	// moves every member and gets briefingTimeout.
	requestTimeout  = 10 * time.Second
	briefingTimeout = 30 * time.Second

	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Relay is the part of the orchestrator the API drives. *relay.Relay
// satisfies it.
type Relay interface {
	SetTarget(ctx context.Context, input string) (routing.Target, error)
	SetWhisper(userID string, on bool) error
	StartBriefing(ctx context.Context) (relay.BriefingResult, error)
	EndBriefing(ctx context.Context) (relay.BriefingResult, error)
	UpdateAudioSettings(s effect.Settings) effect.Settings
	AudioSettings() effect.Settings
	Status() relay.Status
	Bus() *event.Bus
}

// Server is the control API.
type Server struct {
	relay   Relay
	logger  *slog.Logger
	metrics *observe.Metrics
	health  *health.Handler
	promh   http.Handler
	origins []string
	handler http.Handler
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the request and error logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics sets the instruments the request middleware records into.
// Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth mounts /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler replaces the /metrics handler. Default:
// promhttp.Handler(), which serves the default Prometheus registry the OTel
// exporter writes to.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.promh = h }
}

// WithOriginPatterns lists the browser origins allowed to open the /events
// websocket besides the API's own host, e.g. "localhost:*".
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = append(s.origins, patterns...) }
}

// New creates a Server for r.
func New(r Relay, opts ...Option) *Server {
	s := &Server{relay: r}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.promh == nil {
		s.promh = promhttp.Handler()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /radio/{target}", s.handleTarget)
	mux.HandleFunc("POST /target/{target}", s.handleTarget)
	mux.HandleFunc("POST /whisper/{user}/{state}", s.handleWhisper)
	mux.HandleFunc("POST /briefing/{action}", s.handleBriefing)
	mux.HandleFunc("PUT /settings", s.handleSettings)
	mux.HandleFunc("GET /settings", s.handleGetSettings)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.Handle("GET /metrics", s.promh)
	if s.health != nil {
		s.health.Register(mux)
	}

	s.handler = observe.Middleware(s.metrics, s.logger)(cors(mux))
	return s
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control: listen %q: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
// Open event streams end with ctx.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("control API listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("control: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("control: shutdown: %w", err)
	}
	return nil
}

// cors allows any origin, matching the hotkey tooling that calls the API
// from arbitrary local pages.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
