// Package statusapi exposes health, readiness and tracker state over HTTP.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/dupwatch/channels"
	"github.com/hazyhaar/dupwatch/tracker"
)

// StatsSource reports tracker state.
type StatsSource interface {
	Stats() tracker.Stats
}

// ConnSource reports the platform connection state.
type ConnSource interface {
	Status() channels.ChannelStatus
}

// EventLister returns recent journal events.
type EventLister interface {
	Recent(ctx context.Context, kind tracker.EventKind, limit int) ([]tracker.Event, error)
}

// Server serves the status endpoints.
type Server struct {
	stats  StatsSource
	conn   ConnSource
	events EventLister
	logger *slog.Logger
	limit  *rate.Limiter
	router chi.Router
}

// Default throttle for /status and /events.
const (
	DefaultRateLimit = rate.Limit(20)
	DefaultRateBurst = 40
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithEvents enables GET /events. Without it the route answers 404.
func WithEvents(e EventLister) Option {
	return func(s *Server) { s.events = e }
}

// WithRateLimit throttles /status and /events to r requests per second with
// the given burst. Health probes are never throttled.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(s *Server) { s.limit = rate.NewLimiter(r, burst) }
}

// New builds the router. conn may be nil.
func New(stats StatsSource, conn ConnSource, opts ...Option) *Server {
	s := &Server{
		stats:  stats,
		conn:   conn,
		logger: slog.Default(),
		limit:  rate.NewLimiter(DefaultRateLimit, DefaultRateBurst),
	}
	for _, o := range opts {
		o(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(headToGet)
	r.Use(apiHeaders)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.handleReady)
	r.Group(func(r chi.Router) {
		r.Use(throttle(s.limit))
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	st := s.stats.Stats()
	code := http.StatusOK
	if st.State != tracker.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"state": st.State, "cache_size": st.CacheSize})
}

type statusResponse struct {
	Tracker    tracker.Stats           `json:"tracker"`
	Connection *channels.ChannelStatus `json:"connection,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Tracker: s.stats.Stats()}
	if s.conn != nil {
		cs := s.conn.Status()
		resp.Connection = &cs
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, errors.New("event journal disabled"))
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, 1000)
	}
	kind := tracker.EventKind(r.URL.Query().Get("kind"))

	events, err := s.events.Recent(r.Context(), kind, limit)
	if err != nil {
		s.logger.Error("list events", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("query failed"))
		return
	}
	if events == nil {
		events = []tracker.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
