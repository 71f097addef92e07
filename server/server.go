// Package server exposes the operator-facing admin surface: health, metrics,
// ramp status lookups and manual re-drives.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"rampd/ramp"
	"rampd/store"
)

// RampReader loads persisted ramp records.
type RampReader interface {
	GetRamp(ctx context.Context, id uuid.UUID) (*ramp.RampState, error)
}

// Redriver re-enters a ramp's pipeline from its persisted phase.
type Redriver interface {
	Resume(ctx context.Context, id uuid.UUID) error
}

// Server is the admin HTTP server.
type Server struct {
	reader   RampReader
	redriver Redriver
	registry *ramp.Registry
	gatherer prometheus.Gatherer

	bearerToken       string
	requestsPerMinute float64

	logger  *slog.Logger
	started time.Time

	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

// Option customises the server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBearerToken enables bearer auth on mutating routes. Empty disables
// those routes entirely rather than leaving them open.
func WithBearerToken(token string) Option {
	return func(s *Server) { s.bearerToken = token }
}

// WithRateLimit bounds per-client requests on mutating routes.
func WithRateLimit(requestsPerMinute float64) Option {
	return func(s *Server) { s.requestsPerMinute = requestsPerMinute }
}

// WithGatherer overrides the metrics gatherer, primarily for tests.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// New wires the admin server.
func New(reader RampReader, redriver Redriver, registry *ramp.Registry, opts ...Option) *Server {
	s := &Server{
		reader:            reader,
		redriver:          redriver,
		registry:          registry,
		gatherer:          prometheus.DefaultGatherer,
		requestsPerMinute: 60,
		logger:            slog.Default(),
		started:           time.Now(),
		visitors:          make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/status", s.handleStatus)
	r.Get("/ramps/{id}", s.handleGetRamp)
	r.With(s.rateLimit, s.requireBearer).Post("/ramps/{id}/process", s.handleProcess)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "rampd",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"phases":  s.registry.Names(),
	})
}

func (s *Server) handleGetRamp(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid ramp id")
		return
	}
	state, err := s.reader.GetRamp(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrRampNotFound) {
			writeError(w, http.StatusNotFound, "ramp not found")
			return
		}
		s.logger.Error("ramp lookup failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid ramp id")
		return
	}
	if err := s.redriver.Resume(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrRampNotFound) {
			writeError(w, http.StatusNotFound, "ramp not found")
			return
		}
		// The ramp keeps its error log; surface the failure to the operator.
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "processed"})
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.bearerToken == "" {
			writeError(w, http.StatusForbidden, "admin token not configured")
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) != s.bearerToken {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiterFor(clientID(r)).Allow() {
			writeError(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(id string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.visitors[id]
	if ok {
		return limiter
	}
	perSecond := s.requestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	s.visitors[id] = limiter
	return limiter
}

func clientID(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		if comma := strings.IndexByte(ip, ','); comma > 0 {
			ip = ip[:comma]
		}
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
