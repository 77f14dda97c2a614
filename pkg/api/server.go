// Package api exposes the federation manager over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mcpfed/pkg/auth"
	"mcpfed/pkg/federation"
	"mcpfed/pkg/types"
)

type Config struct {
	Manager *federation.Manager
	Monitor *federation.HealthMonitor

	// Auth guards the mutating routes. Nil leaves them open.
	Auth *auth.AuthInterceptor

	// Gatherer backs /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer

	// MaxBodyBytes caps request bodies. Zero means 1 MiB.
	MaxBodyBytes int64

	Logger *zap.Logger
}

type Server struct {
	manager *federation.Manager
	monitor *federation.HealthMonitor
	logger  *zap.Logger
	router  http.Handler
	maxBody int64
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		manager: cfg.Manager,
		monitor: cfg.Monitor,
		logger:  logger,
		maxBody: cfg.MaxBodyBytes,
	}
	if s.maxBody <= 0 {
		s.maxBody = 1 << 20
	}
	s.router = s.buildRouter(cfg)
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.Live)
	r.Get("/health/live", s.Live)
	r.Get("/health/ready", s.Ready)

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/peers", func(peers chi.Router) {
		peers.Get("/", s.ListConnected)
		peers.Get("/status", s.Status)
		peers.Get("/{id}/capabilities", s.Capabilities)

		peers.Group(func(protected chi.Router) {
			if cfg.Auth != nil {
				protected.Use(cfg.Auth.Middleware)
			}
			protected.Post("/", s.Register)
			protected.Delete("/{id}", s.Remove)
		})
	})

	return r
}

func (s *Server) Live(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports unavailable when peers are registered but none is connected.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	registered, connected := s.manager.Registry().Counts()
	health := 100.0
	if s.monitor != nil {
		health = s.monitor.Check()
	} else if registered > 0 {
		health = float64(connected) / float64(registered) * 100
	}

	status, code := "ready", http.StatusOK
	if registered > 0 && connected == 0 {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"status":     status,
		"health":     health,
		"registered": registered,
		"connected":  connected,
	})
}

func (s *Server) ListConnected(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"connected": s.manager.GetConnectedServers()})
}

func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"peers": s.manager.Status()})
}

func (s *Server) Capabilities(w http.ResponseWriter, r *http.Request) {
	caps, err := s.manager.GetServerCapabilities(types.ServerID(chi.URLParam(r, "id")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, caps)
}

func (s *Server) Register(w http.ResponseWriter, r *http.Request) {
	var cfg types.PeerConfig
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid peer config: " + err.Error()})
		return
	}

	if err := s.manager.RegisterServer(r.Context(), cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			s.logger.Debug("Client went away during registration", zap.String("server_id", string(cfg.ServerID)))
		}
		s.writeError(w, err)
		return
	}

	caps, err := s.manager.GetServerCapabilities(cfg.ServerID)
	if err != nil {
		// Lost between connecting and answering; report what happened.
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"server_id":    cfg.ServerID,
		"capabilities": caps,
	})
}

func (s *Server) Remove(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.RemoveServer(types.ServerID(chi.URLParam(r, "id"))); err != nil {
		s.logger.Warn("Peer transport did not close cleanly", zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusClientClosedRequest reports a request abandoned by its client.
const statusClientClosedRequest = 499

// statusFor maps manager errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, federation.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, federation.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, federation.ErrNotConnected):
		return http.StatusNotFound
	case errors.Is(err, federation.ErrAlreadyConnected), errors.Is(err, federation.ErrRemoved):
		return http.StatusConflict
	case errors.Is(err, federation.ErrCapabilityMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, federation.ErrConnectTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, federation.ErrConnect), errors.Is(err, federation.ErrAuth), errors.Is(err, federation.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())))
	})
}
