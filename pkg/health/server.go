package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/speedrun-hq/paygate/pkg/circuitbreaker"
	"github.com/speedrun-hq/paygate/pkg/logger"
)

// Pinger is satisfied by the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HeightSource is satisfied by every chain adapter.
type HeightSource interface {
	GetCurrentBlockHeight(ctx context.Context) (uint64, error)
}

// Server represents a health check HTTP server
type Server struct {
	port            string
	backend         string
	db              Pinger
	chain           HeightSource
	circuitBreakers map[string]*circuitbreaker.CircuitBreaker
	metricsAPIKey   string
	checkTimeout    time.Duration
	logger          logger.Logger
}

// NewServer creates a new health check server. chain may be nil for commands that never touch the chain.
func NewServer(port, backend, metricsAPIKey string, db Pinger, chain HeightSource, breakers []*circuitbreaker.CircuitBreaker, log logger.Logger) *Server {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	cbs := make(map[string]*circuitbreaker.CircuitBreaker, len(breakers))
	for _, cb := range breakers {
		cbs[cb.Name()] = cb
	}
	return &Server{
		port:            port,
		backend:         backend,
		db:              db,
		chain:           chain,
		circuitBreakers: cbs,
		metricsAPIKey:   metricsAPIKey,
		checkTimeout:    5 * time.Second,
		logger:          log,
	}
}

// metricsAuthMiddleware is a middleware that checks for a valid API key
func (s *Server) metricsAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if no API key is configured
		if s.metricsAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		if parts[1] != s.metricsAPIKey {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Router returns the health, status and metrics routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/ready", s.handleReady)
	r.Get("/status", s.handleStatus)
	r.Post("/circuit/reset", s.handleCircuitReset)
	r.Method(http.MethodGet, "/metrics", s.metricsAuthMiddleware(promhttp.Handler()))
	return r
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.checkTimeout)
	defer cancel()

	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			s.logger.Error("readiness: database unreachable: %v", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("Database not reachable"))
			return
		}
	}
	if s.chain != nil {
		if _, err := s.chain.GetCurrentBlockHeight(ctx); err != nil {
			s.logger.ErrorWith(logger.Chain, "readiness: chain unreachable: %v", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("Chain not reachable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ready"))
}

type chainStatus struct {
	Backend     string `json:"backend"`
	Connected   bool   `json:"connected"`
	LatestBlock uint64 `json:"latest_block,omitempty"`
	Error       string `json:"error,omitempty"`
}

type statusResponse struct {
	Chain           *chainStatus                    `json:"chain,omitempty"`
	CircuitBreakers map[string]circuitbreaker.State `json:"circuit_breakers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{CircuitBreakers: make(map[string]circuitbreaker.State, len(s.circuitBreakers))}

	if s.chain != nil {
		ctx, cancel := context.WithTimeout(r.Context(), s.checkTimeout)
		defer cancel()
		cs := &chainStatus{Backend: s.backend}
		if height, err := s.chain.GetCurrentBlockHeight(ctx); err != nil {
			cs.Error = err.Error()
		} else {
			cs.Connected = true
			cs.LatestBlock = height
		}
		resp.Chain = cs
	}
	for name, cb := range s.circuitBreakers {
		resp.CircuitBreakers[name] = cb.GetState()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Error encoding status JSON: %v", err)
	}
}

// handleCircuitReset is the circuit breaker admin control endpoint
func (s *Server) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("Missing name parameter"))
		return
	}

	cb, ok := s.circuitBreakers[name]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(fmt.Sprintf("No circuit breaker named %s", name)))
		return
	}

	cb.Reset()
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(fmt.Sprintf("Circuit breaker %s reset", name)))
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting health and metrics server on port %s", s.port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("health server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
