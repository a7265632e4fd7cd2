// Package gateway exposes the paywall and subscription APIs over HTTP.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/speedrun-hq/paygate/pkg/logger"
	"github.com/speedrun-hq/paygate/pkg/metrics"
	"github.com/speedrun-hq/paygate/pkg/models"
	"github.com/speedrun-hq/paygate/pkg/settlement"
	"github.com/speedrun-hq/paygate/pkg/subscription"
	"github.com/speedrun-hq/paygate/pkg/x402"
)

const maxBodyBytes = 64 << 10

// Settlement is the paywall engine behind /access.
type Settlement interface {
	RequestAccess(ctx context.Context, resourceID, requester string, isAgent bool) (*settlement.AccessDecision, error)
	RedeemChallenge(ctx context.Context, token, txID string) (*settlement.SettlementResult, error)
}

// Subscriptions is the service behind /subscriptions.
type Subscriptions interface {
	Create(ctx context.Context, req subscription.CreateRequest) (*models.AutopaySubscription, error)
	TopUp(ctx context.Context, id string, amount int64, txID string) (*models.AutopaySubscription, error)
	Cancel(ctx context.Context, id, txID string) (int64, error)
	Get(ctx context.Context, id string) (*models.AutopaySubscription, error)
	Latest(ctx context.Context, subscriber string) (*models.AutopaySubscription, error)
}

type Config struct {
	Port string
	// Network is the CAIP-2 id advertised in payment requirements.
	Network string
	// PublicURL, when set, replaces the request host in advertised resource URLs.
	PublicURL      string
	RequestTimeout time.Duration
}

// Server serves the gateway routes.
type Server struct {
	settlement    Settlement
	subscriptions Subscriptions
	tokens        *x402.AccessTokenSigner
	validate      *validator.Validate
	logger        logger.Logger
	cfg           Config
}

// NewServer wires the handlers. subs and tokens may be nil, which disables
// the subscription routes and access tokens respectively.
func NewServer(engine Settlement, subs Subscriptions, tokens *x402.AccessTokenSigner, cfg Config, log logger.Logger) *Server {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Network == "" {
		cfg.Network = x402.NetworkStacksMainnet
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Server{
		settlement:    engine,
		subscriptions: subs,
		tokens:        tokens,
		validate:      newValidator(),
		logger:        log,
		cfg:           cfg,
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors)
	r.Use(s.instrument)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Get("/access", s.handleAccessCheck)
	r.Post("/access", s.handlePaymentReceipt)

	if s.subscriptions != nil {
		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/", s.handleLatestSubscription)
			r.Post("/", s.handleCreateSubscription)
			r.Get("/{id}", s.handleGetSubscription)
			r.Post("/{id}/topup", s.handleTopUp)
			r.Post("/{id}/cancel", s.handleCancel)
		})
	}
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoWith(logger.Gateway, "Starting gateway on port %s", s.cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.logger.InfoWith(logger.Gateway, "Context cancelled, shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

var allowedHeaders = strings.Join([]string{
	"authorization", "x-client-info", "apikey", "content-type", "x-agent-id", "x-agent-signature",
	"x-payment-receipt", "payment-signature",
}, ", ")

var exposedHeaders = strings.Join(x402.ExposedHeaders, ", ")

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", allowedHeaders)
		h.Set("Access-Control-Expose-Headers", exposedHeaders)
		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}
