package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tokenmeter/pkg/alerts"
	"github.com/platinummonkey/tokenmeter/pkg/billing"
	"github.com/platinummonkey/tokenmeter/pkg/entitlements"
	"github.com/platinummonkey/tokenmeter/pkg/httputil"
	"github.com/platinummonkey/tokenmeter/pkg/middleware"
	"github.com/platinummonkey/tokenmeter/pkg/observability"
	"github.com/platinummonkey/tokenmeter/pkg/plans"
	"github.com/platinummonkey/tokenmeter/pkg/subscribers"
	"github.com/platinummonkey/tokenmeter/pkg/tokens"
)

// MaxWebhookBytes bounds the webhook body read into memory
const MaxWebhookBytes int64 = 1 << 20

// MaxConsumeBytes bounds a consume request body, metadata included
const MaxConsumeBytes int64 = 64 << 10

// TokenService consumes tokens and summarizes usage
type TokenService interface {
	Consume(ctx context.Context, req tokens.ConsumeRequest) (*tokens.ConsumeResult, error)
	Summary(ctx context.Context, userID int64, limit int) (*tokens.Summary, error)
}

// AlertService reads and acknowledges usage alerts
type AlertService interface {
	ActiveAlerts(ctx context.Context, teamID int64, asOf time.Time) ([]*alerts.Alert, error)
	CurrentAlert(ctx context.Context, teamID int64, asOf time.Time) (*alerts.Alert, error)
	Acknowledge(ctx context.Context, teamID, alertID int64) error
}

// AccessService loads accounts and answers entitlement questions
type AccessService interface {
	Account(ctx context.Context, userID int64) (*subscribers.Account, error)
	AccessInfo(ctx context.Context, acct *subscribers.Account, asOf time.Time) (*entitlements.Access, error)
}

// WebhookProcessor applies one processor webhook delivery
type WebhookProcessor interface {
	Handle(ctx context.Context, payload []byte, signatureHeader string) (billing.Result, error)
}

// Config wires the server's collaborators. Nil optional fields disable the
// routes or middleware that need them.
type Config struct {
	Tokens   TokenService
	Alerts   AlertService
	Access   AccessService
	Webhooks WebhookProcessor
	Catalog  *plans.Catalog

	Health    *observability.HealthChecker
	Registry  *prometheus.Registry
	Metrics   *observability.Metrics
	Logger    *observability.Logger
	RateLimit *middleware.RateLimitMiddleware
	// Tracing wraps the router with otelhttp spans
	Tracing bool
}

// Server represents our API server
type Server struct {
	router   *mux.Router
	handler  http.Handler
	tokens   TokenService
	alerts   AlertService
	access   AccessService
	webhooks WebhookProcessor
	catalog  *plans.Catalog
	health   *observability.HealthChecker
	registry *prometheus.Registry
	metrics  *observability.Metrics
	logger   *observability.Logger
	limiter  *middleware.RateLimitMiddleware
	now      func() time.Time
}

// NewServer creates a new API server
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if cfg.Catalog == nil {
		cfg.Catalog = plans.DefaultCatalog()
	}
	s := &Server{
		router:   mux.NewRouter(),
		tokens:   cfg.Tokens,
		alerts:   cfg.Alerts,
		access:   cfg.Access,
		webhooks: cfg.Webhooks,
		catalog:  cfg.Catalog,
		health:   cfg.Health,
		registry: cfg.Registry,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		limiter:  cfg.RateLimit,
		now:      time.Now,
	}
	s.setupRoutes()

	identity := middleware.NewIdentityMiddleware(s.logger)
	s.handler = httputil.Chain(
		identity.Handler,
		httputil.RecoveryMiddleware,
		httputil.LoggingMiddleware,
	)(s.router)
	if cfg.Tracing {
		s.handler = otelhttp.NewHandler(s.handler, "tokenmeter",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	}
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))

	// Health and metrics
	if s.health != nil {
		s.router.HandleFunc("/health", s.health.Readiness).Methods("GET")
		s.router.HandleFunc("/health/live", s.health.Liveness).Methods("GET")
		s.router.HandleFunc("/health/ready", s.health.Readiness).Methods("GET")
	}
	if s.registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(s.registry)).Methods("GET")
	}

	api := s.router.PathPrefix("/api").Subrouter()

	// Catalog and access
	api.HandleFunc("/plans", s.listPlans).Methods("GET")
	if s.access != nil {
		api.Handle("/access", middleware.RequireUser(http.HandlerFunc(s.getAccess))).Methods("GET")
	}

	// Token consumption
	if s.tokens != nil {
		consume := httputil.MaxBytesMiddleware(MaxConsumeBytes)(http.HandlerFunc(s.consumeTokens))
		if s.limiter != nil {
			consume = s.limiter.Handler(consume)
		}
		api.Handle("/tokens/consume", consume).Methods("POST")
		api.HandleFunc("/tokens/usage", s.getUsage).Methods("GET")
	}

	// Usage alerts
	if s.alerts != nil && s.access != nil {
		api.HandleFunc("/alerts", s.listAlerts).Methods("GET")
		api.HandleFunc("/alerts", s.acknowledgeAlert).Methods("POST")
		api.HandleFunc("/alerts/current", s.currentAlert).Methods("GET")
	}

	// Processor webhooks
	if s.webhooks != nil {
		webhook := httputil.MaxBytesMiddleware(MaxWebhookBytes)(http.HandlerFunc(s.handleWebhook))
		api.Handle("/stripe/webhook", webhook).Methods("POST")
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Router exposes the router for additional registrations
func (s *Server) Router() *mux.Router {
	return s.router
}
