package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gasrelay/config"
	"gasrelay/gateway/compat"
	"gasrelay/gateway/middleware"
	"gasrelay/relay/burn"
	"gasrelay/relay/chain"
	"gasrelay/relay/oracle"
	"gasrelay/relay/pool"
	"gasrelay/relay/quotes"
	"gasrelay/relay/service"
)

// EndpointLister is the slice of the chain adapter the health check reads.
type EndpointLister interface {
	Endpoints() []chain.EndpointStatus
}

// Config wires the HTTP layer's collaborators and policy knobs.
type Config struct {
	Network        string
	Tokens         []config.Token
	AllowedOrigins []string
	GlobalPerIP    int
	MetricsAPIKey  string
	AdminJWTSecret string
	CompatMode     compat.Mode
}

// Server owns the versioned HTTP surface, the legacy compatibility paths,
// and the admin endpoints.
type Server struct {
	cfg       Config
	quoteSvc  *service.QuoteService
	submitSvc *service.SubmitService
	pool      *pool.Pool
	chain     EndpointLister
	store     quotes.Store
	oracle    *oracle.Gateway
	ledger    *burn.Ledger

	paused  atomic.Bool
	router  chi.Router
	tokens  map[string]config.Token
	limiter *middleware.IPLimiter
}

func New(cfg Config, quoteSvc *service.QuoteService, submitSvc *service.SubmitService, p *pool.Pool, endpoints EndpointLister, store quotes.Store, gw *oracle.Gateway, ledger *burn.Ledger) *Server {
	s := &Server{
		cfg:       cfg,
		quoteSvc:  quoteSvc,
		submitSvc: submitSvc,
		pool:      p,
		chain:     endpoints,
		store:     store,
		oracle:    gw,
		ledger:    ledger,
		tokens:    make(map[string]config.Token, len(cfg.Tokens)),
		limiter:   middleware.NewIPLimiter(cfg.GlobalPerIP),
	}
	for _, token := range cfg.Tokens {
		s.tokens[token.Mint] = token
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the assembled routing tree.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	obs := middleware.NewObservability()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: s.cfg.AllowedOrigins}))
	r.Use(obs.Middleware("relay"))
	r.Use(s.limiter.Middleware)

	r.Route("/v1", func(v chi.Router) {
		v.Post("/quote", s.handleQuote)
		v.Post("/submit", s.handleSubmit)
		v.Get("/tokens", s.handleTokens)
		v.Get("/tokens/{mint}/check", s.handleTokenCheck)
		v.Get("/stats", s.handleStats)
		v.Get("/health", s.handleHealth)
	})

	if compat.ShouldEnable(s.cfg.CompatMode) {
		inner := chi.NewRouter()
		inner.Post("/v1/quote", s.handleQuote)
		inner.Post("/v1/submit", s.handleSubmit)
		inner.Get("/v1/health", s.handleHealth)
		inner.Get("/v1/tokens", s.handleTokens)
		inner.Get("/v1/stats", s.handleStats)
		legacy := compat.NewHandler(inner)
		for _, path := range compat.LegacyPaths() {
			r.Handle(path, legacy)
		}
	}

	auth := middleware.NewAuthenticator(s.cfg.AdminJWTSecret, "gasrelay")
	r.Route("/admin", func(a chi.Router) {
		a.Use(auth.Middleware("admin"))
		a.Get("/payers", s.handleAdminPayers)
		a.Post("/payers/{key}/retire", s.handleAdminRetire)
		a.Post("/payers/{key}/retire/complete", s.handleAdminRetireComplete)
		a.Post("/payers/{key}/emergency", s.handleAdminEmergencyRetire)
		a.Post("/payers/{key}/reactivate", s.handleAdminReactivate)
		a.Post("/pause", s.handleAdminPause)
		a.Post("/resume", s.handleAdminResume)
	})

	metricsHandler := promhttp.HandlerFor(
		prometheus.Gatherers{prometheus.DefaultGatherer, obs.Registry()},
		promhttp.HandlerOpts{},
	)
	r.Get("/metrics", s.guardMetrics(metricsHandler))

	return r
}

// guardMetrics hides the metrics endpoint behind the configured API key. With
// no key configured the endpoint is open, which suits closed networks.
func (s *Server) guardMetrics(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.MetricsAPIKey != "" {
			supplied := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(supplied), []byte(s.cfg.MetricsAPIKey)) != 1 {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, r)
	}
}

// Pause stops accepting new submits; quotes keep flowing.
func (s *Server) Pause() {
	s.paused.Store(true)
}

// Resume lifts a pause.
func (s *Server) Resume() {
	s.paused.Store(false)
}

// Paused reports whether submits are administratively paused.
func (s *Server) Paused() bool {
	return s.paused.Load()
}

// storeHealthy probes the quote store with a read that is expected to miss.
func (s *Server) storeHealthy(ctx context.Context) bool {
	_, err := s.store.Get(ctx, "health-probe")
	return err == nil || errors.Is(err, quotes.ErrNotFound) || errors.Is(err, quotes.ErrExpired)
}
