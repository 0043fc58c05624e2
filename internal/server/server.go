package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/dukerupert/infographic/internal/billing"
	"github.com/dukerupert/infographic/internal/handler"
	"github.com/dukerupert/infographic/internal/imagegen"
	"github.com/dukerupert/infographic/internal/ledger"
	"github.com/dukerupert/infographic/internal/middleware"
	"github.com/dukerupert/infographic/internal/poller"
	"github.com/dukerupert/infographic/internal/ratelimit"
	"github.com/dukerupert/infographic/internal/reader"
	"github.com/dukerupert/infographic/internal/store"
	ws "github.com/dukerupert/infographic/internal/websocket"
)

const (
	loginLimit  = 10
	loginWindow = time.Minute
)

type Server struct {
	db           *sql.DB
	hub          *ws.Hub
	imagegen     *imagegen.Client
	userStore    *store.UserStore
	sessionStore *store.SessionStore
	tokenStore   *store.VerificationTokenStore
	limiter      ratelimit.Limiter
	authH        *handler.AuthHandler
	contentH     *handler.ContentHandler
	infographicH *handler.InfographicHandler
	generationH  *handler.GenerationHandler
	creditsH     *handler.CreditsHandler
	checkoutH    *handler.CheckoutHandler
	webhookH     *handler.WebhookHandler
	pollInterval time.Duration
	pollTimeout  time.Duration
	proxies      []netip.Prefix
	logger       *slog.Logger
}

type Config struct {
	Reader   *reader.Client
	Imagegen *imagegen.Client
	Limiter  ratelimit.Limiter
	Sender   handler.VerificationSender
	// Billing is nil when Stripe is not configured; the Stripe routes are
	// then not mounted.
	Billing *billing.Client
	// Archiver is nil when image archiving is off.
	Archiver     handler.ImageArchiver
	Auth         handler.AuthConfig
	PollInterval time.Duration
	PollTimeout  time.Duration
	// TrustedProxies may set the client address through forwarding headers.
	TrustedProxies []netip.Prefix
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) *Server {
	userStore := store.NewUserStore(db)
	sessionStore := store.NewSessionStore(db)
	tokenStore := store.NewVerificationTokenStore(db)
	generationStore := store.NewGenerationStore(db)
	l := ledger.New(db, logger.With("component", "ledger"))

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NewMemory()
	}

	var checkoutH *handler.CheckoutHandler
	var webhookH *handler.WebhookHandler
	if cfg.Billing != nil && cfg.Billing.Configured() {
		checkoutH = handler.NewCheckoutHandler(cfg.Billing, userStore, logger)
		webhookH = handler.NewWebhookHandler(cfg.Billing, l, userStore, logger)
	}

	return &Server{
		db:           db,
		hub:          ws.NewHub(logger.With("component", "websocket")),
		imagegen:     cfg.Imagegen,
		userStore:    userStore,
		sessionStore: sessionStore,
		tokenStore:   tokenStore,
		limiter:      limiter,
		authH:        handler.NewAuthHandler(userStore, sessionStore, tokenStore, cfg.Sender, limiter, cfg.Auth, logger),
		contentH:     handler.NewContentHandler(cfg.Reader, logger),
		infographicH: handler.NewInfographicHandler(cfg.Imagegen, logger),
		generationH:  handler.NewGenerationHandler(l, generationStore, cfg.Archiver, logger),
		creditsH:     handler.NewCreditsHandler(l, logger),
		checkoutH:    checkoutH,
		webhookH:     webhookH,
		pollInterval: cfg.PollInterval,
		pollTimeout:  cfg.PollTimeout,
		proxies:      cfg.TrustedProxies,
		logger:       logger,
	}
}

// SessionStore returns the session store for cleanup tasks.
func (s *Server) SessionStore() *store.SessionStore {
	return s.sessionStore
}

// VerificationTokenStore returns the token store for cleanup tasks.
func (s *Server) VerificationTokenStore() *store.VerificationTokenStore {
	return s.tokenStore
}

// RateLimiter returns the limiter shared by the rate-limited routes.
func (s *Server) RateLimiter() ratelimit.Limiter {
	return s.limiter
}

// Hub returns the registry of open task streams.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

func (s *Server) pollerOptions() []poller.Option {
	opts := []poller.Option{poller.WithLogger(s.logger.With("component", "poller"))}
	if s.pollInterval > 0 {
		opts = append(opts, poller.WithInterval(s.pollInterval))
	}
	if s.pollTimeout > 0 {
		opts = append(opts, poller.WithTimeout(s.pollTimeout))
	}
	return opts
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.ClientIP(s.proxies))
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(s.logger.With("component", "http")))

	r.Get("/health", s.healthCheck)

	loginRL := middleware.RateLimit(s.limiter, middleware.IPKey("login"), loginLimit, loginWindow, s.logger)
	authMw := middleware.RequireAuth(s.sessionStore, s.userStore, s.logger.With("component", "auth_middleware"))

	r.Route("/api", func(r chi.Router) {
		// Auth
		r.Post("/auth/register", s.authH.Register)
		r.Post("/auth/resend-verification", s.authH.ResendVerification)
		r.Get("/auth/verify-email", s.authH.VerifyEmail)
		r.With(loginRL).Post("/auth/login", s.authH.Login)
		r.With(authMw).Post("/auth/logout", s.authH.Logout)

		// Content and generation proxies
		r.Post("/fetch-content", s.contentH.Fetch)
		r.Post("/generate-infographic", s.infographicH.Generate)
		r.Get("/poll-infographic", s.infographicH.Poll)
		r.Get("/poll-infographic/stream", ws.HandleTaskStream(s.hub, s.imagegen, s.pollerOptions()...))

		// Stripe webhook is authenticated by signature, not session
		if s.webhookH != nil {
			r.Post("/stripe/webhook", s.webhookH.HandleStripeWebhook)
		}

		r.Group(func(r chi.Router) {
			r.Use(authMw)
			r.Post("/record-generation", s.generationH.Record)
			r.Get("/user/credits", s.creditsH.Get)
			r.Get("/user/generations", s.generationH.List)
			if s.checkoutH != nil {
				r.Post("/stripe/create-checkout-session", s.checkoutH.CreateCheckoutSession)
			}
		})
	})

	return r
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
