// Package main is the entry point for the relay server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messenger-relay/internal/config"
	"github.com/capitalize-ai/messenger-relay/internal/handler"
	"github.com/capitalize-ai/messenger-relay/internal/llm"
	"github.com/capitalize-ai/messenger-relay/internal/messenger"
	"github.com/capitalize-ai/messenger-relay/internal/middleware"
	natsclient "github.com/capitalize-ai/messenger-relay/internal/nats"
	"github.com/capitalize-ai/messenger-relay/internal/notify"
	"github.com/capitalize-ai/messenger-relay/internal/relay"
	"github.com/capitalize-ai/messenger-relay/internal/store"
	"github.com/capitalize-ai/messenger-relay/internal/tenant"
	"github.com/capitalize-ai/messenger-relay/pkg/logger"
	"github.com/capitalize-ai/messenger-relay/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting relay server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "messenger-relay", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Tenant registry
	registry, err := tenant.NewRegistry(cfg.TenantDBPath)
	if err != nil {
		log.Error("failed to open tenant registry", zap.Error(err))
		os.Exit(1)
	}
	defer registry.Close()

	// Session store: Redis when configured, in-memory otherwise
	var sessions store.SessionStore
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Error("invalid Redis URL", zap.Error(err))
			os.Exit(1)
		}
		redisClient := redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Error("failed to connect to Redis", zap.Error(err))
			os.Exit(1)
		}
		sessions = store.NewRedisStore(redisClient, cfg.SessionTTL)
		log.Info("using Redis session store")
	} else {
		sessions = store.NewMemoryStore()
		log.Info("using in-memory session store")
	}
	defer sessions.Close()

	// NATS audit stream (optional)
	var natsConn *natsclient.Client
	var streams *natsclient.StreamManager
	if cfg.NATSEnabled {
		natsConn, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Error("failed to connect to NATS", zap.Error(err))
			os.Exit(1)
		}
		defer natsConn.Close()

		streams = natsclient.NewStreamManager(natsConn)
		if err := streams.EnsureStream(ctx); err != nil {
			log.Error("failed to ensure stream", zap.Error(err))
			os.Exit(1)
		}
	}

	// AI responder
	var apiKey string
	provider := llm.Provider(cfg.DefaultLLM)
	switch provider {
	case llm.ProviderOpenAI:
		apiKey = cfg.OpenAIAPIKey
	default:
		provider = llm.ProviderAnthropic
		apiKey = cfg.AnthropicAPIKey
	}
	responder, err := llm.NewClient(provider, apiKey)
	if err != nil {
		log.Error("failed to create responder client", zap.Error(err))
		os.Exit(1)
	}

	// Delivery gateway
	delivery := messenger.NewClient(cfg.PlatformAPIBase)

	// Handoff notifiers
	notifiers := notify.Multi{notify.NewWebhookNotifier()}
	var audit relay.TurnPublisher
	if streams != nil {
		notifiers = append(notifiers, notify.NewStreamNotifier(streams))
		audit = streams
	}

	// Relay core
	relaySvc := relay.NewService(relay.Config{
		DebounceWindow: cfg.DebounceWindow,
		HumanKeywords:  cfg.HumanKeywords,
		MaxTokens:      cfg.MaxTokens,
	}, registry, sessions, responder, delivery, notifiers, audit, log)
	defer relaySvc.Close()

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(registry, natsConn)
	webhookHandler := handler.NewWebhookHandler(relaySvc, cfg.WebhookVerifyToken, log)
	tenantHandler := handler.NewTenantHandler(registry, log)
	sessionHandler := handler.NewSessionHandler(relaySvc, registry, sessions, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Platform webhook (verified by token, not JWT)
	r.Get("/webhook", webhookHandler.Verify)
	r.Post("/webhook", webhookHandler.Receive)

	// Admin API with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.CORS())
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/tenants", func(r chi.Router) {
			r.Get("/", tenantHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", tenantHandler.Get)
				r.With(middleware.RequireScope(middleware.ScopeTenantsWrite)).Put("/", tenantHandler.Upsert)

				r.Route("/sessions/{userID}", func(r chi.Router) {
					r.Get("/", sessionHandler.Get)
					r.With(middleware.RequireScope(middleware.ScopeSessionsWrite)).Put("/mode", sessionHandler.SetMode)
					r.With(middleware.RequireScope(middleware.ScopeSessionsWrite)).Post("/reset", sessionHandler.Reset)
				})
			})
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
