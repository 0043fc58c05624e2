package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dukerupert/infographic/internal/billing"
	"github.com/dukerupert/infographic/internal/config"
	"github.com/dukerupert/infographic/internal/database"
	"github.com/dukerupert/infographic/internal/email"
	"github.com/dukerupert/infographic/internal/handler"
	"github.com/dukerupert/infographic/internal/imagegen"
	"github.com/dukerupert/infographic/internal/logging"
	"github.com/dukerupert/infographic/internal/ratelimit"
	"github.com/dukerupert/infographic/internal/reader"
	"github.com/dukerupert/infographic/internal/server"
	"github.com/dukerupert/infographic/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "driver", cfg.DatabaseDriver, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Rate limiter: Redis when shared across instances, otherwise in-process
	var limiter ratelimit.Limiter
	var memLimiter *ratelimit.Memory
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		limiter = ratelimit.NewRedis(rdb, "infographic:ratelimit")
		slog.Info("rate limiter using redis", "addr", opts.Addr)
	} else {
		memLimiter = ratelimit.NewMemory()
		limiter = memLimiter
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	readerClient := reader.NewClient(cfg.ReaderAPIKey, cfg.ReaderBaseURL, logger.With("component", "reader"), reader.WithHTTPClient(httpClient))
	imagegenClient := imagegen.NewClient(imagegen.Config{
		APIKey:  cfg.ImagegenAPIKey,
		BaseURL: cfg.ImagegenBaseURL,
		Model:   cfg.ImagegenModel,
		Timeout: cfg.RequestTimeout,
	}, logger.With("component", "imagegen"))

	emailClient := email.NewClient(cfg.PostmarkToken, cfg.FromEmail, cfg.BaseURL)
	if !emailClient.Configured() {
		slog.Warn("postmark not configured, verification emails will fail")
	}

	var billingClient *billing.Client
	if cfg.StripeSecretKey != "" {
		billingClient = billing.NewClient(billing.Config{
			SecretKey:      cfg.StripeSecretKey,
			WebhookSecret:  cfg.StripeWebhookSecret,
			StarterPriceID: cfg.StripePriceStarter,
			ProPriceID:     cfg.StripePricePro,
			StarterCredits: cfg.StarterCredits,
			ProCredits:     cfg.ProCredits,
			SuccessURL:     cfg.BaseURL + "/?checkout=success&session_id={CHECKOUT_SESSION_ID}",
			CancelURL:      cfg.BaseURL + "/?checkout=cancelled",
		})
	}

	// A typed nil would defeat the handler's nil check
	var archiver handler.ImageArchiver
	if cfg.S3Bucket != "" {
		a, err := storage.NewArchiver(storage.Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			PublicBaseURL: cfg.S3PublicBaseURL,
			UsePathStyle:  cfg.S3UsePathStyle,
			Prefix:        cfg.S3Prefix,
		}, logger.With("component", "storage"), storage.WithHTTPClient(httpClient))
		if err != nil {
			slog.Error("failed to configure image archive", "error", err)
			os.Exit(1)
		}
		archiver = a
	}

	srv := server.New(db, server.Config{
		Reader:   readerClient,
		Imagegen: imagegenClient,
		Limiter:  limiter,
		Sender:   emailClient,
		Billing:  billingClient,
		Archiver: archiver,
		Auth: handler.AuthConfig{
			FreeSignupCredits: cfg.FreeSignupCredits,
			SecureCookies:     strings.HasPrefix(cfg.BaseURL, "https://"),
		},
		PollInterval:   cfg.PollInterval,
		PollTimeout:    cfg.PollTimeout,
		TrustedProxies: cfg.TrustedProxies,
	}, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Generation calls can be slow; streams are hijacked and unaffected.
		WriteTimeout: cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Background cleanup goroutine
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := srv.SessionStore().DeleteExpired(cleanupCtx); err != nil {
					slog.Error("cleanup expired sessions", "error", err)
				} else if n > 0 {
					slog.Info("cleaned up expired sessions", "count", n)
				}
				if n, err := srv.VerificationTokenStore().DeleteExpired(cleanupCtx); err != nil {
					slog.Error("cleanup expired verification tokens", "error", err)
				} else if n > 0 {
					slog.Info("cleaned up expired verification tokens", "count", n)
				}
				if memLimiter != nil {
					memLimiter.Sweep()
				}
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("infographic service starting", "addr", ":"+cfg.Port, "base_url", cfg.BaseURL, "db", cfg.DatabaseDriver)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	cleanupCancel()
	srv.Hub().CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
