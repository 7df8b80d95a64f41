// Command relay is the pairbridge relay's entrypoint: it wires the
// Store, CredentialAuthority, Router, and the two transports
// (WebSocket ConnectionEndpoints, HTTPSurface) behind one HTTP server.
// Startup sequencing and graceful shutdown follow a cmd/api/main.go
// shape: conditional Redis wiring with an in-memory fallback,
// SIGTERM-driven context cancellation, and a bounded shutdown timeout.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pairbridge/relay/internal/billing"
	"github.com/pairbridge/relay/internal/config"
	"github.com/pairbridge/relay/internal/credentials"
	"github.com/pairbridge/relay/internal/httpapi"
	"github.com/pairbridge/relay/internal/infra"
	"github.com/pairbridge/relay/internal/metrics"
	"github.com/pairbridge/relay/internal/ratelimit"
	"github.com/pairbridge/relay/internal/retry"
	"github.com/pairbridge/relay/internal/router"
	"github.com/pairbridge/relay/internal/store"
	"github.com/pairbridge/relay/internal/store/memstore"
	"github.com/pairbridge/relay/internal/store/postgres"
	"github.com/pairbridge/relay/internal/wsapi"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	cfg := config.Get()

	s, closeStore := openStore(cfg)
	if closeStore != nil {
		defer closeStore()
	}

	var limiter ratelimit.Counter
	var bus router.Bus
	if cfg.Redis.Addr != "" {
		adapter, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Warn("redis connection failed, falling back to in-memory rate limiter and presence bus", "addr", cfg.Redis.Addr, "error", err)
			limiter = ratelimit.NewLocal()
			bus = router.NewLocalBus()
		} else {
			defer adapter.Close()
			limiter = adapter
			redisBus, err := router.NewRedisBus(adapter, "pairbridge:presence")
			if err != nil {
				slog.Warn("redis presence bus init failed, falling back to local bus", "error", err)
				bus = router.NewLocalBus()
			} else {
				bus = redisBus
				defer redisBus.Close()
			}
			slog.Info("redis wired for rate limiting and cross-process presence")
		}
	} else {
		slog.Info("no REDIS_ADDR configured, using in-memory rate limiter and single-process presence bus")
		limiter = ratelimit.NewLocal()
		bus = router.NewLocalBus()
	}

	creds := credentials.NewAuthority(
		s, cfg.JWT.Secret, cfg.JWT.Issuer,
		time.Duration(cfg.JWT.AccessTTLSec)*time.Second,
		time.Duration(cfg.Token.RefreshTTLSec)*time.Second,
		time.Duration(cfg.Pairing.TTLSec)*time.Second,
		cfg.Pairing.MaxAttempts,
		cfg.Agent.AllowLegacyGlobalSecret, cfg.Agent.LegacyGlobalSecret,
	)

	reg := metrics.New()
	rtr := router.New(
		cfg.Offline.QueueMax,
		time.Duration(cfg.Offline.TTLSec)*time.Second,
		time.Duration(cfg.Server.IdleTimeoutSec)*time.Second,
		bus, reg,
	)

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	go rtr.StartHealthSweep(shutdownCtx)
	go runCleanupLoop(shutdownCtx, s)

	billingProvider := billing.NewStripeProvider(cfg.Billing.StripeAPIKey)

	agentEP := wsapi.NewAgentEndpoint(s, creds, rtr, limiter, cfg)
	clientEP := wsapi.NewClientEndpoint(creds, rtr, limiter, cfg)
	apiServer := httpapi.NewServer(s, creds, rtr, limiter, billingProvider, cfg)

	mux := http.NewServeMux()
	mux.Handle("/", apiServer.Routes())
	mux.Handle("/ws/agent", agentEP)
	mux.Handle("/ws/client", clientEP)
	mux.Handle("/metrics", reg.Handler())

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("received shutdown signal, shutting down gracefully")
		shutdownCancel()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("pairbridge relay starting", "port", cfg.Server.Port, "env", cfg.Server.Env)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed to start: %v", err)
	}
	slog.Info("relay stopped")
}

// openStore selects the Postgres or in-memory Store driver per
// Config.Database.Driver, falling back to memory on connection failure
// so the relay is still runnable for local development and tests.
func openStore(cfg *config.Config) (store.Store, func()) {
	if cfg.Database.Driver == "postgres" {
		db, err := postgres.Open(cfg.Database.URL)
		if err != nil {
			slog.Warn("postgres connection failed, falling back to in-memory store", "error", err)
			return memstore.New(), nil
		}
		slog.Info("postgres store connected")
		return db, func() { db.Close() }
	}
	slog.Info("using in-memory store (STORE_DRIVER != postgres)")
	return memstore.New(), nil
}

// runCleanupLoop periodically deletes expired refresh tokens, pairing
// codes, and stale rate counters, retrying a transient failure before
// giving up for that tick.
func runCleanupLoop(ctx context.Context, s store.Store) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := retry.Do(ctx, 3, 2*time.Second, func() error {
				return s.Cleanup(ctx, time.Now())
			})
			if err != nil {
				slog.Error("store cleanup failed", "error", err)
			}
		}
	}
}
