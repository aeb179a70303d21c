package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"taskpulse/internal/app/registry"
	"taskpulse/internal/app/server"
	"taskpulse/internal/config"
	"taskpulse/internal/core/services"
	"taskpulse/internal/platform/logger"
	"taskpulse/internal/platform/telemetry"
	"taskpulse/internal/plugins/postgres"
	redisPlugin "taskpulse/internal/plugins/redis"
)

func main() {
	// Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Config
	cfg := config.Load()

	// Logger
	log := logger.NewLogger(*cfg)
	log.Info("starting application")

	otelShutdown, err := telemetry.InitTelemetry(ctx, *cfg)
	if err != nil {
		log.Error("failed to initialize telemetry", "err", err)
	}
	defer func() {
		if otelShutdown == nil {
			return
		}
		log.Info("flushing telemetry...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			log.Error("telemetry shutdown failed", "err", err)
		}
	}()

	// Infra
	var pdb *sql.DB
	if pdb, err = postgres.New(ctx, *cfg.Postgres); err != nil {
		log.Error("postgres connection failed", "DSN", cfg.Postgres.DSN)
		return
	}
	log.Info("postgres connected")
	var rdb *redis.Client
	if rdb, err = redisPlugin.NewRedisClient(ctx, *cfg.Redis); err != nil {
		log.Error("redis connection failed", "url", cfg.Redis.URL)
		return
	}
	log.Info("redis connected")

	// Adapters
	memberRepo := postgres.NewMembershipRepository(pdb)
	revoked := redisPlugin.NewRedisRevocationStore(rdb)

	// Core services
	hub := registry.NewRegistry()
	broadcaster := registry.NewBroadcaster(log, hub)
	tokenSvc := services.NewTokenService(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	handshake := services.NewHandshakeValidator(log, tokenSvc, memberRepo, revoked)
	presence := services.NewPresenceTracker(log, broadcaster)

	// Server
	srv := server.NewServer(log, cfg, hub, handshake, presence, tokenSvc, revoked)
	if err := srv.Start(ctx); err != nil {
		log.Error("server stopped", "err", err)
	}
}
