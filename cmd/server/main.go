package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parleychat/parley/internal/auth"
	"github.com/parleychat/parley/internal/presence"
	"github.com/parleychat/parley/internal/server"
	"github.com/parleychat/parley/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := server.NewConfigFromEnv()
	server.SetConfig(cfg)

	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	logger.Info("starting Parley chat server",
		"port", cfg.Port, "redis", cfg.RedisAddr, "mongoDb", cfg.MongoDatabase)

	ctx := context.Background()

	// The registry store being down is a degraded mode, not a startup
	// failure: connections still work, presence is simply not tracked until
	// the store comes back.
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Warn("registry store unreachable, presence tracking degraded until it recovers",
			"addr", cfg.RedisAddr, "error", err)
	}
	cancel()

	mongoClient, err := store.Dial(ctx, cfg.MongoURI)
	if err != nil {
		logger.Error("connecting to mongodb failed", "error", err)
		os.Exit(1)
	}
	db := mongoClient.Database(cfg.MongoDatabase)

	conversations := store.NewConversationStore(db)
	profiles := store.NewProfileStore(db)
	registry := presence.NewRedisRegistry(redisClient)

	hub := server.NewHub(logger)
	broadcaster := presence.NewBroadcaster(conversations, registry, hub, logger)
	tracker := presence.NewTracker(registry, profiles, broadcaster, logger)
	rooms := presence.NewRooms(conversations, hub, logger)
	relay := presence.NewRelay(hub, logger)
	verifier := auth.NewJWTVerifier(cfg.JWTSecret)

	ws := server.NewSocketHandler(hub, verifier, rooms, tracker, relay, logger)
	go hub.Run()

	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(ws))
	go func() {
		if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	logger.Info("shutdown signal received")

	if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		logger.Warn("hub shutdown incomplete", "error", err)
	}

	disconnectCtx, cancelDisconnect := context.WithTimeout(ctx, 5*time.Second)
	defer cancelDisconnect()
	if err := mongoClient.Disconnect(disconnectCtx); err != nil {
		logger.Warn("mongodb disconnect failed", "error", err)
	}
	if err := redisClient.Close(); err != nil {
		logger.Warn("redis close failed", "error", err)
	}

	logger.Info("shutdown complete")
}
