package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duochat/chat-app/internal/config"
	"github.com/duochat/chat-app/internal/history"
	"github.com/duochat/chat-app/internal/messaging"
	"github.com/duochat/chat-app/internal/presence"
	"github.com/duochat/chat-app/internal/ratelimit"
	"github.com/duochat/chat-app/internal/relay"
)

func main() {
	cfg := config.Load()

	// --- Postgres ---
	if err := history.Migrate(cfg.Database.URL); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	historyStore, err := history.Open(cfg.Database.URL)
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}

	// --- Redis ---
	presenceStore, err := presence.NewStore(cfg.Redis.Addr, cfg.Instance)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	// --- NATS (optional; single-instance without it) ---
	var broker relay.Broker
	var natsClient *messaging.NATSClient
	if cfg.NATS.Enabled {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		broker = natsClient
	}

	serverConfig := relay.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.Server.ListenAddr
	serverConfig.MaxConnections = cfg.Server.MaxConnections
	serverConfig.PingInterval = cfg.Server.PingInterval

	log.Printf("Duochat relay starting")
	log.Printf("  listen_addr:     %s", serverConfig.ListenAddr)
	log.Printf("  max_connections: %d", serverConfig.MaxConnections)
	log.Printf("  ping_interval:   %s", serverConfig.PingInterval)
	log.Printf("  database_url:    %s", cfg.Database.URL)
	log.Printf("  redis_addr:      %s", cfg.Redis.Addr)
	log.Printf("  nats_url:        %s", cfg.NATS.URL)
	log.Printf("  instance:        %s", cfg.Instance)

	limiter := ratelimit.NewLimiter(presenceStore.Client())

	registry := relay.NewRegistry()
	router := relay.NewRouter(registry, historyStore, presenceStore, broker)
	router.SetLimiter(limiter)
	if err := router.Start(); err != nil {
		log.Fatalf("failed to start router: %v", err)
	}
	server := relay.NewServer(serverConfig, registry, router)
	server.SetConnectLimiter(limiter)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if natsClient != nil {
			natsClient.Close()
		}
		if err := presenceStore.Close(); err != nil {
			log.Printf("presence store close error: %v", err)
		}
		if err := historyStore.Close(); err != nil {
			log.Printf("history store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
