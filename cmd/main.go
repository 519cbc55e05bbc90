package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"livechat-sync/internal/backend"
	"livechat-sync/internal/config"
	"livechat-sync/internal/delivery"
	synccore "livechat-sync/internal/sync"
	"livechat-sync/internal/transport"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadConfig()
	log := setupLogger(cfg)

	if cfg.TenantID == "" || cfg.AgentID == "" {
		log.Error("TENANT_ID and AGENT_ID are required")
		os.Exit(1)
	}

	log.Info("starting livechat agent sync",
		slog.String("environment", cfg.Environment),
		slog.String("tenant_id", cfg.TenantID),
		slog.String("agent_id", cfg.AgentID),
		slog.String("backend_ws", cfg.BackendWSURL),
		slog.String("port", cfg.Port),
	)

	channel := transport.NewChannel(cfg.BackendWSURL, log)
	api := backend.NewClient(cfg.BackendAPIURL, cfg.BackendAPIToken, log)

	core := synccore.New(synccore.Config{
		TenantID:            cfg.TenantID,
		AgentID:             cfg.AgentID,
		PageSize:            cfg.PageSize,
		TypingTTL:           cfg.TypingTTL,
		TypingSweepInterval: cfg.TypingSweepInterval,
		AckTimeout:          cfg.AckTimeout,
		BackoffBase:         cfg.ReconnectBase,
		BackoffMax:          cfg.ReconnectMax,
	}, channel, api, log)

	hub := delivery.NewStreamHub(log)
	core.SetUpdateHandler(hub)

	server := delivery.NewServer(cfg, core, hub, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutting down")
		core.Stop()
		if err := server.Shutdown(); err != nil {
			log.Error("server shutdown failed", slog.Any("error", err))
		}
	}()

	core.Start()

	if err := server.Start(); err != nil {
		log.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func setupLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.IsDevelopment() {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.IsProduction() {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}
