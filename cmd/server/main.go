package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/bmadlife/backend/internal/config"
	"github.com/bmadlife/backend/internal/gm"
	"github.com/bmadlife/backend/internal/relay"
	"github.com/bmadlife/backend/internal/session"
	"github.com/bmadlife/backend/internal/stream"
	"github.com/bmadlife/backend/internal/ws"
)

func main() {
	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "Path to config file (empty: defaults + environment)")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := session.New(logger.With("component", "registry"))

	skins := relay.LoadSkins(cfg.Assets.SkinsDir)
	broker := relay.New(cfg.Broker.Addr, cfg.Broker.Namespace, skins, registry, logger.With("component", "relay"))
	if err := broker.Connect(ctx); err != nil {
		// Degraded mode: sockets and sessions still work, publishing
		// returns 503 until the broker comes back.
		logger.Error("broker connect failed, running without broker", "addr", cfg.Broker.Addr, "error", err)
	}

	gmClient := gm.NewClient(cfg.GM.BaseURL, cfg.GM.ConnectTimeout, logger.With("component", "gm"))
	controller := stream.NewController(registry, gmClient, logger.With("component", "stream"))

	server := ws.NewServer(registry, broker, gmClient, controller, logger.With("component", "http"))
	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           ws.CORS(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
		if err := broker.Close(); err != nil {
			logger.Warn("broker close", "error", err)
		}
		gmClient.Close()
	}()

	if err := ws.ListenAndServe(httpSrv, logger.With("component", "http")); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
