package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/drluca/orderstream/config"
	"github.com/drluca/orderstream/internal/database"
	"github.com/drluca/orderstream/internal/eventbus"
	"github.com/drluca/orderstream/internal/stockalert"
	"github.com/drluca/orderstream/internal/worker"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	applyLogLevel(cfg.LogLevel)

	log.Info().Str("appName", cfg.AppName).Msg("Worker starting")

	// --- Initializations ---

	db, err := database.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Database")
	}
	defer db.Close()

	bus, err := eventbus.NewManager(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize RabbitMQ Manager")
	}
	defer bus.Close()

	alertService := stockalert.New(db, db, bus, stockalert.Config{
		Threshold:            stockalert.DefaultThreshold(cfg.LowStockFloor, cfg.LowStockRatio),
		AlertExpirationDays:  cfg.AlertExpirationDays,
		NotificationsEnabled: cfg.NotificationsEnabled,
		NotificationsQueue:   cfg.NotificationsQueue,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := worker.New(bus, db, db, alertService, db, cfg)
	if err := w.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start worker")
	}

	log.Info().Msg("Worker setup complete. Running and waiting for messages.")

	// --- Wait for shutdown signal ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Worker shutting down...")
	cancel()
}

func applyLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
