package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/drluca/orderstream/config"
	"github.com/drluca/orderstream/internal/cache"
	"github.com/drluca/orderstream/internal/database"
	"github.com/drluca/orderstream/internal/eventbus"
	"github.com/drluca/orderstream/internal/httpx"
	"github.com/drluca/orderstream/internal/order"
	"github.com/drluca/orderstream/internal/queue"
	"github.com/drluca/orderstream/internal/stockalert"
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

	log.Info().Str("appName", cfg.AppName).Msg("API starting")

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

	orderCache := cache.NewRedisCache(cfg.RedisAddr, cfg.AppName)

	alertService := stockalert.New(db, db, bus, stockalert.Config{
		Threshold:            stockalert.DefaultThreshold(cfg.LowStockFloor, cfg.LowStockRatio),
		AlertExpirationDays:  cfg.AlertExpirationDays,
		NotificationsEnabled: cfg.NotificationsEnabled,
		NotificationsQueue:   cfg.NotificationsQueue,
	})
	router := queue.NewRouter(bus, cfg.OrdersQueue, cfg.QueuableOrdersQueue)
	orderService := order.NewService(db, db, alertService, router, orderCache, cfg.OrderCacheTTL)

	handler := httpx.NewHandler(orderService, db, alertService, db, bus)
	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpx.NewRouter(handler),
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// --- Wait for shutdown signal ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// --- Graceful Shutdown ---
	log.Info().Msg("API shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
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
