package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nicolaschan/insanity/internal/bridge"
	"github.com/nicolaschan/insanity/internal/metrics"
)

const (
	serviceName    = "insanity-bridge"
	serviceVersion = "1.0.0"
)

func main() {
	// Parse command line flags
	address := flag.String("address", "0.0.0.0", "Address to listen on")
	port := flag.Int("port", 8420, "HTTP port to listen on")
	entryTTL := flag.Duration("entry-ttl", 2*time.Minute, "How long room entries live without a refresh")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "Log format (text, json)")
	flag.Parse()

	// Optional .env file for local development overrides
	_ = godotenv.Load()

	logger := initLogger(*logLevel, *logFormat)
	logger.Info("Bridge starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("address", fmt.Sprintf("%s:%d", *address, *port)),
		slog.Duration("entry_ttl", *entryTTL),
	)

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	server := bridge.NewServer(bridge.ServerConfig{
		Address:  *address,
		Port:     *port,
		EntryTTL: *entryTTL,
	}, logger, appMetrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start(ctx)
	}()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case err := <-errChan:
		if err != nil {
			logger.Error("Bridge server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	logger.Info("Starting graceful shutdown...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping bridge server", slog.String("error", err.Error()))
	}

	logger.Info("Bridge stopped")
}

// initLogger creates the structured logger from the command line flags.
func initLogger(levelName, format string) *slog.Logger {
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
