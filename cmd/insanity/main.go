package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicolaschan/insanity/internal/config"
	"github.com/nicolaschan/insanity/internal/identity"
	"github.com/nicolaschan/insanity/internal/metrics"
	"github.com/nicolaschan/insanity/internal/rendezvous"
	"github.com/nicolaschan/insanity/internal/session"
	"github.com/nicolaschan/insanity/internal/transport"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "insanity"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Optional .env file for local development overrides
	_ = godotenv.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Engine starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary
	logger.Info("Configuration loaded",
		slog.String("bridge_url", cfg.Rendezvous.BridgeURL),
		slog.String("room", cfg.Rendezvous.Room),
		slog.String("bind_address", cfg.Transport.BindAddress),
		slog.Int("udp_port", cfg.Transport.UDPPort),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("frame_duration_ms", cfg.Audio.FrameDurationMs),
		slog.String("audio_encoding", cfg.Audio.Encoding),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Load or create the persistent identity
	id, err := identity.LoadOrCreate(identity.NewFileStore(cfg.Identity.KeyPath), cfg.Identity.DisplayName)
	if err != nil {
		logger.Error("Failed to load identity", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Identity ready",
		slog.String("fingerprint", id.Key.Fingerprint()),
		slog.String("display_name", id.DisplayName),
		slog.String("key_path", cfg.Identity.KeyPath),
	)

	// Initialize UDP endpoint
	endpoint, err := transport.NewEndpoint(cfg.Transport, id, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create transport endpoint", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize session manager. The ticker capture produces silence
	// until a real input device is bound to its sample callback; playback
	// is discarded until an output device is bound.
	capture := session.NewTickerCapture(cfg.Audio.SampleRate, cfg.Audio.FrameSamples(),
		cfg.Audio.GetFrameDuration(), nil)
	manager, err := session.NewManager(cfg, id, endpoint, capture, session.DiscardPlayback{}, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create session manager", slog.String("error", err.Error()))
		os.Exit(1)
	}

	manager.Start(ctx)
	logger.Info("Session manager started",
		slog.String("udp_address", endpoint.LocalAddr().String()),
	)

	// Initialize the bridge client
	client, err := rendezvous.NewClient(rendezvous.Config{
		BaseURL:         cfg.Rendezvous.BridgeURL,
		Room:            cfg.Rendezvous.Room,
		SelfKey:         id.Key,
		PublishInterval: cfg.Rendezvous.GetPublishInterval(),
		PollInterval:    cfg.Rendezvous.GetPollInterval(),
		CandidateTTL:    cfg.Rendezvous.GetCandidateTTL(),
	}, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create bridge client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	announcement := rendezvous.Announcement{
		PeerKey:     id.Key.Hex(),
		DisplayName: id.DisplayName,
		Addrs:       localAnnounceAddrs(endpoint.LocalAddr().Port()),
	}
	logger.Info("Announcing to room",
		slog.String("room", cfg.Rendezvous.Room),
		slog.Int("local_addrs", len(announcement.Addrs)),
	)

	candidates := make(chan []rendezvous.PeerCandidate, 1)
	go client.Run(ctx, announcement, candidates)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case found := <-candidates:
				manager.HandleCandidates(found)
			}
		}
	}()

	// Drain the event stream into the log. A frontend would consume
	// manager.Events() instead.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-manager.Events():
				logEvent(logger, event)
			}
		}
	}()

	// Initialize HTTP status server (if enabled)
	var httpServer *http.Server
	if cfg.HTTP.Enabled {
		httpServer = newStatusServer(cfg, manager, client)
		go func() {
			logger.Info("HTTP status server starting", slog.String("address", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("HTTP status server failed", slog.String("error", err.Error()))
			}
		}()
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Engine started successfully, waiting for signals...")

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")
	cancel()

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	manager.Stop()
	logger.Info("Engine stopped")
}

// logEvent surfaces session events at a level matching their severity.
func logEvent(logger *slog.Logger, event session.Event) {
	switch event.Type {
	case session.EventTextReceived:
		logger.Info("text message received",
			slog.String("peer", event.Peer.String()),
			slog.String("display_name", event.DisplayName),
			slog.String("body", event.Text.Body),
		)
	case session.EventTextFailed:
		logger.Warn("text message delivery failed",
			slog.String("peer", event.Peer.String()),
			slog.String("id", event.Text.ID.String()),
		)
	case session.EventPeerLost:
		logger.Warn("peer lost",
			slog.String("peer", event.Peer.String()),
			slog.String("display_name", event.DisplayName),
		)
	default:
		logger.Info(event.Type.String(),
			slog.String("peer", event.Peer.String()),
			slog.String("display_name", event.DisplayName),
			slog.String("state", event.State),
		)
	}
}

// localAnnounceAddrs enumerates this host's unicast addresses paired
// with the transport's UDP port. The bridge adds the server-reflexive
// address on top of these.
func localAnnounceAddrs(port uint16) []string {
	addrs := []string{}
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return addrs
	}
	for _, a := range ifaceAddrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		addrs = append(addrs, net.JoinHostPort(ipNet.IP.String(), strconv.Itoa(int(port))))
	}
	return addrs
}

// newStatusServer builds the local status/metrics listener.
func newStatusServer(cfg *config.Config, manager *session.Manager,
	client *rendezvous.Client) *http.Server {

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	}).Methods(http.MethodGet)
	router.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"session":    manager.Stats(),
			"rendezvous": client.Stats(),
		})
	}).Methods(http.MethodGet)

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
