package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicolaschan/insanity/internal/identity"
	"github.com/nicolaschan/insanity/internal/metrics"
	"github.com/nicolaschan/insanity/internal/rendezvous"
)

// maxAnnounceBody bounds announcement request bodies. An announcement
// is a key plus a handful of addresses; anything bigger is abuse.
const maxAnnounceBody = 4096

// maxCandidateAddrs bounds the addresses kept per announcement.
const maxCandidateAddrs = 8

// Server is the rendezvous bridge: a small HTTP service that lets
// peers in the same room exchange candidate addresses. It stores no
// message content and cannot impersonate anyone; peers verify each
// other's keys during the transport handshake.
type Server struct {
	server   *http.Server
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	startTime time.Time
	wg        sync.WaitGroup
}

// ServerConfig contains bridge server configuration.
type ServerConfig struct {
	Address  string
	Port     int
	EntryTTL time.Duration
}

// NewServer creates a bridge server.
func NewServer(cfg ServerConfig, logger *slog.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		registry:  NewRegistry(cfg.EntryTTL),
		logger:    logger.With("component", "bridge"),
		metrics:   m,
		startTime: time.Now(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/rooms/{room}/announce", s.withMetrics("/rooms/{room}/announce", s.handleAnnounce)).Methods(http.MethodPost)
	router.HandleFunc("/rooms/{room}/peers", s.withMetrics("/rooms/{room}/peers", s.handlePeers)).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.withMetrics("/healthz", s.handleHealth)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins serving and runs the registry maintenance loop until
// the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.wg.Add(1)
	go s.cleanupLoop(ctx)

	s.logger.Info("bridge server starting", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("bridge server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	s.wg.Wait()
	return err
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.registry.Cleanup(); removed > 0 {
				s.logger.Debug("expired room entries removed", "count", removed)
			}
		}
	}
}

// handleAnnounce records a peer's candidates in the room. The caller's
// observed source address is appended to its candidate list so NATed
// peers publish a usable server-reflexive address without knowing it.
func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]

	var announcement rendezvous.Announcement
	body := http.MaxBytesReader(w, r.Body, maxAnnounceBody)
	if err := json.NewDecoder(body).Decode(&announcement); err != nil {
		http.Error(w, "invalid announcement body", http.StatusBadRequest)
		return
	}

	if _, err := identity.FromHex(announcement.PeerKey); err != nil {
		http.Error(w, "invalid peer key", http.StatusBadRequest)
		return
	}

	addrs := validAddrs(announcement.Addrs)
	// Pair the caller's observed source IP with its announced UDP
	// ports. The HTTP connection's own port is useless for punching,
	// but the observed IP is the NATed peer's public address.
	if ip := observedIP(r); ip != "" {
		for _, port := range announcedPorts(addrs) {
			addrs = appendUnique(addrs, net.JoinHostPort(ip, port))
		}
	}
	if len(addrs) == 0 {
		http.Error(w, "announcement has no usable addresses", http.StatusBadRequest)
		return
	}
	if len(addrs) > maxCandidateAddrs {
		addrs = addrs[:maxCandidateAddrs]
	}

	s.registry.Announce(room, rendezvous.PeerEntry{
		PeerKey:     announcement.PeerKey,
		DisplayName: announcement.DisplayName,
		Addrs:       addrs,
	})

	s.logger.Debug("peer announced",
		"room", room,
		"addrs", len(addrs))
	w.WriteHeader(http.StatusNoContent)
}

// handlePeers lists the room's unexpired entries.
func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	peers := s.registry.Peers(room)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(peers); err != nil {
		s.logger.Error("failed to encode peer listing", "error", err)
	}
}

// handleHealth returns liveness plus registry counts.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"rooms":          stats.Rooms,
		"peers":          stats.Peers,
	})
}

// withMetrics wraps a handler with request metrics collection.
func (s *Server) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		s.metrics.RecordHTTPRequest(r.Method, endpoint,
			strconv.Itoa(ww.statusCode), time.Since(startTime).Seconds())
	}
}

// responseWriter captures the status code for metrics.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// validAddrs keeps only parseable host:port strings.
func validAddrs(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, a := range raw {
		if _, err := netip.ParseAddrPort(a); err == nil {
			out = append(out, a)
		}
	}
	return out
}

// observedIP returns the request's source IP, or empty if it cannot be
// determined or is loopback. A loopback source is the bridge's own
// host; publishing it would point peers at themselves.
func observedIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return ""
	}
	addr, err := netip.ParseAddr(host)
	if err != nil || addr.IsLoopback() {
		return ""
	}
	return host
}

// announcedPorts returns the distinct ports among announced addresses.
func announcedPorts(addrs []string) []string {
	seen := make(map[string]bool)
	ports := make([]string, 0, 2)
	for _, a := range addrs {
		_, port, err := net.SplitHostPort(a)
		if err != nil || seen[port] {
			continue
		}
		seen[port] = true
		ports = append(ports, port)
	}
	return ports
}

func appendUnique(addrs []string, addr string) []string {
	for _, a := range addrs {
		if a == addr {
			return addrs
		}
	}
	return append(addrs, addr)
}
