package bridge

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nicolaschan/insanity/internal/identity"
	"github.com/nicolaschan/insanity/internal/metrics"
	"github.com/nicolaschan/insanity/internal/rendezvous"
)

func testServer(t *testing.T, ttl time.Duration) *Server {
	t.Helper()
	return NewServer(ServerConfig{
		Address:  "127.0.0.1",
		Port:     0,
		EntryTTL: ttl,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), metrics.NewMetrics(prometheus.NewRegistry()))
}

func announce(t *testing.T, handler http.Handler, room string, ann rendezvous.Announcement, remoteAddr string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(ann)
	req := httptest.NewRequest(http.MethodPost, "/rooms/"+room+"/announce", bytes.NewReader(body))
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func listPeers(t *testing.T, handler http.Handler, room string) []rendezvous.PeerEntry {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/rooms/"+room+"/peers", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("peer listing returned HTTP %d", rec.Code)
	}
	var entries []rendezvous.PeerEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("failed to parse peer listing: %v", err)
	}
	return entries
}

func TestAnnounceAndList(t *testing.T) {
	server := testServer(t, time.Minute)
	alice, _ := identity.Generate("alice")

	rec := announce(t, server.Handler(), "garden", rendezvous.Announcement{
		PeerKey:     alice.Key.Hex(),
		DisplayName: "alice",
		Addrs:       []string{"10.0.0.5:41000"},
	}, "203.0.113.9:55555")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("announce returned HTTP %d: %s", rec.Code, rec.Body.String())
	}

	entries := listPeers(t, server.Handler(), "garden")
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].PeerKey != alice.Key.Hex() {
		t.Errorf("wrong peer key: %s", entries[0].PeerKey)
	}
	if entries[0].ObservedAt.IsZero() {
		t.Error("entry missing observed timestamp")
	}
}

func TestAnnounceAddsObservedAddress(t *testing.T) {
	server := testServer(t, time.Minute)
	alice, _ := identity.Generate("alice")

	announce(t, server.Handler(), "garden", rendezvous.Announcement{
		PeerKey: alice.Key.Hex(),
		Addrs:   []string{"10.0.0.5:41000"},
	}, "203.0.113.9:55555")

	entries := listPeers(t, server.Handler(), "garden")
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	// The observed public IP paired with the announced UDP port must
	// appear alongside the private candidate.
	want := map[string]bool{
		"10.0.0.5:41000":     false,
		"203.0.113.9:41000":  false,
	}
	for _, a := range entries[0].Addrs {
		if _, ok := want[a]; ok {
			want[a] = true
		}
	}
	for addr, seen := range want {
		if !seen {
			t.Errorf("expected candidate %s in %v", addr, entries[0].Addrs)
		}
	}
}

func TestAnnounceRejectsBadRequests(t *testing.T) {
	server := testServer(t, time.Minute)
	alice, _ := identity.Generate("alice")

	tests := []struct {
		name string
		ann  rendezvous.Announcement
	}{
		{"bad key", rendezvous.Announcement{PeerKey: "nope", Addrs: []string{"10.0.0.5:41000"}}},
		{"no usable addrs from loopback", rendezvous.Announcement{PeerKey: alice.Key.Hex(), Addrs: []string{"junk"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := announce(t, server.Handler(), "garden", tt.ann, "127.0.0.1:55555")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected HTTP 400, got %d", rec.Code)
			}
		})
	}
}

func TestReannounceReplacesEntry(t *testing.T) {
	server := testServer(t, time.Minute)
	alice, _ := identity.Generate("alice")

	announce(t, server.Handler(), "garden", rendezvous.Announcement{
		PeerKey: alice.Key.Hex(),
		Addrs:   []string{"10.0.0.5:41000"},
	}, "203.0.113.9:55555")
	announce(t, server.Handler(), "garden", rendezvous.Announcement{
		PeerKey: alice.Key.Hex(),
		Addrs:   []string{"10.0.0.5:42000"},
	}, "203.0.113.9:55555")

	entries := listPeers(t, server.Handler(), "garden")
	if len(entries) != 1 {
		t.Fatalf("re-announce should replace, not add: got %d entries", len(entries))
	}
	for _, a := range entries[0].Addrs {
		if a == "10.0.0.5:41000" {
			t.Error("stale candidate survived re-announce")
		}
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	server := testServer(t, time.Minute)
	alice, _ := identity.Generate("alice")

	announce(t, server.Handler(), "garden", rendezvous.Announcement{
		PeerKey: alice.Key.Hex(),
		Addrs:   []string{"10.0.0.5:41000"},
	}, "203.0.113.9:55555")

	if entries := listPeers(t, server.Handler(), "attic"); len(entries) != 0 {
		t.Errorf("expected empty room, got %d entries", len(entries))
	}
}

func TestRegistryExpiry(t *testing.T) {
	registry := NewRegistry(10 * time.Millisecond)
	registry.Announce("garden", rendezvous.PeerEntry{
		PeerKey: "abc",
		Addrs:   []string{"10.0.0.5:41000"},
	})

	if len(registry.Peers("garden")) != 1 {
		t.Fatal("expected entry before expiry")
	}

	time.Sleep(20 * time.Millisecond)
	if len(registry.Peers("garden")) != 0 {
		t.Error("expected entry to expire")
	}

	if removed := registry.Cleanup(); removed != 1 {
		t.Errorf("expected cleanup to remove 1 entry, got %d", removed)
	}
	if registry.Stats().Rooms != 0 {
		t.Error("expected empty room to be removed")
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := testServer(t, time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("health returned HTTP %d", rec.Code)
	}
	var health map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("failed to parse health response: %v", err)
	}
	if health["status"] != "healthy" {
		t.Errorf("unexpected health status: %v", health["status"])
	}
}
