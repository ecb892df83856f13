package bridge

import (
	"sync"
	"time"

	"github.com/nicolaschan/insanity/internal/rendezvous"
)

// Registry is the bridge's in-memory room state: per room, the latest
// announcement from each peer key. Entries expire after the TTL so
// departed peers stop being offered as candidates.
type Registry struct {
	ttl   time.Duration
	rooms map[string]map[string]rendezvous.PeerEntry // room -> peer key -> entry

	mu sync.RWMutex
}

// RegistryStats summarizes registry contents for the status endpoint.
type RegistryStats struct {
	Rooms int `json:"rooms"`
	Peers int `json:"peers"`
}

// NewRegistry creates a registry with the given entry TTL.
func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		ttl:   ttl,
		rooms: make(map[string]map[string]rendezvous.PeerEntry),
	}
}

// Announce records or refreshes a peer's entry in a room.
func (r *Registry) Announce(room string, entry rendezvous.PeerEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers, ok := r.rooms[room]
	if !ok {
		peers = make(map[string]rendezvous.PeerEntry)
		r.rooms[room] = peers
	}
	entry.ObservedAt = time.Now()
	peers[entry.PeerKey] = entry
}

// Peers returns a room's unexpired entries.
func (r *Registry) Peers(room string) []rendezvous.PeerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := time.Now().Add(-r.ttl)
	peers := r.rooms[room]
	out := make([]rendezvous.PeerEntry, 0, len(peers))
	for _, entry := range peers {
		if entry.ObservedAt.After(cutoff) {
			out = append(out, entry)
		}
	}
	return out
}

// Cleanup removes expired entries and empty rooms. Called periodically
// by the server's maintenance loop.
func (r *Registry) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.ttl)
	removed := 0
	for room, peers := range r.rooms {
		for key, entry := range peers {
			if !entry.ObservedAt.After(cutoff) {
				delete(peers, key)
				removed++
			}
		}
		if len(peers) == 0 {
			delete(r.rooms, room)
		}
	}
	return removed
}

// Stats returns current registry counts.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := 0
	for _, room := range r.rooms {
		peers += len(room)
	}
	return RegistryStats{
		Rooms: len(r.rooms),
		Peers: peers,
	}
}
