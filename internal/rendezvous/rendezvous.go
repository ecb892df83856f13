package rendezvous

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/nicolaschan/insanity/internal/identity"
)

// Announcement is the JSON body a peer publishes to a bridge room. The
// bridge appends the request's observed source address, so peers behind
// NAT learn their server-reflexive candidate for free.
type Announcement struct {
	PeerKey     string   `json:"peer_key"` // Hex-encoded identity key
	DisplayName string   `json:"display_name,omitempty"`
	Addrs       []string `json:"addrs"` // host:port candidate addresses
}

// PeerEntry is the JSON form of one peer in a bridge room listing.
type PeerEntry struct {
	PeerKey     string    `json:"peer_key"`
	DisplayName string    `json:"display_name,omitempty"`
	Addrs       []string  `json:"addrs"`
	ObservedAt  time.Time `json:"observed_at"`
}

// PeerCandidate is a decoded room entry: a peer identity plus the
// addresses worth probing for it.
type PeerCandidate struct {
	Key         identity.PublicKey
	DisplayName string
	Addrs       []netip.AddrPort
	ObservedAt  time.Time
}

// DecodeEntry converts a wire entry into a candidate, dropping
// unparseable addresses rather than failing the whole entry. An entry
// whose key is malformed or whose addresses are all bad is rejected.
func DecodeEntry(entry PeerEntry) (PeerCandidate, error) {
	key, err := identity.FromHex(entry.PeerKey)
	if err != nil {
		return PeerCandidate{}, fmt.Errorf("invalid peer key in room entry: %w", err)
	}

	addrs := make([]netip.AddrPort, 0, len(entry.Addrs))
	for _, raw := range entry.Addrs {
		addr, err := netip.ParseAddrPort(raw)
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return PeerCandidate{}, fmt.Errorf("room entry for %s has no usable addresses", key)
	}

	return PeerCandidate{
		Key:         key,
		DisplayName: entry.DisplayName,
		Addrs:       addrs,
		ObservedAt:  entry.ObservedAt,
	}, nil
}
