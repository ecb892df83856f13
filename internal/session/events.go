package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/nicolaschan/insanity/internal/identity"
)

// EventType tags manager events.
type EventType int

// Manager event types.
const (
	// EventPeerConnected fires when a peer session reaches Connected
	// for the first time in its lifecycle.
	EventPeerConnected EventType = iota

	// EventPeerStateChanged fires on every other transport transition.
	EventPeerStateChanged

	// EventPeerLost fires when a peer session closes after exhausting
	// its retry budget.
	EventPeerLost

	// EventTextReceived carries an inbound chat message.
	EventTextReceived

	// EventTextDelivered fires when a sent message is acked.
	EventTextDelivered

	// EventTextFailed fires when a sent message got no ack after the
	// retry.
	EventTextFailed
)

// String returns a human-readable event type name.
func (t EventType) String() string {
	switch t {
	case EventPeerConnected:
		return "PeerConnected"
	case EventPeerStateChanged:
		return "PeerStateChanged"
	case EventPeerLost:
		return "PeerLost"
	case EventTextReceived:
		return "TextReceived"
	case EventTextDelivered:
		return "TextDelivered"
	case EventTextFailed:
		return "TextFailed"
	default:
		return "Unknown"
	}
}

// Event is one item on the manager's event stream. Fields beyond Type
// and Peer are populated per type: State for state changes, Text for
// the text events.
type Event struct {
	Type        EventType
	Peer        identity.PublicKey
	DisplayName string
	State       string
	Text        *TextMessage
	At          time.Time
}

// TextMessage is a chat message as surfaced to the UI layer.
type TextMessage struct {
	ID   uuid.UUID
	Peer identity.PublicKey
	Body string
}
