package transport

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/nicolaschan/insanity/internal/identity"
	"github.com/nicolaschan/insanity/internal/protocol"
)

// ErrHandshakeFailed is returned when a peer could not be authenticated
// within the configured attempts.
var ErrHandshakeFailed = errors.New("transport: handshake failed")

// BuildHandshake constructs a signed handshake payload offering the
// given ephemeral key. Acknowledge marks the payload as a reply so both
// sides know when the exchange is complete.
func BuildHandshake(id *identity.Identity, sessionID protocol.SessionID, ephemeralPub [32]byte, acknowledge bool) *protocol.HandshakePayload {
	payload := &protocol.HandshakePayload{
		SenderKey:    id.Key[:],
		EphemeralKey: ephemeralPub[:],
		Acknowledge:  acknowledge,
		SentMillis:   time.Now().UnixMilli(),
	}

	material := protocol.HandshakeSigningMaterial(sessionID,
		payload.SenderKey, payload.EphemeralKey, payload.SentMillis)
	payload.Signature = id.Sign(material)
	return payload
}

// VerifyHandshake authenticates a handshake payload against the peer
// identity we expect on this session and returns the peer's ephemeral
// key. The sender key inside the payload must match the expected peer
// exactly; the bridge only suggested the address, the signature proves
// who is behind it.
func VerifyHandshake(h *protocol.HandshakePayload, sessionID protocol.SessionID, expectedPeer identity.PublicKey) ([32]byte, error) {
	var ephemeral [32]byte

	if subtle.ConstantTimeCompare(h.SenderKey, expectedPeer[:]) != 1 {
		return ephemeral, fmt.Errorf("%w: sender key does not match expected peer %s",
			ErrHandshakeFailed, expectedPeer)
	}

	material := protocol.HandshakeSigningMaterial(sessionID,
		h.SenderKey, h.EphemeralKey, h.SentMillis)
	if !identity.Verify(expectedPeer, material, h.Signature) {
		return ephemeral, fmt.Errorf("%w: invalid signature from %s",
			ErrHandshakeFailed, expectedPeer)
	}

	copy(ephemeral[:], h.EphemeralKey)
	return ephemeral, nil
}
