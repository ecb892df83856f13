package transport

import (
	"errors"
	"testing"

	"github.com/nicolaschan/insanity/internal/protocol"
)

func TestHandshakeVerifies(t *testing.T) {
	alice, bob := sessionPair(t)
	sessionID := DeriveSessionID(alice.Key, bob.Key)

	_, ephPub, err := GenerateEphemeral()
	if err != nil {
		t.Fatalf("ephemeral generation failed: %v", err)
	}

	payload := BuildHandshake(alice, sessionID, ephPub, false)

	// Round trip through the wire encoding, as the real path does.
	encoded, err := protocol.EncodeHandshake(payload)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	parsed, err := protocol.ParseHandshake(encoded)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	got, err := VerifyHandshake(parsed, sessionID, alice.Key)
	if err != nil {
		t.Fatalf("verification failed: %v", err)
	}
	if got != ephPub {
		t.Error("verified handshake returned wrong ephemeral key")
	}
}

func TestHandshakeRejectsWrongPeer(t *testing.T) {
	alice, bob := sessionPair(t)
	sessionID := DeriveSessionID(alice.Key, bob.Key)

	_, ephPub, _ := GenerateEphemeral()
	payload := BuildHandshake(alice, sessionID, ephPub, false)

	// Bob expects carol on this session; alice's handshake must fail.
	carol, _ := sessionPair(t)
	if _, err := VerifyHandshake(payload, sessionID, carol.Key); !errors.Is(err, ErrHandshakeFailed) {
		t.Errorf("expected ErrHandshakeFailed, got %v", err)
	}
}

func TestHandshakeRejectsWrongSession(t *testing.T) {
	alice, bob := sessionPair(t)
	sessionID := DeriveSessionID(alice.Key, bob.Key)

	_, ephPub, _ := GenerateEphemeral()
	payload := BuildHandshake(alice, sessionID, ephPub, false)

	// A payload captured on one session cannot be replayed on another:
	// the signature covers the session id.
	carol, _ := sessionPair(t)
	otherSession := DeriveSessionID(alice.Key, carol.Key)
	if _, err := VerifyHandshake(payload, otherSession, alice.Key); !errors.Is(err, ErrHandshakeFailed) {
		t.Errorf("expected ErrHandshakeFailed for cross-session replay, got %v", err)
	}
}

func TestHandshakeRejectsTamperedEphemeral(t *testing.T) {
	alice, bob := sessionPair(t)
	sessionID := DeriveSessionID(alice.Key, bob.Key)

	_, ephPub, _ := GenerateEphemeral()
	payload := BuildHandshake(alice, sessionID, ephPub, false)
	payload.EphemeralKey[0] ^= 0x01

	if _, err := VerifyHandshake(payload, sessionID, alice.Key); !errors.Is(err, ErrHandshakeFailed) {
		t.Errorf("expected ErrHandshakeFailed for swapped ephemeral, got %v", err)
	}
}
