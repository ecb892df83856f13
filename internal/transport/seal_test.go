package transport

import (
	"errors"
	"testing"

	"github.com/nicolaschan/insanity/internal/identity"
	"github.com/nicolaschan/insanity/internal/protocol"
)

func sessionPair(t *testing.T) (*identity.Identity, *identity.Identity) {
	t.Helper()
	alice, err := identity.Generate("alice")
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}
	bob, err := identity.Generate("bob")
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}
	return alice, bob
}

func TestDeriveSessionIDSymmetric(t *testing.T) {
	alice, bob := sessionPair(t)

	ab := DeriveSessionID(alice.Key, bob.Key)
	ba := DeriveSessionID(bob.Key, alice.Key)
	if ab != ba {
		t.Error("session id depends on argument order")
	}

	carol, _ := identity.Generate("carol")
	if DeriveSessionID(alice.Key, carol.Key) == ab {
		t.Error("different pairings produced identical session ids")
	}
}

func TestDeriveKeysAgree(t *testing.T) {
	alice, bob := sessionPair(t)

	alicePriv, alicePub, err := GenerateEphemeral()
	if err != nil {
		t.Fatalf("ephemeral generation failed: %v", err)
	}
	bobPriv, bobPub, err := GenerateEphemeral()
	if err != nil {
		t.Fatalf("ephemeral generation failed: %v", err)
	}

	aliceSend, aliceRecv, err := DeriveKeys(alicePriv, bobPub, alice.Key, bob.Key)
	if err != nil {
		t.Fatalf("alice key derivation failed: %v", err)
	}
	bobSend, bobRecv, err := DeriveKeys(bobPriv, alicePub, bob.Key, alice.Key)
	if err != nil {
		t.Fatalf("bob key derivation failed: %v", err)
	}

	if aliceSend != bobRecv {
		t.Error("alice's send key does not match bob's receive key")
	}
	if aliceRecv != bobSend {
		t.Error("alice's receive key does not match bob's send key")
	}
	if aliceSend == aliceRecv {
		t.Error("directional keys must differ")
	}
}

func sealedChannel(t *testing.T) (*Sealer, *Opener, protocol.SessionID) {
	t.Helper()
	alice, bob := sessionPair(t)

	alicePriv, alicePub, err := GenerateEphemeral()
	if err != nil {
		t.Fatalf("ephemeral generation failed: %v", err)
	}
	bobPriv, bobPub, err := GenerateEphemeral()
	if err != nil {
		t.Fatalf("ephemeral generation failed: %v", err)
	}

	aliceSend, _, err := DeriveKeys(alicePriv, bobPub, alice.Key, bob.Key)
	if err != nil {
		t.Fatalf("key derivation failed: %v", err)
	}
	_, bobRecv, err := DeriveKeys(bobPriv, alicePub, bob.Key, alice.Key)
	if err != nil {
		t.Fatalf("key derivation failed: %v", err)
	}
	if aliceSend != bobRecv {
		t.Fatal("directional keys disagree")
	}

	sealer, err := NewSealer(aliceSend)
	if err != nil {
		t.Fatalf("sealer creation failed: %v", err)
	}
	opener, err := NewOpener(bobRecv)
	if err != nil {
		t.Fatalf("opener creation failed: %v", err)
	}
	return sealer, opener, DeriveSessionID(alice.Key, bob.Key)
}

func dataHeader(sessionID protocol.SessionID, seq uint64) *protocol.Header {
	return &protocol.Header{
		Version:    protocol.Version,
		PacketType: protocol.PacketData,
		SessionID:  sessionID,
		Sequence:   seq,
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	sealer, opener, sessionID := sealedChannel(t)

	body := []byte("twenty milliseconds of opus")
	header := dataHeader(sessionID, 1)
	sealed := sealer.Seal(header, body)

	opened, err := opener.Open(header, sealed)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if string(opened) != string(body) {
		t.Errorf("round trip corrupted body: %q", opened)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	sealer, opener, sessionID := sealedChannel(t)

	header := dataHeader(sessionID, 1)
	sealed := sealer.Seal(header, []byte("payload"))
	sealed[0] ^= 0x01

	if _, err := opener.Open(header, sealed); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed, got %v", err)
	}
}

func TestOpenRejectsTamperedHeader(t *testing.T) {
	sealer, opener, sessionID := sealedChannel(t)

	header := dataHeader(sessionID, 1)
	sealed := sealer.Seal(header, []byte("payload"))

	// Same ciphertext presented under a different sequence must fail:
	// the header is associated data and the sequence is the nonce.
	forged := dataHeader(sessionID, 2)
	if _, err := opener.Open(forged, sealed); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed for forged sequence, got %v", err)
	}
}

func TestOpenRejectsReplay(t *testing.T) {
	sealer, opener, sessionID := sealedChannel(t)

	header := dataHeader(sessionID, 5)
	sealed := sealer.Seal(header, []byte("payload"))

	if _, err := opener.Open(header, sealed); err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	if _, err := opener.Open(header, sealed); !errors.Is(err, ErrReplay) {
		t.Errorf("expected ErrReplay on second open, got %v", err)
	}
}

func TestOpenAcceptsReorderingWithinWindow(t *testing.T) {
	sealer, opener, sessionID := sealedChannel(t)

	// Deliver 10 first, then the earlier sequences out of order.
	for _, seq := range []uint64{10, 3, 7, 1, 9} {
		header := dataHeader(sessionID, seq)
		sealed := sealer.Seal(header, []byte("payload"))
		if _, err := opener.Open(header, sealed); err != nil {
			t.Fatalf("seq %d rejected: %v", seq, err)
		}
	}

	// A second delivery of an out-of-order packet is still a replay.
	header := dataHeader(sessionID, 7)
	sealed := sealer.Seal(header, []byte("payload"))
	if _, err := opener.Open(header, sealed); !errors.Is(err, ErrReplay) {
		t.Errorf("expected ErrReplay for repeated seq 7, got %v", err)
	}
}

func TestOpenRejectsAncientSequence(t *testing.T) {
	sealer, opener, sessionID := sealedChannel(t)

	header := dataHeader(sessionID, 1000)
	if _, err := opener.Open(header, sealer.Seal(header, []byte("x"))); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	old := dataHeader(sessionID, 900)
	if _, err := opener.Open(old, sealer.Seal(old, []byte("x"))); !errors.Is(err, ErrReplay) {
		t.Errorf("expected ErrReplay for sequence far behind window, got %v", err)
	}
}
