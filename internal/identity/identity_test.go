package identity

import (
	"path/filepath"
	"testing"
)

func TestGenerateSignVerify(t *testing.T) {
	id, err := Generate("alice")
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}

	payload := []byte("handshake material")
	sig := id.Sign(payload)

	if !Verify(id.Key, payload, sig) {
		t.Error("valid signature failed verification")
	}

	if Verify(id.Key, []byte("tampered"), sig) {
		t.Error("tampered payload passed verification")
	}

	other, err := Generate("mallory")
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}
	if Verify(other.Key, payload, sig) {
		t.Error("signature verified against wrong key")
	}

	if Verify(id.Key, payload, sig[:10]) {
		t.Error("truncated signature passed verification")
	}
}

func TestLoadOrCreatePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity")
	store := NewFileStore(path)

	first, err := LoadOrCreate(store, "alice")
	if err != nil {
		t.Fatalf("failed to create identity: %v", err)
	}

	second, err := LoadOrCreate(store, "ignored on reload")
	if err != nil {
		t.Fatalf("failed to reload identity: %v", err)
	}

	if first.Key != second.Key {
		t.Errorf("reloaded key mismatch: %s vs %s", first.Key, second.Key)
	}
	if second.DisplayName != "alice" {
		t.Errorf("expected display name %q, got %q", "alice", second.DisplayName)
	}

	// The reloaded private key must still produce valid signatures.
	payload := []byte("still me")
	if !Verify(first.Key, payload, second.Sign(payload)) {
		t.Error("reloaded identity produced invalid signature")
	}
}

func TestLoadOrCreateCorruptBlob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")
	store := NewFileStore(path)
	if err := store.Save([]byte("not a key blob")); err != nil {
		t.Fatalf("failed to seed corrupt blob: %v", err)
	}

	if _, err := LoadOrCreate(store, "alice"); err == nil {
		t.Error("expected error for corrupt identity blob")
	}
}

func TestFingerprintStable(t *testing.T) {
	id, err := Generate("alice")
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}

	fp := id.Key.Fingerprint()
	if fp != id.Key.Fingerprint() {
		t.Error("fingerprint is not stable")
	}
	if len(fp) != 20 {
		t.Errorf("expected 20 hex chars, got %d", len(fp))
	}

	other, _ := Generate("bob")
	if other.Key.Fingerprint() == fp {
		t.Error("different keys produced identical fingerprints")
	}
}

func TestKeyHexRoundTrip(t *testing.T) {
	id, err := Generate("alice")
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}

	parsed, err := FromHex(id.Key.Hex())
	if err != nil {
		t.Fatalf("failed to parse key hex: %v", err)
	}
	if parsed != id.Key {
		t.Error("hex round trip changed the key")
	}

	if _, err := FromHex("zz"); err == nil {
		t.Error("expected error for invalid hex")
	}
	if _, err := FromHex("abcd"); err == nil {
		t.Error("expected error for short key")
	}
}
