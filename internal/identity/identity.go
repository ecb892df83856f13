package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// PublicKey is a 32-byte Ed25519 public key. It doubles as the peer
// identifier everywhere in the engine: sessions, candidate lists and
// events are all keyed by it.
type PublicKey [ed25519.PublicKeySize]byte

// fingerprintKey is the BLAKE3 keyed-hash domain for fingerprints.
// The bytes are the ASCII domain name zero-padded to 32 bytes so the
// key is readable in hex dumps.
var fingerprintKey = [32]byte{
	'i', 'n', 's', 'a', 'n', 'i', 't', 'y', '.', 'i', 'd', 'e', 'n', 't', 'i', 't', 'y',
	'.', 'f', 'p', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Errors surfaced by the identity layer. A corrupt key blob is the one
// failure the engine treats as fatal at startup.
var (
	ErrNotFound   = errors.New("identity: no stored identity")
	ErrCorruptKey = errors.New("identity: stored key material is corrupt")
)

// Identity is the long-lived signing identity of this installation.
// The private key never leaves this package except inside the opaque
// blob handed to a Store.
type Identity struct {
	Key         PublicKey
	DisplayName string

	private ed25519.PrivateKey
}

// Store persists the identity as an opaque byte blob. The engine does
// not care where the blob lives; callers supply a file store, a
// keychain wrapper, or anything else.
type Store interface {
	Load() ([]byte, error)
	Save([]byte) error
}

// identityBlob is the serialized form handed to a Store.
type identityBlob struct {
	Private     []byte `cbor:"1,keyasint"`
	DisplayName string `cbor:"2,keyasint"`
}

// Generate creates a fresh identity with a new Ed25519 keypair.
func Generate(displayName string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity keypair: %w", err)
	}

	id := &Identity{
		DisplayName: displayName,
		private:     priv,
	}
	copy(id.Key[:], pub)
	return id, nil
}

// LoadOrCreate loads the identity from the store, generating and
// persisting a fresh one if the store is empty. A present-but-corrupt
// blob is an error, never silently replaced: losing an identity means
// losing every pairing that trusts it.
func LoadOrCreate(store Store, displayName string) (*Identity, error) {
	blob, err := store.Load()
	if errors.Is(err, ErrNotFound) {
		id, err := Generate(displayName)
		if err != nil {
			return nil, err
		}
		if err := store.Save(id.marshal()); err != nil {
			return nil, fmt.Errorf("failed to persist new identity: %w", err)
		}
		return id, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	return unmarshal(blob)
}

// Sign signs payload with the identity's private key.
func (id *Identity) Sign(payload []byte) []byte {
	return ed25519.Sign(id.private, payload)
}

// Verify reports whether sig is a valid signature over payload by peer.
func Verify(peer PublicKey, payload, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(peer[:]), payload, sig)
}

// Zero wipes the private key material. The identity is unusable
// afterwards; used on explicit reset.
func (id *Identity) Zero() {
	for i := range id.private {
		id.private[i] = 0
	}
	id.private = nil
}

// Fingerprint returns a short stable hex fingerprint of the key,
// suitable for logs and display.
func (k PublicKey) Fingerprint() string {
	hasher, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		// NewKeyed only fails on a wrong key size, which is fixed here.
		panic("identity: fingerprint hasher: " + err.Error())
	}
	hasher.Write(k[:])
	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum[:10])
}

// String returns the fingerprint; full keys never appear in logs.
func (k PublicKey) String() string {
	return k.Fingerprint()
}

// FromBytes builds a PublicKey from a 32-byte slice.
func FromBytes(b []byte) (PublicKey, error) {
	var k PublicKey
	if len(b) != len(k) {
		return k, fmt.Errorf("identity key must be %d bytes, got %d", len(k), len(b))
	}
	copy(k[:], b)
	return k, nil
}

// FromHex parses a hex-encoded 32-byte public key.
func FromHex(s string) (PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("invalid identity key hex: %w", err)
	}
	return FromBytes(raw)
}

// Hex returns the full hex encoding of the key, used on the rendezvous
// wire where the complete key is required.
func (k PublicKey) Hex() string {
	return hex.EncodeToString(k[:])
}

func (id *Identity) marshal() []byte {
	blob, err := cbor.Marshal(&identityBlob{
		Private:     id.private,
		DisplayName: id.DisplayName,
	})
	if err != nil {
		// Marshalling a flat struct of bytes and a string cannot fail.
		panic("identity: marshal: " + err.Error())
	}
	return blob
}

func unmarshal(blob []byte) (*Identity, error) {
	var stored identityBlob
	if err := cbor.Unmarshal(blob, &stored); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptKey, err)
	}
	if len(stored.Private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key is %d bytes", ErrCorruptKey, len(stored.Private))
	}

	priv := ed25519.PrivateKey(stored.Private)
	id := &Identity{
		DisplayName: stored.DisplayName,
		private:     priv,
	}
	copy(id.Key[:], priv.Public().(ed25519.PublicKey))
	return id, nil
}
