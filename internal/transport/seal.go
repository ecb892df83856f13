package transport

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/nicolaschan/insanity/internal/identity"
	"github.com/nicolaschan/insanity/internal/protocol"
)

// Errors surfaced by the sealing layer. Both are expected during normal
// operation on a hostile network and are counted, never fatal.
var (
	ErrAuthFailed = errors.New("transport: packet failed authenticated decryption")
	ErrReplay     = errors.New("transport: packet sequence already seen")
)

// replayWindowSize is how far behind the highest accepted sequence a
// packet may arrive and still be accepted once.
const replayWindowSize = 64

// keyInfo is the HKDF info string binding derived keys to this use.
const keyInfo = "insanity transport keys v1"

// sessionIDKey is the BLAKE3 keyed-hash domain for session ids, the
// ASCII domain name zero-padded to 32 bytes.
var sessionIDKey = [32]byte{
	'i', 'n', 's', 'a', 'n', 'i', 't', 'y', '.', 's', 'e', 's', 's', 'i', 'o', 'n',
	'.', 'i', 'd', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// DeriveSessionID computes the session id for a peer pairing. Both
// sides hash the two identity keys in sorted order, so the id is known
// before any packet is exchanged and never negotiated.
func DeriveSessionID(a, b identity.PublicKey) protocol.SessionID {
	lo, hi := a, b
	if bytes.Compare(lo[:], hi[:]) > 0 {
		lo, hi = hi, lo
	}

	hasher, err := blake3.NewKeyed(sessionIDKey[:])
	if err != nil {
		panic("transport: session id hasher: " + err.Error())
	}
	hasher.Write(lo[:])
	hasher.Write(hi[:])
	sum := hasher.Sum(nil)

	var id protocol.SessionID
	copy(id[:], sum[:protocol.SessionIDSize])
	return id
}

// GenerateEphemeral creates a fresh X25519 keypair for one handshake.
func GenerateEphemeral() (priv, pub [32]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, pub, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	pub, err = publicFromPrivate(priv)
	if err != nil {
		return priv, pub, fmt.Errorf("failed to derive ephemeral public key: %w", err)
	}
	return priv, pub, nil
}

// publicFromPrivate derives the X25519 public key for a private key.
func publicFromPrivate(priv [32]byte) ([32]byte, error) {
	var pub [32]byte
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("failed to derive public key: %w", err)
	}
	copy(pub[:], pubSlice)
	return pub, nil
}

// DeriveKeys runs X25519 over the ephemeral keys and expands the shared
// secret into two directional ChaCha20-Poly1305 keys via HKDF-SHA256.
// Key order is fixed by sorting the identity keys, so both sides agree
// on which key is whose without negotiation. Send and receive keys
// differ, which makes reflected packets undecryptable.
func DeriveKeys(ephPriv [32]byte, peerEphPub [32]byte, local, peer identity.PublicKey) (send, recv [32]byte, err error) {
	shared, err := curve25519.X25519(ephPriv[:], peerEphPub[:])
	if err != nil {
		return send, recv, fmt.Errorf("key agreement failed: %w", err)
	}

	lo, hi := local, peer
	localIsLo := true
	if bytes.Compare(lo[:], hi[:]) > 0 {
		lo, hi = hi, lo
		localIsLo = false
	}

	salt := make([]byte, 0, 64)
	salt = append(salt, lo[:]...)
	salt = append(salt, hi[:]...)

	reader := hkdf.New(sha256.New, shared, salt, []byte(keyInfo))
	var loToHi, hiToLo [32]byte
	if _, err := io.ReadFull(reader, loToHi[:]); err != nil {
		return send, recv, fmt.Errorf("key derivation failed: %w", err)
	}
	if _, err := io.ReadFull(reader, hiToLo[:]); err != nil {
		return send, recv, fmt.Errorf("key derivation failed: %w", err)
	}

	if localIsLo {
		return loToHi, hiToLo, nil
	}
	return hiToLo, loToHi, nil
}

// Sealer encrypts outbound PacketData bodies. The envelope header is
// the AEAD associated data and the sequence number is the nonce, so a
// sealed packet is bound to exactly one header.
type Sealer struct {
	aead cipherAEAD
}

// Opener decrypts inbound PacketData bodies and enforces the replay
// window. Replay state only advances on successful decryption, so
// forged sequence numbers cannot poison it.
type Opener struct {
	aead cipherAEAD

	mu      sync.Mutex
	highest uint64
	seenAny bool
	window  uint64 // Bitmask over the replayWindowSize sequences below highest
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// NewSealer creates a sealer from a directional key.
func NewSealer(key [32]byte) (*Sealer, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// NewOpener creates an opener from a directional key.
func NewOpener(key [32]byte) (*Opener, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Opener{aead: aead}, nil
}

// nonceFor builds the 12-byte nonce from the packet sequence. Sequence
// uniqueness per key is guaranteed by the session's monotonic counter.
func nonceFor(sequence uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], sequence)
	return nonce
}

// Seal encrypts a data body under the given header.
func (s *Sealer) Seal(header *protocol.Header, body []byte) []byte {
	headerBytes := protocol.EncodeHeader(header)
	return s.aead.Seal(nil, nonceFor(header.Sequence), body, headerBytes)
}

// Open decrypts a data body and checks the sequence against the replay
// window. Packets older than the window or already seen return
// ErrReplay; packets that fail authentication return ErrAuthFailed.
func (o *Opener) Open(header *protocol.Header, ciphertext []byte) ([]byte, error) {
	headerBytes := protocol.EncodeHeader(header)
	plaintext, err := o.aead.Open(nil, nonceFor(header.Sequence), ciphertext, headerBytes)
	if err != nil {
		return nil, ErrAuthFailed
	}

	if err := o.admit(header.Sequence); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// admit updates the replay window for an authenticated sequence.
func (o *Opener) admit(seq uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.seenAny {
		o.seenAny = true
		o.highest = seq
		return nil
	}

	switch {
	case seq > o.highest:
		shift := seq - o.highest
		if shift >= replayWindowSize {
			o.window = 0
		} else {
			o.window = (o.window << shift) | (1 << (shift - 1))
		}
		o.highest = seq
		return nil

	case seq == o.highest:
		return ErrReplay

	default:
		behind := o.highest - seq
		if behind >= replayWindowSize {
			return ErrReplay
		}
		bit := uint64(1) << (behind - 1)
		if o.window&bit != 0 {
			return ErrReplay
		}
		o.window |= bit
		return nil
	}
}
