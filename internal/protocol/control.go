package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding: sorted map keys, smallest integer encoding, no
// indefinite-length items. Handshake payloads must encode identically
// on both sides because the signature covers the encoded bytes.
var encMode cbor.EncMode

// decMode rejects duplicate map keys but otherwise accepts standard
// CBOR; unknown fields are ignored for forward compatibility.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// handshakeContext is the domain separation prefix mixed into the
// bytes covered by a handshake signature.
const handshakeContext = "insanity handshake v1"

// HandshakePayload is the signed key-exchange payload. It travels in
// plaintext (there is no session key yet) and is the only place where
// the binding between a network address and a peer identity is
// established: the signature covers the ephemeral key, the session id
// and the sender identity, and is verified against the peer key
// learned out-of-band from the room's candidate list.
type HandshakePayload struct {
	SenderKey    []byte `cbor:"1,keyasint"`
	EphemeralKey []byte `cbor:"2,keyasint"`
	Acknowledge  bool   `cbor:"3,keyasint"`
	SentMillis   int64  `cbor:"4,keyasint"`
	Signature    []byte `cbor:"5,keyasint"`
}

// EncodeHandshake serializes a handshake payload to deterministic CBOR.
func EncodeHandshake(h *HandshakePayload) ([]byte, error) {
	data, err := encMode.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode handshake payload: %w", err)
	}
	return data, nil
}

// ParseHandshake parses a handshake payload.
func ParseHandshake(data []byte) (*HandshakePayload, error) {
	var h HandshakePayload
	if err := decMode.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to parse handshake payload: %w", err)
	}

	if len(h.SenderKey) != 32 {
		return nil, fmt.Errorf("handshake sender key must be 32 bytes, got %d", len(h.SenderKey))
	}
	if len(h.EphemeralKey) != 32 {
		return nil, fmt.Errorf("handshake ephemeral key must be 32 bytes, got %d", len(h.EphemeralKey))
	}
	if len(h.Signature) == 0 {
		return nil, fmt.Errorf("handshake payload is unsigned")
	}

	return &h, nil
}

// HandshakeSigningMaterial builds the bytes an identity key signs for a
// handshake. Both sides reconstruct this independently, so it contains
// no encoding ambiguity: fixed-size fields concatenated behind a
// context string.
func HandshakeSigningMaterial(sessionID SessionID, senderKey, ephemeralKey []byte, sentMillis int64) []byte {
	buf := make([]byte, 0, len(handshakeContext)+SessionIDSize+32+32+8)
	buf = append(buf, handshakeContext...)
	buf = append(buf, sessionID[:]...)
	buf = append(buf, senderKey...)
	buf = append(buf, ephemeralKey...)
	for shift := 56; shift >= 0; shift -= 8 {
		buf = append(buf, byte(sentMillis>>shift))
	}
	return buf
}

// TextPayload is a chat message inside the encrypted channel. Text
// keeps its own sequence space and its own reliability (one ack, one
// retry) because, unlike audio, a lost message is worth a second send.
type TextPayload struct {
	ID   []byte `cbor:"1,keyasint"`
	Seq  uint64 `cbor:"2,keyasint"`
	Body string `cbor:"3,keyasint"`
}

// EncodeText serializes a text payload.
func EncodeText(t *TextPayload) ([]byte, error) {
	data, err := encMode.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to encode text payload: %w", err)
	}
	return data, nil
}

// ParseText parses a text payload.
func ParseText(data []byte) (*TextPayload, error) {
	var t TextPayload
	if err := decMode.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse text payload: %w", err)
	}
	if len(t.ID) != 16 {
		return nil, fmt.Errorf("text message id must be 16 bytes, got %d", len(t.ID))
	}
	return &t, nil
}

// TextAckPayload acknowledges receipt of a text message by id.
type TextAckPayload struct {
	ID []byte `cbor:"1,keyasint"`
}

// EncodeTextAck serializes a text ack payload.
func EncodeTextAck(a *TextAckPayload) ([]byte, error) {
	data, err := encMode.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode text ack payload: %w", err)
	}
	return data, nil
}

// ParseTextAck parses a text ack payload.
func ParseTextAck(data []byte) (*TextAckPayload, error) {
	var a TextAckPayload
	if err := decMode.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to parse text ack payload: %w", err)
	}
	if len(a.ID) != 16 {
		return nil, fmt.Errorf("text ack id must be 16 bytes, got %d", len(a.ID))
	}
	return &a, nil
}
