package protocol

import (
	"encoding/binary"
	"fmt"
)

// Protocol constants
const (
	// Version is the wire protocol version carried in every datagram.
	Version = 1

	// Envelope packet types
	PacketProbe     = 0x01 // plaintext hole-punch probe
	PacketProbeEcho = 0x02 // plaintext probe echo
	PacketHandshake = 0x03 // plaintext signed key-exchange payload
	PacketData      = 0x10 // AEAD-sealed payload

	// Payload types carried inside a decrypted PacketData body
	PayloadHeartbeat = 0x01
	PayloadAudio     = 0x02
	PayloadText      = 0x03
	PayloadTextAck   = 0x04

	// Envelope structure sizes
	HeaderSize    = 26 // 1 + 1 + 16 + 8 bytes
	SessionIDSize = 16
	ProbeSize     = 9  // 1 + 8 bytes
	HeartbeatSize = 16 // 8 + 8 bytes

	// AudioPayloadHeaderSize is the fixed prefix of an audio payload
	// before the encoded sample data begins.
	AudioPayloadHeaderSize = 19 // 8 + 8 + 2 + 1 bytes
)

// SessionID identifies one peer pairing. Both sides derive the same
// value from the two identity keys, so it is never negotiated.
type SessionID [SessionIDSize]byte

// Header is the 26-byte datagram envelope header.
// Layout: [Version:1][PacketType:1][SessionID:16][Sequence:8]
//
// For PacketData the entire header is the associated data of the AEAD,
// so a datagram cannot be replayed under a different session or
// sequence number without failing authentication.
type Header struct {
	Version    uint8
	PacketType uint8
	SessionID  SessionID
	Sequence   uint64
}

// EncodeHeader serializes the datagram header.
func EncodeHeader(h *Header) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Version
	buf[1] = h.PacketType
	copy(buf[2:18], h.SessionID[:])
	binary.BigEndian.PutUint64(buf[18:26], h.Sequence)
	return buf
}

// ParseHeader parses and validates the datagram header.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	header := &Header{
		Version:    data[0],
		PacketType: data[1],
		Sequence:   binary.BigEndian.Uint64(data[18:26]),
	}
	copy(header.SessionID[:], data[2:18])

	if err := ValidateHeader(header); err != nil {
		return nil, err
	}

	return header, nil
}

// ValidateHeader validates the envelope header fields.
func ValidateHeader(h *Header) error {
	if h.Version != Version {
		return fmt.Errorf("unsupported protocol version: %d", h.Version)
	}

	if !IsValidPacketType(h.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", h.PacketType)
	}

	return nil
}

// IsValidPacketType checks if the envelope packet type is known.
func IsValidPacketType(ptype uint8) bool {
	switch ptype {
	case PacketProbe, PacketProbeEcho, PacketHandshake, PacketData:
		return true
	}
	return false
}

// EncodeDatagram serializes a complete datagram (header + payload).
func EncodeDatagram(h *Header, payload []byte) []byte {
	buf := make([]byte, 0, HeaderSize+len(payload))
	buf = append(buf, EncodeHeader(h)...)
	buf = append(buf, payload...)
	return buf
}

// Probe is the plaintext hole-punch probe payload.
// Layout: [Echo:1][Token:8]
//
// The token binds an echo to the probe that solicited it, so a session
// only promotes an address after a full round trip.
type Probe struct {
	Echo  bool
	Token uint64
}

// EncodeProbe serializes a probe payload.
func EncodeProbe(p *Probe) []byte {
	buf := make([]byte, ProbeSize)
	if p.Echo {
		buf[0] = 1
	}
	binary.BigEndian.PutUint64(buf[1:9], p.Token)
	return buf
}

// ParseProbe parses a probe payload.
func ParseProbe(data []byte) (*Probe, error) {
	if len(data) < ProbeSize {
		return nil, fmt.Errorf("probe payload too short: expected %d bytes, got %d", ProbeSize, len(data))
	}

	return &Probe{
		Echo:  data[0] != 0,
		Token: binary.BigEndian.Uint64(data[1:9]),
	}, nil
}

// Heartbeat is the liveness payload exchanged inside the encrypted
// channel. EchoMicros carries back the most recent SentMicros observed
// from the peer, which gives both sides a round-trip estimate without a
// separate ping type.
// Layout: [SentMicros:8][EchoMicros:8]
type Heartbeat struct {
	SentMicros int64
	EchoMicros int64
}

// EncodeHeartbeat serializes a heartbeat payload.
func EncodeHeartbeat(hb *Heartbeat) []byte {
	buf := make([]byte, HeartbeatSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(hb.SentMicros))
	binary.BigEndian.PutUint64(buf[8:16], uint64(hb.EchoMicros))
	return buf
}

// ParseHeartbeat parses a heartbeat payload.
func ParseHeartbeat(data []byte) (*Heartbeat, error) {
	if len(data) < HeartbeatSize {
		return nil, fmt.Errorf("heartbeat payload too short: expected %d bytes, got %d", HeartbeatSize, len(data))
	}

	return &Heartbeat{
		SentMicros: int64(binary.BigEndian.Uint64(data[0:8])),
		EchoMicros: int64(binary.BigEndian.Uint64(data[8:16])),
	}, nil
}

// AudioPayload is the audio frame payload inside the encrypted channel.
// Audio keeps its own sequence space, independent of the transport
// sequence, because frames are reordered and concealed above the
// transport while datagrams are delivered in arrival order.
// Layout: [Sequence:8][CapturedMicros:8][DurationMs:2][Encoding:1][Data:N]
type AudioPayload struct {
	Sequence       uint64
	CapturedMicros int64
	DurationMs     uint16
	Encoding       uint8
	Data           []byte
}

// EncodeAudioPayload serializes an audio payload.
func EncodeAudioPayload(a *AudioPayload) []byte {
	buf := make([]byte, AudioPayloadHeaderSize+len(a.Data))
	binary.BigEndian.PutUint64(buf[0:8], a.Sequence)
	binary.BigEndian.PutUint64(buf[8:16], uint64(a.CapturedMicros))
	binary.BigEndian.PutUint16(buf[16:18], a.DurationMs)
	buf[18] = a.Encoding
	copy(buf[AudioPayloadHeaderSize:], a.Data)
	return buf
}

// ParseAudioPayload parses an audio payload.
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, fmt.Errorf("audio payload too short: expected at least %d bytes, got %d",
			AudioPayloadHeaderSize, len(data))
	}

	payload := &AudioPayload{
		Sequence:       binary.BigEndian.Uint64(data[0:8]),
		CapturedMicros: int64(binary.BigEndian.Uint64(data[8:16])),
		DurationMs:     binary.BigEndian.Uint16(data[16:18]),
		Encoding:       data[18],
	}

	if len(data) > AudioPayloadHeaderSize {
		payload.Data = make([]byte, len(data)-AudioPayloadHeaderSize)
		copy(payload.Data, data[AudioPayloadHeaderSize:])
	}

	return payload, nil
}

// EncodeDataBody prepends the inner payload type to an encoded payload.
// The result is the plaintext that gets sealed into a PacketData body.
func EncodeDataBody(payloadType uint8, payload []byte) []byte {
	buf := make([]byte, 0, 1+len(payload))
	buf = append(buf, payloadType)
	buf = append(buf, payload...)
	return buf
}

// ParseDataBody splits a decrypted PacketData body into its inner
// payload type and payload bytes.
func ParseDataBody(body []byte) (uint8, []byte, error) {
	if len(body) < 1 {
		return 0, nil, fmt.Errorf("empty data body")
	}

	payloadType := body[0]
	switch payloadType {
	case PayloadHeartbeat, PayloadAudio, PayloadText, PayloadTextAck:
		return payloadType, body[1:], nil
	default:
		return 0, nil, fmt.Errorf("unknown payload type: 0x%02x", payloadType)
	}
}

// PacketTypeString converts an envelope packet type to a human-readable string.
func PacketTypeString(ptype uint8) string {
	switch ptype {
	case PacketProbe:
		return "Probe"
	case PacketProbeEcho:
		return "ProbeEcho"
	case PacketHandshake:
		return "Handshake"
	case PacketData:
		return "Data"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", ptype)
	}
}

// String returns a human-readable representation of the header.
func (h *Header) String() string {
	return fmt.Sprintf("Header{Version:%d, Type:%s, Session:%x, Seq:%d}",
		h.Version, PacketTypeString(h.PacketType), h.SessionID[:4], h.Sequence)
}
