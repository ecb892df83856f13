package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Audio payload encodings carried on the wire.
const (
	EncodingPCM16 = 0x01 // Little-endian int16 samples, no compression
	EncodingZstd  = 0x02 // Zstd-compressed little-endian int16 samples
)

// Codec converts frames to and from their wire encodings. A single
// Codec is shared across peers; EncodeAll/DecodeAll are safe for
// concurrent use.
type Codec struct {
	preferred byte
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewCodec creates a codec that encodes with the preferred encoding and
// decodes any supported encoding.
func NewCodec(preferred byte) (*Codec, error) {
	if preferred != EncodingPCM16 && preferred != EncodingZstd {
		return nil, fmt.Errorf("unsupported preferred encoding: 0x%02x", preferred)
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Codec{
		preferred: preferred,
		encoder:   encoder,
		decoder:   decoder,
	}, nil
}

// Encode converts a frame to wire form, returning the encoding byte and
// payload data. When zstd is preferred but compression does not shrink
// the frame, the raw PCM form is sent instead; receivers dispatch on
// the per-packet encoding byte, so the fallback is transparent.
func (c *Codec) Encode(frame *Frame) (byte, []byte, error) {
	if err := frame.Validate(); err != nil {
		return 0, nil, err
	}

	pcm := samplesToPCM16(frame.Samples)
	if c.preferred == EncodingPCM16 {
		return EncodingPCM16, pcm, nil
	}

	compressed := c.encoder.EncodeAll(pcm, make([]byte, 0, len(pcm)/2))
	if len(compressed) >= len(pcm) {
		return EncodingPCM16, pcm, nil
	}
	return EncodingZstd, compressed, nil
}

// Decode converts wire data back to float32 samples.
func (c *Codec) Decode(encoding byte, data []byte) ([]float32, error) {
	var pcm []byte
	switch encoding {
	case EncodingPCM16:
		pcm = data
	case EncodingZstd:
		decompressed, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress audio payload: %w", err)
		}
		pcm = decompressed
	default:
		return nil, fmt.Errorf("unknown audio encoding: 0x%02x", encoding)
	}

	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM payload length must be even, got %d bytes", len(pcm))
	}
	return pcm16ToSamples(pcm), nil
}

// Close releases the codec's compression resources.
func (c *Codec) Close() {
	c.encoder.Close()
	c.decoder.Close()
}

// samplesToPCM16 converts float32 samples in [-1, 1] to little-endian
// int16 bytes, clamping out-of-range values.
func samplesToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// pcm16ToSamples converts little-endian int16 bytes to float32 samples.
func pcm16ToSamples(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / 32767
	}
	return out
}
