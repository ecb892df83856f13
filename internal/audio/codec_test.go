package audio

import (
	"math"
	"testing"
)

func sineFrame(seq uint64, samples int) *Frame {
	frame := &Frame{
		Sequence:   seq,
		SampleRate: 48000,
		Samples:    make([]float32, samples),
	}
	for i := range frame.Samples {
		frame.Samples[i] = 0.5 * float32(math.Sin(2*math.Pi*440*float64(i)/48000))
	}
	return frame
}

func TestCodecPCM16RoundTrip(t *testing.T) {
	codec, err := NewCodec(EncodingPCM16)
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}
	defer codec.Close()

	frame := sineFrame(1, 960)
	encoding, data, err := codec.Encode(frame)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if encoding != EncodingPCM16 {
		t.Errorf("expected PCM16 encoding, got 0x%02x", encoding)
	}
	if len(data) != 960*2 {
		t.Errorf("expected %d bytes, got %d", 960*2, len(data))
	}

	decoded, err := codec.Decode(encoding, data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded) != len(frame.Samples) {
		t.Fatalf("expected %d samples, got %d", len(frame.Samples), len(decoded))
	}
	for i := range decoded {
		if diff := math.Abs(float64(decoded[i] - frame.Samples[i])); diff > 1.0/32000 {
			t.Fatalf("sample %d differs by %f after round trip", i, diff)
		}
	}
}

func TestCodecZstdRoundTrip(t *testing.T) {
	codec, err := NewCodec(EncodingZstd)
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}
	defer codec.Close()

	// A flat frame is highly redundant, so zstd wins over raw PCM.
	frame := &Frame{
		Sequence:   1,
		SampleRate: 48000,
		Samples:    make([]float32, 960),
	}
	for i := range frame.Samples {
		frame.Samples[i] = 0.25
	}
	encoding, data, err := codec.Encode(frame)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if encoding != EncodingZstd {
		t.Fatalf("expected zstd encoding for flat frame, got 0x%02x", encoding)
	}
	if len(data) >= 960*2 {
		t.Errorf("compressed frame (%d bytes) not smaller than raw PCM", len(data))
	}

	decoded, err := codec.Decode(encoding, data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	for i := range decoded {
		if diff := math.Abs(float64(decoded[i] - frame.Samples[i])); diff > 1.0/32000 {
			t.Fatalf("sample %d differs by %f after round trip", i, diff)
		}
	}
}

func TestCodecZstdFallsBackWhenIncompressible(t *testing.T) {
	codec, err := NewCodec(EncodingZstd)
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}
	defer codec.Close()

	// A full-scale tone at this block size does not compress below raw
	// PCM at the fast level, so the encoder must ship PCM16 instead of
	// growing the packet.
	frame := sineFrame(1, 960)
	encoding, data, err := codec.Encode(frame)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if encoding != EncodingPCM16 {
		t.Fatalf("expected PCM16 fallback for incompressible frame, got 0x%02x", encoding)
	}
	if len(data) != 960*2 {
		t.Errorf("expected %d raw bytes, got %d", 960*2, len(data))
	}

	decoded, err := codec.Decode(encoding, data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	for i := range decoded {
		if diff := math.Abs(float64(decoded[i] - frame.Samples[i])); diff > 1.0/32000 {
			t.Fatalf("sample %d differs by %f after round trip", i, diff)
		}
	}
}

func TestCodecDecodeErrors(t *testing.T) {
	codec, err := NewCodec(EncodingPCM16)
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}
	defer codec.Close()

	if _, err := codec.Decode(0x7f, []byte{1, 2}); err == nil {
		t.Error("expected error for unknown encoding")
	}
	if _, err := codec.Decode(EncodingPCM16, []byte{1, 2, 3}); err == nil {
		t.Error("expected error for odd-length PCM payload")
	}
	if _, err := codec.Decode(EncodingZstd, []byte{0xde, 0xad}); err == nil {
		t.Error("expected error for garbage zstd payload")
	}
}

func TestCodecRejectsUnknownPreference(t *testing.T) {
	if _, err := NewCodec(0x7f); err == nil {
		t.Error("expected error for unknown preferred encoding")
	}
}

func TestCodecClampsOverdrivenSamples(t *testing.T) {
	codec, err := NewCodec(EncodingPCM16)
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}
	defer codec.Close()

	frame := &Frame{
		Sequence:   1,
		SampleRate: 48000,
		Samples:    []float32{2.0, -2.0, 0.5},
	}
	_, data, err := codec.Encode(frame)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := codec.Decode(EncodingPCM16, data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded[0] < 0.99 || decoded[1] > -0.99 {
		t.Errorf("overdriven samples not clamped: %v", decoded[:2])
	}
}
