package audio

import (
	"fmt"
	"math"
	"time"
)

// Frame is a fixed-duration block of mono PCM samples in float32 form.
// All internal processing happens on float32 in [-1, 1]; conversion to
// and from int16 wire form happens only at the codec boundary.
type Frame struct {
	Sequence       uint64    // Monotonic per-stream frame counter
	CapturedMicros uint64    // Capture timestamp, microseconds since Unix epoch
	SampleRate     int       // Samples per second
	Samples        []float32 // Mono PCM samples
}

// Duration returns the frame's play time.
func (f *Frame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// RMS returns the root-mean-square energy of the frame.
func (f *Frame) RMS() float32 {
	if len(f.Samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range f.Samples {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(f.Samples))))
}

// ApplyGain scales every sample in place, clamping to [-1, 1]. Used for
// per-peer volume control on the playback path.
func (f *Frame) ApplyGain(gain float32) {
	if gain == 1 {
		return
	}
	for i, s := range f.Samples {
		v := s * gain
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		f.Samples[i] = v
	}
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	out := &Frame{
		Sequence:       f.Sequence,
		CapturedMicros: f.CapturedMicros,
		SampleRate:     f.SampleRate,
		Samples:        make([]float32, len(f.Samples)),
	}
	copy(out.Samples, f.Samples)
	return out
}

// Validate checks the frame for use in the pipeline.
func (f *Frame) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("frame sample rate must be positive, got %d", f.SampleRate)
	}
	if len(f.Samples) == 0 {
		return fmt.Errorf("frame has no samples")
	}
	return nil
}

// Silence returns a frame of zero samples with the given shape. Used by
// the jitter buffer when concealment runs out.
func Silence(sequence uint64, sampleRate, samples int) *Frame {
	return &Frame{
		Sequence:   sequence,
		SampleRate: sampleRate,
		Samples:    make([]float32, samples),
	}
}
