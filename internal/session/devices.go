package session

import (
	"context"
	"time"

	"github.com/nicolaschan/insanity/internal/audio"
	"github.com/nicolaschan/insanity/internal/identity"
)

// CaptureSource produces microphone frames at the configured cadence.
// The device binding lives outside the engine; anything that can fill
// a channel with frames works.
type CaptureSource interface {
	// Frames returns the capture stream. The source closes the channel
	// when capture ends.
	Frames() <-chan *audio.Frame
	// Stop ends capture and releases the device.
	Stop()
}

// PlaybackSink consumes decoded frames per peer. Implementations mix
// and emit to the output device.
type PlaybackSink interface {
	Play(peer identity.PublicKey, frame *audio.Frame)
}

// TickerCapture is a CaptureSource fed by a caller-supplied sample
// function, invoked once per frame interval. It is the binding point
// for real input devices and doubles as a silence source when the
// sample function is nil.
type TickerCapture struct {
	frames chan *audio.Frame
	cancel context.CancelFunc
}

// NewTickerCapture starts a capture loop producing frames of the given
// shape every interval. sample may be nil, producing silence.
func NewTickerCapture(sampleRate, frameSamples int, interval time.Duration,
	sample func(buf []float32)) *TickerCapture {

	ctx, cancel := context.WithCancel(context.Background())
	c := &TickerCapture{
		frames: make(chan *audio.Frame, 4),
		cancel: cancel,
	}

	go func() {
		defer close(c.frames)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var seq uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				frame := &audio.Frame{
					Sequence:       seq,
					CapturedMicros: uint64(time.Now().UnixMicro()),
					SampleRate:     sampleRate,
					Samples:        make([]float32, frameSamples),
				}
				if sample != nil {
					sample(frame.Samples)
				}
				seq++
				select {
				case c.frames <- frame:
				default:
					// Consumer stalled; drop the frame. Capture must
					// never block the device cadence.
				}
			}
		}
	}()

	return c
}

// Frames returns the capture stream.
func (c *TickerCapture) Frames() <-chan *audio.Frame {
	return c.frames
}

// Stop ends the capture loop.
func (c *TickerCapture) Stop() {
	c.cancel()
}

// DiscardPlayback drops all frames. Used when no output device is
// bound, such as headless operation or tests that only assert on the
// receive path.
type DiscardPlayback struct{}

// Play discards the frame.
func (DiscardPlayback) Play(identity.PublicKey, *audio.Frame) {}
