package audio

import (
	"sync"
)

// Denoiser is an adaptive noise gate applied to captured frames before
// encoding. It tracks the background noise floor with an exponential
// moving average and attenuates frames whose energy stays near the
// floor, with attack and release envelopes so speech onsets are not
// clipped and word tails are not chopped.
type Denoiser struct {
	sampleRate int

	// Gate state
	noiseFloor  float32 // EMA of quiet-frame RMS
	envelope    float32 // Current gate gain in [0, 1]
	openRatio   float32 // Frame RMS must exceed floor*openRatio to open
	floorAlpha  float32 // EMA factor while below the gate
	attackStep  float32 // Envelope increase per frame when opening
	releaseStep float32 // Envelope decrease per frame when closing

	// Statistics
	totalFrames uint64
	gatedFrames uint64

	mu sync.Mutex
}

// DenoiserStats reports gate behavior for the status endpoint.
type DenoiserStats struct {
	TotalFrames uint64  `json:"total_frames"`
	GatedFrames uint64  `json:"gated_frames"`
	NoiseFloor  float32 `json:"noise_floor"`
}

// NewDenoiser creates a denoiser for the given sample rate.
func NewDenoiser(sampleRate int) *Denoiser {
	return &Denoiser{
		sampleRate:  sampleRate,
		noiseFloor:  0.005, // Starting floor near typical mic hiss
		envelope:    1,     // Open until the floor estimate settles
		openRatio:   2.5,
		floorAlpha:  0.05,
		attackStep:  0.5, // Fully open within two frames (~40ms)
		releaseStep: 0.1, // Fully closed over ten frames (~200ms)
	}
}

// Process gates the frame in place and returns it. Frames judged to be
// background noise are attenuated toward silence rather than zeroed
// outright, so the release tail stays smooth.
func (d *Denoiser) Process(frame *Frame) *Frame {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.totalFrames++
	rms := frame.RMS()

	open := rms > d.noiseFloor*d.openRatio
	if !open {
		// Only quiet frames feed the floor estimate; otherwise
		// sustained speech would raise the floor and gate itself.
		d.noiseFloor = d.noiseFloor*(1-d.floorAlpha) + rms*d.floorAlpha
	}

	if open {
		d.envelope += d.attackStep
		if d.envelope > 1 {
			d.envelope = 1
		}
	} else {
		d.envelope -= d.releaseStep
		if d.envelope < 0 {
			d.envelope = 0
		}
	}

	if d.envelope < 1 {
		if d.envelope == 0 {
			d.gatedFrames++
		}
		for i, s := range frame.Samples {
			frame.Samples[i] = s * d.envelope
		}
	}
	return frame
}

// Stats returns a snapshot of gate statistics.
func (d *Denoiser) Stats() DenoiserStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DenoiserStats{
		TotalFrames: d.totalFrames,
		GatedFrames: d.gatedFrames,
		NoiseFloor:  d.noiseFloor,
	}
}
