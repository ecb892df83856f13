package audio

import (
	"math"
	"testing"
	"time"
)

func TestResampleSameRatePassthrough(t *testing.T) {
	samples := []float32{0.1, 0.2, 0.3}
	out := Resample(samples, 48000, 48000)
	if len(out) != 3 || out[0] != 0.1 {
		t.Errorf("same-rate resample should pass through, got %v", out)
	}
}

func TestResampleDownLength(t *testing.T) {
	samples := make([]float32, 960)
	out := Resample(samples, 48000, 16000)
	if len(out) != 320 {
		t.Errorf("expected 320 samples after 48k to 16k, got %d", len(out))
	}
}

func TestResampleUpLength(t *testing.T) {
	samples := make([]float32, 320)
	out := Resample(samples, 16000, 48000)
	if len(out) != 960 {
		t.Errorf("expected 960 samples after 16k to 48k, got %d", len(out))
	}
}

func TestResamplePreservesConstantSignal(t *testing.T) {
	samples := make([]float32, 480)
	for i := range samples {
		samples[i] = 0.25
	}
	out := Resample(samples, 44100, 48000)
	for i, s := range out {
		if math.Abs(float64(s-0.25)) > 1e-6 {
			t.Fatalf("constant signal distorted at %d: %f", i, s)
		}
	}
}

func TestResampleRoughlyPreservesTone(t *testing.T) {
	// A 440Hz tone resampled down and back up should keep most of its
	// energy; linear interpolation loses a little to smoothing.
	src := sineFrame(0, 960).Samples
	down := Resample(src, 48000, 16000)
	up := Resample(down, 16000, 48000)

	var rms float64
	for _, s := range up {
		rms += float64(s) * float64(s)
	}
	rms = math.Sqrt(rms / float64(len(up)))
	if rms < 0.3 || rms > 0.4 {
		t.Errorf("tone energy after round trip out of range: %f", rms)
	}
}

func TestDenoiserPassesSpeech(t *testing.T) {
	d := NewDenoiser(48000)

	loud := sineFrame(0, 960)
	before := loud.RMS()
	d.Process(loud)
	if loud.RMS() < before*0.99 {
		t.Errorf("loud frame attenuated: %f -> %f", before, loud.RMS())
	}
}

func TestDenoiserGatesSteadyNoise(t *testing.T) {
	d := NewDenoiser(48000)

	// Feed steady low-level noise; after the floor adapts, the gate
	// must close completely.
	makeNoise := func() *Frame {
		frame := &Frame{Sequence: 0, SampleRate: 48000, Samples: make([]float32, 960)}
		for i := range frame.Samples {
			if i%2 == 0 {
				frame.Samples[i] = 0.01
			} else {
				frame.Samples[i] = -0.01
			}
		}
		return frame
	}

	var last *Frame
	for i := 0; i < 100; i++ {
		last = d.Process(makeNoise())
	}
	if last.RMS() != 0 {
		t.Errorf("steady noise not fully gated after adaptation: rms %f", last.RMS())
	}
	if d.Stats().GatedFrames == 0 {
		t.Error("expected gated frames in stats")
	}
}

func TestDenoiserReopensForSpeech(t *testing.T) {
	d := NewDenoiser(48000)

	quiet := func() *Frame {
		frame := &Frame{SampleRate: 48000, Samples: make([]float32, 960)}
		for i := range frame.Samples {
			frame.Samples[i] = 0.005
		}
		return frame
	}

	for i := 0; i < 100; i++ {
		d.Process(quiet())
	}

	// Speech well above the adapted floor must reopen the gate within
	// the attack window.
	var out *Frame
	for i := 0; i < 3; i++ {
		out = d.Process(sineFrame(0, 960))
	}
	if out.RMS() < 0.3 {
		t.Errorf("gate did not reopen for speech: rms %f", out.RMS())
	}
}

func TestFrameDuration(t *testing.T) {
	frame := &Frame{SampleRate: 48000, Samples: make([]float32, 960)}
	if got := frame.Duration(); got != 20*time.Millisecond {
		t.Errorf("expected 20ms, got %v", got)
	}
}

func TestFrameApplyGainClamps(t *testing.T) {
	frame := &Frame{SampleRate: 48000, Samples: []float32{0.8, -0.8}}
	frame.ApplyGain(2)
	if frame.Samples[0] != 1 || frame.Samples[1] != -1 {
		t.Errorf("gain did not clamp: %v", frame.Samples)
	}
}

func TestFrameCloneIndependent(t *testing.T) {
	frame := sineFrame(7, 96)
	clone := frame.Clone()
	clone.Samples[0] = 0.99
	if frame.Samples[0] == 0.99 {
		t.Error("clone shares sample storage with original")
	}
	if clone.Sequence != 7 {
		t.Errorf("clone lost sequence: %d", clone.Sequence)
	}
}
