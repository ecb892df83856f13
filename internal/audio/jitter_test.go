package audio

import (
	"testing"
)

func newTestBuffer(t *testing.T) *JitterBuffer {
	t.Helper()
	jb, err := NewJitterBuffer(4, 16, 8, 48000, 960)
	if err != nil {
		t.Fatalf("failed to create jitter buffer: %v", err)
	}
	return jb
}

func frameWithSeq(seq uint64) *Frame {
	frame := sineFrame(seq, 960)
	frame.Sequence = seq
	return frame
}

func TestJitterInOrderPlayback(t *testing.T) {
	jb := newTestBuffer(t)

	for seq := uint64(0); seq < 4; seq++ {
		jb.Push(frameWithSeq(seq))
	}

	for seq := uint64(0); seq < 4; seq++ {
		frame := jb.Pop()
		if frame == nil {
			t.Fatalf("expected frame at seq %d, got nil", seq)
		}
		if frame.Sequence != seq {
			t.Errorf("expected seq %d, got %d", seq, frame.Sequence)
		}
	}
}

func TestJitterPrebuffering(t *testing.T) {
	jb := newTestBuffer(t)

	if jb.Pop() != nil {
		t.Error("expected nil pop before any frame arrives")
	}

	jb.Push(frameWithSeq(0))
	if jb.Pop() != nil {
		t.Error("expected nil pop before target depth is reached")
	}

	jb.Push(frameWithSeq(1))
	jb.Push(frameWithSeq(2))
	jb.Push(frameWithSeq(3))
	if frame := jb.Pop(); frame == nil || frame.Sequence != 0 {
		t.Errorf("expected seq 0 once target depth reached, got %v", frame)
	}
}

func TestJitterReordering(t *testing.T) {
	jb := newTestBuffer(t)

	// Arrivals shuffled within the ring must play back in order.
	for _, seq := range []uint64{2, 0, 3, 1, 5, 4} {
		jb.Push(frameWithSeq(seq))
	}

	for seq := uint64(0); seq < 6; seq++ {
		frame := jb.Pop()
		if frame == nil {
			t.Fatalf("expected frame at seq %d, got nil", seq)
		}
		if frame.Sequence != seq {
			t.Errorf("expected seq %d, got %d", seq, frame.Sequence)
		}
	}
}

func TestJitterPermutationInvariant(t *testing.T) {
	// The same set of frames must play back identically regardless of
	// arrival order, including when the first arrival is not the oldest.
	orders := [][]uint64{
		{0, 1, 2, 3, 4, 5},
		{5, 4, 3, 2, 1, 0},
		{3, 5, 1, 4, 0, 2},
	}

	for _, order := range orders {
		jb := newTestBuffer(t)
		for _, seq := range order {
			jb.Push(frameWithSeq(seq))
		}
		for want := uint64(0); want < 6; want++ {
			frame := jb.Pop()
			if frame == nil {
				t.Fatalf("order %v: expected frame at seq %d, got nil", order, want)
			}
			if frame.Sequence != want {
				t.Errorf("order %v: expected seq %d, got %d", order, want, frame.Sequence)
			}
		}
		if stale := jb.Stats().DiscardedStale; stale != 0 {
			t.Errorf("order %v: dropped %d frames as stale before playback", order, stale)
		}
	}
}

func TestJitterConcealsGap(t *testing.T) {
	jb := newTestBuffer(t)

	jb.Push(frameWithSeq(0))
	jb.Push(frameWithSeq(1))
	// Frame 2 lost.
	jb.Push(frameWithSeq(3))
	jb.Push(frameWithSeq(4))

	jb.Pop() // 0
	good := jb.Pop()
	concealed := jb.Pop()
	if concealed == nil {
		t.Fatal("expected concealment frame for lost seq 2, got nil")
	}
	if concealed.Sequence != 2 {
		t.Errorf("expected concealed seq 2, got %d", concealed.Sequence)
	}
	if concealed.RMS() >= good.RMS() {
		t.Errorf("concealment frame should decay: rms %f >= %f", concealed.RMS(), good.RMS())
	}
	if concealed.RMS() == 0 {
		t.Error("first concealment frame should not be silence")
	}

	if frame := jb.Pop(); frame == nil || frame.Sequence != 3 {
		t.Errorf("expected playback to resume at seq 3, got %v", frame)
	}

	stats := jb.Stats()
	if stats.Concealed != 1 {
		t.Errorf("expected 1 concealed frame, got %d", stats.Concealed)
	}
}

func TestJitterConcealmentBudgetExhausts(t *testing.T) {
	jb := newTestBuffer(t)

	for seq := uint64(0); seq < 4; seq++ {
		jb.Push(frameWithSeq(seq))
	}
	for seq := uint64(0); seq < 4; seq++ {
		jb.Pop()
	}

	// Everything after seq 3 is lost; the buffer must fade out and
	// then emit pure silence.
	sawSilence := false
	for i := 0; i < 12; i++ {
		frame := jb.Pop()
		if frame == nil {
			t.Fatal("pop returned nil after playback started")
		}
		if frame.RMS() == 0 {
			sawSilence = true
		} else if sawSilence {
			t.Error("audio resumed after silence without new frames")
		}
	}
	if !sawSilence {
		t.Error("expected silence after concealment budget exhausted")
	}
}

func TestJitterDropsStaleFrames(t *testing.T) {
	jb := newTestBuffer(t)

	for seq := uint64(0); seq < 5; seq++ {
		jb.Push(frameWithSeq(seq))
	}
	jb.Pop() // head now at 1
	jb.Push(frameWithSeq(0))

	stats := jb.Stats()
	if stats.DiscardedStale != 1 {
		t.Errorf("expected 1 stale drop, got %d", stats.DiscardedStale)
	}
}

func TestJitterHeadJumpRecenters(t *testing.T) {
	jb := newTestBuffer(t)

	jb.Push(frameWithSeq(0))
	jb.Push(frameWithSeq(1))

	// A frame far past the ring means the stream stalled and resumed.
	jb.Push(frameWithSeq(100))

	stats := jb.Stats()
	if stats.HeadJumps != 1 {
		t.Fatalf("expected 1 head jump, got %d", stats.HeadJumps)
	}

	// Fill to target depth around the new head so playback resumes.
	for seq := uint64(97); seq < 100; seq++ {
		jb.Push(frameWithSeq(seq))
	}
	frame := jb.Pop()
	if frame == nil {
		t.Fatal("expected frame after re-centering")
	}
	if frame.Sequence < 96 || frame.Sequence > 100 {
		t.Errorf("head did not re-center near live edge: seq %d", frame.Sequence)
	}
}

func TestJitterSkipsWhenDeep(t *testing.T) {
	jb := newTestBuffer(t)

	for seq := uint64(0); seq < 12; seq++ {
		jb.Push(frameWithSeq(seq))
	}

	// With depth far above target, popping should skip ahead so the
	// played sequence advances more than one per pop at least once.
	first := jb.Pop()
	second := jb.Pop()
	if first == nil || second == nil {
		t.Fatal("expected frames from deep buffer")
	}
	if second.Sequence == first.Sequence+1 {
		third := jb.Pop()
		if third == nil || third.Sequence == second.Sequence+1 {
			t.Error("deep buffer never skipped to control latency")
		}
	}

	if jb.Stats().DiscardedSkip == 0 {
		t.Error("expected skip discards for deep buffer")
	}
}
