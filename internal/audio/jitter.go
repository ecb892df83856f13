package audio

import (
	"fmt"
	"sync"
)

// JitterBuffer reorders received frames for steady playback. It is a
// fixed ring keyed by sequence modulo capacity with a head pointer at
// the next sequence to play. Frames behind the head are stale and
// dropped; frames beyond the ring force the head forward so playback
// tracks the live edge instead of drifting into ever-larger latency.
//
// When the head slot is empty at pop time, the buffer conceals the gap
// by replaying a decayed copy of the last good frame, then falls back
// to silence once the concealment budget is spent.
type JitterBuffer struct {
	slots       []*Frame
	head        uint64 // Next sequence to pop
	latest      uint64 // Highest sequence stored so far
	started     bool
	targetDepth int
	maxConceal  int

	// Concealment state
	concealRun int
	lastGood   *Frame

	frameSamples int
	sampleRate   int

	// Statistics
	received       uint64
	popped         uint64
	concealed      uint64
	discardedStale uint64
	discardedSkip  uint64
	headJumps      uint64

	mu sync.Mutex
}

// JitterStats reports buffer behavior for monitoring.
type JitterStats struct {
	Depth          int    `json:"depth_frames"`
	Received       uint64 `json:"received"`
	Popped         uint64 `json:"popped"`
	Concealed      uint64 `json:"concealed"`
	DiscardedStale uint64 `json:"discarded_stale"`
	DiscardedSkip  uint64 `json:"discarded_skip"`
	HeadJumps      uint64 `json:"head_jumps"`
}

// NewJitterBuffer creates a jitter buffer holding up to maxDepth frames
// and aiming to keep targetDepth buffered.
func NewJitterBuffer(targetDepth, maxDepth, maxConceal, sampleRate, frameSamples int) (*JitterBuffer, error) {
	if targetDepth < 1 {
		return nil, fmt.Errorf("target depth must be at least 1, got %d", targetDepth)
	}
	if maxDepth <= targetDepth {
		return nil, fmt.Errorf("max depth (%d) must exceed target depth (%d)", maxDepth, targetDepth)
	}

	return &JitterBuffer{
		slots:        make([]*Frame, maxDepth),
		targetDepth:  targetDepth,
		maxConceal:   maxConceal,
		sampleRate:   sampleRate,
		frameSamples: frameSamples,
	}, nil
}

// Push inserts a received frame. Duplicates overwrite their slot, stale
// frames are dropped, and frames past the ring's end jump the head
// forward to re-center on the live edge.
func (jb *JitterBuffer) Push(frame *Frame) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	jb.received++
	cap := uint64(len(jb.slots))

	if !jb.started {
		jb.started = true
		jb.head = frame.Sequence
		jb.latest = frame.Sequence
	}

	if frame.Sequence < jb.head {
		// Until playback starts the head slides back for older arrivals:
		// the first frame in is not necessarily the oldest, and the same
		// set of frames must play back identically in any arrival order.
		if jb.popped == 0 && jb.latest-frame.Sequence < cap {
			jb.head = frame.Sequence
		} else {
			jb.discardedStale++
			return
		}
	}

	if frame.Sequence >= jb.head+cap {
		// The stream jumped past the ring, usually after a long
		// network stall. Re-center so the new frame lands near the
		// target depth; everything still buffered is obsolete.
		jb.headJumps++
		for i := range jb.slots {
			if jb.slots[i] != nil {
				jb.slots[i] = nil
				jb.discardedSkip++
			}
		}
		newHead := frame.Sequence - uint64(jb.targetDepth)
		if newHead < jb.head {
			newHead = jb.head
		}
		jb.head = newHead
	}

	if frame.Sequence > jb.latest {
		jb.latest = frame.Sequence
	}
	jb.slots[frame.Sequence%cap] = frame
}

// Pop returns the next playback frame. It returns nil until the buffer
// has started and reached its target depth once, letting the ring
// absorb initial network jitter before playback begins. After that it
// always returns a frame, concealing gaps as needed.
func (jb *JitterBuffer) Pop() *Frame {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if !jb.started {
		return nil
	}
	if jb.popped == 0 && jb.depthLocked() < jb.targetDepth {
		return nil
	}

	// Latency creep control: when the buffer runs persistently deep,
	// drop one frame ahead of the head so playback catches up one
	// frame per tick instead of glitching. The very first pop is
	// exempt: the prebuffered burst may legitimately exceed target.
	if jb.popped > 0 && jb.depthLocked() > jb.targetDepth+1 {
		cap := uint64(len(jb.slots))
		if jb.slots[jb.head%cap] != nil {
			jb.slots[jb.head%cap] = nil
			jb.head++
			jb.discardedSkip++
		}
	}

	cap := uint64(len(jb.slots))
	idx := jb.head % cap
	frame := jb.slots[idx]
	jb.slots[idx] = nil
	seq := jb.head
	jb.head++
	jb.popped++

	if frame != nil {
		jb.concealRun = 0
		jb.lastGood = frame
		return frame
	}

	// Conceal the gap. Each repeat decays so a long loss fades out
	// instead of looping the same syllable.
	jb.concealRun++
	jb.concealed++
	if jb.lastGood != nil && jb.concealRun <= jb.maxConceal {
		out := jb.lastGood.Clone()
		out.Sequence = seq
		decay := float32(1)
		for i := 0; i < jb.concealRun; i++ {
			decay *= 0.75
		}
		out.ApplyGain(decay)
		return out
	}
	return Silence(seq, jb.sampleRate, jb.frameSamples)
}

// Depth returns the number of frames currently buffered.
func (jb *JitterBuffer) Depth() int {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.depthLocked()
}

func (jb *JitterBuffer) depthLocked() int {
	count := 0
	for _, f := range jb.slots {
		if f != nil {
			count++
		}
	}
	return count
}

// Stats returns a snapshot of buffer statistics.
func (jb *JitterBuffer) Stats() JitterStats {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return JitterStats{
		Depth:          jb.depthLocked(),
		Received:       jb.received,
		Popped:         jb.popped,
		Concealed:      jb.concealed,
		DiscardedStale: jb.discardedStale,
		DiscardedSkip:  jb.discardedSkip,
		HeadJumps:      jb.headJumps,
	}
}
