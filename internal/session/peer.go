package session

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nicolaschan/insanity/internal/audio"
	"github.com/nicolaschan/insanity/internal/identity"
	"github.com/nicolaschan/insanity/internal/transport"
)

// seenTextTTL is how long inbound message ids are remembered for
// duplicate suppression. A retried message arrives well within this.
const seenTextTTL = time.Minute

// ManagedPeer couples a transport session with the per-peer audio and
// text state: the jitter buffer, playback gain, and the ack bookkeeping
// for outbound messages.
type ManagedPeer struct {
	key         identity.PublicKey
	displayName string
	session     *transport.Session
	jitter      *audio.JitterBuffer

	volumeBits atomic.Uint32 // math.Float32bits of the playback gain
	textSeq    atomic.Uint64

	mu        sync.Mutex
	pending   map[uuid.UUID]*pendingText
	seenTexts map[uuid.UUID]time.Time

	// Jitter counters at the previous playback tick, for metric deltas.
	// Only the playback goroutine touches these.
	lastConcealed uint64
	lastDiscarded uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// pendingText tracks one sent message awaiting its ack.
type pendingText struct {
	payload []byte // Encoded wire payload, reused verbatim for the retry
	timer   *time.Timer
	retried bool
}

func newManagedPeer(key identity.PublicKey, displayName string,
	session *transport.Session, jitter *audio.JitterBuffer) *ManagedPeer {

	p := &ManagedPeer{
		key:         key,
		displayName: displayName,
		session:     session,
		jitter:      jitter,
		pending:     make(map[uuid.UUID]*pendingText),
		seenTexts:   make(map[uuid.UUID]time.Time),
	}
	p.volumeBits.Store(math.Float32bits(1.0))
	return p
}

// Key returns the peer's identity key.
func (p *ManagedPeer) Key() identity.PublicKey {
	return p.key
}

// DisplayName returns the peer's display name.
func (p *ManagedPeer) DisplayName() string {
	return p.displayName
}

// Session returns the underlying transport session.
func (p *ManagedPeer) Session() *transport.Session {
	return p.session
}

// Volume returns the playback gain for this peer.
func (p *ManagedPeer) Volume() float32 {
	return math.Float32frombits(p.volumeBits.Load())
}

// SetVolume sets the playback gain, clamped to [0, 4].
func (p *ManagedPeer) SetVolume(gain float32) {
	if gain < 0 {
		gain = 0
	} else if gain > 4 {
		gain = 4
	}
	p.volumeBits.Store(math.Float32bits(gain))
}

// markSeen records an inbound message id, reporting whether it was
// already known. Old ids are pruned as a side effect.
func (p *ManagedPeer) markSeen(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for old, at := range p.seenTexts {
		if now.Sub(at) > seenTextTTL {
			delete(p.seenTexts, old)
		}
	}

	if _, dup := p.seenTexts[id]; dup {
		return true
	}
	p.seenTexts[id] = now
	return false
}

// trackPending registers an outbound message and its retry timer.
func (p *ManagedPeer) trackPending(id uuid.UUID, payload []byte, timer *time.Timer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[id] = &pendingText{payload: payload, timer: timer}
}

// takePending removes and returns a pending message, if tracked.
func (p *ManagedPeer) takePending(id uuid.UUID) *pendingText {
	p.mu.Lock()
	defer p.mu.Unlock()
	pt := p.pending[id]
	if pt != nil {
		delete(p.pending, id)
		pt.timer.Stop()
	}
	return pt
}

// beginRetry transitions a pending message into its single retry.
// Returns the wire payload to resend, or nil with failed=true when the
// retry was already spent, or nil with failed=false when the message
// was acked in the meantime.
func (p *ManagedPeer) beginRetry(id uuid.UUID, ackTimeout time.Duration) (payload []byte, failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pt := p.pending[id]
	if pt == nil {
		return nil, false
	}
	if pt.retried {
		delete(p.pending, id)
		return nil, true
	}
	pt.retried = true
	pt.timer.Reset(ackTimeout)
	return pt.payload, false
}

// close stops the peer's playback loop and cancels retry timers.
func (p *ManagedPeer) close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	for id, pt := range p.pending {
		pt.timer.Stop()
		delete(p.pending, id)
	}
	p.mu.Unlock()
}

// startPlayback launches the peer's playback pacer: one frame popped
// from the jitter buffer per frame interval, gain applied, handed to
// the sink.
func (p *ManagedPeer) startPlayback(parent context.Context, interval time.Duration,
	sink PlaybackSink, onTick func(p *ManagedPeer)) {

	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if frame := p.jitter.Pop(); frame != nil {
					frame.ApplyGain(p.Volume())
					sink.Play(p.key, frame)
				}
				if onTick != nil {
					onTick(p)
				}
			}
		}
	}()
}
