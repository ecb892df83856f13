package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nicolaschan/insanity/internal/audio"
	"github.com/nicolaschan/insanity/internal/config"
	"github.com/nicolaschan/insanity/internal/identity"
	"github.com/nicolaschan/insanity/internal/metrics"
	"github.com/nicolaschan/insanity/internal/protocol"
	"github.com/nicolaschan/insanity/internal/rendezvous"
	"github.com/nicolaschan/insanity/internal/transport"
)

// eventBuffer is the event stream capacity. When the consumer lags
// this far behind, events are dropped with a warning rather than
// stalling packet processing.
const eventBuffer = 256

// Manager is the engine's top layer: it owns the peer arena, fans
// captured audio out to every connected peer, routes inbound payloads
// to per-peer jitter buffers and the event stream, and runs the text
// channel's ack/retry bookkeeping.
type Manager struct {
	cfg      *config.Config
	localID  *identity.Identity
	endpoint *transport.Endpoint
	codec    *audio.Codec
	denoiser *audio.Denoiser
	logger   *slog.Logger
	metrics  *metrics.Metrics

	capture  CaptureSource
	playback PlaybackSink

	peers map[identity.PublicKey]*ManagedPeer
	mu    sync.RWMutex

	localMuted atomic.Bool
	frameSeq   atomic.Uint64

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ManagerStats aggregates per-peer state for the status endpoint.
type ManagerStats struct {
	Peers      []PeerStats          `json:"peers"`
	LocalMuted bool                 `json:"local_muted"`
	Denoiser   *audio.DenoiserStats `json:"denoiser,omitempty"`
}

// PeerStats combines transport and audio state for one peer.
type PeerStats struct {
	transport.SessionStats
	Volume float32           `json:"volume"`
	Jitter audio.JitterStats `json:"jitter"`
}

// NewManager creates the manager and installs its handlers on the
// endpoint. The endpoint must not be started yet.
func NewManager(cfg *config.Config, localID *identity.Identity,
	endpoint *transport.Endpoint, capture CaptureSource, playback PlaybackSink,
	logger *slog.Logger, m *metrics.Metrics) (*Manager, error) {

	var encoding byte
	switch cfg.Audio.Encoding {
	case "pcm16":
		encoding = audio.EncodingPCM16
	case "zstd":
		encoding = audio.EncodingZstd
	default:
		return nil, fmt.Errorf("unsupported audio encoding: %s", cfg.Audio.Encoding)
	}

	codec, err := audio.NewCodec(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio codec: %w", err)
	}

	mgr := &Manager{
		cfg:      cfg,
		localID:  localID,
		endpoint: endpoint,
		codec:    codec,
		logger:   logger.With("component", "session"),
		metrics:  m,
		capture:  capture,
		playback: playback,
		peers:    make(map[identity.PublicKey]*ManagedPeer),
		events:   make(chan Event, eventBuffer),
	}
	if cfg.Audio.Denoise {
		mgr.denoiser = audio.NewDenoiser(cfg.Audio.SampleRate)
	}

	endpoint.SetHandlers(mgr.handlePayload, mgr.handleState)
	return mgr, nil
}

// Start launches the endpoint and the capture fan-out loop.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.endpoint.Start(m.ctx)

	m.wg.Add(1)
	go m.captureLoop()

	m.logger.Info("session manager started",
		"identity", m.localID.Key,
		"display_name", m.localID.DisplayName)
}

// Stop tears down peers, the endpoint and the capture pipeline.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.capture.Stop()
	m.wg.Wait()

	m.mu.Lock()
	peers := make([]*ManagedPeer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.peers = make(map[identity.PublicKey]*ManagedPeer)
	m.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
	m.endpoint.Stop()
	m.codec.Close()
	m.logger.Info("session manager stopped")
}

// Events returns the manager's event stream.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// HandleCandidates reconciles the room's candidate list with the peer
// arena: new peers are dialed, known peers get their candidate lists
// refreshed. Peers absent from the room are left alone; the transport's
// own liveness handling decides when they are gone.
func (m *Manager) HandleCandidates(candidates []rendezvous.PeerCandidate) {
	for _, candidate := range candidates {
		m.AddPeer(candidate.Key, candidate.DisplayName, candidate.Addrs)
	}
}

// AddPeer dials a peer and registers it in the arena. Adding an
// existing peer refreshes its candidates and returns the existing
// entry.
func (m *Manager) AddPeer(key identity.PublicKey, displayName string, addrs []netip.AddrPort) (*ManagedPeer, error) {
	m.mu.Lock()
	if existing, ok := m.peers[key]; ok {
		m.mu.Unlock()
		existing.session.UpdateCandidates(addrs)
		return existing, nil
	}
	m.mu.Unlock()

	jitter, err := audio.NewJitterBuffer(
		m.cfg.Audio.JitterTargetDepth,
		m.cfg.Audio.JitterMaxDepth,
		m.cfg.Audio.MaxConcealFrames,
		m.cfg.Audio.SampleRate,
		m.cfg.Audio.FrameSamples())
	if err != nil {
		return nil, fmt.Errorf("failed to create jitter buffer: %w", err)
	}

	session := m.endpoint.Dial(key, displayName, addrs)
	peer := newManagedPeer(key, displayName, session, jitter)

	m.mu.Lock()
	if existing, ok := m.peers[key]; ok {
		// Lost the race with a concurrent AddPeer for the same key.
		m.mu.Unlock()
		return existing, nil
	}
	m.peers[key] = peer
	m.mu.Unlock()

	peer.startPlayback(m.ctx, m.cfg.Audio.GetFrameDuration(), m.playback, m.onPlaybackTick)
	m.logger.Info("peer added", "peer", key, "display_name", displayName)
	return peer, nil
}

// RemovePeer closes a peer's session and drops it from the arena.
func (m *Manager) RemovePeer(key identity.PublicKey) {
	m.mu.Lock()
	peer, ok := m.peers[key]
	if ok {
		delete(m.peers, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	peer.close()
	peer.session.Close()
	m.logger.Info("peer removed", "peer", key)
}

// Peer returns the managed peer for a key, or nil.
func (m *Manager) Peer(key identity.PublicKey) *ManagedPeer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peers[key]
}

// Peers returns a snapshot of the arena.
func (m *Manager) Peers() []*ManagedPeer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ManagedPeer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

// SetLocalMuted stops captured audio from being sent while true.
// Capture keeps running so the denoiser's floor estimate stays warm.
func (m *Manager) SetLocalMuted(muted bool) {
	m.localMuted.Store(muted)
	m.logger.Info("local mute changed", "muted", muted)
}

// LocalMuted reports the capture mute state.
func (m *Manager) LocalMuted() bool {
	return m.localMuted.Load()
}

// SetPeerVolume sets the playback gain for one peer.
func (m *Manager) SetPeerVolume(key identity.PublicKey, gain float32) error {
	peer := m.Peer(key)
	if peer == nil {
		return fmt.Errorf("no such peer: %s", key)
	}
	peer.SetVolume(gain)
	return nil
}

// SendText sends a chat message to a peer. Delivery is confirmed by an
// EventTextDelivered carrying the returned id; a message that misses
// its ack is retried exactly once before EventTextFailed.
func (m *Manager) SendText(key identity.PublicKey, body string) (uuid.UUID, error) {
	peer := m.Peer(key)
	if peer == nil {
		return uuid.Nil, fmt.Errorf("no such peer: %s", key)
	}

	id := uuid.New()
	payload, err := protocol.EncodeText(&protocol.TextPayload{
		ID:   id[:],
		Seq:  peer.textSeq.Add(1),
		Body: body,
	})
	if err != nil {
		return uuid.Nil, err
	}

	if err := peer.session.SendPayload(protocol.PayloadText, payload); err != nil {
		return uuid.Nil, err
	}
	m.metrics.RecordTextSent()

	timer := time.AfterFunc(m.cfg.Transport.GetTextAckTimeout(), func() {
		m.retryText(peer, id)
	})
	peer.trackPending(id, payload, timer)
	return id, nil
}

// retryText runs when a text ack timer fires: resend once, then fail.
func (m *Manager) retryText(peer *ManagedPeer, id uuid.UUID) {
	payload, failed := peer.beginRetry(id, m.cfg.Transport.GetTextAckTimeout())
	if failed {
		m.logger.Warn("text message unacknowledged after retry",
			"peer", peer.key, "id", id)
		m.emit(Event{
			Type:        EventTextFailed,
			Peer:        peer.key,
			DisplayName: peer.displayName,
			Text:        &TextMessage{ID: id, Peer: peer.key},
			At:          time.Now(),
		})
		return
	}
	if payload == nil {
		return // Acked before the timer fired.
	}

	m.metrics.RecordTextRetry()
	if err := peer.session.SendPayload(protocol.PayloadText, payload); err != nil {
		m.logger.Debug("text retry send failed", "peer", peer.key, "error", err)
	}
}

// Stats returns a monitoring snapshot.
func (m *Manager) Stats() ManagerStats {
	stats := ManagerStats{LocalMuted: m.localMuted.Load()}
	for _, p := range m.Peers() {
		stats.Peers = append(stats.Peers, PeerStats{
			SessionStats: p.session.Stats(),
			Volume:       p.Volume(),
			Jitter:       p.jitter.Stats(),
		})
	}
	if m.denoiser != nil {
		ds := m.denoiser.Stats()
		stats.Denoiser = &ds
	}
	return stats
}

// captureLoop encodes each captured frame once and fans the encoded
// payload out to every sendable peer. Encoding once matters: with N
// peers the codec runs once per frame, not N times.
func (m *Manager) captureLoop() {
	defer m.wg.Done()

	internalRate := m.cfg.Audio.SampleRate
	for {
		select {
		case <-m.ctx.Done():
			return
		case frame, ok := <-m.capture.Frames():
			if !ok {
				m.logger.Info("capture stream ended")
				return
			}
			if m.localMuted.Load() {
				continue
			}

			if frame.SampleRate != internalRate {
				frame.Samples = audio.Resample(frame.Samples, frame.SampleRate, internalRate)
				frame.SampleRate = internalRate
			}
			if m.denoiser != nil {
				m.denoiser.Process(frame)
			}

			frame.Sequence = m.frameSeq.Add(1)
			encoding, data, err := m.codec.Encode(frame)
			if err != nil {
				m.logger.Error("frame encoding failed", "error", err)
				continue
			}
			m.metrics.RecordFrameEncoded(len(data))

			payload := protocol.EncodeAudioPayload(&protocol.AudioPayload{
				Sequence:       frame.Sequence,
				CapturedMicros: int64(frame.CapturedMicros),
				DurationMs:     uint16(frame.Duration().Milliseconds()),
				Encoding:       encoding,
				Data:           data,
			})

			for _, peer := range m.Peers() {
				if err := peer.session.SendPayload(protocol.PayloadAudio, payload); err != nil {
					// Not connected yet, or degraded past usefulness.
					continue
				}
			}
		}
	}
}

// handlePayload routes decrypted payloads from the transport.
func (m *Manager) handlePayload(key identity.PublicKey, payloadType uint8, payload []byte) {
	peer := m.Peer(key)
	if peer == nil {
		return
	}

	switch payloadType {
	case protocol.PayloadAudio:
		m.handleAudio(peer, payload)
	case protocol.PayloadText:
		m.handleText(peer, payload)
	case protocol.PayloadTextAck:
		m.handleTextAck(peer, payload)
	}
}

func (m *Manager) handleAudio(peer *ManagedPeer, payload []byte) {
	ap, err := protocol.ParseAudioPayload(payload)
	if err != nil {
		m.metrics.RecordParseError()
		return
	}

	samples, err := m.codec.Decode(ap.Encoding, ap.Data)
	if err != nil {
		m.metrics.RecordParseError()
		m.logger.Debug("audio decode failed", "peer", peer.key, "error", err)
		return
	}
	if ap.DurationMs == 0 || len(samples) == 0 {
		return
	}

	// The sender's rate is implied by sample count and duration; bring
	// the frame to our internal rate before it enters the buffer.
	senderRate := len(samples) * 1000 / int(ap.DurationMs)
	internalRate := m.cfg.Audio.SampleRate
	if senderRate != internalRate && senderRate > 0 {
		samples = audio.Resample(samples, senderRate, internalRate)
	}

	peer.jitter.Push(&audio.Frame{
		Sequence:       ap.Sequence,
		CapturedMicros: uint64(ap.CapturedMicros),
		SampleRate:     internalRate,
		Samples:        samples,
	})
	m.metrics.RecordFrameDecoded()
}

func (m *Manager) handleText(peer *ManagedPeer, payload []byte) {
	tp, err := protocol.ParseText(payload)
	if err != nil {
		m.metrics.RecordParseError()
		return
	}
	var id uuid.UUID
	copy(id[:], tp.ID)

	// Always ack, even duplicates: the retry that produced the
	// duplicate means our first ack was lost.
	ack, err := protocol.EncodeTextAck(&protocol.TextAckPayload{ID: tp.ID})
	if err == nil {
		if err := peer.session.SendPayload(protocol.PayloadTextAck, ack); err != nil {
			m.logger.Debug("text ack send failed", "peer", peer.key, "error", err)
		}
	}

	if peer.markSeen(id) {
		return
	}

	m.metrics.RecordTextReceived()
	m.emit(Event{
		Type:        EventTextReceived,
		Peer:        peer.key,
		DisplayName: peer.displayName,
		Text:        &TextMessage{ID: id, Peer: peer.key, Body: tp.Body},
		At:          time.Now(),
	})
}

func (m *Manager) handleTextAck(peer *ManagedPeer, payload []byte) {
	ack, err := protocol.ParseTextAck(payload)
	if err != nil {
		m.metrics.RecordParseError()
		return
	}
	var id uuid.UUID
	copy(id[:], ack.ID)

	if peer.takePending(id) == nil {
		return // Duplicate ack, or ack for an already-failed message.
	}
	m.emit(Event{
		Type:        EventTextDelivered,
		Peer:        peer.key,
		DisplayName: peer.displayName,
		Text:        &TextMessage{ID: id, Peer: peer.key},
		At:          time.Now(),
	})
}

// handleState translates transport transitions into manager events.
func (m *Manager) handleState(key identity.PublicKey, from, to transport.State) {
	peer := m.Peer(key)
	displayName := ""
	if peer != nil {
		displayName = peer.displayName
	}

	event := Event{
		Peer:        key,
		DisplayName: displayName,
		State:       to.String(),
		At:          time.Now(),
	}

	switch {
	case to == transport.StateConnected && from == transport.StateHandshaking:
		event.Type = EventPeerConnected
	case to == transport.StateClosed:
		event.Type = EventPeerLost
		// The transport gave up; drop the arena entry so a future
		// room listing re-dials from scratch.
		if peer != nil {
			go m.RemovePeer(key)
		}
	default:
		event.Type = EventPeerStateChanged
	}
	m.emit(event)
}

// onPlaybackTick refreshes audio metrics after each playback pop.
func (m *Manager) onPlaybackTick(peer *ManagedPeer) {
	stats := peer.jitter.Stats()
	if delta := stats.Concealed - peer.lastConcealed; delta > 0 {
		m.metrics.RecordFramesConcealed(delta)
		peer.lastConcealed = stats.Concealed
	}
	discarded := stats.DiscardedStale + stats.DiscardedSkip
	if delta := discarded - peer.lastDiscarded; delta > 0 {
		m.metrics.RecordFramesDiscarded(delta)
		peer.lastDiscarded = discarded
	}
	m.metrics.SetJitterDepth(m.totalJitterDepth())
}

func (m *Manager) totalJitterDepth() int {
	total := 0
	for _, p := range m.Peers() {
		total += p.jitter.Depth()
	}
	return total
}

// emit delivers an event without blocking packet processing.
func (m *Manager) emit(event Event) {
	select {
	case m.events <- event:
	default:
		m.logger.Warn("event stream full, dropping event",
			"type", event.Type.String(), "peer", event.Peer)
	}
}
