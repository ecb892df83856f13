package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicolaschan/insanity/internal/identity"
	"github.com/nicolaschan/insanity/internal/protocol"
)

// ErrPeerUnreachable is returned when every candidate address failed
// for the whole retry budget.
var ErrPeerUnreachable = errors.New("transport: peer unreachable")

// ErrSessionClosed is returned when sending on a closed session.
var ErrSessionClosed = errors.New("transport: session closed")

// State is the session lifecycle state.
type State int

// Session states. Degraded differs from Closed in that keys and the
// last known address are kept, so traffic resumes without a new
// handshake if the peer reappears within the revalidation window.
const (
	StateDiscovering State = iota
	StatePunching
	StateHandshaking
	StateConnected
	StateDegraded
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDiscovering:
		return "Discovering"
	case StatePunching:
		return "Punching"
	case StateHandshaking:
		return "Handshaking"
	case StateConnected:
		return "Connected"
	case StateDegraded:
		return "Degraded"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Session is the encrypted channel to one peer. It drives itself from
// candidate addresses to a connected state in a background goroutine;
// inbound packets arrive via handlePacket from the endpoint's receive
// loop.
type Session struct {
	endpoint    *Endpoint
	peer        identity.PublicKey
	displayName string
	sessionID   protocol.SessionID
	logger      *slog.Logger

	mu            sync.Mutex
	state         State
	candidates    []candidate
	remote        netip.AddrPort
	probeToken    uint64
	echoCh        chan netip.AddrPort
	ephPriv       [32]byte
	ephPub        [32]byte
	haveEphemeral bool
	peerEphemeral [32]byte
	havePeerKeys  bool
	sealer        *Sealer
	opener        *Opener
	keysReady     chan struct{}
	degradedSince time.Time
	connectedAt   time.Time

	sendSeq     atomic.Uint64
	lastInbound atomic.Int64 // Unix micros of last authenticated packet
	rttMicros   atomic.Int64 // EWMA round-trip estimate

	// Last heartbeat received from the peer, used to compensate hold
	// time when echoing so RTT excludes our heartbeat interval.
	peerHBSent     atomic.Int64
	peerHBReceived atomic.Int64

	cancel       context.CancelFunc
	closeOnce    sync.Once
	wasConnected atomic.Bool
	wg           sync.WaitGroup
}

// candidate is a possible peer address with the time it was last
// advertised or observed. Stale candidates age out so punching does
// not keep spraying addresses the peer left long ago.
type candidate struct {
	addr netip.AddrPort
	seen time.Time
}

// SessionStats is a monitoring snapshot of one session.
type SessionStats struct {
	Peer        string    `json:"peer"`
	DisplayName string    `json:"display_name,omitempty"`
	State       string    `json:"state"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	RTTMicros   int64     `json:"rtt_micros"`
	LastInbound time.Time `json:"last_inbound"`
	ConnectedAt time.Time `json:"connected_at"`
	SentPackets uint64    `json:"sent_packets"`
}

func newSession(e *Endpoint, peer identity.PublicKey, displayName string,
	sessionID protocol.SessionID, addrs []netip.AddrPort) *Session {

	now := time.Now()
	candidates := make([]candidate, 0, len(addrs))
	for _, addr := range addrs {
		if addr.IsValid() {
			candidates = append(candidates, candidate{addr: addr, seen: now})
		}
	}

	return &Session{
		endpoint:    e,
		peer:        peer,
		displayName: displayName,
		sessionID:   sessionID,
		logger: e.logger.With(
			"peer", peer.Fingerprint(),
			"session", fmt.Sprintf("%x", sessionID[:4])),
		state:      StateDiscovering,
		candidates: candidates,
		keysReady:  make(chan struct{}),
	}
}

// start launches the session's connect/monitor goroutine.
func (s *Session) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(ctx)
}

// run connects and then monitors liveness, reconnecting after the
// revalidation window expires, until the retry budget runs out or the
// session is closed.
func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		if err := s.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("session unreachable, giving up", "error", err)
			if s.wasConnected.Load() {
				s.endpoint.metrics.RecordSessionLost()
			}
			s.shutdown()
			return
		}

		if !s.monitor(ctx) {
			return
		}
		s.logger.Info("revalidation window expired, reconnecting")
	}
}

// connect drives the session to Connected: hole punch, then handshake,
// retrying with backoff within the retry budget.
func (s *Session) connect(ctx context.Context) error {
	cfg := s.endpoint.cfg
	deadline := time.Now().Add(cfg.GetMaxRetryDuration())
	backoff := time.Second

	s.resetCrypto()

	for {
		err := s.punch(ctx)
		if err == nil {
			err = s.handshake(ctx)
			if err == nil {
				s.lastInbound.Store(time.Now().UnixMicro())
				s.mu.Lock()
				s.connectedAt = time.Now()
				s.mu.Unlock()
				s.setState(StateConnected)
				s.wasConnected.Store(true)
				s.endpoint.metrics.RecordSessionConnected()
				return nil
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
		}

		s.logger.Debug("connect attempt failed, backing off",
			"error", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff *= 2; backoff > 8*time.Second {
			backoff = 8 * time.Second
		}
	}
}

// punch sends probes to every candidate until one echoes back. Only a
// full round trip promotes an address: a candidate we can reach but
// that cannot reach us is useless.
func (s *Session) punch(ctx context.Context) error {
	cfg := s.endpoint.cfg
	s.setState(StatePunching)

	token := randomToken()
	echoCh := make(chan netip.AddrPort, 1)
	s.mu.Lock()
	s.probeToken = token
	s.echoCh = echoCh
	s.mu.Unlock()

	probe := protocol.EncodeProbe(&protocol.Probe{Echo: false, Token: token})
	datagram := protocol.EncodeDatagram(&protocol.Header{
		Version:    protocol.Version,
		PacketType: protocol.PacketProbe,
		SessionID:  s.sessionID,
	}, probe)

	for round := 0; round < cfg.MaxPunchRounds; round++ {
		for _, addr := range s.candidateSnapshot() {
			if err := s.endpoint.send(addr, datagram); err != nil {
				s.logger.Debug("probe send failed", "addr", addr, "error", err)
			}
		}

		select {
		case addr := <-echoCh:
			s.mu.Lock()
			s.remote = addr
			s.echoCh = nil
			s.mu.Unlock()
			s.logger.Info("hole punch succeeded", "addr", addr, "round", round)
			return nil
		case <-time.After(cfg.GetPunchInterval()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("no probe echo after %d rounds over %d candidates",
		cfg.MaxPunchRounds, len(s.candidateSnapshot()))
}

// handshake exchanges signed ephemeral keys over the punched address.
func (s *Session) handshake(ctx context.Context) error {
	cfg := s.endpoint.cfg
	s.setState(StateHandshaking)

	s.mu.Lock()
	if err := s.ensureEphemeralLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	ephPub := s.ephPub
	remote := s.remote
	keysReady := s.keysReady
	s.mu.Unlock()

	offer := BuildHandshake(s.endpoint.localID, s.sessionID, ephPub, false)
	encoded, err := protocol.EncodeHandshake(offer)
	if err != nil {
		return err
	}
	datagram := protocol.EncodeDatagram(&protocol.Header{
		Version:    protocol.Version,
		PacketType: protocol.PacketHandshake,
		SessionID:  s.sessionID,
	}, encoded)

	for attempt := 0; attempt < cfg.HandshakeAttempts; attempt++ {
		if attempt > 0 {
			s.endpoint.metrics.RecordHandshakeRetry()
		}
		if err := s.endpoint.send(remote, datagram); err != nil {
			s.logger.Debug("handshake send failed", "error", err)
		}

		select {
		case <-keysReady:
			return nil
		case <-time.After(cfg.GetHandshakeTimeout()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("%w: no valid reply after %d attempts",
		ErrHandshakeFailed, cfg.HandshakeAttempts)
}

// monitor runs the heartbeat loop. Returns true when the session
// should reconnect, false when it is done for good.
func (s *Session) monitor(ctx context.Context) bool {
	cfg := s.endpoint.cfg
	ticker := time.NewTicker(cfg.GetHeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false

		case <-ticker.C:
			if s.State() == StateClosed {
				return false
			}
			s.sendHeartbeat()

			silence := time.Since(time.UnixMicro(s.lastInbound.Load()))
			switch {
			case silence <= cfg.GetHeartbeatTimeout():
				if s.State() == StateDegraded {
					s.logger.Info("peer traffic resumed")
					s.setState(StateConnected)
				}

			case s.State() == StateConnected:
				s.logger.Warn("peer silent past heartbeat timeout", "silence", silence)
				s.mu.Lock()
				s.degradedSince = time.Now()
				s.probeToken = randomToken()
				s.mu.Unlock()
				s.setState(StateDegraded)

			case s.State() == StateDegraded:
				// The peer may have moved rather than died. Probe every
				// candidate; a valid echo from a new address resumes the
				// session there with the existing keys.
				s.reprobe()
				s.mu.Lock()
				degradedFor := time.Since(s.degradedSince)
				s.mu.Unlock()
				if degradedFor > cfg.GetRevalidationWindow() {
					return true
				}
			}
		}
	}
}

// reprobe sends a probe round to all candidates while Degraded, so a
// peer whose NAT binding moved can be found again without tearing the
// keys down.
func (s *Session) reprobe() {
	s.mu.Lock()
	token := s.probeToken
	s.mu.Unlock()

	probe := protocol.EncodeProbe(&protocol.Probe{Echo: false, Token: token})
	datagram := protocol.EncodeDatagram(&protocol.Header{
		Version:    protocol.Version,
		PacketType: protocol.PacketProbe,
		SessionID:  s.sessionID,
	}, probe)
	for _, addr := range s.candidateSnapshot() {
		if err := s.endpoint.send(addr, datagram); err != nil {
			s.logger.Debug("re-probe send failed", "addr", addr, "error", err)
		}
	}
}

// sendHeartbeat emits a liveness payload. The echo field returns the
// peer's last send timestamp compensated for our hold time, so the
// peer's RTT measurement excludes the heartbeat interval.
func (s *Session) sendHeartbeat() {
	now := time.Now().UnixMicro()

	var echo int64
	if sent := s.peerHBSent.Load(); sent > 0 {
		hold := now - s.peerHBReceived.Load()
		echo = sent + hold
	}

	hb := protocol.EncodeHeartbeat(&protocol.Heartbeat{
		SentMicros: now,
		EchoMicros: echo,
	})
	if err := s.SendPayload(protocol.PayloadHeartbeat, hb); err != nil {
		s.logger.Debug("heartbeat send failed", "error", err)
	}
}

// SendPayload seals an inner payload and sends it to the peer. Sending
// is allowed while Degraded: the peer may still be listening even when
// nothing is coming back.
func (s *Session) SendPayload(payloadType uint8, payload []byte) error {
	s.mu.Lock()
	state := s.state
	sealer := s.sealer
	remote := s.remote
	s.mu.Unlock()

	if state == StateClosed {
		return ErrSessionClosed
	}
	if sealer == nil || (state != StateConnected && state != StateDegraded) {
		return fmt.Errorf("session with %s is %s, not ready to send", s.peer, state)
	}

	header := &protocol.Header{
		Version:    protocol.Version,
		PacketType: protocol.PacketData,
		SessionID:  s.sessionID,
		Sequence:   s.sendSeq.Add(1),
	}
	sealed := sealer.Seal(header, protocol.EncodeDataBody(payloadType, payload))
	return s.endpoint.send(remote, protocol.EncodeDatagram(header, sealed))
}

// handlePacket processes one inbound datagram, called from the
// endpoint's receive loop. The payload slice aliases the receive
// buffer and must not be retained.
func (s *Session) handlePacket(header *protocol.Header, payload []byte, src netip.AddrPort) {
	switch header.PacketType {
	case protocol.PacketProbe:
		s.handleProbe(payload, src)
	case protocol.PacketProbeEcho:
		s.handleProbeEcho(payload, src)
	case protocol.PacketHandshake:
		s.handleHandshake(payload, src)
	case protocol.PacketData:
		s.handleData(header, payload, src)
	}
}

func (s *Session) handleProbe(payload []byte, src netip.AddrPort) {
	probe, err := protocol.ParseProbe(payload)
	if err != nil {
		s.endpoint.metrics.RecordParseError()
		return
	}
	if probe.Echo {
		return
	}

	// The probe's source is a working path back to the peer; remember
	// it as a candidate for our own punching.
	s.addCandidate(src)

	echo := protocol.EncodeProbe(&protocol.Probe{Echo: true, Token: probe.Token})
	datagram := protocol.EncodeDatagram(&protocol.Header{
		Version:    protocol.Version,
		PacketType: protocol.PacketProbeEcho,
		SessionID:  s.sessionID,
	}, echo)
	if err := s.endpoint.send(src, datagram); err != nil {
		s.logger.Debug("probe echo send failed", "error", err)
	}
}

func (s *Session) handleProbeEcho(payload []byte, src netip.AddrPort) {
	probe, err := protocol.ParseProbe(payload)
	if err != nil {
		s.endpoint.metrics.RecordParseError()
		return
	}

	s.mu.Lock()
	if probe.Token != s.probeToken {
		s.mu.Unlock()
		return
	}
	if s.echoCh != nil {
		select {
		case s.echoCh <- src:
		default:
		}
		s.mu.Unlock()
		return
	}

	// An echo outside a punch round answers a degraded re-probe. A new
	// source is the peer's moved binding; adopt it and keep the keys.
	if s.state != StateDegraded || src == s.remote {
		s.mu.Unlock()
		return
	}
	old := s.remote
	s.remote = src
	s.mu.Unlock()

	s.endpoint.metrics.RecordAddressRebind()
	s.logger.Info("re-probe found peer at new address", "old", old, "new", src)
}

func (s *Session) handleHandshake(payload []byte, src netip.AddrPort) {
	h, err := protocol.ParseHandshake(payload)
	if err != nil {
		s.endpoint.metrics.RecordParseError()
		return
	}

	peerEphemeral, err := VerifyHandshake(h, s.sessionID, s.peer)
	if err != nil {
		s.endpoint.metrics.RecordAuthFailure()
		s.logger.Warn("rejecting unauthenticated handshake", "src", src, "error", err)
		return
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if err := s.ensureEphemeralLocked(); err != nil {
		s.mu.Unlock()
		s.logger.Error("ephemeral key generation failed", "error", err)
		return
	}

	// A retransmitted handshake with the same ephemeral must not
	// rebuild the opener: that would reset the replay window.
	fresh := !s.havePeerKeys || s.peerEphemeral != peerEphemeral
	if fresh {
		sendKey, recvKey, err := DeriveKeys(s.ephPriv, peerEphemeral,
			s.endpoint.localID.Key, s.peer)
		if err != nil {
			s.mu.Unlock()
			s.logger.Error("key derivation failed", "error", err)
			return
		}
		sealer, err := NewSealer(sendKey)
		if err != nil {
			s.mu.Unlock()
			s.logger.Error("sealer creation failed", "error", err)
			return
		}
		opener, err := NewOpener(recvKey)
		if err != nil {
			s.mu.Unlock()
			s.logger.Error("opener creation failed", "error", err)
			return
		}
		firstKeys := !s.havePeerKeys
		s.sealer = sealer
		s.opener = opener
		s.peerEphemeral = peerEphemeral
		s.havePeerKeys = true
		if !s.remote.IsValid() {
			s.remote = src
		}
		if firstKeys {
			close(s.keysReady)
		}
	}
	needAck := !h.Acknowledge
	ephPub := s.ephPub
	s.mu.Unlock()

	if fresh {
		s.logger.Info("session keys established", "peer_name", s.displayName)
	}

	if needAck {
		ack := BuildHandshake(s.endpoint.localID, s.sessionID, ephPub, true)
		encoded, err := protocol.EncodeHandshake(ack)
		if err != nil {
			s.logger.Error("handshake ack encoding failed", "error", err)
			return
		}
		datagram := protocol.EncodeDatagram(&protocol.Header{
			Version:    protocol.Version,
			PacketType: protocol.PacketHandshake,
			SessionID:  s.sessionID,
		}, encoded)
		if err := s.endpoint.send(src, datagram); err != nil {
			s.logger.Debug("handshake ack send failed", "error", err)
		}
	}
}

func (s *Session) handleData(header *protocol.Header, payload []byte, src netip.AddrPort) {
	s.mu.Lock()
	opener := s.opener
	s.mu.Unlock()
	if opener == nil {
		return
	}

	body, err := opener.Open(header, payload)
	if err != nil {
		switch {
		case errors.Is(err, ErrReplay):
			s.endpoint.metrics.RecordReplayDropped()
		default:
			s.endpoint.metrics.RecordAuthFailure()
		}
		return
	}

	s.lastInbound.Store(time.Now().UnixMicro())

	// Authenticated traffic from a new source means the peer's NAT
	// binding moved; follow it.
	s.mu.Lock()
	if src != s.remote {
		old := s.remote
		s.remote = src
		s.mu.Unlock()
		s.endpoint.metrics.RecordAddressRebind()
		s.logger.Info("peer address rebind", "old", old, "new", src)
	} else {
		s.mu.Unlock()
	}

	if s.State() == StateDegraded {
		s.setState(StateConnected)
	}

	payloadType, inner, err := protocol.ParseDataBody(body)
	if err != nil {
		s.endpoint.metrics.RecordParseError()
		return
	}

	if payloadType == protocol.PayloadHeartbeat {
		s.handleHeartbeat(inner)
		return
	}
	s.endpoint.notifyPayload(s.peer, payloadType, inner)
}

func (s *Session) handleHeartbeat(payload []byte) {
	hb, err := protocol.ParseHeartbeat(payload)
	if err != nil {
		s.endpoint.metrics.RecordParseError()
		return
	}

	now := time.Now().UnixMicro()
	s.peerHBSent.Store(hb.SentMicros)
	s.peerHBReceived.Store(now)

	if hb.EchoMicros > 0 {
		if rtt := now - hb.EchoMicros; rtt >= 0 {
			old := s.rttMicros.Load()
			if old == 0 {
				s.rttMicros.Store(rtt)
			} else {
				s.rttMicros.Store((7*old + rtt) / 8)
			}
			s.endpoint.metrics.RecordRTT(float64(rtt) / 1e6)
		}
	}
}

// resetCrypto clears key state for a fresh connection epoch.
func (s *Session) resetCrypto() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haveEphemeral = false
	s.havePeerKeys = false
	s.sealer = nil
	s.opener = nil
	s.keysReady = make(chan struct{})
}

// ensureEphemeralLocked generates the epoch's ephemeral keypair if it
// does not exist yet. Callers hold s.mu.
func (s *Session) ensureEphemeralLocked() error {
	if s.haveEphemeral {
		return nil
	}
	priv, pub, err := GenerateEphemeral()
	if err != nil {
		return err
	}
	s.ephPriv = priv
	s.ephPub = pub
	s.haveEphemeral = true
	return nil
}

// setState transitions the session state and notifies the endpoint.
// Closed is terminal.
func (s *Session) setState(to State) {
	s.mu.Lock()
	if s.state == to || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = to
	s.mu.Unlock()

	s.logger.Info("session state changed", "from", from.String(), "to", to.String())
	s.endpoint.notifyState(s.peer, from, to)
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer returns the peer's identity key.
func (s *Session) Peer() identity.PublicKey {
	return s.peer
}

// DisplayName returns the peer's advertised display name.
func (s *Session) DisplayName() string {
	return s.displayName
}

// RTT returns the smoothed round-trip estimate.
func (s *Session) RTT() time.Duration {
	return time.Duration(s.rttMicros.Load()) * time.Microsecond
}

// RemoteAddr returns the confirmed peer address.
func (s *Session) RemoteAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// UpdateCandidates merges fresh candidate addresses from the room.
func (s *Session) UpdateCandidates(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		s.addCandidate(addr)
	}
}

func (s *Session) addCandidate(addr netip.AddrPort) {
	if !addr.IsValid() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for i := range s.candidates {
		if s.candidates[i].addr == addr {
			s.candidates[i].seen = now
			return
		}
	}
	s.candidates = append(s.candidates, candidate{addr: addr, seen: now})
}

// candidateSnapshot returns the fresh candidate addresses, pruning any
// not seen within the revalidation window.
func (s *Session) candidateSnapshot() []netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()

	horizon := time.Now().Add(-s.endpoint.cfg.GetRevalidationWindow())
	kept := s.candidates[:0]
	for _, c := range s.candidates {
		if c.seen.After(horizon) {
			kept = append(kept, c)
		}
	}
	s.candidates = kept

	out := make([]netip.AddrPort, len(s.candidates))
	for i, c := range s.candidates {
		out[i] = c.addr
	}
	return out
}

// Close terminates the session and waits for its goroutine.
func (s *Session) Close() {
	s.shutdown()
	s.wg.Wait()
}

// shutdown performs the close work without waiting, so the session's
// own goroutine can invoke it.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		if s.cancel != nil {
			s.cancel()
		}
		s.endpoint.removeSession(s.sessionID)
	})
}

// Stats returns a monitoring snapshot.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	state := s.state
	remote := s.remote
	connectedAt := s.connectedAt
	s.mu.Unlock()

	stats := SessionStats{
		Peer:        s.peer.Fingerprint(),
		DisplayName: s.displayName,
		State:       state.String(),
		RTTMicros:   s.rttMicros.Load(),
		LastInbound: time.UnixMicro(s.lastInbound.Load()),
		ConnectedAt: connectedAt,
		SentPackets: s.sendSeq.Load(),
	}
	if remote.IsValid() {
		stats.RemoteAddr = remote.String()
	}
	return stats
}

// randomToken returns a random probe token.
func randomToken() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic("transport: token generation: " + err.Error())
	}
	return binary.BigEndian.Uint64(buf[:])
}
