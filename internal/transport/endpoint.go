package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/nicolaschan/insanity/internal/config"
	"github.com/nicolaschan/insanity/internal/identity"
	"github.com/nicolaschan/insanity/internal/metrics"
	"github.com/nicolaschan/insanity/internal/protocol"
)

// PayloadHandler consumes decrypted inner payloads from a peer.
type PayloadHandler func(peer identity.PublicKey, payloadType uint8, payload []byte)

// StateHandler observes session state transitions.
type StateHandler func(peer identity.PublicKey, from, to State)

// Endpoint owns the single UDP socket all peer sessions share and
// routes inbound datagrams to sessions by the session id carried in
// every header. One socket means one NAT binding, which is what makes
// hole punching with multiple peers work at all.
type Endpoint struct {
	conn    *net.UDPConn
	localID *identity.Identity
	cfg     config.TransportConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	onPayload PayloadHandler
	onState   StateHandler

	sessions map[protocol.SessionID]*Session
	mu       sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEndpoint binds the UDP socket.
func NewEndpoint(cfg config.TransportConfig, localID *identity.Identity,
	logger *slog.Logger, m *metrics.Metrics) (*Endpoint, error) {

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.UDPPort))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP socket: %w", err)
	}

	if err := conn.SetReadBuffer(cfg.BufferSize); err != nil {
		logger.Warn("failed to set socket read buffer", "error", err)
	}
	if err := conn.SetWriteBuffer(cfg.BufferSize); err != nil {
		logger.Warn("failed to set socket write buffer", "error", err)
	}

	return &Endpoint{
		conn:     conn,
		localID:  localID,
		cfg:      cfg,
		logger:   logger.With("component", "transport"),
		metrics:  m,
		sessions: make(map[protocol.SessionID]*Session),
	}, nil
}

// SetHandlers installs the payload and state callbacks. Must be called
// before Start.
func (e *Endpoint) SetHandlers(onPayload PayloadHandler, onState StateHandler) {
	e.onPayload = onPayload
	e.onState = onState
}

// LocalAddr returns the socket's bound address.
func (e *Endpoint) LocalAddr() netip.AddrPort {
	return e.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Start launches the receive loop.
func (e *Endpoint) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go e.receiveLoop()

	e.logger.Info("transport endpoint started", "local_addr", e.LocalAddr())
}

// Stop closes every session and the socket.
func (e *Endpoint) Stop() {
	if e.cancel != nil {
		e.cancel()
	}

	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}

	e.conn.Close()
	e.wg.Wait()
	e.logger.Info("transport endpoint stopped")
}

// Dial creates a session toward the peer, or refreshes the candidate
// list of the existing one. The session drives itself from Discovering
// to Connected in the background.
func (e *Endpoint) Dial(peer identity.PublicKey, displayName string, candidates []netip.AddrPort) *Session {
	sessionID := DeriveSessionID(e.localID.Key, peer)

	e.mu.Lock()
	if existing, ok := e.sessions[sessionID]; ok {
		e.mu.Unlock()
		existing.UpdateCandidates(candidates)
		return existing
	}

	session := newSession(e, peer, displayName, sessionID, candidates)
	e.sessions[sessionID] = session
	e.mu.Unlock()

	session.start(e.ctx)
	e.logger.Info("session created",
		"peer", peer,
		"session", fmt.Sprintf("%x", sessionID[:4]),
		"candidates", len(candidates))
	return session
}

// Session returns the live session for a peer, or nil.
func (e *Endpoint) Session(peer identity.PublicKey) *Session {
	sessionID := DeriveSessionID(e.localID.Key, peer)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[sessionID]
}

// Sessions returns a snapshot of all live sessions.
func (e *Endpoint) Sessions() []*Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

// removeSession drops a closed session from the routing table.
func (e *Endpoint) removeSession(sessionID protocol.SessionID) {
	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	e.metrics.SetActiveSessions(e.activeCount())
}

// activeCount counts sessions that are Connected or Degraded.
func (e *Endpoint) activeCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	count := 0
	for _, s := range e.sessions {
		if state := s.State(); state == StateConnected || state == StateDegraded {
			count++
		}
	}
	return count
}

// receiveLoop reads datagrams and routes them to sessions. Read
// deadlines keep the loop responsive to cancellation.
func (e *Endpoint) receiveLoop() {
	defer e.wg.Done()

	buffer := make([]byte, e.cfg.BufferSize)
	for {
		select {
		case <-e.ctx.Done():
			e.logger.Info("receive loop stopping due to context cancellation")
			return
		default:
		}

		if err := e.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			e.logger.Error("failed to set read deadline", "error", err)
			continue
		}

		n, src, err := e.conn.ReadFromUDPAddrPort(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-e.ctx.Done():
				return
			default:
			}
			e.logger.Error("UDP read error", "error", err)
			continue
		}

		e.metrics.RecordPacketReceived()
		e.handleDatagram(buffer[:n], src)
	}
}

// handleDatagram parses the envelope and hands the packet to its
// session. Unknown sessions are dropped: sessions are created by
// Dial from the room's candidate list, never by unsolicited traffic.
func (e *Endpoint) handleDatagram(data []byte, src netip.AddrPort) {
	header, err := protocol.ParseHeader(data)
	if err != nil {
		e.metrics.RecordParseError()
		e.logger.Debug("dropping malformed datagram", "src", src, "error", err)
		return
	}

	e.mu.RLock()
	session := e.sessions[header.SessionID]
	e.mu.RUnlock()
	if session == nil {
		e.logger.Debug("dropping datagram for unknown session",
			"src", src,
			"session", fmt.Sprintf("%x", header.SessionID[:4]))
		return
	}

	// The payload slice aliases the receive buffer; sessions copy
	// anything they keep past the call.
	session.handlePacket(header, data[protocol.HeaderSize:], src)
}

// send writes one datagram. Sessions call this; the socket is safe for
// concurrent writes.
func (e *Endpoint) send(addr netip.AddrPort, datagram []byte) error {
	if _, err := e.conn.WriteToUDPAddrPort(datagram, addr); err != nil {
		return fmt.Errorf("UDP send to %s failed: %w", addr, err)
	}
	e.metrics.RecordPacketSent()
	return nil
}

// notifyState fans a state transition out to the installed handler and
// refreshes the active-session gauge.
func (e *Endpoint) notifyState(peer identity.PublicKey, from, to State) {
	e.metrics.SetActiveSessions(e.activeCount())
	if e.onState != nil {
		e.onState(peer, from, to)
	}
}

// notifyPayload delivers a decrypted payload to the installed handler.
func (e *Endpoint) notifyPayload(peer identity.PublicKey, payloadType uint8, payload []byte) {
	if e.onPayload != nil {
		e.onPayload(peer, payloadType, payload)
	}
}
