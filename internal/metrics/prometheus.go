package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice engine.
type Metrics struct {
	// UDP endpoint metrics
	PacketsReceived prometheus.Counter
	PacketsSent     prometheus.Counter
	ParseErrors     prometheus.Counter
	AuthFailures    prometheus.Counter
	ReplaysDropped  prometheus.Counter

	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsConnected prometheus.Counter
	SessionsLost      prometheus.Counter
	HandshakeRetries  prometheus.Counter
	SessionRTT        prometheus.Histogram
	AddressRebinds    prometheus.Counter

	// Audio pipeline metrics
	FramesEncoded    prometheus.Counter
	FramesDecoded    prometheus.Counter
	FramesConcealed  prometheus.Counter
	FramesDiscarded  prometheus.Counter
	JitterDepth      prometheus.Gauge
	EncodedFrameSize prometheus.Histogram

	// Text channel metrics
	TextSent     prometheus.Counter
	TextReceived prometheus.Counter
	TextRetries  prometheus.Counter

	// Rendezvous metrics
	PublishAttempts prometheus.Counter
	PublishFailures prometheus.Counter
	CandidatesSeen  prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics with the
// given registerer. Production code passes prometheus.DefaultRegisterer;
// tests pass a fresh registry so packages can be constructed repeatedly.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// UDP endpoint metrics
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "insanity_packets_received_total",
			Help: "Total number of UDP datagrams received",
		}),
		PacketsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "insanity_packets_sent_total",
			Help: "Total number of UDP datagrams sent",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "insanity_parse_errors_total",
			Help: "Total number of datagram parsing errors",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "insanity_auth_failures_total",
			Help: "Total number of packets that failed authenticated decryption",
		}),
		ReplaysDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "insanity_replays_dropped_total",
			Help: "Total number of packets dropped by the replay window",
		}),

		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "insanity_active_sessions",
			Help: "Current number of peer sessions in Connected or Degraded state",
		}),
		SessionsConnected: factory.NewCounter(prometheus.CounterOpts{
			Name: "insanity_sessions_connected_total",
			Help: "Total number of sessions that reached Connected state",
		}),
		SessionsLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "insanity_sessions_lost_total",
			Help: "Total number of sessions closed after exhausting retries",
		}),
		HandshakeRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "insanity_handshake_retries_total",
			Help: "Total number of handshake retransmissions",
		}),
		SessionRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "insanity_session_rtt_seconds",
			Help:    "Round-trip time measured by heartbeat echoes",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}),
		AddressRebinds: factory.NewCounter(prometheus.CounterOpts{
			Name: "insanity_address_rebinds_total",
			Help: "Total number of peer address changes adopted mid-session",
		}),

		// Audio pipeline metrics
		FramesEncoded: factory.NewCounter(prometheus.CounterOpts{
			Name: "insanity_frames_encoded_total",
			Help: "Total number of captured audio frames encoded",
		}),
		FramesDecoded: factory.NewCounter(prometheus.CounterOpts{
			Name: "insanity_frames_decoded_total",
			Help: "Total number of received audio frames decoded",
		}),
		FramesConcealed: factory.NewCounter(prometheus.CounterOpts{
			Name: "insanity_frames_concealed_total",
			Help: "Total number of playback frames synthesized to cover gaps",
		}),
		FramesDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "insanity_frames_discarded_total",
			Help: "Total number of frames dropped as stale or out of window",
		}),
		JitterDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "insanity_jitter_buffer_depth_frames",
			Help: "Current jitter buffer depth in frames, summed over peers",
		}),
		EncodedFrameSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "insanity_encoded_frame_size_bytes",
			Help:    "Size of encoded audio frames in bytes",
			Buckets: prometheus.ExponentialBuckets(32, 2, 10), // 32B to ~16KB
		}),

		// Text channel metrics
		TextSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "insanity_text_sent_total",
			Help: "Total number of text messages sent",
		}),
		TextReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "insanity_text_received_total",
			Help: "Total number of text messages received",
		}),
		TextRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "insanity_text_retries_total",
			Help: "Total number of text messages retransmitted after ack timeout",
		}),

		// Rendezvous metrics
		PublishAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "insanity_publish_attempts_total",
			Help: "Total number of candidate publish requests to the bridge",
		}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "insanity_publish_failures_total",
			Help: "Total number of failed candidate publish requests",
		}),
		CandidatesSeen: factory.NewCounter(prometheus.CounterOpts{
			Name: "insanity_candidates_seen_total",
			Help: "Total number of peer candidates received from the bridge",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insanity_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "insanity_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordPacketReceived increments the packets received counter.
func (m *Metrics) RecordPacketReceived() {
	m.PacketsReceived.Inc()
}

// RecordPacketSent increments the packets sent counter.
func (m *Metrics) RecordPacketSent() {
	m.PacketsSent.Inc()
}

// RecordParseError increments the parse errors counter.
func (m *Metrics) RecordParseError() {
	m.ParseErrors.Inc()
}

// RecordAuthFailure increments the authentication failure counter.
func (m *Metrics) RecordAuthFailure() {
	m.AuthFailures.Inc()
}

// RecordReplayDropped increments the replay drop counter.
func (m *Metrics) RecordReplayDropped() {
	m.ReplaysDropped.Inc()
}

// SetActiveSessions sets the current number of live sessions.
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionConnected increments the sessions connected counter.
func (m *Metrics) RecordSessionConnected() {
	m.SessionsConnected.Inc()
}

// RecordSessionLost increments the sessions lost counter.
func (m *Metrics) RecordSessionLost() {
	m.SessionsLost.Inc()
}

// RecordHandshakeRetry increments the handshake retry counter.
func (m *Metrics) RecordHandshakeRetry() {
	m.HandshakeRetries.Inc()
}

// RecordRTT records a heartbeat round-trip measurement.
func (m *Metrics) RecordRTT(seconds float64) {
	m.SessionRTT.Observe(seconds)
}

// RecordAddressRebind increments the address rebind counter.
func (m *Metrics) RecordAddressRebind() {
	m.AddressRebinds.Inc()
}

// RecordFrameEncoded records an encoded frame and its wire size.
func (m *Metrics) RecordFrameEncoded(sizeBytes int) {
	m.FramesEncoded.Inc()
	m.EncodedFrameSize.Observe(float64(sizeBytes))
}

// RecordFrameDecoded increments the frames decoded counter.
func (m *Metrics) RecordFrameDecoded() {
	m.FramesDecoded.Inc()
}

// RecordFramesConcealed adds to the concealed frames counter.
func (m *Metrics) RecordFramesConcealed(count uint64) {
	m.FramesConcealed.Add(float64(count))
}

// RecordFramesDiscarded adds to the discarded frames counter.
func (m *Metrics) RecordFramesDiscarded(count uint64) {
	m.FramesDiscarded.Add(float64(count))
}

// SetJitterDepth sets the current jitter buffer depth gauge.
func (m *Metrics) SetJitterDepth(frames int) {
	m.JitterDepth.Set(float64(frames))
}

// RecordTextSent increments the text sent counter.
func (m *Metrics) RecordTextSent() {
	m.TextSent.Inc()
}

// RecordTextReceived increments the text received counter.
func (m *Metrics) RecordTextReceived() {
	m.TextReceived.Inc()
}

// RecordTextRetry increments the text retry counter.
func (m *Metrics) RecordTextRetry() {
	m.TextRetries.Inc()
}

// RecordPublish records a publish attempt, counting the failure if any.
func (m *Metrics) RecordPublish(err error) {
	m.PublishAttempts.Inc()
	if err != nil {
		m.PublishFailures.Inc()
	}
}

// RecordCandidates adds to the candidates seen counter.
func (m *Metrics) RecordCandidates(count int) {
	m.CandidatesSeen.Add(float64(count))
}

// RecordHTTPRequest records an HTTP request with its outcome.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
