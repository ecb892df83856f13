package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration.
type Config struct {
	Identity   IdentityConfig   `yaml:"identity"`
	Rendezvous RendezvousConfig `yaml:"rendezvous"`
	Transport  TransportConfig  `yaml:"transport"`
	Audio      AudioConfig      `yaml:"audio"`
	HTTP       HTTPConfig       `yaml:"http"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// IdentityConfig locates the persisted keypair.
type IdentityConfig struct {
	KeyPath     string `yaml:"key_path" env:"INSANITY_KEY_PATH,overwrite"`
	DisplayName string `yaml:"display_name" env:"INSANITY_DISPLAY_NAME,overwrite"`
}

// RendezvousConfig configures the bridge client.
type RendezvousConfig struct {
	BridgeURL       string `yaml:"bridge_url" env:"INSANITY_BRIDGE_URL,overwrite"`
	Room            string `yaml:"room" env:"INSANITY_ROOM,overwrite"`
	PublishInterval int    `yaml:"publish_interval"` // seconds
	PollInterval    int    `yaml:"poll_interval"`    // seconds
	CandidateTTL    int    `yaml:"candidate_ttl"`    // seconds
}

// TransportConfig configures the UDP endpoint and per-peer sessions.
type TransportConfig struct {
	BindAddress         string `yaml:"bind_address" env:"INSANITY_BIND_ADDRESS,overwrite"`
	UDPPort             int    `yaml:"udp_port" env:"INSANITY_UDP_PORT,overwrite"`
	BufferSize          int    `yaml:"buffer_size"`
	PunchIntervalMs     int    `yaml:"punch_interval_ms"`
	MaxPunchRounds      int    `yaml:"max_punch_rounds"`
	HandshakeTimeoutMs  int    `yaml:"handshake_timeout_ms"`
	HandshakeAttempts   int    `yaml:"handshake_attempts"`
	HeartbeatIntervalMs int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs  int    `yaml:"heartbeat_timeout_ms"`
	RevalidationWindow  int    `yaml:"revalidation_window"` // seconds
	MaxRetryDuration    int    `yaml:"max_retry_duration"`  // seconds
	TextAckTimeoutMs    int    `yaml:"text_ack_timeout_ms"`
}

// AudioConfig configures the frame codec pipeline. The jitter knobs are
// deliberately configuration, not constants: the concealment-versus-
// adaptation trade-off under sustained loss is a tuning decision.
type AudioConfig struct {
	SampleRate        int    `yaml:"sample_rate"`
	Channels          int    `yaml:"channels"`
	FrameDurationMs   int    `yaml:"frame_duration_ms"`
	Encoding          string `yaml:"encoding"` // "pcm16" or "zstd"
	Denoise           bool   `yaml:"denoise"`
	JitterTargetDepth int    `yaml:"jitter_target_depth"` // frames
	JitterMaxDepth    int    `yaml:"jitter_max_depth"`    // frames
	MaxConcealFrames  int    `yaml:"max_conceal_frames"`
}

// HTTPConfig configures the status/metrics listener.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port" env:"INSANITY_HTTP_PORT,overwrite"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"INSANITY_LOG_LEVEL,overwrite"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads the configuration file, applies environment overrides and
// validates the result.
func Load(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Default returns a configuration with working defaults for every
// tunable; callers still must set identity, room and bridge settings.
func Default() *Config {
	return &Config{
		Identity: IdentityConfig{
			KeyPath: "insanity.key",
		},
		Rendezvous: RendezvousConfig{
			PublishInterval: 30,
			PollInterval:    2,
			CandidateTTL:    120,
		},
		Transport: TransportConfig{
			BindAddress:         "0.0.0.0",
			UDPPort:             0,
			BufferSize:          65536,
			PunchIntervalMs:     200,
			MaxPunchRounds:      25,
			HandshakeTimeoutMs:  5000,
			HandshakeAttempts:   5,
			HeartbeatIntervalMs: 2000,
			HeartbeatTimeoutMs:  6000,
			RevalidationWindow:  120,
			MaxRetryDuration:    30,
			TextAckTimeoutMs:    2000,
		},
		Audio: AudioConfig{
			SampleRate:        48000,
			Channels:          1,
			FrameDurationMs:   20,
			Encoding:          "zstd",
			Denoise:           true,
			JitterTargetDepth: 4,
			JitterMaxDepth:    16,
			MaxConcealFrames:  8,
		},
		HTTP: HTTPConfig{
			Enabled: false,
			Address: "127.0.0.1",
			Port:    9120,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	if err := c.Identity.Validate(); err != nil {
		return fmt.Errorf("identity config: %w", err)
	}

	if err := c.Rendezvous.Validate(); err != nil {
		return fmt.Errorf("rendezvous config: %w", err)
	}

	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates identity configuration.
func (i *IdentityConfig) Validate() error {
	if i.KeyPath == "" {
		return fmt.Errorf("key_path cannot be empty")
	}
	return nil
}

// Validate validates rendezvous configuration.
func (r *RendezvousConfig) Validate() error {
	if r.BridgeURL == "" {
		return fmt.Errorf("bridge_url cannot be empty")
	}

	if r.Room == "" {
		return fmt.Errorf("room cannot be empty")
	}

	if r.PublishInterval < 1 {
		return fmt.Errorf("publish_interval must be at least 1 second, got %d", r.PublishInterval)
	}

	if r.PollInterval < 1 {
		return fmt.Errorf("poll_interval must be at least 1 second, got %d", r.PollInterval)
	}

	if r.CandidateTTL < r.PublishInterval {
		return fmt.Errorf("candidate_ttl (%d) must be at least publish_interval (%d)",
			r.CandidateTTL, r.PublishInterval)
	}

	return nil
}

// Validate validates transport configuration.
func (t *TransportConfig) Validate() error {
	if t.UDPPort < 0 || t.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 0 and 65535, got %d", t.UDPPort)
	}

	if t.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if t.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", t.BufferSize)
	}

	if t.PunchIntervalMs < 10 {
		return fmt.Errorf("punch_interval_ms must be at least 10, got %d", t.PunchIntervalMs)
	}

	if t.MaxPunchRounds < 1 {
		return fmt.Errorf("max_punch_rounds must be at least 1, got %d", t.MaxPunchRounds)
	}

	if t.HandshakeTimeoutMs < 100 {
		return fmt.Errorf("handshake_timeout_ms must be at least 100, got %d", t.HandshakeTimeoutMs)
	}

	if t.HandshakeAttempts < 1 {
		return fmt.Errorf("handshake_attempts must be at least 1, got %d", t.HandshakeAttempts)
	}

	if t.HeartbeatIntervalMs < 100 {
		return fmt.Errorf("heartbeat_interval_ms must be at least 100, got %d", t.HeartbeatIntervalMs)
	}

	if t.HeartbeatTimeoutMs <= t.HeartbeatIntervalMs {
		return fmt.Errorf("heartbeat_timeout_ms (%d) must exceed heartbeat_interval_ms (%d)",
			t.HeartbeatTimeoutMs, t.HeartbeatIntervalMs)
	}

	if t.RevalidationWindow < 1 {
		return fmt.Errorf("revalidation_window must be at least 1 second, got %d", t.RevalidationWindow)
	}

	if t.MaxRetryDuration < 1 {
		return fmt.Errorf("max_retry_duration must be at least 1 second, got %d", t.MaxRetryDuration)
	}

	if t.TextAckTimeoutMs < 100 {
		return fmt.Errorf("text_ack_timeout_ms must be at least 100, got %d", t.TextAckTimeoutMs)
	}

	return nil
}

// Validate validates audio configuration.
func (a *AudioConfig) Validate() error {
	switch a.SampleRate {
	case 8000, 16000, 24000, 44100, 48000:
	default:
		return fmt.Errorf("unsupported sample_rate: %d", a.SampleRate)
	}

	if a.Channels != 1 && a.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", a.Channels)
	}

	if a.FrameDurationMs < 10 || a.FrameDurationMs > 60 {
		return fmt.Errorf("frame_duration_ms must be between 10 and 60, got %d", a.FrameDurationMs)
	}

	if a.Encoding != "pcm16" && a.Encoding != "zstd" {
		return fmt.Errorf("encoding must be 'pcm16' or 'zstd', got '%s'", a.Encoding)
	}

	if a.JitterTargetDepth < 1 {
		return fmt.Errorf("jitter_target_depth must be at least 1 frame, got %d", a.JitterTargetDepth)
	}

	if a.JitterMaxDepth <= a.JitterTargetDepth {
		return fmt.Errorf("jitter_max_depth (%d) must exceed jitter_target_depth (%d)",
			a.JitterMaxDepth, a.JitterTargetDepth)
	}

	if a.MaxConcealFrames < 1 {
		return fmt.Errorf("max_conceal_frames must be at least 1, got %d", a.MaxConcealFrames)
	}

	return nil
}

// Validate validates HTTP configuration.
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration.
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetPublishInterval returns the publish interval as a time.Duration.
func (r *RendezvousConfig) GetPublishInterval() time.Duration {
	return time.Duration(r.PublishInterval) * time.Second
}

// GetPollInterval returns the poll interval as a time.Duration.
func (r *RendezvousConfig) GetPollInterval() time.Duration {
	return time.Duration(r.PollInterval) * time.Second
}

// GetCandidateTTL returns the candidate TTL as a time.Duration.
func (r *RendezvousConfig) GetCandidateTTL() time.Duration {
	return time.Duration(r.CandidateTTL) * time.Second
}

// GetPunchInterval returns the punch interval as a time.Duration.
func (t *TransportConfig) GetPunchInterval() time.Duration {
	return time.Duration(t.PunchIntervalMs) * time.Millisecond
}

// GetHandshakeTimeout returns the handshake timeout as a time.Duration.
func (t *TransportConfig) GetHandshakeTimeout() time.Duration {
	return time.Duration(t.HandshakeTimeoutMs) * time.Millisecond
}

// GetHeartbeatInterval returns the heartbeat interval as a time.Duration.
func (t *TransportConfig) GetHeartbeatInterval() time.Duration {
	return time.Duration(t.HeartbeatIntervalMs) * time.Millisecond
}

// GetHeartbeatTimeout returns the heartbeat timeout as a time.Duration.
func (t *TransportConfig) GetHeartbeatTimeout() time.Duration {
	return time.Duration(t.HeartbeatTimeoutMs) * time.Millisecond
}

// GetRevalidationWindow returns the revalidation window as a time.Duration.
func (t *TransportConfig) GetRevalidationWindow() time.Duration {
	return time.Duration(t.RevalidationWindow) * time.Second
}

// GetMaxRetryDuration returns the maximum retry duration as a time.Duration.
func (t *TransportConfig) GetMaxRetryDuration() time.Duration {
	return time.Duration(t.MaxRetryDuration) * time.Second
}

// GetTextAckTimeout returns the text ack timeout as a time.Duration.
func (t *TransportConfig) GetTextAckTimeout() time.Duration {
	return time.Duration(t.TextAckTimeoutMs) * time.Millisecond
}

// GetFrameDuration returns the frame duration as a time.Duration.
func (a *AudioConfig) GetFrameDuration() time.Duration {
	return time.Duration(a.FrameDurationMs) * time.Millisecond
}

// FrameSamples returns the number of samples per frame per channel.
func (a *AudioConfig) FrameSamples() int {
	return a.SampleRate * a.FrameDurationMs / 1000
}
