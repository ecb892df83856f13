package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Rendezvous.BridgeURL = "http://127.0.0.1:8080"
	cfg.Rendezvous.Room = "testing"
	return cfg
}

func TestDefaultConfigValid(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("default config with bridge settings should validate: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty key path", func(c *Config) { c.Identity.KeyPath = "" }},
		{"empty bridge url", func(c *Config) { c.Rendezvous.BridgeURL = "" }},
		{"empty room", func(c *Config) { c.Rendezvous.Room = "" }},
		{"ttl below publish interval", func(c *Config) { c.Rendezvous.CandidateTTL = 5 }},
		{"negative udp port", func(c *Config) { c.Transport.UDPPort = -1 }},
		{"udp port too large", func(c *Config) { c.Transport.UDPPort = 70000 }},
		{"tiny buffer", func(c *Config) { c.Transport.BufferSize = 100 }},
		{"heartbeat timeout below interval", func(c *Config) {
			c.Transport.HeartbeatTimeoutMs = c.Transport.HeartbeatIntervalMs
		}},
		{"unsupported sample rate", func(c *Config) { c.Audio.SampleRate = 11025 }},
		{"bad channel count", func(c *Config) { c.Audio.Channels = 3 }},
		{"unknown encoding", func(c *Config) { c.Audio.Encoding = "opus" }},
		{"jitter max below target", func(c *Config) {
			c.Audio.JitterMaxDepth = c.Audio.JitterTargetDepth
		}},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"http enabled without port", func(c *Config) {
			c.HTTP.Enabled = true
			c.HTTP.Port = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	yaml := `
identity:
  key_path: /tmp/insanity.key
  display_name: alice
rendezvous:
  bridge_url: http://bridge.example:8080
  room: garden
  publish_interval: 15
  poll_interval: 2
  candidate_ttl: 60
transport:
  bind_address: 0.0.0.0
  udp_port: 41000
  buffer_size: 65536
  punch_interval_ms: 200
  max_punch_rounds: 25
  handshake_timeout_ms: 5000
  handshake_attempts: 5
  heartbeat_interval_ms: 2000
  heartbeat_timeout_ms: 6000
  revalidation_window: 120
  max_retry_duration: 30
  text_ack_timeout_ms: 2000
audio:
  sample_rate: 48000
  channels: 1
  frame_duration_ms: 20
  encoding: zstd
  denoise: true
  jitter_target_depth: 4
  jitter_max_depth: 16
  max_conceal_frames: 8
http:
  enabled: true
  address: 127.0.0.1
  port: 9120
logging:
  level: debug
  format: json
  output: stdout
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Transport.UDPPort != 41000 {
		t.Errorf("expected udp port 41000, got %d", cfg.Transport.UDPPort)
	}
	if cfg.Rendezvous.Room != "garden" {
		t.Errorf("expected room 'garden', got '%s'", cfg.Rendezvous.Room)
	}
	if cfg.Audio.Encoding != "zstd" {
		t.Errorf("expected zstd encoding, got '%s'", cfg.Audio.Encoding)
	}
	if !cfg.Audio.Denoise {
		t.Error("expected denoise enabled")
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	yaml := `
identity:
  key_path: /tmp/insanity.key
rendezvous:
  bridge_url: http://bridge.example:8080
  room: garden
  publish_interval: 15
  poll_interval: 2
  candidate_ttl: 60
transport:
  bind_address: 0.0.0.0
  udp_port: 41000
  buffer_size: 65536
  punch_interval_ms: 200
  max_punch_rounds: 25
  handshake_timeout_ms: 5000
  handshake_attempts: 5
  heartbeat_interval_ms: 2000
  heartbeat_timeout_ms: 6000
  revalidation_window: 120
  max_retry_duration: 30
  text_ack_timeout_ms: 2000
audio:
  sample_rate: 48000
  channels: 1
  frame_duration_ms: 20
  encoding: pcm16
  jitter_target_depth: 4
  jitter_max_depth: 16
  max_conceal_frames: 8
logging:
  level: info
  format: text
  output: stdout
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("INSANITY_ROOM", "attic")
	t.Setenv("INSANITY_UDP_PORT", "42000")

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Rendezvous.Room != "attic" {
		t.Errorf("env override for room not applied, got '%s'", cfg.Rendezvous.Room)
	}
	if cfg.Transport.UDPPort != 42000 {
		t.Errorf("env override for udp port not applied, got %d", cfg.Transport.UDPPort)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(context.Background(), "/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := validConfig()

	if got := cfg.Transport.GetHeartbeatInterval(); got != 2*time.Second {
		t.Errorf("expected 2s heartbeat interval, got %v", got)
	}
	if got := cfg.Transport.GetPunchInterval(); got != 200*time.Millisecond {
		t.Errorf("expected 200ms punch interval, got %v", got)
	}
	if got := cfg.Rendezvous.GetCandidateTTL(); got != 120*time.Second {
		t.Errorf("expected 120s candidate ttl, got %v", got)
	}
	if got := cfg.Audio.GetFrameDuration(); got != 20*time.Millisecond {
		t.Errorf("expected 20ms frame duration, got %v", got)
	}
	if got := cfg.Audio.FrameSamples(); got != 960 {
		t.Errorf("expected 960 samples per frame, got %d", got)
	}
}
