package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/nicolaschan/insanity/internal/identity"
	"github.com/nicolaschan/insanity/internal/metrics"
)

// Client publishes this peer's candidates to a bridge room and polls
// the room for other peers. It never trusts the bridge with anything
// beyond addressing: keys are verified end to end during the handshake.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// Statistics
	publishes     uint64
	publishErrors uint64
	polls         uint64
	pollErrors    uint64
	lastPublish   time.Time
	lastPoll      time.Time

	mu sync.RWMutex
}

// Config contains bridge client configuration.
type Config struct {
	BaseURL         string
	Room            string
	SelfKey         identity.PublicKey // Excluded from poll results
	PublishInterval time.Duration
	PollInterval    time.Duration
	CandidateTTL    time.Duration // Room entries older than this are ignored
	Timeout         time.Duration
}

// ClientStats represents client statistics for the status endpoint.
type ClientStats struct {
	Publishes     uint64    `json:"publishes"`
	PublishErrors uint64    `json:"publish_errors"`
	Polls         uint64    `json:"polls"`
	PollErrors    uint64    `json:"poll_errors"`
	LastPublish   time.Time `json:"last_publish"`
	LastPoll      time.Time `json:"last_poll"`
}

// NewClient creates a bridge client.
func NewClient(config Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("bridge URL cannot be empty")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid bridge URL: %w", err)
	}
	if config.Room == "" {
		return nil, fmt.Errorf("room cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:  logger.With("component", "rendezvous"),
		metrics: m,
	}, nil
}

// Publish announces this peer's candidates to the room.
func (c *Client) Publish(ctx context.Context, announcement Announcement) error {
	c.mu.Lock()
	c.publishes++
	c.lastPublish = time.Now()
	c.mu.Unlock()

	body, err := json.Marshal(announcement)
	if err != nil {
		return fmt.Errorf("failed to encode announcement: %w", err)
	}

	endpoint := fmt.Sprintf("%s/rooms/%s/announce", c.config.BaseURL, url.PathEscape(c.config.Room))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create announce request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	c.metrics.RecordPublish(err)
	if err != nil {
		c.recordPublishError()
		return fmt.Errorf("announce request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.recordPublishError()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("bridge rejected announce with HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// FetchPeers returns the room's current candidates, excluding this
// peer's own entry.
func (c *Client) FetchPeers(ctx context.Context) ([]PeerCandidate, error) {
	c.mu.Lock()
	c.polls++
	c.lastPoll = time.Now()
	c.mu.Unlock()

	endpoint := fmt.Sprintf("%s/rooms/%s/peers", c.config.BaseURL, url.PathEscape(c.config.Room))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create peers request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordPollError()
		return nil, fmt.Errorf("peers request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.recordPollError()
		return nil, fmt.Errorf("bridge returned HTTP %d for peer listing", resp.StatusCode)
	}

	var entries []PeerEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		c.recordPollError()
		return nil, fmt.Errorf("failed to parse peer listing: %w", err)
	}

	candidates := make([]PeerCandidate, 0, len(entries))
	for _, entry := range entries {
		candidate, err := DecodeEntry(entry)
		if err != nil {
			c.logger.Warn("skipping malformed room entry", "error", err)
			continue
		}
		if candidate.Key == c.config.SelfKey {
			continue
		}
		// Peers that stopped announcing are likely gone; probing their
		// stale addresses only burns punch rounds.
		if c.config.CandidateTTL > 0 && !candidate.ObservedAt.IsZero() &&
			time.Since(candidate.ObservedAt) > c.config.CandidateTTL {
			continue
		}
		candidates = append(candidates, candidate)
	}
	c.metrics.RecordCandidates(len(candidates))

	return candidates, nil
}

// Run publishes and polls on their configured intervals until the
// context is cancelled, delivering each poll's candidates on out. A
// failed poll or publish is logged and retried on the next tick; the
// bridge being down must never take down established sessions.
func (c *Client) Run(ctx context.Context, announcement Announcement, out chan<- []PeerCandidate) {
	// Announce immediately so a fresh room sees us without waiting a
	// full publish interval.
	if err := c.Publish(ctx, announcement); err != nil {
		c.logger.Warn("initial announce failed", "error", err)
	}

	publishTicker := time.NewTicker(c.config.PublishInterval)
	defer publishTicker.Stop()
	pollTicker := time.NewTicker(c.config.PollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-publishTicker.C:
			if err := c.Publish(ctx, announcement); err != nil {
				c.logger.Warn("announce failed", "error", err)
			}

		case <-pollTicker.C:
			candidates, err := c.FetchPeers(ctx)
			if err != nil {
				c.logger.Warn("peer poll failed", "error", err)
				continue
			}
			select {
			case out <- candidates:
			case <-ctx.Done():
				return
			default:
				// Consumer is behind; the next poll supersedes this
				// result anyway.
			}
		}
	}
}

// Stats returns a snapshot of client statistics.
func (c *Client) Stats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ClientStats{
		Publishes:     c.publishes,
		PublishErrors: c.publishErrors,
		Polls:         c.polls,
		PollErrors:    c.pollErrors,
		LastPublish:   c.lastPublish,
		LastPoll:      c.lastPoll,
	}
}

func (c *Client) recordPublishError() {
	c.mu.Lock()
	c.publishErrors++
	c.mu.Unlock()
}

func (c *Client) recordPollError() {
	c.mu.Lock()
	c.pollErrors++
	c.mu.Unlock()
}
