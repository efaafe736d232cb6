// Package collector provides an HEC-style connector that ships
// governance events to a log-collection endpoint as newline-delimited
// JSON, with batching, retries, and a mock mode for pipeline rehearsal.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/lqviet/entraflow/internal/observability"
)

const eventPath = "/services/collector/event"

// Config holds connector settings. Token is resolved from TokenEnv so
// the secret never lands in a config file.
type Config struct {
	URL        string
	TokenEnv   string
	Index      string
	Source     string
	SourceType string
	Host       string
	Timeout    time.Duration
	MaxRetries int
	MockMode   bool
}

// Envelope wraps one raw event under the fixed transport fields the
// collector expects.
type Envelope struct {
	Time       float64     `json:"time"`
	Host       string      `json:"host"`
	Source     string      `json:"source"`
	SourceType string      `json:"sourcetype"`
	Index      string      `json:"index"`
	Event      interface{} `json:"event"`
}

// Statistics are the connector's monotonically increasing counters.
type Statistics struct {
	EventsSent   int64   `json:"events_sent"`
	EventsFailed int64   `json:"events_failed"`
	BytesSent    int64   `json:"bytes_sent"`
	SuccessRate  float64 `json:"success_rate"`
	MockMode     bool    `json:"mock_mode"`
}

// Connector posts event batches to the collector endpoint. Safe for
// concurrent use.
type Connector struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time

	mu           sync.Mutex
	eventsSent   int64
	eventsFailed int64
	bytesSent    int64
}

// New creates a connector. metrics may be nil.
func New(cfg Config, logger *zap.Logger, metrics *observability.Metrics) (*Connector, error) {
	if !cfg.MockMode {
		if cfg.URL == "" {
			return nil, fmt.Errorf("collector URL is required")
		}
		if os.Getenv(cfg.TokenEnv) == "" {
			return nil, fmt.Errorf("collector token not found in env var: %s", cfg.TokenEnv)
		}
	}

	return &Connector{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}, nil
}

// SendEvent delivers a single event.
func (c *Connector) SendEvent(ctx context.Context, event interface{}) bool {
	return c.SendEvents(ctx, []interface{}{event})
}

// SendEvents delivers a batch of events as one all-or-nothing call.
// Failure after exhausting retries counts the full batch as failed.
func (c *Connector) SendEvents(ctx context.Context, events []interface{}) bool {
	if len(events) == 0 {
		c.logger.Warn("no events to send")
		return false
	}

	if c.cfg.MockMode {
		c.logger.Info("[mock] would send events to collector", zap.Int("count", len(events)))
		c.addSent(len(events), 0)
		return true
	}

	payload, err := c.buildPayload(events)
	if err != nil {
		c.logger.Error("failed to build collector payload", zap.Error(err))
		c.addFailed(len(events))
		return false
	}

	if err := c.sendWithRetry(ctx, payload); err != nil {
		c.logger.Error("failed to deliver events",
			zap.Int("count", len(events)), zap.Error(err))
		c.addFailed(len(events))
		return false
	}

	c.addSent(len(events), len(payload))
	c.logger.Info("events delivered", zap.Int("count", len(events)))
	return true
}

// buildPayload serializes the batch into newline-delimited envelopes.
func (c *Connector) buildPayload(events []interface{}) ([]byte, error) {
	var buf bytes.Buffer
	ts := float64(c.now().UnixNano()) / float64(time.Second)

	for _, event := range events {
		env := Envelope{
			Time:       ts,
			Host:       c.cfg.Host,
			Source:     c.cfg.Source,
			SourceType: c.cfg.SourceType,
			Index:      c.cfg.Index,
			Event:      event,
		}
		data, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("encoding envelope: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	return buf.Bytes(), nil
}

func (c *Connector) sendWithRetry(ctx context.Context, payload []byte) error {
	attempts := c.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
	)

	attempt := 0
	return r.Do(func() error {
		attempt++
		err := c.post(ctx, payload)
		if err != nil {
			c.logger.Warn("collector delivery attempt failed",
				zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	})
}

func (c *Connector) post(ctx context.Context, payload []byte) error {
	url := strings.TrimSuffix(c.cfg.URL, "/") + eventPath

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Splunk "+os.Getenv(c.cfg.TokenEnv))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("collector request failed: %w", err)
	}
	defer resp.Body.Close()

	// 200 is the only success signal.
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("collector returned %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// HealthCheck verifies connectivity by delivering a probe event.
func (c *Connector) HealthCheck(ctx context.Context) bool {
	if c.cfg.MockMode {
		return true
	}

	probe := map[string]interface{}{
		"message":    "health check",
		"check_type": "connectivity",
		"timestamp":  c.now().UTC().Format(time.RFC3339),
	}
	return c.SendEvent(ctx, probe)
}

// GetStatistics returns a snapshot of the connector counters.
func (c *Connector) GetStatistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.eventsSent + c.eventsFailed
	rate := 0.0
	if total > 0 {
		rate = float64(c.eventsSent) / float64(total)
	}

	return Statistics{
		EventsSent:   c.eventsSent,
		EventsFailed: c.eventsFailed,
		BytesSent:    c.bytesSent,
		SuccessRate:  rate,
		MockMode:     c.cfg.MockMode,
	}
}

func (c *Connector) addSent(events, bytes int) {
	c.mu.Lock()
	c.eventsSent += int64(events)
	c.bytesSent += int64(bytes)
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.EventsSent.Add(float64(events))
	}
}

func (c *Connector) addFailed(events int) {
	c.mu.Lock()
	c.eventsFailed += int64(events)
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.EventsFailed.Add(float64(events))
	}
}
