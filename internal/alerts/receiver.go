package alerts

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/lqviet/entraflow/internal/observability"
)

// Processing statuses returned to the webhook caller.
const (
	StatusProcessed = "processed"
	StatusDuplicate = "duplicate"
	StatusError     = "error"
)

// Result is the structured outcome of processing one alert. No bare
// errors cross the receiver boundary.
type Result struct {
	Status           string   `json:"status"`
	AlertID          string   `json:"alert_id,omitempty"`
	Severity         Severity `json:"severity,omitempty"`
	Category         Category `json:"category,omitempty"`
	CorrelationScore float64  `json:"correlation_score,omitempty"`
	ActionsTaken     []string `json:"actions_taken,omitempty"`
	Message          string   `json:"message,omitempty"`
}

// Statistics is a snapshot of the receiver counters.
type Statistics struct {
	AlertsReceived    int64   `json:"alerts_received"`
	AlertsProcessed   int64   `json:"alerts_processed"`
	AlertsFailed      int64   `json:"alerts_failed"`
	SuccessRate       float64 `json:"success_rate"`
	RemediationsTaken int64   `json:"remediation_actions_taken"`
	AutoRemediation   bool    `json:"auto_remediation_enabled"`
	CachedAlerts      int     `json:"cached_alerts"`
}

// Config holds receiver settings.
type Config struct {
	AutoRemediation bool
	DedupTTL        time.Duration
	HistorySize     int
	// RemediationScore is the minimum enriched score that triggers
	// remediation dispatch.
	RemediationScore float64
}

type historyEntry struct {
	Category   Category
	Severity   Severity
	ReceivedAt time.Time
}

// Receiver processes inbound correlation alerts:
// received -> validated -> (duplicate | scored) -> processed -> cached.
type Receiver struct {
	cfg     Config
	dedup   DedupStore
	history *lru.Cache[string, historyEntry]
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu         sync.Mutex
	handlers   map[Category][]Remediator
	received   int64
	processed  int64
	failed     int64
	remediated int64
}

// NewReceiver creates an alert receiver over the given dedup store.
// metrics may be nil.
func NewReceiver(cfg Config, dedup DedupStore, logger *zap.Logger, metrics *observability.Metrics) (*Receiver, error) {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = time.Hour
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	if cfg.RemediationScore <= 0 {
		cfg.RemediationScore = 70
	}

	history, err := lru.New[string, historyEntry](cfg.HistorySize)
	if err != nil {
		return nil, err
	}

	return &Receiver{
		cfg:      cfg,
		dedup:    dedup,
		history:  history,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		handlers: make(map[Category][]Remediator),
	}, nil
}

// Register adds a remediation handler for a category. Multiple handlers
// per category run independently in registration order.
func (r *Receiver) Register(category Category, handler Remediator) {
	r.mu.Lock()
	r.handlers[category] = append(r.handlers[category], handler)
	r.mu.Unlock()
	r.logger.Info("registered remediation handler",
		zap.String("category", string(category)), zap.String("handler", handler.Name()))
}

// Receive processes one webhook payload. A malformed or duplicate alert
// never aborts processing of subsequent alerts.
func (r *Receiver) Receive(ctx context.Context, payload []byte) Result {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.AlertsReceived.Inc()
	}

	alert, err := ParseAlert(payload)
	if err != nil {
		r.mu.Lock()
		r.failed++
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.AlertsFailed.Inc()
		}
		r.logger.Warn("alert rejected", zap.Error(err))

		var verr *ValidationError
		if errors.As(err, &verr) {
			return Result{Status: StatusError, Message: verr.Error()}
		}
		return Result{Status: StatusError, Message: err.Error()}
	}

	seen, derr := r.dedup.Seen(ctx, alert.ID)
	if derr != nil {
		// A failing dedup store must not drop alerts; treat as unseen.
		r.logger.Error("dedup lookup failed", zap.Error(derr))
	}
	if seen {
		if r.metrics != nil {
			r.metrics.AlertsDuplicate.Inc()
		}
		r.logger.Info("duplicate alert skipped", zap.String("alert_id", alert.ID))
		return Result{
			Status:  StatusDuplicate,
			AlertID: alert.ID,
			Message: "alert already processed",
		}
	}

	alert.CorrelationScore = CorrelationScore(alert)

	result := Result{
		Status:           StatusProcessed,
		AlertID:          alert.ID,
		Severity:         alert.Severity,
		Category:         alert.Category,
		CorrelationScore: alert.CorrelationScore,
	}

	r.logger.Info("processing alert",
		zap.String("alert_id", alert.ID),
		zap.String("severity", string(alert.Severity)),
		zap.String("category", string(alert.Category)),
		zap.Float64("score", alert.CorrelationScore))

	if r.cfg.AutoRemediation && alert.CorrelationScore >= r.cfg.RemediationScore {
		result.ActionsTaken = r.dispatch(ctx, alert)
		r.mu.Lock()
		r.remediated += int64(len(result.ActionsTaken))
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.processed++
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.AlertsProcessed.Inc()
	}

	if err := r.dedup.Record(ctx, alert.ID); err != nil {
		r.logger.Error("dedup record failed", zap.Error(err))
	}
	r.history.Add(alert.ID, historyEntry{
		Category:   alert.Category,
		Severity:   alert.Severity,
		ReceivedAt: r.now(),
	})

	return result
}

// dispatch runs every handler registered for the alert's category. A
// failing handler is logged and skipped without aborting its siblings.
func (r *Receiver) dispatch(ctx context.Context, alert *Alert) []string {
	r.mu.Lock()
	handlers := make([]Remediator, len(r.handlers[alert.Category]))
	copy(handlers, r.handlers[alert.Category])
	r.mu.Unlock()

	if len(handlers) == 0 {
		r.logger.Warn("no remediation handlers registered",
			zap.String("category", string(alert.Category)))
		return nil
	}

	var actions []string
	for _, handler := range handlers {
		ok, err := handler.Remediate(ctx, alert)
		if err != nil {
			r.logger.Error("remediation handler failed",
				zap.String("handler", handler.Name()),
				zap.String("alert_id", alert.ID),
				zap.Error(err))
			continue
		}
		if ok {
			actions = append(actions, handler.Name())
			r.logger.Info("remediation action completed",
				zap.String("handler", handler.Name()),
				zap.String("alert_id", alert.ID))
		}
	}
	return actions
}

// GetStatistics returns the receiver counters and the live cache size.
func (r *Receiver) GetStatistics(ctx context.Context) Statistics {
	r.mu.Lock()
	stats := Statistics{
		AlertsReceived:    r.received,
		AlertsProcessed:   r.processed,
		AlertsFailed:      r.failed,
		RemediationsTaken: r.remediated,
		AutoRemediation:   r.cfg.AutoRemediation,
	}
	r.mu.Unlock()

	if stats.AlertsReceived > 0 {
		stats.SuccessRate = float64(stats.AlertsProcessed) / float64(stats.AlertsReceived)
	}

	size, err := r.dedup.Size(ctx)
	if err != nil {
		r.logger.Error("dedup size failed", zap.Error(err))
	}
	stats.CachedAlerts = size

	return stats
}

// AlertHistory returns recently processed alert ids, newest first,
// optionally filtered by category and severity. The history is
// cache-backed and ephemeral, not an audit log.
func (r *Receiver) AlertHistory(category Category, severity Severity, limit int) []string {
	if limit <= 0 {
		limit = 100
	}

	keys := r.history.Keys() // oldest first
	ids := make([]string, 0, limit)
	for i := len(keys) - 1; i >= 0 && len(ids) < limit; i-- {
		entry, ok := r.history.Peek(keys[i])
		if !ok {
			continue
		}
		if category != "" && entry.Category != category {
			continue
		}
		if severity != "" && entry.Severity != severity {
			continue
		}
		ids = append(ids, keys[i])
	}
	return ids
}
