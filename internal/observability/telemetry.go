// Package observability provides logging and metrics for the pipeline.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger from the level/format pair used in the
// config file.
func NewLogger(level, format string) (*zap.Logger, error) {
	var config zap.Config

	if format == "console" {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	switch level {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return config.Build()
}

// Metrics holds Prometheus metrics for the pipeline components.
type Metrics struct {
	GraphRequests *prometheus.CounterVec
	GraphRetries  *prometheus.CounterVec

	EventsSent   prometheus.Counter
	EventsFailed prometheus.Counter

	AlertsReceived  prometheus.Counter
	AlertsProcessed prometheus.Counter
	AlertsDuplicate prometheus.Counter
	AlertsFailed    prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics registers and returns the pipeline metric set on a private
// registry so tests can create instances without collision.
func NewMetrics() *Metrics {
	const namespace = "entraflow"

	reg := prometheus.NewRegistry()
	factory := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}

	m := &Metrics{
		GraphRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "graph_requests_total",
				Help:      "Directory API requests by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		GraphRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "graph_retries_total",
				Help:      "Directory API retries by reason",
			},
			[]string{"reason"},
		),
		EventsSent:      factory("events_sent_total", "Events delivered to the collector"),
		EventsFailed:    factory("events_failed_total", "Events that exhausted collector retries"),
		AlertsReceived:  factory("alerts_received_total", "Correlation alerts received"),
		AlertsProcessed: factory("alerts_processed_total", "Correlation alerts fully processed"),
		AlertsDuplicate: factory("alerts_duplicate_total", "Correlation alerts skipped as duplicates"),
		AlertsFailed:    factory("alerts_failed_total", "Correlation alerts rejected by validation"),
		registry:        reg,
	}
	reg.MustRegister(m.GraphRequests, m.GraphRetries)

	return m
}

// Handler exposes the metric set for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
