// Package main provides the entry point for the EntraFlow server.
// This is an identity governance pipeline: it pulls governance data from
// the Microsoft Entra directory API, forwards normalized events to a
// Splunk HEC collector, and receives correlation alerts back.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lqviet/entraflow/internal/alerts"
	"github.com/lqviet/entraflow/internal/api"
	"github.com/lqviet/entraflow/internal/collector"
	"github.com/lqviet/entraflow/internal/config"
	"github.com/lqviet/entraflow/internal/forwarder"
	"github.com/lqviet/entraflow/internal/governance"
	"github.com/lqviet/entraflow/internal/graph"
	"github.com/lqviet/entraflow/internal/observability"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("EntraFlow %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting EntraFlow",
		zap.String("version", Version),
		zap.String("config", *configPath))

	metrics := observability.NewMetrics()

	client := graph.NewClient(graph.Config{
		TenantID:       cfg.Graph.TenantID,
		ClientID:       cfg.Graph.ClientID,
		ClientSecret:   cfg.Graph.ClientSecret(),
		Authority:      cfg.Graph.Authority,
		Scopes:         cfg.Graph.Scopes,
		UseBeta:        cfg.Graph.UseBeta,
		Timeout:        cfg.Graph.Timeout,
		MaxRetries:     cfg.Graph.MaxRetries,
		RetryDelay:     cfg.Graph.RetryDelay,
		RateLimit:      cfg.Graph.RateLimit,
		RateBurst:      cfg.Graph.RateBurst,
		TokenCacheFile: cfg.Graph.TokenCacheFile,
	}, logger, metrics)

	directory := governance.NewDirectory(client, logger)

	conn, err := collector.New(collector.Config{
		URL:        cfg.Collector.URL,
		TokenEnv:   cfg.Collector.TokenEnv,
		Index:      cfg.Collector.Index,
		Source:     cfg.Collector.Source,
		SourceType: cfg.Collector.SourceType,
		Host:       cfg.Collector.Host,
		Timeout:    cfg.Collector.Timeout,
		MaxRetries: cfg.Collector.MaxRetries,
		MockMode:   cfg.Collector.MockMode,
	}, logger, metrics)
	if err != nil {
		logger.Fatal("collector init failed", zap.Error(err))
	}

	fwd := forwarder.New(conn, logger)

	dedup, rdb := newDedupStore(cfg, logger)
	if rdb != nil {
		defer rdb.Close()
	}

	receiver, err := alerts.NewReceiver(alerts.Config{
		AutoRemediation:  cfg.Alerts.AutoRemediation,
		DedupTTL:         cfg.Alerts.DedupTTL,
		HistorySize:      cfg.Alerts.HistorySize,
		RemediationScore: cfg.Alerts.RemediationScore,
	}, dedup, logger, metrics)
	if err != nil {
		logger.Fatal("receiver init failed", zap.Error(err))
	}

	registerRemediators(receiver, directory, fwd, logger)

	srv := api.New(api.Config{
		WebhookTokenEnv: cfg.Server.WebhookTokenEnv,
		RequestTimeout:  cfg.Server.WriteTimeout,
	}, receiver, conn, fwd, metrics, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := <-sigChan
	logger.Info("shutting down", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}

	logger.Info("server stopped")
	_ = ctx
}

// newDedupStore builds the alert dedup store: Redis when configured so
// replicas share suppression state, in-memory otherwise.
func newDedupStore(cfg *config.Config, logger *zap.Logger) (alerts.DedupStore, *redis.Client) {
	if !cfg.Alerts.UseRedisDedup {
		return alerts.NewMemoryStore(cfg.Alerts.DedupTTL), nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: os.Getenv(cfg.Redis.PasswordEnv),
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, falling back to in-memory dedup", zap.Error(err))
		rdb.Close()
		return alerts.NewMemoryStore(cfg.Alerts.DedupTTL), nil
	}

	logger.Info("using redis dedup store", zap.String("addr", cfg.Redis.Addr))
	return alerts.NewRedisStore(rdb, cfg.Alerts.DedupTTL), rdb
}

// registerRemediators wires the built-in remediation actions. Actions
// only run for alerts that clear the auto-remediation score threshold.
func registerRemediators(receiver *alerts.Receiver, directory *governance.Directory, fwd *forwarder.Forwarder, logger *zap.Logger) {
	// Privilege abuse: snapshot the user's active role assignments so
	// responders see what the account held at alert time.
	receiver.Register(alerts.CategoryPrivilegeAbuse, alerts.NewRemediator("snapshot_role_assignments",
		func(ctx context.Context, alert *alerts.Alert) (bool, error) {
			assignments, err := directory.ActiveAssignments(ctx)
			if err != nil {
				return false, fmt.Errorf("failed to list active assignments: %w", err)
			}
			logger.Info("captured role assignment snapshot",
				zap.String("alert_id", alert.ID),
				zap.String("user", alert.AffectedUser),
				zap.Int("assignments", len(assignments)))
			return true, nil
		}))

	// Compliance risk: feed the alert back to the collector as a
	// compliance violation so it lands in the governance index.
	receiver.Register(alerts.CategoryComplianceRisk, alerts.NewRemediator("forward_compliance_violation",
		func(ctx context.Context, alert *alerts.Alert) (bool, error) {
			ok := fwd.ForwardComplianceViolation(ctx, forwarder.ComplianceViolationEvent{
				ViolationID:    alert.ID,
				ViolationType:  string(alert.Category),
				Severity:       forwarder.Severity(alert.Severity),
				AffectedEntity: alert.AffectedUser,
				Description:    alert.Description,
				Remediation:    "review correlated events and confirm entitlement scope",
			})
			if !ok {
				return false, fmt.Errorf("collector rejected violation event")
			}
			return true, nil
		}))

	// Policy violation: refresh the conditional access policy snapshot
	// so the stats endpoint reflects current policy state.
	receiver.Register(alerts.CategoryPolicyViolation, alerts.NewRemediator("refresh_policy_snapshot",
		func(ctx context.Context, alert *alerts.Alert) (bool, error) {
			policies, err := directory.ConditionalAccessPolicies(ctx)
			if err != nil {
				return false, fmt.Errorf("failed to refresh policies: %w", err)
			}
			logger.Info("refreshed conditional access snapshot",
				zap.String("alert_id", alert.ID),
				zap.Int("policies", len(policies)))
			return true, nil
		}))
}
