package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

// testAlert returns a valid webhook payload with optional overrides.
func testAlert(t *testing.T, overrides map[string]interface{}) []byte {
	t.Helper()
	alert := map[string]interface{}{
		"alert_id":          "alert-1",
		"search_name":       "Excessive Role Activations",
		"severity":          "high",
		"category":          "privilege_abuse",
		"description":       "user activated several privileged roles",
		"affected_user":     "jdoe@contoso.com",
		"event_count":       3,
		"time_window":       600,
		"correlation_score": 50,
		"first_seen":        "2026-08-30T09:00:00Z",
		"last_seen":         "2026-08-30T09:05:00Z",
	}
	for k, v := range overrides {
		alert[k] = v
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

// newTestReceiver builds a receiver over a clock-controlled memory store.
// The same clock drives the receiver and the dedup window.
func newTestReceiver(t *testing.T, cfg Config) (*Receiver, *time.Time) {
	t.Helper()

	store, clock := newClockedStore(cfg.DedupTTL)
	receiver, err := NewReceiver(cfg, store, zap.NewNop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	receiver.now = store.now
	return receiver, clock
}

// =============================================================================
// Parsing and Validation Tests
// =============================================================================

// TestParseAlert_Defaults verifies absent counts get producer defaults.
func TestParseAlert_Defaults(t *testing.T) {
	payload := testAlert(t, map[string]interface{}{"event_count": 0, "time_window": 0})

	alert, err := ParseAlert(payload)
	if err != nil {
		t.Fatalf("ParseAlert should succeed: %v", err)
	}
	if alert.EventCount != 1 {
		t.Errorf("expected default event_count=1, got %d", alert.EventCount)
	}
	if alert.TimeWindow != 300 {
		t.Errorf("expected default time_window=300, got %d", alert.TimeWindow)
	}
}

// TestParseAlert_Validation exercises the rejection cases.
func TestParseAlert_Validation(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]interface{}
		field     string
	}{
		{"missing id", map[string]interface{}{"alert_id": ""}, "alert_id"},
		{"missing search name", map[string]interface{}{"search_name": ""}, "search_name"},
		{"missing description", map[string]interface{}{"description": ""}, "description"},
		{"missing first seen", map[string]interface{}{"first_seen": ""}, "first_seen"},
		{"unknown severity", map[string]interface{}{"severity": "urgent"}, "severity"},
		{"unknown category", map[string]interface{}{"category": "weird"}, "category"},
		{"score above range", map[string]interface{}{"correlation_score": 150}, "correlation_score"},
		{"score below range", map[string]interface{}{"correlation_score": -5}, "correlation_score"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAlert(testAlert(t, tt.overrides))

			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, verr.Field)
			}
		})
	}
}

// TestParseAlert_MalformedJSON verifies junk payloads fail validation
// rather than panicking.
func TestParseAlert_MalformedJSON(t *testing.T) {
	if _, err := ParseAlert([]byte("{not json")); err == nil {
		t.Error("malformed payload should be rejected")
	}
}

// =============================================================================
// Processing and Deduplication Tests
// =============================================================================

// TestReceive_ProcessesAndScores verifies the happy path: the alert is
// accepted and the result carries the enriched score.
func TestReceive_ProcessesAndScores(t *testing.T) {
	receiver, _ := newTestReceiver(t, Config{DedupTTL: time.Hour})

	result := receiver.Receive(context.Background(), testAlert(t, nil))
	if result.Status != StatusProcessed {
		t.Fatalf("expected processed, got %q (%s)", result.Status, result.Message)
	}
	// base 50, high severity 1.2, no other boosts
	if result.CorrelationScore != 60 {
		t.Errorf("expected enriched score 60, got %v", result.CorrelationScore)
	}
	if result.Category != CategoryPrivilegeAbuse {
		t.Errorf("unexpected category %q", result.Category)
	}
}

// TestReceive_DuplicateWithinTTL verifies the full dedup cycle:
// processed, then duplicate inside the TTL, then processed again after it.
func TestReceive_DuplicateWithinTTL(t *testing.T) {
	receiver, clock := newTestReceiver(t, Config{DedupTTL: time.Hour})
	payload := testAlert(t, nil)

	if res := receiver.Receive(context.Background(), payload); res.Status != StatusProcessed {
		t.Fatalf("first delivery should process, got %q", res.Status)
	}

	res := receiver.Receive(context.Background(), payload)
	if res.Status != StatusDuplicate {
		t.Fatalf("repeat inside the TTL should be a duplicate, got %q", res.Status)
	}
	if res.AlertID != "alert-1" {
		t.Errorf("duplicate result should carry the alert id, got %q", res.AlertID)
	}

	*clock = clock.Add(61 * time.Minute)
	if res := receiver.Receive(context.Background(), payload); res.Status != StatusProcessed {
		t.Errorf("delivery after the TTL should process again, got %q", res.Status)
	}
}

// TestReceive_MalformedRejectedAndAbsentFromHistory verifies a rejected
// alert reports the validation detail and never reaches the history.
func TestReceive_MalformedRejectedAndAbsentFromHistory(t *testing.T) {
	receiver, _ := newTestReceiver(t, Config{DedupTTL: time.Hour})

	payload := testAlert(t, map[string]interface{}{"correlation_score": 150})
	result := receiver.Receive(context.Background(), payload)

	if result.Status != StatusError {
		t.Fatalf("expected error status, got %q", result.Status)
	}
	if !strings.Contains(result.Message, "correlation_score") {
		t.Errorf("message should name the invalid field, got %q", result.Message)
	}

	if ids := receiver.AlertHistory("", "", 0); len(ids) != 0 {
		t.Errorf("rejected alert must not enter the history, got %v", ids)
	}

	stats := receiver.GetStatistics(context.Background())
	if stats.AlertsFailed != 1 || stats.AlertsProcessed != 0 {
		t.Errorf("expected failed=1 processed=0, got %+v", stats)
	}
}

// TestReceive_FailingDedupStoreDoesNotDropAlerts verifies a broken dedup
// backend degrades to processing instead of dropping.
func TestReceive_FailingDedupStoreDoesNotDropAlerts(t *testing.T) {
	receiver, err := NewReceiver(Config{}, failingStore{}, zap.NewNop(), nil)
	if err != nil {
		t.Fatal(err)
	}

	result := receiver.Receive(context.Background(), testAlert(t, nil))
	if result.Status != StatusProcessed {
		t.Errorf("alert should process despite dedup failure, got %q", result.Status)
	}
}

type failingStore struct{}

func (failingStore) Seen(context.Context, string) (bool, error) {
	return false, errors.New("backend down")
}
func (failingStore) Record(context.Context, string) error { return errors.New("backend down") }
func (failingStore) Size(context.Context) (int, error)    { return 0, errors.New("backend down") }

// =============================================================================
// Remediation Dispatch Tests
// =============================================================================

// TestReceive_DispatchInRegistrationOrder verifies handlers run in
// registration order and that failures and declined actions are excluded
// without aborting siblings.
func TestReceive_DispatchInRegistrationOrder(t *testing.T) {
	receiver, _ := newTestReceiver(t, Config{
		AutoRemediation:  true,
		DedupTTL:         time.Hour,
		RemediationScore: 50,
	})

	var calls []string
	receiver.Register(CategoryPrivilegeAbuse, NewRemediator("first", func(ctx context.Context, a *Alert) (bool, error) {
		calls = append(calls, "first")
		return true, nil
	}))
	receiver.Register(CategoryPrivilegeAbuse, NewRemediator("broken", func(ctx context.Context, a *Alert) (bool, error) {
		calls = append(calls, "broken")
		return false, errors.New("api unavailable")
	}))
	receiver.Register(CategoryPrivilegeAbuse, NewRemediator("declined", func(ctx context.Context, a *Alert) (bool, error) {
		calls = append(calls, "declined")
		return false, nil
	}))
	receiver.Register(CategoryPrivilegeAbuse, NewRemediator("last", func(ctx context.Context, a *Alert) (bool, error) {
		calls = append(calls, "last")
		return true, nil
	}))

	result := receiver.Receive(context.Background(), testAlert(t, nil))
	if result.Status != StatusProcessed {
		t.Fatalf("expected processed, got %q", result.Status)
	}

	wantCalls := []string{"first", "broken", "declined", "last"}
	if len(calls) != len(wantCalls) {
		t.Fatalf("expected all handlers to run, got %v", calls)
	}
	for i, name := range wantCalls {
		if calls[i] != name {
			t.Errorf("call %d: expected %q, got %q", i, name, calls[i])
		}
	}

	wantActions := []string{"first", "last"}
	if len(result.ActionsTaken) != len(wantActions) {
		t.Fatalf("expected actions %v, got %v", wantActions, result.ActionsTaken)
	}
	for i, name := range wantActions {
		if result.ActionsTaken[i] != name {
			t.Errorf("action %d: expected %q, got %q", i, name, result.ActionsTaken[i])
		}
	}

	stats := receiver.GetStatistics(context.Background())
	if stats.RemediationsTaken != 2 {
		t.Errorf("expected 2 remediations counted, got %d", stats.RemediationsTaken)
	}
}

// TestReceive_BelowThresholdSkipsRemediation verifies alerts under the
// score threshold never dispatch.
func TestReceive_BelowThresholdSkipsRemediation(t *testing.T) {
	receiver, _ := newTestReceiver(t, Config{
		AutoRemediation:  true,
		DedupTTL:         time.Hour,
		RemediationScore: 90,
	})

	called := false
	receiver.Register(CategoryPrivilegeAbuse, NewRemediator("noop", func(ctx context.Context, a *Alert) (bool, error) {
		called = true
		return true, nil
	}))

	result := receiver.Receive(context.Background(), testAlert(t, nil))
	if result.Status != StatusProcessed {
		t.Fatalf("expected processed, got %q", result.Status)
	}
	if called {
		t.Error("handler should not run below the remediation threshold")
	}
	if len(result.ActionsTaken) != 0 {
		t.Errorf("expected no actions, got %v", result.ActionsTaken)
	}
}

// TestReceive_RemediationDisabled verifies the global switch.
func TestReceive_RemediationDisabled(t *testing.T) {
	receiver, _ := newTestReceiver(t, Config{
		AutoRemediation:  false,
		DedupTTL:         time.Hour,
		RemediationScore: 10,
	})

	called := false
	receiver.Register(CategoryPrivilegeAbuse, NewRemediator("noop", func(ctx context.Context, a *Alert) (bool, error) {
		called = true
		return true, nil
	}))

	receiver.Receive(context.Background(), testAlert(t, nil))
	if called {
		t.Error("handler should not run with auto-remediation disabled")
	}
}

// =============================================================================
// History and Statistics Tests
// =============================================================================

// TestAlertHistory_NewestFirstWithFilters verifies ordering and the
// category/severity filters.
func TestAlertHistory_NewestFirstWithFilters(t *testing.T) {
	receiver, _ := newTestReceiver(t, Config{DedupTTL: time.Hour})
	ctx := context.Background()

	receiver.Receive(ctx, testAlert(t, map[string]interface{}{"alert_id": "a1", "category": "privilege_abuse", "severity": "high"}))
	receiver.Receive(ctx, testAlert(t, map[string]interface{}{"alert_id": "a2", "category": "compliance_risk", "severity": "low"}))
	receiver.Receive(ctx, testAlert(t, map[string]interface{}{"alert_id": "a3", "category": "privilege_abuse", "severity": "critical"}))

	all := receiver.AlertHistory("", "", 0)
	want := []string{"a3", "a2", "a1"}
	if len(all) != len(want) {
		t.Fatalf("expected %d ids, got %v", len(want), all)
	}
	for i, id := range want {
		if all[i] != id {
			t.Errorf("position %d: expected %q, got %q", i, id, all[i])
		}
	}

	abuse := receiver.AlertHistory(CategoryPrivilegeAbuse, "", 0)
	if len(abuse) != 2 || abuse[0] != "a3" || abuse[1] != "a1" {
		t.Errorf("category filter wrong: %v", abuse)
	}

	critical := receiver.AlertHistory("", SeverityCritical, 0)
	if len(critical) != 1 || critical[0] != "a3" {
		t.Errorf("severity filter wrong: %v", critical)
	}

	limited := receiver.AlertHistory("", "", 2)
	if len(limited) != 2 || limited[0] != "a3" {
		t.Errorf("limit wrong: %v", limited)
	}
}

// TestAlertHistory_BoundedByCapacity verifies old entries are evicted
// once the history cache fills.
func TestAlertHistory_BoundedByCapacity(t *testing.T) {
	receiver, _ := newTestReceiver(t, Config{DedupTTL: time.Hour, HistorySize: 2})
	ctx := context.Background()

	receiver.Receive(ctx, testAlert(t, map[string]interface{}{"alert_id": "a1"}))
	receiver.Receive(ctx, testAlert(t, map[string]interface{}{"alert_id": "a2"}))
	receiver.Receive(ctx, testAlert(t, map[string]interface{}{"alert_id": "a3"}))

	ids := receiver.AlertHistory("", "", 0)
	if len(ids) != 2 || ids[0] != "a3" || ids[1] != "a2" {
		t.Errorf("expected the two newest ids, got %v", ids)
	}
}

// TestGetStatistics verifies the counters and derived rate.
func TestGetStatistics(t *testing.T) {
	receiver, _ := newTestReceiver(t, Config{DedupTTL: time.Hour})
	ctx := context.Background()

	receiver.Receive(ctx, testAlert(t, map[string]interface{}{"alert_id": "a1"}))
	receiver.Receive(ctx, testAlert(t, map[string]interface{}{"alert_id": "a2"}))
	receiver.Receive(ctx, testAlert(t, map[string]interface{}{"severity": "nonsense"}))

	stats := receiver.GetStatistics(ctx)
	if stats.AlertsReceived != 3 {
		t.Errorf("expected received=3, got %d", stats.AlertsReceived)
	}
	if stats.AlertsProcessed != 2 {
		t.Errorf("expected processed=2, got %d", stats.AlertsProcessed)
	}
	if stats.AlertsFailed != 1 {
		t.Errorf("expected failed=1, got %d", stats.AlertsFailed)
	}
	if want := 2.0 / 3.0; stats.SuccessRate != want {
		t.Errorf("expected success rate %v, got %v", want, stats.SuccessRate)
	}
	if stats.CachedAlerts != 2 {
		t.Errorf("expected 2 cached alerts, got %d", stats.CachedAlerts)
	}
}
