// Package alerts receives correlation alerts from the SIEM, validates
// and deduplicates them, computes an enriched risk score, and dispatches
// registered remediation handlers.
package alerts

import (
	"encoding/json"
	"fmt"
)

// Severity is the closed set of alert severities.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

func (s Severity) known() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// rank orders severities for history filtering and monotonicity checks.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	case SeverityInfo:
		return 0
	}
	return -1
}

// Category is the closed set of correlation alert categories.
type Category string

const (
	CategoryAnomalousAccess          Category = "anomalous_access"
	CategoryPrivilegeAbuse           Category = "privilege_abuse"
	CategoryPolicyViolation          Category = "policy_violation"
	CategorySuspiciousAuthentication Category = "suspicious_authentication"
	CategoryComplianceRisk           Category = "compliance_risk"
	CategoryLateralMovement          Category = "lateral_movement"
)

func (c Category) known() bool {
	switch c {
	case CategoryAnomalousAccess, CategoryPrivilegeAbuse, CategoryPolicyViolation,
		CategorySuspiciousAuthentication, CategoryComplianceRisk, CategoryLateralMovement:
		return true
	}
	return false
}

// ValidationError indicates a malformed inbound alert payload.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid alert: %s: %s", e.Field, e.Detail)
}

// Alert is one inbound correlation alert. Lifecycle: created on webhook
// receipt, scored once, cached for deduplication, then discarded after
// the TTL — there is no persistent store.
type Alert struct {
	ID          string   `json:"alert_id"`
	SearchName  string   `json:"search_name"`
	Severity    Severity `json:"severity"`
	Category    Category `json:"category"`
	Description string   `json:"description"`

	AffectedUser     string `json:"affected_user,omitempty"`
	AffectedResource string `json:"affected_resource,omitempty"`
	SourceIP         string `json:"source_ip,omitempty"`

	EventCount       int     `json:"event_count"`
	TimeWindow       int     `json:"time_window"` // seconds
	CorrelationScore float64 `json:"correlation_score"`

	FirstSeen   string `json:"first_seen"`
	LastSeen    string `json:"last_seen"`
	TriggeredAt string `json:"triggered_at,omitempty"`

	RawEvents []map[string]interface{} `json:"raw_events,omitempty"`
	Metadata  map[string]interface{}   `json:"metadata,omitempty"`
}

// ParseAlert structurally parses and validates a webhook payload.
// Defaults mirror the alert producer: one event over a five-minute
// window when the counts are absent.
func ParseAlert(payload []byte) (*Alert, error) {
	var a Alert
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, &ValidationError{Field: "payload", Detail: err.Error()}
	}

	if a.EventCount <= 0 {
		a.EventCount = 1
	}
	if a.TimeWindow <= 0 {
		a.TimeWindow = 300
	}

	if err := a.validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

func (a *Alert) validate() error {
	required := []struct {
		field, value string
	}{
		{"alert_id", a.ID},
		{"search_name", a.SearchName},
		{"description", a.Description},
		{"first_seen", a.FirstSeen},
		{"last_seen", a.LastSeen},
	}
	for _, r := range required {
		if r.value == "" {
			return &ValidationError{Field: r.field, Detail: "required"}
		}
	}

	if !a.Severity.known() {
		return &ValidationError{Field: "severity", Detail: fmt.Sprintf("unknown value %q", a.Severity)}
	}
	if !a.Category.known() {
		return &ValidationError{Field: "category", Detail: fmt.Sprintf("unknown value %q", a.Category)}
	}
	if a.CorrelationScore < 0 || a.CorrelationScore > 100 {
		return &ValidationError{
			Field:  "correlation_score",
			Detail: fmt.Sprintf("%.2f outside [0,100]", a.CorrelationScore),
		}
	}
	return nil
}
