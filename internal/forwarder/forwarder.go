// Package forwarder maps identity-governance events into the canonical
// CIM-style schema and hands them to the collector connector.
package forwarder

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Severity is the closed set of event severities.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Data models of the collector's common information model.
const (
	DataModelIdentityManagement = "Identity_Management"
	DataModelChange             = "Change"
	DataModelRisk               = "Risk"
)

// Event type tags attached to every forwarded event.
const (
	EventTypeAccessReview        = "access_review"
	EventTypePrivilegeEscalation = "privilege_escalation"
	EventTypePolicyChange        = "policy_change"
	EventTypeEntitlementChange   = "entitlement_change"
	EventTypeComplianceViolation = "compliance_violation"
)

// Sender is the connector contract the forwarder needs.
type Sender interface {
	SendEvent(ctx context.Context, event interface{}) bool
}

// CanonicalEvent is the canonical mapping of one governance event.
// Immutable once built; consumed exactly once by the connector.
type CanonicalEvent struct {
	DataModel string
	Action    string
	Status    string
	Actor     string
	Object    string
	Result    string
	Severity  Severity
	Vendor    string
	Product   string
	Category  string
	EventType string
	Timestamp string

	// Extensions holds the domain-specific fields plus caller metadata;
	// they are flattened into the serialized event.
	Extensions map[string]interface{}
}

// MarshalJSON flattens the canonical fields and extensions into one
// object, the shape the collector's field extraction expects.
func (e CanonicalEvent) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"datamodel":  e.DataModel,
		"action":     e.Action,
		"status":     e.Status,
		"user":       e.Actor,
		"object":     e.Object,
		"result":     e.Result,
		"severity":   string(e.Severity),
		"vendor":     e.Vendor,
		"product":    e.Product,
		"category":   e.Category,
		"event_type": e.EventType,
		"timestamp":  e.Timestamp,
	}
	for k, v := range e.Extensions {
		out[k] = v
	}
	return json.Marshal(out)
}

// Forwarder converts typed governance events into canonical events and
// forwards them. Safe for concurrent use.
type Forwarder struct {
	sender Sender
	logger *zap.Logger
	now    func() time.Time

	mu              sync.Mutex
	eventsForwarded int64
}

// New creates a forwarder handing events to the given sender.
func New(sender Sender, logger *zap.Logger) *Forwarder {
	return &Forwarder{
		sender: sender,
		logger: logger,
		now:    time.Now,
	}
}

// AccessReviewEvent is an access review decision or status change.
type AccessReviewEvent struct {
	ReviewID       string
	ReviewName     string
	Status         string
	TargetResource string
	Reviewer       string
	Decision       string
	Justification  string
	Metadata       map[string]interface{}
}

// ForwardAccessReview maps and delivers an access review event.
func (f *Forwarder) ForwardAccessReview(ctx context.Context, ev AccessReviewEvent) bool {
	result := ev.Decision
	if result == "" {
		result = "pending"
	}

	canonical := f.build(CanonicalEvent{
		DataModel: DataModelIdentityManagement,
		Action:    "access_review",
		Status:    ev.Status,
		Actor:     ev.Reviewer,
		Object:    ev.TargetResource,
		Result:    result,
		Severity:  ReviewSeverity(ev.Status, ev.Decision),
		Category:  "Identity Governance",
		EventType: EventTypeAccessReview,
	}, map[string]interface{}{
		"review_id":     ev.ReviewID,
		"review_name":   ev.ReviewName,
		"justification": ev.Justification,
	}, ev.Metadata)

	return f.send(ctx, canonical)
}

// ActivationEvent is a privileged-role activation.
type ActivationEvent struct {
	ActivationID      string
	RoleName          string
	UserPrincipalName string
	DurationMinutes   int
	Justification     string
	Status            string
	RiskScore         float64
	Metadata          map[string]interface{}
}

// ForwardActivation maps and delivers a privileged-role activation event.
func (f *Forwarder) ForwardActivation(ctx context.Context, ev ActivationEvent) bool {
	canonical := f.build(CanonicalEvent{
		DataModel: DataModelIdentityManagement,
		Action:    "privilege_escalation",
		Status:    ev.Status,
		Actor:     ev.UserPrincipalName,
		Object:    ev.RoleName,
		Result:    ev.Status,
		Severity:  ActivationSeverity(ev.RoleName, ev.RiskScore),
		Category:  "Privileged Access",
		EventType: EventTypePrivilegeEscalation,
	}, map[string]interface{}{
		"activation_id":               ev.ActivationID,
		"activation_duration_minutes": ev.DurationMinutes,
		"justification":               ev.Justification,
		"risk_score":                  ev.RiskScore,
	}, ev.Metadata)

	return f.send(ctx, canonical)
}

// PolicyChangeEvent is a change to an access policy.
type PolicyChangeEvent struct {
	PolicyID   string
	PolicyName string
	PolicyType string
	ChangeType string
	ChangedBy  string
	Changes    map[string]interface{}
	Metadata   map[string]interface{}
}

// ForwardPolicyChange maps and delivers a policy change event.
func (f *Forwarder) ForwardPolicyChange(ctx context.Context, ev PolicyChangeEvent) bool {
	canonical := f.build(CanonicalEvent{
		DataModel: DataModelChange,
		Action:    ev.ChangeType,
		Status:    "success",
		Actor:     ev.ChangedBy,
		Object:    ev.PolicyName,
		Result:    "success",
		Severity:  PolicyChangeSeverity(ev.ChangeType),
		Category:  "Policy Management",
		EventType: EventTypePolicyChange,
	}, map[string]interface{}{
		"policy_id":       ev.PolicyID,
		"object_category": ev.PolicyType,
		"changes":         ev.Changes,
	}, ev.Metadata)

	return f.send(ctx, canonical)
}

// EntitlementChangeEvent is a grant, revocation, or modification of an
// entitlement.
type EntitlementChangeEvent struct {
	EntitlementID   string
	EntitlementName string
	ChangeType      string
	AffectedUser    string
	Resource        string
	AccessLevel     string
	ChangedBy       string
	Metadata        map[string]interface{}
}

// ForwardEntitlementChange maps and delivers an entitlement change event.
func (f *Forwarder) ForwardEntitlementChange(ctx context.Context, ev EntitlementChangeEvent) bool {
	canonical := f.build(CanonicalEvent{
		DataModel: DataModelIdentityManagement,
		Action:    ev.ChangeType,
		Status:    "success",
		Actor:     ev.AffectedUser,
		Object:    ev.Resource,
		Result:    "success",
		Severity:  EntitlementSeverity(ev.ChangeType, ev.AccessLevel),
		Category:  "Entitlement Management",
		EventType: EventTypeEntitlementChange,
	}, map[string]interface{}{
		"entitlement_id":   ev.EntitlementID,
		"entitlement_name": ev.EntitlementName,
		"access_level":     ev.AccessLevel,
		"changed_by":       ev.ChangedBy,
	}, ev.Metadata)

	return f.send(ctx, canonical)
}

// ComplianceViolationEvent is a detected compliance violation.
type ComplianceViolationEvent struct {
	ViolationID    string
	ViolationType  string
	Severity       Severity
	AffectedEntity string
	Description    string
	Remediation    string
	Metadata       map[string]interface{}
}

// ForwardComplianceViolation maps and delivers a compliance violation.
func (f *Forwarder) ForwardComplianceViolation(ctx context.Context, ev ComplianceViolationEvent) bool {
	canonical := f.build(CanonicalEvent{
		DataModel: DataModelRisk,
		Action:    "violation_detected",
		Status:    "detected",
		Object:    ev.AffectedEntity,
		Result:    ev.ViolationType,
		Severity:  ev.Severity,
		Category:  "Compliance",
		EventType: EventTypeComplianceViolation,
	}, map[string]interface{}{
		"violation_id":   ev.ViolationID,
		"violation_type": ev.ViolationType,
		"description":    ev.Description,
		"remediation":    ev.Remediation,
	}, ev.Metadata)

	return f.send(ctx, canonical)
}

// EventsForwarded returns the forwarded-events counter.
func (f *Forwarder) EventsForwarded() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eventsForwarded
}

func (f *Forwarder) build(base CanonicalEvent, fields, metadata map[string]interface{}) CanonicalEvent {
	base.Vendor = "Microsoft"
	base.Product = "Entra ID"
	base.Timestamp = f.now().UTC().Format(time.RFC3339)
	base.Extensions = make(map[string]interface{}, len(fields)+len(metadata))
	for k, v := range fields {
		base.Extensions[k] = v
	}
	for k, v := range metadata {
		base.Extensions[k] = v
	}
	return base
}

func (f *Forwarder) send(ctx context.Context, ev CanonicalEvent) bool {
	ok := f.sender.SendEvent(ctx, ev)
	if ok {
		f.mu.Lock()
		f.eventsForwarded++
		f.mu.Unlock()
	} else {
		f.logger.Warn("event forwarding failed",
			zap.String("event_type", ev.EventType), zap.String("object", ev.Object))
	}
	return ok
}

// highRiskRoles always escalate activation severity.
var highRiskRoles = map[string]bool{
	"Global Administrator":          true,
	"Privileged Role Administrator": true,
	"Security Administrator":        true,
}

// ReviewSeverity is the decision table for access review events.
func ReviewSeverity(status, decision string) Severity {
	switch {
	case decision == "denied":
		return SeverityMedium
	case status == "overdue":
		return SeverityHigh
	case status == "completed":
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// ActivationSeverity is the decision table for privileged-role
// activation events.
func ActivationSeverity(roleName string, riskScore float64) Severity {
	switch {
	case highRiskRoles[roleName]:
		return SeverityHigh
	case riskScore > 70:
		return SeverityHigh
	case riskScore > 40:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// PolicyChangeSeverity is the decision table for policy change events.
func PolicyChangeSeverity(changeType string) Severity {
	switch changeType {
	case "deleted", "disabled":
		return SeverityHigh
	case "created", "modified":
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// EntitlementSeverity is the decision table for entitlement change
// events.
func EntitlementSeverity(changeType, accessLevel string) Severity {
	switch {
	case changeType == "granted" && strings.Contains(strings.ToLower(accessLevel), "admin"):
		return SeverityHigh
	case changeType == "revoked":
		return SeverityLow
	default:
		return SeverityMedium
	}
}
