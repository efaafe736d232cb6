package alerts

import "strings"

// privilegedKeywords mark an affected user as holding administrative
// privilege; matching is a case-insensitive substring check.
var privilegedKeywords = []string{"admin", "privileged", "global"}

// severityWeight is the first scoring multiplier. Matching is exhaustive
// over the closed Severity set.
func severityWeight(s Severity) float64 {
	switch s {
	case SeverityCritical:
		return 1.3
	case SeverityHigh:
		return 1.2
	case SeverityMedium:
		return 1.0
	case SeverityLow:
		return 0.8
	case SeverityInfo:
		return 0.5
	}
	return 1.0
}

// CorrelationScore derives the enriched risk score from the alert's base
// score. Multipliers compound multiplicatively in a fixed order —
// severity, then frequency, then recency, then privilege — and the
// result is clamped to [0,100].
func CorrelationScore(a *Alert) float64 {
	score := a.CorrelationScore

	score *= severityWeight(a.Severity)

	switch {
	case a.EventCount > 10:
		score *= 1.2
	case a.EventCount > 5:
		score *= 1.1
	}

	switch {
	case a.TimeWindow < 60:
		score *= 1.3
	case a.TimeWindow < 300:
		score *= 1.1
	}

	if isPrivilegedUser(a.AffectedUser) {
		score *= 1.2
	}

	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return score
}

func isPrivilegedUser(user string) bool {
	if user == "" {
		return false
	}
	lower := strings.ToLower(user)
	for _, kw := range privilegedKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
