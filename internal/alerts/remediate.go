package alerts

import "context"

// Remediator executes one remediation action for an alert category. A
// false success or a returned error keeps the action name out of the
// result's action list; the error is additionally logged.
type Remediator interface {
	Name() string
	Remediate(ctx context.Context, alert *Alert) (bool, error)
}

// RemediateFunc adapts a function to the Remediator interface.
type RemediateFunc func(ctx context.Context, alert *Alert) (bool, error)

type funcRemediator struct {
	name string
	fn   RemediateFunc
}

func (r *funcRemediator) Name() string { return r.name }

func (r *funcRemediator) Remediate(ctx context.Context, alert *Alert) (bool, error) {
	return r.fn(ctx, alert)
}

// NewRemediator wraps fn as a named Remediator.
func NewRemediator(name string, fn RemediateFunc) Remediator {
	return &funcRemediator{name: name, fn: fn}
}
