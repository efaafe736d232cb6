// Package governance provides typed fetchers over the directory API for
// identity-governance resources. Analysis of the fetched data lives with
// the callers; this package only knows the resource paths and paging.
package governance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/lqviet/entraflow/internal/graph"
)

// PermanentAssignmentHorizon is the business threshold beyond which a
// role assignment's end date is treated the same as no end date at all.
// Overridable for tenants with stricter rotation policies.
var PermanentAssignmentHorizon = 365 * 24 * time.Hour

// IsPermanentAssignment reports whether a role assignment counts as
// permanent: no end date, or an end date beyond the horizon.
func IsPermanentAssignment(endDateTime string, now time.Time) bool {
	if endDateTime == "" {
		return true
	}
	end, err := time.Parse(time.RFC3339, endDateTime)
	if err != nil {
		// An unparseable end date is treated as open-ended.
		return true
	}
	return end.Sub(now) > PermanentAssignmentHorizon
}

// Directory fetches governance resources through the resilient client.
type Directory struct {
	client *graph.Client
	logger *zap.Logger
}

// NewDirectory creates a governance fetcher.
func NewDirectory(client *graph.Client, logger *zap.Logger) *Directory {
	return &Directory{client: client, logger: logger}
}

// AccessReviewDefinitions returns all access review schedule definitions.
func (d *Directory) AccessReviewDefinitions(ctx context.Context) ([]graph.Resource, error) {
	return d.fetch(ctx, "identityGovernance/accessReviews/definitions", nil)
}

// ReviewInstances returns the instances of one access review definition.
func (d *Directory) ReviewInstances(ctx context.Context, reviewID string) ([]graph.Resource, error) {
	path := fmt.Sprintf("identityGovernance/accessReviews/definitions/%s/instances", reviewID)
	return d.fetch(ctx, path, nil)
}

// ReviewDecisions returns the decisions of one review instance.
func (d *Directory) ReviewDecisions(ctx context.Context, reviewID, instanceID string) ([]graph.Resource, error) {
	path := fmt.Sprintf("identityGovernance/accessReviews/definitions/%s/instances/%s/decisions",
		reviewID, instanceID)
	return d.fetch(ctx, path, nil)
}

// EligibleAssignments returns all eligible (just-in-time) role
// assignment schedule instances.
func (d *Directory) EligibleAssignments(ctx context.Context) ([]graph.Resource, error) {
	return d.fetch(ctx, "roleManagement/directory/roleEligibilityScheduleInstances", nil)
}

// ActiveAssignments returns all active (standing) role assignment
// schedule instances.
func (d *Directory) ActiveAssignments(ctx context.Context) ([]graph.Resource, error) {
	return d.fetch(ctx, "roleManagement/directory/roleAssignmentScheduleInstances", nil)
}

// ActivationRequests returns role activation requests created in the
// last N days.
func (d *Directory) ActivationRequests(ctx context.Context, days int) ([]graph.Resource, error) {
	since := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour).Format(time.RFC3339)
	params := url.Values{"$filter": {fmt.Sprintf("createdDateTime ge %s", since)}}
	return d.fetch(ctx, "roleManagement/directory/roleAssignmentScheduleRequests", params)
}

// ConditionalAccessPolicies returns all conditional access policies.
func (d *Directory) ConditionalAccessPolicies(ctx context.Context) ([]graph.Resource, error) {
	return d.fetch(ctx, "identity/conditionalAccess/policies", nil)
}

// EntitlementAssignments returns all entitlement-management access
// package assignments.
func (d *Directory) EntitlementAssignments(ctx context.Context) ([]graph.Resource, error) {
	return d.fetch(ctx, "identityGovernance/entitlementManagement/assignments", nil)
}

// RoleDefinitions resolves role definitions by id in one logical batch
// call, split upstream as needed.
func (d *Directory) RoleDefinitions(ctx context.Context, ids []string) ([]graph.BatchResponse, error) {
	requests := make([]graph.BatchRequest, len(ids))
	for i, id := range ids {
		requests[i] = graph.BatchRequest{
			Method: http.MethodGet,
			URL:    "/roleManagement/directory/roleDefinitions/" + id,
		}
	}
	return d.client.Batch(ctx, requests)
}

func (d *Directory) fetch(ctx context.Context, path string, params url.Values) ([]graph.Resource, error) {
	items, err := d.client.GetAllPages(ctx, path, params)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", path, err)
	}
	d.logger.Info("fetched governance resources",
		zap.String("path", path), zap.Int("count", len(items)))
	return items, nil
}
