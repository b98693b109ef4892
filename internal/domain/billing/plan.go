// Package billing owns the subscription state machine: plan tier, seat limit,
// addons, lifecycle status and scheduled downgrades.
package billing

import (
	"fmt"
	"strings"
)

// PlanTier is a subscription plan. Tiers are ordered by Rank.
type PlanTier string

const (
	PlanStarter    PlanTier = "starter"
	PlanTeam       PlanTier = "team"
	PlanEnterprise PlanTier = "enterprise"
)

var planRank = map[PlanTier]int{
	PlanStarter:    1,
	PlanTeam:       2,
	PlanEnterprise: 3,
}

// ParsePlan validates a plan name.
func ParsePlan(s string) (PlanTier, error) {
	p := PlanTier(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown plan %q", s)
	}
	return p, nil
}

// Valid reports whether p is a known tier.
func (p PlanTier) Valid() bool {
	_, ok := planRank[p]
	return ok
}

// Rank orders tiers: starter < team < enterprise.
func (p PlanTier) Rank() int {
	return planRank[p]
}

// Above reports whether p is a higher tier than other.
func (p PlanTier) Above(other PlanTier) bool {
	return p.Rank() > other.Rank()
}

func (p PlanTier) String() string { return string(p) }

// Feature keys exposed in the billing summary.
const (
	FeatureTimesheets      = "timesheets"
	FeatureExpenses        = "expenses"
	FeatureProjects        = "projects"
	FeatureReports         = "reports"
	FeatureApprovals       = "approvals"
	FeatureAPIAccess       = "api_access"
	FeatureSSO             = "sso"
	FeatureAuditLog        = "audit_log"
	FeaturePrioritySupport = "priority_support"
)

var planFeatures = map[PlanTier][]string{
	PlanStarter:    {FeatureTimesheets, FeatureExpenses},
	PlanTeam:       {FeatureTimesheets, FeatureExpenses, FeatureProjects, FeatureReports, FeatureApprovals},
	PlanEnterprise: {FeatureTimesheets, FeatureExpenses, FeatureProjects, FeatureReports, FeatureApprovals, FeatureAPIAccess, FeatureSSO, FeatureAuditLog, FeaturePrioritySupport},
}

// Features lists the features included in p.
func (p PlanTier) Features() []string {
	return append([]string(nil), planFeatures[p]...)
}
