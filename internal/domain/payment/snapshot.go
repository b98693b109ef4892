// Package payment records checkouts as payment snapshots and applies their
// target entitlement once the gateway confirms the charge.
package payment

import (
	"encoding/json"
	"slices"
	"time"

	"worktally/internal/core/types"
	"worktally/internal/domain/billing"
)

// Status is the snapshot lifecycle state.
type Status string

const (
	StatusPending        Status = "pending"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCanceled       Status = "canceled"
	StatusProcessing     Status = "processing"
	StatusRequiresAction Status = "requires_action"
)

var snapshotTransitions = map[Status][]Status{
	StatusPending:        {StatusCompleted, StatusFailed, StatusCanceled, StatusProcessing, StatusRequiresAction},
	StatusProcessing:     {StatusCompleted, StatusFailed, StatusRequiresAction},
	StatusRequiresAction: {StatusCompleted, StatusFailed, StatusCanceled, StatusProcessing},
	StatusCompleted:      nil,
	StatusFailed:         nil,
	StatusCanceled:       nil,
}

// Valid reports whether s is known.
func (s Status) Valid() bool {
	_, ok := snapshotTransitions[s]
	return ok
}

// CanTransitionTo reports whether s -> next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	return slices.Contains(snapshotTransitions[s], next)
}

// OpenStatuses lists the statuses a snapshot can still settle from.
func OpenStatuses() []Status {
	return []Status{StatusPending, StatusProcessing, StatusRequiresAction}
}

// IsTerminal reports whether the snapshot can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Target is the entitlement a snapshot grants once completed. It is fixed
// when the checkout starts.
type Target struct {
	plan      billing.PlanTier
	userLimit *int
	addons    billing.AddonSet
}

// NewTarget captures e.
func NewTarget(e billing.Entitlement) Target {
	t := Target{plan: e.Plan, addons: billing.NewAddonSet(e.Addons...)}
	if e.UserLimit != nil {
		v := *e.UserLimit
		t.userLimit = &v
	}
	return t
}

func (t Target) Plan() billing.PlanTier { return t.plan }

// UserCount returns the target seat limit; nil is unlimited.
func (t Target) UserCount() *int {
	if t.userLimit == nil {
		return nil
	}
	v := *t.userLimit
	return &v
}

func (t Target) Addons() billing.AddonSet { return slices.Clone(t.addons) }

// Entitlement returns a copy usable by billing.
func (t Target) Entitlement() billing.Entitlement {
	return billing.Entitlement{Plan: t.plan, UserLimit: t.UserCount(), Addons: t.Addons()}
}

type targetJSON struct {
	Plan      billing.PlanTier `json:"plan"`
	UserCount *int             `json:"user_count"`
	Addons    billing.AddonSet `json:"addons"`
}

func (t Target) MarshalJSON() ([]byte, error) {
	addons := t.addons
	if addons == nil {
		addons = billing.AddonSet{}
	}
	return json.Marshal(targetJSON{Plan: t.plan, UserCount: t.userLimit, Addons: addons})
}

// Snapshot is one charge: a tenant checkout or an off-session renewal.
// Only Status and the gateway outcome fields change, and only while open.
type Snapshot struct {
	ID               string             `json:"id"`
	TenantID         string             `json:"tenant_id"`
	Kind             billing.ChangeKind `json:"kind"`
	Amount           types.Money        `json:"amount"`
	Currency         string             `json:"currency"`
	Status           Status             `json:"status"`
	Gateway          string             `json:"gateway"`
	GatewayReference string             `json:"gateway_reference,omitempty"`
	GatewayStatus    GatewayStatus      `json:"gateway_status,omitempty"`
	FailureReason    string             `json:"failure_reason,omitempty"`
	Target           Target             `json:"target"`
	CycleStart       time.Time          `json:"cycle_start"`
	CycleEnd         time.Time          `json:"cycle_end"`
	Metadata         map[string]string  `json:"metadata,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
}

// CheckoutIntent is what the tenant asks to buy.
type CheckoutIntent struct {
	Kind      billing.ChangeKind
	Plan      billing.PlanTier
	UserLimit *int
	Addon     billing.Addon
	// CustomerID identifies the tenant at the gateway.
	CustomerID string
	Metadata   map[string]string
}

// Outcome is the gateway result written with a status transition.
type Outcome struct {
	GatewayReference string
	GatewayStatus    GatewayStatus
	FailureReason    string
	At               time.Time
}
