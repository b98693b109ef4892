package payment

import (
	"context"
	"errors"
)

// ErrSnapshotNotFound is returned by Repository.Get.
var ErrSnapshotNotFound = errors.New("payment snapshot not found")

// HistoryFilter narrows ListByTenant.
type HistoryFilter struct {
	Status Status
	Limit  int
	Offset int
}

// Repository stores snapshots in the central database.
type Repository interface {
	Create(ctx context.Context, s *Snapshot) error
	Get(ctx context.Context, id string) (*Snapshot, error)
	// Transition moves the snapshot from `from` to `to` only if it is still
	// in `from`, and reports whether this call made the change.
	Transition(ctx context.Context, id string, from, to Status, o Outcome) (bool, error)
	// RecordGatewayStatus stores the gateway's interim answer on a pending
	// snapshot without changing its status.
	RecordGatewayStatus(ctx context.Context, id string, o Outcome) error
	ListByTenant(ctx context.Context, tenantID string, f HistoryFilter) ([]*Snapshot, error)
}
