// Package paymenttest provides an in-memory payment.Repository.
package paymenttest

import (
	"context"
	"slices"
	"sort"
	"sync"

	"worktally/internal/core/tx"
	"worktally/internal/domain/payment"
)

// Repository is an in-memory payment.Repository.
type Repository struct {
	mu    sync.Mutex
	byID  map[string]*payment.Snapshot
	order []string
}

// NewRepository creates an empty repository.
func NewRepository() *Repository {
	return &Repository{byID: map[string]*payment.Snapshot{}}
}

func clone(s *payment.Snapshot) *payment.Snapshot {
	c := *s
	c.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		c.Metadata[k] = v
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func (r *Repository) Create(_ context.Context, s *payment.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[s.ID] = clone(s)
	r.order = append(r.order, s.ID)
	return nil
}

func (r *Repository) Get(_ context.Context, id string) (*payment.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, payment.ErrSnapshotNotFound
	}
	return clone(s), nil
}

func (r *Repository) Transition(_ context.Context, id string, from, to payment.Status, o payment.Outcome) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = to
	s.GatewayReference = o.GatewayReference
	s.GatewayStatus = o.GatewayStatus
	s.FailureReason = o.FailureReason
	s.UpdatedAt = o.At
	if to == payment.StatusCompleted {
		at := o.At
		s.CompletedAt = &at
	}
	return true, nil
}

func (r *Repository) RecordGatewayStatus(_ context.Context, id string, o payment.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return payment.ErrSnapshotNotFound
	}
	if !s.Status.IsTerminal() {
		s.GatewayReference = o.GatewayReference
		s.GatewayStatus = o.GatewayStatus
		s.UpdatedAt = o.At
	}
	return nil
}

// Checkpoint copies the stored snapshots. Calling the returned func puts the
// copy back, the way a rolled back transaction would.
func (r *Repository) Checkpoint() func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID := make(map[string]*payment.Snapshot, len(r.byID))
	for id, s := range r.byID {
		byID[id] = clone(s)
	}
	order := slices.Clone(r.order)
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.byID, r.order = byID, order
	}
}

// TxManager runs fn and restores the repository if fn fails. Nested calls
// share the outer checkpoint.
func (r *Repository) TxManager() tx.Manager {
	return tx.ManagerFunc(func(ctx context.Context, fn func(ctx context.Context) error) error {
		if ctx.Value(inTxKey{}) != nil {
			return fn(ctx)
		}
		restore := r.Checkpoint()
		if err := fn(context.WithValue(ctx, inTxKey{}, true)); err != nil {
			restore()
			return err
		}
		return nil
	})
}

type inTxKey struct{}

// ListByTenant returns snapshots newest first, by insertion order.
func (r *Repository) ListByTenant(_ context.Context, tenantID string, f payment.HistoryFilter) ([]*payment.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos := make(map[string]int, len(r.order))
	for i, id := range r.order {
		pos[id] = i
	}
	var out []*payment.Snapshot
	for _, s := range r.byID {
		if s.TenantID != tenantID || (f.Status != "" && s.Status != f.Status) {
			continue
		}
		out = append(out, clone(s))
	}
	sort.Slice(out, func(i, j int) bool { return pos[out[i].ID] > pos[out[j].ID] })
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

var _ payment.Repository = (*Repository)(nil)
