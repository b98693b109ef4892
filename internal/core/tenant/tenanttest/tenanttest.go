// Package tenanttest provides in-memory doubles for the tenant router.
package tenanttest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"worktally/internal/core/tenant"
)

// ErrNotSupported is returned by DB methods that need a real server.
var ErrNotSupported = errors.New("tenanttest: not supported")

// DB is a named stand-in for a tenant database.
type DB struct {
	Name string

	mu      sync.Mutex
	pingErr error
	closed  atomic.Bool
}

// NewDB returns a DB called name.
func NewDB(name string) *DB { return &DB{Name: name} }

func (d *DB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), ErrNotSupported
}

func (d *DB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, ErrNotSupported
}

func (d *DB) QueryRow(context.Context, string, ...any) pgx.Row {
	return Row{Err: ErrNotSupported}
}

func (d *DB) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	return nil, ErrNotSupported
}

// Ping fails once closed or after SetPingError.
func (d *DB) Ping(context.Context) error {
	if d.closed.Load() {
		return errors.New("tenanttest: db closed")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pingErr
}

func (d *DB) Close() { d.closed.Store(true) }

// Closed reports whether Close was called.
func (d *DB) Closed() bool { return d.closed.Load() }

// SetPingError makes Ping fail with err (nil restores health).
func (d *DB) SetPingError(err error) {
	d.mu.Lock()
	d.pingErr = err
	d.mu.Unlock()
}

// Row is a canned pgx.Row.
type Row struct {
	Values []any
	Err    error
}

// Scan copies Values into dest by position for the common scalar types.
func (r Row) Scan(dest ...any) error {
	if r.Err != nil {
		return r.Err
	}
	for i, d := range dest {
		if i >= len(r.Values) {
			break
		}
		switch p := d.(type) {
		case *string:
			*p = r.Values[i].(string)
		case *int:
			*p = r.Values[i].(int)
		case *int64:
			*p = r.Values[i].(int64)
		case *bool:
			*p = r.Values[i].(bool)
		case *time.Time:
			*p = r.Values[i].(time.Time)
		}
	}
	return nil
}

// Connector records connections and hands out DBs named after the database.
type Connector struct {
	mu     sync.Mutex
	opened []*DB
	descs  []tenant.Descriptor
	err    error
	delay  time.Duration
}

// Fail makes every later Connect return err.
func (c *Connector) Fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// Slow delays each Connect, widening race windows in tests.
func (c *Connector) Slow(d time.Duration) {
	c.mu.Lock()
	c.delay = d
	c.mu.Unlock()
}

func (c *Connector) Connect(ctx context.Context, d tenant.Descriptor) (tenant.DB, error) {
	c.mu.Lock()
	err, delay := c.err, c.delay
	c.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	db := NewDB(d.Name)
	c.mu.Lock()
	c.opened = append(c.opened, db)
	c.descs = append(c.descs, d)
	c.mu.Unlock()
	return db, nil
}

// Opened returns every DB created so far.
func (c *Connector) Opened() []*DB {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*DB(nil), c.opened...)
}

// Descriptors returns the descriptors passed to Connect.
func (c *Connector) Descriptors() []tenant.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]tenant.Descriptor(nil), c.descs...)
}

// Registry is an in-memory tenant.Registry.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*tenant.Tenant // by ID
	lookups atomic.Int64
}

// NewRegistry seeds a registry.
func NewRegistry(ts ...*tenant.Tenant) *Registry {
	r := &Registry{tenants: make(map[string]*tenant.Tenant)}
	for _, t := range ts {
		r.Put(t)
	}
	return r
}

// Put inserts or replaces a tenant.
func (r *Registry) Put(t *tenant.Tenant) {
	r.mu.Lock()
	cp := *t
	r.tenants[t.ID] = &cp
	r.mu.Unlock()
}

// Lookups counts GetBySlug/GetByID calls.
func (r *Registry) Lookups() int64 { return r.lookups.Load() }

func (r *Registry) GetBySlug(_ context.Context, slug string) (*tenant.Tenant, error) {
	r.lookups.Add(1)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tenants {
		if t.Slug == slug {
			cp := *t
			return &cp, nil
		}
	}
	return nil, tenant.ErrTenantNotFound
}

func (r *Registry) GetByID(_ context.Context, id string) (*tenant.Tenant, error) {
	r.lookups.Add(1)
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, tenant.ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *Registry) ListActive(ctx context.Context) ([]*tenant.Tenant, error) {
	all, _ := r.ListAll(ctx)
	out := all[:0]
	for _, t := range all {
		if t.IsActive() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *Registry) ListAll(context.Context) ([]*tenant.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*tenant.Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (r *Registry) UpdateStatus(_ context.Context, id string, status tenant.Status, at *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	if !ok {
		return tenant.ErrTenantNotFound
	}
	t.Status = status
	t.ScheduledDeletionAt = at
	return nil
}

func (r *Registry) UpdateDatabase(_ context.Context, id string, d tenant.Descriptor, enc string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	if !ok {
		return tenant.ErrTenantNotFound
	}
	t.DBHost, t.DBPort, t.DBName, t.DBUser, t.DBPasswordEnc = d.Host, d.Port, d.Name, d.User, enc
	return nil
}

var _ tenant.Registry = (*Registry)(nil)
var _ tenant.Connector = (*Connector)(nil)
var _ tenant.DB = (*DB)(nil)
