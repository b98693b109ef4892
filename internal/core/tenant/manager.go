package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"worktally/pkg/logger"
)

var tracer = otel.Tracer("worktally/tenant")

// Connector opens a database for a descriptor.
type Connector interface {
	Connect(ctx context.Context, d Descriptor) (DB, error)
}

// PgxConnector opens pgxpool pools.
type PgxConnector struct {
	MaxConns          int32
	MinConns          int32
	ConnectTimeout    time.Duration
	HealthCheckPeriod time.Duration
}

// Connect creates a pool and verifies it with a ping.
func (c PgxConnector) Connect(ctx context.Context, d Descriptor) (DB, error) {
	poolCfg, err := pgxpool.ParseConfig(d.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn for %s: %w", d, err)
	}
	if c.MaxConns > 0 {
		poolCfg.MaxConns = c.MaxConns
	}
	if c.MinConns > 0 {
		poolCfg.MinConns = c.MinConns
	}
	if c.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = c.HealthCheckPeriod
	}
	if c.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = c.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool for %s: %w", d, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s: %w", d, err)
	}
	return pool, nil
}

// Observer receives router events. Metrics implement it.
type Observer interface {
	RouteResolved(outcome string, elapsed time.Duration)
	PoolOpened()
	PoolClosed(reason string)
}

type nopObserver struct{}

func (nopObserver) RouteResolved(string, time.Duration) {}
func (nopObserver) PoolOpened()                         {}
func (nopObserver) PoolClosed(string)                   {}

// ManagerConfig configures Manager behavior.
type ManagerConfig struct {
	// Fallback credentials when the tenant row has none.
	DBUser     string
	DBPassword string
	SSLMode    string

	// Connection settings
	ConnectTimeout time.Duration

	// Lifecycle settings
	MaxTotalPools     int           // Max simultaneous pools (0 = unlimited)
	PoolIdleTimeout   time.Duration // Close pool after inactivity (0 = never)
	HealthCheckPeriod time.Duration // How often to check pool health (0 = never)
}

// DefaultManagerConfig returns production-safe defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		SSLMode:           "disable",
		ConnectTimeout:    10 * time.Second,
		MaxTotalPools:     100,
		PoolIdleTimeout:   30 * time.Minute,
		HealthCheckPeriod: 1 * time.Minute,
	}
}

// ManagedPool wraps a tenant DB with lifecycle tracking.
type ManagedPool struct {
	db          DB
	tenantID    string
	dbName      string
	fingerprint string

	lastUsed atomic.Int64 // Unix timestamp
	refCount atomic.Int32 // Active requests using this pool
	// unhealthySince is set when health check fails (unix timestamp). 0 means healthy/unknown.
	unhealthySince atomic.Int64
	retired        atomic.Bool
	closeOnce      sync.Once
}

func newManagedPool(db DB, t *Tenant, fingerprint string) *ManagedPool {
	mp := &ManagedPool{db: db, tenantID: t.ID, dbName: t.DBName, fingerprint: fingerprint}
	mp.Touch()
	return mp
}

// Touch updates last used timestamp.
func (mp *ManagedPool) Touch() {
	mp.lastUsed.Store(time.Now().Unix())
}

// acquire takes a reference unless the pool has been retired.
func (mp *ManagedPool) acquire() bool {
	mp.refCount.Add(1)
	if mp.retired.Load() {
		mp.release()
		return false
	}
	mp.Touch()
	return true
}

// release drops a reference and closes a retired pool once nobody holds it.
func (mp *ManagedPool) release() {
	if mp.refCount.Add(-1) <= 0 && mp.retired.Load() {
		mp.close()
	}
}

// retire marks the pool stale. It closes now if idle, otherwise on last release.
func (mp *ManagedPool) retire() {
	mp.retired.Store(true)
	if mp.refCount.Load() <= 0 {
		mp.close()
	}
}

func (mp *ManagedPool) close() {
	mp.closeOnce.Do(mp.db.Close)
}

// Handle is a routed tenant connection for one request.
// Callers must Release it when the request ends.
type Handle struct {
	pool     *ManagedPool
	tenant   *Tenant
	released atomic.Bool
}

// DB returns the tenant database.
func (h *Handle) DB() DB { return h.pool.db }

// Tenant returns the tenant the handle was routed for.
func (h *Handle) Tenant() *Tenant { return h.tenant }

// Release returns the handle. Safe to call more than once.
func (h *Handle) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.pool.release()
	}
}

// Manager routes tenants to their databases.
// Pools are keyed by tenant ID and by descriptor fingerprint; nothing is
// registered under a shared name, so concurrent requests never see each
// other's tenant.
type Manager struct {
	config    ManagerConfig
	registry  Registry
	connector Connector
	secrets   *SecretBox
	observer  Observer

	pools     sync.Map // map[tenantID]*ManagedPool
	poolCount atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logger.Logger
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithObserver attaches an Observer.
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithSecretBox enables decryption of stored tenant passwords.
func WithSecretBox(b *SecretBox) ManagerOption {
	return func(m *Manager) { m.secrets = b }
}

// NewManager creates a connection router and starts its background loops.
func NewManager(cfg ManagerConfig, registry Registry, connector Connector, log *logger.Logger, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		config:    cfg,
		registry:  registry,
		connector: connector,
		observer:  nopObserver{},
		ctx:       ctx,
		cancel:    cancel,
		log:       log.WithComponent("tenant-manager"),
	}
	for _, opt := range opts {
		opt(m)
	}

	if cfg.PoolIdleTimeout > 0 {
		m.wg.Add(1)
		go m.evictionLoop()
	}

	if cfg.HealthCheckPeriod > 0 {
		m.wg.Add(1)
		go m.healthCheckLoop()
	}

	m.log.Info("tenant manager started",
		"max_pools", cfg.MaxTotalPools,
		"idle_timeout", cfg.PoolIdleTimeout,
		"health_check_period", cfg.HealthCheckPeriod,
	)

	return m
}

// Registry returns the tenant registry.
func (m *Manager) Registry() Registry {
	return m.registry
}

// Route resolves slug to a live database handle.
func (m *Manager) Route(ctx context.Context, slug string) (*Handle, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "tenant.route",
		trace.WithAttributes(attribute.String("tenant.slug", slug)))
	defer span.End()

	h, err := m.route(ctx, slug)
	m.observer.RouteResolved(routeOutcome(err), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("tenant.id", h.tenant.ID))
	return h, nil
}

// RouteTenant routes an already loaded tenant (used by background jobs).
func (m *Manager) RouteTenant(ctx context.Context, t *Tenant) (*Handle, error) {
	if !t.IsActive() {
		return nil, &NotActiveError{Slug: t.Slug, Status: t.Status}
	}
	if !t.HasDatabase() {
		return nil, fmt.Errorf("%w: %s", ErrDatabaseNotConfigured, t.Slug)
	}
	desc, err := m.Descriptor(t)
	if err != nil {
		return nil, err
	}
	return m.acquire(ctx, t, desc)
}

func (m *Manager) route(ctx context.Context, slug string) (*Handle, error) {
	t, err := m.registry.GetBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("tenant lookup failed: %w", err)
	}
	return m.RouteTenant(ctx, t)
}

// Descriptor builds the connection descriptor for t, decrypting its password.
func (m *Manager) Descriptor(t *Tenant) (Descriptor, error) {
	d := Descriptor{
		Host:     t.DBHost,
		Port:     t.DBPort,
		Name:     t.DBName,
		User:     t.DBUser,
		Password: m.config.DBPassword,
		SSLMode:  m.config.SSLMode,
	}
	if d.User == "" {
		d.User = m.config.DBUser
	}
	if t.DBPasswordEnc != "" {
		if m.secrets == nil {
			return Descriptor{}, fmt.Errorf("%w: no secret key configured", ErrInvalidSecret)
		}
		pw, err := m.secrets.Decrypt(t.ID, t.DBPasswordEnc)
		if err != nil {
			return Descriptor{}, fmt.Errorf("decrypt password for tenant %s: %w", t.Slug, err)
		}
		d.Password = pw
	}
	return d, nil
}

func (m *Manager) acquire(ctx context.Context, t *Tenant, desc Descriptor) (*Handle, error) {
	fp := desc.Fingerprint()

	// Fast path: a pool with the same coordinates exists
	if val, ok := m.pools.Load(t.ID); ok {
		mp := val.(*ManagedPool)
		if mp.fingerprint == fp && mp.acquire() {
			return &Handle{pool: mp, tenant: t}, nil
		}
		if mp.fingerprint != fp {
			m.purge(mp, "coordinates changed")
		}
	}

	// Slow path: create new pool
	return m.connect(ctx, t, desc, fp)
}

func (m *Manager) connect(ctx context.Context, t *Tenant, desc Descriptor, fp string) (*Handle, error) {
	if m.config.MaxTotalPools > 0 && int(m.poolCount.Load()) >= m.config.MaxTotalPools {
		return nil, fmt.Errorf("%w (%d)", ErrMaxPoolLimit, m.config.MaxTotalPools)
	}

	createCtx := ctx
	if m.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		createCtx, cancel = context.WithTimeout(ctx, m.config.ConnectTimeout)
		defer cancel()
	}

	db, err := m.connector.Connect(createCtx, desc)
	if err != nil {
		return nil, fmt.Errorf("connect tenant %s: %w", t.Slug, err)
	}
	mp := newManagedPool(db, t, fp)
	mp.refCount.Store(1)

	for {
		actual, loaded := m.pools.LoadOrStore(t.ID, mp)
		if !loaded {
			break
		}
		existing := actual.(*ManagedPool)
		if existing.fingerprint == fp && existing.acquire() {
			// Another goroutine connected first, use theirs
			db.Close()
			return &Handle{pool: existing, tenant: t}, nil
		}
		m.purge(existing, "coordinates changed")
	}

	m.poolCount.Add(1)
	m.observer.PoolOpened()
	m.log.Info("created pool for tenant",
		"tenant_id", t.ID,
		"tenant", t.Slug,
		"db", desc.String(),
		"total_pools", m.poolCount.Load(),
	)
	return &Handle{pool: mp, tenant: t}, nil
}

// purge removes mp from the map and retires it. In-flight handles keep working;
// the pool closes when the last one is released.
func (m *Manager) purge(mp *ManagedPool, reason string) {
	if !m.pools.CompareAndDelete(mp.tenantID, mp) {
		return
	}
	m.poolCount.Add(-1)
	mp.retire()
	m.observer.PoolClosed(reason)
	m.log.Info("purged pool",
		"tenant_id", mp.tenantID,
		"reason", reason,
		"active_refs", mp.refCount.Load(),
		"total_pools", m.poolCount.Load(),
	)
}

// Invalidate drops the pool of tenantID so the next Route reconnects.
func (m *Manager) Invalidate(tenantID string) {
	if val, ok := m.pools.Load(tenantID); ok {
		m.purge(val.(*ManagedPool), "invalidated")
	}
}

// evictionLoop closes idle pools periodically.
func (m *Manager) evictionLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.PoolIdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.evictIdlePools()
		}
	}
}

// evictIdlePools closes pools that haven't been used recently.
func (m *Manager) evictIdlePools() {
	threshold := time.Now().Add(-m.config.PoolIdleTimeout).Unix()

	m.pools.Range(func(_, value any) bool {
		mp := value.(*ManagedPool)

		// Don't evict if actively in use
		if mp.refCount.Load() > 0 {
			return true
		}

		if mp.unhealthySince.Load() > 0 {
			m.purge(mp, "unhealthy pool (no active refs)")
			return true
		}

		if mp.lastUsed.Load() < threshold {
			m.purge(mp, "idle timeout")
		}
		return true
	})
}

// healthCheckLoop monitors pool health.
func (m *Manager) healthCheckLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkPoolsHealth()
		}
	}
}

// checkPoolsHealth pings all pools and purges unhealthy idle ones.
func (m *Manager) checkPoolsHealth() {
	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancel()

	m.pools.Range(func(_, value any) bool {
		mp := value.(*ManagedPool)

		if err := mp.db.Ping(ctx); err != nil {
			if mp.unhealthySince.Load() == 0 {
				mp.unhealthySince.Store(time.Now().Unix())
			}
			m.log.Warn("pool health check failed",
				"tenant_id", mp.tenantID,
				"error", err,
			)
			if mp.refCount.Load() == 0 {
				m.purge(mp, "health check failed")
			}
			return true
		}

		mp.unhealthySince.Store(0)
		return true
	})
}

// Close shuts down manager and all pools.
func (m *Manager) Close() {
	m.log.Info("shutting down tenant manager...")

	m.cancel()
	m.wg.Wait()

	var poolsClosed int
	m.pools.Range(func(key, value any) bool {
		mp := value.(*ManagedPool)
		m.pools.Delete(key)
		mp.close()
		poolsClosed++
		return true
	})
	m.poolCount.Store(0)

	m.log.Info("tenant manager closed", "pools_closed", poolsClosed)
}

// Stats returns current manager statistics.
func (m *Manager) Stats() ManagerStats {
	var stats ManagerStats
	stats.TotalPools = int(m.poolCount.Load())

	m.pools.Range(func(_, value any) bool {
		mp := value.(*ManagedPool)
		ts := TenantPoolStats{
			TenantID:   mp.tenantID,
			DBName:     mp.dbName,
			ActiveRefs: int(mp.refCount.Load()),
			LastUsed:   time.Unix(mp.lastUsed.Load(), 0),
			Healthy:    mp.unhealthySince.Load() == 0,
		}
		if s, ok := mp.db.(interface{ Stat() *pgxpool.Stat }); ok {
			st := s.Stat()
			ts.TotalConns = int(st.TotalConns())
			ts.IdleConns = int(st.IdleConns())
			ts.AcquiredConns = int(st.AcquiredConns())
		}
		stats.TotalConns += ts.TotalConns
		stats.IdleConns += ts.IdleConns
		stats.AcquiredConns += ts.AcquiredConns
		stats.Tenants = append(stats.Tenants, ts)
		return true
	})

	return stats
}

// ManagerStats contains manager runtime statistics.
type ManagerStats struct {
	TotalPools    int               `json:"total_pools"`
	TotalConns    int               `json:"total_conns"`
	IdleConns     int               `json:"idle_conns"`
	AcquiredConns int               `json:"acquired_conns"`
	Tenants       []TenantPoolStats `json:"tenants"`
}

// TenantPoolStats contains per-tenant pool statistics.
type TenantPoolStats struct {
	TenantID      string    `json:"tenant_id"`
	DBName        string    `json:"db_name"`
	TotalConns    int       `json:"total_conns"`
	IdleConns     int       `json:"idle_conns"`
	AcquiredConns int       `json:"acquired_conns"`
	ActiveRefs    int       `json:"active_refs"`
	LastUsed      time.Time `json:"last_used"`
	Healthy       bool      `json:"healthy"`
}

// PrewarmPools opens pools for all active tenants with configured databases.
func (m *Manager) PrewarmPools(ctx context.Context) error {
	tenants, err := m.registry.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active tenants: %w", err)
	}

	m.log.Info("prewarming pools", "tenant_count", len(tenants))

	var wg sync.WaitGroup
	errCh := make(chan error, len(tenants))

	for _, t := range tenants {
		if !t.HasDatabase() {
			continue
		}
		wg.Add(1)
		go func(t *Tenant) {
			defer wg.Done()

			h, err := m.RouteTenant(ctx, t)
			if err != nil {
				errCh <- fmt.Errorf("prewarm %s: %w", t.Slug, err)
				return
			}
			h.Release()
		}(t)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		m.log.Warn("some pools failed to prewarm", "error_count", len(errs))
		return errors.Join(errs...)
	}

	m.log.Info("all pools prewarmed successfully")
	return nil
}

func routeOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTenantNotFound):
		return "not_found"
	case errors.Is(err, ErrTenantNotActive):
		return "inactive"
	case errors.Is(err, ErrDatabaseNotConfigured):
		return "no_database"
	default:
		return "error"
	}
}
