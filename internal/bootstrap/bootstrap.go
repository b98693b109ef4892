// Package bootstrap assembles the process-wide components shared by the
// server, the worker and the tenant CLI.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"worktally/internal/config"
	"worktally/internal/core/tenant"
	"worktally/internal/domain/billing"
	"worktally/internal/domain/payment"
	"worktally/internal/infrastructure/cache"
	"worktally/internal/infrastructure/gateway"
	"worktally/internal/infrastructure/metrics"
	"worktally/internal/infrastructure/storage/postgres"
	"worktally/internal/infrastructure/storage/postgres/billing_repo"
	"worktally/pkg/logger"
)

// Deps holds the wired components. Fields are nil when the matching
// feature is disabled by configuration.
type Deps struct {
	Config  *config.Config
	Log     *logger.Logger
	Metrics *metrics.Metrics

	Central   *pgxpool.Pool
	TxManager *postgres.TxManager

	Registry      tenant.Registry
	RegistryCache *cache.RegistryCache
	Redis         *redis.Client
	Secrets       *tenant.SecretBox
	Tenants       *tenant.Manager

	Outbox   *postgres.OutboxPublisher
	Audit    *postgres.AuditService
	Billing  *billing.Service
	Payments *payment.Engine
	Features *cache.PlanFeatures

	closers []func()
}

// New connects to the central database and builds everything on top of it.
// reg may be nil, in which case no metrics are collected.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, reg prometheus.Registerer) (*Deps, error) {
	d := &Deps{Config: cfg, Log: log}
	if reg != nil {
		d.Metrics = metrics.New(reg)
	}

	poolCfg := postgres.DefaultPoolConfig(cfg.Central.URL)
	poolCfg.MaxConns = cfg.Central.MaxConns
	if poolCfg.MinConns > poolCfg.MaxConns {
		poolCfg.MinConns = poolCfg.MaxConns
	}
	central, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("central database: %w", err)
	}
	d.Central = central
	d.closers = append(d.closers, central.Close)
	d.TxManager = postgres.NewTxManager(central)

	if err := d.initTenancy(ctx); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.initBilling(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Deps) initTenancy(ctx context.Context) error {
	cfg := d.Config

	var registry tenant.Registry = tenant.NewPostgresRegistry(d.Central)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			// The registry cache degrades to direct reads, so Redis is not fatal.
			d.Log.Warnw("redis unreachable, tenant cache will miss", "addr", cfg.Redis.Addr, "error", err)
		}
		d.Redis = client
		d.closers = append(d.closers, func() { _ = client.Close() })
		d.RegistryCache = cache.NewRegistryCache(registry, client, cfg.Redis.Cache(), d.Log)
		registry = d.RegistryCache
	}
	d.Registry = registry

	opts := []tenant.ManagerOption{}
	if cfg.Tenant.SecretKey != "" {
		box, err := tenant.NewSecretBoxFromBase64(cfg.Tenant.SecretKey)
		if err != nil {
			return fmt.Errorf("tenant secret key: %w", err)
		}
		d.Secrets = box
		opts = append(opts, tenant.WithSecretBox(box))
	}
	if d.Metrics != nil {
		opts = append(opts, tenant.WithObserver(d.Metrics))
	}

	d.Tenants = tenant.NewManager(cfg.Tenant.Manager(), registry, cfg.Tenant.Connector(), d.Log, opts...)
	d.closers = append(d.closers, d.Tenants.Close)
	return nil
}

func (d *Deps) initBilling() error {
	cfg := d.Config

	audit, err := postgres.NewAuditService(d.TxManager)
	if err != nil {
		return fmt.Errorf("audit service: %w", err)
	}
	d.Audit = audit
	d.Outbox = postgres.NewOutboxPublisher(d.TxManager)

	d.Billing = billing.NewService(billing.ServiceConfig{
		Subscriptions: billing_repo.NewSubscriptionRepo(d.TxManager),
		Licenses:      billing_repo.NewLicenseRepo(d.TxManager),
		Seats:         billing_repo.SeatCounter{},
		TxManager:     d.TxManager,
		Events:        d.Outbox,
		Audit:         audit,
		Catalog:       cfg.Billing.Catalog(),
		Logger:        d.Log,
	})

	gw, err := NewGateway(cfg.Billing)
	if err != nil {
		return err
	}
	d.Payments = payment.NewEngine(payment.EngineConfig{
		Repo:      billing_repo.NewPaymentRepo(d.TxManager),
		Billing:   d.Billing,
		Gateway:   gw,
		TxManager: d.TxManager,
		Events:    d.Outbox,
		Logger:    d.Log,
	})

	d.Features = cache.NewPlanFeatures(d.Billing.Get, cfg.Billing.FeatureCacheTTL)
	return nil
}

// NewGateway returns the configured payment gateway.
func NewGateway(cfg config.BillingConfig) (payment.Gateway, error) {
	switch cfg.Gateway {
	case config.GatewaySimulated:
		return payment.NewSimulator(), nil
	case config.GatewayStripe:
		return gateway.NewStripe(gateway.StripeConfig{
			SecretKey: cfg.StripeSecretKey,
			ReturnURL: cfg.StripeReturnURL,
		})
	default:
		return nil, fmt.Errorf("unknown payment gateway %q", cfg.Gateway)
	}
}

// ChangeListener subscribes the in-process caches to central database
// notifications. The caller starts and stops it.
func (d *Deps) ChangeListener() *cache.ChangeListener {
	l := cache.NewChangeListener(d.Central)
	l.Subscribe(func(ctx context.Context, channel, tenantID string) {
		switch channel {
		case cache.ChannelTenantChanged:
			d.Tenants.Invalidate(tenantID)
			if d.RegistryCache != nil {
				if err := d.RegistryCache.Invalidate(ctx, tenantID); err != nil {
					d.Log.WithContext(ctx).Warnw("tenant cache invalidation failed", "tenant_id", tenantID, "error", err)
				}
			}
		case cache.ChannelSubscriptionChanged:
			d.Features.Invalidate(tenantID)
		}
	})
	return l
}

// Close releases everything New opened, in reverse order.
func (d *Deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}
