// Package config loads process configuration from the environment. A .env
// file in the working directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"worktally/internal/core/tenant"
	"worktally/internal/domain/billing"
	"worktally/internal/infrastructure/cache"
	"worktally/pkg/logger"
)

// Config holds all application configuration.
type Config struct {
	Env      string `env:"APP_ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	HTTP    HTTPConfig
	Central CentralDBConfig
	Tenant  TenantConfig
	Tenancy TenancyConfig
	Redis   RedisConfig
	Billing BillingConfig
	Auth    AuthConfig
	Worker  WorkerConfig
}

type HTTPConfig struct {
	Port            string        `env:"APP_PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	Idempotency     bool          `env:"IDEMPOTENCY_ENABLED" envDefault:"true"`
	IdempotencyTTL  time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
}

type CentralDBConfig struct {
	URL      string `env:"CENTRAL_DATABASE_URL,required,notEmpty"`
	MaxConns int32  `env:"CENTRAL_DB_MAX_CONNS" envDefault:"20"`
}

// TenantConfig configures the tenant pool manager.
type TenantConfig struct {
	DBUser            string        `env:"TENANT_DB_USER"`
	DBPassword        string        `env:"TENANT_DB_PASSWORD"`
	SSLMode           string        `env:"TENANT_DB_SSLMODE" envDefault:"disable"`
	ConnectTimeout    time.Duration `env:"TENANT_CONNECT_TIMEOUT" envDefault:"10s"`
	MaxPools          int           `env:"TENANT_MAX_POOLS" envDefault:"100"`
	MaxConnsPerPool   int32         `env:"TENANT_MAX_CONNS_PER_POOL" envDefault:"10"`
	MinConnsPerPool   int32         `env:"TENANT_MIN_CONNS_PER_POOL" envDefault:"1"`
	PoolIdleTimeout   time.Duration `env:"TENANT_POOL_IDLE_TIMEOUT" envDefault:"30m"`
	HealthCheckPeriod time.Duration `env:"TENANT_HEALTH_CHECK_PERIOD" envDefault:"1m"`
	Prewarm           bool          `env:"TENANT_PREWARM_POOLS" envDefault:"false"`
	// SecretKey is the base64 master key for tenant DB passwords at rest.
	SecretKey string `env:"TENANT_SECRET_KEY"`
}

// TenancyConfig configures how a request names its tenant.
type TenancyConfig struct {
	HeaderName         string   `env:"TENANT_HEADER" envDefault:"X-Tenant"`
	QueryParam         string   `env:"TENANT_QUERY_PARAM" envDefault:"tenant"`
	SubdomainSuffix    string   `env:"TENANT_SUBDOMAIN_SUFFIX"`
	PrivilegedPrefixes []string `env:"TENANT_PRIVILEGED_PREFIXES" envSeparator:"," envDefault:"/internal/"`
	TenantlessRoutes   []string `env:"TENANTLESS_ROUTES" envSeparator:"," envDefault:"/api/register,/health/,/api/oauth/callback,/metrics"`
}

type RedisConfig struct {
	// Addr empty disables the registry cache.
	Addr        string        `env:"REDIS_ADDR"`
	Password    string        `env:"REDIS_PASSWORD"`
	DB          int           `env:"REDIS_DB" envDefault:"0"`
	Prefix      string        `env:"REDIS_TENANT_PREFIX" envDefault:"worktally:tenant:"`
	TTL         time.Duration `env:"REDIS_TENANT_TTL" envDefault:"5m"`
	NegativeTTL time.Duration `env:"REDIS_TENANT_NEGATIVE_TTL" envDefault:"30s"`
}

// Gateway names.
const (
	GatewaySimulated = "simulated"
	GatewayStripe    = "stripe"
)

type BillingConfig struct {
	Currency        string        `env:"BILLING_CURRENCY" envDefault:"EUR"`
	Gateway         string        `env:"PAYMENT_GATEWAY" envDefault:"simulated"`
	StripeSecretKey string        `env:"STRIPE_SECRET_KEY"`
	StripeReturnURL string        `env:"STRIPE_RETURN_URL"`
	TrialPeriod     time.Duration `env:"BILLING_TRIAL_PERIOD" envDefault:"336h"`
	FeatureCacheTTL time.Duration `env:"BILLING_FEATURE_CACHE_TTL" envDefault:"30s"`
}

type AuthConfig struct {
	StateSecret string        `env:"OAUTH_STATE_SECRET"`
	StateTTL    time.Duration `env:"OAUTH_STATE_TTL" envDefault:"10m"`
}

// WorkerConfig configures cmd/worker.
type WorkerConfig struct {
	RenewalInterval     time.Duration `env:"WORKER_RENEWAL_INTERVAL" envDefault:"1m"`
	RenewalBatch        int           `env:"WORKER_RENEWAL_BATCH" envDefault:"100"`
	OutboxInterval      time.Duration `env:"WORKER_OUTBOX_INTERVAL" envDefault:"5s"`
	OutboxBatch         int           `env:"WORKER_OUTBOX_BATCH" envDefault:"100"`
	IdempotencyInterval time.Duration `env:"WORKER_IDEMPOTENCY_GC_INTERVAL" envDefault:"1h"`
	MetricsPort         string        `env:"WORKER_METRICS_PORT" envDefault:"9091"`
	// MetricsAuth requires a central administrator token on the metrics endpoint.
	MetricsAuth bool `env:"WORKER_METRICS_AUTH" envDefault:"false"`
}

// Load reads .env (if any) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	switch c.Billing.Gateway {
	case GatewaySimulated:
	case GatewayStripe:
		if c.Billing.StripeSecretKey == "" {
			errs = append(errs, errors.New("STRIPE_SECRET_KEY is required when PAYMENT_GATEWAY=stripe"))
		}
	default:
		errs = append(errs, fmt.Errorf("PAYMENT_GATEWAY must be %q or %q, got %q", GatewaySimulated, GatewayStripe, c.Billing.Gateway))
	}
	if len(c.Billing.Currency) != 3 {
		errs = append(errs, fmt.Errorf("BILLING_CURRENCY must be an ISO 4217 code, got %q", c.Billing.Currency))
	}
	if c.IsProduction() && c.Auth.StateSecret == "" {
		errs = append(errs, errors.New("OAUTH_STATE_SECRET is required in production"))
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool { return c.Env == "production" }

// Logger returns the logger configuration.
func (c *Config) Logger() logger.Config {
	return logger.Config{Level: c.LogLevel, Development: !c.IsProduction()}
}

// Manager returns the tenant pool manager configuration.
func (c TenantConfig) Manager() tenant.ManagerConfig {
	return tenant.ManagerConfig{
		DBUser:            c.DBUser,
		DBPassword:        c.DBPassword,
		SSLMode:           c.SSLMode,
		ConnectTimeout:    c.ConnectTimeout,
		MaxTotalPools:     c.MaxPools,
		PoolIdleTimeout:   c.PoolIdleTimeout,
		HealthCheckPeriod: c.HealthCheckPeriod,
	}
}

// Connector returns the pgx connector for tenant pools.
func (c TenantConfig) Connector() tenant.PgxConnector {
	return tenant.PgxConnector{
		MaxConns:          c.MaxConnsPerPool,
		MinConns:          c.MinConnsPerPool,
		ConnectTimeout:    c.ConnectTimeout,
		HealthCheckPeriod: c.HealthCheckPeriod,
	}
}

// Resolver returns the tenant resolver configuration.
func (c TenancyConfig) Resolver() tenant.ResolverConfig {
	return tenant.ResolverConfig{
		HeaderName:         c.HeaderName,
		QueryParam:         c.QueryParam,
		SubdomainSuffix:    c.SubdomainSuffix,
		PrivilegedPrefixes: c.PrivilegedPrefixes,
		TenantlessRoutes:   c.TenantlessRoutes,
	}
}

// Cache returns the registry cache configuration.
func (c RedisConfig) Cache() cache.RegistryCacheConfig {
	return cache.RegistryCacheConfig{Prefix: c.Prefix, TTL: c.TTL, NegativeTTL: c.NegativeTTL}
}

// Catalog returns the price catalog for the configured currency.
func (c BillingConfig) Catalog() billing.Catalog {
	return billing.DefaultCatalog(c.Currency)
}
