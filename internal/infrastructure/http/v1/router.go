// Package v1 provides HTTP API version 1.
package v1

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"worktally/internal/core/tenant"
	"worktally/internal/domain/auth"
	"worktally/internal/domain/billing"
	"worktally/internal/domain/payment"
	"worktally/internal/infrastructure/http/v1/handlers"
	"worktally/internal/infrastructure/http/v1/middleware"
	"worktally/internal/infrastructure/metrics"
	"worktally/pkg/logger"
)

// Token abilities checked by the billing routes.
const (
	AbilityBillingRead  = "billing:read"
	AbilityBillingWrite = "billing:write"
)

// TenantRouter routes tenants and reports pool statistics.
type TenantRouter interface {
	middleware.TenantRouter
	handlers.PoolStats
}

// RouterConfig holds router configuration.
type RouterConfig struct {
	Resolver *tenant.Resolver
	Tenants  TenantRouter

	// Central is the central database, pinged by readiness checks.
	Central handlers.Pinger

	Logger        *logger.Logger
	Authenticator middleware.TokenAuthenticator
	AuthStores    auth.StoreFactory
	StateSigner   *auth.StateSigner

	Billing  *billing.Service
	Payments *payment.Engine
	Features middleware.FeatureChecker

	// Audit serves the subscription audit trail. Nil disables the endpoint.
	Audit handlers.AuditHistory

	// Idempotency is nil when idempotency keys are disabled.
	Idempotency middleware.IdempotencyStore

	// Metrics and Gatherer are optional; together they expose GET /metrics.
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

// NewRouter creates and configures the Gin router.
//
// Every request passes TenantDB first; protected groups then run TokenAuth
// against the database TenantDB routed to.
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	if cfg.Metrics != nil {
		router.Use(middleware.Metrics(cfg.Metrics))
	}
	router.Use(middleware.ErrorHandler())
	router.Use(middleware.TenantDB(cfg.Resolver, cfg.Tenants))

	tokenAuth := middleware.TokenAuth(cfg.Authenticator)

	base := handlers.NewBaseHandler()

	// Health endpoints (tenant-less)
	healthHandler := handlers.NewHealthHandler(cfg.Central, cfg.Tenants)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
		health.GET("/tenants", tokenAuth, middleware.RequireAdmin(), healthHandler.TenantsStats)
	}

	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	oauthHandler := handlers.NewOAuthHandler(base, cfg.StateSigner, cfg.Tenants, cfg.AuthStores)
	router.GET("/api/oauth/callback", oauthHandler.Callback)

	// Tenant-scoped API
	api := router.Group("/api")
	api.Use(tokenAuth, middleware.RequireTenant())
	if cfg.Idempotency != nil {
		api.Use(middleware.Idempotency(cfg.Idempotency))
	}

	api.POST("/oauth/:provider/state", oauthHandler.State)

	var observer handlers.PaymentObserver
	if cfg.Metrics != nil {
		observer = cfg.Metrics
	}
	billingHandler := handlers.NewBillingHandler(base, cfg.Billing, cfg.Payments, cfg.Audit, observer)
	registerBillingRoutes(api.Group("/billing"), billingHandler, cfg.Features)

	return router
}

func registerBillingRoutes(g *gin.RouterGroup, h *handlers.BillingHandler, features middleware.FeatureChecker) {
	read := middleware.RequireAbility(AbilityBillingRead)
	write := middleware.RequireAbility(AbilityBillingWrite)

	g.GET("/summary", read, h.Summary)
	g.GET("/payments", read, h.Payments)
	g.POST("/upgrade-plan", read, h.UpgradePlan)

	g.POST("/checkout/start", write, h.StartCheckout)
	g.POST("/checkout/confirm", write, h.ConfirmCheckout)
	g.POST("/checkout/cancel", write, h.CancelCheckout)
	g.POST("/schedule-downgrade", write, h.ScheduleDowngrade)
	g.POST("/cancel-scheduled-downgrade", write, h.CancelScheduledDowngrade)
	g.POST("/toggle-addon", write, h.ToggleAddon)

	methods := g.Group("/payment-methods")
	{
		methods.GET("", read, h.PaymentMethods)
		methods.POST("", write, h.AddPaymentMethod)
		methods.POST("/:id/default", write, h.SetDefaultPaymentMethod)
		methods.DELETE("/:id", write, h.RemovePaymentMethod)
	}

	audit := []gin.HandlerFunc{read}
	if features != nil {
		audit = append(audit, middleware.RequireFeature(features, billing.FeatureAuditLog))
	}
	g.GET("/audit", append(audit, h.Audit)...)
}
