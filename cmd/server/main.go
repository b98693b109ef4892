// Package main is the entry point for the Worktally API server.
// Multi-tenant architecture: Database-per-Tenant.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"worktally/internal/bootstrap"
	"worktally/internal/config"
	"worktally/internal/core/tenant"
	"worktally/internal/domain/auth"
	v1 "worktally/internal/infrastructure/http/v1"
	"worktally/internal/infrastructure/http/v1/middleware"
	"worktally/internal/infrastructure/storage/postgres"
	"worktally/internal/infrastructure/storage/postgres/auth_repo"
	"worktally/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx := logger.WithLogger(context.Background(), log)
	log.Infow("starting worktally server", "env", cfg.Env, "gateway", cfg.Billing.Gateway)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	deps, err := bootstrap.New(ctx, cfg, log, reg)
	if err != nil {
		log.Fatalw("failed to initialize", "error", err)
	}
	defer deps.Close()
	log.Info("central database connection established")

	if cfg.Tenant.Prewarm {
		log.Info("prewarming tenant pools...")
		if err := deps.Tenants.PrewarmPools(ctx); err != nil {
			log.Warnw("failed to prewarm some pools", "error", err)
		}
	}

	listener := deps.ChangeListener()
	listener.Start(ctx)
	defer listener.Stop()

	resolver := tenant.NewResolver(cfg.Tenancy.Resolver())

	stateSecret := cfg.Auth.StateSecret
	if stateSecret == "" {
		stateSecret = "development-state-secret"
		log.Warn("OAUTH_STATE_SECRET not set, using a development secret")
	}
	stateCfg := auth.DefaultStateConfig(stateSecret)
	stateCfg.TTL = cfg.Auth.StateTTL

	routerCfg := v1.RouterConfig{
		Resolver:      resolver,
		Tenants:       deps.Tenants,
		Central:       deps.Central,
		Logger:        log,
		Authenticator: auth.NewAuthenticator(auth_repo.Factory, deps.Central, resolver, deps.Tenants),
		AuthStores:    auth_repo.Factory,
		StateSigner:   auth.NewStateSigner(stateCfg),
		Billing:       deps.Billing,
		Payments:      deps.Payments,
		Features:      deps.Features,
		Audit:         deps.Audit,
		Metrics:       deps.Metrics,
		Gatherer:      reg,
	}
	if cfg.HTTP.Idempotency {
		routerCfg.Idempotency = idempotencyStore(deps.TxManager, cfg)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := v1.NewRouter(routerCfg)

	server := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		log.Infow("server starting", "port", cfg.HTTP.Port, "mode", "multi-tenant")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("server failed", "error", err)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}

func idempotencyStore(txm *postgres.TxManager, cfg *config.Config) middleware.IdempotencyStore {
	return postgres.NewIdempotencyStore(txm, cfg.HTTP.IdempotencyTTL)
}
