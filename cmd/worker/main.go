// Package main is the entry point for the Worktally background worker.
// It renews subscriptions, relays the outbox and expires idempotency keys.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"worktally/internal/bootstrap"
	"worktally/internal/config"
	"worktally/internal/core/tenant"
	"worktally/internal/domain/auth"
	"worktally/internal/domain/payment"
	"worktally/internal/infrastructure/storage/postgres"
	"worktally/internal/infrastructure/storage/postgres/auth_repo"
	"worktally/internal/infrastructure/storage/postgres/billing_repo"
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

	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), log))
	defer cancel()

	log.Info("starting worktally worker")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Shorter idle timeout: the worker only touches tenant databases occasionally.
	cfg.Tenant.PoolIdleTimeout = 10 * time.Minute

	deps, err := bootstrap.New(ctx, cfg, log, reg)
	if err != nil {
		log.Fatalw("failed to initialize", "error", err)
	}
	defer deps.Close()

	worker := NewWorker(deps, log)

	var metrics http.Handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	if cfg.Worker.MetricsAuth {
		resolver := tenant.NewResolver(cfg.Tenancy.Resolver())
		metrics = auth.OperatorOnly(auth.NewAuthenticator(auth_repo.Factory, deps.Central, resolver, deps.Tenants), metrics)
	}

	metricsServer := &http.Server{
		Addr:              ":" + cfg.Worker.MetricsPort,
		Handler:           metrics,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infow("metrics server starting", "port", cfg.Worker.MetricsPort, "auth", cfg.Worker.MetricsAuth)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("metrics server failed", "error", err)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker...")
	cancel()
	wg.Wait()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = metricsServer.Shutdown(shutdownCtx)

	log.Info("worker stopped")
}

// Worker runs the periodic jobs against the central database.
type Worker struct {
	cfg         config.WorkerConfig
	renewer     *payment.Renewer
	relay       *postgres.OutboxRelay
	idempotency *postgres.IdempotencyStore
	deps        *bootstrap.Deps
	log         *logger.Logger
}

func NewWorker(deps *bootstrap.Deps, log *logger.Logger) *Worker {
	w := &Worker{
		cfg:         deps.Config.Worker,
		deps:        deps,
		idempotency: postgres.NewIdempotencyStore(deps.TxManager, deps.Config.HTTP.IdempotencyTTL),
		log:         log.WithComponent("worker"),
	}

	var observer payment.RenewalObserver
	if deps.Metrics != nil {
		observer = deps.Metrics
	}
	w.renewer = payment.NewRenewer(payment.RenewerConfig{
		Subscriptions: deps.Billing,
		Seats:         billing_repo.NewLicenseRepo(deps.TxManager),
		Payments:      deps.Payments,
		Observer:      observer,
		BatchSize:     w.cfg.RenewalBatch,
		Logger:        log,
	})
	w.relay = postgres.NewOutboxRelay(deps.TxManager, w.cfg.OutboxBatch, postgres.OutboxHandlerFunc(w.handleEvent))
	return w
}

// Run blocks until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	jobs := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"renewal", w.cfg.RenewalInterval, w.renew},
		{"outbox", w.cfg.OutboxInterval, w.relayOutbox},
		{"idempotency-gc", w.cfg.IdempotencyInterval, w.cleanupIdempotency},
	}
	for _, job := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx, job.name, job.interval, job.fn)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	w.log.Infow("job started", "job", name, "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			w.log.Infow("job stopped", "job", name)
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (w *Worker) renew(ctx context.Context) {
	stats, err := w.renewer.RunOnce(ctx)
	if err != nil {
		w.log.Errorw("renewal pass failed", "error", err)
		return
	}
	if len(stats) > 0 {
		w.log.Infow("renewal pass finished", "outcomes", stats)
	}
}

func (w *Worker) relayOutbox(ctx context.Context) {
	n, err := w.relay.ProcessBatch(ctx)
	if err != nil {
		w.log.Errorw("outbox relay failed", "error", err)
		return
	}
	if n > 0 {
		w.log.Debugw("processed outbox batch", "count", n)
		if w.deps.Metrics != nil {
			w.deps.Metrics.OutboxRelayed.Add(float64(n))
		}
	}
}

// handleEvent is the delivery point for outbox events. Cache invalidation
// already happens through NOTIFY triggers, so events are only logged here.
func (w *Worker) handleEvent(ctx context.Context, msg *postgres.OutboxMessage) error {
	w.log.WithContext(ctx).Infow("domain event",
		"event_type", msg.EventType,
		"aggregate_type", msg.AggregateType,
		"aggregate_id", msg.AggregateID,
		"payload", string(msg.Payload),
	)
	return nil
}

func (w *Worker) cleanupIdempotency(ctx context.Context) {
	n, err := w.idempotency.CleanupExpired(ctx)
	if err != nil {
		w.log.Errorw("idempotency cleanup failed", "error", err)
		return
	}
	if n > 0 {
		w.log.Infow("cleaned up idempotency keys", "count", n)
		if w.deps.Metrics != nil {
			w.deps.Metrics.IdempotencyGC.Add(float64(n))
		}
	}
}
