package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"worktally/internal/core/tx"
	"worktally/pkg/logger"
)

var tracer = otel.Tracer("worktally/tx")

var _ tx.Manager = (*TxManager)(nil)

// DefaultStatementTimeout bounds every statement run inside a managed transaction.
const DefaultStatementTimeout = 30 * time.Second

// Querier is implemented by pools, connections and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is a Querier that can start transactions: the central pool or a routed tenant database.
type DB interface {
	Querier
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// TxManager runs transactions on a single database. The central database
// and each routed tenant database get their own instance. A transaction in
// ctx is only visible to managers bound to the same database.
type TxManager struct {
	db        DB
	scope     string
	isolation pgx.TxIsoLevel
	timeout   time.Duration
}

// TxOption customizes a TxManager.
type TxOption func(*TxManager)

// WithScope labels spans and logs, e.g. "central" or a tenant slug.
func WithScope(scope string) TxOption {
	return func(m *TxManager) { m.scope = scope }
}

// WithIsolation sets the isolation level of new transactions.
func WithIsolation(level pgx.TxIsoLevel) TxOption {
	return func(m *TxManager) { m.isolation = level }
}

// WithStatementTimeout sets SET LOCAL statement_timeout; zero disables it.
func WithStatementTimeout(d time.Duration) TxOption {
	return func(m *TxManager) { m.timeout = d }
}

// NewTxManager binds a manager to db. Transactions default to read committed.
func NewTxManager(db DB, opts ...TxOption) *TxManager {
	m := &TxManager{
		db:        db,
		scope:     "central",
		isolation: pgx.ReadCommitted,
		timeout:   DefaultStatementTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// txKey scopes the active transaction to its database.
type txKey struct{ db DB }

// RunInTransaction runs fn in a transaction. Calls nested inside fn join the
// outer transaction, so its commit or rollback covers them too.
func (m *TxManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.GetTx(ctx) != nil {
		return fn(ctx)
	}

	ctx, span := tracer.Start(ctx, "db.transaction", trace.WithAttributes(
		attribute.String("db.scope", m.scope),
		attribute.String("db.isolation", string(m.isolation)),
	))
	defer span.End()

	err := m.run(ctx, fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (m *TxManager) run(ctx context.Context, fn func(ctx context.Context) error) error {
	t, err := m.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: m.isolation})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if m.timeout > 0 {
		if _, err := t.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", m.timeout.Milliseconds())); err != nil {
			m.rollback(ctx, t, err)
			return fmt.Errorf("set statement_timeout: %w", err)
		}
	}

	if err := fn(context.WithValue(ctx, txKey{m.db}, t)); err != nil {
		m.rollback(ctx, t, err)
		return err
	}

	if err := t.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// rollback ignores ctx cancellation so an aborted request still releases the connection.
func (m *TxManager) rollback(ctx context.Context, t pgx.Tx, cause error) {
	if err := t.Rollback(context.WithoutCancel(ctx)); err != nil {
		logger.Error(ctx, "rollback failed", "scope", m.scope, "error", err, "cause", cause)
	}
}

// GetTx returns the transaction open on this manager's database in ctx, or nil.
func (m *TxManager) GetTx(ctx context.Context) pgx.Tx {
	t, _ := ctx.Value(txKey{m.db}).(pgx.Tx)
	return t
}

// GetQuerier returns the transaction in ctx, or the database itself.
func (m *TxManager) GetQuerier(ctx context.Context) Querier {
	if t := m.GetTx(ctx); t != nil {
		return t
	}
	return m.db
}
