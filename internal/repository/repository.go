package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/septivank/utility-billing-engine/internal/apperr"
	"github.com/septivank/utility-billing-engine/internal/catalog"
	"github.com/septivank/utility-billing-engine/internal/invoice"
	"github.com/septivank/utility-billing-engine/internal/reading"
	"github.com/septivank/utility-billing-engine/internal/tariff"
	"github.com/septivank/utility-billing-engine/internal/tenant"
)

var (
	_ reading.Store = (*Repository)(nil)
	_ invoice.Store = (*Repository)(nil)
	_ catalog.Store = (*Repository)(nil)
	_ tariff.Store  = (*Repository)(nil)
)

// sqlStateFinalized is raised by the invoice immutability triggers.
const sqlStateFinalized = "BL001"

type txKey struct{}

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Repository handles database operations
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RunInTx runs fn inside a transaction carried by the context. Calls made
// with a context that already holds a transaction join it.
func (r *Repository) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *Repository) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return r.pool
}

// scoped returns the arguments for a "($n OR tenant_id = $n+1)" predicate.
func scoped(scope tenant.Scope) (bool, any) {
	return scope.Bypass(), scope.TenantID()
}

// notFound maps pgx.ErrNoRows to a NotFoundError.
func notFound(err error, resource, key string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(resource, key)
	}
	return fmt.Errorf("failed to query %s: %w", resource, err)
}

// mapWriteError turns trigger rejections into FinalizedStateErrors.
func mapWriteError(err error, invoiceID string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlStateFinalized {
		return apperr.Finalized(invoiceID, pgErr.Detail)
	}
	return err
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// encodeJSON marshals a map for a jsonb column; an empty map is stored as NULL.
func encodeJSON(m map[string]decimal.Decimal) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}
