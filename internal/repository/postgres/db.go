package postgresrepo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kirinyoku/ticksy/internal/repository"
)

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Pool is satisfied by *pgxpool.Pool.
type Pool interface {
	DB
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type Store struct {
	pool Pool
}

func NewStore(pool Pool) *Store {
	return &Store{
		pool: pool,
	}
}

// RunTx runs fn in a transaction. The default isolation level is
// serializable; opts overrides it.
func (s *Store) RunTx(
	ctx context.Context,
	opts *pgx.TxOptions,
	fn func(ctx context.Context, tx DB) error,
) error {
	txOpts := pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	}

	if opts != nil {
		txOpts.IsoLevel = opts.IsoLevel
		txOpts.AccessMode = opts.AccessMode
		txOpts.DeferrableMode = opts.DeferrableMode
	}

	tx, err := s.pool.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	defer tx.Rollback(ctx)

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

// Repos returns repositories bound to the pool.
func (s *Store) Repos() repository.Repositories { return Bind(s.pool) }

// Bind returns repositories bound to db, usually a transaction.
func Bind(db DB) repository.Repositories { return handles{db: db} }

type handles struct {
	db DB
}

func (h handles) Directory() repository.DirectoryRepository { return &DirectoryRepo{db: h.db} }
func (h handles) Catalog() repository.CatalogRepository     { return &CatalogRepo{db: h.db} }
func (h handles) Inventory() repository.InventoryRepository { return &InventoryRepo{db: h.db} }
func (h handles) Orders() repository.OrderRepository        { return &OrderRepo{db: h.db} }
func (h handles) Passes() repository.PassRepository         { return &PassRepo{db: h.db} }
func (h handles) Audit() repository.AuditRepository         { return &AuditRepo{db: h.db} }
