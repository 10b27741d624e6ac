package uow

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kirinyoku/ticksy/internal/repository"
	postgres "github.com/kirinyoku/ticksy/internal/repository/postgres"
)

// AfterCommit is a function that runs after a successful transaction commit.
type AfterCommit func(ctx context.Context)

// Func is the body of a unit of work. repos are bound to the transaction;
// after registers hooks that only run once the transaction has committed.
type Func func(ctx context.Context, repos repository.Repositories, after func(AfterCommit)) error

// UnitOfWork is what services depend on; UoW is the Postgres implementation.
type UnitOfWork interface {
	// Repos returns repositories outside any transaction, for plain reads.
	Repos() repository.Repositories
	Do(ctx context.Context, fn Func) error
	DoWithOpts(ctx context.Context, opts *pgx.TxOptions, fn Func) error
}

const (
	maxAttempts = 3
	retryDelay  = 20 * time.Millisecond
)

// UoW represents a unit of work.
type UoW struct {
	store *postgres.Store
}

func NewUoW(store *postgres.Store) *UoW {
	return &UoW{store: store}
}

func (u *UoW) Repos() repository.Repositories {
	return u.store.Repos()
}

// Do runs fn inside the transaction. After a successful commit,
// it executes all after-commit hooks.
func (u *UoW) Do(ctx context.Context, fn Func) error {
	return u.DoWithOpts(ctx, nil, fn)
}

// DoWithOpts runs fn inside the transaction with the given options. A
// serialization failure or deadlock restarts fn in a fresh transaction, so fn
// must not have effects outside of it other than registered hooks. After a
// successful commit, it executes all after-commit hooks.
func (u *UoW) DoWithOpts(ctx context.Context, opts *pgx.TxOptions, fn Func) error {
	var err error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var hooks []AfterCommit

		err = u.store.RunTx(ctx, opts, func(ctx context.Context, tx postgres.DB) error {
			return fn(ctx, postgres.Bind(tx), func(h AfterCommit) {
				hooks = append(hooks, h)
			})
		})
		if err == nil {
			for _, h := range hooks {
				h(ctx)
			}
			return nil
		}

		if !postgres.IsRetryable(err) || attempt == maxAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * retryDelay):
		}
	}

	return err
}
