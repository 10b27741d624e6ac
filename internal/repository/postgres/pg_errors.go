package postgresrepo

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kirinyoku/ticksy/internal/repository"
)

// IsRetryable reports serialization failures and deadlocks, which are safe
// to retry from the start of the transaction.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError

	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return true
		}
	}

	return false
}

// isFKViolation reports a foreign_key_violation, which on delete means the
// row is still referenced.
func isFKViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// wrapDBErr maps common DB errors to repository-level errors and wraps them with
// the provided operation name.
func wrapDBErr(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	var pge *pgconn.PgError
	if errors.As(err, &pge) {
		switch pge.Code {
		// unique_violation
		case "23505":
			return fmt.Errorf("%s: %w", op, repository.ErrConflict)
		// foreign_key_violation
		case "23503":
			return fmt.Errorf("%s: %w", op, repository.ErrNotFound)
		// check_violation, only ticket_tiers carries one
		case "23514":
			return fmt.Errorf("%s: %w", op, repository.ErrInsufficientInventory)
		}
	}

	return fmt.Errorf("%s: %w", op, err)
}
