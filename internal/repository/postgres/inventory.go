package postgresrepo

import (
	"context"
	"fmt"

	"github.com/kirinyoku/ticksy/internal/repository"
)

type InventoryRepo struct {
	db DB
}

// ReserveCheck reports whether quantity units are currently unsold.
//
// Returns:
//   - bool: true when the tier has at least quantity units left.
//   - error: repository.ErrNotFound if the tier does not exist.
func (r *InventoryRepo) ReserveCheck(ctx context.Context, tierID int64, quantity int) (bool, error) {
	const op = "postgresrepo.InventoryRepo.ReserveCheck"

	var available int
	err := r.db.QueryRow(ctx,
		`SELECT quantity - sold FROM ticket_tiers WHERE id = $1`,
		tierID,
	).Scan(&available)
	if err != nil {
		return false, wrapDBErr(op, err)
	}

	return available >= quantity, nil
}

// Commit consumes quantity units of a tier. The guard lives in the UPDATE
// itself, so concurrent commits against the same row serialize on the row
// lock and the loser sees zero affected rows.
//
// Returns:
//   - error: repository.ErrInsufficientInventory if fewer than quantity units remain.
//   - error: repository.ErrNotFound if the tier does not exist.
func (r *InventoryRepo) Commit(ctx context.Context, tierID int64, quantity int) error {
	const op = "postgresrepo.InventoryRepo.Commit"

	if quantity <= 0 {
		return fmt.Errorf("%s: quantity must be positive, got %d", op, quantity)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE ticket_tiers
		 SET sold = sold + $2
		 WHERE id = $1 AND sold + $2 <= quantity`,
		tierID, quantity,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM ticket_tiers WHERE id = $1)`,
		tierID,
	).Scan(&exists); err != nil {
		return wrapDBErr(op, err)
	}

	if !exists {
		return fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	return fmt.Errorf("%s: %w", op, repository.ErrInsufficientInventory)
}
