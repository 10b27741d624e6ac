package payment

import (
	"context"

	"github.com/kirinyoku/ticksy/internal/repository"
	"github.com/kirinyoku/ticksy/internal/uow"
)

// commitTier simulates sales made by other orders.
func commitTier(tierID int64, qty int) uow.Func {
	return func(ctx context.Context, repos repository.Repositories, after func(uow.AfterCommit)) error {
		return repos.Inventory().Commit(ctx, tierID, qty)
	}
}
