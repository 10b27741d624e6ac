package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kirinyoku/ticksy/internal/domain"
	"github.com/kirinyoku/ticksy/internal/repository"
)

// Status returns the order behind a payment request, asking the gateway for
// the result first if the order is still pending. It covers callbacks that
// never arrive.
//
// Parameters:
//   - ctx: request-scoped context.
//   - attendeeID: the caller, who must own the order.
//   - correlationKey: the gateway request id returned by Initiate.
//
// Returns:
//   - *domain.Order: the order after any reconciliation.
//   - error: payment.ErrUnknownCorrelation if no order has this request id.
func (s *Service) Status(ctx context.Context, attendeeID int64, correlationKey string) (*domain.Order, error) {
	const op = "service.payment.Status"

	pr, err := s.uow.Repos().Orders().GetPaymentRequest(ctx, correlationKey)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrUnknownCorrelation)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	order, err := s.uow.Repos().Orders().Get(ctx, pr.OrderID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if order.AttendeeID != attendeeID {
		return nil, fmt.Errorf("%s: %w", op, ErrUnknownCorrelation)
	}
	if order.Status.Terminal() {
		return order, nil
	}

	if _, err := s.Refresh(ctx, correlationKey); err != nil {
		// The gateway being down must not hide the order from its owner.
		s.logger.WarnContext(ctx, "payment refresh failed",
			slog.String("order_id", order.ID.String()),
			slog.String("correlation_key", correlationKey),
			slog.Any("err", err),
		)
		return order, nil
	}

	order, err = s.uow.Repos().Orders().Get(ctx, pr.OrderID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return order, nil
}

// Refresh queries the gateway for a request's result and reconciles it if
// final. It reports whether a final result was applied.
func (s *Service) Refresh(ctx context.Context, correlationKey string) (bool, error) {
	const op = "service.payment.Refresh"

	res, err := s.gateway.Query(ctx, correlationKey)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if res.Pending {
		return false, nil
	}

	if err := s.reconcile(ctx, Callback{
		CorrelationKey: correlationKey,
		ResultCode:     res.ResultCode,
		ResultDesc:     res.ResultDesc,
	}); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return true, nil
}

// SweepPending refreshes payment requests of pending orders that are older
// than the minimum age and younger than the maximum age. Orders are never
// expired here; only the gateway's answer moves them.
//
// Returns:
//   - int: how many requests reached a final result.
//   - error: if the pending requests could not be listed.
func (s *Service) SweepPending(ctx context.Context) (int, error) {
	const op = "service.payment.SweepPending"

	now := s.now()

	list, err := s.uow.Repos().Orders().ListStalePaymentRequests(ctx,
		now.Add(-s.cfg.SweepMaxAge), now.Add(-s.cfg.SweepMinAge), s.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	resolved := 0
	for _, pr := range list {
		if ctx.Err() != nil {
			break
		}

		done, err := s.Refresh(ctx, pr.CheckoutRequestID)
		if err != nil {
			s.logger.WarnContext(ctx, "sweep refresh failed",
				slog.String("order_id", pr.OrderID.String()),
				slog.String("correlation_key", pr.CheckoutRequestID),
				slog.Any("err", err),
			)
			continue
		}
		if done {
			resolved++
		}
	}

	if resolved > 0 {
		s.logger.InfoContext(ctx, "sweep reconciled payments", slog.Int("resolved", resolved), slog.Int("checked", len(list)))
	}

	return resolved, nil
}
