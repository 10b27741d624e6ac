package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/kirinyoku/ticksy/internal/domain"
	"github.com/kirinyoku/ticksy/internal/repository"
	"github.com/kirinyoku/ticksy/internal/uow"
)

// Settlement runs at read committed: the order row lock serializes
// callbacks for one order and the conditional update in the ledger
// serializes commits per tier.
var settleTxOpts = &pgx.TxOptions{IsoLevel: pgx.ReadCommitted}

// outcome is what one reconciliation did, for the audit trail.
type outcome struct {
	order     domain.Order
	duplicate bool
	passes    int
	eventIDs  []int64
}

// HandleCallback applies a gateway result to the order it belongs to.
// Unknown correlation keys and results for orders that are already paid or
// failed are recorded and acknowledged without changing anything, since the
// gateway delivers at least once and cannot be asked to stop.
//
// Parameters:
//   - ctx: request-scoped context.
//   - cb: the gateway result.
//
// Returns:
//   - error: only for internal failures, in which case nothing was changed
//     and the gateway should deliver again.
func (s *Service) HandleCallback(ctx context.Context, cb Callback) error {
	const op = "service.payment.HandleCallback"

	err := s.reconcile(ctx, cb)
	if errors.Is(err, ErrUnknownCorrelation) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Service) reconcile(ctx context.Context, cb Callback) error {
	pr, err := s.uow.Repos().Orders().GetPaymentRequest(ctx, cb.CorrelationKey)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.WarnContext(ctx, "callback for unknown correlation key",
				slog.String("correlation_key", cb.CorrelationKey),
				slog.Int("result_code", cb.ResultCode),
			)
			s.audit.Record(ctx, domain.AuditEntry{
				Action:     "payment.callback",
				TargetType: "payment_request",
				TargetID:   cb.CorrelationKey,
				Status:     domain.AuditUnknownCorrelation,
				Extra:      callbackExtra(cb),
			})
			return ErrUnknownCorrelation
		}
		return err
	}

	if cb.Success() {
		return s.settle(ctx, pr, cb)
	}

	return s.decline(ctx, pr, cb)
}

// settle commits inventory, issues passes and marks the order paid in one
// transaction. If the tiers can no longer cover the order, that transaction
// is discarded and the order is failed in a second one, keeping the receipt
// for the refund.
func (s *Service) settle(ctx context.Context, pr *domain.PaymentRequest, cb Callback) error {
	receipt := cb.ReceiptToken
	if receipt == "" {
		receipt = cb.CorrelationKey
	}

	var out outcome

	err := s.uow.DoWithOpts(ctx, settleTxOpts, func(ctx context.Context, repos repository.Repositories, after func(uow.AfterCommit)) error {
		out = outcome{}

		order, err := repos.Orders().GetForUpdate(ctx, pr.OrderID)
		if err != nil {
			return err
		}
		out.order = *order

		if order.Status.Terminal() {
			out.duplicate = true
			return nil
		}

		lines, err := repos.Orders().ListLineItems(ctx, order.ID)
		if err != nil {
			return err
		}

		for _, li := range lines {
			if err := repos.Inventory().Commit(ctx, li.TierID, li.Quantity); err != nil {
				if errors.Is(err, repository.ErrInsufficientInventory) {
					return &InsufficientInventoryError{TierID: li.TierID}
				}
				return err
			}
		}

		for _, li := range lines {
			issued, err := s.issuer.Issue(ctx, repos, li, li.Attendees)
			if err != nil {
				return err
			}
			out.passes += len(issued)
		}

		out.eventIDs, err = eventsOf(ctx, repos, lines)
		if err != nil {
			return err
		}

		if err := repos.Orders().MarkPaid(ctx, order.ID, receipt); err != nil {
			return err
		}

		out.order.Status = domain.OrderPaid
		out.order.ReceiptToken = &receipt

		paid := out.order
		eventIDs := out.eventIDs
		after(func(ctx context.Context) {
			s.notifyEvents(ctx, eventIDs)
			s.notifyOrder(ctx, domain.OrderEventPaid, &paid, receipt, "")
		})
		return nil
	})

	var inv *InsufficientInventoryError
	switch {
	case errors.As(err, &inv):
		return s.failCharged(ctx, pr, cb, receipt, ReasonInsufficientInventory, inv)
	case errors.Is(err, repository.ErrInvalidStagedData):
		return s.failCharged(ctx, pr, cb, receipt, ReasonInvalidStagedData, err)
	case err != nil:
		s.logger.ErrorContext(ctx, "settlement failed",
			slog.String("order_id", pr.OrderID.String()),
			slog.String("correlation_key", cb.CorrelationKey),
			slog.Any("err", err),
		)
		return err
	}

	if out.duplicate {
		s.recordDuplicate(ctx, pr, cb, out.order)
		return nil
	}

	s.logger.InfoContext(ctx, "order paid",
		slog.String("order_id", pr.OrderID.String()),
		slog.String("correlation_key", cb.CorrelationKey),
		slog.Int("result_code", cb.ResultCode),
		slog.Int("passes", out.passes),
	)

	extra := callbackExtra(cb)
	extra["passes"] = out.passes
	s.audit.Record(ctx, domain.AuditEntry{
		UserID:     &out.order.AttendeeID,
		Action:     "payment.callback",
		TargetType: "order",
		TargetID:   pr.OrderID.String(),
		Status:     domain.AuditSuccess,
		Extra:      extra,
	})

	return nil
}

// failCharged fails an order whose payment was taken but which cannot be
// fulfilled. The money has moved, so the outcome is surfaced for a refund.
func (s *Service) failCharged(ctx context.Context, pr *domain.PaymentRequest, cb Callback, receipt, reason string, cause error) error {
	var (
		order     domain.Order
		duplicate bool
	)

	err := s.uow.DoWithOpts(ctx, settleTxOpts, func(ctx context.Context, repos repository.Repositories, after func(uow.AfterCommit)) error {
		o, err := repos.Orders().GetForUpdate(ctx, pr.OrderID)
		if err != nil {
			return err
		}
		order = *o

		if o.Status.Terminal() {
			duplicate = true
			return nil
		}

		if err := repos.Orders().MarkFailed(ctx, o.ID, &receipt, reason); err != nil {
			return err
		}

		order.Status = domain.OrderFailed
		order.ReceiptToken = &receipt
		order.FailureReason = &reason

		failed := order
		after(func(ctx context.Context) {
			s.notifyOrder(ctx, domain.OrderEventRefundRequired, &failed, receipt, reason)
		})
		return nil
	})
	if err != nil {
		return err
	}

	if duplicate {
		s.recordDuplicate(ctx, pr, cb, order)
		return nil
	}

	s.logger.ErrorContext(ctx, "paid order could not be fulfilled, refund required",
		slog.String("order_id", pr.OrderID.String()),
		slog.String("correlation_key", cb.CorrelationKey),
		slog.Int("result_code", cb.ResultCode),
		slog.String("receipt", receipt),
		slog.String("reason", reason),
		slog.Any("cause", cause),
	)

	extra := callbackExtra(cb)
	extra["reason"] = reason
	extra["error"] = cause.Error()
	s.audit.Record(ctx, domain.AuditEntry{
		UserID:     &order.AttendeeID,
		Action:     "payment.callback",
		TargetType: "order",
		TargetID:   pr.OrderID.String(),
		Status:     domain.AuditRefundRequired,
		Extra:      extra,
	})

	return nil
}

// decline fails the order for an unsuccessful payment. Inventory and passes
// are untouched.
func (s *Service) decline(ctx context.Context, pr *domain.PaymentRequest, cb Callback) error {
	reason := cb.ResultDesc
	if reason == "" {
		reason = "result_code_" + strconv.Itoa(cb.ResultCode)
	}

	var receipt *string
	if cb.ReceiptToken != "" {
		receipt = &cb.ReceiptToken
	}

	var (
		order     domain.Order
		duplicate bool
	)

	err := s.uow.DoWithOpts(ctx, settleTxOpts, func(ctx context.Context, repos repository.Repositories, after func(uow.AfterCommit)) error {
		o, err := repos.Orders().GetForUpdate(ctx, pr.OrderID)
		if err != nil {
			return err
		}
		order = *o

		if o.Status.Terminal() {
			duplicate = true
			return nil
		}

		if err := repos.Orders().MarkFailed(ctx, o.ID, receipt, reason); err != nil {
			return err
		}

		order.Status = domain.OrderFailed
		order.ReceiptToken = receipt
		order.FailureReason = &reason

		failed := order
		after(func(ctx context.Context) {
			s.notifyOrder(ctx, domain.OrderEventFailed, &failed, cb.ReceiptToken, reason)
		})
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "decline failed",
			slog.String("order_id", pr.OrderID.String()),
			slog.String("correlation_key", cb.CorrelationKey),
			slog.Any("err", err),
		)
		return err
	}

	if duplicate {
		s.recordDuplicate(ctx, pr, cb, order)
		return nil
	}

	s.logger.InfoContext(ctx, "payment declined",
		slog.String("order_id", pr.OrderID.String()),
		slog.String("correlation_key", cb.CorrelationKey),
		slog.Int("result_code", cb.ResultCode),
	)

	s.audit.Record(ctx, domain.AuditEntry{
		UserID:     &order.AttendeeID,
		Action:     "payment.callback",
		TargetType: "order",
		TargetID:   pr.OrderID.String(),
		Status:     domain.AuditFailed,
		Extra:      callbackExtra(cb),
	})

	return nil
}

// recordDuplicate audits a result for an order that is already terminal. A
// success for a failed order means the customer paid for nothing.
func (s *Service) recordDuplicate(ctx context.Context, pr *domain.PaymentRequest, cb Callback, order domain.Order) {
	status := domain.AuditIgnored
	level := slog.LevelInfo
	if cb.Success() && order.Status == domain.OrderFailed {
		status = domain.AuditRefundReview
		level = slog.LevelError
	}

	s.logger.Log(ctx, level, "result for terminal order ignored",
		slog.String("order_id", pr.OrderID.String()),
		slog.String("order_status", string(order.Status)),
		slog.String("correlation_key", cb.CorrelationKey),
		slog.Int("result_code", cb.ResultCode),
	)

	extra := callbackExtra(cb)
	extra["order_status"] = string(order.Status)
	s.audit.Record(ctx, domain.AuditEntry{
		UserID:     &order.AttendeeID,
		Action:     "payment.callback",
		TargetType: "order",
		TargetID:   pr.OrderID.String(),
		Status:     status,
		Extra:      extra,
	})
}

func eventsOf(ctx context.Context, repos repository.Repositories, lines []domain.OrderLineItem) ([]int64, error) {
	seen := map[int64]struct{}{}
	var ids []int64

	for _, li := range lines {
		t, err := repos.Catalog().GetTier(ctx, li.TierID)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[t.EventID]; ok {
			continue
		}
		seen[t.EventID] = struct{}{}
		ids = append(ids, t.EventID)
	}

	return ids, nil
}

func (s *Service) notifyEvents(ctx context.Context, eventIDs []int64) {
	if s.events == nil {
		return
	}
	for _, id := range eventIDs {
		if err := s.events.PublishEventChanged(ctx, id); err != nil {
			s.logger.WarnContext(ctx, "publish event changed", slog.Int64("event_id", id), slog.Any("err", err))
		}
	}
}

func (s *Service) notifyOrder(ctx context.Context, typ string, o *domain.Order, receipt, reason string) {
	if s.orders == nil {
		return
	}

	err := s.orders.PublishOrderEvent(ctx, domain.OrderEvent{
		Type:         typ,
		OrderID:      o.ID,
		AttendeeID:   o.AttendeeID,
		Status:       o.Status,
		TotalCents:   o.TotalCents,
		ReceiptToken: receipt,
		Reason:       reason,
		OccurredAt:   s.now(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "publish order event",
			slog.String("type", typ),
			slog.String("order_id", o.ID.String()),
			slog.Any("err", err),
		)
	}
}

func callbackExtra(cb Callback) map[string]any {
	m := map[string]any{
		"correlation_key": cb.CorrelationKey,
		"result_code":     cb.ResultCode,
	}
	if cb.ResultDesc != "" {
		m["result_desc"] = cb.ResultDesc
	}
	if cb.ReceiptToken != "" {
		m["receipt"] = cb.ReceiptToken
	}
	return m
}
