package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirinyoku/ticksy/internal/audit"
	"github.com/kirinyoku/ticksy/internal/domain"
	"github.com/kirinyoku/ticksy/internal/repository"
	"github.com/kirinyoku/ticksy/internal/uow"
)

// EventNotifier announces that an event's read models are stale.
type EventNotifier interface {
	PublishEventChanged(ctx context.Context, eventID int64) error
}

// OrderNotifier announces terminal order transitions.
type OrderNotifier interface {
	PublishOrderEvent(ctx context.Context, ev domain.OrderEvent) error
}

type Service struct {
	uow    uow.UnitOfWork
	audit  audit.Recorder
	events EventNotifier
	orders OrderNotifier
	logger *slog.Logger
}

// New wires the service. orders may be nil when no broker is configured.
func New(u uow.UnitOfWork, rec audit.Recorder, events EventNotifier, orders OrderNotifier, logger *slog.Logger) *Service {
	return &Service{
		uow:    u,
		audit:  rec,
		events: events,
		orders: orders,
		logger: logger,
	}
}

type EventInput struct {
	Title  string
	Venue  string
	Starts time.Time
	Ends   time.Time
}

// CreateEvent creates an event awaiting moderation.
//
// Parameters:
//   - ctx: request-scoped context.
//   - organizerID: the active organizer who will own the event.
//   - in: event details.
//
// Returns:
//   - *domain.Event: the created event, status pending.
//   - error: admin.ErrInvalidInput for a missing title or venue or a bad time range.
//   - error: admin.ErrForbidden if the caller is not an active organizer.
func (s *Service) CreateEvent(ctx context.Context, organizerID int64, in EventInput) (*domain.Event, error) {
	const op = "service.admin.CreateEvent"

	in, err := in.normalize()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var ev domain.Event

	err = s.uow.Do(ctx, func(ctx context.Context, repos repository.Repositories, after func(uow.AfterCommit)) error {
		if err := requireRole(ctx, repos, organizerID, domain.RoleOrganizer); err != nil {
			return err
		}

		ev = domain.Event{
			OrganizerID: organizerID,
			Title:       in.Title,
			Venue:       in.Venue,
			Starts:      in.Starts,
			Ends:        in.Ends,
			Status:      domain.EventPending,
		}

		id, err := repos.Catalog().CreateEvent(ctx, &ev)
		if err != nil {
			return err
		}
		ev.ID = id
		return nil
	})

	s.record(ctx, organizerID, "event.create", "event", ev.ID, err, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &ev, nil
}

func (in EventInput) normalize() (EventInput, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Venue = strings.TrimSpace(in.Venue)

	switch {
	case in.Title == "":
		return in, fmt.Errorf("%w: title is required", ErrInvalidInput)
	case in.Venue == "":
		return in, fmt.Errorf("%w: venue is required", ErrInvalidInput)
	case !in.Ends.After(in.Starts):
		return in, fmt.Errorf("%w: event must end after it starts", ErrInvalidInput)
	}

	return in, nil
}

// UpdateEvent edits an event the organizer owns. Moderation status is kept,
// so an approved event stays on sale while it is edited.
//
// Returns:
//   - *domain.Event: the event as stored after the edit.
//   - error: admin.ErrInvalidInput, admin.ErrEventNotFound or admin.ErrForbidden.
func (s *Service) UpdateEvent(ctx context.Context, organizerID, eventID int64, in EventInput) (*domain.Event, error) {
	const op = "service.admin.UpdateEvent"

	in, err := in.normalize()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var ev domain.Event

	err = s.uow.Do(ctx, func(ctx context.Context, repos repository.Repositories, after func(uow.AfterCommit)) error {
		cur, err := ownedEvent(ctx, repos, organizerID, eventID)
		if err != nil {
			return err
		}

		ev = *cur
		ev.Title, ev.Venue, ev.Starts, ev.Ends = in.Title, in.Venue, in.Starts, in.Ends

		if err := repos.Catalog().UpdateEvent(ctx, &ev); err != nil {
			return err
		}

		after(func(ctx context.Context) { s.eventChanged(ctx, eventID) })
		return nil
	})

	s.record(ctx, organizerID, "event.update", "event", eventID, err, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &ev, nil
}

// DeleteEvent removes a rejected event the organizer owns, together with its
// tiers. Events with order lines are kept for the payment trail.
func (s *Service) DeleteEvent(ctx context.Context, organizerID, eventID int64) error {
	const op = "service.admin.DeleteEvent"

	err := s.uow.Do(ctx, func(ctx context.Context, repos repository.Repositories, after func(uow.AfterCommit)) error {
		ev, err := ownedEvent(ctx, repos, organizerID, eventID)
		if err != nil {
			return err
		}

		if ev.Status != domain.EventRejected {
			return ErrEventNotDeletable
		}

		if err := repos.Catalog().DeleteEvent(ctx, eventID); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return ErrEventInUse
			}
			return err
		}

		after(func(ctx context.Context) { s.eventChanged(ctx, eventID) })
		return nil
	})

	s.record(ctx, organizerID, "event.delete", "event", eventID, err, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// ListOrganizerEvents lists every event of the organizer in any status,
// newest first.
func (s *Service) ListOrganizerEvents(ctx context.Context, organizerID int64) ([]domain.Event, error) {
	const op = "service.admin.ListOrganizerEvents"

	list, err := s.uow.Repos().Catalog().ListEventsByOrganizer(ctx, organizerID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return list, nil
}

// SetEventStatus approves or rejects an event. Only approved events sell.
func (s *Service) SetEventStatus(ctx context.Context, adminID, eventID int64, status domain.EventStatus) error {
	const op = "service.admin.SetEventStatus"

	if status != domain.EventApproved && status != domain.EventRejected {
		return fmt.Errorf("%s: %w: status must be approved or rejected", op, ErrInvalidInput)
	}

	err := s.uow.Do(ctx, func(ctx context.Context, repos repository.Repositories, after func(uow.AfterCommit)) error {
		if err := requireRole(ctx, repos, adminID, domain.RoleAdmin); err != nil {
			return err
		}

		if err := repos.Catalog().SetEventStatus(ctx, eventID, status); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrEventNotFound
			}
			return err
		}

		after(func(ctx context.Context) { s.eventChanged(ctx, eventID) })
		return nil
	})

	s.record(ctx, adminID, "event.moderate", "event", eventID, err, map[string]any{"status": string(status)})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

type TierInput struct {
	Type       string
	PriceCents int64
	Quantity   int
}

// CreateTier adds a ticket tier to an event the organizer owns.
func (s *Service) CreateTier(ctx context.Context, organizerID, eventID int64, in TierInput) (*domain.TicketTier, error) {
	const op = "service.admin.CreateTier"

	in.Type = strings.TrimSpace(in.Type)

	switch {
	case in.Type == "":
		return nil, fmt.Errorf("%s: %w: type is required", op, ErrInvalidInput)
	case in.PriceCents <= 0:
		return nil, fmt.Errorf("%s: %w: price must be positive", op, ErrInvalidInput)
	case in.Quantity <= 0:
		return nil, fmt.Errorf("%s: %w: quantity must be positive", op, ErrInvalidInput)
	}

	var tier domain.TicketTier

	err := s.uow.Do(ctx, func(ctx context.Context, repos repository.Repositories, after func(uow.AfterCommit)) error {
		if err := requireEventOwner(ctx, repos, organizerID, eventID); err != nil {
			return err
		}

		tier = domain.TicketTier{
			EventID:    eventID,
			Type:       in.Type,
			PriceCents: in.PriceCents,
			Quantity:   in.Quantity,
		}

		id, err := repos.Catalog().CreateTier(ctx, &tier)
		if err != nil {
			return err
		}
		tier.ID = id

		after(func(ctx context.Context) { s.eventChanged(ctx, eventID) })
		return nil
	})

	s.record(ctx, organizerID, "tier.create", "ticket_tier", tier.ID, err, map[string]any{"event_id": eventID})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &tier, nil
}

// UpdateTierPrice changes the price for future orders. Existing orders keep
// the price snapshotted on their line items.
func (s *Service) UpdateTierPrice(ctx context.Context, organizerID, tierID, priceCents int64) error {
	const op = "service.admin.UpdateTierPrice"

	if priceCents <= 0 {
		return fmt.Errorf("%s: %w: price must be positive", op, ErrInvalidInput)
	}

	err := s.uow.Do(ctx, func(ctx context.Context, repos repository.Repositories, after func(uow.AfterCommit)) error {
		tier, err := repos.Catalog().GetTier(ctx, tierID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrTierNotFound
			}
			return err
		}

		if err := requireEventOwner(ctx, repos, organizerID, tier.EventID); err != nil {
			return err
		}

		if err := repos.Catalog().UpdateTierPrice(ctx, tierID, priceCents); err != nil {
			return err
		}

		after(func(ctx context.Context) { s.eventChanged(ctx, tier.EventID) })
		return nil
	})

	s.record(ctx, organizerID, "tier.update_price", "ticket_tier", tierID, err, map[string]any{"price_cents": priceCents})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// FailOrder is the administrative override that ends a pending order, for
// example when the customer reports a payment that will never complete.
func (s *Service) FailOrder(ctx context.Context, adminID int64, orderID uuid.UUID, reason string) (*domain.Order, error) {
	const op = "service.admin.FailOrder"

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%s: %w: reason is required", op, ErrInvalidInput)
	}

	var order domain.Order

	err := s.uow.Do(ctx, func(ctx context.Context, repos repository.Repositories, after func(uow.AfterCommit)) error {
		if err := requireRole(ctx, repos, adminID, domain.RoleAdmin); err != nil {
			return err
		}

		o, err := repos.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrOrderNotFound
			}
			return err
		}
		if o.Status != domain.OrderPending {
			return ErrOrderNotPending
		}

		if err := repos.Orders().MarkFailed(ctx, orderID, nil, reason); err != nil {
			return err
		}

		order = *o
		order.Status = domain.OrderFailed
		order.FailureReason = &reason

		failed := order
		after(func(ctx context.Context) {
			if s.orders == nil {
				return
			}
			if err := s.orders.PublishOrderEvent(ctx, domain.OrderEvent{
				Type:       domain.OrderEventFailed,
				OrderID:    failed.ID,
				AttendeeID: failed.AttendeeID,
				Status:     failed.Status,
				TotalCents: failed.TotalCents,
				Reason:     reason,
				OccurredAt: time.Now(),
			}); err != nil {
				s.logger.WarnContext(ctx, "publish order event", slog.String("order_id", failed.ID.String()), slog.Any("err", err))
			}
		})
		return nil
	})

	entry := domain.AuditEntry{
		UserID:     audit.UserRef(adminID),
		Action:     "order.fail",
		TargetType: "order",
		TargetID:   orderID.String(),
		Status:     domain.AuditSuccess,
		Extra:      map[string]any{"reason": reason},
	}
	if err != nil {
		entry.Status = domain.AuditFailed
		entry.Extra["error"] = err.Error()
	}
	s.audit.Record(ctx, entry)

	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &order, nil
}

func requireRole(ctx context.Context, repos repository.Repositories, userID int64, role domain.Role) error {
	u, err := repos.Directory().GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrForbidden
		}
		return err
	}

	if !u.Active || u.Role != role {
		return ErrForbidden
	}

	return nil
}

func requireEventOwner(ctx context.Context, repos repository.Repositories, organizerID, eventID int64) error {
	_, err := ownedEvent(ctx, repos, organizerID, eventID)
	return err
}

func ownedEvent(ctx context.Context, repos repository.Repositories, organizerID, eventID int64) (*domain.Event, error) {
	ev, err := repos.Catalog().GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}

	if ev.OrganizerID != organizerID {
		return nil, ErrForbidden
	}

	return ev, nil
}

func (s *Service) eventChanged(ctx context.Context, eventID int64) {
	if err := s.events.PublishEventChanged(ctx, eventID); err != nil {
		s.logger.WarnContext(ctx, "publish event changed", slog.Int64("event_id", eventID), slog.Any("err", err))
	}
}

func (s *Service) record(ctx context.Context, userID int64, action, targetType string, targetID int64, err error, extra map[string]any) {
	entry := domain.AuditEntry{
		UserID:     audit.UserRef(userID),
		Action:     action,
		TargetType: targetType,
		Status:     domain.AuditSuccess,
		Extra:      extra,
	}
	if targetID != 0 {
		entry.TargetID = strconv.FormatInt(targetID, 10)
	}
	if err != nil {
		entry.Status = domain.AuditFailed
		if entry.Extra == nil {
			entry.Extra = map[string]any{}
		}
		entry.Extra["error"] = err.Error()
	}

	s.audit.Record(ctx, entry)
}
