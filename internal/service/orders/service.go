package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kirinyoku/ticksy/internal/audit"
	"github.com/kirinyoku/ticksy/internal/domain"
	"github.com/kirinyoku/ticksy/internal/repository"
	"github.com/kirinyoku/ticksy/internal/uow"
)

type Config struct {
	MaxPerLine      int
	MaxLines        int
	DefaultPageSize int
	MaxPageSize     int
}

type Service struct {
	uow   uow.UnitOfWork
	audit audit.Recorder
	cfg   Config
}

func New(u uow.UnitOfWork, rec audit.Recorder, cfg Config) *Service {
	if cfg.MaxPerLine <= 0 {
		cfg.MaxPerLine = 10
	}

	if cfg.MaxLines <= 0 {
		cfg.MaxLines = 10
	}

	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 20
	}

	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 100
	}

	return &Service{uow: u, audit: rec, cfg: cfg}
}

type LineInput struct {
	TierID    int64
	Quantity  int
	Attendees []domain.Identity
}

type CreateInput struct {
	AttendeeID int64
	Lines      []LineInput
	IP         string
}

// Create validates a basket and persists it as a pending order. Attendee
// identities are staged on the line items; no inventory is consumed and no
// passes exist until payment succeeds.
//
// Parameters:
//   - ctx: request-scoped context.
//   - in: the buyer and one line per tier.
//
// Returns:
//   - *domain.OrderDetails: the pending order with its lines.
//   - error: orders.ValidationError for malformed input, an unknown tier or
//     attendee, an ineligible role or an event that is not approved.
//   - error: orders.CapacityError if a tier looks sold out.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.OrderDetails, error) {
	const op = "service.orders.Create"

	details, err := s.create(ctx, in)

	entry := domain.AuditEntry{
		UserID:     audit.UserRef(in.AttendeeID),
		Action:     "order.create",
		TargetType: "order",
		Status:     domain.AuditSuccess,
		IPAddress:  in.IP,
	}
	if err != nil {
		entry.Status = domain.AuditFailed
		entry.Extra = map[string]any{"error": err.Error()}
		s.audit.Record(ctx, entry)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	entry.TargetID = details.Order.ID.String()
	entry.Extra = map[string]any{"total_cents": details.Order.TotalCents, "lines": len(details.Lines)}
	s.audit.Record(ctx, entry)

	return details, nil
}

func (s *Service) create(ctx context.Context, in CreateInput) (*domain.OrderDetails, error) {
	lines, err := s.normalize(in.Lines)
	if err != nil {
		return nil, err
	}

	var details *domain.OrderDetails

	err = s.uow.Do(ctx, func(ctx context.Context, repos repository.Repositories, after func(uow.AfterCommit)) error {
		if err := checkAttendee(ctx, repos, in.AttendeeID); err != nil {
			return err
		}

		order := domain.Order{
			ID:         uuid.New(),
			AttendeeID: in.AttendeeID,
			Status:     domain.OrderPending,
		}
		items := make([]domain.OrderLineItem, 0, len(lines))

		for i, l := range lines {
			tier, err := repos.Directory().GetTierWithEvent(ctx, l.TierID)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return ValidationError{Field: fmt.Sprintf("lines[%d].tier_id", i), Reason: "tier not found"}
				}
				return err
			}
			if tier.EventStatus != domain.EventApproved {
				return ValidationError{Field: fmt.Sprintf("lines[%d].tier_id", i), Reason: "event is not open for sale"}
			}

			ok, err := repos.Inventory().ReserveCheck(ctx, l.TierID, l.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				return CapacityError{TierID: l.TierID, Requested: l.Quantity, Available: tier.Available()}
			}

			items = append(items, domain.OrderLineItem{
				TierID:         l.TierID,
				Quantity:       l.Quantity,
				UnitPriceCents: tier.PriceCents,
				Attendees:      l.Attendees,
			})
		}

		order.TotalCents = domain.TotalCents(items)

		if err := repos.Orders().Create(ctx, &order); err != nil {
			return err
		}

		for i := range items {
			items[i].OrderID = order.ID
			id, err := repos.Orders().AddLineItem(ctx, &items[i])
			if err != nil {
				return err
			}
			items[i].ID = id
		}

		details = &domain.OrderDetails{Order: order, Lines: items, Passes: []domain.EventPass{}}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return details, nil
}

func checkAttendee(ctx context.Context, repos repository.Repositories, attendeeID int64) error {
	u, err := repos.Directory().GetUser(ctx, attendeeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ValidationError{Field: "attendee_id", Reason: "user not found"}
		}
		return err
	}

	if !u.Active {
		return ValidationError{Field: "attendee_id", Reason: "account is inactive"}
	}
	if u.Role != domain.RoleAttendee {
		return ValidationError{Field: "attendee_id", Reason: fmt.Sprintf("role %q cannot buy tickets", u.Role)}
	}

	return nil
}

// normalize checks the basket shape and trims identities. It needs no
// database access, so bad requests are turned away before a transaction starts.
func (s *Service) normalize(in []LineInput) ([]LineInput, error) {
	if len(in) == 0 {
		return nil, ValidationError{Field: "lines", Reason: "at least one line is required"}
	}
	if len(in) > s.cfg.MaxLines {
		return nil, ValidationError{Field: "lines", Reason: fmt.Sprintf("at most %d lines per order", s.cfg.MaxLines)}
	}

	seen := make(map[int64]struct{}, len(in))
	out := make([]LineInput, 0, len(in))

	for i, l := range in {
		field := fmt.Sprintf("lines[%d]", i)

		if l.TierID <= 0 {
			return nil, ValidationError{Field: field + ".tier_id", Reason: "must be positive"}
		}
		if _, dup := seen[l.TierID]; dup {
			return nil, ValidationError{Field: field + ".tier_id", Reason: "tier appears more than once"}
		}
		seen[l.TierID] = struct{}{}

		if l.Quantity < 1 || l.Quantity > s.cfg.MaxPerLine {
			return nil, ValidationError{Field: field + ".quantity", Reason: fmt.Sprintf("must be between 1 and %d", s.cfg.MaxPerLine)}
		}
		if len(l.Attendees) != l.Quantity {
			return nil, ValidationError{
				Field:  field + ".attendees",
				Reason: fmt.Sprintf("%d attendees for quantity %d", len(l.Attendees), l.Quantity),
			}
		}

		ids := make([]domain.Identity, len(l.Attendees))
		for j, a := range l.Attendees {
			id, err := normalizeIdentity(a)
			if err != nil {
				return nil, ValidationError{Field: fmt.Sprintf("%s.attendees[%d]", field, j), Reason: err.Error()}
			}
			ids[j] = id
		}

		out = append(out, LineInput{TierID: l.TierID, Quantity: l.Quantity, Attendees: ids})
	}

	return out, nil
}

func normalizeIdentity(a domain.Identity) (domain.Identity, error) {
	id := domain.Identity{
		FirstName: strings.TrimSpace(a.FirstName),
		LastName:  strings.TrimSpace(a.LastName),
		Email:     strings.ToLower(strings.TrimSpace(a.Email)),
		Phone:     strings.TrimSpace(a.Phone),
	}

	switch {
	case id.FirstName == "":
		return id, errors.New("first_name is required")
	case id.LastName == "":
		return id, errors.New("last_name is required")
	case !strings.Contains(id.Email, "@"):
		return id, errors.New("email is invalid")
	case id.Phone == "":
		return id, errors.New("phone is required")
	}

	return id, nil
}

// Get returns an order with its lines and passes. Orders of other attendees
// are reported as not found.
func (s *Service) Get(ctx context.Context, attendeeID int64, orderID uuid.UUID) (*domain.OrderDetails, error) {
	const op = "service.orders.Get"

	repos := s.uow.Repos()

	o, err := repos.Orders().Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrOrderNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if o.AttendeeID != attendeeID {
		return nil, fmt.Errorf("%s: %w", op, ErrOrderNotFound)
	}

	lines, err := repos.Orders().ListLineItems(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	passes, err := repos.Passes().ListByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &domain.OrderDetails{Order: *o, Lines: lines, Passes: passes}, nil
}

// ListByAttendee pages through an attendee's orders, newest first.
func (s *Service) ListByAttendee(ctx context.Context, attendeeID int64, limit, offset int) ([]domain.Order, error) {
	const op = "service.orders.ListByAttendee"

	if limit <= 0 {
		limit = s.cfg.DefaultPageSize
	}

	if limit > s.cfg.MaxPageSize {
		limit = s.cfg.MaxPageSize
	}

	if offset < 0 {
		offset = 0
	}

	list, err := s.uow.Repos().Orders().ListByAttendee(ctx, attendeeID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return list, nil
}
