package passes

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/kirinyoku/ticksy/internal/audit"
	"github.com/kirinyoku/ticksy/internal/domain"
	"github.com/kirinyoku/ticksy/internal/repository"
	"github.com/kirinyoku/ticksy/internal/uow"
)

const maxCodeAttempts = 10

type Service struct {
	uow     uow.UnitOfWork
	audit   audit.Recorder
	newCode func() (string, error)
}

func New(u uow.UnitOfWork, rec audit.Recorder) *Service {
	return &Service{
		uow:     u,
		audit:   rec,
		newCode: randomCode,
	}
}

// Issue creates one pass per identity for a line item, inside the caller's
// unit of work.
//
// Parameters:
//   - ctx: request-scoped context.
//   - repos: repositories bound to the caller's transaction.
//   - li: the line item being fulfilled.
//   - identities: the attendees staged on the line item.
//
// Returns:
//   - []domain.EventPass: the created passes, in identity order.
//   - error: passes.ErrAlreadyIssued if the line item already has passes.
//   - error: passes.IdentityCountError if identities do not match the quantity.
//   - error: passes.ErrCodeSpaceExhausted if no free code was found.
func (s *Service) Issue(
	ctx context.Context,
	repos repository.Repositories,
	li domain.OrderLineItem,
	identities []domain.Identity,
) ([]domain.EventPass, error) {
	const op = "service.passes.Issue"

	if len(identities) != li.Quantity {
		return nil, fmt.Errorf("%s: %w", op, IdentityCountError{
			LineItemID: li.ID,
			Quantity:   li.Quantity,
			Identities: len(identities),
		})
	}

	n, err := repos.Passes().CountByLineItem(ctx, li.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if n > 0 {
		return nil, fmt.Errorf("%s: line item %d: %w", op, li.ID, ErrAlreadyIssued)
	}

	seen := make(map[string]struct{}, len(identities))
	out := make([]domain.EventPass, 0, len(identities))

	for _, id := range identities {
		code, err := s.uniqueCode(ctx, repos, seen)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		p := domain.EventPass{
			LineItemID: li.ID,
			Code:       code,
			Identity:   id,
		}
		p.ID, err = repos.Passes().Insert(ctx, &p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		out = append(out, p)
	}

	return out, nil
}

func (s *Service) uniqueCode(ctx context.Context, repos repository.Repositories, seen map[string]struct{}) (string, error) {
	for range maxCodeAttempts {
		code, err := s.newCode()
		if err != nil {
			return "", err
		}
		if _, dup := seen[code]; dup {
			continue
		}

		exists, err := repos.Passes().CodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if exists {
			continue
		}

		seen[code] = struct{}{}
		return code, nil
	}

	return "", ErrCodeSpaceExhausted
}

// ListEventAttendees returns every pass issued for an event the organizer owns.
func (s *Service) ListEventAttendees(ctx context.Context, organizerID, eventID int64) ([]domain.EventAttendee, error) {
	const op = "service.passes.ListEventAttendees"

	repos := s.uow.Repos()

	ev, err := repos.Catalog().GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrEventNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if ev.OrganizerID != organizerID {
		return nil, fmt.Errorf("%s: %w", op, ErrForbidden)
	}

	list, err := repos.Passes().ListByEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return list, nil
}

// CheckIn marks a pass as admitted. Checking in twice is not an error.
func (s *Service) CheckIn(ctx context.Context, organizerID, passID int64, ip string) (*domain.EventPass, error) {
	return s.setCheckedIn(ctx, "service.passes.CheckIn", "pass.check_in", organizerID, passID, true, ip)
}

// CheckOut reverses CheckIn.
func (s *Service) CheckOut(ctx context.Context, organizerID, passID int64, ip string) (*domain.EventPass, error) {
	return s.setCheckedIn(ctx, "service.passes.CheckOut", "pass.check_out", organizerID, passID, false, ip)
}

func (s *Service) setCheckedIn(
	ctx context.Context,
	op, action string,
	organizerID, passID int64,
	checkedIn bool,
	ip string,
) (*domain.EventPass, error) {
	var pass *domain.EventPass

	err := s.uow.Do(ctx, func(ctx context.Context, repos repository.Repositories, after func(uow.AfterCommit)) error {
		p, owner, err := repos.Passes().GetWithOrganizer(ctx, passID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrPassNotFound
			}
			return err
		}
		if owner != organizerID {
			return ErrForbidden
		}

		if err := repos.Passes().SetCheckedIn(ctx, passID, checkedIn); err != nil {
			return err
		}

		p.CheckedIn = checkedIn
		pass = p
		return nil
	})

	entry := domain.AuditEntry{
		UserID:     audit.UserRef(organizerID),
		Action:     action,
		TargetType: "event_pass",
		TargetID:   strconv.FormatInt(passID, 10),
		Status:     domain.AuditSuccess,
		IPAddress:  ip,
	}
	if err != nil {
		entry.Status = domain.AuditFailed
		entry.Extra = map[string]any{"error": err.Error()}
		s.audit.Record(ctx, entry)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.audit.Record(ctx, entry)
	return pass, nil
}
