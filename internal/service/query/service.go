package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kirinyoku/ticksy/internal/domain"
	"github.com/kirinyoku/ticksy/internal/repository"
	redisrepo "github.com/kirinyoku/ticksy/internal/repository/redis"
)

type Config struct {
	EventSummaryTTL time.Duration
	TiersTTL        time.Duration
	EventListTTL    time.Duration
}

type Service struct {
	repos repository.Repositories
	cache *redisrepo.Cache
	cfg   Config
}

func New(repos repository.Repositories, cache *redisrepo.Cache, cfg Config) *Service {
	if cfg.EventSummaryTTL <= 0 {
		cfg.EventSummaryTTL = 60 * time.Second
	}

	if cfg.TiersTTL <= 0 {
		cfg.TiersTTL = 15 * time.Second
	}

	if cfg.EventListTTL <= 0 {
		cfg.EventListTTL = 30 * time.Second
	}

	return &Service{
		repos: repos,
		cache: cache,
		cfg:   cfg,
	}
}

// TierView is a tier as shown to buyers.
type TierView struct {
	ID         int64  `json:"id"`
	EventID    int64  `json:"event_id"`
	Type       string `json:"type"`
	PriceCents int64  `json:"price_cents"`
	Quantity   int    `json:"quantity"`
	Available  int    `json:"available"`
}

// GetEvent retrieves an approved event by its ID through the cache.
//
// Parameters:
//   - ctx: request-scoped context.
//   - id: ID of the event to retrieve.
//
// Returns:
//   - *domain.Event: the retrieved event.
//   - error: query.ErrEventNotFound if the event does not exist or is not approved.
func (s *Service) GetEvent(ctx context.Context, id int64) (*domain.Event, error) {
	const op = "service.query.GetEvent"

	event, err := redisrepo.GetOrSetJSON(
		ctx,
		s.cache,
		redisrepo.KeyEventSummary(id),
		s.cfg.EventSummaryTTL,
		func(ctx context.Context) (domain.Event, error) {
			return s.loadEvent(ctx, id)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &event, nil
}

// ListApprovedEvents lists the events open for browsing, earliest start
// first. The list is cached as a whole and dropped on any event change.
func (s *Service) ListApprovedEvents(ctx context.Context) ([]domain.Event, error) {
	const op = "service.query.ListApprovedEvents"

	list, err := redisrepo.GetOrSetJSON(
		ctx,
		s.cache,
		redisrepo.KeyApprovedEvents(),
		s.cfg.EventListTTL,
		func(ctx context.Context) ([]domain.Event, error) {
			return s.repos.Catalog().ListEventsByStatus(ctx, domain.EventApproved)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return list, nil
}

// ListEventTiers lists the tiers of an approved event with what is left of
// each. Availability may lag a sale by up to the cache TTL when the
// invalidation message is lost; the ledger rechecks at payment time.
//
// Parameters:
//   - ctx: request-scoped context.
//   - eventID: ID of the event.
//
// Returns:
//   - []TierView: tiers ordered by price.
//   - error: query.ErrEventNotFound if the event does not exist or is not approved.
func (s *Service) ListEventTiers(ctx context.Context, eventID int64) ([]TierView, error) {
	const op = "service.query.ListEventTiers"

	tiers, err := redisrepo.GetOrSetJSON(
		ctx,
		s.cache,
		redisrepo.KeyEventTiers(eventID),
		s.cfg.TiersTTL,
		func(ctx context.Context) ([]TierView, error) {
			if _, err := s.loadEvent(ctx, eventID); err != nil {
				return nil, err
			}

			list, err := s.repos.Catalog().ListTiers(ctx, eventID)
			if err != nil {
				return nil, err
			}

			out := make([]TierView, 0, len(list))
			for _, t := range list {
				out = append(out, TierView{
					ID:         t.ID,
					EventID:    t.EventID,
					Type:       t.Type,
					PriceCents: t.PriceCents,
					Quantity:   t.Quantity,
					Available:  t.Available(),
				})
			}
			return out, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return tiers, nil
}

// Invalidate drops the cached views of an event.
func (s *Service) Invalidate(ctx context.Context, eventID int64) error {
	return s.cache.InvalidateEvent(ctx, eventID)
}

func (s *Service) loadEvent(ctx context.Context, id int64) (domain.Event, error) {
	e, err := s.repos.Catalog().GetEvent(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Event{}, ErrEventNotFound
		}
		return domain.Event{}, err
	}

	if e.Status != domain.EventApproved {
		return domain.Event{}, ErrEventNotFound
	}

	return *e, nil
}
