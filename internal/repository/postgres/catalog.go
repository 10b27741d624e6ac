package postgresrepo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kirinyoku/ticksy/internal/domain"
	"github.com/kirinyoku/ticksy/internal/repository"
)

type CatalogRepo struct {
	db DB
}

func (r *CatalogRepo) CreateEvent(ctx context.Context, e *domain.Event) (int64, error) {
	const op = "postgresrepo.CatalogRepo.CreateEvent"

	var id int64
	if err := r.db.QueryRow(ctx,
		`INSERT INTO events(organizer_id, title, venue, starts_at, ends_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		e.OrganizerID, e.Title, e.Venue, e.Starts, e.Ends, string(e.Status),
	).Scan(&id); err != nil {
		return 0, wrapDBErr(op, err)
	}

	return id, nil
}

// GetEvent retrieves an event by its ID.
//
// Returns:
//   - *domain.Event: the event when found.
//   - error: repository.ErrNotFound if the event is not found.
func (r *CatalogRepo) GetEvent(ctx context.Context, id int64) (*domain.Event, error) {
	const op = "postgresrepo.CatalogRepo.GetEvent"

	var (
		e      domain.Event
		status string
	)
	err := r.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`,
		id,
	).Scan(&e.ID, &e.OrganizerID, &e.Title, &e.Venue, &e.Starts, &e.Ends, &status, &e.CreatedAt)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	e.Status = domain.EventStatus(status)

	return &e, nil
}

const eventColumns = `id, organizer_id, title, venue, starts_at, ends_at, status, created_at`

func (r *CatalogRepo) UpdateEvent(ctx context.Context, e *domain.Event) error {
	const op = "postgresrepo.CatalogRepo.UpdateEvent"

	tag, err := r.db.Exec(ctx,
		`UPDATE events
		 SET title = $2, venue = $3, starts_at = $4, ends_at = $5
		 WHERE id = $1`,
		e.ID, e.Title, e.Venue, e.Starts, e.Ends,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		return wrapDBErr(op, repository.ErrNotFound)
	}

	return nil
}

// DeleteEvent removes the event and, by cascade, its tiers. Line items keep
// a plain reference to their tier, so a tier that ever sold blocks the delete.
//
// Returns:
//   - error: repository.ErrNotFound if the event does not exist.
//   - error: repository.ErrConflict if an order line references one of its tiers.
func (r *CatalogRepo) DeleteEvent(ctx context.Context, id int64) error {
	const op = "postgresrepo.CatalogRepo.DeleteEvent"

	tag, err := r.db.Exec(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		if isFKViolation(err) {
			return fmt.Errorf("%s: %w", op, repository.ErrConflict)
		}
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		return wrapDBErr(op, repository.ErrNotFound)
	}

	return nil
}

func (r *CatalogRepo) ListEventsByStatus(ctx context.Context, status domain.EventStatus) ([]domain.Event, error) {
	const op = "postgresrepo.CatalogRepo.ListEventsByStatus"

	rows, err := r.db.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM events
		 WHERE status = $1
		 ORDER BY starts_at, id`,
		string(status),
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return scanEvents(op, rows)
}

func (r *CatalogRepo) ListEventsByOrganizer(ctx context.Context, organizerID int64) ([]domain.Event, error) {
	const op = "postgresrepo.CatalogRepo.ListEventsByOrganizer"

	rows, err := r.db.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM events
		 WHERE organizer_id = $1
		 ORDER BY created_at DESC, id DESC`,
		organizerID,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return scanEvents(op, rows)
}

func scanEvents(op string, rows pgx.Rows) ([]domain.Event, error) {
	defer rows.Close()

	out := []domain.Event{}
	for rows.Next() {
		var (
			e      domain.Event
			status string
		)
		if err := rows.Scan(&e.ID, &e.OrganizerID, &e.Title, &e.Venue, &e.Starts, &e.Ends, &status, &e.CreatedAt); err != nil {
			return nil, wrapDBErr(op, err)
		}

		e.Status = domain.EventStatus(status)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

func (r *CatalogRepo) SetEventStatus(ctx context.Context, id int64, status domain.EventStatus) error {
	const op = "postgresrepo.CatalogRepo.SetEventStatus"

	tag, err := r.db.Exec(ctx,
		`UPDATE events SET status = $2 WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		return wrapDBErr(op, repository.ErrNotFound)
	}

	return nil
}

func (r *CatalogRepo) CreateTier(ctx context.Context, t *domain.TicketTier) (int64, error) {
	const op = "postgresrepo.CatalogRepo.CreateTier"

	var id int64
	if err := r.db.QueryRow(ctx,
		`INSERT INTO ticket_tiers(event_id, type, price_cents, quantity, sold)
		 VALUES ($1, $2, $3, $4, 0)
		 RETURNING id`,
		t.EventID, t.Type, t.PriceCents, t.Quantity,
	).Scan(&id); err != nil {
		return 0, wrapDBErr(op, err)
	}

	return id, nil
}

func (r *CatalogRepo) GetTier(ctx context.Context, id int64) (*domain.TicketTier, error) {
	const op = "postgresrepo.CatalogRepo.GetTier"

	var t domain.TicketTier
	err := r.db.QueryRow(ctx,
		`SELECT id, event_id, type, price_cents, quantity, sold, created_at
		 FROM ticket_tiers WHERE id = $1`,
		id,
	).Scan(&t.ID, &t.EventID, &t.Type, &t.PriceCents, &t.Quantity, &t.Sold, &t.CreatedAt)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return &t, nil
}

// UpdateTierPrice changes the list price. Pending orders keep the price
// snapshotted on their line items.
func (r *CatalogRepo) UpdateTierPrice(ctx context.Context, id int64, priceCents int64) error {
	const op = "postgresrepo.CatalogRepo.UpdateTierPrice"

	tag, err := r.db.Exec(ctx,
		`UPDATE ticket_tiers SET price_cents = $2 WHERE id = $1`,
		id, priceCents,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		return wrapDBErr(op, repository.ErrNotFound)
	}

	return nil
}

// ListTiers lists the tiers of an event ordered by price, cheapest first.
func (r *CatalogRepo) ListTiers(ctx context.Context, eventID int64) ([]domain.TicketTier, error) {
	const op = "postgresrepo.CatalogRepo.ListTiers"

	rows, err := r.db.Query(ctx,
		`SELECT id, event_id, type, price_cents, quantity, sold, created_at
		 FROM ticket_tiers
		 WHERE event_id = $1
		 ORDER BY price_cents, id`,
		eventID,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	defer rows.Close()

	out := []domain.TicketTier{}
	for rows.Next() {
		var t domain.TicketTier
		if err := rows.Scan(&t.ID, &t.EventID, &t.Type, &t.PriceCents, &t.Quantity, &t.Sold, &t.CreatedAt); err != nil {
			return nil, wrapDBErr(op, err)
		}

		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}
