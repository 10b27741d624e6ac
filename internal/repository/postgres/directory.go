package postgresrepo

import (
	"context"

	"github.com/kirinyoku/ticksy/internal/domain"
)

type DirectoryRepo struct {
	db DB
}

func (r *DirectoryRepo) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	const op = "postgresrepo.DirectoryRepo.GetUser"

	var (
		u    domain.User
		role string
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, first_name, last_name, email, phone, role, active
		 FROM users WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.Phone, &role, &u.Active)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	u.Role = domain.Role(role)

	return &u, nil
}

// GetTierWithEvent reads a tier and the status of its event without locking
// either row; the price read here becomes the line item's snapshot.
func (r *DirectoryRepo) GetTierWithEvent(ctx context.Context, tierID int64) (*domain.TierWithEvent, error) {
	const op = "postgresrepo.DirectoryRepo.GetTierWithEvent"

	var (
		t      domain.TierWithEvent
		status string
	)
	err := r.db.QueryRow(ctx,
		`SELECT t.id, t.event_id, t.type, t.price_cents, t.quantity, t.sold, t.created_at,
		        e.status, e.organizer_id
		 FROM ticket_tiers t
		 JOIN events e ON e.id = t.event_id
		 WHERE t.id = $1`,
		tierID,
	).Scan(
		&t.ID, &t.EventID, &t.Type, &t.PriceCents, &t.Quantity, &t.Sold, &t.CreatedAt,
		&status, &t.EventOrganizerID,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	t.EventStatus = domain.EventStatus(status)

	return &t, nil
}
