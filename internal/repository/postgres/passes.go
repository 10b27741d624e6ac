package postgresrepo

import (
	"context"

	"github.com/google/uuid"
	"github.com/kirinyoku/ticksy/internal/domain"
	"github.com/kirinyoku/ticksy/internal/repository"
)

type PassRepo struct {
	db DB
}

func (r *PassRepo) CodeExists(ctx context.Context, code string) (bool, error) {
	const op = "postgresrepo.PassRepo.CodeExists"

	var exists bool
	if err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM event_passes WHERE code = $1)`,
		code,
	).Scan(&exists); err != nil {
		return false, wrapDBErr(op, err)
	}

	return exists, nil
}

func (r *PassRepo) CountByLineItem(ctx context.Context, lineItemID int64) (int, error) {
	const op = "postgresrepo.PassRepo.CountByLineItem"

	var n int
	if err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM event_passes WHERE line_item_id = $1`,
		lineItemID,
	).Scan(&n); err != nil {
		return 0, wrapDBErr(op, err)
	}

	return n, nil
}

func (r *PassRepo) Insert(ctx context.Context, p *domain.EventPass) (int64, error) {
	const op = "postgresrepo.PassRepo.Insert"

	var id int64
	if err := r.db.QueryRow(ctx,
		`INSERT INTO event_passes(line_item_id, code, first_name, last_name, email, phone, checked_in)
		 VALUES ($1, $2, $3, $4, $5, $6, false)
		 RETURNING id, created_at`,
		p.LineItemID, p.Code, p.Identity.FirstName, p.Identity.LastName, p.Identity.Email, p.Identity.Phone,
	).Scan(&id, &p.CreatedAt); err != nil {
		return 0, wrapDBErr(op, err)
	}

	return id, nil
}

func (r *PassRepo) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.EventPass, error) {
	const op = "postgresrepo.PassRepo.ListByOrder"

	rows, err := r.db.Query(ctx,
		`SELECT p.id, p.line_item_id, p.code, p.first_name, p.last_name, p.email, p.phone, p.checked_in, p.created_at
		 FROM event_passes p
		 JOIN order_line_items li ON li.id = p.line_item_id
		 WHERE li.order_id = $1
		 ORDER BY p.id`,
		orderID,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	defer rows.Close()

	out := []domain.EventPass{}
	for rows.Next() {
		var p domain.EventPass
		if err := rows.Scan(
			&p.ID, &p.LineItemID, &p.Code,
			&p.Identity.FirstName, &p.Identity.LastName, &p.Identity.Email, &p.Identity.Phone,
			&p.CheckedIn, &p.CreatedAt,
		); err != nil {
			return nil, wrapDBErr(op, err)
		}

		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

func (r *PassRepo) ListByEvent(ctx context.Context, eventID int64) ([]domain.EventAttendee, error) {
	const op = "postgresrepo.PassRepo.ListByEvent"

	rows, err := r.db.Query(ctx,
		`SELECT p.id, p.line_item_id, p.code, p.first_name, p.last_name, p.email, p.phone, p.checked_in, p.created_at, t.type
		 FROM event_passes p
		 JOIN order_line_items li ON li.id = p.line_item_id
		 JOIN ticket_tiers t ON t.id = li.tier_id
		 WHERE t.event_id = $1
		 ORDER BY p.last_name, p.first_name, p.id`,
		eventID,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	defer rows.Close()

	out := []domain.EventAttendee{}
	for rows.Next() {
		var a domain.EventAttendee
		if err := rows.Scan(
			&a.ID, &a.LineItemID, &a.Code,
			&a.Identity.FirstName, &a.Identity.LastName, &a.Identity.Email, &a.Identity.Phone,
			&a.CheckedIn, &a.CreatedAt, &a.TierType,
		); err != nil {
			return nil, wrapDBErr(op, err)
		}

		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

func (r *PassRepo) GetWithOrganizer(ctx context.Context, passID int64) (*domain.EventPass, int64, error) {
	const op = "postgresrepo.PassRepo.GetWithOrganizer"

	var (
		p           domain.EventPass
		organizerID int64
	)
	err := r.db.QueryRow(ctx,
		`SELECT p.id, p.line_item_id, p.code, p.first_name, p.last_name, p.email, p.phone, p.checked_in, p.created_at,
		        e.organizer_id
		 FROM event_passes p
		 JOIN order_line_items li ON li.id = p.line_item_id
		 JOIN ticket_tiers t ON t.id = li.tier_id
		 JOIN events e ON e.id = t.event_id
		 WHERE p.id = $1`,
		passID,
	).Scan(
		&p.ID, &p.LineItemID, &p.Code,
		&p.Identity.FirstName, &p.Identity.LastName, &p.Identity.Email, &p.Identity.Phone,
		&p.CheckedIn, &p.CreatedAt, &organizerID,
	)
	if err != nil {
		return nil, 0, wrapDBErr(op, err)
	}

	return &p, organizerID, nil
}

func (r *PassRepo) SetCheckedIn(ctx context.Context, passID int64, checkedIn bool) error {
	const op = "postgresrepo.PassRepo.SetCheckedIn"

	tag, err := r.db.Exec(ctx,
		`UPDATE event_passes SET checked_in = $2 WHERE id = $1`,
		passID, checkedIn,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		return wrapDBErr(op, repository.ErrNotFound)
	}

	return nil
}
