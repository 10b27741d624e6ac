package postgresrepo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/ticksy/internal/domain"
	"github.com/kirinyoku/ticksy/internal/repository"
)

type OrderRepo struct {
	db DB
}

const orderColumns = `id, attendee_id, total_cents, status, receipt_token, failure_reason, created_at, updated_at`

func (r *OrderRepo) Create(ctx context.Context, o *domain.Order) error {
	const op = "postgresrepo.OrderRepo.Create"

	if err := r.db.QueryRow(ctx,
		`INSERT INTO orders(id, attendee_id, total_cents, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at, updated_at`,
		o.ID, o.AttendeeID, o.TotalCents, string(o.Status),
	).Scan(&o.CreatedAt, &o.UpdatedAt); err != nil {
		return wrapDBErr(op, err)
	}

	return nil
}

// AddLineItem stores a line item together with its staged attendee identities.
func (r *OrderRepo) AddLineItem(ctx context.Context, li *domain.OrderLineItem) (int64, error) {
	const op = "postgresrepo.OrderRepo.AddLineItem"

	staged, err := encodeIdentities(li.Attendees)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	var id int64
	if err := r.db.QueryRow(ctx,
		`INSERT INTO order_line_items(order_id, tier_id, quantity, unit_price_cents, attendees)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		li.OrderID, li.TierID, li.Quantity, li.UnitPriceCents, staged,
	).Scan(&id); err != nil {
		return 0, wrapDBErr(op, err)
	}

	return id, nil
}

func (r *OrderRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	const op = "postgresrepo.OrderRepo.Get"

	o, err := scanOrder(r.db.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`,
		id,
	))
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return o, nil
}

// GetForUpdate locks the order row until the surrounding transaction ends.
// Duplicate callbacks for the same order queue up here.
func (r *OrderRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	const op = "postgresrepo.OrderRepo.GetForUpdate"

	o, err := scanOrder(r.db.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`,
		id,
	))
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return o, nil
}

func (r *OrderRepo) ListLineItems(ctx context.Context, orderID uuid.UUID) ([]domain.OrderLineItem, error) {
	const op = "postgresrepo.OrderRepo.ListLineItems"

	rows, err := r.db.Query(ctx,
		`SELECT id, order_id, tier_id, quantity, unit_price_cents, attendees
		 FROM order_line_items
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	defer rows.Close()

	var out []domain.OrderLineItem
	for rows.Next() {
		var (
			li     domain.OrderLineItem
			staged []byte
		)
		if err := rows.Scan(&li.ID, &li.OrderID, &li.TierID, &li.Quantity, &li.UnitPriceCents, &staged); err != nil {
			return nil, wrapDBErr(op, err)
		}

		li.Attendees, err = decodeIdentities(staged)
		if err != nil {
			return nil, fmt.Errorf("%s: line item %d: %w", op, li.ID, err)
		}

		out = append(out, li)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

func (r *OrderRepo) ListByAttendee(ctx context.Context, attendeeID int64, limit, offset int) ([]domain.Order, error) {
	const op = "postgresrepo.OrderRepo.ListByAttendee"

	rows, err := r.db.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE attendee_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		attendeeID, limit, offset,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	defer rows.Close()

	out := []domain.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, wrapDBErr(op, err)
		}

		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

// MarkPaid moves a pending order to paid.
//
// Returns:
//   - error: repository.ErrConflict if the order is not pending.
func (r *OrderRepo) MarkPaid(ctx context.Context, id uuid.UUID, receipt string) error {
	const op = "postgresrepo.OrderRepo.MarkPaid"

	tag, err := r.db.Exec(ctx,
		`UPDATE orders
		 SET status = 'paid', receipt_token = $2, updated_at = now()
		 WHERE id = $1 AND status = 'pending'`,
		id, receipt,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, repository.ErrConflict)
	}

	return nil
}

// MarkFailed moves a pending order to failed, keeping whatever receipt the
// gateway reported so that a refund can be traced.
//
// Returns:
//   - error: repository.ErrConflict if the order is not pending.
func (r *OrderRepo) MarkFailed(ctx context.Context, id uuid.UUID, receipt *string, reason string) error {
	const op = "postgresrepo.OrderRepo.MarkFailed"

	tag, err := r.db.Exec(ctx,
		`UPDATE orders
		 SET status = 'failed', receipt_token = $2, failure_reason = $3, updated_at = now()
		 WHERE id = $1 AND status = 'pending'`,
		id, receipt, reason,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, repository.ErrConflict)
	}

	return nil
}

func (r *OrderRepo) AddPaymentRequest(ctx context.Context, pr *domain.PaymentRequest) error {
	const op = "postgresrepo.OrderRepo.AddPaymentRequest"

	_, err := r.db.Exec(ctx,
		`INSERT INTO payment_requests(checkout_request_id, merchant_request_id, order_id, amount, phone)
		 VALUES ($1, $2, $3, $4, $5)`,
		pr.CheckoutRequestID, pr.MerchantRequestID, pr.OrderID, pr.Amount, pr.Phone,
	)
	if err != nil {
		return wrapDBErr(op, err)
	}

	return nil
}

// GetPaymentRequest resolves a gateway correlation key.
//
// Returns:
//   - error: repository.ErrNotFound if the key was never issued by this system.
func (r *OrderRepo) GetPaymentRequest(ctx context.Context, checkoutRequestID string) (*domain.PaymentRequest, error) {
	const op = "postgresrepo.OrderRepo.GetPaymentRequest"

	var pr domain.PaymentRequest
	err := r.db.QueryRow(ctx,
		`SELECT checkout_request_id, merchant_request_id, order_id, amount, phone, created_at
		 FROM payment_requests WHERE checkout_request_id = $1`,
		checkoutRequestID,
	).Scan(&pr.CheckoutRequestID, &pr.MerchantRequestID, &pr.OrderID, &pr.Amount, &pr.Phone, &pr.CreatedAt)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return &pr, nil
}

func (r *OrderRepo) ListStalePaymentRequests(
	ctx context.Context,
	from, to time.Time,
	limit int,
) ([]domain.PaymentRequest, error) {
	const op = "postgresrepo.OrderRepo.ListStalePaymentRequests"

	rows, err := r.db.Query(ctx,
		`SELECT pr.checkout_request_id, pr.merchant_request_id, pr.order_id, pr.amount, pr.phone, pr.created_at
		 FROM payment_requests pr
		 JOIN orders o ON o.id = pr.order_id
		 WHERE o.status = 'pending'
		   AND pr.created_at >= $1 AND pr.created_at < $2
		 ORDER BY pr.created_at
		 LIMIT $3`,
		from, to, limit,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	defer rows.Close()

	var out []domain.PaymentRequest
	for rows.Next() {
		var pr domain.PaymentRequest
		if err := rows.Scan(&pr.CheckoutRequestID, &pr.MerchantRequestID, &pr.OrderID, &pr.Amount, &pr.Phone, &pr.CreatedAt); err != nil {
			return nil, wrapDBErr(op, err)
		}

		out = append(out, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o      domain.Order
		status string
	)
	if err := row.Scan(
		&o.ID,
		&o.AttendeeID,
		&o.TotalCents,
		&status,
		&o.ReceiptToken,
		&o.FailureReason,
		&o.CreatedAt,
		&o.UpdatedAt,
	); err != nil {
		return nil, err
	}

	o.Status = domain.OrderStatus(status)

	return &o, nil
}

func encodeIdentities(ids []domain.Identity) ([]byte, error) {
	if ids == nil {
		ids = []domain.Identity{}
	}

	return json.Marshal(ids)
}

// decodeIdentities is strict: an unknown field or a trailing value means the
// staged payload was not written by this code and issuance must not guess.
func decodeIdentities(b []byte) ([]domain.Identity, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var out []domain.Identity
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", repository.ErrInvalidStagedData, err)
	}

	if dec.More() {
		return nil, repository.ErrInvalidStagedData
	}

	// A JSON null decodes without error but stages nobody.
	if out == nil {
		return nil, fmt.Errorf("%w: null attendees", repository.ErrInvalidStagedData)
	}

	return out, nil
}
