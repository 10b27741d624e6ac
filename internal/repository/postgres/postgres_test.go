package postgresrepo

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirinyoku/ticksy/internal/domain"
	"github.com/kirinyoku/ticksy/internal/repository"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestInventoryCommit(t *testing.T) {
	update := regexp.QuoteMeta(`UPDATE ticket_tiers`)
	exists := regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM ticket_tiers`)

	tests := []struct {
		name    string
		prepare func(m pgxmock.PgxPoolIface)
		wantErr error
	}{
		{
			name: "consumes units",
			prepare: func(m pgxmock.PgxPoolIface) {
				m.ExpectExec(update).WithArgs(int64(3), 2).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			},
		},
		{
			name: "not enough left",
			prepare: func(m pgxmock.PgxPoolIface) {
				m.ExpectExec(update).WithArgs(int64(3), 2).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
				m.ExpectQuery(exists).WithArgs(int64(3)).WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
			},
			wantErr: repository.ErrInsufficientInventory,
		},
		{
			name: "unknown tier",
			prepare: func(m pgxmock.PgxPoolIface) {
				m.ExpectExec(update).WithArgs(int64(3), 2).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
				m.ExpectQuery(exists).WithArgs(int64(3)).WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
			},
			wantErr: repository.ErrNotFound,
		},
		{
			name: "check constraint",
			prepare: func(m pgxmock.PgxPoolIface) {
				m.ExpectExec(update).WithArgs(int64(3), 2).WillReturnError(&pgconn.PgError{Code: "23514"})
			},
			wantErr: repository.ErrInsufficientInventory,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			tt.prepare(mock)

			err := NewStore(mock).Repos().Inventory().Commit(context.Background(), 3, 2)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestInventoryCommit_RejectsNonPositive(t *testing.T) {
	mock := newMock(t)

	err := NewStore(mock).Repos().Inventory().Commit(context.Background(), 3, 0)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveCheck(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT quantity - sold FROM ticket_tiers`)).
		WithArgs(int64(5)).
		WillReturnRows(pgxmock.NewRows([]string{"available"}).AddRow(2))

	ok, err := NewStore(mock).Repos().Inventory().ReserveCheck(context.Background(), 5, 3)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPaid_OnlyFromPending(t *testing.T) {
	mock := newMock(t)
	id := uuid.New()
	q := regexp.QuoteMeta(`UPDATE orders`)

	mock.ExpectExec(q).WithArgs(id, "NLJ7RT61SV").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(q).WithArgs(id, "NLJ7RT61SV").WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	orders := NewStore(mock).Repos().Orders()
	require.NoError(t, orders.MarkPaid(context.Background(), id, "NLJ7RT61SV"))
	require.ErrorIs(t, orders.MarkPaid(context.Background(), id, "NLJ7RT61SV"), repository.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetEventStatus_NotFound(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE events SET status`)).
		WithArgs(int64(9), "approved").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := NewStore(mock).Repos().Catalog().SetEventStatus(context.Background(), 9, domain.EventApproved)
	require.ErrorIs(t, err, repository.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteEvent(t *testing.T) {
	del := regexp.QuoteMeta(`DELETE FROM events`)

	tests := []struct {
		name    string
		prepare func(m pgxmock.PgxPoolIface)
		wantErr error
	}{
		{
			name: "deleted",
			prepare: func(m pgxmock.PgxPoolIface) {
				m.ExpectExec(del).WithArgs(int64(4)).WillReturnResult(pgxmock.NewResult("DELETE", 1))
			},
		},
		{
			name: "tier still referenced by an order line",
			prepare: func(m pgxmock.PgxPoolIface) {
				m.ExpectExec(del).WithArgs(int64(4)).WillReturnError(&pgconn.PgError{Code: "23503"})
			},
			wantErr: repository.ErrConflict,
		},
		{
			name: "missing",
			prepare: func(m pgxmock.PgxPoolIface) {
				m.ExpectExec(del).WithArgs(int64(4)).WillReturnResult(pgxmock.NewResult("DELETE", 0))
			},
			wantErr: repository.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			tt.prepare(mock)

			err := NewStore(mock).Repos().Catalog().DeleteEvent(context.Background(), 4)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestListEventsByStatus(t *testing.T) {
	mock := newMock(t)
	starts := time.Date(2025, 12, 6, 12, 0, 0, 0, time.UTC)
	cols := []string{"id", "organizer_id", "title", "venue", "starts_at", "ends_at", "status", "created_at"}

	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY starts_at, id`)).
		WithArgs("approved").
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow(int64(2), int64(9), "Koroga", "Laico Regency", starts, starts.Add(8*time.Hour), "approved", starts.Add(-720*time.Hour)).
			AddRow(int64(1), int64(9), "Blankets & Wine", "Ngong Racecourse", starts.Add(24*time.Hour), starts.Add(30*time.Hour), "approved", starts.Add(-1000*time.Hour)))

	list, err := NewStore(mock).Repos().Catalog().ListEventsByStatus(context.Background(), domain.EventApproved)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Koroga", list[0].Title)
	assert.Equal(t, domain.EventApproved, list[1].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCodeExists(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM event_passes`)).
		WithArgs("K7Q2M9XA").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := NewStore(mock).Repos().Passes().CodeExists(context.Background(), "K7Q2M9XA")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddPaymentRequest_Duplicate(t *testing.T) {
	mock := newMock(t)
	pr := &domain.PaymentRequest{CheckoutRequestID: "ws_CO_1", MerchantRequestID: "m-1", OrderID: uuid.New(), Amount: 3001, Phone: "254712345678"}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO payment_requests`)).
		WithArgs(pr.CheckoutRequestID, pr.MerchantRequestID, pr.OrderID, pr.Amount, pr.Phone).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := NewStore(mock).Repos().Orders().AddPaymentRequest(context.Background(), pr)
	require.ErrorIs(t, err, repository.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPaymentRequest_Unknown(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM payment_requests WHERE checkout_request_id`)).
		WithArgs("ws_nobody").
		WillReturnError(pgx.ErrNoRows)

	_, err := NewStore(mock).Repos().Orders().GetPaymentRequest(context.Background(), "ws_nobody")
	require.ErrorIs(t, err, repository.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunTx(t *testing.T) {
	serializable := pgx.TxOptions{IsoLevel: pgx.Serializable, AccessMode: pgx.ReadWrite}

	t.Run("commits", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectBeginTx(serializable)
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE event_passes`)).WithArgs(int64(1), true).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		err := NewStore(mock).RunTx(context.Background(), nil, func(ctx context.Context, tx DB) error {
			return Bind(tx).Passes().SetCheckedIn(ctx, 1, true)
		})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		mock.ExpectRollback()

		boom := errors.New("boom")
		err := NewStore(mock).RunTx(context.Background(), &pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx DB) error {
			return boom
		})
		require.ErrorIs(t, err, boom)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsRetryable(wrapDBErr("op", &pgconn.PgError{Code: "40P01"})))
	assert.False(t, IsRetryable(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestDecodeIdentities(t *testing.T) {
	ids, err := decodeIdentities([]byte(`[{"first_name":"Achieng","last_name":"Otieno","email":"a@example.com","phone":"0712345678"}]`))
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "Achieng", ids[0].FirstName)

	for name, raw := range map[string]string{
		"unknown field": `[{"first_name":"A","seat":"12B"}]`,
		"not an array":  `{"first_name":"A"}`,
		"trailing data": `[] []`,
		"truncated":     `[{"first_name":`,
		"null":          `null`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := decodeIdentities([]byte(raw))
			require.ErrorIs(t, err, repository.ErrInvalidStagedData)
		})
	}
}
