package passes

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirinyoku/ticksy/internal/audit"
	"github.com/kirinyoku/ticksy/internal/domain"
	"github.com/kirinyoku/ticksy/internal/repository"
	"github.com/kirinyoku/ticksy/internal/repository/memory"
	"github.com/kirinyoku/ticksy/internal/uow"
)

type fixture struct {
	store       *memory.Store
	svc         *Service
	organizerID int64
	eventID     int64
	tierID      int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.New()
	rec := audit.New(store.Repos().Audit(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	f := &fixture{store: store, svc: New(store, rec)}
	f.organizerID = store.AddUser(domain.User{Role: domain.RoleOrganizer, Active: true})
	f.eventID = store.AddEvent(domain.Event{OrganizerID: f.organizerID, Status: domain.EventApproved})
	f.tierID = store.AddTier(domain.TicketTier{EventID: f.eventID, Type: "Regular", PriceCents: 1000, Quantity: 100})
	return f
}

func guests(n int) []domain.Identity {
	out := make([]domain.Identity, n)
	for i := range out {
		out[i] = domain.Identity{FirstName: "G", LastName: "H", Email: "g@h.io", Phone: "0700000000"}
	}
	return out
}

// lineItem stages a pending order with one line of qty tickets.
func (f *fixture) lineItem(t *testing.T, qty int) domain.OrderLineItem {
	t.Helper()

	var li domain.OrderLineItem
	err := f.store.Do(context.Background(), func(ctx context.Context, repos repository.Repositories, after func(uow.AfterCommit)) error {
		o := domain.Order{ID: uuid.New(), AttendeeID: 1, Status: domain.OrderPending}
		if err := repos.Orders().Create(ctx, &o); err != nil {
			return err
		}
		li = domain.OrderLineItem{OrderID: o.ID, TierID: f.tierID, Quantity: qty, UnitPriceCents: 1000, Attendees: guests(qty)}
		id, err := repos.Orders().AddLineItem(ctx, &li)
		li.ID = id
		return err
	})
	require.NoError(t, err)
	return li
}

func (f *fixture) issue(li domain.OrderLineItem, ids []domain.Identity) ([]domain.EventPass, error) {
	var out []domain.EventPass
	err := f.store.Do(context.Background(), func(ctx context.Context, repos repository.Repositories, after func(uow.AfterCommit)) error {
		var err error
		out, err = f.svc.Issue(ctx, repos, li, ids)
		return err
	})
	return out, err
}

func TestIssue(t *testing.T) {
	f := newFixture(t)
	li := f.lineItem(t, 4)

	ps, err := f.issue(li, li.Attendees)
	require.NoError(t, err)
	require.Len(t, ps, 4)

	codes := map[string]bool{}
	for _, p := range ps {
		assert.Regexp(t, `^[A-Z0-9]{8}$`, p.Code)
		assert.Equal(t, li.ID, p.LineItemID)
		assert.NotZero(t, p.ID)
		codes[p.Code] = true
	}
	assert.Len(t, codes, 4)
}

func TestIssue_AlreadyIssued(t *testing.T) {
	f := newFixture(t)
	li := f.lineItem(t, 2)

	_, err := f.issue(li, li.Attendees)
	require.NoError(t, err)

	_, err = f.issue(li, li.Attendees)
	require.ErrorIs(t, err, ErrAlreadyIssued)
	assert.Len(t, f.store.AllPasses(), 2)
}

func TestIssue_IdentityCountMismatch(t *testing.T) {
	f := newFixture(t)
	li := f.lineItem(t, 2)

	_, err := f.issue(li, guests(3))
	var ice IdentityCountError
	require.ErrorAs(t, err, &ice)
	assert.Equal(t, 3, ice.Identities)
	require.ErrorIs(t, err, repository.ErrInvalidStagedData)
	assert.Empty(t, f.store.AllPasses())
}

func TestIssue_RetriesCollidingCodes(t *testing.T) {
	f := newFixture(t)
	first := f.lineItem(t, 1)
	second := f.lineItem(t, 2)

	seq := []string{"AAAA1111", "AAAA1111", "AAAA1111", "BBBB2222", "BBBB2222", "CCCC3333"}
	f.svc.newCode = func() (string, error) {
		c := seq[0]
		seq = seq[1:]
		return c, nil
	}

	_, err := f.issue(first, first.Attendees)
	require.NoError(t, err)

	// AAAA1111 exists in the store, BBBB2222 repeats within the batch.
	ps, err := f.issue(second, second.Attendees)
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, "BBBB2222", ps[0].Code)
	assert.Equal(t, "CCCC3333", ps[1].Code)
}

func TestIssue_CodeSpaceExhausted(t *testing.T) {
	f := newFixture(t)
	first := f.lineItem(t, 1)
	second := f.lineItem(t, 1)

	f.svc.newCode = func() (string, error) { return "SAMECODE", nil }

	_, err := f.issue(first, first.Attendees)
	require.NoError(t, err)

	_, err = f.issue(second, second.Attendees)
	require.ErrorIs(t, err, ErrCodeSpaceExhausted)
}

func TestIssue_GeneratorError(t *testing.T) {
	f := newFixture(t)
	li := f.lineItem(t, 1)
	boom := errors.New("entropy")
	f.svc.newCode = func() (string, error) { return "", boom }

	_, err := f.issue(li, li.Attendees)
	require.ErrorIs(t, err, boom)
}

func TestCheckInOut(t *testing.T) {
	f := newFixture(t)
	li := f.lineItem(t, 1)
	ps, err := f.issue(li, li.Attendees)
	require.NoError(t, err)
	passID := ps[0].ID

	p, err := f.svc.CheckIn(context.Background(), f.organizerID, passID, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, p.CheckedIn)

	_, err = f.svc.CheckIn(context.Background(), f.organizerID, passID, "")
	require.NoError(t, err, "checking in twice is allowed")

	p, err = f.svc.CheckOut(context.Background(), f.organizerID, passID, "")
	require.NoError(t, err)
	assert.False(t, p.CheckedIn)
	assert.False(t, f.store.AllPasses()[0].CheckedIn)

	_, err = f.svc.CheckIn(context.Background(), f.organizerID+1, passID, "")
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.CheckIn(context.Background(), f.organizerID, 9999, "")
	require.ErrorIs(t, err, ErrPassNotFound)

	var actions []string
	for _, e := range f.store.AuditEntries() {
		actions = append(actions, e.Action+":"+string(e.Status))
	}
	assert.Equal(t, []string{
		"pass.check_in:success",
		"pass.check_in:success",
		"pass.check_out:success",
		"pass.check_in:failed",
		"pass.check_in:failed",
	}, actions)
}

func TestListEventAttendees(t *testing.T) {
	f := newFixture(t)
	li := f.lineItem(t, 3)
	_, err := f.issue(li, li.Attendees)
	require.NoError(t, err)

	list, err := f.svc.ListEventAttendees(context.Background(), f.organizerID, f.eventID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "Regular", list[0].TierType)

	_, err = f.svc.ListEventAttendees(context.Background(), f.organizerID+1, f.eventID)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.ListEventAttendees(context.Background(), f.organizerID, 9999)
	require.ErrorIs(t, err, ErrEventNotFound)
}

func TestRandomCode(t *testing.T) {
	seen := map[string]bool{}
	for range 200 {
		c, err := randomCode()
		require.NoError(t, err)
		require.Regexp(t, `^[A-Z0-9]{8}$`, c)
		seen[c] = true
	}
	assert.Len(t, seen, 200)
}
