package query

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirinyoku/ticksy/internal/domain"
	"github.com/kirinyoku/ticksy/internal/repository/memory"
	redisrepo "github.com/kirinyoku/ticksy/internal/repository/redis"
)

func anyArgs(expected, actual []interface{}) error { return nil }

func TestListEventTiers_LoadsAndCaches(t *testing.T) {
	store := memory.New()
	eventID := store.AddEvent(domain.Event{Title: "Koroga", Status: domain.EventApproved})
	vip := store.AddTier(domain.TicketTier{EventID: eventID, Type: "VIP", PriceCents: 500000, Quantity: 10, Sold: 4})
	reg := store.AddTier(domain.TicketTier{EventID: eventID, Type: "Regular", PriceCents: 150000, Quantity: 100, Sold: 100})

	db, mock := redismock.NewClientMock()
	svc := New(store.Repos(), redisrepo.NewCache(db), Config{TiersTTL: 15 * time.Second})

	key := redisrepo.KeyEventTiers(eventID)
	mock.ExpectGet(key).RedisNil()
	mock.ExpectGet(key).RedisNil()
	mock.CustomMatch(anyArgs).ExpectSet(key, "", 15*time.Second).SetVal("OK")

	tiers, err := svc.ListEventTiers(context.Background(), eventID)
	require.NoError(t, err)
	require.Len(t, tiers, 2)

	assert.Equal(t, reg, tiers[0].ID, "ordered by price")
	assert.Equal(t, 0, tiers[0].Available)
	assert.Equal(t, vip, tiers[1].ID)
	assert.Equal(t, 6, tiers[1].Available)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEvent_CacheHit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	svc := New(memory.New().Repos(), redisrepo.NewCache(db), Config{})

	mock.ExpectGet(redisrepo.KeyEventSummary(3)).SetVal(`{"id":3,"title":"Cached","status":"approved"}`)

	ev, err := svc.GetEvent(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "Cached", ev.Title)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEvent_NotApprovedIsHidden(t *testing.T) {
	store := memory.New()
	eventID := store.AddEvent(domain.Event{Title: "Draft", Status: domain.EventPending})

	db, mock := redismock.NewClientMock()
	svc := New(store.Repos(), redisrepo.NewCache(db), Config{})

	key := redisrepo.KeyEventSummary(eventID)
	mock.ExpectGet(key).RedisNil()
	mock.ExpectGet(key).RedisNil()

	_, err := svc.GetEvent(context.Background(), eventID)
	require.ErrorIs(t, err, ErrEventNotFound)

	mock.ExpectGet(redisrepo.KeyEventSummary(999)).RedisNil()
	mock.ExpectGet(redisrepo.KeyEventSummary(999)).RedisNil()
	_, err = svc.GetEvent(context.Background(), 999)
	require.ErrorIs(t, err, ErrEventNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvalidate(t *testing.T) {
	db, mock := redismock.NewClientMock()
	svc := New(memory.New().Repos(), redisrepo.NewCache(db), Config{})

	mock.ExpectDel(redisrepo.KeyEventSummary(5), redisrepo.KeyEventTiers(5), redisrepo.KeyApprovedEvents()).SetVal(3)

	require.NoError(t, svc.Invalidate(context.Background(), 5))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListApprovedEvents_LoadsAndCaches(t *testing.T) {
	store := memory.New()
	later := time.Date(2025, 12, 20, 18, 0, 0, 0, time.UTC)
	sooner := time.Date(2025, 12, 6, 12, 0, 0, 0, time.UTC)
	jazz := store.AddEvent(domain.Event{Title: "Nairobi Jazz", Starts: later, Status: domain.EventApproved})
	koroga := store.AddEvent(domain.Event{Title: "Koroga", Starts: sooner, Status: domain.EventApproved})
	store.AddEvent(domain.Event{Title: "Draft", Starts: sooner, Status: domain.EventPending})
	store.AddEvent(domain.Event{Title: "Refused", Starts: sooner, Status: domain.EventRejected})

	db, mock := redismock.NewClientMock()
	svc := New(store.Repos(), redisrepo.NewCache(db), Config{EventListTTL: 30 * time.Second})

	key := redisrepo.KeyApprovedEvents()
	mock.ExpectGet(key).RedisNil()
	mock.ExpectGet(key).RedisNil()
	mock.CustomMatch(anyArgs).ExpectSet(key, "", 30*time.Second).SetVal("OK")

	list, err := svc.ListApprovedEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, koroga, list[0].ID, "earliest start first")
	assert.Equal(t, jazz, list[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListApprovedEvents_CacheHit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	svc := New(memory.New().Repos(), redisrepo.NewCache(db), Config{})

	mock.ExpectGet(redisrepo.KeyApprovedEvents()).SetVal(`[{"id":8,"title":"Cached","status":"approved"}]`)

	list, err := svc.ListApprovedEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Cached", list[0].Title)
	require.NoError(t, mock.ExpectationsWereMet())
}
