package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirinyoku/ticksy/internal/audit"
	"github.com/kirinyoku/ticksy/internal/domain"
	"github.com/kirinyoku/ticksy/internal/gateway/mpesa"
	"github.com/kirinyoku/ticksy/internal/repository/memory"
	"github.com/kirinyoku/ticksy/internal/service/orders"
	"github.com/kirinyoku/ticksy/internal/service/passes"
)

type fakeGateway struct {
	mu       sync.Mutex
	initErr  error
	next     int
	requests []mpesa.InitiateRequest
	results  map[string]*mpesa.QueryResult
	queryErr error
}

func (g *fakeGateway) Initiate(ctx context.Context, req mpesa.InitiateRequest) (*mpesa.Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.requests = append(g.requests, req)
	if g.initErr != nil {
		return nil, g.initErr
	}

	g.next++
	return &mpesa.Handle{
		CheckoutRequestID: fmt.Sprintf("ws_CO_%d", g.next),
		MerchantRequestID: fmt.Sprintf("m-%d", g.next),
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil
}

func (g *fakeGateway) Query(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.queryErr != nil {
		return nil, g.queryErr
	}
	if r, ok := g.results[checkoutRequestID]; ok {
		return r, nil
	}
	return &mpesa.QueryResult{Pending: true}, nil
}

type fakeEvents struct {
	mu  sync.Mutex
	ids []int64
}

func (f *fakeEvents) PublishEventChanged(ctx context.Context, eventID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, eventID)
	return nil
}

type fakeOrders struct {
	mu     sync.Mutex
	events []domain.OrderEvent
}

func (f *fakeOrders) PublishOrderEvent(ctx context.Context, ev domain.OrderEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeOrders) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	store      *memory.Store
	gw         *fakeGateway
	events     *fakeEvents
	notes      *fakeOrders
	svc        *Service
	orders     *orders.Service
	attendeeID int64
	eventID    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := audit.New(store.Repos().Audit(), logger)

	f := &fixture{
		store:  store,
		gw:     &fakeGateway{results: map[string]*mpesa.QueryResult{}},
		events: &fakeEvents{},
		notes:  &fakeOrders{},
	}

	f.attendeeID = store.AddUser(domain.User{FirstName: "Amina", LastName: "Otieno", Role: domain.RoleAttendee, Active: true})
	organizerID := store.AddUser(domain.User{FirstName: "Brian", Role: domain.RoleOrganizer, Active: true})
	f.eventID = store.AddEvent(domain.Event{OrganizerID: organizerID, Title: "Nairobi Jazz", Status: domain.EventApproved})

	f.orders = orders.New(store, rec, orders.Config{})
	f.svc = New(store, f.gw, passes.New(store, rec), rec, f.events, f.notes, logger, Config{
		SweepMinAge: time.Minute,
		SweepMaxAge: time.Hour,
		SweepBatch:  10,
	})

	return f
}

func (f *fixture) tier(t *testing.T, quantity, sold int, priceCents int64) int64 {
	t.Helper()
	return f.store.AddTier(domain.TicketTier{EventID: f.eventID, Type: "Regular", PriceCents: priceCents, Quantity: quantity, Sold: sold})
}

func identities(n int) []domain.Identity {
	out := make([]domain.Identity, n)
	for i := range out {
		out[i] = domain.Identity{
			FirstName: fmt.Sprintf("Guest%d", i),
			LastName:  "Wanjiru",
			Email:     fmt.Sprintf("guest%d@example.com", i),
			Phone:     "0712345678",
		}
	}
	return out
}

// placeAndInitiate creates an order for qty tickets and starts its payment,
// returning the order id and the correlation key.
func (f *fixture) placeAndInitiate(t *testing.T, tierID int64, qty int) (uuid.UUID, string) {
	t.Helper()

	d, err := f.orders.Create(context.Background(), orders.CreateInput{
		AttendeeID: f.attendeeID,
		Lines:      []orders.LineInput{{TierID: tierID, Quantity: qty, Attendees: identities(qty)}},
	})
	require.NoError(t, err)

	res, err := f.svc.Initiate(context.Background(), f.attendeeID, d.Order.ID, "0712345678", "127.0.0.1")
	require.NoError(t, err)

	return d.Order.ID, res.CheckoutRequestID
}

func (f *fixture) order(t *testing.T, id uuid.UUID) domain.Order {
	t.Helper()
	o, ok := f.store.Order(id)
	require.True(t, ok)
	return o
}

func (f *fixture) auditStatuses(action string) []domain.AuditStatus {
	var out []domain.AuditStatus
	for _, e := range f.store.AuditEntries() {
		if e.Action == action {
			out = append(out, e.Status)
		}
	}
	return out
}

func success(key, receipt string) Callback {
	return Callback{CorrelationKey: key, ResultCode: 0, ResultDesc: "The service request is processed successfully.", ReceiptToken: receipt}
}

func TestHandleCallback_SuccessWithExactlyEnoughCapacity(t *testing.T) {
	f := newFixture(t)
	tierID := f.tier(t, 10, 6, 150000)

	orderID, key := f.placeAndInitiate(t, tierID, 2)
	// Other sales happened between checkout and payment.
	require.NoError(t, f.store.Do(context.Background(), commitTier(tierID, 2)))

	require.NoError(t, f.svc.HandleCallback(context.Background(), success(key, "QKX1")))

	o := f.order(t, orderID)
	assert.Equal(t, domain.OrderPaid, o.Status)
	require.NotNil(t, o.ReceiptToken)
	assert.Equal(t, "QKX1", *o.ReceiptToken)
	assert.Equal(t, 10, f.store.Tier(tierID).Sold)

	ps := f.store.AllPasses()
	require.Len(t, ps, 2)
	assert.NotEqual(t, ps[0].Code, ps[1].Code)
	for _, p := range ps {
		assert.Regexp(t, `^[A-Z0-9]{8}$`, p.Code)
	}
	assert.Equal(t, "Guest0", ps[0].Identity.FirstName)

	assert.Equal(t, []int64{f.eventID}, f.events.ids)
	assert.Equal(t, []string{domain.OrderEventPaid}, f.notes.types())
	assert.Equal(t, []domain.AuditStatus{domain.AuditSuccess}, f.auditStatuses("payment.callback"))
}

func TestHandleCallback_DuplicateSuccessIsNoOp(t *testing.T) {
	f := newFixture(t)
	tierID := f.tier(t, 10, 0, 100000)
	orderID, key := f.placeAndInitiate(t, tierID, 3)

	require.NoError(t, f.svc.HandleCallback(context.Background(), success(key, "R1")))
	require.NoError(t, f.svc.HandleCallback(context.Background(), success(key, "R1")))

	assert.Equal(t, domain.OrderPaid, f.order(t, orderID).Status)
	assert.Equal(t, 3, f.store.Tier(tierID).Sold)
	assert.Len(t, f.store.AllPasses(), 3)
	assert.Equal(t, []string{domain.OrderEventPaid}, f.notes.types())
	assert.Equal(t,
		[]domain.AuditStatus{domain.AuditSuccess, domain.AuditIgnored},
		f.auditStatuses("payment.callback"))
}

func TestHandleCallback_ConcurrentSuccessOnLastSeats(t *testing.T) {
	f := newFixture(t)
	tierID := f.tier(t, 10, 7, 100000)

	idA, keyA := f.placeAndInitiate(t, tierID, 2)
	idB, keyB := f.placeAndInitiate(t, tierID, 2)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, key := range []string{keyA, keyB} {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			errs[i] = f.svc.HandleCallback(context.Background(), success(key, "R-"+key))
		}(i, key)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	a, b := f.order(t, idA), f.order(t, idB)
	statuses := []domain.OrderStatus{a.Status, b.Status}
	assert.ElementsMatch(t, []domain.OrderStatus{domain.OrderPaid, domain.OrderFailed}, statuses)

	failed := a
	if b.Status == domain.OrderFailed {
		failed = b
	}
	require.NotNil(t, failed.FailureReason)
	assert.Equal(t, ReasonInsufficientInventory, *failed.FailureReason)
	require.NotNil(t, failed.ReceiptToken, "receipt is kept for the refund")

	assert.Equal(t, 9, f.store.Tier(tierID).Sold)
	assert.Len(t, f.store.AllPasses(), 2)
	assert.ElementsMatch(t, []string{domain.OrderEventPaid, domain.OrderEventRefundRequired}, f.notes.types())
	assert.Contains(t, f.auditStatuses("payment.callback"), domain.AuditRefundRequired)
}

func TestHandleCallback_SoldNeverExceedsQuantity(t *testing.T) {
	f := newFixture(t)
	tierID := f.tier(t, 5, 0, 50000)

	var keys []string
	for range 6 {
		_, key := f.placeAndInitiate(t, tierID, 1)
		keys = append(keys, key)
	}
	// Capacity drops after checkout, so most payments must be refused.
	require.NoError(t, f.store.Do(context.Background(), commitTier(tierID, 3)))

	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			assert.NoError(t, f.svc.HandleCallback(context.Background(), success(key, "R-"+key)))
		}(key)
	}
	wg.Wait()

	tier := f.store.Tier(tierID)
	assert.Equal(t, 5, tier.Sold)
	assert.Len(t, f.store.AllPasses(), 2)
}

func TestHandleCallback_UnknownCorrelationKey(t *testing.T) {
	f := newFixture(t)
	tierID := f.tier(t, 10, 0, 100000)
	orderID, _ := f.placeAndInitiate(t, tierID, 1)
	commits := f.store.Commits()

	err := f.svc.HandleCallback(context.Background(), success("ws_CO_unknown", "R9"))
	require.NoError(t, err)

	assert.Equal(t, domain.OrderPending, f.order(t, orderID).Status)
	assert.Equal(t, commits, f.store.Commits())
	assert.Equal(t, []domain.AuditStatus{domain.AuditUnknownCorrelation}, f.auditStatuses("payment.callback"))
}

func TestHandleCallback_FailureResult(t *testing.T) {
	f := newFixture(t)
	tierID := f.tier(t, 10, 4, 100000)
	orderID, key := f.placeAndInitiate(t, tierID, 2)

	err := f.svc.HandleCallback(context.Background(), Callback{
		CorrelationKey: key,
		ResultCode:     mpesa.ResultCancelled,
		ResultDesc:     "Request cancelled by user",
	})
	require.NoError(t, err)

	o := f.order(t, orderID)
	assert.Equal(t, domain.OrderFailed, o.Status)
	require.NotNil(t, o.FailureReason)
	assert.Equal(t, "Request cancelled by user", *o.FailureReason)
	assert.Nil(t, o.ReceiptToken)
	assert.Equal(t, 4, f.store.Tier(tierID).Sold)
	assert.Empty(t, f.store.AllPasses())
	assert.Equal(t, []string{domain.OrderEventFailed}, f.notes.types())
}

func TestHandleCallback_SuccessForFailedOrderFlagsRefundReview(t *testing.T) {
	f := newFixture(t)
	tierID := f.tier(t, 10, 0, 100000)
	orderID, key := f.placeAndInitiate(t, tierID, 1)

	require.NoError(t, f.svc.HandleCallback(context.Background(), Callback{CorrelationKey: key, ResultCode: 1, ResultDesc: "insufficient balance"}))
	require.NoError(t, f.svc.HandleCallback(context.Background(), success(key, "LATE1")))

	assert.Equal(t, domain.OrderFailed, f.order(t, orderID).Status)
	assert.Zero(t, f.store.Tier(tierID).Sold)
	assert.Equal(t,
		[]domain.AuditStatus{domain.AuditFailed, domain.AuditRefundReview},
		f.auditStatuses("payment.callback"))
}

func TestHandleCallback_CrashDuringIssuanceLeavesNothingBehind(t *testing.T) {
	f := newFixture(t)
	tierID := f.tier(t, 10, 0, 100000)
	orderID, key := f.placeAndInitiate(t, tierID, 2)

	f.store.InjectFault("passes.Insert", errors.New("connection reset"))

	err := f.svc.HandleCallback(context.Background(), success(key, "R1"))
	require.Error(t, err)

	assert.Equal(t, domain.OrderPending, f.order(t, orderID).Status)
	assert.Zero(t, f.store.Tier(tierID).Sold, "inventory is not consumed without passes")
	assert.Empty(t, f.store.AllPasses())
	assert.Empty(t, f.notes.types())

	// The gateway delivers again.
	require.NoError(t, f.svc.HandleCallback(context.Background(), success(key, "R1")))
	assert.Equal(t, domain.OrderPaid, f.order(t, orderID).Status)
	assert.Equal(t, 2, f.store.Tier(tierID).Sold)
	assert.Len(t, f.store.AllPasses(), 2)
}

func TestHandleCallback_CrashWhileMarkingPaid(t *testing.T) {
	f := newFixture(t)
	tierID := f.tier(t, 10, 0, 100000)
	orderID, key := f.placeAndInitiate(t, tierID, 1)

	f.store.InjectFault("orders.MarkPaid", errors.New("connection reset"))

	require.Error(t, f.svc.HandleCallback(context.Background(), success(key, "R1")))
	assert.Equal(t, domain.OrderPending, f.order(t, orderID).Status)
	assert.Zero(t, f.store.Tier(tierID).Sold)
	assert.Empty(t, f.store.AllPasses())
}

func TestHandleCallback_StagedIdentityCountMismatchFailsOrder(t *testing.T) {
	f := newFixture(t)
	tierID := f.tier(t, 10, 0, 100000)
	orderID, key := f.placeAndInitiate(t, tierID, 2)

	f.store.RestageAttendees(orderID, identities(1))

	// Acknowledged so the gateway stops redelivering.
	require.NoError(t, f.svc.HandleCallback(context.Background(), success(key, "R9")))

	o := f.order(t, orderID)
	assert.Equal(t, domain.OrderFailed, o.Status)
	require.NotNil(t, o.FailureReason)
	assert.Equal(t, ReasonInvalidStagedData, *o.FailureReason)
	require.NotNil(t, o.ReceiptToken)
	assert.Equal(t, "R9", *o.ReceiptToken)
	assert.Zero(t, f.store.Tier(tierID).Sold)
	assert.Empty(t, f.store.AllPasses())
	assert.Equal(t, []string{domain.OrderEventRefundRequired}, f.notes.types())
	assert.Equal(t, []domain.AuditStatus{domain.AuditRefundRequired}, f.auditStatuses("payment.callback"))
}

func TestInitiate(t *testing.T) {
	f := newFixture(t)
	tierID := f.tier(t, 10, 0, 123450)

	d, err := f.orders.Create(context.Background(), orders.CreateInput{
		AttendeeID: f.attendeeID,
		Lines:      []orders.LineInput{{TierID: tierID, Quantity: 2, Attendees: identities(2)}},
	})
	require.NoError(t, err)

	res, err := f.svc.Initiate(context.Background(), f.attendeeID, d.Order.ID, "+254 712 345 678", "")
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", res.CheckoutRequestID)
	assert.Equal(t, int64(2469), res.Amount)

	require.Len(t, f.gw.requests, 1)
	assert.Equal(t, "254712345678", f.gw.requests[0].Phone)
	assert.Len(t, f.gw.requests[0].AccountReference, 12)

	pr, err := f.store.Repos().Orders().GetPaymentRequest(context.Background(), "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, d.Order.ID, pr.OrderID)
}

func TestInitiate_GatewayUnavailableKeepsOrderPending(t *testing.T) {
	f := newFixture(t)
	tierID := f.tier(t, 10, 0, 100000)

	d, err := f.orders.Create(context.Background(), orders.CreateInput{
		AttendeeID: f.attendeeID,
		Lines:      []orders.LineInput{{TierID: tierID, Quantity: 1, Attendees: identities(1)}},
	})
	require.NoError(t, err)

	f.gw.initErr = fmt.Errorf("post: %w", mpesa.ErrGatewayUnavailable)
	_, err = f.svc.Initiate(context.Background(), f.attendeeID, d.Order.ID, "0712345678", "")
	require.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.Equal(t, domain.OrderPending, f.order(t, d.Order.ID).Status)

	// The client retries once the gateway is back.
	f.gw.initErr = nil
	res, err := f.svc.Initiate(context.Background(), f.attendeeID, d.Order.ID, "0712345678", "")
	require.NoError(t, err)
	assert.NotEmpty(t, res.CheckoutRequestID)
	assert.Equal(t, []domain.AuditStatus{domain.AuditFailed, domain.AuditSuccess}, f.auditStatuses("payment.initiate"))
}

func TestInitiate_GatewayRejectedFailsOrder(t *testing.T) {
	f := newFixture(t)
	tierID := f.tier(t, 10, 0, 100000)

	d, err := f.orders.Create(context.Background(), orders.CreateInput{
		AttendeeID: f.attendeeID,
		Lines:      []orders.LineInput{{TierID: tierID, Quantity: 1, Attendees: identities(1)}},
	})
	require.NoError(t, err)

	f.gw.initErr = &mpesa.RejectedError{Code: "400.002.02", Message: "Invalid Amount"}
	_, err = f.svc.Initiate(context.Background(), f.attendeeID, d.Order.ID, "0712345678", "")
	require.ErrorIs(t, err, ErrGatewayRejected)

	o := f.order(t, d.Order.ID)
	assert.Equal(t, domain.OrderFailed, o.Status)
	require.NotNil(t, o.FailureReason)
	assert.Equal(t, ReasonGatewayRejected, *o.FailureReason)
	assert.Equal(t, []string{domain.OrderEventFailed}, f.notes.types())

	_, err = f.svc.Initiate(context.Background(), f.attendeeID, d.Order.ID, "0712345678", "")
	require.ErrorIs(t, err, ErrOrderNotPending)
}

func TestInitiate_Guards(t *testing.T) {
	f := newFixture(t)
	tierID := f.tier(t, 10, 0, 100000)

	d, err := f.orders.Create(context.Background(), orders.CreateInput{
		AttendeeID: f.attendeeID,
		Lines:      []orders.LineInput{{TierID: tierID, Quantity: 1, Attendees: identities(1)}},
	})
	require.NoError(t, err)

	_, err = f.svc.Initiate(context.Background(), f.attendeeID+100, d.Order.ID, "0712345678", "")
	require.ErrorIs(t, err, ErrOrderNotFound)

	_, err = f.svc.Initiate(context.Background(), f.attendeeID, uuid.New(), "0712345678", "")
	require.ErrorIs(t, err, ErrOrderNotFound)

	_, err = f.svc.Initiate(context.Background(), f.attendeeID, d.Order.ID, "12345", "")
	require.ErrorIs(t, err, ErrInvalidPhone)

	assert.Empty(t, f.gw.requests)
}

func TestLateSuccessOnEarlierRequestStillReconciles(t *testing.T) {
	f := newFixture(t)
	tierID := f.tier(t, 10, 0, 100000)
	orderID, first := f.placeAndInitiate(t, tierID, 1)

	_, err := f.svc.Initiate(context.Background(), f.attendeeID, orderID, "0712345678", "")
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleCallback(context.Background(), success(first, "R-first")))
	assert.Equal(t, domain.OrderPaid, f.order(t, orderID).Status)
}

func TestSweepPending(t *testing.T) {
	f := newFixture(t)
	tierID := f.tier(t, 10, 0, 100000)

	paidID, paidKey := f.placeAndInitiate(t, tierID, 1)
	waitingID, waitingKey := f.placeAndInitiate(t, tierID, 1)
	freshID, freshKey := f.placeAndInitiate(t, tierID, 1)
	ancientID, ancientKey := f.placeAndInitiate(t, tierID, 1)

	now := time.Now()
	f.store.BackdateRequest(paidKey, now.Add(-5*time.Minute))
	f.store.BackdateRequest(waitingKey, now.Add(-5*time.Minute))
	f.store.BackdateRequest(ancientKey, now.Add(-2*time.Hour))

	f.gw.results[paidKey] = &mpesa.QueryResult{ResultCode: 0, ResultDesc: "processed"}
	f.gw.results[freshKey] = &mpesa.QueryResult{ResultCode: 0, ResultDesc: "processed"}
	f.gw.results[ancientKey] = &mpesa.QueryResult{ResultCode: 0, ResultDesc: "processed"}

	n, err := f.svc.SweepPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	paid := f.order(t, paidID)
	assert.Equal(t, domain.OrderPaid, paid.Status)
	require.NotNil(t, paid.ReceiptToken)
	assert.Equal(t, paidKey, *paid.ReceiptToken)

	assert.Equal(t, domain.OrderPending, f.order(t, waitingID).Status, "gateway still processing")
	assert.Equal(t, domain.OrderPending, f.order(t, freshID).Status, "too recent to sweep")
	assert.Equal(t, domain.OrderPending, f.order(t, ancientID).Status, "outside the sweep window")
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	tierID := f.tier(t, 10, 0, 100000)
	orderID, key := f.placeAndInitiate(t, tierID, 1)

	o, err := f.svc.Status(context.Background(), f.attendeeID, key)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, o.Status)

	f.gw.results[key] = &mpesa.QueryResult{ResultCode: mpesa.ResultCancelled, ResultDesc: "Request cancelled by user"}
	o, err = f.svc.Status(context.Background(), f.attendeeID, key)
	require.NoError(t, err)
	assert.Equal(t, orderID, o.ID)
	assert.Equal(t, domain.OrderFailed, o.Status)

	_, err = f.svc.Status(context.Background(), f.attendeeID+1, key)
	require.ErrorIs(t, err, ErrUnknownCorrelation)

	_, err = f.svc.Status(context.Background(), f.attendeeID, "ws_CO_nope")
	require.ErrorIs(t, err, ErrUnknownCorrelation)
}

func TestStatus_GatewayDownReturnsCurrentOrder(t *testing.T) {
	f := newFixture(t)
	tierID := f.tier(t, 10, 0, 100000)
	_, key := f.placeAndInitiate(t, tierID, 1)

	f.gw.queryErr = mpesa.ErrGatewayUnavailable
	o, err := f.svc.Status(context.Background(), f.attendeeID, key)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, o.Status)
}

func TestGatewayAmount(t *testing.T) {
	assert.Equal(t, int64(1), GatewayAmount(1))
	assert.Equal(t, int64(1), GatewayAmount(100))
	assert.Equal(t, int64(2), GatewayAmount(101))
	assert.Equal(t, int64(1500), GatewayAmount(150000))
}
