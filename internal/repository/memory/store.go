// Package memory is an in-process implementation of the repository and unit
// of work contracts. Units of work are serialized and run against a copy of
// the state that replaces the live state only on success, which gives tests
// the same all-or-nothing behaviour as a Postgres transaction.
//
// Because units never overlap, tests on this store cannot race two ledger
// commits on one tier. The guarded UPDATE in postgresrepo is exercised
// concurrently by the integration-tagged tests in that package.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/ticksy/internal/domain"
	"github.com/kirinyoku/ticksy/internal/repository"
	"github.com/kirinyoku/ticksy/internal/uow"
)

type Store struct {
	txMu    sync.Mutex
	stateMu sync.Mutex
	data    *state
	audit   []domain.AuditEntry
	faults  map[string]error
	commits int
}

var _ uow.UnitOfWork = (*Store)(nil)

func New() *Store {
	return &Store{
		data:   newState(),
		faults: map[string]error{},
	}
}

type state struct {
	nextID   int64
	users    map[int64]domain.User
	events   map[int64]domain.Event
	tiers    map[int64]domain.TicketTier
	orders   map[uuid.UUID]domain.Order
	lines    map[int64]domain.OrderLineItem
	passes   map[int64]domain.EventPass
	requests map[string]domain.PaymentRequest
}

func newState() *state {
	return &state{
		users:    map[int64]domain.User{},
		events:   map[int64]domain.Event{},
		tiers:    map[int64]domain.TicketTier{},
		orders:   map[uuid.UUID]domain.Order{},
		lines:    map[int64]domain.OrderLineItem{},
		passes:   map[int64]domain.EventPass{},
		requests: map[string]domain.PaymentRequest{},
	}
}

func (s *state) clone() *state {
	c := newState()
	c.nextID = s.nextID
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.tiers {
		c.tiers[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.lines {
		v.Attendees = append([]domain.Identity(nil), v.Attendees...)
		c.lines[k] = v
	}
	for k, v := range s.passes {
		c.passes[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	return c
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// InjectFault makes the next call of op inside a unit of work fail with err.
// op names look like "passes.Insert" or "inventory.Commit".
func (s *Store) InjectFault(op string, err error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.faults[op] = err
}

func (s *Store) fault(op string) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	err, ok := s.faults[op]
	if ok {
		delete(s.faults, op)
	}
	return err
}

func (s *Store) Repos() repository.Repositories {
	return &view{store: s}
}

func (s *Store) Do(ctx context.Context, fn uow.Func) error {
	return s.DoWithOpts(ctx, nil, fn)
}

func (s *Store) DoWithOpts(ctx context.Context, _ *pgx.TxOptions, fn uow.Func) error {
	var hooks []uow.AfterCommit

	err := func() error {
		s.txMu.Lock()
		defer s.txMu.Unlock()

		s.stateMu.Lock()
		work := s.data.clone()
		s.stateMu.Unlock()

		if err := fn(ctx, &view{store: s, tx: work}, func(h uow.AfterCommit) {
			hooks = append(hooks, h)
		}); err != nil {
			return err
		}

		s.stateMu.Lock()
		s.data = work
		s.commits++
		s.stateMu.Unlock()

		return nil
	}()
	if err != nil {
		return err
	}

	for _, h := range hooks {
		h(ctx)
	}

	return nil
}

// Commits counts successful units of work.
func (s *Store) Commits() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.commits
}

// Seeding and inspection helpers for tests. They bypass the ledger.

func (s *Store) AddUser(u domain.User) int64 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	u.ID = s.data.id()
	s.data.users[u.ID] = u
	return u.ID
}

func (s *Store) AddEvent(e domain.Event) int64 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	e.ID = s.data.id()
	s.data.events[e.ID] = e
	return e.ID
}

func (s *Store) AddTier(t domain.TicketTier) int64 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	t.ID = s.data.id()
	s.data.tiers[t.ID] = t
	return t.ID
}

func (s *Store) Tier(id int64) domain.TicketTier {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.data.tiers[id]
}

func (s *Store) Order(id uuid.UUID) (domain.Order, bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	o, ok := s.data.orders[id]
	return o, ok
}

func (s *Store) OrderCount() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return len(s.data.orders)
}

func (s *Store) AllPasses() []domain.EventPass {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	out := make([]domain.EventPass, 0, len(s.data.passes))
	for _, p := range s.data.passes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BackdateRequest moves a payment request's creation time, for sweeper tests.
func (s *Store) BackdateRequest(checkoutRequestID string, at time.Time) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	pr := s.data.requests[checkoutRequestID]
	pr.CreatedAt = at
	s.data.requests[checkoutRequestID] = pr
}

// RestageAttendees overwrites the identities staged on every line item of
// an order, for tests of corrupt staged data.
func (s *Store) RestageAttendees(orderID uuid.UUID, ids []domain.Identity) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	for id, li := range s.data.lines {
		if li.OrderID == orderID {
			li.Attendees = append([]domain.Identity(nil), ids...)
			s.data.lines[id] = li
		}
	}
}

func (s *Store) AuditEntries() []domain.AuditEntry {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return append([]domain.AuditEntry(nil), s.audit...)
}

// view binds the repositories either to a unit of work's private copy (tx)
// or to the live state.
type view struct {
	store *Store
	tx    *state
}

// with runs fn against the bound state. Outside a unit of work the live
// state is locked for the duration of the call.
func (v *view) with(op string, fn func(st *state) error) error {
	if v.tx != nil {
		if err := v.store.fault(op); err != nil {
			return fmt.Errorf("memory.%s: %w", op, err)
		}
		return fn(v.tx)
	}

	v.store.stateMu.Lock()
	defer v.store.stateMu.Unlock()
	return fn(v.store.data)
}

func (v *view) Directory() repository.DirectoryRepository { return v }
func (v *view) Catalog() repository.CatalogRepository     { return catalog{v} }
func (v *view) Inventory() repository.InventoryRepository { return inventory{v} }
func (v *view) Orders() repository.OrderRepository        { return orders{v} }
func (v *view) Passes() repository.PassRepository         { return passes{v} }
func (v *view) Audit() repository.AuditRepository         { return audit{v} }

func (v *view) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	var out *domain.User
	err := v.with("directory.GetUser", func(st *state) error {
		u, ok := st.users[id]
		if !ok {
			return repository.ErrNotFound
		}
		out = &u
		return nil
	})
	return out, err
}

func (v *view) GetTierWithEvent(ctx context.Context, tierID int64) (*domain.TierWithEvent, error) {
	var out *domain.TierWithEvent
	err := v.with("directory.GetTierWithEvent", func(st *state) error {
		t, ok := st.tiers[tierID]
		if !ok {
			return repository.ErrNotFound
		}
		e, ok := st.events[t.EventID]
		if !ok {
			return repository.ErrNotFound
		}
		out = &domain.TierWithEvent{TicketTier: t, EventStatus: e.Status, EventOrganizerID: e.OrganizerID}
		return nil
	})
	return out, err
}

type catalog struct{ v *view }

func (c catalog) CreateEvent(ctx context.Context, e *domain.Event) (int64, error) {
	var id int64
	err := c.v.with("catalog.CreateEvent", func(st *state) error {
		id = st.id()
		ev := *e
		ev.ID = id
		ev.CreatedAt = time.Now()
		st.events[id] = ev
		return nil
	})
	return id, err
}

func (c catalog) GetEvent(ctx context.Context, id int64) (*domain.Event, error) {
	var out *domain.Event
	err := c.v.with("catalog.GetEvent", func(st *state) error {
		e, ok := st.events[id]
		if !ok {
			return repository.ErrNotFound
		}
		out = &e
		return nil
	})
	return out, err
}

func (c catalog) UpdateEvent(ctx context.Context, e *domain.Event) error {
	return c.v.with("catalog.UpdateEvent", func(st *state) error {
		cur, ok := st.events[e.ID]
		if !ok {
			return repository.ErrNotFound
		}
		cur.Title, cur.Venue, cur.Starts, cur.Ends = e.Title, e.Venue, e.Starts, e.Ends
		st.events[e.ID] = cur
		return nil
	})
}

func (c catalog) DeleteEvent(ctx context.Context, id int64) error {
	return c.v.with("catalog.DeleteEvent", func(st *state) error {
		if _, ok := st.events[id]; !ok {
			return repository.ErrNotFound
		}
		for _, li := range st.lines {
			if st.tiers[li.TierID].EventID == id {
				return repository.ErrConflict
			}
		}
		for tid, t := range st.tiers {
			if t.EventID == id {
				delete(st.tiers, tid)
			}
		}
		delete(st.events, id)
		return nil
	})
}

func (c catalog) ListEventsByStatus(ctx context.Context, status domain.EventStatus) ([]domain.Event, error) {
	out := []domain.Event{}
	err := c.v.with("catalog.ListEventsByStatus", func(st *state) error {
		for _, e := range st.events {
			if e.Status == status {
				out = append(out, e)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if !out[i].Starts.Equal(out[j].Starts) {
				return out[i].Starts.Before(out[j].Starts)
			}
			return out[i].ID < out[j].ID
		})
		return nil
	})
	return out, err
}

func (c catalog) ListEventsByOrganizer(ctx context.Context, organizerID int64) ([]domain.Event, error) {
	out := []domain.Event{}
	err := c.v.with("catalog.ListEventsByOrganizer", func(st *state) error {
		for _, e := range st.events {
			if e.OrganizerID == organizerID {
				out = append(out, e)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.After(out[j].CreatedAt)
			}
			return out[i].ID > out[j].ID
		})
		return nil
	})
	return out, err
}

func (c catalog) SetEventStatus(ctx context.Context, id int64, status domain.EventStatus) error {
	return c.v.with("catalog.SetEventStatus", func(st *state) error {
		e, ok := st.events[id]
		if !ok {
			return repository.ErrNotFound
		}
		e.Status = status
		st.events[id] = e
		return nil
	})
}

func (c catalog) CreateTier(ctx context.Context, t *domain.TicketTier) (int64, error) {
	var id int64
	err := c.v.with("catalog.CreateTier", func(st *state) error {
		if _, ok := st.events[t.EventID]; !ok {
			return repository.ErrNotFound
		}
		id = st.id()
		tt := *t
		tt.ID = id
		tt.Sold = 0
		tt.CreatedAt = time.Now()
		st.tiers[id] = tt
		return nil
	})
	return id, err
}

func (c catalog) GetTier(ctx context.Context, id int64) (*domain.TicketTier, error) {
	var out *domain.TicketTier
	err := c.v.with("catalog.GetTier", func(st *state) error {
		t, ok := st.tiers[id]
		if !ok {
			return repository.ErrNotFound
		}
		out = &t
		return nil
	})
	return out, err
}

func (c catalog) UpdateTierPrice(ctx context.Context, id int64, priceCents int64) error {
	return c.v.with("catalog.UpdateTierPrice", func(st *state) error {
		t, ok := st.tiers[id]
		if !ok {
			return repository.ErrNotFound
		}
		t.PriceCents = priceCents
		st.tiers[id] = t
		return nil
	})
}

func (c catalog) ListTiers(ctx context.Context, eventID int64) ([]domain.TicketTier, error) {
	out := []domain.TicketTier{}
	err := c.v.with("catalog.ListTiers", func(st *state) error {
		for _, t := range st.tiers {
			if t.EventID == eventID {
				out = append(out, t)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].PriceCents != out[j].PriceCents {
				return out[i].PriceCents < out[j].PriceCents
			}
			return out[i].ID < out[j].ID
		})
		return nil
	})
	return out, err
}

type inventory struct{ v *view }

func (i inventory) ReserveCheck(ctx context.Context, tierID int64, quantity int) (bool, error) {
	var ok bool
	err := i.v.with("inventory.ReserveCheck", func(st *state) error {
		t, found := st.tiers[tierID]
		if !found {
			return repository.ErrNotFound
		}
		ok = t.Quantity-t.Sold >= quantity
		return nil
	})
	return ok, err
}

func (i inventory) Commit(ctx context.Context, tierID int64, quantity int) error {
	return i.v.with("inventory.Commit", func(st *state) error {
		if quantity <= 0 {
			return fmt.Errorf("quantity must be positive, got %d", quantity)
		}
		t, found := st.tiers[tierID]
		if !found {
			return repository.ErrNotFound
		}
		if t.Sold+quantity > t.Quantity {
			return repository.ErrInsufficientInventory
		}
		t.Sold += quantity
		st.tiers[tierID] = t
		return nil
	})
}

type orders struct{ v *view }

func (o orders) Create(ctx context.Context, ord *domain.Order) error {
	return o.v.with("orders.Create", func(st *state) error {
		if _, ok := st.orders[ord.ID]; ok {
			return repository.ErrConflict
		}
		now := time.Now()
		ord.CreatedAt, ord.UpdatedAt = now, now
		st.orders[ord.ID] = *ord
		return nil
	})
}

func (o orders) AddLineItem(ctx context.Context, li *domain.OrderLineItem) (int64, error) {
	var id int64
	err := o.v.with("orders.AddLineItem", func(st *state) error {
		if _, ok := st.orders[li.OrderID]; !ok {
			return repository.ErrNotFound
		}
		id = st.id()
		cp := *li
		cp.ID = id
		cp.Attendees = append([]domain.Identity(nil), li.Attendees...)
		st.lines[id] = cp
		return nil
	})
	return id, err
}

func (o orders) Get(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	var out *domain.Order
	err := o.v.with("orders.Get", func(st *state) error {
		ord, ok := st.orders[id]
		if !ok {
			return repository.ErrNotFound
		}
		out = &ord
		return nil
	})
	return out, err
}

func (o orders) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return o.Get(ctx, id)
}

func (o orders) ListLineItems(ctx context.Context, orderID uuid.UUID) ([]domain.OrderLineItem, error) {
	var out []domain.OrderLineItem
	err := o.v.with("orders.ListLineItems", func(st *state) error {
		for _, li := range st.lines {
			if li.OrderID == orderID {
				li.Attendees = append([]domain.Identity(nil), li.Attendees...)
				out = append(out, li)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return nil
	})
	return out, err
}

func (o orders) ListByAttendee(ctx context.Context, attendeeID int64, limit, offset int) ([]domain.Order, error) {
	out := []domain.Order{}
	err := o.v.with("orders.ListByAttendee", func(st *state) error {
		var all []domain.Order
		for _, ord := range st.orders {
			if ord.AttendeeID == attendeeID {
				all = append(all, ord)
			}
		}
		sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
		for i := offset; i < len(all) && len(out) < limit; i++ {
			out = append(out, all[i])
		}
		return nil
	})
	return out, err
}

func (o orders) MarkPaid(ctx context.Context, id uuid.UUID, receipt string) error {
	return o.v.with("orders.MarkPaid", func(st *state) error {
		ord, ok := st.orders[id]
		if !ok || ord.Status != domain.OrderPending {
			return repository.ErrConflict
		}
		ord.Status = domain.OrderPaid
		ord.ReceiptToken = &receipt
		ord.UpdatedAt = time.Now()
		st.orders[id] = ord
		return nil
	})
}

func (o orders) MarkFailed(ctx context.Context, id uuid.UUID, receipt *string, reason string) error {
	return o.v.with("orders.MarkFailed", func(st *state) error {
		ord, ok := st.orders[id]
		if !ok || ord.Status != domain.OrderPending {
			return repository.ErrConflict
		}
		ord.Status = domain.OrderFailed
		ord.ReceiptToken = receipt
		ord.FailureReason = &reason
		ord.UpdatedAt = time.Now()
		st.orders[id] = ord
		return nil
	})
}

func (o orders) AddPaymentRequest(ctx context.Context, pr *domain.PaymentRequest) error {
	return o.v.with("orders.AddPaymentRequest", func(st *state) error {
		if _, ok := st.requests[pr.CheckoutRequestID]; ok {
			return repository.ErrConflict
		}
		if _, ok := st.orders[pr.OrderID]; !ok {
			return repository.ErrNotFound
		}
		cp := *pr
		cp.CreatedAt = time.Now()
		st.requests[pr.CheckoutRequestID] = cp
		return nil
	})
}

func (o orders) GetPaymentRequest(ctx context.Context, checkoutRequestID string) (*domain.PaymentRequest, error) {
	var out *domain.PaymentRequest
	err := o.v.with("orders.GetPaymentRequest", func(st *state) error {
		pr, ok := st.requests[checkoutRequestID]
		if !ok {
			return repository.ErrNotFound
		}
		out = &pr
		return nil
	})
	return out, err
}

func (o orders) ListStalePaymentRequests(ctx context.Context, from, to time.Time, limit int) ([]domain.PaymentRequest, error) {
	var out []domain.PaymentRequest
	err := o.v.with("orders.ListStalePaymentRequests", func(st *state) error {
		for _, pr := range st.requests {
			if pr.CreatedAt.Before(from) || !pr.CreatedAt.Before(to) {
				continue
			}
			if st.orders[pr.OrderID].Status != domain.OrderPending {
				continue
			}
			out = append(out, pr)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
		if len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

type passes struct{ v *view }

func (p passes) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := p.v.with("passes.CodeExists", func(st *state) error {
		for _, ep := range st.passes {
			if ep.Code == code {
				exists = true
				break
			}
		}
		return nil
	})
	return exists, err
}

func (p passes) CountByLineItem(ctx context.Context, lineItemID int64) (int, error) {
	var n int
	err := p.v.with("passes.CountByLineItem", func(st *state) error {
		for _, ep := range st.passes {
			if ep.LineItemID == lineItemID {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (p passes) Insert(ctx context.Context, ep *domain.EventPass) (int64, error) {
	var id int64
	err := p.v.with("passes.Insert", func(st *state) error {
		if _, ok := st.lines[ep.LineItemID]; !ok {
			return repository.ErrNotFound
		}
		for _, existing := range st.passes {
			if existing.Code == ep.Code {
				return repository.ErrConflict
			}
		}
		id = st.id()
		cp := *ep
		cp.ID = id
		cp.CreatedAt = time.Now()
		ep.CreatedAt = cp.CreatedAt
		st.passes[id] = cp
		return nil
	})
	return id, err
}

func (p passes) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.EventPass, error) {
	out := []domain.EventPass{}
	err := p.v.with("passes.ListByOrder", func(st *state) error {
		for _, ep := range st.passes {
			if st.lines[ep.LineItemID].OrderID == orderID {
				out = append(out, ep)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return nil
	})
	return out, err
}

func (p passes) ListByEvent(ctx context.Context, eventID int64) ([]domain.EventAttendee, error) {
	out := []domain.EventAttendee{}
	err := p.v.with("passes.ListByEvent", func(st *state) error {
		for _, ep := range st.passes {
			t := st.tiers[st.lines[ep.LineItemID].TierID]
			if t.EventID == eventID {
				out = append(out, domain.EventAttendee{EventPass: ep, TierType: t.Type})
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return nil
	})
	return out, err
}

func (p passes) GetWithOrganizer(ctx context.Context, passID int64) (*domain.EventPass, int64, error) {
	var (
		out         *domain.EventPass
		organizerID int64
	)
	err := p.v.with("passes.GetWithOrganizer", func(st *state) error {
		ep, ok := st.passes[passID]
		if !ok {
			return repository.ErrNotFound
		}
		t := st.tiers[st.lines[ep.LineItemID].TierID]
		organizerID = st.events[t.EventID].OrganizerID
		out = &ep
		return nil
	})
	return out, organizerID, err
}

func (p passes) SetCheckedIn(ctx context.Context, passID int64, checkedIn bool) error {
	return p.v.with("passes.SetCheckedIn", func(st *state) error {
		ep, ok := st.passes[passID]
		if !ok {
			return repository.ErrNotFound
		}
		ep.CheckedIn = checkedIn
		st.passes[passID] = ep
		return nil
	})
}

// audit entries live outside the transactional state: they survive rollbacks
// the same way rows appended through the pool do.
type audit struct{ v *view }

func (a audit) Append(ctx context.Context, e *domain.AuditEntry) error {
	if a.v.tx != nil {
		if err := a.v.store.fault("audit.Append"); err != nil {
			return err
		}
	}

	a.v.store.stateMu.Lock()
	defer a.v.store.stateMu.Unlock()

	e.ID = int64(len(a.v.store.audit) + 1)
	e.CreatedAt = time.Now()
	a.v.store.audit = append(a.v.store.audit, *e)
	return nil
}
