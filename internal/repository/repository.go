package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/ticksy/internal/domain"
)

// Repositories is a set of repositories bound to one database handle:
// the pool outside a unit of work, the transaction inside one.
type Repositories interface {
	Directory() DirectoryRepository
	Catalog() CatalogRepository
	Inventory() InventoryRepository
	Orders() OrderRepository
	Passes() PassRepository
	Audit() AuditRepository
}

// DirectoryRepository is the read side of users and tiers used by checkout.
type DirectoryRepository interface {
	GetUser(ctx context.Context, id int64) (*domain.User, error)
	GetTierWithEvent(ctx context.Context, tierID int64) (*domain.TierWithEvent, error)
}

type CatalogRepository interface {
	CreateEvent(ctx context.Context, e *domain.Event) (int64, error)
	GetEvent(ctx context.Context, id int64) (*domain.Event, error)
	// UpdateEvent rewrites title, venue and schedule. Owner and status are kept.
	UpdateEvent(ctx context.Context, e *domain.Event) error
	// DeleteEvent removes an event with its tiers, or fails with ErrConflict
	// while any order line references one of them.
	DeleteEvent(ctx context.Context, id int64) error
	// ListEventsByStatus orders by start time, earliest first.
	ListEventsByStatus(ctx context.Context, status domain.EventStatus) ([]domain.Event, error)
	// ListEventsByOrganizer orders by creation time, newest first.
	ListEventsByOrganizer(ctx context.Context, organizerID int64) ([]domain.Event, error)
	SetEventStatus(ctx context.Context, id int64, status domain.EventStatus) error
	CreateTier(ctx context.Context, t *domain.TicketTier) (int64, error)
	GetTier(ctx context.Context, id int64) (*domain.TicketTier, error)
	UpdateTierPrice(ctx context.Context, id int64, priceCents int64) error
	ListTiers(ctx context.Context, eventID int64) ([]domain.TicketTier, error)
}

// InventoryRepository is the ledger over ticket_tiers.sold.
type InventoryRepository interface {
	// ReserveCheck is advisory: it reads without locking and may be stale.
	ReserveCheck(ctx context.Context, tierID int64, quantity int) (bool, error)
	// Commit atomically consumes quantity units or fails with
	// ErrInsufficientInventory, never leaving sold above quantity.
	Commit(ctx context.Context, tierID int64, quantity int) error
}

type OrderRepository interface {
	Create(ctx context.Context, o *domain.Order) error
	AddLineItem(ctx context.Context, li *domain.OrderLineItem) (int64, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	ListLineItems(ctx context.Context, orderID uuid.UUID) ([]domain.OrderLineItem, error)
	ListByAttendee(ctx context.Context, attendeeID int64, limit, offset int) ([]domain.Order, error)
	// MarkPaid and MarkFailed only move a pending order; ErrConflict otherwise.
	MarkPaid(ctx context.Context, id uuid.UUID, receipt string) error
	MarkFailed(ctx context.Context, id uuid.UUID, receipt *string, reason string) error
	AddPaymentRequest(ctx context.Context, pr *domain.PaymentRequest) error
	GetPaymentRequest(ctx context.Context, checkoutRequestID string) (*domain.PaymentRequest, error)
	// ListStalePaymentRequests returns requests created in [from, to) whose order is still pending.
	ListStalePaymentRequests(ctx context.Context, from, to time.Time, limit int) ([]domain.PaymentRequest, error)
}

type PassRepository interface {
	CodeExists(ctx context.Context, code string) (bool, error)
	CountByLineItem(ctx context.Context, lineItemID int64) (int, error)
	Insert(ctx context.Context, p *domain.EventPass) (int64, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.EventPass, error)
	ListByEvent(ctx context.Context, eventID int64) ([]domain.EventAttendee, error)
	// GetWithOrganizer returns the pass and the organizer of the event it admits to.
	GetWithOrganizer(ctx context.Context, passID int64) (*domain.EventPass, int64, error)
	SetCheckedIn(ctx context.Context, passID int64, checkedIn bool) error
}

type AuditRepository interface {
	Append(ctx context.Context, e *domain.AuditEntry) error
}
