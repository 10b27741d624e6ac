package domain

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleAttendee  Role = "attendee"
	RoleOrganizer Role = "organizer"
	RoleAdmin     Role = "admin"
)

type EventStatus string

const (
	EventPending  EventStatus = "pending"
	EventApproved EventStatus = "approved"
	EventRejected EventStatus = "rejected"
)

type OrderStatus string

const (
	OrderPending OrderStatus = "pending"
	OrderPaid    OrderStatus = "paid"
	OrderFailed  OrderStatus = "failed"
)

// Terminal reports whether no further transition is accepted from s.
func (s OrderStatus) Terminal() bool {
	return s == OrderPaid || s == OrderFailed
}

type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Role      Role   `json:"role"`
	Active    bool   `json:"active"`
}

type Event struct {
	ID          int64       `json:"id"`
	OrganizerID int64       `json:"organizer_id"`
	Title       string      `json:"title"`
	Venue       string      `json:"venue"`
	Starts      time.Time   `json:"starts_at"`
	Ends        time.Time   `json:"ends_at"`
	Status      EventStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}

// TicketTier is a priced class of ticket with its own capacity.
// Sold is only ever changed by the inventory ledger.
type TicketTier struct {
	ID         int64     `json:"id"`
	EventID    int64     `json:"event_id"`
	Type       string    `json:"type"`
	PriceCents int64     `json:"price_cents"`
	Quantity   int       `json:"quantity"`
	Sold       int       `json:"sold"`
	CreatedAt  time.Time `json:"created_at"`
}

func (t TicketTier) Available() int {
	if t.Sold >= t.Quantity {
		return 0
	}
	return t.Quantity - t.Sold
}

// TierWithEvent is a tier joined with the fields of its event the checkout needs.
type TierWithEvent struct {
	TicketTier
	EventStatus      EventStatus
	EventOrganizerID int64
}

// Identity is one attendee captured at checkout, staged on the line item
// until payment succeeds.
type Identity struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

type Order struct {
	ID            uuid.UUID   `json:"id"`
	AttendeeID    int64       `json:"attendee_id"`
	TotalCents    int64       `json:"total_cents"`
	Status        OrderStatus `json:"status"`
	ReceiptToken  *string     `json:"receipt_token,omitempty"`
	FailureReason *string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

type OrderLineItem struct {
	ID             int64      `json:"id"`
	OrderID        uuid.UUID  `json:"order_id"`
	TierID         int64      `json:"tier_id"`
	Quantity       int        `json:"quantity"`
	UnitPriceCents int64      `json:"unit_price_cents"`
	Attendees      []Identity `json:"attendees"`
}

func (li OrderLineItem) SubtotalCents() int64 {
	return li.UnitPriceCents * int64(li.Quantity)
}

// TotalCents sums the snapshotted line subtotals.
func TotalCents(lines []OrderLineItem) int64 {
	var total int64
	for _, li := range lines {
		total += li.SubtotalCents()
	}
	return total
}

type EventPass struct {
	ID         int64     `json:"id"`
	LineItemID int64     `json:"line_item_id"`
	Code       string    `json:"code"`
	Identity   Identity  `json:"attendee"`
	CheckedIn  bool      `json:"checked_in"`
	CreatedAt  time.Time `json:"created_at"`
}

type OrderDetails struct {
	Order  Order           `json:"order"`
	Lines  []OrderLineItem `json:"lines"`
	Passes []EventPass     `json:"passes"`
}

// PaymentRequest maps a gateway correlation key to the order it was issued for.
type PaymentRequest struct {
	CheckoutRequestID string    `json:"checkout_request_id"`
	MerchantRequestID string    `json:"merchant_request_id"`
	OrderID           uuid.UUID `json:"order_id"`
	Amount            int64     `json:"amount"`
	Phone             string    `json:"phone"`
	CreatedAt         time.Time `json:"created_at"`
}

// EventAttendee is a pass with the tier it was bought under, as shown to organizers.
type EventAttendee struct {
	EventPass
	TierType string `json:"ticket_type"`
}

type AuditStatus string

const (
	AuditSuccess            AuditStatus = "success"
	AuditFailed             AuditStatus = "failed"
	AuditIgnored            AuditStatus = "ignored"
	AuditUnknownCorrelation AuditStatus = "unknown_correlation"
	AuditRefundRequired     AuditStatus = "refund_required"
	AuditRefundReview       AuditStatus = "refund_review"
)

type AuditEntry struct {
	ID         int64          `json:"id"`
	CreatedAt  time.Time      `json:"created_at"`
	UserID     *int64         `json:"user_id,omitempty"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Status     AuditStatus    `json:"status"`
	IPAddress  string         `json:"ip_address,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

const (
	OrderEventPaid           = "order.paid"
	OrderEventFailed         = "order.failed"
	OrderEventRefundRequired = "order.refund_required"
)

// OrderEvent announces that an order reached a terminal state. Type doubles
// as the routing key.
type OrderEvent struct {
	Type         string      `json:"type"`
	OrderID      uuid.UUID   `json:"order_id"`
	AttendeeID   int64       `json:"attendee_id"`
	Status       OrderStatus `json:"status"`
	TotalCents   int64       `json:"total_cents"`
	ReceiptToken string      `json:"receipt_token,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	OccurredAt   time.Time   `json:"occurred_at"`
}
