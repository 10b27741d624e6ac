package httpgin

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kirinyoku/ticksy/internal/domain"
	"github.com/kirinyoku/ticksy/internal/service/admin"
	"github.com/kirinyoku/ticksy/internal/service/orders"
)

// AttendeeInput is checked again by the orders service after trimming.
type AttendeeInput struct {
	FirstName string `json:"first_name" binding:"required"`
	LastName  string `json:"last_name" binding:"required"`
	Email     string `json:"email" binding:"required,email"`
	Phone     string `json:"phone" binding:"required"`
}

type OrderLineRequest struct {
	TierID    int64           `json:"tier_id" binding:"required"`
	Quantity  int             `json:"quantity" binding:"required,gt=0"`
	Attendees []AttendeeInput `json:"attendees" binding:"dive"`
}

type CreateOrderRequest struct {
	Lines []OrderLineRequest `json:"lines" binding:"required,min=1,dive"`
}

type InitiatePaymentRequest struct {
	Phone string `json:"phone" binding:"required"`
}

type CreateEventRequest struct {
	Title    string `json:"title" binding:"required"`
	Venue    string `json:"venue" binding:"required"`
	StartsAt string `json:"starts_at" binding:"required"`
	EndsAt   string `json:"ends_at" binding:"required"`
}

type CreateTierRequest struct {
	Type       string `json:"type" binding:"required"`
	PriceCents int64  `json:"price_cents" binding:"required,gt=0"`
	Quantity   int    `json:"quantity" binding:"required,gt=0"`
}

type UpdateTierPriceRequest struct {
	PriceCents int64 `json:"price_cents" binding:"required,gt=0"`
}

type SetEventStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=approved rejected"`
}

type FailOrderRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// FieldErrorResponse names the offending field of a rejected order.
type FieldErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field"`
}

type CapacityErrorResponse struct {
	Error     string `json:"error"`
	TierID    int64  `json:"tier_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

type CreateEventResponse struct {
	EventID int64 `json:"event_id"`
}

type CreateTierResponse struct {
	TierID int64 `json:"tier_id"`
}

type PaymentStatusResponse struct {
	OrderID      string             `json:"order_id"`
	Status       domain.OrderStatus `json:"status"`
	ReceiptToken *string            `json:"receipt_token,omitempty"`
	Reason       *string            `json:"failure_reason,omitempty"`
}

// CallbackAck is the body M-Pesa expects back from a result URL.
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func (r CreateOrderRequest) toInput(attendeeID int64, ip string) orders.CreateInput {
	lines := make([]orders.LineInput, 0, len(r.Lines))
	for _, l := range r.Lines {
		ids := make([]domain.Identity, 0, len(l.Attendees))
		for _, a := range l.Attendees {
			ids = append(ids, domain.Identity{
				FirstName: a.FirstName,
				LastName:  a.LastName,
				Email:     a.Email,
				Phone:     a.Phone,
			})
		}
		lines = append(lines, orders.LineInput{
			TierID:    l.TierID,
			Quantity:  l.Quantity,
			Attendees: ids,
		})
	}

	return orders.CreateInput{
		AttendeeID: attendeeID,
		Lines:      lines,
		IP:         ip,
	}
}

// toInput parses the schedule, answering 400 itself when it cannot.
func (r CreateEventRequest) toInput(c *gin.Context) (admin.EventInput, bool) {
	starts, err := parseRFC3339(r.StartsAt)
	if err != nil {
		badRequest(c, "invalid starts_at (RFC3339)")
		return admin.EventInput{}, false
	}
	ends, err := parseRFC3339(r.EndsAt)
	if err != nil {
		badRequest(c, "invalid ends_at (RFC3339)")
		return admin.EventInput{}, false
	}

	return admin.EventInput{
		Title:  r.Title,
		Venue:  r.Venue,
		Starts: starts,
		Ends:   ends,
	}, true
}

func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
