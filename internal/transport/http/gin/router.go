package httpgin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/kirinyoku/ticksy/internal/domain"
	redisrepo "github.com/kirinyoku/ticksy/internal/repository/redis"
	"github.com/kirinyoku/ticksy/internal/service"
	"github.com/kirinyoku/ticksy/internal/service/admin"
	"github.com/kirinyoku/ticksy/internal/service/orders"
	"github.com/kirinyoku/ticksy/internal/service/passes"
	"github.com/kirinyoku/ticksy/internal/service/payment"
	"github.com/kirinyoku/ticksy/internal/service/query"
)

// IdempotencyStore remembers the response to a request key.
type IdempotencyStore interface {
	AcquireLock(ctx context.Context, key string, lockTTL time.Duration) (bool, error)
	SaveResult(ctx context.Context, key string, jsonPayload string) error
	GetResult(ctx context.Context, key string) (string, bool, error)
	Release(ctx context.Context, key string) error
}

type Options struct {
	JWTSecret []byte
	// Idempotency and OrderLimiter may be nil.
	Idempotency  IdempotencyStore
	OrderLimiter Limiter
	// CORSOrigins is empty when any origin is allowed.
	CORSOrigins []string
}

func NewRouter(
	svcs *service.Services,
	opts Options,
	logger *slog.Logger,
	middlewares ...gin.HandlerFunc,
) *gin.Engine {
	r := gin.New()

	r.Use(RequestIDMiddleware(), LoggingMiddleware(logger), RecoveryMiddleware(logger), CORS(opts.CORSOrigins))
	for _, m := range middlewares {
		if m != nil {
			r.Use(m)
		}
	}

	// Swagger UI
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// health
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Public API
	r.GET("/events", handleListEvents(svcs))
	r.GET("/events/:id", handleGetEvent(svcs))
	r.GET("/events/:id/tiers", handleListEventTiers(svcs))

	// M-Pesa result URL
	r.POST("/payments/mpesa/callback", handleMpesaCallback(svcs, logger))

	authed := r.Group("/", Authenticate(opts.JWTSecret))

	attendee := authed.Group("/", RequireRole(domain.RoleAttendee))
	{
		attendee.POST("/orders", RateLimit(opts.OrderLimiter, logger), handleCreateOrder(svcs, opts.Idempotency))
		attendee.GET("/orders", handleListOrders(svcs))
		attendee.GET("/orders/:id", handleGetOrder(svcs))
		attendee.POST("/orders/:id/payments", handleInitiatePayment(svcs))
		attendee.GET("/payments/:checkout_id/status", handlePaymentStatus(svcs))
	}

	organizer := authed.Group("/", RequireRole(domain.RoleOrganizer))
	{
		organizer.POST("/events", handleCreateEvent(svcs))
		organizer.GET("/my-events", handleMyEvents(svcs))
		organizer.PUT("/events/:id", handleUpdateEvent(svcs))
		organizer.DELETE("/events/:id", handleDeleteEvent(svcs))
		organizer.POST("/events/:id/tiers", handleCreateTier(svcs))
		organizer.PATCH("/tiers/:id/price", handleUpdateTierPrice(svcs))
		organizer.GET("/events/:id/attendees", handleListAttendees(svcs))
		organizer.PATCH("/passes/:id/check-in", handleSetCheckedIn(svcs, true))
		organizer.PATCH("/passes/:id/check-out", handleSetCheckedIn(svcs, false))
	}

	adm := authed.Group("/admin", RequireRole(domain.RoleAdmin))
	{
		adm.PATCH("/events/:id/status", handleSetEventStatus(svcs))
		adm.POST("/orders/:id/fail", handleFailOrder(svcs))
	}

	return r
}

// --- Handlers with Swagger annotations ---

// @Summary  List approved events, earliest first
// @Success  200  {array}  domain.Event
// @Router   /events [get]
func handleListEvents(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := svcs.Query.ListApprovedEvents(c.Request.Context())
		if err != nil {
			respondErr(c, err)
			return
		}
		writeJSONWithCache(c, http.StatusOK, list, "public, max-age=30", true)
	}
}

// @Summary  Get event
// @Param    id  path  int  true  "Event ID"
// @Success  200  {object}  domain.Event
// @Failure  404  {object}  ErrorResponse
// @Router   /events/{id} [get]
func handleGetEvent(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		e, err := svcs.Query.GetEvent(c.Request.Context(), eventID)
		if err != nil {
			respondErr(c, err)
			return
		}
		// ETag + Cache-Control 60s
		writeJSONWithCache(c, http.StatusOK, e, "public, max-age=60", true)
	}
}

// @Summary  List ticket tiers with remaining availability
// @Param    id  path  int  true  "Event ID"
// @Success  200  {array}   query.TierView
// @Failure  404  {object}  ErrorResponse
// @Router   /events/{id}/tiers [get]
func handleListEventTiers(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		tiers, err := svcs.Query.ListEventTiers(c.Request.Context(), eventID)
		if err != nil {
			respondErr(c, err)
			return
		}
		// ETag + Cache-Control 15s
		writeJSONWithCache(c, http.StatusOK, tiers, "public, max-age=15", true)
	}
}

// @Summary  Place an order (idempotent)
// @Security BearerAuth
// @Param    Idempotency-Key header string false "client request key"
// @Param    req body  CreateOrderRequest true "payload"
// @Success  201 {object} domain.OrderDetails
// @Failure  400 {object} FieldErrorResponse
// @Failure  409 {object} CapacityErrorResponse "not enough tickets / idem in progress"
// @Failure  429 {object} ErrorResponse "rate limited"
// @Router   /orders [post]
func handleCreateOrder(svcs *service.Services, idem IdempotencyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		ctx := c.Request.Context()
		attendeeID := userID(c)

		idemKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
		var idemStorageKey string
		if idem != nil && idemKey != "" {
			idemStorageKey = redisrepo.KeyIdemOrder(attendeeID, idemKey)

			if payload, ok, _ := idem.GetResult(ctx, idemStorageKey); ok {
				replay(c, idemKey, payload)
				return
			}

			locked, err := idem.AcquireLock(ctx, idemStorageKey, 60*time.Second)
			if err != nil {
				respondErr(c, err)
				return
			}
			if !locked {
				if payload, ok, _ := idem.GetResult(ctx, idemStorageKey); ok {
					replay(c, idemKey, payload)
					return
				}
				c.Header("Retry-After", "1")
				c.JSON(http.StatusConflict, ErrorResponse{Error: "idempotency key in progress"})
				return
			}
		}

		details, err := svcs.Orders.Create(ctx, req.toInput(attendeeID, c.ClientIP()))
		if err != nil {
			if idemStorageKey != "" {
				_ = idem.Release(ctx, idemStorageKey)
			}
			respondErr(c, err)
			return
		}

		if idemStorageKey != "" {
			b, _ := json.Marshal(details)
			_ = idem.SaveResult(ctx, idemStorageKey, string(b))
			c.Header("Idempotency-Key", idemKey)
		}

		c.JSON(http.StatusCreated, details)
	}
}

func replay(c *gin.Context, idemKey, payload string) {
	c.Header("Idempotency-Key", idemKey)
	c.Header("Idempotent-Replayed", "true")
	c.Data(http.StatusCreated, "application/json; charset=utf-8", []byte(payload))
}

// @Summary  List my orders
// @Security BearerAuth
// @Param    limit  query int false "page size"
// @Param    offset query int false "offset"
// @Success  200 {array} domain.Order
// @Router   /orders [get]
func handleListOrders(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := parseIntDefault(c.Query("limit"), 0)
		offset := parseIntDefault(c.Query("offset"), 0)

		list, err := svcs.Orders.ListByAttendee(c.Request.Context(), userID(c), limit, offset)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

// @Summary  Get order with line items and passes
// @Security BearerAuth
// @Param    id  path  string  true  "Order ID (uuid)"
// @Success  200 {object} domain.OrderDetails
// @Failure  404 {object} ErrorResponse
// @Router   /orders/{id} [get]
func handleGetOrder(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		d, err := svcs.Orders.Get(c.Request.Context(), userID(c), orderID)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

// @Summary  Start an M-Pesa payment for an order
// @Security BearerAuth
// @Param    id  path  string  true  "Order ID (uuid)"
// @Param    req body  InitiatePaymentRequest true "payload"
// @Success  202 {object} payment.InitiateResult
// @Failure  402 {object} ErrorResponse "rejected by the gateway"
// @Failure  409 {object} ErrorResponse "order not pending"
// @Failure  503 {object} ErrorResponse "gateway unavailable"
// @Router   /orders/{id}/payments [post]
func handleInitiatePayment(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		var req InitiatePaymentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		res, err := svcs.Payment.Initiate(c.Request.Context(), userID(c), orderID, req.Phone, c.ClientIP())
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusAccepted, res)
	}
}

// @Summary  Payment status, asking the gateway if no result arrived yet
// @Security BearerAuth
// @Param    checkout_id  path  string  true  "CheckoutRequestID"
// @Success  200 {object} PaymentStatusResponse
// @Failure  404 {object} ErrorResponse
// @Router   /payments/{checkout_id}/status [get]
func handlePaymentStatus(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := svcs.Payment.Status(c.Request.Context(), userID(c), c.Param("checkout_id"))
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, PaymentStatusResponse{
			OrderID:      o.ID.String(),
			Status:       o.Status,
			ReceiptToken: o.ReceiptToken,
			Reason:       o.FailureReason,
		})
	}
}

// @Summary  Create event (pending moderation)
// @Security BearerAuth
// @Param    req body  CreateEventRequest true "payload"
// @Success  201 {object} CreateEventResponse
// @Router   /events [post]
func handleCreateEvent(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		in, ok := req.toInput(c)
		if !ok {
			return
		}
		e, err := svcs.Admin.CreateEvent(c.Request.Context(), userID(c), in)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, CreateEventResponse{EventID: e.ID})
	}
}

// @Summary  Edit an event I organize
// @Security BearerAuth
// @Param    id  path  int  true  "Event ID"
// @Param    req body  CreateEventRequest true "payload"
// @Success  200 {object} domain.Event
// @Failure  403 {object} ErrorResponse
// @Failure  404 {object} ErrorResponse
// @Router   /events/{id} [put]
func handleUpdateEvent(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		var req CreateEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		in, ok := req.toInput(c)
		if !ok {
			return
		}
		e, err := svcs.Admin.UpdateEvent(c.Request.Context(), userID(c), eventID, in)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, e)
	}
}

// @Summary  Delete a rejected event I organize
// @Security BearerAuth
// @Param    id  path  int  true  "Event ID"
// @Success  204
// @Failure  409 {object} ErrorResponse "not rejected, or has orders"
// @Router   /events/{id} [delete]
func handleDeleteEvent(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		if err := svcs.Admin.DeleteEvent(c.Request.Context(), userID(c), eventID); err != nil {
			respondErr(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// @Summary  List my events in every status, newest first
// @Security BearerAuth
// @Success  200 {array} domain.Event
// @Router   /my-events [get]
func handleMyEvents(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := svcs.Admin.ListOrganizerEvents(c.Request.Context(), userID(c))
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

// @Summary  Add a ticket tier to an event
// @Security BearerAuth
// @Param    id  path  int  true  "Event ID"
// @Param    req body  CreateTierRequest true "payload"
// @Success  201 {object} CreateTierResponse
// @Router   /events/{id}/tiers [post]
func handleCreateTier(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		var req CreateTierRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		t, err := svcs.Admin.CreateTier(c.Request.Context(), userID(c), eventID, admin.TierInput{
			Type:       req.Type,
			PriceCents: req.PriceCents,
			Quantity:   req.Quantity,
		})
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, CreateTierResponse{TierID: t.ID})
	}
}

// @Summary  Change a tier's price for future orders
// @Security BearerAuth
// @Param    id  path  int  true  "Tier ID"
// @Param    req body  UpdateTierPriceRequest true "payload"
// @Success  204
// @Router   /tiers/{id}/price [patch]
func handleUpdateTierPrice(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		tierID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		var req UpdateTierPriceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		if err := svcs.Admin.UpdateTierPrice(c.Request.Context(), userID(c), tierID, req.PriceCents); err != nil {
			respondErr(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// @Summary  List issued passes of an event
// @Security BearerAuth
// @Param    id  path  int  true  "Event ID"
// @Success  200 {array} domain.EventAttendee
// @Router   /events/{id}/attendees [get]
func handleListAttendees(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		list, err := svcs.Passes.ListEventAttendees(c.Request.Context(), userID(c), eventID)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

// @Summary  Check a pass in or out at the gate
// @Security BearerAuth
// @Param    id  path  int  true  "Pass ID"
// @Success  200 {object} domain.EventPass
// @Router   /passes/{id}/check-in [patch]
// @Router   /passes/{id}/check-out [patch]
func handleSetCheckedIn(svcs *service.Services, in bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		passID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}

		set := svcs.Passes.CheckOut
		if in {
			set = svcs.Passes.CheckIn
		}

		p, err := set(c.Request.Context(), userID(c), passID, c.ClientIP())
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

// @Summary  Approve or reject an event
// @Security BearerAuth
// @Param    id  path  int  true  "Event ID"
// @Param    req body  SetEventStatusRequest true "payload"
// @Success  204
// @Router   /admin/events/{id}/status [patch]
func handleSetEventStatus(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		var req SetEventStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		if err := svcs.Admin.SetEventStatus(c.Request.Context(), userID(c), eventID, domain.EventStatus(req.Status)); err != nil {
			respondErr(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// @Summary  Fail a pending order
// @Security BearerAuth
// @Param    id  path  string  true  "Order ID (uuid)"
// @Param    req body  FailOrderRequest true "payload"
// @Success  200 {object} domain.Order
// @Failure  409 {object} ErrorResponse "order not pending"
// @Router   /admin/orders/{id}/fail [post]
func handleFailOrder(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		var req FailOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		o, err := svcs.Admin.FailOrder(c.Request.Context(), userID(c), orderID, req.Reason)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, o)
	}
}

// --- Helpers ---

func parseInt64Param(c *gin.Context, name string) (int64, bool) {
	s := c.Param(name)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return v, true
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	v, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "invalid "+name)
		return uuid.Nil, false
	}
	return v, true
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}

func respondErr(c *gin.Context, err error) {
	if err == nil {
		c.Status(http.StatusNoContent)
		return
	}

	var (
		verr orders.ValidationError
		cerr orders.CapacityError
	)

	switch {
	// orders service
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, FieldErrorResponse{Error: verr.Reason, Field: verr.Field})
	case errors.As(err, &cerr):
		c.JSON(http.StatusConflict, CapacityErrorResponse{
			Error:     "not enough tickets left",
			TierID:    cerr.TierID,
			Requested: cerr.Requested,
			Available: cerr.Available,
		})
	case errors.Is(err, orders.ErrOrderNotFound),
		errors.Is(err, payment.ErrOrderNotFound),
		errors.Is(err, admin.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "order not found"})
	// payment service
	case errors.Is(err, payment.ErrOrderNotPending),
		errors.Is(err, admin.ErrOrderNotPending):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "order is no longer pending"})
	case errors.Is(err, payment.ErrInvalidPhone):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid phone number"})
	case errors.Is(err, payment.ErrUnknownCorrelation):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "payment not found"})
	case errors.Is(err, payment.ErrGatewayRejected):
		c.JSON(http.StatusPaymentRequired, ErrorResponse{Error: "payment request rejected"})
	case errors.Is(err, payment.ErrGatewayUnavailable):
		c.Header("Retry-After", "30")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "payment gateway unavailable"})
	// passes service
	case errors.Is(err, passes.ErrPassNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "pass not found"})
	case errors.Is(err, passes.ErrForbidden),
		errors.Is(err, admin.ErrForbidden):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "forbidden"})
	// admin and query services
	case errors.Is(err, admin.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid input"})
	case errors.Is(err, query.ErrEventNotFound),
		errors.Is(err, admin.ErrEventNotFound),
		errors.Is(err, passes.ErrEventNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "event not found"})
	case errors.Is(err, admin.ErrEventNotDeletable):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "only rejected events can be deleted"})
	case errors.Is(err, admin.ErrEventInUse):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "event has orders"})
	case errors.Is(err, admin.ErrTierNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "tier not found"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}
