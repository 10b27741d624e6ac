// Package payment starts M-Pesa payments for pending orders and reconciles
// their asynchronous results into terminal order states.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirinyoku/ticksy/internal/audit"
	"github.com/kirinyoku/ticksy/internal/domain"
	"github.com/kirinyoku/ticksy/internal/gateway/mpesa"
	"github.com/kirinyoku/ticksy/internal/repository"
	"github.com/kirinyoku/ticksy/internal/uow"
)

const (
	ReasonGatewayRejected       = "gateway_rejected"
	ReasonInsufficientInventory = "insufficient_inventory"
	ReasonInvalidStagedData     = "invalid_staged_data"
)

// Gateway is the push-payment provider.
type Gateway interface {
	Initiate(ctx context.Context, req mpesa.InitiateRequest) (*mpesa.Handle, error)
	Query(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResult, error)
}

// Issuer turns staged identities into passes inside a unit of work.
type Issuer interface {
	Issue(ctx context.Context, repos repository.Repositories, li domain.OrderLineItem, identities []domain.Identity) ([]domain.EventPass, error)
}

// EventNotifier announces that an event's availability changed.
type EventNotifier interface {
	PublishEventChanged(ctx context.Context, eventID int64) error
}

// OrderNotifier announces terminal order transitions to downstream consumers.
type OrderNotifier interface {
	PublishOrderEvent(ctx context.Context, ev domain.OrderEvent) error
}

type Config struct {
	TransactionDesc string
	SweepMinAge     time.Duration
	SweepMaxAge     time.Duration
	SweepBatch      int
}

type Service struct {
	uow     uow.UnitOfWork
	gateway Gateway
	issuer  Issuer
	audit   audit.Recorder
	events  EventNotifier
	orders  OrderNotifier
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time
}

// New wires the service. orders may be nil when no broker is configured.
func New(
	u uow.UnitOfWork,
	gw Gateway,
	issuer Issuer,
	rec audit.Recorder,
	events EventNotifier,
	orders OrderNotifier,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if cfg.TransactionDesc == "" {
		cfg.TransactionDesc = "Ticket order"
	}

	if cfg.SweepMinAge <= 0 {
		cfg.SweepMinAge = 2 * time.Minute
	}

	if cfg.SweepMaxAge <= cfg.SweepMinAge {
		cfg.SweepMaxAge = 24 * time.Hour
	}

	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 50
	}

	return &Service{
		uow:     u,
		gateway: gw,
		issuer:  issuer,
		audit:   rec,
		events:  events,
		orders:  orders,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Callback is a gateway result, independent of the provider's wire format.
type Callback struct {
	CorrelationKey string
	ResultCode     int
	ResultDesc     string
	ReceiptToken   string
}

func (c Callback) Success() bool {
	return c.ResultCode == 0
}

// FromMpesa converts a parsed STK callback.
func FromMpesa(cb *mpesa.Callback) Callback {
	return Callback{
		CorrelationKey: cb.CheckoutRequestID,
		ResultCode:     cb.ResultCode,
		ResultDesc:     cb.ResultDesc,
		ReceiptToken:   cb.ReceiptNumber,
	}
}

type InitiateResult struct {
	OrderID           uuid.UUID `json:"order_id"`
	CheckoutRequestID string    `json:"checkout_request_id"`
	CustomerMessage   string    `json:"customer_message"`
	Amount            int64     `json:"amount"`
}

// Initiate sends a payment prompt for a pending order to the payer's phone
// and records the gateway's request id so the callback can find the order.
// An order may be initiated again after any failure; every request id stays
// mapped to the order.
//
// Parameters:
//   - ctx: request-scoped context.
//   - attendeeID: the caller, who must own the order.
//   - orderID: the order to pay.
//   - phone: the M-Pesa number to charge.
//   - ip: caller address, for the audit trail.
//
// Returns:
//   - *InitiateResult: the gateway's request id and message for the customer.
//   - error: payment.ErrOrderNotFound, payment.ErrOrderNotPending, payment.ErrInvalidPhone.
//   - error: payment.ErrGatewayUnavailable if the gateway could not be reached;
//     the order stays pending.
//   - error: payment.ErrGatewayRejected if the gateway refused; the order is failed.
func (s *Service) Initiate(ctx context.Context, attendeeID int64, orderID uuid.UUID, phone, ip string) (*InitiateResult, error) {
	const op = "service.payment.Initiate"

	order, err := s.uow.Repos().Orders().Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrOrderNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if order.AttendeeID != attendeeID {
		return nil, fmt.Errorf("%s: %w", op, ErrOrderNotFound)
	}
	if order.Status != domain.OrderPending {
		return nil, fmt.Errorf("%s: %w", op, ErrOrderNotPending)
	}

	msisdn, err := mpesa.NormalizePhone(phone)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidPhone)
	}

	amount := GatewayAmount(order.TotalCents)

	entry := domain.AuditEntry{
		UserID:     audit.UserRef(attendeeID),
		Action:     "payment.initiate",
		TargetType: "order",
		TargetID:   order.ID.String(),
		IPAddress:  ip,
		Extra:      map[string]any{"amount": amount},
	}

	h, err := s.gateway.Initiate(ctx, mpesa.InitiateRequest{
		Amount:           amount,
		Phone:            msisdn,
		AccountReference: accountReference(order.ID),
		Description:      s.cfg.TransactionDesc,
	})
	if err != nil {
		entry.Status = domain.AuditFailed
		entry.Extra["error"] = err.Error()

		if errors.Is(err, mpesa.ErrGatewayRejected) {
			if ferr := s.failRejected(ctx, order.ID); ferr != nil {
				s.logger.ErrorContext(ctx, "mark rejected order failed",
					slog.String("order_id", order.ID.String()), slog.Any("err", ferr))
			}
			entry.Extra["reason"] = ReasonGatewayRejected
		}

		s.audit.Record(ctx, entry)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	entry.Extra["checkout_request_id"] = h.CheckoutRequestID

	err = s.uow.Do(ctx, func(ctx context.Context, repos repository.Repositories, after func(uow.AfterCommit)) error {
		return repos.Orders().AddPaymentRequest(ctx, &domain.PaymentRequest{
			CheckoutRequestID: h.CheckoutRequestID,
			MerchantRequestID: h.MerchantRequestID,
			OrderID:           order.ID,
			Amount:            amount,
			Phone:             msisdn,
		})
	})
	if err != nil {
		// The prompt is already on the phone; the callback for it will be
		// unknown. The audit entry keeps the request id for manual follow-up.
		s.logger.ErrorContext(ctx, "payment request not recorded",
			slog.String("order_id", order.ID.String()),
			slog.String("correlation_key", h.CheckoutRequestID),
			slog.Any("err", err),
		)
		entry.Status = domain.AuditFailed
		entry.Extra["error"] = err.Error()
		s.audit.Record(ctx, entry)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	entry.Status = domain.AuditSuccess
	s.audit.Record(ctx, entry)

	return &InitiateResult{
		OrderID:           order.ID,
		CheckoutRequestID: h.CheckoutRequestID,
		CustomerMessage:   h.CustomerMessage,
		Amount:            amount,
	}, nil
}

func (s *Service) failRejected(ctx context.Context, orderID uuid.UUID) error {
	return s.uow.Do(ctx, func(ctx context.Context, repos repository.Repositories, after func(uow.AfterCommit)) error {
		o, err := repos.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != domain.OrderPending {
			return nil
		}

		if err := repos.Orders().MarkFailed(ctx, orderID, nil, ReasonGatewayRejected); err != nil {
			return err
		}

		o.Status = domain.OrderFailed
		after(func(ctx context.Context) {
			s.notifyOrder(ctx, domain.OrderEventFailed, o, "", ReasonGatewayRejected)
		})
		return nil
	})
}

// GatewayAmount converts cents to the whole currency units M-Pesa accepts,
// rounding up so the merchant is never short.
func GatewayAmount(cents int64) int64 {
	return (cents + 99) / 100
}

// accountReference fits the order id into M-Pesa's 12 character limit.
func accountReference(id uuid.UUID) string {
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:12])
}
