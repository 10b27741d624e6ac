package service

import (
	"log/slog"

	"github.com/kirinyoku/ticksy/internal/audit"
	redisrepo "github.com/kirinyoku/ticksy/internal/repository/redis"
	"github.com/kirinyoku/ticksy/internal/service/admin"
	"github.com/kirinyoku/ticksy/internal/service/orders"
	"github.com/kirinyoku/ticksy/internal/service/passes"
	"github.com/kirinyoku/ticksy/internal/service/payment"
	"github.com/kirinyoku/ticksy/internal/service/query"
	"github.com/kirinyoku/ticksy/internal/uow"
)

type Services struct {
	Orders  *orders.Service
	Payment *payment.Service
	Passes  *passes.Service
	Query   *query.Service
	Admin   *admin.Service
}

type Config struct {
	Orders  orders.Config
	Payment payment.Config
	Query   query.Config
}

// OrderNotifier is satisfied by the RabbitMQ publisher; nil disables
// order notifications.
type OrderNotifier interface {
	payment.OrderNotifier
	admin.OrderNotifier
}

func NewServices(
	u uow.UnitOfWork,
	rec *audit.Log,
	cache *redisrepo.Cache,
	pubsub *redisrepo.EventsPubSub,
	gateway payment.Gateway,
	notifier OrderNotifier,
	logger *slog.Logger,
	cfg Config,
) *Services {
	issuer := passes.New(u, rec)

	var (
		payNotifier   payment.OrderNotifier
		adminNotifier admin.OrderNotifier
	)
	if notifier != nil {
		payNotifier, adminNotifier = notifier, notifier
	}

	return &Services{
		Orders:  orders.New(u, rec, cfg.Orders),
		Payment: payment.New(u, gateway, issuer, rec, pubsub, payNotifier, logger, cfg.Payment),
		Passes:  issuer,
		Query:   query.New(u.Repos(), cache, cfg.Query),
		Admin:   admin.New(u, rec, pubsub, adminNotifier, logger),
	}
}
