package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/kirinyoku/ticksy/internal/audit"
	"github.com/kirinyoku/ticksy/internal/config"
	"github.com/kirinyoku/ticksy/internal/gateway/mpesa"
	"github.com/kirinyoku/ticksy/internal/postgres"
	"github.com/kirinyoku/ticksy/internal/rabbitmq"
	"github.com/kirinyoku/ticksy/internal/redis"
	postgresrepo "github.com/kirinyoku/ticksy/internal/repository/postgres"
	redisrepo "github.com/kirinyoku/ticksy/internal/repository/redis"
	"github.com/kirinyoku/ticksy/internal/service"
	"github.com/kirinyoku/ticksy/internal/service/orders"
	"github.com/kirinyoku/ticksy/internal/service/payment"
	httpgin "github.com/kirinyoku/ticksy/internal/transport/http/gin"
	"github.com/kirinyoku/ticksy/internal/uow"
)

type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	httpServer *http.Server
	services   *service.Services
	pubsub     *redisrepo.EventsPubSub

	pool *pgxpool.Pool
	rdb  *goredis.Client
	amqp *amqp.Connection
}

func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx := context.Background()

	// Initialize dependencies
	pgxPool, err := postgres.New(ctx, postgres.Config{
		DSN:      cfg.Postgres.DSN(),
		MaxConns: cfg.Postgres.MaxConns,
		AppName:  "ticksy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres: %w", err)
	}

	rdb, err := redis.New(ctx, redis.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		pgxPool.Close()
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		pool:   pgxPool,
		rdb:    rdb,
	}

	var notifier service.OrderNotifier
	if cfg.RabbitMQ.URL != "" {
		conn, ch, err := rabbitmq.SetupConn(ctx, cfg.RabbitMQ.URL, logger)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to initialize rabbitmq: %w", err)
		}
		a.amqp = conn
		notifier = rabbitmq.NewOrderPublisher(ch)
	} else {
		logger.Info("RABBITMQ_URL not set, order notifications disabled")
	}

	// Initialize repositories
	store := postgresrepo.NewStore(pgxPool)
	unit := uow.NewUoW(store)
	cache := redisrepo.NewCache(rdb)
	a.pubsub = redisrepo.NewEventsPubSub(rdb)
	limiter := redisrepo.NewSlidingWindowLimiter(rdb, "orders", cfg.RateLimit.OrdersPerMinute, time.Minute)
	idempotencyStore := redisrepo.NewIdempotencyStore(rdb, 2*time.Hour)

	gateway := mpesa.NewClient(mpesa.Config{
		BaseURL:        cfg.Mpesa.BaseURL,
		ConsumerKey:    cfg.Mpesa.ConsumerKey,
		ConsumerSecret: cfg.Mpesa.ConsumerSecret,
		ShortCode:      cfg.Mpesa.ShortCode,
		PassKey:        cfg.Mpesa.PassKey,
		CallbackURL:    cfg.Mpesa.CallbackURL,
		Timeout:        cfg.Mpesa.Timeout,
	}, nil, cache, redisrepo.KeyMpesaToken(cfg.Mpesa.ConsumerKey), logger)

	// Initialize services
	a.services = service.NewServices(
		unit,
		audit.New(store.Repos().Audit(), logger),
		cache,
		a.pubsub,
		gateway,
		notifier,
		logger,
		service.Config{
			Orders: orders.Config{},
			Payment: payment.Config{
				SweepMinAge: cfg.Sweeper.MinAge,
				SweepMaxAge: cfg.Sweeper.MaxAge,
				SweepBatch:  cfg.Sweeper.Batch,
			},
		},
	)

	// Initialize Gin router
	router := httpgin.NewRouter(a.services, httpgin.Options{
		JWTSecret:    []byte(cfg.Auth.JWTSecret),
		Idempotency:  idempotencyStore,
		OrderLimiter: limiter,
		CORSOrigins:  cfg.Server.CORSOrigins,
	}, logger)

	a.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	defer a.close()

	g, gCtx := errgroup.WithContext(ctx)

	// Start HTTP server
	g.Go(func() error {
		a.logger.Info("HTTP server listening", "host", a.cfg.Server.Host, "port", a.cfg.Server.Port)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	})

	// Drop cached event views when another replica changes them
	g.Go(func() error {
		err := a.pubsub.Subscribe(gCtx, func(ctx context.Context, eventID int64) {
			if err := a.services.Query.Invalidate(ctx, eventID); err != nil {
				a.logger.Warn("cache invalidation failed", slog.Int64("event_id", eventID), slog.Any("err", err))
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("events subscriber: %w", err)
		}
		return nil
	})

	// Ask the gateway about payments whose callback never came
	g.Go(func() error {
		if a.cfg.Sweeper.Interval <= 0 {
			a.logger.Info("payment sweeper disabled")
			return nil
		}

		ticker := time.NewTicker(a.cfg.Sweeper.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				if _, err := a.services.Payment.SweepPending(gCtx); err != nil {
					a.logger.Error("payment sweep failed", slog.Any("err", err))
				}
			}
		}
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutting down HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(ctx)
	})

	return g.Wait()
}

func (a *App) close() {
	if a.amqp != nil {
		_ = a.amqp.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
