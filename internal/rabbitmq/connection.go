// Package rabbitmq publishes order lifecycle notifications to a topic
// exchange for downstream consumers (receipts, pass delivery, refunds).
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeName = "ticksy.orders"
	ExchangeType = "topic"

	dialAttempts = 5
)

// SetupConn dials url, retrying while the broker starts, and declares the
// orders exchange.
func SetupConn(ctx context.Context, url string, logger *slog.Logger) (*amqp.Connection, *amqp.Channel, error) {
	const op = "rabbitmq.SetupConn"

	var (
		conn *amqp.Connection
		err  error
	)

	for i := 1; i <= dialAttempts; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		logger.Warn("rabbitmq dial failed", slog.Int("attempt", i), slog.Any("err", err))

		select {
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%s: dial: %w", op, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("%s: open channel: %w", op, err)
	}

	err = ch.ExchangeDeclare(
		ExchangeName,
		ExchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("%s: declare exchange: %w", op, err)
	}

	return conn, ch, nil
}
