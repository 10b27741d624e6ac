package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kirinyoku/ticksy/internal/domain"
)

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type OrderPublisher struct {
	mu sync.Mutex
	ch Channel
}

func NewOrderPublisher(ch Channel) *OrderPublisher {
	return &OrderPublisher{ch: ch}
}

// PublishOrderEvent sends ev as a persistent JSON message routed by its type.
func (p *OrderPublisher) PublishOrderEvent(ctx context.Context, ev domain.OrderEvent) error {
	const op = "rabbitmq.OrderPublisher.PublishOrderEvent"

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx,
		ExchangeName,
		ev.Type,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.OrderID.String() + ":" + ev.Type,
			Timestamp:    ev.OccurredAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
