package redisrepo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const eventChangedType = "event.changed"

// EventsPubSub tells every replica that an event's cached read models are
// stale: a sale moved availability, a tier was added or repriced, or the
// event was moderated.
type EventsPubSub struct {
	rdb     *redis.Client
	channel string
	// origin identifies this process in published messages.
	origin string
}

func NewEventsPubSub(rdb *redis.Client) *EventsPubSub {
	return &EventsPubSub{
		rdb:     rdb,
		channel: ChannelEventsChanged(),
		origin:  uuid.NewString(),
	}
}

type eventChanged struct {
	Type    string    `json:"type"`
	EventID int64     `json:"event_id"`
	Origin  string    `json:"origin"`
	At      time.Time `json:"at"`
}

func (p *EventsPubSub) PublishEventChanged(ctx context.Context, eventID int64) error {
	b, err := json.Marshal(eventChanged{
		Type:    eventChangedType,
		EventID: eventID,
		Origin:  p.origin,
		At:      time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	return p.rdb.Publish(ctx, p.channel, b).Err()
}

// Subscribe calls handler for every event-changed message until ctx is done.
// It returns early only if the subscription cannot be established.
func (p *EventsPubSub) Subscribe(ctx context.Context, handler func(ctx context.Context, eventID int64)) error {
	const op = "redisrepo.EventsPubSub.Subscribe"

	sub := p.rdb.Subscribe(ctx, p.channel)
	defer sub.Close()

	// The first reply confirms the subscription.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	ch := sub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			if id, ok := decodeEventChanged(m.Payload); ok {
				handler(ctx, id)
			}
		}
	}
}

// decodeEventChanged ignores payloads of other types or without an event id.
func decodeEventChanged(payload string) (int64, bool) {
	var ev eventChanged
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return 0, false
	}
	if ev.Type != eventChangedType || ev.EventID <= 0 {
		return 0, false
	}
	return ev.EventID, true
}
