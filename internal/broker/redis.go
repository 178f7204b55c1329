package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"go-chat-stream/internal/models"
)

// RedisBroker carries stream events over Redis Pub/Sub so that a worker process
// can reach the API instance holding the client's connection.
type RedisBroker struct {
	Client      *redis.Client
	ChannelSize int
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{Client: client, ChannelSize: 1000}
}

// Publish uses the shared command connection.
func (b *RedisBroker) Publish(ctx context.Context, conversationID string, event models.StreamEvent) error {
	data, err := Encode(event)
	if err != nil {
		return err
	}
	if err := b.Client.Publish(ctx, models.ChannelName(conversationID), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

// Subscribe opens a dedicated Pub/Sub connection; a subscribed connection cannot
// carry other commands, so it is never shared and is closed with the subscription.
func (b *RedisBroker) Subscribe(ctx context.Context, conversationID string) (Subscription, error) {
	channel := models.ChannelName(conversationID)
	ps := b.Client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	sub := &redisSubscription{ps: ps, channel: channel, box: newMailbox()}
	size := b.ChannelSize
	if size <= 0 {
		size = 100
	}
	go sub.relay(ps.Channel(redis.WithChannelSize(size)))
	return sub, nil
}

// Close is a no-op; the Redis client belongs to the caller.
func (b *RedisBroker) Close() error { return nil }

type redisSubscription struct {
	ps      *redis.PubSub
	channel string
	box     *mailbox
	once    sync.Once
}

func (s *redisSubscription) relay(ch <-chan *redis.Message) {
	for msg := range ch {
		ev, err := Decode([]byte(msg.Payload))
		if err != nil {
			slog.Warn("Dropping undecodable stream frame", "channel", s.channel, "error", err)
			continue
		}
		s.box.put(ev)
	}
}

func (s *redisSubscription) Events() <-chan models.StreamEvent { return s.box.out }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
		s.box.stop()
	})
	return err
}
