package broker

import (
	"context"
	"log/slog"
	"sync"

	"go-chat-stream/internal/models"
)

// MemoryBroker is an in-process Broker for single-process deployments and tests.
type MemoryBroker struct {
	mu          sync.RWMutex
	subscribers map[string]map[*memorySubscription]struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subscribers: make(map[string]map[*memorySubscription]struct{})}
}

func (b *MemoryBroker) Publish(ctx context.Context, conversationID string, event models.StreamEvent) error {
	channel := models.ChannelName(conversationID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.subscribers[channel]
	if len(subs) == 0 {
		slog.Debug("No subscribers for event", "channel", channel, "type", event.Type)
		return nil
	}
	for sub := range subs {
		sub.box.put(event)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, conversationID string) (Subscription, error) {
	sub := &memorySubscription{
		broker:  b,
		channel: models.ChannelName(conversationID),
		box:     newMailbox(),
	}
	b.mu.Lock()
	if b.subscribers[sub.channel] == nil {
		b.subscribers[sub.channel] = make(map[*memorySubscription]struct{})
	}
	b.subscribers[sub.channel][sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// Subscribers returns the number of live subscriptions on the conversation's channel.
func (b *MemoryBroker) Subscribers(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[models.ChannelName(conversationID)])
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[string]map[*memorySubscription]struct{})
	b.mu.Unlock()
	for _, set := range subs {
		for sub := range set {
			sub.box.stop()
		}
	}
	return nil
}

func (b *MemoryBroker) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subscribers[sub.channel]
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subscribers, sub.channel)
	}
}

type memorySubscription struct {
	broker  *MemoryBroker
	channel string
	box     *mailbox
	once    sync.Once
}

func (s *memorySubscription) Events() <-chan models.StreamEvent { return s.box.out }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.broker.remove(s)
		s.box.stop()
	})
	return nil
}
