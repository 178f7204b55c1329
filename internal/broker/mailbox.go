package broker

import (
	"sync"

	"go-chat-stream/internal/models"
)

// mailbox is an unbounded FIFO feeding a channel, so a slow reader never stalls
// the publisher and never loses or reorders events.
type mailbox struct {
	mu      sync.Mutex
	queue   []models.StreamEvent
	wake    chan struct{}
	out     chan models.StreamEvent
	done    chan struct{}
	stopped sync.Once
}

func newMailbox() *mailbox {
	m := &mailbox{
		wake: make(chan struct{}, 1),
		out:  make(chan models.StreamEvent),
		done: make(chan struct{}),
	}
	go m.pump()
	return m
}

func (m *mailbox) put(ev models.StreamEvent) {
	m.mu.Lock()
	m.queue = append(m.queue, ev)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) pump() {
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.wake:
				continue
			case <-m.done:
				return
			}
		}
		ev := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- ev:
		case <-m.done:
			return
		}
	}
}

func (m *mailbox) stop() {
	m.stopped.Do(func() { close(m.done) })
}
