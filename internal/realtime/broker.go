package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"tradevane/internal/logger"
)

// Event is one SSE payload: a named event scoped to a topic (instrument).
type Event struct {
	Topic string
	Name  string
	Data  []byte
}

type client struct {
	topic string
	ch    chan Event
}

// Broker fans analysis events out to SSE subscribers. Slow clients are
// skipped, never waited on.
type Broker struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	broadcast chan Event
}

func NewBroker() *Broker {
	return &Broker{
		clients:   make(map[*client]struct{}),
		broadcast: make(chan Event, 1000),
	}
}

// Run pumps broadcasts to subscribers until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			for c := range b.clients {
				close(c.ch)
				delete(b.clients, c)
			}
			b.mu.Unlock()
			return
		case evt := <-b.broadcast:
			b.mu.RLock()
			for c := range b.clients {
				if c.topic != "" && c.topic != evt.Topic {
					continue
				}
				select {
				case c.ch <- evt:
				default:
					// Slow subscriber, drop the event for this client.
				}
			}
			b.mu.RUnlock()
		}
	}
}

// Subscribe registers a subscriber for one topic. An empty topic receives
// everything. The returned cancel func must be called when the client leaves.
func (b *Broker) Subscribe(topic string) (<-chan Event, func()) {
	c := &client{topic: topic, ch: make(chan Event, 16)}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	total := len(b.clients)
	b.mu.Unlock()
	logger.Debugf("realtime: subscriber joined topic=%q total=%d", topic, total)

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.clients[c]; ok {
			delete(b.clients, c)
			close(c.ch)
		}
		total := len(b.clients)
		b.mu.Unlock()
		logger.Debugf("realtime: subscriber left topic=%q total=%d", topic, total)
	}
	return c.ch, cancel
}

// Publish broadcasts an event. Non-blocking: if the broker's buffer is full
// the event is dropped rather than stalling the pipeline.
func (b *Broker) Publish(topic, name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Warnf("realtime: marshal %s event: %v", name, err)
		return
	}
	select {
	case b.broadcast <- Event{Topic: topic, Name: name, Data: data}:
	default:
		logger.Warnf("realtime: broadcast buffer full, dropping %s event", name)
	}
}
