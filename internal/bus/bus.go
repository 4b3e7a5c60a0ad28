// Package bus is the in-process publish/subscribe fabric connecting the
// background jobs to live consumers (the WebSocket hub). Topics are created
// on first use; subscribers get buffered channels and slow subscribers drop
// messages rather than stall publishers.
package bus

import (
	"sync"

	"marketatlas/internal/logging"
)

// Well-known topics.
const (
	TopicNews        = "news"
	TopicTaskUpdates = "task_updates"
)

const subscriberBuffer = 64

// Message is one published event.
type Message struct {
	Topic   string
	Payload interface{}
}

type subscriber struct {
	ch chan Message
}

// Bus fans published messages out to topic subscribers.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[*subscriber]struct{}
	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string]map[*subscriber]struct{})}
}

// Subscribe registers for a topic. The returned channel closes when cancel
// is called or the bus shuts down.
func (b *Bus) Subscribe(topic string) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: make(chan Message, subscriberBuffer)}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*subscriber]struct{})
	}
	b.topics[topic][sub] = struct{}{}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.topics[topic]; ok {
			if _, present := subs[sub]; present {
				delete(subs, sub)
				close(sub.ch)
			}
		}
	}
	return sub.ch, cancel
}

// Publish delivers a payload to all current subscribers of the topic. A
// subscriber whose buffer is full misses the message.
func (b *Bus) Publish(topic string, payload interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	msg := Message{Topic: topic, Payload: payload}
	for sub := range b.topics[topic] {
		select {
		case sub.ch <- msg:
		default:
			logging.Get(logging.CategoryWS).Warn("Dropping %s message for slow subscriber", topic)
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.topics {
		for sub := range subs {
			close(sub.ch)
		}
		delete(b.topics, topic)
	}
}
