package events

import (
	"sync"

	"go.uber.org/zap"
)

// subscriberBuffer bounds each subscriber's pending queue. A subscriber
// that falls further behind loses the oldest events rather than blocking
// the pipeline.
const subscriberBuffer = 256

// Broker fans events out to per-session subscribers. Publish never
// blocks; per-session ordering is preserved for each subscriber.
type Broker struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string][]chan Event)}
}

// Subscribe registers an observer for one session. The returned cancel
// function unregisters it and closes the channel.
func (b *Broker) Subscribe(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[sessionID] = append(b.subs[sessionID], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[sessionID]
		for i, c := range subs {
			if c == ch {
				b.subs[sessionID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
		if len(b.subs[sessionID]) == 0 {
			delete(b.subs, sessionID)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of the session. When a
// subscriber's buffer is full the oldest pending event is dropped to
// make room, keeping the publisher non-blocking. The read lock is held
// across the sends: cancel closes channels under the write lock, so a
// channel can never close between the subscriber lookup and the send.
func (b *Broker) Publish(sessionID string, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[sessionID] {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
				zap.L().Warn("events: dropping oldest event for slow subscriber",
					zap.String("session_id", sessionID),
					zap.String("kind", ev.Kind()),
				)
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
