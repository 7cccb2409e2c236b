package events

import (
	"sync"
)

// Message is one delivery: the topic it was published on and its payload.
type Message struct {
	Event   Event
	Payload any
}

type subscriber struct {
	ch     chan Message
	topics []Event
}

// Bus fans published payloads out to subscribers without ever blocking the
// publisher. A subscriber whose buffer is full misses the delivery, and the
// miss is counted per topic.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]*subscriber

	dropMu  sync.Mutex
	dropped map[Event]uint64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[Event][]*subscriber),
		dropped: make(map[Event]uint64),
	}
}

// Subscribe returns one channel receiving every listed topic, and a func that
// detaches it and closes the channel. Calling the func twice is safe.
func (b *Bus) Subscribe(buffer int, topics ...Event) (<-chan Message, func()) {
	sub := &subscriber{ch: make(chan Message, buffer), topics: dedupe(topics)}

	b.mu.Lock()
	for _, e := range sub.topics {
		b.subs[e] = append(b.subs[e], sub)
	}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, e := range sub.topics {
				b.subs[e] = without(b.subs[e], sub)
				if len(b.subs[e]) == 0 {
					delete(b.subs, e)
				}
			}
			close(sub.ch)
		})
	}
	return sub.ch, unsub
}

// Publish delivers payload to every subscriber of e that has buffer room.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var missed uint64
	for _, sub := range b.subs[e] {
		select {
		case sub.ch <- Message{Event: e, Payload: payload}:
		default:
			missed++
		}
	}
	if missed > 0 {
		b.dropMu.Lock()
		b.dropped[e] += missed
		b.dropMu.Unlock()
	}
}

// BusStats is reported on the metrics endpoint.
type BusStats struct {
	Subscribers map[Event]int    `json:"subscribers"`
	Dropped     map[Event]uint64 `json:"dropped"`
	DroppedAll  uint64           `json:"dropped_total"`
}

// Stats returns subscriber counts and deliveries missed since start.
func (b *Bus) Stats() BusStats {
	st := BusStats{Subscribers: make(map[Event]int), Dropped: make(map[Event]uint64)}
	b.mu.RLock()
	for e, subs := range b.subs {
		st.Subscribers[e] = len(subs)
	}
	b.mu.RUnlock()

	b.dropMu.Lock()
	for e, n := range b.dropped {
		st.Dropped[e] = n
		st.DroppedAll += n
	}
	b.dropMu.Unlock()
	return st
}

func dedupe(topics []Event) []Event {
	seen := make(map[Event]bool, len(topics))
	out := make([]Event, 0, len(topics))
	for _, e := range topics {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}

func without(subs []*subscriber, sub *subscriber) []*subscriber {
	out := subs[:0:0]
	for _, s := range subs {
		if s != sub {
			out = append(out, s)
		}
	}
	return out
}
