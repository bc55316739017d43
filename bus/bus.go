// Package bus implements the local publish/subscribe fabric and timer
// manager. The consensus engine publishes its events here and runs all of
// its timers through TimerManager; the catch-up syncer, transaction pool
// and network layer call each other's methods directly. Adapted from the
// teacher's events.Emitter, generalized to bounded, per-subscriber
// channels with drop-on-full semantics (spec.md §4.H).
package bus

import (
	"log"
	"sync"
)

// Topic labels what kind of event was published.
type Topic string

const (
	TopicBlockCommitted  Topic = "block_committed"
	TopicTxAdmitted      Topic = "tx_admitted"
	TopicTxEvicted       Topic = "tx_evicted"
	TopicViewChanged     Topic = "view_changed"
	TopicPeerSynced      Topic = "peer_synced"
	TopicInstanceAborted Topic = "instance_aborted"
)

// Event is the payload delivered to subscribers. Data is left as `any` so
// publishers can hand over a concrete struct (e.g. *core.Block) without the
// bus needing to know about every package's types.
type Event struct {
	Topic Topic
	Data  any
}

// defaultSubscriberCapacity bounds each subscriber's inbox. A slow or
// stalled subscriber drops events rather than blocking the publisher or
// growing memory without bound.
const defaultSubscriberCapacity = 64

// Bus is a bounded, non-blocking pub/sub broker. Unlike the teacher's
// Emitter, which called handlers synchronously in the publisher's
// goroutine, Bus hands each subscriber its own buffered channel — a slow
// subscriber can never stall consensus or the tx pool, it just falls
// behind and starts missing events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic][]*subscription
	dropped     uint64
}

type subscription struct {
	ch chan Event
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[Topic][]*subscription)}
}

// Subscribe returns a receive-only channel that will carry every Event
// published to topic from this point on. The channel has bounded capacity;
// callers must keep draining it.
func (b *Bus) Subscribe(topic Topic) <-chan Event {
	sub := &subscription{ch: make(chan Event, defaultSubscriberCapacity)}
	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.mu.Unlock()
	return sub.ch
}

// Publish delivers ev to every subscriber of topic. A subscriber whose
// channel is full has the event dropped for it; publishing itself never
// blocks.
func (b *Bus) Publish(topic Topic, data any) {
	b.mu.RLock()
	subs := b.subscribers[topic]
	b.mu.RUnlock()

	ev := Event{Topic: topic, Data: data}
	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			b.mu.Lock()
			b.dropped++
			n := b.dropped
			b.mu.Unlock()
			log.Printf("[bus] dropped event on topic %s (subscriber full, total dropped=%d)", topic, n)
		}
	}
}

// DroppedCount returns the cumulative number of events dropped across all
// topics since the bus was created, for diagnostics/metrics.
func (b *Bus) DroppedCount() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
