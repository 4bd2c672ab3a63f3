// Package eventbus fans typed Events out to N subscribers with a
// per-subscriber backpressure policy: listeners are snapshotted under a
// short lock, then delivery happens outside the lock over bounded
// per-subscriber channels rather than synchronous callbacks.
package eventbus

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

const (
	subscriberQueueSize = 256
	heartbeatInterval   = 30 * time.Second
)

// Event is a tagged record delivered to subscribers. Fields carries the
// type-specific payload (e.g. {serverId, name, socksPort} for "connected").
type Event struct {
	Type      string                 `json:"event"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"-"`
}

// MarshalJSON flattens Fields alongside Type/Timestamp so every WS frame
// always carries its event type and timestamp at the top level.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(e.Fields)+2)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["event"] = e.Type
	out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339)
	return json.Marshal(out)
}

// New constructs an Event with the given type and fields, timestamped now.
func New(eventType string, fields map[string]interface{}) Event {
	return Event{Type: eventType, Timestamp: time.Now().UTC(), Fields: fields}
}

// Handle identifies a subscription for Unsubscribe.
type Handle uint64

type subscriber struct {
	handle Handle
	ch     chan Event
}

// Bus is the Event Bus (C3): Subscribe/Unsubscribe/Publish with FIFO
// per-subscriber delivery and O(subscribers) broadcast cost.
type Bus struct {
	mu        sync.Mutex
	subs      map[Handle]*subscriber
	nextHandle Handle
	lastPublish time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewBus creates a Bus and starts its idle-heartbeat ticker.
func NewBus() *Bus {
	b := &Bus{
		subs:   make(map[Handle]*subscriber),
		stopCh: make(chan struct{}),
	}
	go b.heartbeatLoop()
	return b
}

// Subscribe registers a new subscriber and returns its handle and receive
// channel. The channel is bounded (256); a slow consumer is disconnected
// rather than blocking Publish.
func (b *Bus) Subscribe() (Handle, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextHandle++
	h := b.nextHandle
	sub := &subscriber{handle: h, ch: make(chan Event, subscriberQueueSize)}
	b.subs[h] = sub
	return h, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	sub, ok := b.subs[h]
	if ok {
		delete(b.subs, h)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish delivers event to every current subscriber. Delivery is
// non-blocking per subscriber: a full queue evicts that subscriber with a
// "slow consumer" diagnostic instead of blocking the publisher or other
// subscribers.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	b.lastPublish = time.Now()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			log.Printf("eventbus: subscriber %d is a slow consumer, disconnecting", sub.handle)
			b.Unsubscribe(sub.handle)
		}
	}
}

// Close stops the heartbeat loop and disconnects all subscribers.
func (b *Bus) Close() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[Handle]*subscriber)
	b.mu.Unlock()
	for _, sub := range subs {
		close(sub.ch)
	}
}

// heartbeatLoop emits a "ping" event every 30s if the bus has been idle,
// so subscribers can distinguish a quiet connection from a dead one.
func (b *Bus) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.mu.Lock()
			idle := time.Since(b.lastPublish) >= heartbeatInterval
			b.mu.Unlock()
			if idle {
				b.Publish(New("ping", nil))
			}
		}
	}
}
