// Package events carries operational events from the publication
// engine and the throughput samplers to observers such as the
// Prometheus exporter and tests. The bus is nil-safe: Publish on a nil
// *Bus does nothing, so producers never need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceMQTT identifies the publication engine.
	SourceMQTT = "mqtt"
	// SourceNetmon identifies a network throughput sampler.
	SourceNetmon = "netmon"
)

// Kind constants describe the type of event within a source.
const (
	// KindConnState signals a transport state change.
	// Data: state, reason_code, fatal.
	KindConnState = "conn_state"
	// KindRegistered signals a discovery document was acknowledged.
	// Data: entity, topic.
	KindRegistered = "registered"
	// KindPublished signals a state value was transmitted.
	// Data: entity, topic, value.
	KindPublished = "published"
	// KindSkipped signals the publish cache suppressed a value.
	// Data: entity, value.
	KindSkipped = "skipped"
	// KindPublishFailed signals a publish did not complete.
	// Data: entity, topic, error.
	KindPublishFailed = "publish_failed"

	// KindSample signals a sampler stored a new rate pair in bytes/s.
	// Data: interface, tx, rx.
	KindSample = "sample"
	// KindSamplerExit signals a sampler goroutine returned.
	// Data: interface, error (empty when cancelled).
	KindSamplerExit = "sampler_exit"
)

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. A subscriber whose buffer is
// full misses events; publishers never wait.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber that has buffer space. A zero
// Timestamp is filled in with the current time.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing an event built from its parts.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of future events with room for bufSize
// pending events. Callers must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown
// or already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
