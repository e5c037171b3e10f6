// Package bus decouples the webhook transport from the ingest pipeline and
// carries server-side events to WebSocket observers.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/chatrelay/internal/wire"
)

// Event is a server-side event broadcast to observers (WebSocket clients).
type Event struct {
	Name    string      `json:"name"` // e.g. "message.stored", "handoff.triggered", "reply.sent"
	Tenant  string      `json:"tenant,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// Event names emitted by the pipeline.
const (
	EventMessageStored    = "message.stored"
	EventReplySent        = "reply.sent"
	EventHandoffTriggered = "handoff.triggered"
	EventTenantEvicted    = "tenant.evicted"
)

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageBus queues inbound webhook events for the pipeline consumer and
// fans out server events to subscribers. The webhook handler acknowledges
// the sender as soon as PublishInbound succeeds; everything after that is
// asynchronous.
type MessageBus struct {
	inbound chan wire.InboundEvent

	mu       sync.RWMutex
	handlers map[string]EventHandler
	closed   bool
}

// New creates a MessageBus with the given inbound queue depth.
func New(depth int) *MessageBus {
	if depth <= 0 {
		depth = 256
	}
	return &MessageBus{
		inbound:  make(chan wire.InboundEvent, depth),
		handlers: make(map[string]EventHandler),
	}
}

// PublishInbound queues an inbound event. Returns false when the queue is
// full — the caller still acks the webhook (the provider would otherwise
// retry into the same congestion) but must report the drop.
func (b *MessageBus) PublishInbound(evt wire.InboundEvent) bool {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return false
	}
	select {
	case b.inbound <- evt:
		return true
	default:
		slog.Error("inbound queue full, dropping event",
			"message_id", evt.MessageID, "from", evt.From)
		return false
	}
}

// ConsumeInbound blocks until an inbound event is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (wire.InboundEvent, bool) {
	select {
	case <-ctx.Done():
		return wire.InboundEvent{}, false
	case evt, ok := <-b.inbound:
		return evt, ok
	}
}

// Close stops accepting inbound events.
func (b *MessageBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}

// Subscribe registers an event handler under an id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes a handler.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers an event to all subscribers. Handlers must not block.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(event)
	}
}
