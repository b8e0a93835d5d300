// Events: a small pub/sub bus BRB instances use to announce phase changes
// (echo sent, ready sent, delivered) so observability code (metrics, logs)
// can react without being wired directly into the hot path.
//
// Grounded on internal/fabric/event_bus.go's LocalEventBus; generalised
// from trust/billing domain events to BRB lifecycle events.
package brb

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// EventType classifies a BRB lifecycle event.
type EventType string

const (
	EventEchoSent     EventType = "brb.echo.sent"
	EventReadySent    EventType = "brb.ready.sent"
	EventDelivered    EventType = "brb.delivered"
	EventEquivocation EventType = "brb.equivocation"
)

// Event describes one BRB instance's phase transition.
type Event struct {
	ID    string    `json:"id"`
	Type  EventType `json:"type"`
	Idx   uint64    `json:"idx"`
	Epoch uint64    `json:"epoch"`
}

// Handler processes an Event.
type Handler func(ctx context.Context, ev Event)

// EventBus is a minimal publish/subscribe surface for BRB lifecycle events.
type EventBus interface {
	Publish(ctx context.Context, ev Event)
	Subscribe(t EventType, h Handler) (unsubscribe func())
}

// LocalEventBus is an in-process, single-replica EventBus. A replica that
// wants cross-process fanout of these events (e.g. a shared dashboard) can
// wrap a LocalEventBus with its own Redis- or NATS-backed implementation
// without BRB itself changing.
type LocalEventBus struct {
	mu   sync.RWMutex
	subs map[EventType][]subEntry
}

type subEntry struct {
	id int
	h  Handler
}

// NewLocalEventBus creates an empty LocalEventBus.
func NewLocalEventBus() *LocalEventBus {
	return &LocalEventBus{subs: make(map[EventType][]subEntry)}
}

// NewEvent stamps ev with a fresh trace id; the id has no protocol meaning,
// it only helps correlate log lines for one delivery across replicas.
func NewEvent(t EventType, idx, epoch uint64) Event {
	return Event{ID: uuid.NewString(), Type: t, Idx: idx, Epoch: epoch}
}

func (b *LocalEventBus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	handlers := append([]subEntry(nil), b.subs[ev.Type]...)
	b.mu.RUnlock()

	for _, entry := range handlers {
		h := entry.h
		go func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("brb: event handler panicked", "type", ev.Type, "recover", r)
				}
			}()
			h(ctx, ev)
		}()
	}
}

func (b *LocalEventBus) Subscribe(t EventType, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := len(b.subs[t]) + 1
	b.subs[t] = append(b.subs[t], subEntry{id: id, h: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.subs[t]
		for i, e := range entries {
			if e.id == id {
				b.subs[t] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}
