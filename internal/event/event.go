// Package event is the typed publish/subscribe bus for scheduler and engine
// notifications. Subscribers (status projection, SSE forwarding, embedder
// hooks) depend only on the event shapes here, never on scheduler internals.
package event

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies a bus event.
type Type string

const (
	ActionScheduled Type = "action-scheduled"
	ActionExecuting Type = "action-executing"
	ActionCompleted Type = "action-completed"
	ActionFailed    Type = "action-failed"
)

// Event carries the minimal identifying payload; consumers hydrate details
// from storage if they need more.
type Event struct {
	Type     Type      `json:"type"`
	ChatID   string    `json:"chat_id"`
	ActionID uuid.UUID `json:"action_id"`
	At       time.Time `json:"at"`
}

// Handler receives published events. Handlers run on their own goroutine and
// must tolerate out-of-order delivery relative to other handlers.
type Handler func(Event)

// Bus fans events out to subscribers, fire-and-forget. Events are never read
// back by the publishing side.
type Bus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers []Handler
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers e to every subscriber asynchronously. A panicking handler
// is logged and isolated; it cannot affect the publisher or other handlers.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, h := range handlers {
		h := h
		go func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event: subscriber panicked", "type", e.Type, "panic", r)
				}
			}()
			h(e)
		}()
	}
}
