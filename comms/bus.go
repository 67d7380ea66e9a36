package comms

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultHistory is the number of messages an InMemoryBus keeps.
const DefaultHistory = 1000

// InMemoryBus is a thread-safe in-process message bus.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry // subscriberID -> handlers
	history  []*Message
	maxHist  int
	nextID   int
}

type handlerEntry struct {
	id      int
	handler Handler
}

// NewInMemoryBus creates an InMemoryBus keeping the last maxHistory
// messages. Non-positive values use DefaultHistory.
func NewInMemoryBus(maxHistory int) *InMemoryBus {
	if maxHistory <= 0 {
		maxHistory = DefaultHistory
	}
	return &InMemoryBus{
		handlers: make(map[string][]handlerEntry),
		maxHist:  maxHistory,
	}
}

// Publish stamps msg with an ID and timestamp when missing, records it and
// delivers it. Handlers run on the caller's goroutine outside the lock.
func (b *InMemoryBus) Publish(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.history = append(b.history, msg)
	if len(b.history) > b.maxHist {
		b.history = b.history[len(b.history)-b.maxHist:]
	}

	var targets []Handler
	if msg.Broadcast() {
		for _, entries := range b.handlers {
			for _, e := range entries {
				targets = append(targets, e.handler)
			}
		}
	} else {
		for _, e := range b.handlers[msg.To] {
			targets = append(targets, e.handler)
		}
	}
	b.mu.Unlock()

	var errs []error
	for _, h := range targets {
		if err := h(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish %s: %d handler error(s): %w", msg.Type, len(errs), errs[0])
	}
	return nil
}

// Subscribe registers a handler for broadcasts and for messages addressed
// to subscriberID.
func (b *InMemoryBus) Subscribe(subscriberID string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[subscriberID] = append(b.handlers[subscriberID], handlerEntry{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[subscriberID]
		filtered := entries[:0]
		for _, e := range entries {
			if e.id != id {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(b.handlers, subscriberID)
		} else {
			b.handlers[subscriberID] = filtered
		}
	}
}

// History returns the most recent limit messages visible to subscriberID:
// broadcasts, messages addressed to it and messages it sent.
func (b *InMemoryBus) History(subscriberID string, limit int) ([]*Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*Message
	for i := len(b.history) - 1; i >= 0; i-- {
		m := b.history[i]
		visible := m.Broadcast() ||
			(subscriberID != "" && (m.To == subscriberID || m.From == subscriberID))
		if visible {
			result = append(result, m)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	slices.Reverse(result)
	return result, nil
}
