// Package comms provides the in-process event bus that carries task events
// and review requests to the mailer and to live clients.
package comms

import (
	"context"
	"time"
)

// MessageType identifies the kind of bus message.
type MessageType string

const (
	TypeTaskEvent       MessageType = "task_event"       // a task was created, moved, annotated or edited
	TypeReviewRequested MessageType = "review_requested" // a task reached done and waits for review
)

// Message is one unit published on the bus.
type Message struct {
	ID        string            `json:"id"`
	Type      MessageType       `json:"type"`
	From      string            `json:"from"`         // acting user
	To        string            `json:"to,omitempty"` // subscriber ID; empty broadcasts
	Topic     string            `json:"topic"`        // task ID
	Subject   string            `json:"subject"`
	Content   string            `json:"content,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Broadcast reports whether m is delivered to every subscriber.
func (m *Message) Broadcast() bool { return m.To == "" }

// Handler processes a delivered message.
type Handler func(ctx context.Context, msg *Message) error

// Bus routes messages between publishers and subscribers in one process.
type Bus interface {
	// Publish delivers msg synchronously. Broadcasts reach every
	// subscriber; addressed messages reach only the subscriber named by To.
	Publish(ctx context.Context, msg *Message) error

	// Subscribe registers a handler under subscriberID and returns a
	// function that removes it.
	Subscribe(subscriberID string, handler Handler) (unsubscribe func())

	// History returns up to limit recent messages visible to subscriberID,
	// oldest first. An empty subscriberID sees broadcasts only.
	History(subscriberID string, limit int) ([]*Message, error)
}
