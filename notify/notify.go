// Package notify tells reviewers when a task is submitted for review.
//
// The engine hands notices to a BusNotifier, which publishes them on the
// bus without blocking the request. A Mailer subscribed to the bus mails
// every member of the reviewing group.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/taskboard/comms"
	"github.com/GoCodeAlone/taskboard/task"
)

const defaultPublishTimeout = 30 * time.Second

// BusNotifier publishes review notices on a bus from background goroutines.
type BusNotifier struct {
	bus     comms.Bus
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewBusNotifier creates a BusNotifier. Each publish, including the
// subscribers it runs, is bounded by timeout.
func NewBusNotifier(bus comms.Bus, timeout time.Duration, logger *slog.Logger) *BusNotifier {
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BusNotifier{bus: bus, timeout: timeout, logger: logger}
}

// Notify publishes n and returns immediately. The publish outlives the
// caller's context but keeps its values.
func (b *BusNotifier) Notify(ctx context.Context, n task.Notice) {
	msg := ReviewMessage(n)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
		defer cancel()
		if err := b.bus.Publish(ctx, msg); err != nil {
			b.logger.Warn("review notification failed",
				slog.String("task", n.TaskID),
				slog.Any("err", err),
			)
		}
	}()
}

// Wait blocks until every in-flight publish has finished.
func (b *BusNotifier) Wait() { b.wg.Wait() }

// metadata keys of a review request message
const (
	metaTaskID      = "task_id"
	metaTaskName    = "task_name"
	metaApp         = "app"
	metaActor       = "actor"
	metaGroup       = "group"
	metaReviewGroup = "review_group"
)

// ReviewMessage encodes n as a broadcast review request.
func ReviewMessage(n task.Notice) *comms.Message {
	return &comms.Message{
		Type:    comms.TypeReviewRequested,
		From:    n.Actor,
		Topic:   n.TaskID,
		Subject: fmt.Sprintf("Task %q submitted for review", n.TaskName),
		Metadata: map[string]string{
			metaTaskID:      n.TaskID,
			metaTaskName:    n.TaskName,
			metaApp:         n.App,
			metaActor:       n.Actor,
			metaGroup:       n.Group,
			metaReviewGroup: n.ReviewGroup,
		},
	}
}

// NoticeFrom decodes a review request. It reports false for any other
// message.
func NoticeFrom(msg *comms.Message) (task.Notice, bool) {
	if msg == nil || msg.Type != comms.TypeReviewRequested || msg.Metadata[metaTaskID] == "" {
		return task.Notice{}, false
	}
	md := msg.Metadata
	return task.Notice{
		TaskID:      md[metaTaskID],
		TaskName:    md[metaTaskName],
		App:         md[metaApp],
		Actor:       md[metaActor],
		Group:       md[metaGroup],
		ReviewGroup: md[metaReviewGroup],
	}, true
}
