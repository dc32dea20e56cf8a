package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MEKXH/picard/internal/bus"
)

const (
	defaultMaxConcurrent = 32
	maxQueuedPerUser     = 64
)

// EventHandler handles one inbound event.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev *bus.Event) error
}

// Inbox feeds bus events to a handler. Each user's events run in arrival
// order on that user's mailbox goroutine; different users run in parallel up
// to the concurrency cap.
type Inbox struct {
	handler EventHandler
	sem     chan struct{}

	mu    sync.Mutex
	boxes map[string]*mailbox
	wg    sync.WaitGroup
}

type mailbox struct {
	queue []*bus.Event // guarded by Inbox.mu
}

// NewInbox creates an inbox. maxConcurrent <= 0 uses the default.
func NewInbox(handler EventHandler, maxConcurrent int) *Inbox {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &Inbox{
		handler: handler,
		sem:     make(chan struct{}, maxConcurrent),
		boxes:   make(map[string]*mailbox),
	}
}

// Run consumes events until the channel closes or ctx is done, then waits for
// in-flight mailboxes to finish.
func (in *Inbox) Run(ctx context.Context, events <-chan *bus.Event) error {
	defer in.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			in.enqueue(ctx, ev)
		}
	}
}

func (in *Inbox) enqueue(ctx context.Context, ev *bus.Event) {
	if ev == nil || ev.UserID == "" {
		return
	}

	in.mu.Lock()
	if box, ok := in.boxes[ev.UserID]; ok {
		if len(box.queue) >= maxQueuedPerUser {
			in.mu.Unlock()
			slog.Warn("dropping event, user mailbox full", "request_id", ev.RequestID, "user", ev.UserID)
			return
		}
		box.queue = append(box.queue, ev)
		in.mu.Unlock()
		return
	}
	box := &mailbox{queue: []*bus.Event{ev}}
	in.boxes[ev.UserID] = box
	in.mu.Unlock()

	in.wg.Add(1)
	go in.drain(ctx, ev.UserID, box)
}

func (in *Inbox) drain(ctx context.Context, userID string, box *mailbox) {
	defer in.wg.Done()
	for {
		in.mu.Lock()
		if len(box.queue) == 0 {
			delete(in.boxes, userID)
			in.mu.Unlock()
			return
		}
		ev := box.queue[0]
		box.queue[0] = nil
		box.queue = box.queue[1:]
		in.mu.Unlock()

		in.process(ctx, ev)
	}
}

func (in *Inbox) process(ctx context.Context, ev *bus.Event) {
	select {
	case in.sem <- struct{}{}:
	case <-ctx.Done():
		slog.Warn("dropping event on shutdown", "request_id", ev.RequestID, "user", ev.UserID)
		return
	}
	defer func() { <-in.sem }()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return in.handler.HandleEvent(ctx, ev)
	}()
	if err != nil {
		slog.Warn("event handling failed", "request_id", ev.RequestID, "user", ev.UserID, "kind", ev.Kind, "error", err)
	}
}

// Pending returns the number of users with queued or running events.
func (in *Inbox) Pending() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.boxes)
}
