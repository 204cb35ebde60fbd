// Package sequencer provides the named single-flight action queue that
// serialises the concierge's world-mutating work.
//
// Handlers are registered per action name; queued items run strictly one at
// a time on a single worker, ordered by priority (higher first, FIFO within
// a priority). Items carry an optional delay before their first attempt and
// a post-delay the worker idles for after completion, whatever the outcome.
package sequencer

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned by [Sequencer.Enqueue] after [Sequencer.Run] has
// returned.
var ErrClosed = errors.New("sequencer: closed")

// ErrUnknownAction is returned when enqueueing an item whose action has no
// registered handler.
var ErrUnknownAction = errors.New("sequencer: unknown action")

// Handler executes one queued item. It must run its own compensation on
// failure: the sequencer treats a returned error as final and moves on.
type Handler func(ctx context.Context, payload any) error

// Item is one unit of queued work.
type Item struct {
	// Action names the registered handler to run.
	Action string

	// Payload is passed through to the handler untouched.
	Payload any

	// Delay is idle time before the item's handler starts.
	Delay time.Duration

	// PostDelay is idle time after the handler finishes, before the next
	// item may start.
	PostDelay time.Duration

	// Priority orders the queue; higher runs first, ties run FIFO.
	Priority int

	seq uint64
}

// Enqueuer is the submission side of a [Sequencer]. The dialogue layer
// depends on this interface so tests can capture submissions.
type Enqueuer interface {
	Enqueue(it Item) error
}

// Sequencer is a single-flight work queue. Construct with [New], register
// handlers, then drive it with [Run]; all methods are safe for concurrent
// use.
type Sequencer struct {
	mu       sync.Mutex
	handlers map[string]Handler
	queue    itemHeap
	nextSeq  uint64
	closed   bool
	wake     chan struct{}
}

var _ Enqueuer = (*Sequencer)(nil)

// New creates an empty sequencer.
func New() *Sequencer {
	return &Sequencer{
		handlers: make(map[string]Handler),
		wake:     make(chan struct{}, 1),
	}
}

// Register binds h to the action name. Registering a name twice is an error.
func (s *Sequencer) Register(action string, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[action]; ok {
		return fmt.Errorf("sequencer: action %q already registered", action)
	}
	s.handlers[action] = h
	return nil
}

// Unregister removes the handler for action. Queued items for the action
// are discarded when they surface. Unregistering an unknown action is a
// no-op, so teardown paths can call it unconditionally.
func (s *Sequencer) Unregister(action string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, action)
}

// Enqueue appends it to the queue. The item's handler must already be
// registered.
func (s *Sequencer) Enqueue(it Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.handlers[it.Action]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, it.Action)
	}
	s.nextSeq++
	it.seq = s.nextSeq
	heap.Push(&s.queue, it)

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending reports the number of queued, not yet started items.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Run processes items one at a time until ctx is cancelled, then marks the
// sequencer closed and returns ctx.Err(). A handler that is already running
// observes the cancellation through its own ctx.
func (s *Sequencer) Run(ctx context.Context) error {
	defer func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		var it Item
		ok := s.queue.Len() > 0
		if ok {
			it = heap.Pop(&s.queue).(Item)
		}
		s.mu.Unlock()

		if !ok {
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := s.process(ctx, it); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

// process runs a single item to completion, honouring delay and post-delay.
func (s *Sequencer) process(ctx context.Context, it Item) error {
	if err := wait(ctx, it.Delay); err != nil {
		return err
	}

	s.mu.Lock()
	h, ok := s.handlers[it.Action]
	s.mu.Unlock()
	if !ok {
		slog.Debug("discarding item for unregistered action", "action", it.Action)
		return nil
	}

	if err := h(ctx, it.Payload); err != nil {
		slog.Error("action failed", "action", it.Action, "err", err)
	}

	return wait(ctx, it.PostDelay)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// itemHeap orders items by descending priority, then ascending sequence.
type itemHeap []Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
