package sink

import (
	"context"
	"sync"

	"github.com/wyn/collab/internal/domain"
)

// Queue decouples emitters from a downstream sink. Emit never blocks and never
// drops; events reach the downstream sink in emission order from a single
// goroutine.
type Queue struct {
	next Sink

	mu     sync.Mutex
	items  []domain.Event
	closed bool

	signal chan struct{}
	done   chan struct{}
}

// NewQueue starts a queue draining into next.
func NewQueue(next Sink) *Queue {
	q := &Queue{
		next:   next,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Emit enqueues event. Events emitted after Close are dropped.
func (q *Queue) Emit(event domain.Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, event)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	q.mu.Unlock()
}

// Close stops accepting events and waits until the backlog is delivered or
// ctx expires.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.signal)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		_, ok := <-q.signal
		for {
			q.mu.Lock()
			batch := q.items
			q.items = nil
			q.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, e := range batch {
				q.next.Emit(e)
			}
		}
		if !ok {
			return
		}
	}
}
