package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by sends to and receives from a closed queue.
var ErrQueueClosed = errors.New("eventsub: event queue closed")

// eventQueue is an unbounded MPSC queue delivering opaque JSON payloads to
// a single consumer. Events are small and scarce, so no bound is applied.
type eventQueue struct {
	mu     sync.Mutex
	buf    []json.RawMessage
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

// push appends a payload for the consumer. Fails once the queue is closed.
func (q *eventQueue) push(msg json.RawMessage) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.buf = append(q.buf, msg)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// close marks the queue terminal. Pending payloads remain receivable.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// recv returns the next payload, blocking until one arrives, the queue
// drains after being closed (ErrQueueClosed), or ctx is done.
func (q *eventQueue) recv(ctx context.Context) (json.RawMessage, error) {
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			msg := q.buf[0]
			q.buf = q.buf[1:]
			q.mu.Unlock()
			return msg, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}
