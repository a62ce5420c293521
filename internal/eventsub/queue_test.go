package eventsub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestQueueDeliversInOrder(t *testing.T) {
	q := newEventQueue()
	for _, s := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if err := q.push(json.RawMessage(s)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	ctx := context.Background()
	for _, want := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		got, err := q.recv(ctx)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if string(got) != want {
			t.Fatalf("recv = %s, want %s", got, want)
		}
	}
}

func TestQueueDrainsAfterClose(t *testing.T) {
	q := newEventQueue()
	_ = q.push(json.RawMessage(`{"n":1}`))
	q.close()

	if err := q.push(json.RawMessage(`{"n":2}`)); err != ErrQueueClosed {
		t.Fatalf("push after close = %v, want ErrQueueClosed", err)
	}

	got, err := q.recv(context.Background())
	if err != nil {
		t.Fatalf("recv of buffered payload: %v", err)
	}
	if string(got) != `{"n":1}` {
		t.Fatalf("recv = %s", got)
	}

	if _, err := q.recv(context.Background()); err != ErrQueueClosed {
		t.Fatalf("recv on drained closed queue = %v, want ErrQueueClosed", err)
	}
}

func TestQueueRecvHonorsContext(t *testing.T) {
	q := newEventQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.recv(ctx); err != context.DeadlineExceeded {
		t.Fatalf("recv = %v, want context.DeadlineExceeded", err)
	}
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := newEventQueue()
	const producers, perProducer = 8, 50

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				if err := q.push(json.RawMessage(`{}`)); err != nil {
					t.Errorf("push: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	for i := 0; i < producers*perProducer; i++ {
		if _, err := q.recv(context.Background()); err != nil {
			t.Fatalf("recv #%d: %v", i, err)
		}
	}
}
