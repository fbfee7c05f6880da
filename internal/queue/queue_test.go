package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jeeyo/battleship-p2p/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDropsOldestAtCapacity(t *testing.T) {
	// Never started: nothing is dequeued while we fill it.
	q := New(func(context.Context, *protocol.Message) error { return nil }, time.Millisecond, nil, testLogger())

	for i := 0; i < Capacity+1; i++ {
		q.Enqueue(&protocol.Message{
			Type:      protocol.TypeICECandidate,
			SenderID:  "host-1",
			MessageID: fmt.Sprintf("msg-%d", i),
		})
	}

	if got := q.Len(); got != Capacity {
		t.Fatalf("Len = %d, want %d", got, Capacity)
	}

	// msg-0 was evicted; msg-1 is now the head and order is preserved.
	for i := 1; i <= Capacity; i++ {
		item := q.popHead()
		if item == nil {
			t.Fatalf("queue exhausted at %d", i)
		}
		want := fmt.Sprintf("msg-%d", i)
		if item.msg.MessageID != want {
			t.Fatalf("position %d holds %s, want %s", i, item.msg.MessageID, want)
		}
	}
}

func TestDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var delivered []string

	q := New(func(_ context.Context, msg *protocol.Message) error {
		mu.Lock()
		delivered = append(delivered, msg.MessageID)
		mu.Unlock()
		return nil
	}, time.Millisecond, nil, testLogger())
	defer q.Stop()

	for i := 0; i < 5; i++ {
		q.Enqueue(&protocol.Message{Type: protocol.TypeOffer, MessageID: fmt.Sprintf("msg-%d", i)})
	}
	q.Start(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(delivered)
		mu.Unlock()
		if n == 5 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("delivered %d of 5", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, id := range delivered {
		if want := fmt.Sprintf("msg-%d", i); id != want {
			t.Fatalf("delivery %d = %s, want %s", i, id, want)
		}
	}
}

func TestDropsAfterRetriesExhausted(t *testing.T) {
	dropped := make(chan *protocol.Message, 1)
	sendErr := errors.New("relay unreachable")

	q := New(func(context.Context, *protocol.Message) error { return sendErr },
		time.Millisecond,
		func(msg *protocol.Message, err error) {
			if !errors.Is(err, sendErr) {
				t.Errorf("drop error = %v, want send error", err)
			}
			dropped <- msg
		}, testLogger())
	defer q.Stop()

	q.Enqueue(&protocol.Message{Type: protocol.TypeOffer, MessageID: "doomed"})
	q.Start(context.Background())

	// Backoff between attempts is 2^1 + 2^2 seconds.
	select {
	case msg := <-dropped:
		if msg.MessageID != "doomed" {
			t.Fatalf("dropped %s, want doomed", msg.MessageID)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("message never dropped")
	}

	if got := q.Len(); got != 0 {
		t.Fatalf("Len after drop = %d, want 0", got)
	}
}

func TestStopClearsPending(t *testing.T) {
	q := New(func(context.Context, *protocol.Message) error { return nil }, time.Millisecond, nil, testLogger())

	for i := 0; i < 10; i++ {
		q.Enqueue(&protocol.Message{Type: protocol.TypeOffer})
	}
	q.Stop()

	if got := q.Len(); got != 0 {
		t.Fatalf("Len after Stop = %d, want 0", got)
	}

	q.Enqueue(&protocol.Message{Type: protocol.TypeOffer})
	if got := q.Len(); got != 0 {
		t.Fatalf("Enqueue after Stop stored a message")
	}
}

func TestAssignsMessageID(t *testing.T) {
	q := New(func(context.Context, *protocol.Message) error { return nil }, time.Millisecond, nil, testLogger())
	defer q.Stop()

	msg := &protocol.Message{Type: protocol.TypeOffer, SenderID: "host-1"}
	q.Enqueue(msg)
	if msg.MessageID == "" {
		t.Fatal("Enqueue did not assign a messageId")
	}
}
