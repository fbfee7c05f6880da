// Package queue provides the client-side outbound signaling queue:
// at-least-once delivery of handshake messages to the relay with bounded
// retries. It operates before any direct transport exists and again
// during recovery, so it depends on nothing but the relay send function.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jeeyo/battleship-p2p/internal/protocol"
)

const (
	// Capacity bounds the queue; the oldest entry is dropped when a new
	// one arrives at capacity, since newer handshake data is more likely
	// to still be relevant.
	Capacity = 50

	// MaxRetries is the per-message delivery attempt ceiling.
	MaxRetries = 3
)

// SendFunc delivers one message to the relay.
type SendFunc func(ctx context.Context, msg *protocol.Message) error

// DropFunc is invoked when a message exhausts its retries.
type DropFunc func(msg *protocol.Message, err error)

// tracked wraps a queued message with its retry bookkeeping.
type tracked struct {
	msg            *protocol.Message
	retryCount     int
	queueTimestamp time.Time
}

// Queue is a bounded at-least-once delivery queue with a single in-flight
// processing loop. Failed sends are re-inserted at the head after an
// exponential backoff; exhausted messages are dropped and reported.
type Queue struct {
	send      SendFunc
	onDropped DropFunc
	interval  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	items   []*tracked
	stopped bool

	notify chan struct{}
	stop   chan struct{}
	once   sync.Once
}

// New creates a queue. interval is the cadence between successive
// dequeue attempts; it is a property of the relay backend (tight for the
// socket hub, looser for the KV-backed polling relay).
func New(send SendFunc, interval time.Duration, onDropped DropFunc, logger *slog.Logger) *Queue {
	if onDropped == nil {
		onDropped = func(*protocol.Message, error) {}
	}
	return &Queue{
		send:      send,
		onDropped: onDropped,
		interval:  interval,
		logger:    logger,
		notify:    make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// Start launches the processing loop.
func (q *Queue) Start(ctx context.Context) {
	go q.run(ctx)
}

// Enqueue appends msg, assigning a messageId if absent. At capacity the
// OLDEST entry is dropped. Enqueue after Stop is a no-op.
func (q *Queue) Enqueue(msg *protocol.Message) {
	if msg.MessageID == "" {
		msg.MessageID = protocol.NewMessageID(msg.SenderID)
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	if len(q.items) >= Capacity {
		dropped := q.items[0]
		q.items = q.items[1:]
		q.logger.Warn("signaling queue full, dropping oldest message",
			"droppedId", dropped.msg.MessageID, "droppedType", dropped.msg.Type)
	}
	q.items = append(q.items, &tracked{msg: msg, queueTimestamp: time.Now()})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len reports the number of pending messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stop halts the loop and discards all pending messages. Pending
// handshake messages after teardown are meaningless.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.items = nil
	q.mu.Unlock()
	q.once.Do(func() { close(q.stop) })
}

func (q *Queue) run(ctx context.Context) {
	for {
		item := q.popHead()
		if item == nil {
			select {
			case <-q.notify:
				continue
			case <-q.stop:
				return
			case <-ctx.Done():
				return
			}
		}

		if err := q.send(ctx, item.msg); err != nil {
			q.handleFailure(item, err)
		}

		select {
		case <-time.After(q.interval):
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) handleFailure(item *tracked, err error) {
	item.retryCount++
	if item.retryCount >= MaxRetries {
		q.logger.Error("dropping signaling message after retries",
			"messageId", item.msg.MessageID, "type", item.msg.Type, "error", err)
		q.onDropped(item.msg, err)
		return
	}

	backoff := time.Duration(1<<uint(item.retryCount)) * time.Second
	q.logger.Warn("signaling send failed, will retry",
		"messageId", item.msg.MessageID, "attempt", item.retryCount, "backoff", backoff, "error", err)

	// Re-insert at the head once the backoff elapses; the loop keeps
	// serving newer messages in the meantime.
	go func() {
		select {
		case <-time.After(backoff):
			q.pushFront(item)
			select {
			case q.notify <- struct{}{}:
			default:
			}
		case <-q.stop:
		}
	}()
}

func (q *Queue) popHead() *tracked {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item
}

func (q *Queue) pushFront(item *tracked) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.items = append([]*tracked{item}, q.items...)
}
