package signalclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// RelayChannel is the fallback application-payload path: when the direct
// transport is unavailable, gameplay messages travel through the relay's
// per-role queues instead. It presents the same send/receive shape as
// the direct channel so the two paths stay interchangeable.
type RelayChannel struct {
	client   *Client
	roomCode string
	role     string
	token    string
	clientID string
	interval time.Duration
	logger   *slog.Logger

	payloads chan json.RawMessage

	mu            sync.Mutex
	seen          map[string]struct{}
	lastTimestamp int64

	done chan struct{}
	once sync.Once
}

// NewRelayChannel creates the relay payload channel for one role.
func NewRelayChannel(client *Client, roomCode, role, token, clientID string, interval time.Duration, logger *slog.Logger) *RelayChannel {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &RelayChannel{
		client:   client,
		roomCode: roomCode,
		role:     role,
		token:    token,
		clientID: clientID,
		interval: interval,
		logger:   logger,
		payloads: make(chan json.RawMessage, 32),
		seen:     make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the relay poll loop.
func (r *RelayChannel) Start(ctx context.Context) {
	go r.run(ctx)
}

// Send forwards one application payload through the relay.
func (r *RelayChannel) Send(ctx context.Context, payload json.RawMessage) error {
	select {
	case <-r.done:
		return ErrTransportClosed
	default:
	}
	return r.client.RelaySend(ctx, r.roomCode, r.role, r.token, r.clientID, payload)
}

// Payloads is the stream of relayed peer payloads, deduped and in
// relay-sequence order.
func (r *RelayChannel) Payloads() <-chan json.RawMessage {
	return r.payloads
}

// Close stops the poll loop.
func (r *RelayChannel) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

func (r *RelayChannel) run(ctx context.Context) {
	defer close(r.payloads)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.pollOnce(ctx)
		case <-r.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *RelayChannel) pollOnce(ctx context.Context) {
	r.mu.Lock()
	watermark := r.lastTimestamp
	r.mu.Unlock()

	msgs, err := r.client.RelayPoll(ctx, r.roomCode, r.role, r.token, r.clientID, watermark)
	if err != nil {
		r.logger.Debug("relay poll failed", "roomCode", r.roomCode, "error", err)
		return
	}

	for i := range msgs {
		msg := msgs[i]

		r.mu.Lock()
		if msg.Timestamp > r.lastTimestamp {
			r.lastTimestamp = msg.Timestamp
		}
		if msg.MessageID != "" {
			if _, dup := r.seen[msg.MessageID]; dup {
				r.mu.Unlock()
				continue
			}
			r.seen[msg.MessageID] = struct{}{}
		}
		r.mu.Unlock()

		select {
		case r.payloads <- msg.Payload:
		case <-r.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
