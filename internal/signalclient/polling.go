package signalclient

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeeyo/battleship-p2p/internal/protocol"
)

// DefaultPollInterval is deliberately loose: every poll is a KV read and
// the store has a write-rate ceiling.
const DefaultPollInterval = time.Second

// Polling is the pull-based signaling transport over the relay's HTTP
// queue. It keeps a timestamp watermark and a local messageId dedup set;
// the relay dedups too, but delivery is at-least-once.
type Polling struct {
	client   *Client
	roomCode string
	clientID string
	interval time.Duration
	logger   *slog.Logger

	incoming chan *protocol.Message
	paused   atomic.Bool

	mu            sync.Mutex
	seen          map[string]struct{}
	lastTimestamp int64

	done chan struct{}
	once sync.Once
}

// NewPolling creates the polling transport for a room. Call Start.
func NewPolling(client *Client, roomCode, clientID string, interval time.Duration, logger *slog.Logger) *Polling {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Polling{
		client:   client,
		roomCode: roomCode,
		clientID: clientID,
		interval: interval,
		logger:   logger,
		incoming: make(chan *protocol.Message, 32),
		seen:     make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the poll loop.
func (p *Polling) Start(ctx context.Context) {
	go p.run(ctx)
}

// Send posts msg to the relay's signal endpoint.
func (p *Polling) Send(ctx context.Context, msg *protocol.Message) error {
	select {
	case <-p.done:
		return ErrTransportClosed
	default:
	}

	if msg.RoomCode == "" {
		msg.RoomCode = p.roomCode
	}
	if msg.SenderID == "" {
		msg.SenderID = p.clientID
	}
	_, err := p.client.Signal(ctx, msg)
	return err
}

// Messages returns the stream of peer messages.
func (p *Polling) Messages() <-chan *protocol.Message {
	return p.incoming
}

// Pause suspends polling while the direct channel is healthy.
func (p *Polling) Pause() { p.paused.Store(true) }

// Resume restarts polling, e.g. when recovery needs the relay again.
func (p *Polling) Resume() { p.paused.Store(false) }

// Close stops the poll loop.
func (p *Polling) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *Polling) run(ctx context.Context) {
	defer close(p.incoming)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if p.paused.Load() {
				continue
			}
			p.pollOnce(ctx)
		case <-p.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Polling) pollOnce(ctx context.Context) {
	p.mu.Lock()
	watermark := p.lastTimestamp
	p.mu.Unlock()

	msgs, err := p.client.Poll(ctx, p.roomCode, watermark, p.clientID)
	if err != nil {
		p.logger.Debug("poll failed", "roomCode", p.roomCode, "error", err)
		return
	}

	for i := range msgs {
		msg := msgs[i]

		p.mu.Lock()
		if msg.Timestamp > p.lastTimestamp {
			p.lastTimestamp = msg.Timestamp
		}
		if msg.MessageID != "" {
			if _, dup := p.seen[msg.MessageID]; dup {
				p.mu.Unlock()
				continue
			}
			p.seen[msg.MessageID] = struct{}{}
		}
		p.mu.Unlock()

		select {
		case p.incoming <- &msg:
		case <-p.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
