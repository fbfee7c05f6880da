package signalclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jeeyo/battleship-p2p/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Socket is the push-based signaling transport over the relay's per-room
// websocket hub.
type Socket struct {
	conn     *websocket.Conn
	incoming chan *protocol.Message
	outgoing chan *protocol.Message
	done     chan struct{}
	logger   *slog.Logger
}

// DialSocket connects to the hub for the given room. The relay rejects a
// third distinct client before the upgrade, which surfaces here as a
// dial error.
func DialSocket(ctx context.Context, baseURL, roomCode, clientID, role string, logger *slog.Logger) (*Socket, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws/" + roomCode
	q := u.Query()
	q.Set("clientId", clientID)
	q.Set("role", role)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	s := &Socket{
		conn:     conn,
		incoming: make(chan *protocol.Message, 32),
		outgoing: make(chan *protocol.Message, 32),
		done:     make(chan struct{}),
		logger:   logger,
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go s.readPump()
	go s.writePump()

	return s, nil
}

// Send queues msg for delivery over the socket.
func (s *Socket) Send(ctx context.Context, msg *protocol.Message) error {
	select {
	case s.outgoing <- msg:
		return nil
	case <-s.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages returns the stream of peer messages.
func (s *Socket) Messages() <-chan *protocol.Message {
	return s.incoming
}

// Close shuts the socket down.
func (s *Socket) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	return nil
}

func (s *Socket) readPump() {
	defer func() {
		s.conn.Close()
		close(s.incoming)
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("dropping malformed relay message", "error", err)
			continue
		}

		select {
		case s.incoming <- &msg:
		case <-s.done:
			return
		}
	}
}

func (s *Socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.outgoing:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.logger.Warn("socket write failed", "error", err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
