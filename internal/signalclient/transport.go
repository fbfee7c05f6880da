// Package signalclient gives the client side of the system access to the
// relay: a REST surface for room registration and ICE configuration, and
// two interchangeable signaling transports (socket push and HTTP polling)
// satisfying one delivery contract.
package signalclient

import (
	"context"
	"errors"

	"github.com/jeeyo/battleship-p2p/internal/protocol"
)

var (
	// ErrRoomExists mirrors the relay's 409 on create-room.
	ErrRoomExists = errors.New("room already exists")

	// ErrRoomNotFound mirrors the relay's 404.
	ErrRoomNotFound = errors.New("room not found")

	// ErrRoomFull mirrors the relay's 409 on join-room.
	ErrRoomFull = errors.New("room is full")

	// ErrTransportClosed is returned by Send after Close.
	ErrTransportClosed = errors.New("signaling transport closed")
)

// Transport delivers signaling messages to the peer through the relay
// and surfaces the peer's messages on a channel. Implementations never
// deliver a message authored by this client back to it.
type Transport interface {
	// Send delivers one message to the relay. Errors are transient from
	// the caller's perspective; the outbound queue retries them.
	Send(ctx context.Context, msg *protocol.Message) error

	// Messages is the stream of peer messages. It is closed when the
	// transport closes.
	Messages() <-chan *protocol.Message

	// Close tears the transport down.
	Close() error
}

// Pausable is implemented by transports that can suspend background
// polling while the direct channel is healthy.
type Pausable interface {
	Pause()
	Resume()
}
