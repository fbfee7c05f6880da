package peer

import (
	"errors"
	"fmt"

	"github.com/jeeyo/battleship-p2p/internal/signalclient"
)

var (
	// ErrInvalidRoomCode is returned for codes failing the format check.
	ErrInvalidRoomCode = errors.New("invalid room code")

	// ErrRoomNotFound and ErrRoomFull surface the relay's join failures.
	ErrRoomNotFound = signalclient.ErrRoomNotFound
	ErrRoomFull     = signalclient.ErrRoomFull

	ErrChannelNotReady  = errors.New("channel not ready")
	ErrPeerDisconnected = errors.New("peer disconnected")
	ErrConnectionFailed = errors.New("connection failed")
	ErrSignalingError   = errors.New("signaling server error")
	ErrTimeout          = errors.New("timeout")
	ErrSessionClosed    = errors.New("session closed")
)

// ConnError wraps a connection-layer failure with the operation that
// produced it.
type ConnError struct {
	Op      string
	Err     error
	Details string
}

func (e *ConnError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// NewError wraps err with the failing operation.
func NewError(op string, err error) *ConnError {
	return &ConnError{Op: op, Err: err}
}

// WrapError wraps err with the failing operation and extra detail.
func WrapError(op string, err error, details string) *ConnError {
	return &ConnError{Op: op, Err: err, Details: details}
}
