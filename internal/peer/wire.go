package peer

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Data channel wire message types. Ping and pong are reserved for the
// liveness supervisor and never reach the application; everything else
// travels as an opaque data payload.
const (
	wireTypePing = "ping"
	wireTypePong = "pong"
	wireTypeData = "data"
)

// wireMessage is the msgpack envelope carried on the data channels.
type wireMessage struct {
	Type string `msgpack:"type"`

	// T is the ping nonce, echoed back verbatim in the pong.
	T int64 `msgpack:"t,omitempty"`

	// Payload is the application message for data frames.
	Payload []byte `msgpack:"payload,omitempty"`
}

func encodeWire(msg *wireMessage) ([]byte, error) {
	return msgpack.Marshal(msg)
}

func decodeWire(data []byte) (*wireMessage, error) {
	var msg wireMessage
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
