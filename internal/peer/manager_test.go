package peer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jeeyo/battleship-p2p/internal/signalclient"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	client := signalclient.NewClient("http://127.0.0.1:1", testLogger())
	m := NewManager(client, Options{
		ConnectTimeout: 50 * time.Millisecond,
		Logger:         testLogger(),
	})
	t.Cleanup(func() { m.Close() })
	return m
}

func TestJoinRoomRejectsBadCode(t *testing.T) {
	m := newTestManager(t)

	for _, code := range []string{"", "AB1", "AB12CDE", "AB12C!"} {
		if err := m.JoinRoom(context.Background(), code); !errors.Is(err, ErrInvalidRoomCode) {
			t.Errorf("JoinRoom(%q) = %v, want ErrInvalidRoomCode", code, err)
		}
	}
}

func TestJoinRoomNormalizesBeforeValidating(t *testing.T) {
	m := newTestManager(t)

	// Lowercase input passes validation and proceeds to the relay call,
	// which fails against the unreachable server rather than on format.
	err := m.JoinRoom(context.Background(), "ab12cd")
	if errors.Is(err, ErrInvalidRoomCode) {
		t.Fatalf("lowercase code rejected as invalid: %v", err)
	}
	if err == nil {
		t.Fatal("join against unreachable relay succeeded")
	}
}

func TestWaitForConnectedTimesOut(t *testing.T) {
	m := newTestManager(t)

	err := m.WaitForConnected(context.Background())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("WaitForConnected = %v, want ErrConnectionFailed", err)
	}
}

func TestWaitForConnectedHonorsContext(t *testing.T) {
	client := signalclient.NewClient("http://127.0.0.1:1", testLogger())
	m := NewManager(client, Options{ConnectTimeout: time.Hour, Logger: testLogger()})
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := m.WaitForConnected(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitForConnected = %v, want context deadline", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	m := newTestManager(t)

	if err := m.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if m.State() != StateClosed {
		t.Fatalf("state = %v, want closed", m.State())
	}
}

func TestSendWithoutChannel(t *testing.T) {
	m := newTestManager(t)

	if err := m.Send([]byte("B4")); !errors.Is(err, ErrChannelNotReady) {
		t.Fatalf("Send = %v, want ErrChannelNotReady", err)
	}
	if err := m.SendBestEffort([]byte("B4")); !errors.Is(err, ErrChannelNotReady) {
		t.Fatalf("SendBestEffort = %v, want ErrChannelNotReady", err)
	}
}

func TestConnErrorUnwrap(t *testing.T) {
	err := WrapError("connect", ErrConnectionFailed, "no channel opened")
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatal("wrapped error lost its sentinel")
	}
	if got := err.Error(); got != "connect: connection failed (no channel opened)" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestWireFrameRoundTrip(t *testing.T) {
	data, err := encodeWire(&wireMessage{Type: wireTypePing, T: 12345})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg, err := decodeWire(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != wireTypePing || msg.T != 12345 {
		t.Fatalf("decoded %+v, want ping nonce 12345", msg)
	}

	if _, err := decodeWire([]byte{0xc1}); err == nil {
		t.Fatal("decoding a reserved byte succeeded")
	}
}
