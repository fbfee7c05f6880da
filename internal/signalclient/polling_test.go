package signalclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jeeyo/battleship-p2p/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRelay is a minimal in-memory stand-in for the relay's polling
// surface.
type fakeRelay struct {
	mu       sync.Mutex
	messages []protocol.Message
	polls    int
}

func (f *fakeRelay) push(msg protocol.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.Timestamp = time.Now().UnixMilli()
	msg.Sequence = int64(len(f.messages) + 1)
	f.messages = append(f.messages, msg)
}

func (f *fakeRelay) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func (f *fakeRelay) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /poll", func(w http.ResponseWriter, r *http.Request) {
		last, _ := strconv.ParseInt(r.URL.Query().Get("lastTimestamp"), 10, 64)
		requester := r.URL.Query().Get("requesterId")

		f.mu.Lock()
		f.polls++
		var out []protocol.Message
		for _, m := range f.messages {
			if m.Timestamp > last && m.SenderID != requester {
				out = append(out, m)
			}
		}
		f.mu.Unlock()

		if out == nil {
			out = []protocol.Message{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"messages": out})
	})
	mux.HandleFunc("POST /signal", func(w http.ResponseWriter, r *http.Request) {
		var msg protocol.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		f.push(msg)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	return mux
}

func newTestPolling(t *testing.T, relay *fakeRelay) *Polling {
	t.Helper()
	srv := httptest.NewServer(relay.handler())
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, testLogger())
	p := NewPolling(client, "AB12CD", "host-1", 10*time.Millisecond, testLogger())
	t.Cleanup(func() { p.Close() })
	return p
}

func receive(t *testing.T, p *Polling) *protocol.Message {
	t.Helper()
	select {
	case msg := <-p.Messages():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestPollingDeliversPeerMessages(t *testing.T) {
	relay := &fakeRelay{}
	p := newTestPolling(t, relay)
	p.Start(context.Background())

	relay.push(protocol.Message{Type: protocol.TypeOffer, SenderID: "guest-1", MessageID: "guest-1-1"})

	msg := receive(t, p)
	if msg.Type != protocol.TypeOffer || msg.SenderID != "guest-1" {
		t.Fatalf("received %+v, want guest-1 offer", msg)
	}
}

func TestPollingDedupsByMessageID(t *testing.T) {
	relay := &fakeRelay{}
	p := newTestPolling(t, relay)
	p.Start(context.Background())

	// Same messageId twice with fresh timestamps; only one may surface.
	relay.push(protocol.Message{Type: protocol.TypeAnswer, SenderID: "guest-1", MessageID: "guest-1-1"})
	receive(t, p)
	relay.push(protocol.Message{Type: protocol.TypeAnswer, SenderID: "guest-1", MessageID: "guest-1-1"})
	relay.push(protocol.Message{Type: protocol.TypeICECandidate, SenderID: "guest-1", MessageID: "guest-1-2"})

	msg := receive(t, p)
	if msg.MessageID != "guest-1-2" {
		t.Fatalf("received %s, want the duplicate skipped", msg.MessageID)
	}
}

func TestPollingPauseStopsTraffic(t *testing.T) {
	relay := &fakeRelay{}
	p := newTestPolling(t, relay)
	p.Start(context.Background())

	// Let it poll at least once, then pause.
	time.Sleep(50 * time.Millisecond)
	p.Pause()
	time.Sleep(30 * time.Millisecond)
	before := relay.pollCount()
	time.Sleep(100 * time.Millisecond)
	if after := relay.pollCount(); after != before {
		t.Fatalf("polled %d times while paused", after-before)
	}

	p.Resume()
	relay.push(protocol.Message{Type: protocol.TypeOffer, SenderID: "guest-1", MessageID: "guest-1-9"})
	msg := receive(t, p)
	if msg.MessageID != "guest-1-9" {
		t.Fatalf("received %s after resume", msg.MessageID)
	}
}

func TestPollingSendAfterClose(t *testing.T) {
	relay := &fakeRelay{}
	p := newTestPolling(t, relay)
	p.Close()

	err := p.Send(context.Background(), &protocol.Message{Type: protocol.TypeOffer})
	if !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("Send after Close = %v, want ErrTransportClosed", err)
	}
}

func TestPollingSendStampsIdentity(t *testing.T) {
	relay := &fakeRelay{}
	p := newTestPolling(t, relay)

	if err := p.Send(context.Background(), &protocol.Message{Type: protocol.TypeOffer}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	relay.mu.Lock()
	defer relay.mu.Unlock()
	if len(relay.messages) != 1 {
		t.Fatalf("relay holds %d messages, want 1", len(relay.messages))
	}
	if got := relay.messages[0]; got.RoomCode != "AB12CD" || got.SenderID != "host-1" {
		t.Fatalf("stored message %+v, want stamped room and sender", got)
	}
}
