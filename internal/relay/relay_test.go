package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jeeyo/battleship-p2p/internal/config"
	"github.com/jeeyo/battleship-p2p/internal/protocol"
	"github.com/jeeyo/battleship-p2p/internal/registry"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	store := registry.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(
		registry.New(store),
		NewLog(store),
		store,
		config.ICEConfig{STUNURLs: []string{"stun:stun.example.com:3478"}},
		NewCollector(prometheus.NewRegistry()),
		logger,
	)

	mux := http.NewServeMux()
	h.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, payload any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp, decodeBody(t, resp)
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestCreateRoom(t *testing.T) {
	srv := newTestServer(t)

	resp, body := postJSON(t, srv.URL+"/create-room", map[string]string{"roomCode": "AB12CD"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create-room status = %d, want 201", resp.StatusCode)
	}
	if body["roomCode"] != "AB12CD" {
		t.Fatalf("create-room roomCode = %v", body["roomCode"])
	}

	resp, _ = postJSON(t, srv.URL+"/create-room", map[string]string{"roomCode": "AB12CD"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create-room status = %d, want 409", resp.StatusCode)
	}
}

func TestCreateRoomNormalizesCode(t *testing.T) {
	srv := newTestServer(t)

	resp, body := postJSON(t, srv.URL+"/create-room", map[string]string{"roomCode": "ab12cd"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create-room status = %d, want 201", resp.StatusCode)
	}
	if body["roomCode"] != "AB12CD" {
		t.Fatalf("roomCode = %v, want normalized AB12CD", body["roomCode"])
	}
}

func TestCreateRoomRejectsBadCode(t *testing.T) {
	srv := newTestServer(t)

	for _, code := range []string{"", "AB12", "AB12CDE", "AB12C!"} {
		resp, _ := postJSON(t, srv.URL+"/create-room", map[string]string{"roomCode": code})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("create-room %q status = %d, want 400", code, resp.StatusCode)
		}
	}
}

func TestJoinRoom(t *testing.T) {
	srv := newTestServer(t)

	postJSON(t, srv.URL+"/create-room", map[string]string{"roomCode": "AB12CD"})

	resp, body := postJSON(t, srv.URL+"/join-room", map[string]string{"roomCode": "AB12CD"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join-room status = %d, want 200", resp.StatusCode)
	}
	if token, _ := body["token"].(string); token == "" {
		t.Fatal("join-room did not return a token")
	}

	resp, _ = postJSON(t, srv.URL+"/join-room", map[string]string{"roomCode": "AB12CD"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("third join status = %d, want 409", resp.StatusCode)
	}

	resp, _ = postJSON(t, srv.URL+"/join-room", map[string]string{"roomCode": "ZZZZZZ"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("join unknown room status = %d, want 404", resp.StatusCode)
	}
}

func TestJoinEmitsPeerJoined(t *testing.T) {
	srv := newTestServer(t)

	postJSON(t, srv.URL+"/create-room", map[string]string{"roomCode": "AB12CD"})
	postJSON(t, srv.URL+"/join-room", map[string]string{"roomCode": "AB12CD"})

	// The initiator polls and must see the synthesized join notice.
	_, body := getJSON(t, srv.URL+"/poll?roomCode=AB12CD&requesterId=host-1&lastTimestamp=0")
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("poll returned %d messages, want 1", len(msgs))
	}
	first, _ := msgs[0].(map[string]any)
	if first["type"] != protocol.TypePeerJoined {
		t.Fatalf("message type = %v, want %s", first["type"], protocol.TypePeerJoined)
	}
	if first["senderId"] != protocol.SenderSystem {
		t.Fatalf("senderId = %v, want %s", first["senderId"], protocol.SenderSystem)
	}
}

func TestSignalDedup(t *testing.T) {
	srv := newTestServer(t)

	postJSON(t, srv.URL+"/create-room", map[string]string{"roomCode": "AB12CD"})

	msg := map[string]any{
		"type":      protocol.TypeOffer,
		"roomCode":  "AB12CD",
		"senderId":  "host-1",
		"messageId": "host-1-42",
	}

	resp, body := postJSON(t, srv.URL+"/signal", msg)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signal status = %d, want 200", resp.StatusCode)
	}
	if body["isDuplicate"] == true {
		t.Fatal("first signal flagged as duplicate")
	}
	if seq, _ := body["sequence"].(float64); seq != 1 {
		t.Fatalf("first signal sequence = %v, want 1", body["sequence"])
	}

	_, body = postJSON(t, srv.URL+"/signal", msg)
	if body["isDuplicate"] != true {
		t.Fatal("retried signal not flagged as duplicate")
	}
}

func TestPollExcludesOwnMessages(t *testing.T) {
	srv := newTestServer(t)

	postJSON(t, srv.URL+"/create-room", map[string]string{"roomCode": "AB12CD"})

	for i, sender := range []string{"host-1", "guest-1", "host-1"} {
		postJSON(t, srv.URL+"/signal", map[string]any{
			"type":      protocol.TypeICECandidate,
			"roomCode":  "AB12CD",
			"senderId":  sender,
			"messageId": fmt.Sprintf("%s-%d", sender, i),
		})
	}

	_, body := getJSON(t, srv.URL+"/poll?roomCode=AB12CD&requesterId=host-1&lastTimestamp=0")
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("poll returned %d messages, want 1 (only the peer's)", len(msgs))
	}
	first, _ := msgs[0].(map[string]any)
	if first["senderId"] != "guest-1" {
		t.Fatalf("senderId = %v, want guest-1", first["senderId"])
	}
}

func TestPollOrderingAndWatermark(t *testing.T) {
	srv := newTestServer(t)

	postJSON(t, srv.URL+"/create-room", map[string]string{"roomCode": "AB12CD"})

	for i := 0; i < 3; i++ {
		postJSON(t, srv.URL+"/signal", map[string]any{
			"type":      protocol.TypeICECandidate,
			"roomCode":  "AB12CD",
			"senderId":  "guest-1",
			"messageId": fmt.Sprintf("guest-1-%d", i),
		})
	}

	_, body := getJSON(t, srv.URL+"/poll?roomCode=AB12CD&requesterId=host-1&lastTimestamp=0")
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("poll returned %d messages, want 3", len(msgs))
	}

	var prev float64
	for i, raw := range msgs {
		m, _ := raw.(map[string]any)
		seq, _ := m["sequence"].(float64)
		if seq <= prev {
			t.Fatalf("message %d sequence %v not ascending", i, seq)
		}
		prev = seq
	}

	last, _ := msgs[len(msgs)-1].(map[string]any)
	watermark, _ := last["timestamp"].(float64)
	_, body = getJSON(t, fmt.Sprintf("%s/poll?roomCode=AB12CD&requesterId=host-1&lastTimestamp=%.0f", srv.URL, watermark))
	if msgs, _ := body["messages"].([]any); len(msgs) != 0 {
		t.Fatalf("poll past watermark returned %d messages, want 0", len(msgs))
	}
}

func TestPollUnknownRoom(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := getJSON(t, srv.URL+"/poll?roomCode=ZZZZZZ&requesterId=host-1&lastTimestamp=0")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("poll status = %d, want 404", resp.StatusCode)
	}
}

func TestRelayRoundTrip(t *testing.T) {
	srv := newTestServer(t)

	postJSON(t, srv.URL+"/create-room", map[string]string{"roomCode": "AB12CD"})
	_, joinBody := postJSON(t, srv.URL+"/join-room", map[string]string{"roomCode": "AB12CD"})
	token, _ := joinBody["token"].(string)

	resp, _ := postJSON(t, srv.URL+"/relay-send", map[string]any{
		"roomCode": "AB12CD",
		"role":     protocol.RoleJoiner,
		"token":    token,
		"senderId": "guest-1",
		"payload":  map[string]string{"move": "B4"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("relay-send status = %d, want 200", resp.StatusCode)
	}

	// The payload lands in the initiator's queue, not the sender's.
	_, body := getJSON(t, srv.URL+"/relay-poll?roomCode=AB12CD&role="+protocol.RoleInitiator+"&requesterId=host-1&lastTimestamp=0")
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("initiator relay-poll returned %d messages, want 1", len(msgs))
	}

	_, body = getJSON(t, srv.URL+"/relay-poll?roomCode=AB12CD&role="+protocol.RoleJoiner+"&token="+token+"&requesterId=guest-1&lastTimestamp=0")
	if msgs, _ := body["messages"].([]any); len(msgs) != 0 {
		t.Fatalf("joiner relay-poll returned %d messages, want 0", len(msgs))
	}
}

func TestRelaySendRejectsWrongToken(t *testing.T) {
	srv := newTestServer(t)

	postJSON(t, srv.URL+"/create-room", map[string]string{"roomCode": "AB12CD"})
	postJSON(t, srv.URL+"/join-room", map[string]string{"roomCode": "AB12CD"})

	resp, _ := postJSON(t, srv.URL+"/relay-send", map[string]any{
		"roomCode": "AB12CD",
		"role":     protocol.RoleJoiner,
		"token":    "not-the-minted-token",
		"senderId": "guest-1",
		"payload":  map[string]string{"move": "B4"},
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("relay-send status = %d, want 403", resp.StatusCode)
	}
}

func TestTURNCredentials(t *testing.T) {
	srv := newTestServer(t)

	resp, body := getJSON(t, srv.URL+"/turn-credentials")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("turn-credentials status = %d, want 200", resp.StatusCode)
	}
	servers, _ := body["iceServers"].([]any)
	if len(servers) != 1 {
		t.Fatalf("iceServers length = %d, want 1 STUN entry", len(servers))
	}
	if body["expiresAt"] == nil {
		t.Fatal("turn-credentials missing expiresAt")
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	resp, body := getJSON(t, srv.URL+"/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "healthy" {
		t.Fatalf("health status field = %v", body["status"])
	}
}

func TestTelemetryNeverFails(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/metrics", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("POST /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("telemetry status = %d, want 200", resp.StatusCode)
	}
}

func TestMetricsHandlerServesCollectorRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.roomsCreated.Inc()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "relay_rooms_created_total 1") {
		t.Fatalf("scrape missing the collector's own counter:\n%s", body)
	}
}

func TestLogTruncationByCount(t *testing.T) {
	store := registry.NewMemoryStore()
	defer store.Close()
	log := NewLog(store)
	ctx := context.Background()

	key := SignalKey("AB12CD")
	for i := 0; i < maxLogEntries+10; i++ {
		msg := &protocol.Message{
			Type:      protocol.TypeICECandidate,
			SenderID:  "host-1",
			MessageID: fmt.Sprintf("host-1-%d", i),
		}
		if _, _, err := log.Append(ctx, key, msg); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	msgs, _, _, err := log.After(ctx, key, 0, "", maxLogEntries+10)
	if err != nil {
		t.Fatalf("After: %v", err)
	}
	if len(msgs) > maxLogEntries {
		t.Fatalf("log holds %d entries, want at most %d", len(msgs), maxLogEntries)
	}
	// Sequences keep climbing across truncation.
	if last := msgs[len(msgs)-1].Sequence; last != int64(maxLogEntries+10) {
		t.Fatalf("last sequence = %d, want %d", last, maxLogEntries+10)
	}
}
