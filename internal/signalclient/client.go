package signalclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/jeeyo/battleship-p2p/internal/protocol"
)

// fallbackSTUN is used when the relay's /turn-credentials endpoint is
// unreachable; a STUN-only session still works on friendly networks.
var fallbackSTUN = []string{
	"stun:stun.cloudflare.com:3478",
	"stun:stun.l.google.com:19302",
}

// Client is the REST client for the relay's HTTP surface.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a relay REST client for the given base URL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// BaseURL returns the relay base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// CreateRoom registers a fresh room code.
func (c *Client) CreateRoom(ctx context.Context, roomCode string) error {
	status, _, err := c.postJSON(ctx, "/create-room", map[string]string{"roomCode": roomCode})
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusConflict:
		return ErrRoomExists
	default:
		return fmt.Errorf("create-room: unexpected status %d", status)
	}
}

// JoinRoom attaches to an existing room and returns the joiner token.
func (c *Client) JoinRoom(ctx context.Context, roomCode string) (string, error) {
	status, body, err := c.postJSON(ctx, "/join-room", map[string]string{"roomCode": roomCode})
	if err != nil {
		return "", err
	}
	switch status {
	case http.StatusOK:
		var resp struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("join-room: decode response: %w", err)
		}
		return resp.Token, nil
	case http.StatusNotFound:
		return "", ErrRoomNotFound
	case http.StatusConflict:
		return "", ErrRoomFull
	default:
		return "", fmt.Errorf("join-room: unexpected status %d", status)
	}
}

// Signal posts one signaling message; isDuplicate reports relay-side
// dedup of a retried messageId.
func (c *Client) Signal(ctx context.Context, msg *protocol.Message) (isDuplicate bool, err error) {
	status, body, err := c.postJSON(ctx, "/signal", msg)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("signal: unexpected status %d", status)
	}

	var resp struct {
		IsDuplicate bool `json:"isDuplicate"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("signal: decode response: %w", err)
	}
	return resp.IsDuplicate, nil
}

// Poll fetches signaling messages newer than lastTimestamp, excluding
// the requester's own.
func (c *Client) Poll(ctx context.Context, roomCode string, lastTimestamp int64, requesterID string) ([]protocol.Message, error) {
	q := url.Values{}
	q.Set("roomCode", roomCode)
	q.Set("lastTimestamp", strconv.FormatInt(lastTimestamp, 10))
	q.Set("requesterId", requesterID)

	status, body, err := c.get(ctx, "/poll?"+q.Encode())
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrRoomNotFound
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("poll: unexpected status %d", status)
	}

	var resp struct {
		Messages []protocol.Message `json:"messages"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("poll: decode response: %w", err)
	}
	return resp.Messages, nil
}

// RelaySend forwards an application payload through the edge relay.
func (c *Client) RelaySend(ctx context.Context, roomCode, role, token, senderID string, payload json.RawMessage) error {
	status, _, err := c.postJSON(ctx, "/relay-send", map[string]any{
		"roomCode": roomCode,
		"role":     role,
		"token":    token,
		"senderId": senderID,
		"payload":  payload,
	})
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return ErrRoomNotFound
	}
	if status != http.StatusOK {
		return fmt.Errorf("relay-send: unexpected status %d", status)
	}
	return nil
}

// RelayPoll fetches relayed application payloads for the given role.
func (c *Client) RelayPoll(ctx context.Context, roomCode, role, token, requesterID string, lastTimestamp int64) ([]protocol.Message, error) {
	q := url.Values{}
	q.Set("roomCode", roomCode)
	q.Set("role", role)
	if token != "" {
		q.Set("token", token)
	}
	q.Set("requesterId", requesterID)
	q.Set("lastTimestamp", strconv.FormatInt(lastTimestamp, 10))

	status, body, err := c.get(ctx, "/relay-poll?"+q.Encode())
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrRoomNotFound
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("relay-poll: unexpected status %d", status)
	}

	var resp struct {
		Messages []protocol.Message `json:"messages"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("relay-poll: decode response: %w", err)
	}
	return resp.Messages, nil
}

// ICEServers fetches the transport configuration from /turn-credentials,
// falling back to public STUN when the endpoint is unreachable.
func (c *Client) ICEServers(ctx context.Context) []webrtc.ICEServer {
	status, body, err := c.get(ctx, "/turn-credentials")
	if err != nil || status != http.StatusOK {
		c.logger.Warn("turn-credentials unavailable, using fallback STUN", "error", err, "status", status)
		return stunOnly()
	}

	var resp struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.ICEServers) == 0 {
		c.logger.Warn("turn-credentials malformed, using fallback STUN", "error", err)
		return stunOnly()
	}

	servers := make([]webrtc.ICEServer, 0, len(resp.ICEServers))
	for _, s := range resp.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}
	return servers
}

// PostMetric reports a telemetry event. Fire-and-forget: it never blocks
// the caller's flow and swallows all errors.
func (c *Client) PostMetric(event, roomCode, clientID string, extra map[string]any) {
	payload := map[string]any{
		"event":     event,
		"roomCode":  roomCode,
		"clientId":  clientID,
		"timestamp": time.Now().UnixMilli(),
	}
	for k, v := range extra {
		payload[k] = v
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, _, err := c.postJSON(ctx, "/metrics", payload); err != nil {
			c.logger.Debug("metrics post failed", "event", event, "error", err)
		}
	}()
}

// Health probes the relay.
func (c *Client) Health(ctx context.Context) error {
	status, _, err := c.get(ctx, "/health")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("relay unhealthy: status %d", status)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) get(ctx context.Context, path string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func stunOnly() []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: fallbackSTUN}}
}
