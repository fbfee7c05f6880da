package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jeeyo/battleship-p2p/internal/config"
	"github.com/jeeyo/battleship-p2p/internal/protocol"
	"github.com/jeeyo/battleship-p2p/internal/registry"
)

// ICEServer is one entry of the /turn-credentials response, shaped so
// clients can feed it straight into their transport configuration.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Handler serves the polling-backend HTTP surface.
type Handler struct {
	registry *registry.Registry
	log      *Log
	store    registry.Store
	ice      config.ICEConfig
	metrics  *Collector
	logger   *slog.Logger
}

// NewHandler wires the relay HTTP surface.
func NewHandler(reg *registry.Registry, log *Log, store registry.Store, ice config.ICEConfig, metrics *Collector, logger *slog.Logger) *Handler {
	return &Handler{
		registry: reg,
		log:      log,
		store:    store,
		ice:      ice,
		metrics:  metrics,
		logger:   logger,
	}
}

// Register mounts all polling-backend routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /create-room", h.handleCreateRoom)
	mux.HandleFunc("POST /join-room", h.handleJoinRoom)
	mux.HandleFunc("POST /signal", h.handleSignal)
	mux.HandleFunc("GET /poll", h.handlePoll)
	mux.HandleFunc("POST /relay-send", h.handleRelaySend)
	mux.HandleFunc("GET /relay-poll", h.handleRelayPoll)
	mux.HandleFunc("GET /turn-credentials", h.handleTURNCredentials)
	mux.HandleFunc("POST /metrics", h.handleTelemetry)
	mux.HandleFunc("GET /health", h.handleHealth)
}

func (h *Handler) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomCode string `json:"roomCode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	code := protocol.NormalizeRoomCode(req.RoomCode)
	if !protocol.ValidRoomCode(code) {
		writeError(w, http.StatusBadRequest, "Invalid room code")
		return
	}

	room, err := h.registry.Create(r.Context(), code)
	if errors.Is(err, registry.ErrRoomExists) {
		writeError(w, http.StatusConflict, "Room already exists")
		return
	}
	if err != nil {
		h.logger.Error("create room failed", "roomCode", code, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to create room")
		return
	}

	h.metrics.roomsCreated.Inc()
	h.logger.Info("room created", "roomCode", code)
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":  true,
		"roomCode": room.Code,
	})
}

func (h *Handler) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomCode string `json:"roomCode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	code := protocol.NormalizeRoomCode(req.RoomCode)
	if !protocol.ValidRoomCode(code) {
		writeError(w, http.StatusBadRequest, "Invalid room code")
		return
	}

	room, err := h.registry.Join(r.Context(), code)
	switch {
	case errors.Is(err, registry.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, "Room not found")
		return
	case errors.Is(err, registry.ErrRoomFull):
		writeError(w, http.StatusConflict, "Room is full")
		return
	case err != nil:
		h.logger.Error("join room failed", "roomCode", code, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to join room")
		return
	}

	// The initiator learns about the second participant through the
	// room log rather than a push; polling picks this up.
	joined := &protocol.Message{
		Type:      protocol.TypePeerJoined,
		RoomCode:  code,
		SenderID:  protocol.SenderSystem,
		MessageID: protocol.NewMessageID(protocol.SenderSystem),
	}
	if _, _, err := h.log.Append(r.Context(), SignalKey(code), joined); err != nil {
		h.logger.Error("store peer-joined failed", "roomCode", code, "error", err)
	}

	h.metrics.roomsJoined.Inc()
	h.logger.Info("room joined", "roomCode", code)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"token":   room.Tokens.Joiner,
	})
}

func (h *Handler) handleSignal(w http.ResponseWriter, r *http.Request) {
	var msg protocol.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	code := protocol.NormalizeRoomCode(msg.RoomCode)
	if code == "" {
		writeError(w, http.StatusBadRequest, "Room code required")
		return
	}
	if msg.SenderID == "" {
		writeError(w, http.StatusBadRequest, "Sender ID required")
		return
	}

	if _, err := h.registry.Get(r.Context(), code); err != nil {
		if errors.Is(err, registry.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, "Room not found")
			return
		}
		h.logger.Error("signal room lookup failed", "roomCode", code, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to store signal")
		return
	}

	if msg.MessageID == "" {
		msg.MessageID = protocol.NewMessageID(msg.SenderID)
	}
	msg.RoomCode = code

	sequence, duplicate, err := h.log.Append(r.Context(), SignalKey(code), &msg)
	if err != nil {
		h.logger.Error("store signal failed", "roomCode", code, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to store signal")
		return
	}

	if duplicate {
		h.metrics.duplicateSignals.Inc()
		writeJSON(w, http.StatusOK, map[string]any{
			"success":     true,
			"isDuplicate": true,
		})
		return
	}

	h.metrics.signalsStored.WithLabelValues(msg.Type).Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"sequence":  sequence,
		"messageId": msg.MessageID,
	})
}

func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := protocol.NormalizeRoomCode(q.Get("roomCode"))
	requesterID := q.Get("requesterId")
	lastTimestamp, _ := strconv.ParseInt(q.Get("lastTimestamp"), 10, 64)

	if code == "" {
		writeError(w, http.StatusBadRequest, "Room code required")
		return
	}
	if requesterID == "" {
		writeError(w, http.StatusBadRequest, "Requester ID required")
		return
	}

	if _, err := h.registry.Get(r.Context(), code); err != nil {
		if errors.Is(err, registry.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, "Room not found")
			return
		}
		h.logger.Error("poll room lookup failed", "roomCode", code, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to poll")
		return
	}

	msgs, lastSequence, hasMore, err := h.log.After(r.Context(), SignalKey(code), lastTimestamp, requesterID, PollLimit)
	if err != nil {
		h.logger.Error("poll failed", "roomCode", code, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to poll")
		return
	}
	if msgs == nil {
		msgs = []protocol.Message{}
	}

	h.metrics.pollRequests.Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"messages":     msgs,
		"lastSequence": lastSequence,
		"hasMore":      hasMore,
	})
}

func (h *Handler) handleRelaySend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomCode string          `json:"roomCode"`
		Role     string          `json:"role"`
		Token    string          `json:"token"`
		SenderID string          `json:"senderId"`
		Payload  json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	code := protocol.NormalizeRoomCode(req.RoomCode)
	if code == "" || req.SenderID == "" || !validRole(req.Role) {
		writeError(w, http.StatusBadRequest, "roomCode, role, senderId required")
		return
	}

	room, err := h.registry.Get(r.Context(), code)
	if errors.Is(err, registry.ErrRoomNotFound) {
		writeError(w, http.StatusNotFound, "Room not found")
		return
	}
	if err != nil {
		h.logger.Error("relay-send room lookup failed", "roomCode", code, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to relay")
		return
	}
	if !tokenAllowed(room, req.Role, req.Token) {
		writeError(w, http.StatusForbidden, "Invalid token")
		return
	}

	msg := &protocol.Message{
		Type:      protocol.TypeRelayData,
		RoomCode:  code,
		SenderID:  req.SenderID,
		MessageID: protocol.NewMessageID(req.SenderID),
		Payload:   req.Payload,
	}

	// Payloads land in the queue the OTHER role reads from.
	sequence, _, err := h.log.Append(r.Context(), RelayKey(code, otherRole(req.Role)), msg)
	if err != nil {
		h.logger.Error("relay-send failed", "roomCode", code, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to relay")
		return
	}

	h.metrics.relayPayloads.Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"messageId": msg.MessageID,
		"sequence":  sequence,
	})
}

func (h *Handler) handleRelayPoll(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := protocol.NormalizeRoomCode(q.Get("roomCode"))
	requesterID := q.Get("requesterId")
	role := q.Get("role")
	token := q.Get("token")
	lastTimestamp, _ := strconv.ParseInt(q.Get("lastTimestamp"), 10, 64)

	if code == "" || requesterID == "" || !validRole(role) {
		writeError(w, http.StatusBadRequest, "roomCode, requesterId, role required")
		return
	}

	room, err := h.registry.Get(r.Context(), code)
	if errors.Is(err, registry.ErrRoomNotFound) {
		writeError(w, http.StatusNotFound, "Room not found")
		return
	}
	if err != nil {
		h.logger.Error("relay-poll room lookup failed", "roomCode", code, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to relay")
		return
	}
	if !tokenAllowed(room, role, token) {
		writeError(w, http.StatusForbidden, "Invalid token")
		return
	}

	msgs, _, hasMore, err := h.log.After(r.Context(), RelayKey(code, role), lastTimestamp, requesterID, RelayPollLimit)
	if err != nil {
		h.logger.Error("relay-poll failed", "roomCode", code, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to relay")
		return
	}
	if msgs == nil {
		msgs = []protocol.Message{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"messages":      msgs,
		"lastTimestamp": time.Now().UnixMilli(),
		"hasMore":       hasMore,
	})
}

func (h *Handler) handleTURNCredentials(w http.ResponseWriter, r *http.Request) {
	servers := make([]ICEServer, 0, len(h.ice.STUNURLs)+1)
	for _, url := range h.ice.STUNURLs {
		servers = append(servers, ICEServer{URLs: []string{url}})
	}
	if len(h.ice.TURNURLs) > 0 && h.ice.TURNUsername != "" && h.ice.TURNCredential != "" {
		servers = append(servers, ICEServer{
			URLs:       h.ice.TURNURLs,
			Username:   h.ice.TURNUsername,
			Credential: h.ice.TURNCredential,
		})
	}

	ttl := h.ice.CredentialTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"iceServers": servers,
		"expiresAt":  time.Now().Add(ttl).Format(time.RFC3339),
	})
}

// handleTelemetry ingests best-effort client telemetry. It never fails
// the caller; malformed payloads count as unknown events.
func (h *Handler) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Event    string `json:"event"`
		RoomCode string `json:"roomCode"`
		ClientID string `json:"clientId"`
	}
	event := "unknown_event"
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Event != "" {
		event = req.Event
	}

	h.metrics.telemetryEvents.WithLabelValues(event).Inc()
	h.logger.Debug("client telemetry", "event", event, "roomCode", req.RoomCode, "clientId", req.ClientID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleHealth probes the storage backend with a write/read round trip.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	probe := []byte(strconv.FormatInt(time.Now().UnixNano(), 10))
	kvStatus := "operational"
	healthy := true

	if err := h.store.Put(r.Context(), "_health_check", probe, time.Minute); err != nil {
		kvStatus, healthy = "error", false
	} else if got, _, err := h.store.Get(r.Context(), "_health_check"); err != nil || string(got) != string(probe) {
		kvStatus, healthy = "error", false
	}
	_ = h.store.Delete(r.Context(), "_health_check")

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusInternalServerError
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"services":  map[string]string{"kv": kvStatus},
	})
}

func validRole(role string) bool {
	return role == protocol.RoleInitiator || role == protocol.RoleJoiner
}

func otherRole(role string) string {
	if role == protocol.RoleInitiator {
		return protocol.RoleJoiner
	}
	return protocol.RoleInitiator
}

// tokenAllowed is a best-effort check: it only rejects when the room has
// a token minted for the role AND the caller presented a different one.
// Self-asserted identity is an accepted trust boundary here.
func tokenAllowed(room *registry.Room, role, token string) bool {
	expected := room.Tokens.Initiator
	if role == protocol.RoleJoiner {
		expected = room.Tokens.Joiner
	}
	if expected == "" || token == "" {
		return true
	}
	return token == expected
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
