package hub

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/jeeyo/battleship-p2p/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,

	// Both participants connect from arbitrary origins; the room code is
	// the only admission control.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS returns the handler for GET /ws/{roomCode}. It enforces the
// two-participant cap before upgrading, then hands the socket to the hub.
func ServeWS(h *Hub, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomCode := protocol.NormalizeRoomCode(r.PathValue("roomCode"))
		if !protocol.ValidRoomCode(roomCode) {
			http.Error(w, "Invalid room code", http.StatusBadRequest)
			return
		}

		clientID := r.URL.Query().Get("clientId")
		if clientID == "" {
			clientID = protocol.NewClientID()
		}
		role := r.URL.Query().Get("role")
		if role == "" {
			role = protocol.RoleJoiner
		}
		if role != protocol.RoleInitiator && role != protocol.RoleJoiner {
			http.Error(w, "Invalid role", http.StatusBadRequest)
			return
		}

		if err := h.Reserve(roomCode, clientID); err != nil {
			http.Error(w, "Room full", http.StatusForbidden)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "roomCode", roomCode, "error", err)
			h.Release(roomCode, clientID)
			return
		}

		client := &Client{
			hub:      h,
			conn:     conn,
			roomCode: roomCode,
			clientID: clientID,
			role:     role,
			send:     make(chan *protocol.Message, 256),
			logger:   logger,
		}

		h.register <- client

		go client.WritePump()
		go client.ReadPump()
	}
}
