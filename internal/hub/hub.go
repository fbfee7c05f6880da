// Package hub implements the socket-push signaling backend: a per-room
// fan-out of signaling messages between at most two live websocket
// clients. Unlike the polling backend it needs no dedup or sequence
// bookkeeping; delivery is connection-scoped and ordered by TCP.
package hub

import (
	"errors"
	"log/slog"

	"github.com/jeeyo/battleship-p2p/internal/protocol"
)

// ErrRoomFull is returned when a third distinct client tries to attach.
var ErrRoomFull = errors.New("room is full")

// Metrics is the observability hook the hub reports through.
type Metrics interface {
	ClientConnected()
	ClientDisconnected()
	MessageForwarded(msgType string)
}

type noopMetrics struct{}

func (noopMetrics) ClientConnected()        {}
func (noopMetrics) ClientDisconnected()     {}
func (noopMetrics) MessageForwarded(string) {}

// room tracks the sockets attached to one room code. A nil client marks
// a slot reserved between the capacity check and the websocket upgrade.
type room struct {
	clients map[string]*Client
}

type inbound struct {
	client *Client
	msg    *protocol.Message
}

type reservation struct {
	roomCode string
	clientID string
	result   chan error
}

// Hub routes signaling messages between room participants. All room
// state is owned by the Run loop; the hub is a single actor per process,
// which is what makes it race-free where the KV-backed relay is not.
type Hub struct {
	rooms map[string]*room

	reserve    chan reservation
	release    chan reservation
	register   chan *Client
	unregister chan *Client
	forward    chan inbound

	logger  *slog.Logger
	metrics Metrics
}

// New creates a Hub. Call Run in its own goroutine before serving.
func New(logger *slog.Logger, metrics Metrics) *Hub {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Hub{
		rooms:      make(map[string]*room),
		reserve:    make(chan reservation),
		release:    make(chan reservation),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		forward:    make(chan inbound),
		logger:     logger,
		metrics:    metrics,
	}
}

// Reserve claims a participant slot before the websocket upgrade so a
// third party can be rejected with a plain HTTP status. A clientID that
// already holds a slot may reserve again (reconnect).
func (h *Hub) Reserve(roomCode, clientID string) error {
	res := reservation{roomCode: roomCode, clientID: clientID, result: make(chan error, 1)}
	h.reserve <- res
	return <-res.result
}

// Release frees a reservation whose upgrade never completed.
func (h *Hub) Release(roomCode, clientID string) {
	h.release <- reservation{roomCode: roomCode, clientID: clientID}
}

// Run processes hub events until the process exits.
func (h *Hub) Run() {
	for {
		select {
		case res := <-h.reserve:
			res.result <- h.tryReserve(res.roomCode, res.clientID)

		case res := <-h.release:
			if rm, ok := h.rooms[res.roomCode]; ok {
				if c, ok := rm.clients[res.clientID]; ok && c == nil {
					delete(rm.clients, res.clientID)
					h.dropRoomIfEmpty(res.roomCode, rm)
				}
			}

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case in := <-h.forward:
			h.forwardMessage(in.client, in.msg)
		}
	}
}

func (h *Hub) tryReserve(roomCode, clientID string) error {
	rm, ok := h.rooms[roomCode]
	if !ok {
		rm = &room{clients: make(map[string]*Client)}
		h.rooms[roomCode] = rm
	}

	// Same clientID reconnecting is always allowed; the stale socket is
	// replaced at register time.
	if _, held := rm.clients[clientID]; held {
		return nil
	}
	if len(rm.clients) >= 2 {
		return ErrRoomFull
	}
	rm.clients[clientID] = nil
	return nil
}

func (h *Hub) addClient(client *Client) {
	rm, ok := h.rooms[client.roomCode]
	if !ok {
		rm = &room{clients: make(map[string]*Client)}
		h.rooms[client.roomCode] = rm
	}

	if stale, ok := rm.clients[client.clientID]; ok && stale != nil {
		h.logger.Info("replacing stale socket", "roomCode", client.roomCode, "clientId", client.clientID)
		close(stale.send)
		stale.replaced = true
	}
	rm.clients[client.clientID] = client
	h.metrics.ClientConnected()
	h.logger.Info("client attached", "roomCode", client.roomCode, "clientId", client.clientID, "role", client.role)

	live := 0
	for _, c := range rm.clients {
		if c != nil {
			live++
		}
	}
	if live >= 2 {
		h.broadcast(rm, &protocol.Message{
			Type:     protocol.TypePeerJoined,
			RoomCode: client.roomCode,
			SenderID: protocol.SenderSystem,
		}, "")
	}
}

func (h *Hub) removeClient(client *Client) {
	rm, ok := h.rooms[client.roomCode]
	if !ok {
		return
	}
	current, ok := rm.clients[client.clientID]
	if !ok {
		return
	}

	// A replaced socket's unregister must not evict its successor.
	if current != client {
		if !client.replaced {
			close(client.send)
		}
		h.metrics.ClientDisconnected()
		return
	}

	delete(rm.clients, client.clientID)
	if !client.replaced {
		close(client.send)
	}
	h.metrics.ClientDisconnected()
	h.logger.Info("client detached", "roomCode", client.roomCode, "clientId", client.clientID)

	if !h.dropRoomIfEmpty(client.roomCode, rm) {
		h.broadcast(rm, &protocol.Message{
			Type:     protocol.TypePeerLeft,
			RoomCode: client.roomCode,
			SenderID: protocol.SenderSystem,
		}, "")
	}
}

func (h *Hub) forwardMessage(sender *Client, msg *protocol.Message) {
	rm, ok := h.rooms[sender.roomCode]
	if !ok {
		return
	}
	h.metrics.MessageForwarded(msg.Type)
	h.broadcast(rm, msg, sender.clientID)
}

// broadcast fans msg out to every live client except excludeID. A client
// whose send buffer is full is dropped rather than allowed to stall the
// whole room.
func (h *Hub) broadcast(rm *room, msg *protocol.Message, excludeID string) {
	for id, c := range rm.clients {
		if c == nil || id == excludeID {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("send buffer full, dropping client", "clientId", id)
			close(c.send)
			c.replaced = true
			delete(rm.clients, id)
		}
	}
}

func (h *Hub) dropRoomIfEmpty(roomCode string, rm *room) bool {
	if len(rm.clients) == 0 {
		delete(h.rooms, roomCode)
		h.logger.Info("room closed", "roomCode", roomCode)
		return true
	}
	return false
}
