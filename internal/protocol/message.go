// Package protocol defines the signaling wire types shared by the relay
// server and the client-side negotiator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Signaling message type constants.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypePeerJoined   = "peer-joined"
	TypePeerLeft     = "peer-left"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeRelayData    = "relay-data"
)

// SenderSystem is the senderId the relay uses for messages it synthesizes
// itself, such as peer-joined notifications.
const SenderSystem = "system"

// Roles a client can claim when attaching to a room.
const (
	RoleInitiator = "initiator"
	RoleJoiner    = "joiner"
)

// Message is the tagged union exchanged through the signaling relay.
// Exactly one of the typed payload fields is set, matching Type.
//
// MessageID is client-generated and globally unique per sender; the relay
// dedups on it and never delivers a sender's own message back to that
// sender. Timestamp and Sequence are relay-assigned on store.
type Message struct {
	Type        string `json:"type"`
	RoomCode    string `json:"roomCode,omitempty"`
	SenderID    string `json:"senderId,omitempty"`
	MessageID   string `json:"messageId,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
	Sequence    int64  `json:"sequence,omitempty"`
	IsInitiator bool   `json:"isInitiator,omitempty"`

	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`

	// Payload carries application data for relay-data messages.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessageID returns a unique message identifier scoped to a sender.
func NewMessageID(senderID string) string {
	return fmt.Sprintf("%s_%d_%s", senderID, time.Now().UnixMilli(), uuid.NewString()[:8])
}

// NewClientID returns a session-scoped client identifier.
func NewClientID() string {
	return "client_" + uuid.NewString()
}
