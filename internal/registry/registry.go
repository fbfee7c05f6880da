package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Room TTL. Rooms disappear from the store after this long regardless of
// activity; natural expiry is the only cleanup.
const RoomTTL = 2 * time.Hour

// Room statuses.
const (
	StatusWaiting = "waiting"
	StatusFull    = "full"
)

var (
	// ErrRoomExists is returned when creating a room whose code is taken.
	ErrRoomExists = errors.New("room already exists")

	// ErrRoomNotFound is returned for unknown or expired room codes.
	ErrRoomNotFound = errors.New("room not found")

	// ErrRoomFull is returned when a third participant tries to join.
	ErrRoomFull = errors.New("room is full")
)

// Tokens are per-role opaque access tokens, minted at join time and used
// for best-effort authorization of relay payload access. They are not a
// cryptographic identity; a client presenting the room code may still
// claim a role.
type Tokens struct {
	Initiator string `json:"initiator,omitempty"`
	Joiner    string `json:"joiner,omitempty"`
}

// Room is a registry record mapping a room code to its rendezvous state.
type Room struct {
	Code         string `json:"code"`
	Participants int    `json:"participants"`
	Status       string `json:"status"`
	CreatedAt    int64  `json:"createdAt"`
	Tokens       Tokens `json:"tokens,omitempty"`
}

// Registry manages room records in a Store.
type Registry struct {
	store Store
}

// New creates a Registry backed by the given store.
func New(store Store) *Registry {
	return &Registry{store: store}
}

func roomKey(code string) string { return "room:" + code }

// casAttempts bounds the optimistic-retry loop around read-modify-write.
// At most two writers ever contend for one room, so contention is rare
// and short.
const casAttempts = 5

func casDelay() time.Duration {
	return time.Duration(10+rand.Intn(20)) * time.Millisecond
}

// Create registers a new room in waiting state with one participant.
func (r *Registry) Create(ctx context.Context, code string) (*Room, error) {
	room := &Room{
		Code:         code,
		Participants: 1,
		Status:       StatusWaiting,
		CreatedAt:    time.Now().UnixMilli(),
		Tokens:       Tokens{Initiator: uuid.NewString()},
	}

	value, err := json.Marshal(room)
	if err != nil {
		return nil, fmt.Errorf("encode room: %w", err)
	}

	err = r.store.PutIf(ctx, roomKey(code), value, RevisionNone, RoomTTL)
	if errors.Is(err, ErrRevisionMismatch) {
		return nil, ErrRoomExists
	}
	if err != nil {
		return nil, fmt.Errorf("store room: %w", err)
	}
	return room, nil
}

// Join attaches the second participant, flipping the room to full and
// minting the joiner token. The read-modify-write runs in a bounded
// optimistic-retry loop against the concurrent create/join window.
func (r *Registry) Join(ctx context.Context, code string) (*Room, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		value, rev, err := r.store.Get(ctx, roomKey(code))
		if errors.Is(err, ErrKeyNotFound) {
			return nil, ErrRoomNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("load room: %w", err)
		}

		var room Room
		if err := json.Unmarshal(value, &room); err != nil {
			return nil, fmt.Errorf("decode room: %w", err)
		}
		if room.Participants >= 2 {
			return nil, ErrRoomFull
		}

		room.Participants = 2
		room.Status = StatusFull
		room.Tokens.Joiner = uuid.NewString()

		updated, err := json.Marshal(&room)
		if err != nil {
			return nil, fmt.Errorf("encode room: %w", err)
		}

		err = r.store.PutIf(ctx, roomKey(code), updated, rev, RoomTTL)
		if err == nil {
			return &room, nil
		}
		if !errors.Is(err, ErrRevisionMismatch) {
			return nil, fmt.Errorf("store room: %w", err)
		}

		select {
		case <-time.After(casDelay()):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("join room %s: too much write contention", code)
}

// Get loads a room record.
func (r *Registry) Get(ctx context.Context, code string) (*Room, error) {
	value, _, err := r.store.Get(ctx, roomKey(code))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}

	var room Room
	if err := json.Unmarshal(value, &room); err != nil {
		return nil, fmt.Errorf("decode room: %w", err)
	}
	return &room, nil
}
