// Package relay implements the HTTP signaling relay: an append-only,
// per-room message log in a TTL'd key-value store, polled by clients.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jeeyo/battleship-p2p/internal/protocol"
	"github.com/jeeyo/battleship-p2p/internal/registry"
)

const (
	// logTTL matches the room TTL so logs never outlive their room.
	logTTL = registry.RoomTTL

	// Truncation bounds applied on every write.
	maxLogEntries = 100
	maxLogAge     = time.Hour

	// PollLimit caps a single poll response.
	PollLimit = 20

	// RelayPollLimit caps a single relay-poll response.
	RelayPollLimit = 30
)

// Log is a per-room append-only signaling message log. Appends assign the
// relay-side sequence and timestamp, dedup by messageId, and truncate old
// entries. Writes go through a bounded compare-and-swap retry loop since
// the KV store offers no transactions and both room participants may
// write concurrently.
type Log struct {
	store registry.Store
}

// NewLog creates a Log on the given store.
func NewLog(store registry.Store) *Log {
	return &Log{store: store}
}

// SignalKey is the store key of a room's shared signaling log.
func SignalKey(roomCode string) string { return "msgs:" + roomCode }

// RelayKey is the store key of the gameplay payload queue read by the
// given role.
func RelayKey(roomCode, role string) string {
	return "relay:" + roomCode + ":" + role
}

// Append stores msg in the log at key, assigning sequence and timestamp.
// If a message with the same messageId is already present, nothing is
// stored and duplicate is true.
func (l *Log) Append(ctx context.Context, key string, msg *protocol.Message) (sequence int64, duplicate bool, err error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		entries, rev, err := l.load(ctx, key)
		if err != nil {
			return 0, false, err
		}

		var maxSeq int64
		for i := range entries {
			if entries[i].MessageID != "" && entries[i].MessageID == msg.MessageID {
				return entries[i].Sequence, true, nil
			}
			if entries[i].Sequence > maxSeq {
				maxSeq = entries[i].Sequence
			}
		}

		stored := *msg
		stored.Timestamp = time.Now().UnixMilli()
		stored.Sequence = maxSeq + 1
		entries = append(entries, stored)
		entries = truncate(entries)

		if err := l.save(ctx, key, entries, rev); err != nil {
			if errors.Is(err, registry.ErrRevisionMismatch) {
				select {
				case <-time.After(casDelay()):
					continue
				case <-ctx.Done():
					return 0, false, ctx.Err()
				}
			}
			return 0, false, err
		}
		return stored.Sequence, false, nil
	}
	return 0, false, fmt.Errorf("append to %s: too much write contention", key)
}

// After returns up to limit entries newer than lastTimestamp, excluding
// those authored by excludeSender, in ascending sequence order. hasMore
// is true when the limit was hit.
func (l *Log) After(ctx context.Context, key string, lastTimestamp int64, excludeSender string, limit int) (msgs []protocol.Message, lastSequence int64, hasMore bool, err error) {
	entries, _, err := l.load(ctx, key)
	if err != nil {
		return nil, 0, false, err
	}

	// Newer entries sit at the tail; walk backwards and stop at the
	// watermark so large logs aren't scanned end to end.
	var selected []protocol.Message
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Timestamp <= lastTimestamp {
			break
		}
		if e.SenderID != "" && e.SenderID == excludeSender {
			continue
		}
		selected = append(selected, e)
		if e.Sequence > lastSequence {
			lastSequence = e.Sequence
		}
		if len(selected) >= limit {
			hasMore = true
			break
		}
	}

	// Reverse into ascending order.
	for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
		selected[i], selected[j] = selected[j], selected[i]
	}
	return selected, lastSequence, hasMore, nil
}

func (l *Log) load(ctx context.Context, key string) ([]protocol.Message, int64, error) {
	value, rev, err := l.store.Get(ctx, key)
	if errors.Is(err, registry.ErrKeyNotFound) {
		return nil, registry.RevisionNone, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load log %s: %w", key, err)
	}

	var entries []protocol.Message
	if err := json.Unmarshal(value, &entries); err != nil {
		return nil, 0, fmt.Errorf("decode log %s: %w", key, err)
	}
	return entries, rev, nil
}

func (l *Log) save(ctx context.Context, key string, entries []protocol.Message, rev int64) error {
	value, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode log %s: %w", key, err)
	}
	return l.store.PutIf(ctx, key, value, rev, logTTL)
}

func truncate(entries []protocol.Message) []protocol.Message {
	cutoff := time.Now().Add(-maxLogAge).UnixMilli()
	kept := entries[:0]
	for _, e := range entries {
		if e.Timestamp > cutoff {
			kept = append(kept, e)
		}
	}
	if len(kept) > maxLogEntries {
		kept = kept[len(kept)-maxLogEntries:]
	}
	return kept
}

const casAttempts = 5

func casDelay() time.Duration {
	return time.Duration(10+rand.Intn(20)) * time.Millisecond
}
