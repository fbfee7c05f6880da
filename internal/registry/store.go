// Package registry owns the room records and the key-value contract they
// are persisted through. The store is a plain TTL'd KV surface so the
// in-memory implementation can later be swapped for a hosted KV backend
// without touching the room logic.
package registry

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrKeyNotFound is returned by Get for missing or expired keys.
	ErrKeyNotFound = errors.New("key not found")

	// ErrRevisionMismatch is returned by PutIf when the key was modified
	// since the revision the caller read.
	ErrRevisionMismatch = errors.New("revision mismatch")
)

// Store is the key-value contract the registry and the polling relay
// write through. Values expire after their TTL with no explicit cleanup;
// expiry is the sole garbage-collection mechanism.
//
// Get returns the value together with a revision token. PutIf succeeds
// only if the key is still at that revision, which gives writers a
// bounded optimistic-retry loop instead of a lock.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, rev int64, err error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	PutIf(ctx context.Context, key string, value []byte, rev int64, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// RevisionNone is the revision to pass to PutIf when the caller expects
// the key to not exist yet.
const RevisionNone int64 = 0
