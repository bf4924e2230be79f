// Package store defines the Artifact Store: a content-addressed cache of
// snapshots keyed by the step cache key. A hit means the step's work has
// already been done with identical parameters and identical inputs, so the
// scheduler can mark the node Done without touching the runtime.
package store

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/vk/buildgrid/internal/snapshot"
)

var errEmptyKey = errors.New("snapshot has no key")

// Store is the contract for an artifact cache. Implementations MUST be safe
// for concurrent Get/Put from multiple workers; callers never lock.
type Store interface {
	// Get returns the snapshot cached under key, if any.
	Get(key digest.Digest) (snapshot.Snapshot, bool)

	// Put caches the snapshot under its own key. Concurrent Puts of the
	// same key from parallel branches are idempotent: the store keeps one
	// equivalent snapshot and must not corrupt.
	Put(snap snapshot.Snapshot) error

	// Ref and Unref adjust the in-flight reference count for a key. A
	// snapshot with a nonzero count must not be evicted. Retention policy
	// beyond that is external.
	Ref(key digest.Digest)
	Unref(key digest.Digest)

	// Len reports the number of cached snapshots.
	Len() int
}

// Error indicates the store itself failed (corruption, I/O). It is fatal to
// the run, unlike step-scoped execution errors.
type Error struct {
	Key digest.Digest
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("artifact store %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
