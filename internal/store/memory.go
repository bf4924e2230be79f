package store

import (
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/vk/buildgrid/internal/snapshot"
)

// Memory is an in-process Store. Snapshots live in a sync.Map because the
// workload is write-heavy with independent keys: every worker publishes its
// result under a distinct digest while siblings read unrelated ones.
// Refcounts share one small mutex; they are touched far less often.
type Memory struct {
	snaps sync.Map // digest.Digest -> snapshot.Snapshot

	mu   sync.Mutex
	refs map[digest.Digest]int
}

// NewMemory creates an empty in-memory artifact store.
func NewMemory() *Memory {
	return &Memory{refs: make(map[digest.Digest]int)}
}

// Get implements Store.
func (m *Memory) Get(key digest.Digest) (snapshot.Snapshot, bool) {
	v, ok := m.snaps.Load(key)
	if !ok {
		return snapshot.Snapshot{}, false
	}
	return v.(snapshot.Snapshot), true
}

// Put implements Store. The first writer wins; a concurrent Put of the same
// key is a no-op because content-addressing guarantees equivalence.
func (m *Memory) Put(snap snapshot.Snapshot) error {
	if snap.Key == "" {
		return &Error{Op: "put", Err: errEmptyKey}
	}
	m.snaps.LoadOrStore(snap.Key, snap)
	return nil
}

// Ref implements Store.
func (m *Memory) Ref(key digest.Digest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[key]++
}

// Unref implements Store.
func (m *Memory) Unref(key digest.Digest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs[key] > 0 {
		m.refs[key]--
	}
	if m.refs[key] == 0 {
		delete(m.refs, key)
	}
}

// Refs reports the in-flight reference count for a key.
func (m *Memory) Refs(key digest.Digest) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[key]
}

// Len implements Store.
func (m *Memory) Len() int {
	n := 0
	m.snaps.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}
