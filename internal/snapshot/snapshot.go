// Package snapshot defines the immutable, content-addressed filesystem state
// that flows along graph edges, and the cache-key computation that makes
// re-execution avoidance sound.
package snapshot

import (
	"fmt"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Snapshot is an opaque filesystem state produced by a step. Key is the
// content-addressed cache key; Ref is a runtime-owned handle (an image ID,
// a scratch directory) that the runtime knows how to dereference.
type Snapshot struct {
	Key digest.Digest
	Ref string
}

// Zero reports whether the snapshot is the zero value.
func (s Snapshot) Zero() bool {
	return s.Key == "" && s.Ref == ""
}

// StepKey computes the cache key for a step execution: a digest over the
// step kind, its canonicalized parameters, and the keys of its input
// snapshots in positional order. Identical declarations with identical
// inputs always produce the same key, which is what lets the store answer
// "has this exact work been done before".
func StepKey(kind string, params map[string]string, inputs ...digest.Digest) digest.Digest {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "kind=%s\n", kind)
	for _, name := range names {
		fmt.Fprintf(&b, "%s=%q\n", name, params[name])
	}
	for i, in := range inputs {
		fmt.Fprintf(&b, "input[%d]=%s\n", i, in)
	}
	return digest.FromString(b.String())
}
