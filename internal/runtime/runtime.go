// Package runtime defines the container-runtime collaborator the engine
// executes steps against. The engine is agnostic to the concrete runtime; it
// only requires the primitives below plus the guarantee that an image
// reference is resolvable to a stable digest.
package runtime

import (
	"context"
	"errors"

	"github.com/opencontainers/go-digest"
)

// ErrNotFound is wrapped by runtime implementations when a requested path or
// image does not exist, so the executor can classify the failure.
var ErrNotFound = errors.New("not found")

// RunResult is the outcome of one sandboxed script execution. Ref is the
// handle of the sandbox's final filesystem state and is only meaningful when
// ExitCode is zero.
type RunResult struct {
	ExitCode int
	Ref      string
	Stderr   string
}

// Runtime provides the four snapshot primitives, plus digest resolution and
// client-filesystem materialization. Handles ("refs") returned by one method
// are only meaningful to the runtime that produced them. All methods must be
// safe for concurrent use; every blocking call honors ctx cancellation.
type Runtime interface {
	// ResolveDigest resolves an image reference (tag or digest form) to a
	// stable manifest digest without pulling. Caching keys on this digest,
	// never on the tag string, so a mutable tag moving upstream is observed.
	ResolveDigest(ctx context.Context, imageRef string) (digest.Digest, error)

	// PullImage fetches the image pinned to dgst and returns its handle.
	PullImage(ctx context.Context, imageRef string, dgst digest.Digest) (string, error)

	// SnapshotPath snapshots the client filesystem subtree rooted at path.
	// The returned content digest covers the subtree's file names, modes and
	// bytes. A missing path wraps ErrNotFound.
	SnapshotPath(ctx context.Context, path string) (ref string, content digest.Digest, err error)

	// CopyOverlay produces base with overlay merged at its root; overlay
	// wins on path conflict.
	CopyOverlay(ctx context.Context, base, overlay string) (string, error)

	// RunSandbox executes script inside a sandbox seeded from base. A
	// nonzero exit is reported in RunResult, not as an error; the error
	// return is for failures to run at all.
	RunSandbox(ctx context.Context, base, script string) (*RunResult, error)

	// ExportPaths reduces a snapshot to only the listed paths. A listed
	// path absent from the snapshot wraps ErrNotFound.
	ExportPaths(ctx context.Context, ref string, paths []string) (string, error)

	// WriteOut copies the subtree at subPath inside a snapshot to a real
	// client-filesystem path. subPath "/" selects the whole snapshot.
	WriteOut(ctx context.Context, ref, subPath, hostPath string) error

	// Close releases runtime resources (scratch space, API connections).
	Close() error
}
