package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/vk/buildgrid/internal/runtime"
)

// ScriptFunc models one sandboxed script for the fake runtime. It receives a
// copy of the sandbox filesystem and returns the files it adds or overwrites,
// the exit code, and any stderr output.
type ScriptFunc func(files map[string]string) (added map[string]string, exitCode int, stderr string)

// FakeRuntime is an in-memory runtime.Runtime. Snapshots are maps of
// "/"-rooted file paths to contents; refs are opaque strings minted per
// snapshot. Every method that performs real work in the Docker runtime bumps
// an operation counter, which is how cache tests assert "nothing executed".
type FakeRuntime struct {
	mu sync.Mutex

	trees   map[string]map[string]string // ref -> files
	images  map[string]digest.Digest     // image reference -> manifest digest
	layers  map[digest.Digest]map[string]string
	host    map[string]map[string]string // host path -> files
	scripts map[string]ScriptFunc
	written map[string]map[string]string // host path -> files written out
	nextRef int

	// Operation counters, guarded by mu.
	Resolves  int
	Pulls     int
	Snapshots int
	Copies    int
	Runs      int
	Exports   int
}

// NewFakeRuntime creates an empty fake runtime.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		trees:   make(map[string]map[string]string),
		images:  make(map[string]digest.Digest),
		layers:  make(map[digest.Digest]map[string]string),
		host:    make(map[string]map[string]string),
		scripts: make(map[string]ScriptFunc),
		written: make(map[string]map[string]string),
	}
}

// AddImage registers an image under a mutable reference and returns the
// digest it currently resolves to.
func (f *FakeRuntime) AddImage(imageRef string, files map[string]string) digest.Digest {
	f.mu.Lock()
	defer f.mu.Unlock()
	dgst := digest.FromString("image:" + imageRef + treeFingerprint(files))
	f.images[imageRef] = dgst
	f.layers[dgst] = copyFiles(files)
	return dgst
}

// RetagImage points an existing image reference at new content, simulating a
// tag moving upstream.
func (f *FakeRuntime) RetagImage(imageRef string, files map[string]string) digest.Digest {
	return f.AddImage(imageRef, files)
}

// AddHostPath registers a client filesystem subtree for SnapshotPath.
func (f *FakeRuntime) AddHostPath(path string, files map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.host[path] = copyFiles(files)
}

// OnScript registers the behavior for a script string. Scripts without a
// registered behavior succeed and leave the filesystem unchanged.
func (f *FakeRuntime) OnScript(script string, fn ScriptFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[script] = fn
}

// Tree returns a copy of the files behind a snapshot ref.
func (f *FakeRuntime) Tree(ref string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyFiles(f.trees[ref])
}

// WrittenTo returns a copy of the files most recently written out to hostPath.
func (f *FakeRuntime) WrittenTo(hostPath string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyFiles(f.written[hostPath])
}

// ResolveDigest implements runtime.Runtime.
func (f *FakeRuntime) ResolveDigest(_ context.Context, imageRef string) (digest.Digest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Resolves++
	if _, name, ok := strings.Cut(imageRef, "@"); ok {
		return digest.Parse(name)
	}
	dgst, ok := f.images[imageRef]
	if !ok {
		return "", fmt.Errorf("resolving %q: %w", imageRef, runtime.ErrNotFound)
	}
	return dgst, nil
}

// PullImage implements runtime.Runtime.
func (f *FakeRuntime) PullImage(_ context.Context, imageRef string, dgst digest.Digest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Pulls++
	files, ok := f.layers[dgst]
	if !ok {
		return "", fmt.Errorf("pulling %q at %s: %w", imageRef, dgst, runtime.ErrNotFound)
	}
	return f.mint(files), nil
}

// SnapshotPath implements runtime.Runtime.
func (f *FakeRuntime) SnapshotPath(_ context.Context, path string) (string, digest.Digest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Snapshots++
	files, ok := f.host[path]
	if !ok {
		return "", "", fmt.Errorf("snapshotting %q: %w", path, runtime.ErrNotFound)
	}
	return f.mint(files), digest.FromString(treeFingerprint(files)), nil
}

// CopyOverlay implements runtime.Runtime.
func (f *FakeRuntime) CopyOverlay(_ context.Context, base, overlay string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Copies++
	baseFiles, ok := f.trees[base]
	if !ok {
		return "", fmt.Errorf("overlay base %q: %w", base, runtime.ErrNotFound)
	}
	overlayFiles, ok := f.trees[overlay]
	if !ok {
		return "", fmt.Errorf("overlay contents %q: %w", overlay, runtime.ErrNotFound)
	}
	merged := copyFiles(baseFiles)
	for name, content := range overlayFiles {
		merged[name] = content
	}
	return f.mint(merged), nil
}

// RunSandbox implements runtime.Runtime. The script callback runs outside
// the mutex so sandboxes can be in flight concurrently, like real containers.
func (f *FakeRuntime) RunSandbox(_ context.Context, base, script string) (*runtime.RunResult, error) {
	f.mu.Lock()
	f.Runs++
	files, ok := f.trees[base]
	if !ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("sandbox base %q: %w", base, runtime.ErrNotFound)
	}
	fn := f.scripts[script]
	result := copyFiles(files)
	f.mu.Unlock()

	exitCode := 0
	stderr := ""
	if fn != nil {
		added, code, errOut := fn(copyFiles(result))
		exitCode, stderr = code, errOut
		for name, content := range added {
			result[name] = content
		}
	}
	if exitCode != 0 {
		return &runtime.RunResult{ExitCode: exitCode, Stderr: stderr}, nil
	}

	f.mu.Lock()
	ref := f.mint(result)
	f.mu.Unlock()
	return &runtime.RunResult{ExitCode: 0, Ref: ref, Stderr: stderr}, nil
}

// ExportPaths implements runtime.Runtime.
func (f *FakeRuntime) ExportPaths(_ context.Context, ref string, paths []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Exports++
	files, ok := f.trees[ref]
	if !ok {
		return "", fmt.Errorf("export source %q: %w", ref, runtime.ErrNotFound)
	}

	kept := make(map[string]string)
	for _, p := range paths {
		found := false
		for name, content := range files {
			if name == p || strings.HasPrefix(name, strings.TrimSuffix(p, "/")+"/") {
				kept[name] = content
				found = true
			}
		}
		if !found {
			return "", fmt.Errorf("export path %q: %w", p, runtime.ErrNotFound)
		}
	}
	return f.mint(kept), nil
}

// WriteOut implements runtime.Runtime. Writes are recorded in memory and
// inspected through WrittenTo rather than touching the real filesystem.
func (f *FakeRuntime) WriteOut(_ context.Context, ref, subPath, hostPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	files, ok := f.trees[ref]
	if !ok {
		return fmt.Errorf("write-out source %q: %w", ref, runtime.ErrNotFound)
	}

	out := make(map[string]string)
	prefix := strings.TrimSuffix(subPath, "/")
	for name, content := range files {
		switch {
		case subPath == "/" || subPath == "":
			out[name] = content
		case name == prefix:
			out["/"] = content
		case strings.HasPrefix(name, prefix+"/"):
			out[strings.TrimPrefix(name, prefix)] = content
		}
	}
	f.written[hostPath] = out
	return nil
}

// Close implements runtime.Runtime.
func (f *FakeRuntime) Close() error { return nil }

// mint stores files under a fresh ref. Callers must hold f.mu.
func (f *FakeRuntime) mint(files map[string]string) string {
	f.nextRef++
	ref := fmt.Sprintf("fake://%d", f.nextRef)
	f.trees[ref] = copyFiles(files)
	return ref
}

func copyFiles(files map[string]string) map[string]string {
	out := make(map[string]string, len(files))
	for name, content := range files {
		out[name] = content
	}
	return out
}

func treeFingerprint(files map[string]string) string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s=%q\n", name, files[name])
	}
	return b.String()
}
