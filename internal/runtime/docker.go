package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/opencontainers/go-digest"

	"github.com/vk/buildgrid/internal/ctxlog"
)

// Snapshot handle schemes used by the Docker runtime. Image-backed snapshots
// point at an engine-side image; dir-backed ones live in the runtime's
// scratch space (sources and exports).
const (
	imageScheme = "image://"
	dirScheme   = "dir://"
)

// Docker implements Runtime against a local Docker engine. Intermediate
// snapshots are container commits; sources and exports are scratch
// directories on the client side of the API.
type Docker struct {
	client   *client.Client
	keychain authn.Keychain
	scratch  string
}

// NewDocker connects to the engine from the environment, negotiates the API
// version and verifies the daemon is reachable before returning.
func NewDocker(ctx context.Context) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("error creating docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("error pinging docker daemon: %w", err)
	}
	scratch, err := os.MkdirTemp("", "buildgrid-scratch-*")
	if err != nil {
		return nil, fmt.Errorf("error creating scratch dir: %w", err)
	}
	return &Docker{
		client:   cli,
		keychain: authn.DefaultKeychain,
		scratch:  scratch,
	}, nil
}

// ResolveDigest implements Runtime. A reference already in digest form is
// returned as-is; tags cost one HEAD request against the registry.
func (d *Docker) ResolveDigest(ctx context.Context, imageRef string) (digest.Digest, error) {
	parsed, err := name.ParseReference(imageRef)
	if err != nil {
		return "", fmt.Errorf("failed to parse image reference %q: %w", imageRef, err)
	}
	if dig, ok := parsed.(name.Digest); ok {
		return digest.Digest(dig.DigestStr()), nil
	}
	desc, err := remote.Head(parsed,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(d.keychain),
	)
	if err != nil {
		return "", fmt.Errorf("failed to resolve digest for %q: %w", imageRef, err)
	}
	return digest.Digest(desc.Digest.String()), nil
}

// PullImage implements Runtime. The pull is always pinned to the resolved
// digest so a tag moving upstream between resolve and pull cannot race.
func (d *Docker) PullImage(ctx context.Context, imageRef string, dgst digest.Digest) (string, error) {
	parsed, err := name.ParseReference(imageRef)
	if err != nil {
		return "", fmt.Errorf("failed to parse image reference %q: %w", imageRef, err)
	}
	pinned := parsed.Context().Name() + "@" + dgst.String()

	output, err := d.client.ImagePull(ctx, pinned, image.PullOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", fmt.Errorf("image %q: %w", pinned, ErrNotFound)
		}
		return "", fmt.Errorf("failed to pull image %q: %w", pinned, err)
	}
	defer output.Close()
	if _, err := io.Copy(io.Discard, output); err != nil {
		return "", fmt.Errorf("failed to read pull progress for %q: %w", pinned, err)
	}

	inspect, err := d.client.ImageInspect(ctx, pinned)
	if err != nil {
		return "", fmt.Errorf("failed to inspect image after pulling %q: %w", pinned, err)
	}
	return imageScheme + inspect.ID, nil
}

// SnapshotPath implements Runtime. The subtree is copied into scratch space
// so later client-side edits cannot mutate an already-taken snapshot.
func (d *Docker) SnapshotPath(ctx context.Context, path string) (string, digest.Digest, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", fmt.Errorf("source path %q: %w", path, ErrNotFound)
		}
		return "", "", fmt.Errorf("failed to stat source path %q: %w", path, err)
	}
	if !info.IsDir() {
		return "", "", fmt.Errorf("source path %q is not a directory", path)
	}

	content, err := hashTree(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash source path %q: %w", path, err)
	}
	dir, err := os.MkdirTemp(d.scratch, "source-*")
	if err != nil {
		return "", "", err
	}
	if err := copyTree(dir, path); err != nil {
		return "", "", fmt.Errorf("failed to snapshot source path %q: %w", path, err)
	}
	return dirScheme + dir, content, nil
}

// CopyOverlay implements Runtime. The supported shapes are image+dir (the
// checkout-into-image case) and dir+dir; "overlay wins" falls out of copy
// order for directories and of tar extraction over the image filesystem.
func (d *Docker) CopyOverlay(ctx context.Context, base, overlay string) (string, error) {
	switch {
	case isImage(base) && isDir(overlay):
		return d.overlayOntoImage(ctx, imagePath(base), dirPath(overlay))
	case isDir(base) && isDir(overlay):
		merged, err := os.MkdirTemp(d.scratch, "overlay-*")
		if err != nil {
			return "", err
		}
		if err := copyTree(merged, dirPath(base)); err != nil {
			return "", err
		}
		if err := copyTree(merged, dirPath(overlay)); err != nil {
			return "", err
		}
		return dirScheme + merged, nil
	default:
		return "", fmt.Errorf("unsupported copy combination: base %q, overlay %q", base, overlay)
	}
}

func (d *Docker) overlayOntoImage(ctx context.Context, imageID, overlayDir string) (string, error) {
	created, err := d.client.ContainerCreate(ctx,
		&container.Config{Image: imageID, Cmd: []string{"/bin/sh"}},
		nil, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container for copy: %w", err)
	}
	defer d.removeContainer(ctx, created.ID)

	tarStream, err := archive.TarWithOptions(overlayDir, &archive.TarOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to tar overlay: %w", err)
	}
	defer tarStream.Close()

	if err := d.client.CopyToContainer(ctx, created.ID, "/", tarStream, container.CopyToContainerOptions{}); err != nil {
		return "", fmt.Errorf("failed to copy overlay into container: %w", err)
	}

	commit, err := d.client.ContainerCommit(ctx, created.ID, container.CommitOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to commit copy result: %w", err)
	}
	return imageScheme + commit.ID, nil
}

// RunSandbox implements Runtime. The sandbox is a one-shot container; on a
// zero exit its filesystem is committed as the result snapshot.
func (d *Docker) RunSandbox(ctx context.Context, base, script string) (*RunResult, error) {
	if !isImage(base) {
		return nil, fmt.Errorf("run requires an image-backed input, got %q", base)
	}
	logger := ctxlog.FromContext(ctx)

	created, err := d.client.ContainerCreate(ctx,
		&container.Config{
			Image: imagePath(base),
			Cmd:   []string{"/bin/sh", "-c", script},
		},
		nil, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}
	defer d.removeContainer(ctx, created.ID)

	if err := d.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start sandbox: %w", err)
	}
	logger.Debug("Sandbox started.", "container_id", created.ID)

	statusCh, errCh := d.client.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("error waiting for sandbox: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	}

	stderr, err := d.containerStderr(ctx, created.ID)
	if err != nil {
		logger.Warn("Failed to collect sandbox stderr.", "error", err)
	}

	result := &RunResult{ExitCode: exitCode, Stderr: stderr}
	if exitCode != 0 {
		return result, nil
	}

	commit, err := d.client.ContainerCommit(ctx, created.ID, container.CommitOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to commit sandbox result: %w", err)
	}
	result.Ref = imageScheme + commit.ID
	return result, nil
}

func (d *Docker) containerStderr(ctx context.Context, containerID string) (string, error) {
	logs, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", err
	}
	defer logs.Close()

	var stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(io.Discard, &stderr, logs); err != nil {
		return "", fmt.Errorf("failed to demultiplex logs: %w", err)
	}
	return stderr.String(), nil
}

// ExportPaths implements Runtime.
func (d *Docker) ExportPaths(ctx context.Context, ref string, paths []string) (string, error) {
	out, err := os.MkdirTemp(d.scratch, "export-*")
	if err != nil {
		return "", err
	}

	if isDir(ref) {
		root := dirPath(ref)
		for _, p := range paths {
			src := filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(p, "/")))
			if _, err := os.Stat(src); err != nil {
				return "", fmt.Errorf("export path %q: %w", p, ErrNotFound)
			}
			if err := copyTree(filepath.Join(out, filepath.FromSlash(strings.TrimPrefix(p, "/"))), src); err != nil {
				return "", err
			}
		}
		return dirScheme + out, nil
	}

	created, err := d.client.ContainerCreate(ctx,
		&container.Config{Image: imagePath(ref), Cmd: []string{"/bin/sh"}},
		nil, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container for export: %w", err)
	}
	defer d.removeContainer(ctx, created.ID)

	for _, p := range paths {
		reader, _, err := d.client.CopyFromContainer(ctx, created.ID, p)
		if err != nil {
			if client.IsErrNotFound(err) {
				return "", fmt.Errorf("export path %q: %w", p, ErrNotFound)
			}
			return "", fmt.Errorf("failed to export %q: %w", p, err)
		}
		// The stream is a tar rooted at the last path element; extract it
		// next to its parent so the full path survives.
		dest := filepath.Join(out, filepath.FromSlash(strings.TrimPrefix(filepath.ToSlash(filepath.Dir(p)), "/")))
		if err := os.MkdirAll(dest, 0o755); err != nil {
			reader.Close()
			return "", err
		}
		err = archive.Untar(reader, dest, &archive.TarOptions{NoLchown: true})
		reader.Close()
		if err != nil {
			return "", fmt.Errorf("failed to extract export %q: %w", p, err)
		}
	}
	return dirScheme + out, nil
}

// WriteOut implements Runtime. Only dir-backed snapshots (exports) are ever
// written out.
func (d *Docker) WriteOut(ctx context.Context, ref, subPath, hostPath string) error {
	if !isDir(ref) {
		return fmt.Errorf("write requires an exported snapshot, got %q", ref)
	}
	src := filepath.Join(dirPath(ref), filepath.FromSlash(strings.TrimPrefix(subPath, "/")))
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("write source %q: %w", subPath, ErrNotFound)
	}
	if err := os.MkdirAll(hostPath, 0o755); err != nil {
		return err
	}
	return copyTree(hostPath, src)
}

// Close implements Runtime.
func (d *Docker) Close() error {
	err := os.RemoveAll(d.scratch)
	if cerr := d.client.Close(); err == nil {
		err = cerr
	}
	return err
}

func (d *Docker) removeContainer(ctx context.Context, id string) {
	if err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		ctxlog.FromContext(ctx).Warn("Failed to remove container.", "container_id", id, "error", err)
	}
}

func isImage(ref string) bool { return strings.HasPrefix(ref, imageScheme) }
func isDir(ref string) bool   { return strings.HasPrefix(ref, dirScheme) }

func imagePath(ref string) string { return strings.TrimPrefix(ref, imageScheme) }
func dirPath(ref string) string   { return strings.TrimPrefix(ref, dirScheme) }
