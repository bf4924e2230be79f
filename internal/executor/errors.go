package executor

import "fmt"

// SourceNotFoundError reports a source step whose path does not exist on the
// client filesystem.
type SourceNotFoundError struct {
	Path string
	Err  error
}

func (e *SourceNotFoundError) Error() string {
	return fmt.Sprintf("source path %q not found", e.Path)
}

func (e *SourceNotFoundError) Unwrap() error { return e.Err }

// ImagePullError reports a failure to resolve or fetch an image.
type ImagePullError struct {
	Image string
	Err   error
}

func (e *ImagePullError) Error() string {
	return fmt.Sprintf("failed to pull image %q: %v", e.Image, e.Err)
}

func (e *ImagePullError) Unwrap() error { return e.Err }

// ScriptExecutionError reports a sandboxed script that exited nonzero.
// StderrTail holds at most the last stderrTailLimit bytes of stderr.
type ScriptExecutionError struct {
	ExitCode   int
	StderrTail string
}

func (e *ScriptExecutionError) Error() string {
	if e.StderrTail == "" {
		return fmt.Sprintf("script exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("script exited with code %d: %s", e.ExitCode, e.StderrTail)
}

// ExportPathMissingError reports an export path absent from the sandbox's
// final filesystem state.
type ExportPathMissingError struct {
	Step string
	Err  error
}

func (e *ExportPathMissingError) Error() string {
	return fmt.Sprintf("export path missing after %s: %v", e.Step, e.Err)
}

func (e *ExportPathMissingError) Unwrap() error { return e.Err }
