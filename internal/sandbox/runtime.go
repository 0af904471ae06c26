// Package sandbox provides an abstraction for remote sandbox execution
// environments. It supports multiple backends including Docker containers
// and an in-memory mock for tests.
package sandbox

import (
	"context"
	"time"
)

// Provider abstracts the sandbox backend. Each project gets at most one live
// sandbox at a time, addressed by an opaque id. Instances are ephemeral: an
// id that worked yesterday may refer to an expired or recycled instance
// today, so Connect may legitimately fail and callers are expected to fall
// back to Create.
type Provider interface {
	// Connect reattaches to an existing sandbox by id, resuming it if the
	// backend paused it. Returns ErrNotFound or ErrExpired if the instance
	// is gone.
	Connect(ctx context.Context, sandboxID string) (Handle, error)

	// Create provisions and starts a fresh sandbox for the given project.
	Create(ctx context.Context, projectID string) (Handle, error)

	// Pause suspends a sandbox by id. Best-effort: pausing an already-gone
	// sandbox returns ErrNotFound.
	Pause(ctx context.Context, sandboxID string) error

	// Kill destroys a sandbox by id and releases its resources.
	Kill(ctx context.Context, sandboxID string) error
}

// Handle is a live, addressable sandbox instance exposing a shell,
// a filesystem, and port forwarding.
type Handle interface {
	// ID returns the provider's opaque id for this instance.
	ID() string

	// RunCommand runs a shell command to completion and returns its output.
	// The command string is passed to `sh -c`.
	RunCommand(ctx context.Context, cmd string, opts CommandOptions) (*ExecResult, error)

	// StartBackground launches a shell command as a detached background
	// process and returns a handle for polling and killing it. The process
	// outlives the call; its stdout/stderr are captured on the sandbox side.
	StartBackground(ctx context.Context, cmd string, opts CommandOptions) (Process, error)

	// ListFiles returns the direct entries of a directory. A missing
	// directory returns an empty listing, not an error.
	ListFiles(ctx context.Context, path string) ([]FileEntry, error)

	// ReadFile returns the content of a file. Returns ErrNotFound if the
	// path does not exist.
	ReadFile(ctx context.Context, path string) (string, error)

	// WriteFile writes content to a file, creating parent directories.
	WriteFile(ctx context.Context, path, content string) error

	// RemoveFile deletes a file or directory recursively.
	RemoveFile(ctx context.Context, path string) error

	// ExposePort publishes a sandbox TCP port and returns the public host
	// (host or host:port) it is reachable on.
	ExposePort(ctx context.Context, port int) (string, error)
}

// CommandOptions configures command execution.
type CommandOptions struct {
	WorkDir string            // Working directory for the command
	Env     map[string]string // Additional environment variables
	Timeout time.Duration     // Max run time for RunCommand (0 = no limit)
}

// ExecResult contains the result of a completed command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// FileEntry is a single directory entry.
type FileEntry struct {
	Name  string
	IsDir bool
}

// Process is a handle to a detached background command.
type Process interface {
	// Poll reports the current status of the process without blocking.
	Poll(ctx context.Context) (*ProcessStatus, error)

	// Kill terminates the process. Killing an already-exited process is
	// not an error.
	Kill(ctx context.Context) error
}

// ProcessStatus is a point-in-time snapshot of a background process.
type ProcessStatus struct {
	Running    bool
	ExitCode   int    // Valid only when Running is false
	StderrTail string // Bounded tail of captured stderr
}
