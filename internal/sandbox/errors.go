package sandbox

import "errors"

// Sentinel errors for sandbox operations.
var (
	// ErrNotFound indicates the sandbox or file does not exist.
	ErrNotFound = errors.New("sandbox not found")

	// ErrExpired indicates the sandbox existed but can no longer be resumed.
	ErrExpired = errors.New("sandbox expired")

	// ErrNotRunning indicates the sandbox is not running when it should be.
	ErrNotRunning = errors.New("sandbox not running")

	// ErrStartFailed indicates the sandbox failed to start.
	ErrStartFailed = errors.New("sandbox failed to start")

	// ErrExecFailed indicates command execution failed.
	ErrExecFailed = errors.New("command execution failed")

	// ErrTimeout indicates the operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrInvalidImage indicates the sandbox image is invalid or not found.
	ErrInvalidImage = errors.New("invalid sandbox image")

	// ErrPortNotExposed indicates the requested port is not published.
	ErrPortNotExposed = errors.New("port not exposed")
)
