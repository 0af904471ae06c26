package service

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrorKind classifies orchestration failures for callers that need to pick
// an HTTP status or decide whether a retry is worthwhile.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"      // Bad input, no sandbox contact made
	KindTimeout        ErrorKind = "timeout"         // Deadline expired, retry may succeed
	KindProcessFailure ErrorKind = "process_failure" // Generator or installer exited non-zero
	KindEmptySnapshot  ErrorKind = "empty_snapshot"  // Snapshot yielded no files after retry
	KindBusy           ErrorKind = "busy"            // Another orchestration holds the project lock
	KindUnknown        ErrorKind = "unknown"         // Anything else, redacted before surfacing
)

// OrchestrationError carries a kind tag, a user-safe message, and the
// unredacted internal detail. The internal detail is for server logs only
// and must never reach an HTTP response.
type OrchestrationError struct {
	Kind        ErrorKind
	UserMessage string
	Internal    error
}

func (e *OrchestrationError) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Kind, e.UserMessage, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.UserMessage)
}

func (e *OrchestrationError) Unwrap() error { return e.Internal }

// Retryable reports whether the same call may succeed if repeated.
func (e *OrchestrationError) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindBusy
}

func validationError(msg string) *OrchestrationError {
	return &OrchestrationError{Kind: KindValidation, UserMessage: msg}
}

func timeoutError(msg string, internal error) *OrchestrationError {
	return &OrchestrationError{Kind: KindTimeout, UserMessage: msg, Internal: internal}
}

func processError(msg string, internal error) *OrchestrationError {
	return &OrchestrationError{Kind: KindProcessFailure, UserMessage: msg, Internal: internal}
}

// Classify wraps an arbitrary error into an OrchestrationError. Errors that
// are already classified pass through unchanged; everything else becomes
// KindUnknown with a generic user message so provider internals never leak.
func Classify(err error) *OrchestrationError {
	if err == nil {
		return nil
	}
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return oe
	}
	return &OrchestrationError{
		Kind:        KindUnknown,
		UserMessage: "Something went wrong while setting up your project. Please try again.",
		Internal:    err,
	}
}

// Patterns that identify sandbox/provider internals in free-form process
// output: preview hostnames, container ids, bearer-style secrets.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)https?://[a-z0-9.-]+\.(?:preview|sandbox)\.[a-z0-9.-]+(?::\d+)?`),
	regexp.MustCompile(`\b[0-9a-f]{12,64}\b`),
	regexp.MustCompile(`(?i)(?:api[_-]?key|token|secret|authorization)[=:]\s*\S+`),
}

// Redact strips sandbox hostnames, instance ids, and credential-shaped
// substrings from text before it is shown to a user.
func Redact(s string) string {
	for _, re := range redactPatterns {
		s = re.ReplaceAllString(s, "[redacted]")
	}
	return s
}

// tail returns the last n bytes of s, trimmed to whole lines where possible.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
		s = s[i+1:]
	}
	return s
}

// stderrDetail produces the user-facing detail for a failed process: a
// redacted, bounded tail of its stderr.
func stderrDetail(stderr string) string {
	t := tail(stderr, 500)
	if t == "" {
		return "the command produced no error output"
	}
	return Redact(t)
}
