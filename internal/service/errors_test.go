package service

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestClassifyPassesThroughOrchestrationErrors(t *testing.T) {
	orig := timeoutError("try again", errors.New("deadline"))
	got := Classify(fmt.Errorf("wrapped: %w", orig))
	if got.Kind != KindTimeout {
		t.Errorf("Expected timeout kind to survive wrapping, got %s", got.Kind)
	}
	if got.UserMessage != "try again" {
		t.Errorf("Expected original user message, got %q", got.UserMessage)
	}
}

func TestClassifyUnknownErrorsGetGenericMessage(t *testing.T) {
	internal := errors.New("dial tcp 10.0.3.7:443: connect: api_key=sk-internal refused")
	got := Classify(internal)
	if got.Kind != KindUnknown {
		t.Errorf("Expected unknown kind, got %s", got.Kind)
	}
	if strings.Contains(got.UserMessage, "10.0.3.7") || strings.Contains(got.UserMessage, "sk-internal") {
		t.Errorf("Internal detail leaked into user message: %q", got.UserMessage)
	}
	if !errors.Is(got, internal) {
		t.Error("Expected internal error to be preserved for logging")
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		in   string
		leak string
	}{
		{"visit https://3000-i7fa2.preview.host.dev/ now", "preview.host.dev"},
		{"container 4f9d2c8a1b3e4f9d2c8a1b3e running", "4f9d2c8a1b3e"},
		{"API_KEY=sk-abc123secret failed", "sk-abc123secret"},
		{"Authorization: Bearer xyz", "Bearer"},
	}
	for _, tt := range tests {
		out := Redact(tt.in)
		if strings.Contains(out, tt.leak) {
			t.Errorf("Redact(%q) leaked %q: %q", tt.in, tt.leak, out)
		}
		if !strings.Contains(out, "[redacted]") {
			t.Errorf("Redact(%q) produced no redaction marker: %q", tt.in, out)
		}
	}

	clean := "Module not found: Can't resolve './Button'"
	if got := Redact(clean); got != clean {
		t.Errorf("Redact mangled clean text: %q", got)
	}
}

func TestTail(t *testing.T) {
	if got := tail("short", 100); got != "short" {
		t.Errorf("tail(short) = %q", got)
	}
	long := strings.Repeat("x", 50) + "\nfinal line of output"
	got := tail(long, 25)
	if got != "final line of output" {
		t.Errorf("Expected whole-line tail, got %q", got)
	}
}

func TestRetryable(t *testing.T) {
	if !timeoutError("m", nil).Retryable() {
		t.Error("Timeout should be retryable")
	}
	if !busyError().Retryable() {
		t.Error("Busy should be retryable")
	}
	if validationError("m").Retryable() {
		t.Error("Validation should not be retryable")
	}
	if processError("m", nil).Retryable() {
		t.Error("Process failure should not be retryable")
	}
}

func TestProjectLocks(t *testing.T) {
	locks := NewProjectLocks()

	if !locks.TryAcquire("p1") {
		t.Fatal("First acquire should succeed")
	}
	if locks.TryAcquire("p1") {
		t.Error("Second acquire on held lock should fail")
	}
	if !locks.TryAcquire("p2") {
		t.Error("Different project should be independent")
	}

	locks.Release("p1")
	if !locks.TryAcquire("p1") {
		t.Error("Acquire after release should succeed")
	}

	// Releasing an unheld lock is a no-op.
	locks.Release("never-held")
}

func TestProjectLocksConcurrent(t *testing.T) {
	locks := NewProjectLocks()
	const goroutines = 50

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if locks.TryAcquire("contested") {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if acquired != 1 {
		t.Errorf("Expected exactly one winner, got %d", acquired)
	}
}
