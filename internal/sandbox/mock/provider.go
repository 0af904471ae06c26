// Package mock provides an in-memory implementation of sandbox.Provider for
// testing. Handles carry a scriptable filesystem and record every operation
// so tests can assert on exact sandbox traffic (including its absence).
package mock

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/buildpad-dev/buildpad/internal/sandbox"
)

// Provider is a mock sandbox provider for testing.
type Provider struct {
	mu      sync.Mutex
	handles map[string]*Handle
	nextID  int

	// Recorded lifecycle calls
	CreateCount int
	Paused      []string
	Killed      []string

	// Configurable behaviors for testing
	ConnectFunc func(ctx context.Context, sandboxID string) (sandbox.Handle, error)
	CreateFunc  func(ctx context.Context, projectID string) (sandbox.Handle, error)
	PauseFunc   func(ctx context.Context, sandboxID string) error
	KillFunc    func(ctx context.Context, sandboxID string) error
}

// NewProvider creates a new mock provider with no live sandboxes.
func NewProvider() *Provider {
	return &Provider{handles: make(map[string]*Handle)}
}

// Seed registers a live handle under the given id, simulating an instance
// that survived from a previous request.
func (p *Provider) Seed(sandboxID string) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := newHandle(sandboxID)
	p.handles[sandboxID] = h
	return h
}

// Handle returns the handle for an id, or nil.
func (p *Provider) Handle(sandboxID string) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[sandboxID]
}

// Connect reattaches to a seeded handle.
func (p *Provider) Connect(ctx context.Context, sandboxID string) (sandbox.Handle, error) {
	if p.ConnectFunc != nil {
		return p.ConnectFunc(ctx, sandboxID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[sandboxID]
	if !ok {
		return nil, sandbox.ErrNotFound
	}
	return h, nil
}

// Create provisions a fresh mock sandbox with a deterministic id.
func (p *Provider) Create(ctx context.Context, projectID string) (sandbox.Handle, error) {
	if p.CreateFunc != nil {
		return p.CreateFunc(ctx, projectID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.CreateCount++
	id := fmt.Sprintf("mock-sbx-%d", p.nextID)
	h := newHandle(id)
	p.handles[id] = h
	return h, nil
}

// Pause records the pause without removing the handle (resumable).
func (p *Provider) Pause(ctx context.Context, sandboxID string) error {
	if p.PauseFunc != nil {
		return p.PauseFunc(ctx, sandboxID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handles[sandboxID]; !ok {
		return sandbox.ErrNotFound
	}
	p.Paused = append(p.Paused, sandboxID)
	return nil
}

// Kill removes the handle.
func (p *Provider) Kill(ctx context.Context, sandboxID string) error {
	if p.KillFunc != nil {
		return p.KillFunc(ctx, sandboxID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handles, sandboxID)
	p.Killed = append(p.Killed, sandboxID)
	return nil
}

// Handle is an in-memory sandbox instance.
type Handle struct {
	mu    sync.Mutex
	id    string
	files map[string]string
	dirs  map[string]bool

	// Calls records every operation as "<op> <arg>" in order.
	Calls []string

	// Configurable behaviors for testing
	RunFunc        func(ctx context.Context, cmd string, opts sandbox.CommandOptions) (*sandbox.ExecResult, error)
	BackgroundFunc func(ctx context.Context, cmd string, opts sandbox.CommandOptions) (sandbox.Process, error)
	ListFunc       func(ctx context.Context, dir string) ([]sandbox.FileEntry, error)
}

func newHandle(id string) *Handle {
	return &Handle{
		id:    id,
		files: make(map[string]string),
		dirs:  make(map[string]bool),
	}
}

// ID returns the mock sandbox id.
func (h *Handle) ID() string { return h.id }

func (h *Handle) record(op, arg string) {
	h.Calls = append(h.Calls, op+" "+arg)
}

// CallsWithPrefix returns recorded calls whose op matches the prefix.
func (h *Handle) CallsWithPrefix(prefix string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, c := range h.Calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// CallCount returns the total number of recorded sandbox operations.
func (h *Handle) CallCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Calls)
}

// WriteTree seeds the in-memory filesystem with the given path -> content map.
func (h *Handle) WriteTree(files map[string]string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for p, content := range files {
		h.putFile(p, content)
	}
}

// putFile stores a file and registers its parent directories.
// Caller must hold h.mu.
func (h *Handle) putFile(p, content string) {
	p = path.Clean(p)
	h.files[p] = content
	for dir := path.Dir(p); dir != "/" && dir != "."; dir = path.Dir(dir) {
		h.dirs[dir] = true
	}
}

// MkdirAll registers an (empty) directory.
func (h *Handle) MkdirAll(dir string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	dir = path.Clean(dir)
	for ; dir != "/" && dir != "."; dir = path.Dir(dir) {
		h.dirs[dir] = true
	}
}

// RunCommand records the call and defers to RunFunc, defaulting to exit 0.
func (h *Handle) RunCommand(ctx context.Context, cmd string, opts sandbox.CommandOptions) (*sandbox.ExecResult, error) {
	h.mu.Lock()
	h.record("run", cmd)
	h.mu.Unlock()
	if h.RunFunc != nil {
		return h.RunFunc(ctx, cmd, opts)
	}
	return &sandbox.ExecResult{ExitCode: 0}, nil
}

// StartBackground records the call and defers to BackgroundFunc, defaulting
// to a process that has already exited cleanly.
func (h *Handle) StartBackground(ctx context.Context, cmd string, opts sandbox.CommandOptions) (sandbox.Process, error) {
	h.mu.Lock()
	h.record("background", cmd)
	h.mu.Unlock()
	if h.BackgroundFunc != nil {
		return h.BackgroundFunc(ctx, cmd, opts)
	}
	return NewProcess(sandbox.ProcessStatus{Running: false, ExitCode: 0}), nil
}

// ListFiles returns the direct entries of a directory, sorted by name.
// A missing directory yields an empty listing.
func (h *Handle) ListFiles(ctx context.Context, dir string) ([]sandbox.FileEntry, error) {
	h.mu.Lock()
	h.record("list", dir)
	h.mu.Unlock()
	if h.ListFunc != nil {
		return h.ListFunc(ctx, dir)
	}
	return h.list(dir), nil
}

func (h *Handle) list(dir string) []sandbox.FileEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	dir = path.Clean(dir)
	seen := make(map[string]bool)
	var entries []sandbox.FileEntry
	add := func(name string, isDir bool) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		entries = append(entries, sandbox.FileEntry{Name: name, IsDir: isDir})
	}
	for p := range h.files {
		if path.Dir(p) == dir {
			add(path.Base(p), false)
		}
	}
	for d := range h.dirs {
		if path.Dir(d) == dir {
			add(path.Base(d), true)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// ReadFile returns the file content or ErrNotFound.
func (h *Handle) ReadFile(ctx context.Context, p string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("read", p)
	content, ok := h.files[path.Clean(p)]
	if !ok {
		return "", sandbox.ErrNotFound
	}
	return content, nil
}

// WriteFile stores the file, creating parent directories implicitly.
func (h *Handle) WriteFile(ctx context.Context, p, content string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("write", p)
	h.putFile(p, content)
	return nil
}

// RemoveFile deletes a file or a directory subtree.
func (h *Handle) RemoveFile(ctx context.Context, p string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("remove", p)
	p = path.Clean(p)
	delete(h.files, p)
	delete(h.dirs, p)
	prefix := p + "/"
	for f := range h.files {
		if strings.HasPrefix(f, prefix) {
			delete(h.files, f)
		}
	}
	for d := range h.dirs {
		if strings.HasPrefix(d, prefix) {
			delete(h.dirs, d)
		}
	}
	return nil
}

// ExposePort returns a deterministic public host for the port.
func (h *Handle) ExposePort(ctx context.Context, port int) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("expose", fmt.Sprintf("%d", port))
	return fmt.Sprintf("%d-%s.preview.mock.local", port, h.id), nil
}

// Process is a scriptable background process. Each Poll consumes the next
// scripted status; the final status repeats once the script is exhausted.
type Process struct {
	mu       sync.Mutex
	statuses []sandbox.ProcessStatus
	idx      int

	Killed  bool
	KillErr error
	OnKill  func()
}

// NewProcess creates a process that reports the given statuses in order.
func NewProcess(statuses ...sandbox.ProcessStatus) *Process {
	if len(statuses) == 0 {
		statuses = []sandbox.ProcessStatus{{Running: false, ExitCode: 0}}
	}
	return &Process{statuses: statuses}
}

// RunningForever creates a process that never exits on its own.
func RunningForever() *Process {
	return NewProcess(sandbox.ProcessStatus{Running: true})
}

// Poll returns the next scripted status.
func (p *Process) Poll(ctx context.Context) (*sandbox.ProcessStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.statuses[p.idx]
	if p.idx < len(p.statuses)-1 {
		p.idx++
	}
	return &st, nil
}

// Kill records the kill and runs the OnKill hook.
func (p *Process) Kill(ctx context.Context) error {
	p.mu.Lock()
	p.Killed = true
	hook := p.OnKill
	err := p.KillErr
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}
