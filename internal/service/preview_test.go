package service

import (
	"context"
	"strings"
	"testing"

	"github.com/buildpad-dev/buildpad/internal/model"
	"github.com/buildpad-dev/buildpad/internal/sandbox"
	"github.com/buildpad-dev/buildpad/internal/sandbox/mock"
)

func TestCandidatePorts(t *testing.T) {
	tests := []struct {
		name  string
		last  *int
		first int
		count int
	}{
		{"no last known port", nil, 3000, 11},
		{"last port in range", intPtr(3005), 3005, 11},
		{"last port at range start", intPtr(3000), 3000, 11},
		{"last port below range", intPtr(2999), 3000, 11},
		{"last port above range", intPtr(9999), 3000, 11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ports := candidatePorts(tt.last, 3000, 3010)
			if len(ports) != tt.count {
				t.Fatalf("Expected %d candidates, got %d: %v", tt.count, len(ports), ports)
			}
			if ports[0] != tt.first {
				t.Errorf("Expected first candidate %d, got %d", tt.first, ports[0])
			}
			seen := make(map[int]bool)
			for _, p := range ports {
				if seen[p] {
					t.Errorf("Duplicate port %d in %v", p, ports)
				}
				seen[p] = true
				if p < 3000 || p > 3010 {
					t.Errorf("Port %d outside range in %v", p, ports)
				}
			}
		})
	}
}

func TestStartPreviewReusedSandboxMissingDeps(t *testing.T) {
	st := testDB(t)
	provider := mock.NewProvider()
	cfg := testConfig()
	previewer := NewPreviewer(cfg, st, NewResolver(provider, st), NewProjectLocks())

	project := createTestProject(t, st, model.FrameworkNextJS)
	handle := provider.Seed("sbx-reuse")
	if err := st.UpdateProjectSandboxID(context.Background(), project.ID, strPtr("sbx-reuse")); err != nil {
		t.Fatalf("UpdateProjectSandboxID: %v", err)
	}

	// Project files exist in the sandbox but node_modules does not.
	workDir := WorkingDir(cfg.WorkspaceRoot, project.ID)
	handle.WriteTree(map[string]string{
		workDir + "/package.json": `{"name":"test"}`,
	})

	installs := 0
	handle.BackgroundFunc = func(ctx context.Context, cmd string, opts sandbox.CommandOptions) (sandbox.Process, error) {
		if strings.Contains(cmd, "pnpm install") {
			installs++
			handle.WriteTree(map[string]string{workDir + "/node_modules/.modules.yaml": ""})
		}
		return mock.NewProcess(sandbox.ProcessStatus{Running: true}), nil
	}
	handle.RunFunc = func(ctx context.Context, cmd string, opts sandbox.CommandOptions) (*sandbox.ExecResult, error) {
		if strings.Contains(cmd, "curl") {
			return &sandbox.ExecResult{ExitCode: 0, Stdout: "200"}, nil
		}
		return &sandbox.ExecResult{ExitCode: 0}, nil
	}

	result, err := previewer.StartPreview(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("StartPreview: %v", err)
	}

	if installs != 1 {
		t.Errorf("Expected exactly one install run, got %d", installs)
	}
	if result.Port != 3000 {
		t.Errorf("Expected first candidate port 3000, got %d", result.Port)
	}
	if !strings.HasPrefix(result.URL, "https://") {
		t.Errorf("Expected https preview URL, got %q", result.URL)
	}

	// Files were already present so no restore traffic should have happened.
	if writes := handle.CallsWithPrefix("write"); len(writes) != 0 {
		t.Errorf("Expected no restore writes on reused sandbox, got %v", writes)
	}

	got, _ := st.GetProjectByID(context.Background(), project.ID)
	if got.PreviewURL == nil || *got.PreviewURL != result.URL {
		t.Errorf("Preview URL not persisted: %v", got.PreviewURL)
	}
	if got.PreviewPort == nil || *got.PreviewPort != result.Port {
		t.Errorf("Preview port not persisted: %v", got.PreviewPort)
	}
}

func TestStartPreviewNewSandboxRestoresFiles(t *testing.T) {
	st := testDB(t)
	provider := mock.NewProvider()
	cfg := testConfig()
	previewer := NewPreviewer(cfg, st, NewResolver(provider, st), NewProjectLocks())

	project := createTestProject(t, st, model.FrameworkReact)
	if err := st.ReplaceProjectFiles(context.Background(), project.ID, []model.ProjectFile{
		{Path: "package.json", Content: `{"name":"restored"}`},
		{Path: "src", IsFolder: true},
		{Path: "src/main.tsx", Content: "main"},
	}); err != nil {
		t.Fatalf("ReplaceProjectFiles: %v", err)
	}

	// No stored sandbox id, so the resolver provisions a fresh instance.
	var handle *mock.Handle
	provider.CreateFunc = func(ctx context.Context, projectID string) (sandbox.Handle, error) {
		provider.CreateFunc = nil
		h, err := provider.Create(ctx, projectID)
		if err != nil {
			return nil, err
		}
		handle = h.(*mock.Handle)
		workDir := WorkingDir(cfg.WorkspaceRoot, project.ID)
		handle.BackgroundFunc = func(ctx context.Context, cmd string, opts sandbox.CommandOptions) (sandbox.Process, error) {
			if strings.Contains(cmd, "pnpm install") {
				handle.WriteTree(map[string]string{workDir + "/node_modules/.modules.yaml": ""})
			}
			return mock.NewProcess(sandbox.ProcessStatus{Running: true}), nil
		}
		handle.RunFunc = func(ctx context.Context, cmd string, opts sandbox.CommandOptions) (*sandbox.ExecResult, error) {
			if strings.Contains(cmd, "curl") {
				return &sandbox.ExecResult{ExitCode: 0, Stdout: "200"}, nil
			}
			return &sandbox.ExecResult{ExitCode: 0}, nil
		}
		return handle, nil
	}

	result, err := previewer.StartPreview(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("StartPreview: %v", err)
	}

	workDir := WorkingDir(cfg.WorkspaceRoot, project.ID)
	if content, err := handle.ReadFile(context.Background(), workDir+"/src/main.tsx"); err != nil || content != "main" {
		t.Errorf("Expected restored file content, got %q, %v", content, err)
	}

	got, _ := st.GetProjectByID(context.Background(), project.ID)
	if got.SandboxID == nil || *got.SandboxID != handle.ID() {
		t.Errorf("New sandbox id not persisted: %v", got.SandboxID)
	}
	if result.Port < 3000 || result.Port > 3010 {
		t.Errorf("Port %d outside preview range", result.Port)
	}
}

func TestStartPreviewDegradesWhenNoPortAnswers(t *testing.T) {
	st := testDB(t)
	provider := mock.NewProvider()
	cfg := testConfig()
	cfg.PortProbeAttempts = 1
	cfg.PreviewPortMax = 3001 // Two candidates, keep the test fast
	previewer := NewPreviewer(cfg, st, NewResolver(provider, st), NewProjectLocks())

	project := createTestProject(t, st, model.FrameworkNextJS)
	handle := provider.Seed("sbx-deaf")
	if err := st.UpdateProjectSandboxID(context.Background(), project.ID, strPtr("sbx-deaf")); err != nil {
		t.Fatalf("UpdateProjectSandboxID: %v", err)
	}
	workDir := WorkingDir(cfg.WorkspaceRoot, project.ID)
	handle.WriteTree(map[string]string{
		workDir + "/package.json":               `{"name":"test"}`,
		workDir + "/node_modules/.modules.yaml": "",
	})
	handle.RunFunc = func(ctx context.Context, cmd string, opts sandbox.CommandOptions) (*sandbox.ExecResult, error) {
		if strings.Contains(cmd, "curl") {
			// Connection refused: curl exits non-zero.
			return &sandbox.ExecResult{ExitCode: 7}, nil
		}
		return &sandbox.ExecResult{ExitCode: 0}, nil
	}

	result, err := previewer.StartPreview(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("Expected graceful degradation, got %v", err)
	}
	if result.Port != 3000 {
		t.Errorf("Expected fallback to first candidate 3000, got %d", result.Port)
	}
}

func TestPreviewLogTail(t *testing.T) {
	st := testDB(t)
	provider := mock.NewProvider()
	cfg := testConfig()
	previewer := NewPreviewer(cfg, st, NewResolver(provider, st), NewProjectLocks())

	project := createTestProject(t, st, model.FrameworkNextJS)
	handle := provider.Seed("sbx-logs")
	if err := st.UpdateProjectSandboxID(context.Background(), project.ID, strPtr("sbx-logs")); err != nil {
		t.Fatalf("UpdateProjectSandboxID: %v", err)
	}

	tests := []struct {
		name      string
		output    string
		wantNil   bool
		wantError bool
	}{
		{"clean output", "ready - started server on 0.0.0.0:3000", false, false},
		{"compile error", "Module not found: Can't resolve './missing'", false, true},
		{"enoent", "ENOENT: no such file or directory", false, true},
		{"empty log", "   ", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handle.RunFunc = func(ctx context.Context, cmd string, opts sandbox.CommandOptions) (*sandbox.ExecResult, error) {
				return &sandbox.ExecResult{ExitCode: 0, Stdout: tt.output}, nil
			}
			tail, err := previewer.PreviewLogTail(context.Background(), project.ID)
			if err != nil {
				t.Fatalf("PreviewLogTail: %v", err)
			}
			if tt.wantNil {
				if tail != nil {
					t.Fatalf("Expected nil tail, got %+v", tail)
				}
				return
			}
			if tail == nil {
				t.Fatal("Expected a tail, got nil")
			}
			if tail.HasErrors != tt.wantError {
				t.Errorf("HasErrors = %v, want %v for %q", tail.HasErrors, tt.wantError, tt.output)
			}
		})
	}
}

func TestPreviewLogTailRedactsSandboxHosts(t *testing.T) {
	st := testDB(t)
	provider := mock.NewProvider()
	previewer := NewPreviewer(testConfig(), st, NewResolver(provider, st), NewProjectLocks())

	project := createTestProject(t, st, model.FrameworkNextJS)
	handle := provider.Seed("sbx-secret")
	if err := st.UpdateProjectSandboxID(context.Background(), project.ID, strPtr("sbx-secret")); err != nil {
		t.Fatalf("UpdateProjectSandboxID: %v", err)
	}

	handle.RunFunc = func(ctx context.Context, cmd string, opts sandbox.CommandOptions) (*sandbox.ExecResult, error) {
		return &sandbox.ExecResult{
			ExitCode: 0,
			Stdout:   "serving at https://3000-abc123.preview.provider.io and token=sk-deadbeef",
		}, nil
	}

	tail, err := previewer.PreviewLogTail(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("PreviewLogTail: %v", err)
	}
	if strings.Contains(tail.Output, "preview.provider.io") {
		t.Errorf("Provider hostname leaked: %q", tail.Output)
	}
	if strings.Contains(tail.Output, "sk-deadbeef") {
		t.Errorf("Credential leaked: %q", tail.Output)
	}
}

func TestPreviewLogTailNoSandbox(t *testing.T) {
	st := testDB(t)
	provider := mock.NewProvider()
	previewer := NewPreviewer(testConfig(), st, NewResolver(provider, st), NewProjectLocks())

	project := createTestProject(t, st, model.FrameworkNextJS)

	tail, err := previewer.PreviewLogTail(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("PreviewLogTail: %v", err)
	}
	if tail != nil {
		t.Fatalf("Expected nil tail for project without sandbox, got %+v", tail)
	}
}
