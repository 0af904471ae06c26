package service

import (
	"context"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/buildpad-dev/buildpad/internal/config"
	"github.com/buildpad-dev/buildpad/internal/model"
	"github.com/buildpad-dev/buildpad/internal/sandbox"
	"github.com/buildpad-dev/buildpad/internal/store"
)

// Previewer starts and monitors the framework dev server for a project and
// exposes its port as a public preview URL.
type Previewer struct {
	cfg      *config.Config
	store    *store.Store
	resolver *Resolver
	locks    *ProjectLocks
}

func NewPreviewer(cfg *config.Config, st *store.Store, resolver *Resolver, locks *ProjectLocks) *Previewer {
	return &Previewer{cfg: cfg, store: st, resolver: resolver, locks: locks}
}

// PreviewResult is the public address of a started dev server.
type PreviewResult struct {
	URL  string `json:"previewUrl"`
	Port int    `json:"previewPort"`
}

// StartPreview ensures a dev server is running for the project and returns
// its public URL. The server may still be warming up when this returns: the
// frontend polls the URL itself, so an unresponsive port degrades to a URL
// that will come up shortly rather than an error.
func (p *Previewer) StartPreview(ctx context.Context, projectID string) (*PreviewResult, error) {
	project, err := p.store.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, Classify(fmt.Errorf("loading project: %w", err))
	}
	fw, ok := LookupFramework(project.Framework)
	if !ok {
		return nil, validationError(fmt.Sprintf("unsupported framework %q", project.Framework))
	}

	if !p.locks.TryAcquire(projectID) {
		return nil, busyError()
	}
	defer p.locks.Release(projectID)

	result, err := p.run(ctx, project, fw)
	if err != nil {
		return nil, Classify(err)
	}
	if err := p.store.TouchProjectActivity(ctx, projectID); err != nil {
		log.Printf("preview: touching activity for project %s failed: %v", projectID, err)
	}
	return result, nil
}

func (p *Previewer) run(ctx context.Context, project *model.Project, fw Framework) (*PreviewResult, error) {
	res, err := p.resolver.Resolve(ctx, project.ID, project.SandboxID)
	if err != nil {
		return nil, err
	}
	handle := res.Handle
	workDir := WorkingDir(p.cfg.WorkspaceRoot, project.ID)

	if res.IsNew {
		// Fresh instance, empty filesystem: hydrate from the store first.
		files, err := p.store.GetProjectFiles(ctx, project.ID)
		if err != nil {
			return nil, fmt.Errorf("loading project files: %w", err)
		}
		if err := RestoreFiles(ctx, handle, workDir, files); err != nil {
			return nil, fmt.Errorf("restoring files: %w", err)
		}
		if err := installWithPoll(ctx, handle, workDir, fw, p.cfg.InstallPollInterval, p.cfg.InstallTimeout); err != nil {
			return nil, err
		}
	} else {
		// Reused instance: only install if node_modules is missing. The
		// existence check is cheap; a redundant install is minutes.
		hasDeps, err := dirNonEmpty(ctx, handle, path.Join(workDir, nodeModulesDir))
		if err != nil {
			return nil, fmt.Errorf("checking dependencies: %w", err)
		}
		if !hasDeps {
			if err := installWithPoll(ctx, handle, workDir, fw, p.cfg.InstallPollInterval, p.cfg.InstallTimeout); err != nil {
				return nil, err
			}
		}
	}

	p.killStaleServer(ctx, handle, project.ID, fw)

	port := p.launchAndProbe(ctx, handle, workDir, fw, project)

	host, err := handle.ExposePort(ctx, port)
	if err != nil {
		return nil, fmt.Errorf("exposing port %d: %w", port, err)
	}
	url := host
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "https://" + url
	}

	if err := p.store.UpdateProjectPreview(ctx, project.ID, url, port); err != nil {
		return nil, fmt.Errorf("persisting preview address: %w", err)
	}
	return &PreviewResult{URL: url, Port: port}, nil
}

// killStaleServer terminates any dev server left over from a previous start.
// Sandboxes are per-project, so matching on the dev command is safe here.
// Best-effort: an absent process is the normal case.
func (p *Previewer) killStaleServer(ctx context.Context, handle sandbox.Handle, projectID string, fw Framework) {
	cmd := fmt.Sprintf("pkill -f %s || true", shellQuote(devCommandBase(fw)))
	if _, err := handle.RunCommand(ctx, cmd, sandbox.CommandOptions{Timeout: 10 * time.Second}); err != nil {
		log.Printf("preview: killing stale dev server for project %s failed: %v", projectID, err)
	}
	logPath := DevServerLogPath(projectID)
	if _, err := handle.RunCommand(ctx, fmt.Sprintf("rm -f %s", shellQuote(logPath)), sandbox.CommandOptions{Timeout: 5 * time.Second}); err != nil {
		log.Printf("preview: removing stale dev server log for project %s failed: %v", projectID, err)
	}
}

// devCommandBase is the dev command without its port argument, used as the
// pkill pattern. "pnpm dev --port %d" matches on "pnpm dev".
func devCommandBase(fw Framework) string {
	parts := strings.Fields(fw.DevCmd)
	if len(parts) >= 2 {
		return parts[0] + " " + parts[1]
	}
	return parts[0]
}

// launchAndProbe tries each candidate port in order: start the dev server on
// it, then poll until the port answers HTTP. The first responsive port wins.
// If none respond within the probe window the first candidate is returned
// anyway and the caller exposes it optimistically.
func (p *Previewer) launchAndProbe(ctx context.Context, handle sandbox.Handle, workDir string, fw Framework, project *model.Project) int {
	candidates := candidatePorts(project.PreviewPort, p.cfg.PreviewPortMin, p.cfg.PreviewPortMax)

	for _, port := range candidates {
		devCmd := fmt.Sprintf(fw.DevCmd, port)
		cmd := fmt.Sprintf("%s > %s 2>&1",
			devCmd, shellQuote(DevServerLogPath(project.ID)))
		if _, err := handle.StartBackground(ctx, cmd, sandbox.CommandOptions{WorkDir: workDir}); err != nil {
			log.Printf("preview: starting dev server on port %d failed: %v", port, err)
			continue
		}
		if p.probePort(ctx, handle, port) {
			return port
		}
		log.Printf("preview: port %d did not come up for project %s, trying next", port, project.ID)
	}
	return candidates[0]
}

// probePort polls the port from inside the sandbox until it answers with a
// success or redirect status.
func (p *Previewer) probePort(ctx context.Context, handle sandbox.Handle, port int) bool {
	cmd := fmt.Sprintf("curl -s -o /dev/null -w '%%{http_code}' --max-time 3 http://localhost:%d/", port)
	for i := 0; i < p.cfg.PortProbeAttempts; i++ {
		result, err := handle.RunCommand(ctx, cmd, sandbox.CommandOptions{Timeout: 10 * time.Second})
		if err == nil && result.ExitCode == 0 {
			code := strings.TrimSpace(result.Stdout)
			if strings.HasPrefix(code, "2") || strings.HasPrefix(code, "3") {
				return true
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(p.cfg.PortProbeInterval):
		}
	}
	return false
}

// candidatePorts builds the probe order: the last-known port first when it
// falls inside the valid range, then the rest of the range ascending, each
// port exactly once.
func candidatePorts(last *int, min, max int) []int {
	ports := make([]int, 0, max-min+2)
	if last != nil && *last >= min && *last <= max {
		ports = append(ports, *last)
	}
	for p := min; p <= max; p++ {
		if last != nil && p == *last {
			continue
		}
		ports = append(ports, p)
	}
	return ports
}

// Keywords that mark a dev server log tail as error-bearing.
var errorKeywords = []string{"error", "module not found", "can't resolve", "enoent", "failed"}

// LogTail is a bounded, redacted read of the dev server log.
type LogTail struct {
	Output    string `json:"output"`
	HasErrors bool   `json:"hasErrors"`
}

// PreviewLogTail reads the tail of the project's dev server log, redacts
// provider-identifying substrings, and classifies it by keyword scan. Returns
// nil when the project has no live sandbox or the log does not exist yet.
// Performs no mutation.
func (p *Previewer) PreviewLogTail(ctx context.Context, projectID string) (*LogTail, error) {
	project, err := p.store.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, Classify(fmt.Errorf("loading project: %w", err))
	}
	if project.SandboxID == nil || *project.SandboxID == "" {
		return nil, nil
	}
	handle, err := p.resolver.provider.Connect(ctx, *project.SandboxID)
	if err != nil {
		// No live sandbox means no log to tail.
		return nil, nil
	}

	cmd := fmt.Sprintf("tail -c 4096 %s 2>/dev/null || true", shellQuote(DevServerLogPath(projectID)))
	result, err := handle.RunCommand(ctx, cmd, sandbox.CommandOptions{Timeout: 10 * time.Second})
	if err != nil {
		return nil, Classify(fmt.Errorf("reading dev server log: %w", err))
	}
	out := result.Stdout
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}

	redacted := Redact(out)
	lower := strings.ToLower(redacted)
	hasErrors := false
	for _, kw := range errorKeywords {
		if strings.Contains(lower, kw) {
			hasErrors = true
			break
		}
	}
	return &LogTail{Output: redacted, HasErrors: hasErrors}, nil
}
