package service

import (
	"context"
	"fmt"
	"log"
	"path"
	"time"

	"github.com/buildpad-dev/buildpad/internal/config"
	"github.com/buildpad-dev/buildpad/internal/model"
	"github.com/buildpad-dev/buildpad/internal/sandbox"
	"github.com/buildpad-dev/buildpad/internal/store"
)

// Scaffolder drives a project from scaffolding to ready (or error): it
// provisions a sandbox, generates the framework skeleton, installs
// dependencies, initializes the UI toolkit, and persists the resulting file
// tree to the store.
type Scaffolder struct {
	cfg      *config.Config
	store    *store.Store
	resolver *Resolver
	locks    *ProjectLocks
}

func NewScaffolder(cfg *config.Config, st *store.Store, resolver *Resolver, locks *ProjectLocks) *Scaffolder {
	return &Scaffolder{cfg: cfg, store: st, resolver: resolver, locks: locks}
}

// Scaffold runs the full provisioning flow for a project. Any failure past
// validation marks the project error with a redacted message; the returned
// error carries the unredacted detail for logging.
func (s *Scaffolder) Scaffold(ctx context.Context, projectID string) error {
	project, err := s.store.GetProjectByID(ctx, projectID)
	if err != nil {
		return Classify(fmt.Errorf("loading project: %w", err))
	}

	// Validation happens before any sandbox contact and before taking the
	// lock: a bad framework should not mark the project error.
	fw, ok := LookupFramework(project.Framework)
	if !ok {
		return validationError(fmt.Sprintf("unsupported framework %q", project.Framework))
	}

	if !s.locks.TryAcquire(projectID) {
		return busyError()
	}
	defer s.locks.Release(projectID)

	if err := s.run(ctx, project, fw); err != nil {
		oerr := Classify(err)
		msg := oerr.UserMessage
		if uerr := s.store.UpdateProjectStatus(ctx, projectID, model.ProjectStatusError, &msg); uerr != nil {
			log.Printf("scaffold: marking project %s error failed: %v", projectID, uerr)
		}
		return oerr
	}

	if err := s.store.UpdateProjectStatus(ctx, projectID, model.ProjectStatusReady, nil); err != nil {
		return Classify(fmt.Errorf("marking project ready: %w", err))
	}
	return nil
}

func (s *Scaffolder) run(ctx context.Context, project *model.Project, fw Framework) error {
	res, err := s.resolver.Resolve(ctx, project.ID, project.SandboxID)
	if err != nil {
		return err
	}
	handle := res.Handle
	workDir := WorkingDir(s.cfg.WorkspaceRoot, project.ID)

	if _, err := handle.RunCommand(ctx, fmt.Sprintf("mkdir -p %s", shellQuote(workDir)), sandbox.CommandOptions{}); err != nil {
		return fmt.Errorf("creating working directory: %w", err)
	}

	// A previous attempt may have partially completed and crashed, or a
	// user may re-trigger scaffold on a provisioned sandbox. If project
	// markers are already present, skip generation and install entirely
	// and just finish the remaining steps.
	exists, err := s.projectExists(ctx, handle, workDir, fw)
	if err != nil {
		return err
	}

	if exists {
		log.Printf("scaffold: project %s already present in sandbox, recovering", project.ID)
		if err := s.ensureToolkit(ctx, handle, workDir); err != nil {
			log.Printf("scaffold: toolkit init during recovery failed for project %s: %v", project.ID, err)
		}
		return s.snapshotAndPersist(ctx, handle, workDir, project)
	}

	seeded, err := s.trySeedTemplate(ctx, handle, workDir, fw)
	if err != nil {
		return err
	}
	if !seeded {
		if err := s.generate(ctx, handle, workDir, fw); err != nil {
			return err
		}
		if err := s.install(ctx, handle, workDir, fw); err != nil {
			// Not fatal: preview start installs on demand.
			log.Printf("scaffold: dependency install failed for project %s, deferring to preview: %v", project.ID, err)
		}
	}

	if err := s.ensureToolkit(ctx, handle, workDir); err != nil {
		log.Printf("scaffold: toolkit init failed for project %s: %v", project.ID, err)
	}

	if err := s.snapshotAndPersist(ctx, handle, workDir, project); err != nil {
		return err
	}

	if effort := s.writeLogo(ctx, handle, workDir, project); !effort.OK {
		log.Printf("scaffold: logo write failed for project %s: %s", project.ID, effort.Reason)
	}
	return nil
}

// projectExists checks for marker files left by a prior generator run.
func (s *Scaffolder) projectExists(ctx context.Context, handle sandbox.Handle, workDir string, fw Framework) (bool, error) {
	entries, err := handle.ListFiles(ctx, workDir)
	if err != nil {
		return false, fmt.Errorf("listing working directory: %w", err)
	}
	markers := map[string]bool{packageJSONFile: true, "src": true, "app": true}
	for _, m := range fw.ConfigMarkers {
		markers[m] = true
	}
	for _, e := range entries {
		if markers[e.Name] {
			return true, nil
		}
	}
	return false, nil
}

// trySeedTemplate copies a pre-baked template from the sandbox image when
// one exists, bypassing the generator entirely.
func (s *Scaffolder) trySeedTemplate(ctx context.Context, handle sandbox.Handle, workDir string, fw Framework) (bool, error) {
	if fw.SeedDir == "" {
		return false, nil
	}
	check, err := handle.RunCommand(ctx, fmt.Sprintf("test -d %s", shellQuote(fw.SeedDir)), sandbox.CommandOptions{})
	if err != nil || check.ExitCode != 0 {
		return false, nil
	}
	cp, err := handle.RunCommand(ctx,
		fmt.Sprintf("cp -a %s/. %s/", shellQuote(fw.SeedDir), shellQuote(workDir)),
		sandbox.CommandOptions{Timeout: 2 * time.Minute})
	if err != nil {
		return false, fmt.Errorf("copying seed template: %w", err)
	}
	if cp.ExitCode != 0 {
		log.Printf("scaffold: seed copy exited %d, falling back to generator: %s", cp.ExitCode, tail(cp.Stderr, 200))
		return false, nil
	}
	log.Printf("scaffold: seeded %s template into %s", fw.Name, workDir)
	return true, nil
}

// generate runs the framework's generator in the background and waits for
// package.json to appear. Process exit is not trusted as the completion
// signal: generators may exit before the final flush or hang afterwards.
func (s *Scaffolder) generate(ctx context.Context, handle sandbox.Handle, workDir string, fw Framework) error {
	proc, err := handle.StartBackground(ctx, fw.GeneratorCmd, sandbox.CommandOptions{WorkDir: workDir})
	if err != nil {
		return fmt.Errorf("starting generator: %w", err)
	}

	outcome, err := pollProcess(ctx, proc, s.cfg.GeneratorPollInterval, s.cfg.GeneratorTimeout,
		func(ctx context.Context) (bool, error) {
			return s.fileExists(ctx, handle, path.Join(workDir, packageJSONFile))
		})
	if err != nil {
		return fmt.Errorf("polling generator: %w", err)
	}

	switch outcome.State {
	case waitCompleted:
		return nil
	case waitTimedOut:
		return timeoutError("Project setup did not complete in time. Try again in a moment.",
			fmt.Errorf("generator exceeded %s deadline", s.cfg.GeneratorTimeout))
	case waitFailed:
		return processError(
			fmt.Sprintf("Project generation failed: %s", stderrDetail(outcome.StderrTail)),
			fmt.Errorf("generator exited %d", outcome.ExitCode))
	default:
		return fmt.Errorf("generator poll ended in unexpected state %d", outcome.State)
	}
}

// install runs the package manager in the background and waits for
// node_modules to become non-empty. One retry with --prefer-offline.
func (s *Scaffolder) install(ctx context.Context, handle sandbox.Handle, workDir string, fw Framework) error {
	return installWithPoll(ctx, handle, workDir, fw, s.cfg.InstallPollInterval, s.cfg.InstallTimeout)
}

// installWithPoll is shared between scaffold and preview start. The first
// attempt runs the plain install command; a failure is retried once with an
// offline-preferring flag before giving up.
func installWithPoll(ctx context.Context, handle sandbox.Handle, workDir string, fw Framework, interval, deadline time.Duration) error {
	attempts := []string{fw.InstallCmd, fw.InstallCmd + " " + installRetryFlag}
	var lastErr error

	for i, cmd := range attempts {
		if i > 0 {
			log.Printf("install: retrying with %s in %s", installRetryFlag, workDir)
		}
		proc, err := handle.StartBackground(ctx, cmd, sandbox.CommandOptions{WorkDir: workDir})
		if err != nil {
			return fmt.Errorf("starting install: %w", err)
		}

		outcome, err := pollProcess(ctx, proc, interval, deadline,
			func(ctx context.Context) (bool, error) {
				return dirNonEmpty(ctx, handle, path.Join(workDir, nodeModulesDir))
			})
		if err != nil {
			return fmt.Errorf("polling install: %w", err)
		}

		switch outcome.State {
		case waitCompleted:
			return nil
		case waitTimedOut:
			lastErr = timeoutError("Dependency install was interrupted. Try again in a moment.",
				fmt.Errorf("install exceeded %s deadline", deadline))
		case waitFailed:
			lastErr = processError(
				fmt.Sprintf("Dependency install failed: %s", stderrDetail(outcome.StderrTail)),
				fmt.Errorf("install exited %d", outcome.ExitCode))
		}
	}
	return lastErr
}

// ensureToolkit initializes the UI component toolkit if its config file is
// absent. A non-zero exit is returned for logging but treated as non-fatal
// by callers.
func (s *Scaffolder) ensureToolkit(ctx context.Context, handle sandbox.Handle, workDir string) error {
	return ensureToolkit(ctx, handle, workDir, s.cfg.ToolkitInitTimeout)
}

func ensureToolkit(ctx context.Context, handle sandbox.Handle, workDir string, timeout time.Duration) error {
	exists, err := fileExistsIn(ctx, handle, workDir, toolkitConfig)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	result, err := handle.RunCommand(ctx, toolkitInitCmd, sandbox.CommandOptions{
		WorkDir: workDir,
		Timeout: timeout,
	})
	if err != nil {
		return fmt.Errorf("running toolkit init: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("toolkit init exited %d: %s", result.ExitCode, tail(result.Stderr, 300))
	}
	return nil
}

// snapshotAndPersist reads the working directory into the store, retrying
// once on an empty listing. Zero files after the retry is terminal: the
// previously persisted files are left untouched rather than replaced with
// an empty set.
func (s *Scaffolder) snapshotAndPersist(ctx context.Context, handle sandbox.Handle, workDir string, project *model.Project) error {
	files, err := SnapshotFiles(ctx, handle, workDir)
	if err != nil {
		return fmt.Errorf("snapshotting working directory: %w", err)
	}
	if len(files) == 0 {
		time.Sleep(s.cfg.SnapshotRetryDelay)
		files, err = SnapshotFiles(ctx, handle, workDir)
		if err != nil {
			return fmt.Errorf("snapshotting working directory (retry): %w", err)
		}
	}
	if len(files) == 0 {
		return &OrchestrationError{
			Kind:        KindEmptySnapshot,
			UserMessage: "Project setup produced no files. Try again in a moment.",
			Internal:    fmt.Errorf("snapshot of %s empty after retry", workDir),
		}
	}
	if err := s.store.ReplaceProjectFiles(ctx, project.ID, files); err != nil {
		return fmt.Errorf("persisting %d files: %w", len(files), err)
	}
	log.Printf("scaffold: persisted %d files for project %s", len(files), project.ID)
	return nil
}

// writeLogo writes the project's configured logo into the generated tree as
// a static icon asset. Best-effort.
func (s *Scaffolder) writeLogo(ctx context.Context, handle sandbox.Handle, workDir string, project *model.Project) BestEffort {
	if project.LogoURL == nil || *project.LogoURL == "" {
		return effortOK()
	}
	cmd := fmt.Sprintf("mkdir -p %s && curl -fsSL --max-time 30 -o %s %s",
		shellQuote(path.Join(workDir, "public")),
		shellQuote(path.Join(workDir, "public", "logo.png")),
		shellQuote(*project.LogoURL))
	result, err := handle.RunCommand(ctx, cmd, sandbox.CommandOptions{Timeout: time.Minute})
	if err != nil {
		return effortFailed(err)
	}
	if result.ExitCode != 0 {
		return effortFailed(fmt.Errorf("logo fetch exited %d", result.ExitCode))
	}
	return effortOK()
}

// fileExists reports whether an absolute sandbox path exists as a file.
func (s *Scaffolder) fileExists(ctx context.Context, handle sandbox.Handle, p string) (bool, error) {
	return fileExistsIn(ctx, handle, path.Dir(p), path.Base(p))
}

func fileExistsIn(ctx context.Context, handle sandbox.Handle, dir, name string) (bool, error) {
	entries, err := handle.ListFiles(ctx, dir)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Name == name && !e.IsDir {
			return true, nil
		}
	}
	return false, nil
}

func dirNonEmpty(ctx context.Context, handle sandbox.Handle, dir string) (bool, error) {
	entries, err := handle.ListFiles(ctx, dir)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}
