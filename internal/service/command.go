package service

import (
	"context"
	"fmt"
	"log"
	"path"
	"regexp"
	"strings"

	"github.com/buildpad-dev/buildpad/internal/config"
	"github.com/buildpad-dev/buildpad/internal/sandbox"
	"github.com/buildpad-dev/buildpad/internal/store"
)

// CommandGateway validates and runs allow-listed user commands against a
// project's sandbox, persisting any resulting file changes.
type CommandGateway struct {
	cfg      *config.Config
	store    *store.Store
	resolver *Resolver
	locks    *ProjectLocks
}

func NewCommandGateway(cfg *config.Config, st *store.Store, resolver *Resolver, locks *ProjectLocks) *CommandGateway {
	return &CommandGateway{cfg: cfg, store: st, resolver: resolver, locks: locks}
}

// CommandResult is the captured output of an executed command.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// The allow-list grammar: package-manager add/install/run, runner
// dlx/exec, and read-only introspection. Anything else is rejected before
// any sandbox contact.
var allowedCommands = []*regexp.Regexp{
	regexp.MustCompile(`^(pnpm|npm|yarn)\s+(add|install|i)(\s+[\w@./^~:+-]+)*(\s+--?[\w-]+(=[\w./-]+)?)*$`),
	regexp.MustCompile(`^(pnpm|npm|yarn)\s+(run)\s+[\w:-]+(\s+--?[\w-]+(=[\w./-]+)?)*$`),
	regexp.MustCompile(`^(pnpm|yarn)\s+(dlx|exec)\s+[\w@./^~:+-]+(\s+[\w@./^~:=-]+)*$`),
	regexp.MustCompile(`^npx\s+[\w@./^~:+-]+(\s+[\w@./^~:=-]+)*$`),
	regexp.MustCompile(`^(pnpm|npm|yarn)\s+(list|ls|why|outdated)(\s+[\w@./-]+)?$`),
}

// Shell metacharacters rejected regardless of the allow-list. Defense in
// depth against gaps in the allow-list regexes.
var forbiddenChars = []string{";", "&", "|", "`", "$", "<", ">"}

// shadcnAddRe detects the toolkit component-add command, which needs the
// toolkit initialized first.
var shadcnAddRe = regexp.MustCompile(`^pnpm\s+dlx\s+shadcn(@[\w.-]+)?\s+add\b`)

// ValidateCommand checks a command against the allow-list grammar and the
// forbidden character set. Returns nil if the command may be executed.
func ValidateCommand(command string) error {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return validationError("empty command")
	}
	for _, ch := range forbiddenChars {
		if strings.Contains(trimmed, ch) {
			return validationError(fmt.Sprintf("command contains forbidden character %q", ch))
		}
	}
	if strings.Contains(trimmed, "..") {
		return validationError("command contains path traversal")
	}
	for _, re := range allowedCommands {
		if re.MatchString(trimmed) {
			return nil
		}
	}
	return validationError("command not allowed; only package manager add/install/run/dlx/exec and introspection commands are permitted")
}

// Run validates and executes a user command in the project's sandbox. On a
// zero exit the working directory is re-snapshotted so side effects (new
// lockfile, generated files) land in durable storage.
func (g *CommandGateway) Run(ctx context.Context, projectID, command string) (*CommandResult, error) {
	// Validation is synchronous and happens before any sandbox contact.
	if err := ValidateCommand(command); err != nil {
		return nil, err
	}
	command = strings.TrimSpace(command)

	project, err := g.store.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, Classify(fmt.Errorf("loading project: %w", err))
	}
	fw, ok := LookupFramework(project.Framework)
	if !ok {
		return nil, validationError(fmt.Sprintf("unsupported framework %q", project.Framework))
	}

	if !g.locks.TryAcquire(projectID) {
		return nil, busyError()
	}
	defer g.locks.Release(projectID)

	res, err := g.resolver.Resolve(ctx, projectID, project.SandboxID)
	if err != nil {
		return nil, Classify(err)
	}
	handle := res.Handle
	workDir := WorkingDir(g.cfg.WorkspaceRoot, projectID)

	if res.IsNew {
		files, err := g.store.GetProjectFiles(ctx, projectID)
		if err != nil {
			return nil, Classify(fmt.Errorf("loading project files: %w", err))
		}
		if err := RestoreFiles(ctx, handle, workDir, files); err != nil {
			return nil, Classify(fmt.Errorf("restoring files: %w", err))
		}
		if err := installWithPoll(ctx, handle, workDir, fw, g.cfg.InstallPollInterval, g.cfg.InstallTimeout); err != nil {
			return nil, Classify(err)
		}
	}

	// Component adds fail confusingly when the toolkit was never set up.
	// Bootstrap it here so the user's command does not fail for a reason
	// they did not cause.
	if shadcnAddRe.MatchString(command) {
		if err := ensureToolkit(ctx, handle, workDir, g.cfg.ToolkitInitTimeout); err != nil {
			log.Printf("command: toolkit bootstrap for project %s failed: %v", projectID, err)
		}
	}

	result, err := handle.RunCommand(ctx, command, sandbox.CommandOptions{
		WorkDir: workDir,
		Timeout: g.cfg.CommandTimeout,
	})
	if err != nil {
		return nil, Classify(fmt.Errorf("executing command: %w", err))
	}

	if result.ExitCode == 0 {
		if err := g.persistSnapshot(ctx, handle, workDir, projectID); err != nil {
			log.Printf("command: snapshot after command for project %s failed: %v", projectID, err)
		}
	}

	if err := g.store.TouchProjectActivity(ctx, projectID); err != nil {
		log.Printf("command: touching activity for project %s failed: %v", projectID, err)
	}

	return &CommandResult{
		Stdout:   Redact(result.Stdout),
		Stderr:   Redact(result.Stderr),
		ExitCode: result.ExitCode,
	}, nil
}

// persistSnapshot re-reads the working directory and replaces the project's
// stored files. An empty snapshot is skipped, never persisted.
func (g *CommandGateway) persistSnapshot(ctx context.Context, handle sandbox.Handle, workDir, projectID string) error {
	files, err := SnapshotFiles(ctx, handle, workDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("snapshot of %s empty, keeping existing files", path.Base(workDir))
	}
	return g.store.ReplaceProjectFiles(ctx, projectID, files)
}
