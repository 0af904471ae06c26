// Package docker provides a Docker-based implementation of the sandbox
// Provider interface. Each sandbox is one container; commands run as execs
// inside it and background processes are tracked through pid and exit files
// on the container filesystem.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/buildpad-dev/buildpad/internal/config"
	"github.com/buildpad-dev/buildpad/internal/sandbox"
)

// Provider implements sandbox.Provider using Docker.
type Provider struct {
	client *client.Client
	cfg    *config.Config
}

// NewProvider creates a new Docker sandbox provider.
func NewProvider(cfg *config.Config) (*Provider, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	return &Provider{client: cli, cfg: cfg}, nil
}

// containerName generates a consistent container name from the project ID.
func containerName(projectID string) string {
	return fmt.Sprintf("buildpad-sandbox-%s", projectID)
}

// Create provisions and starts a fresh container for the project. The
// preview port range is published up front because Docker cannot add port
// bindings to a running container.
func (p *Provider) Create(ctx context.Context, projectID string) (sandbox.Handle, error) {
	name := containerName(projectID)

	// Remove any leftover container from a previous run
	if existing, err := p.client.ContainerInspect(ctx, name); err == nil && existing.ID != "" {
		_ = p.client.ContainerRemove(ctx, existing.ID, containerTypes.RemoveOptions{Force: true})
	}

	exposedPorts := nat.PortSet{}
	portBindings := nat.PortMap{}
	for port := p.cfg.PreviewPortMin; port <= p.cfg.PreviewPortMax; port++ {
		cp := nat.Port(fmt.Sprintf("%d/tcp", port))
		exposedPorts[cp] = struct{}{}
		portBindings[cp] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}}
	}

	containerConfig := &containerTypes.Config{
		Image: p.cfg.SandboxImage,
		// Keep the container alive; all work happens through execs.
		Cmd:          []string{"sleep", "infinity"},
		Labels:       map[string]string{"buildpad.project.id": projectID, "buildpad.managed": "true"},
		ExposedPorts: exposedPorts,
		WorkingDir:   p.cfg.WorkspaceRoot,
	}
	hostConfig := &containerTypes.HostConfig{
		PortBindings: portBindings,
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrStartFailed, err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, containerTypes.StartOptions{}); err != nil {
		_ = p.client.ContainerRemove(ctx, resp.ID, containerTypes.RemoveOptions{Force: true})
		return nil, fmt.Errorf("%w: %v", sandbox.ErrStartFailed, err)
	}

	return &dockerHandle{client: p.client, id: resp.ID}, nil
}

// Connect reattaches to an existing container, starting it again if it was
// stopped by Pause.
func (p *Provider) Connect(ctx context.Context, sandboxID string) (sandbox.Handle, error) {
	info, err := p.client.ContainerInspect(ctx, sandboxID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, sandbox.ErrNotFound
		}
		return nil, fmt.Errorf("inspecting container: %w", err)
	}

	if info.State.Dead || info.State.OOMKilled {
		return nil, sandbox.ErrExpired
	}

	if !info.State.Running {
		if err := p.client.ContainerStart(ctx, info.ID, containerTypes.StartOptions{}); err != nil {
			return nil, fmt.Errorf("%w: %v", sandbox.ErrExpired, err)
		}
	}

	return &dockerHandle{client: p.client, id: info.ID}, nil
}

// Pause stops the container. It can be resumed later by Connect.
func (p *Provider) Pause(ctx context.Context, sandboxID string) error {
	timeout := 10
	err := p.client.ContainerStop(ctx, sandboxID, containerTypes.StopOptions{Timeout: &timeout})
	if client.IsErrNotFound(err) {
		return sandbox.ErrNotFound
	}
	return err
}

// Kill removes the container and its resources.
func (p *Provider) Kill(ctx context.Context, sandboxID string) error {
	err := p.client.ContainerRemove(ctx, sandboxID, containerTypes.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if client.IsErrNotFound(err) {
		return sandbox.ErrNotFound
	}
	return err
}

// Close closes the Docker client connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

// dockerHandle implements sandbox.Handle for one container.
type dockerHandle struct {
	client *client.Client
	id     string
}

func (h *dockerHandle) ID() string { return h.id }

func (h *dockerHandle) RunCommand(ctx context.Context, cmd string, opts sandbox.CommandOptions) (*sandbox.ExecResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	return h.exec(ctx, []string{"sh", "-c", cmd}, opts.WorkDir, opts.Env, nil)
}

// StartBackground launches the command detached. The command body goes into
// a script file so no quoting of the caller's shell text is needed; a
// wrapper records the pid on launch and the exit code on completion.
func (h *dockerHandle) StartBackground(ctx context.Context, cmd string, opts sandbox.CommandOptions) (sandbox.Process, error) {
	procDir := fmt.Sprintf("/tmp/.buildpad-proc-%s", uuid.New().String()[:8])

	if err := h.WriteFile(ctx, path.Join(procDir, "cmd.sh"), cmd+"\n"); err != nil {
		return nil, err
	}

	launch := fmt.Sprintf(
		"nohup sh -c 'sh %[1]s/cmd.sh 2>> %[1]s/stderr; echo $? > %[1]s/exit' >/dev/null 2>&1 & echo $! > %[1]s/pid",
		procDir)
	res, err := h.exec(ctx, []string{"sh", "-c", launch}, opts.WorkDir, opts.Env, nil)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: launch exited %d: %s", sandbox.ErrExecFailed, res.ExitCode, res.Stderr)
	}

	return &dockerProcess{handle: h, dir: procDir}, nil
}

func (h *dockerHandle) ListFiles(ctx context.Context, dirPath string) ([]sandbox.FileEntry, error) {
	// ls -Ap marks directories with a trailing slash. A missing directory
	// reads as empty rather than an error.
	res, err := h.exec(ctx, []string{"sh", "-c", "ls -Ap " + quoteArg(dirPath) + " 2>/dev/null"}, "", nil, nil)
	if err != nil {
		return nil, err
	}

	var entries []sandbox.FileEntry
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasSuffix(line, "/") {
			entries = append(entries, sandbox.FileEntry{Name: strings.TrimSuffix(line, "/"), IsDir: true})
		} else {
			entries = append(entries, sandbox.FileEntry{Name: line, IsDir: false})
		}
	}
	return entries, nil
}

func (h *dockerHandle) ReadFile(ctx context.Context, filePath string) (string, error) {
	res, err := h.exec(ctx, []string{"sh", "-c", "cat " + quoteArg(filePath)}, "", nil, nil)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", sandbox.ErrNotFound
	}
	return res.Stdout, nil
}

func (h *dockerHandle) WriteFile(ctx context.Context, filePath, content string) error {
	dir := path.Dir(filePath)
	script := fmt.Sprintf("mkdir -p %s && cat > %s", quoteArg(dir), quoteArg(filePath))
	res, err := h.exec(ctx, []string{"sh", "-c", script}, "", nil, strings.NewReader(content))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: write %s exited %d: %s", sandbox.ErrExecFailed, filePath, res.ExitCode, res.Stderr)
	}
	return nil
}

func (h *dockerHandle) RemoveFile(ctx context.Context, filePath string) error {
	res, err := h.exec(ctx, []string{"sh", "-c", "rm -rf " + quoteArg(filePath)}, "", nil, nil)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: rm %s exited %d: %s", sandbox.ErrExecFailed, filePath, res.ExitCode, res.Stderr)
	}
	return nil
}

// ExposePort resolves the host address the given container port was
// published on at creation time.
func (h *dockerHandle) ExposePort(ctx context.Context, port int) (string, error) {
	info, err := h.client.ContainerInspect(ctx, h.id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", sandbox.ErrNotFound
		}
		return "", fmt.Errorf("inspecting container: %w", err)
	}

	bindings := info.NetworkSettings.Ports[nat.Port(fmt.Sprintf("%d/tcp", port))]
	if len(bindings) == 0 {
		return "", sandbox.ErrPortNotExposed
	}

	host := bindings[0].HostIP
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%s", host, bindings[0].HostPort), nil
}

// exec runs a command inside the container and collects its output. stdin
// may be nil.
func (h *dockerHandle) exec(ctx context.Context, cmd []string, workDir string, env map[string]string, stdin io.Reader) (*sandbox.ExecResult, error) {
	var envSlice []string
	for k, v := range env {
		envSlice = append(envSlice, fmt.Sprintf("%s=%s", k, v))
	}

	execCreate, err := h.client.ContainerExecCreate(ctx, h.id, containerTypes.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  stdin != nil,
		Env:          envSlice,
		WorkingDir:   workDir,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, sandbox.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", sandbox.ErrExecFailed, err)
	}

	resp, err := h.client.ContainerExecAttach(ctx, execCreate.ID, containerTypes.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrExecFailed, err)
	}
	defer resp.Close()

	if stdin != nil {
		go func() {
			_, _ = io.Copy(resp.Conn, stdin)
			_ = resp.CloseWrite()
		}()
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", sandbox.ErrTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", sandbox.ErrExecFailed, err)
	}

	inspect, err := h.client.ContainerExecInspect(ctx, execCreate.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrExecFailed, err)
	}

	return &sandbox.ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// dockerProcess implements sandbox.Process over the pid/exit/stderr files
// written by the StartBackground wrapper.
type dockerProcess struct {
	handle *dockerHandle
	dir    string
}

func (p *dockerProcess) Poll(ctx context.Context) (*sandbox.ProcessStatus, error) {
	script := fmt.Sprintf(
		`if [ -f %[1]s/exit ]; then echo "exit:$(cat %[1]s/exit)"; elif kill -0 "$(cat %[1]s/pid 2>/dev/null)" 2>/dev/null; then echo running; else echo gone; fi; tail -c 2048 %[1]s/stderr 2>/dev/null`,
		p.dir)
	res, err := p.handle.exec(ctx, []string{"sh", "-c", script}, "", nil, nil)
	if err != nil {
		return nil, err
	}

	state, stderrTail, _ := strings.Cut(res.Stdout, "\n")
	status := &sandbox.ProcessStatus{StderrTail: stderrTail}

	switch {
	case state == "running":
		status.Running = true
	case strings.HasPrefix(state, "exit:"):
		code, convErr := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(state, "exit:")))
		if convErr != nil {
			code = -1
		}
		status.ExitCode = code
	default:
		// Pid vanished without writing an exit file; the process was
		// killed from outside.
		status.ExitCode = -1
	}
	return status, nil
}

func (p *dockerProcess) Kill(ctx context.Context) error {
	script := fmt.Sprintf(`pid="$(cat %[1]s/pid 2>/dev/null)"; [ -n "$pid" ] && kill "$pid" 2>/dev/null; true`, p.dir)
	_, err := p.handle.exec(ctx, []string{"sh", "-c", script}, "", nil, nil)
	return err
}

// quoteArg single-quotes a shell argument.
func quoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
