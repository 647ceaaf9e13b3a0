// Package container implements the ContainerManager: per-process sandbox
// lifecycle (create, exec, remove) and workspace directory management. It
// probes for a container runtime at init and falls back to running agent
// commands directly on the host when none is available.
package container

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	argsafety "github.com/aether-kernel/aether/internal/exec"
	"github.com/aether-kernel/aether/internal/process"
	"github.com/aether-kernel/aether/internal/tools/files"
)

// Status is a container's lifecycle status.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// SandboxOpts configures a created container's resource limits and network
// access. Zero values fall back to the manager's defaults.
type SandboxOpts struct {
	CPULimit       int // millicores
	MemLimitMB     int
	NetworkEnabled bool
}

// ExecOpts configures a single exec call inside a container.
type ExecOpts struct {
	Cwd     string
	Env     map[string]string
	Stdin   string
	Timeout time.Duration
}

// ExecResult is the outcome of one exec call.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Timeout  bool
}

// Info describes one managed container.
type Info struct {
	PID            int64
	ContainerID    string
	HostVolumePath string
	Image          string
	Status         Status
	Containerized  bool // false when running on the host fallback path
	CreatedAt      time.Time
}

const defaultImage = "aether/agent-sandbox:latest"

// Manager is the ContainerManager.
type Manager struct {
	mu         sync.RWMutex
	containers map[int64]*Info

	runtime       string // "docker" or "" when unavailable
	image         string
	workspaceRoot string
	defaultOpts   SandboxOpts

	// execQueue serializes Exec calls per pid onto a dedicated lane, so two
	// concurrent tool calls into the same container can't race on cmd.Dir
	// or interleave their stdio.
	execQueue *process.CommandQueue
}

// NewManager creates a ContainerManager rooted at workspaceRoot for
// per-process workspace directories, using image for containerized
// execution once Init confirms a runtime is available.
func NewManager(workspaceRoot, image string) *Manager {
	if image == "" {
		image = defaultImage
	}
	return &Manager{
		containers:    make(map[int64]*Info),
		image:         image,
		workspaceRoot: workspaceRoot,
		defaultOpts:   SandboxOpts{CPULimit: 1000, MemLimitMB: 512},
		execQueue:     process.NewCommandQueue(),
	}
}

func execLane(pid int64) process.CommandLane {
	return process.CommandLane(fmt.Sprintf("container-%d", pid))
}

// validateExecOpts rejects Cwd/Env values that would desync the docker/sh
// argv they get spliced into — null bytes, control characters, or shell
// metacharacters smuggled through a tool-supplied working directory or
// environment variable.
func validateExecOpts(opts ExecOpts) error {
	if opts.Cwd != "" {
		if _, err := argsafety.SanitizeArgument(opts.Cwd); err != nil {
			return fmt.Errorf("cwd: %w", err)
		}
	}
	for k, v := range opts.Env {
		if _, err := argsafety.SanitizeArgument(k); err != nil {
			return fmt.Errorf("env key %q: %w", k, err)
		}
		if v != "" {
			if _, err := argsafety.SanitizeArgument(v); err != nil {
				return fmt.Errorf("env value for %q: %w", k, err)
			}
		}
	}
	return nil
}

// Init probes for an available container runtime. It never errors: a
// missing runtime just means IsAvailable reports false and Exec/Create run
// the host fallback path instead.
func (m *Manager) Init() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := exec.LookPath("docker"); err == nil {
		m.runtime = "docker"
		return
	}
	m.runtime = ""
}

// IsAvailable reports whether a container runtime was found at Init.
func (m *Manager) IsAvailable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runtime != ""
}

// CreateWorkspace creates and returns the host-side workspace directory for
// pid, owner-only permissions, creating parent directories as needed.
func (m *Manager) CreateWorkspace(pid int64) (string, error) {
	dir := filepath.Join(m.workspaceRoot, fmt.Sprintf("agent-%d", pid))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// ListWorkspaces returns the host-side workspace directory names under the
// manager's root.
func (m *Manager) ListWorkspaces() ([]string, error) {
	entries, err := os.ReadDir(m.workspaceRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// CleanupWorkspace removes relPath within pid's workspace, rejecting any
// path that would escape it.
func (m *Manager) CleanupWorkspace(pid int64, relPath string) error {
	root := filepath.Join(m.workspaceRoot, fmt.Sprintf("agent-%d", pid))
	resolver := files.Resolver{Root: root}
	target, err := resolver.Resolve(relPath)
	if err != nil {
		return fmt.Errorf("cleanup workspace: %w", err)
	}
	return os.RemoveAll(target)
}

// Create provisions a container for pid rooted at hostVolumePath. If no
// runtime is available, the container is recorded as a non-containerized
// host fallback and Exec runs commands directly against hostVolumePath.
func (m *Manager) Create(ctx context.Context, pid int64, hostVolumePath string, sandbox *SandboxOpts) (*Info, error) {
	opts := m.defaultOpts
	if sandbox != nil {
		opts = *sandbox
	}

	m.mu.RLock()
	runtime := m.runtime
	image := m.image
	m.mu.RUnlock()

	info := &Info{
		PID:            pid,
		HostVolumePath: hostVolumePath,
		Image:          image,
		Status:         StatusCreated,
		Containerized:  runtime == "docker",
		CreatedAt:      time.Now(),
	}

	if runtime == "docker" {
		args := []string{"create", "--rm"}
		if !opts.NetworkEnabled {
			args = append(args, "--network", "none")
		}
		args = append(args,
			"--cpus", fmt.Sprintf("%.2f", float64(opts.CPULimit)/1000.0),
			"--memory", fmt.Sprintf("%dm", opts.MemLimitMB),
			"-v", fmt.Sprintf("%s:/workspace:rw", hostVolumePath),
			"-w", "/workspace",
			image, "sleep", "infinity",
		)
		out, err := exec.CommandContext(ctx, "docker", args...).Output()
		if err != nil {
			return nil, fmt.Errorf("docker create: %w", err)
		}
		containerID := strings.TrimSpace(string(out))
		if err := exec.CommandContext(ctx, "docker", "start", containerID).Run(); err != nil {
			return nil, fmt.Errorf("docker start: %w", err)
		}
		info.ContainerID = containerID
		info.Status = StatusRunning
	} else {
		info.Status = StatusRunning
	}

	m.mu.Lock()
	m.containers[pid] = info
	m.mu.Unlock()
	return info, nil
}

// Exec runs command inside pid's container (or, on the host fallback,
// directly against its workspace directory). Calls for the same pid are
// serialized onto that pid's lane in execQueue; calls for different pids
// run concurrently.
func (m *Manager) Exec(ctx context.Context, pid int64, command string, opts ExecOpts) (*ExecResult, error) {
	m.mu.RLock()
	info, ok := m.containers[pid]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no container for pid %d", pid)
	}

	return process.EnqueueInLane(m.execQueue, execLane(pid), func(laneCtx context.Context) (*ExecResult, error) {
		return m.runExec(laneCtx, info, command, opts)
	}, &process.EnqueueOptions{Context: ctx})
}

func (m *Manager) runExec(ctx context.Context, info *Info, command string, opts ExecOpts) (*ExecResult, error) {
	if err := validateExecOpts(opts); err != nil {
		return nil, fmt.Errorf("unsafe exec options: %w", err)
	}

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var cmd *exec.Cmd
	if info.Containerized {
		args := []string{"exec"}
		if opts.Cwd != "" {
			args = append(args, "-w", opts.Cwd)
		}
		for k, v := range opts.Env {
			args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
		}
		args = append(args, info.ContainerID, "sh", "-c", command)
		cmd = exec.CommandContext(runCtx, "docker", args...)
	} else {
		cmd = exec.CommandContext(runCtx, "sh", "-c", command)
		cmd.Dir = info.HostVolumePath
		if opts.Cwd != "" {
			cmd.Dir = filepath.Join(info.HostVolumePath, opts.Cwd)
		}
		for k, v := range opts.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		case runCtx.Err() == context.DeadlineExceeded:
			result.Timeout = true
		default:
			return nil, err
		}
	}
	return result, nil
}

// SpawnShell starts an interactive shell process attached to pid's
// container, returning the running *exec.Cmd with stdio left for the
// caller to wire to a PTY or terminal session.
func (m *Manager) SpawnShell(pid int64) (*exec.Cmd, error) {
	m.mu.RLock()
	info, ok := m.containers[pid]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no container for pid %d", pid)
	}
	if info.Containerized {
		return exec.Command("docker", "exec", "-it", info.ContainerID, "sh"), nil
	}
	cmd := exec.Command("sh")
	cmd.Dir = info.HostVolumePath
	return cmd, nil
}

// Remove stops and deletes pid's container, if any.
func (m *Manager) Remove(pid int64) error {
	m.mu.Lock()
	info, ok := m.containers[pid]
	if ok {
		delete(m.containers, pid)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if info.Containerized {
		return exec.Command("docker", "rm", "-f", info.ContainerID).Run()
	}
	return nil
}

// Get returns pid's container info, or nil if none exists.
func (m *Manager) Get(pid int64) *Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.containers[pid]
	if !ok {
		return nil
	}
	cp := *info
	return &cp
}

// GetAll returns a snapshot of every managed container.
func (m *Manager) GetAll() []*Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Info, 0, len(m.containers))
	for _, info := range m.containers {
		cp := *info
		out = append(out, &cp)
	}
	return out
}

// Shutdown concurrently stops and removes every managed container.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	pids := make([]int64, 0, len(m.containers))
	for pid := range m.containers {
		pids = append(pids, pid)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, pid := range pids {
		wg.Add(1)
		go func(pid int64) {
			defer wg.Done()
			_ = m.Remove(pid)
		}(pid)
	}
	wg.Wait()
}
