package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/seantiz/overseer/internal/model"
)

// ProcessLauncher runs the command directly on the host as a child process.
type ProcessLauncher struct {
	logger *slog.Logger
}

// NewProcessLauncher creates a launcher for host-local subprocess execution.
func NewProcessLauncher(logger *slog.Logger) *ProcessLauncher {
	return &ProcessLauncher{logger: logger}
}

// Start spawns the command with the spec's environment and working directory.
// The child is placed in its own process group so that Kill can signal the
// whole group. Stdout and stderr are merged into a single stream.
func (l *ProcessLauncher) Start(ctx context.Context, spec *model.ExecutionSpec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{Ident: spec.Ident, Err: err}
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Cwd
	cmd.Env = mergedEnv(spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Ident: spec.Ident, Err: fmt.Errorf("create output pipe: %w", err)}
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	stdin, err := cmd.StdinPipe()
	if err != nil {
		pr.Close()
		pw.Close()
		return nil, &LaunchError{Ident: spec.Ident, Err: fmt.Errorf("create stdin pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		stdin.Close()
		return nil, &LaunchError{Ident: spec.Ident, Err: err}
	}

	// The child holds its own copy of the write end; closing ours makes the
	// read end reach EOF exactly when the child exits.
	pw.Close()

	h := &processHandle{
		ident:  spec.Ident,
		cmd:    cmd,
		stdout: pr,
		stdin:  stdin,
		logger: l.logger,
		done:   make(chan struct{}),
	}
	go h.reap()

	l.logger.Debug("process started", "ident", spec.Ident, "pid", cmd.Process.Pid)
	return h, nil
}

// processHandle is the live view of a host-local subprocess.
type processHandle struct {
	ident  string
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stdin  io.WriteCloser
	logger *slog.Logger

	done chan struct{}

	mu       sync.Mutex
	exitCode int
}

// reap waits for the child to exit and records its exit code.
func (h *processHandle) reap() {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.exitCode = h.cmd.ProcessState.ExitCode()
	h.mu.Unlock()

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			h.logger.Debug("process wait failed", "ident", h.ident, "error", err)
		}
	}
	close(h.done)
}

func (h *processHandle) ID() string {
	return strconv.Itoa(h.cmd.Process.Pid)
}

func (h *processHandle) Stdout() io.Reader { return h.stdout }

func (h *processHandle) Stdin() io.WriteCloser { return h.stdin }

// Poll reports whether the child is still running and, once exited, its code.
func (h *processHandle) Poll() (State, int) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return StateExited, h.exitCode
	default:
		return StateRunning, 0
	}
}

// Kill sends SIGTERM to the process group, waits up to grace for exit, then
// escalates to SIGKILL and waits one more grace period. Killing an
// already-exited process succeeds silently.
func (h *processHandle) Kill(grace time.Duration) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	pgid := h.cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return &KillError{Ident: h.ident, Err: fmt.Errorf("signal SIGTERM: %w", err)}
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	}

	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return &KillError{Ident: h.ident, Err: fmt.Errorf("signal SIGKILL: %w", err)}
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
		return &KillError{Ident: h.ident, Err: fmt.Errorf("process group %d did not exit after SIGKILL", pgid)}
	}
}

// mergedEnv combines the parent environment with the spec's overrides.
// Override keys are appended in sorted order so the rendered environment is
// deterministic.
func mergedEnv(overrides map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
