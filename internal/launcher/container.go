package launcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/seantiz/overseer/internal/model"
)

const (
	// DefaultContainerRuntime is used when the spec does not name a runtime binary.
	DefaultContainerRuntime = "podman"

	// containerNamePrefix namespaces containers created by this engine.
	containerNamePrefix = "overseer_"

	// runningPollInterval is how often Start probes the runtime while waiting
	// for the container to be confirmed running.
	runningPollInterval = 100 * time.Millisecond
)

// containerNameUnsafe matches characters the OCI runtimes reject in names.
var containerNameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// ContainerName derives the deterministic container name for a job ident.
// The same name is used at creation and at stop/kill time.
func ContainerName(ident string) string {
	return containerNamePrefix + containerNameUnsafe.ReplaceAllString(ident, "_")
}

// ContainerLauncher runs the command inside a container using an
// OCI-compatible runtime binary (podman or docker).
type ContainerLauncher struct {
	logger *slog.Logger

	// execCommand is swapped out in tests to avoid a real container runtime.
	execCommand func(name string, arg ...string) *exec.Cmd
}

// NewContainerLauncher creates a launcher for container-isolated execution.
func NewContainerLauncher(logger *slog.Logger) *ContainerLauncher {
	return &ContainerLauncher{
		logger:      logger,
		execCommand: exec.Command,
	}
}

// Start builds and spawns a `<runtime> run` invocation, then blocks until the
// runtime confirms the container is running. If the client exits before that
// confirmation (missing image, bad flags, pull failure), the captured output
// is returned inside a LaunchError.
func (l *ContainerLauncher) Start(ctx context.Context, spec *model.ExecutionSpec) (Handle, error) {
	bin := spec.ContainerRuntime
	if bin == "" {
		bin = DefaultContainerRuntime
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, &LaunchError{Ident: spec.Ident, Err: fmt.Errorf("container runtime %q: %w", bin, err)}
	}

	name := ContainerName(spec.Ident)
	args := buildRunArgs(spec, name, bin)

	cmd := l.execCommand(bin, args...)
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
	pw.Close()

	client := &processHandle{
		ident:  spec.Ident,
		cmd:    cmd,
		stdout: pr,
		stdin:  stdin,
		logger: l.logger,
		done:   make(chan struct{}),
	}
	go client.reap()

	h := &containerHandle{
		name:        name,
		bin:         bin,
		client:      client,
		logger:      l.logger,
		execCommand: l.execCommand,
	}

	if err := l.awaitRunning(ctx, bin, name, client, pr); err != nil {
		return nil, &LaunchError{Ident: spec.Ident, Err: err}
	}

	l.logger.Debug("container started", "ident", spec.Ident, "name", name, "runtime", bin)
	return h, nil
}

// awaitRunning polls the runtime until the named container reports running.
// The client staying alive while the image is pulled is fine; the client
// exiting before the container runs is a launch failure, and whatever it
// wrote is folded into the error.
func (l *ContainerLauncher) awaitRunning(ctx context.Context, bin, name string, client *processHandle, out io.Reader) error {
	for {
		select {
		case <-client.done:
			captured, _ := io.ReadAll(out)
			_, rc := client.Poll()
			return fmt.Errorf("%s run exited with code %d before container was running: %s",
				bin, rc, strings.TrimSpace(string(captured)))
		case <-ctx.Done():
			_ = client.Kill(time.Second)
			return ctx.Err()
		case <-time.After(runningPollInterval):
		}

		inspect := l.execCommand(bin, "inspect", "--format", "{{.State.Running}}", name)
		outBytes, err := inspect.Output()
		if err != nil {
			// Not created yet (or already gone); keep waiting on the client.
			continue
		}
		if strings.TrimSpace(string(outBytes)) == "true" {
			return nil
		}
	}
}

// buildRunArgs renders the spec into the runtime's run flag syntax.
// Environment keys are sorted so the invocation is deterministic.
func buildRunArgs(spec *model.ExecutionSpec, name, bin string) []string {
	args := []string{"run", "--rm", "--interactive", "--name", name}

	if spec.Cwd != "" {
		args = append(args, "--workdir", spec.Cwd)
	}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}

	for _, m := range spec.VolumeMounts {
		mount := m.HostPath + ":" + m.ContainerPath
		if m.Mode != "" {
			mount += ":" + m.Mode
		}
		args = append(args, "-v", mount)
	}

	if spec.AuthFile != "" {
		if bin == "podman" {
			args = append(args, "--authfile", spec.AuthFile)
		} else {
			args = append(args, "-e", "REGISTRY_AUTH_FILE="+spec.AuthFile)
		}
	}

	args = append(args, spec.ContainerOptions...)
	args = append(args, spec.ContainerImage)
	args = append(args, spec.Command...)
	return args
}

// containerHandle is the live view of a containerized execution. The attached
// run client's exit code is the container's exit code.
type containerHandle struct {
	name   string
	bin    string
	client *processHandle
	logger *slog.Logger

	execCommand func(name string, arg ...string) *exec.Cmd
}

func (h *containerHandle) ID() string { return h.name }

func (h *containerHandle) Stdout() io.Reader { return h.client.Stdout() }

func (h *containerHandle) Stdin() io.WriteCloser { return h.client.Stdin() }

func (h *containerHandle) Poll() (State, int) { return h.client.Poll() }

// Kill stops the container by name with the runtime's stop operation, which
// signals the init process and force-kills after the grace period. A name
// that is no longer known to the runtime means the container already
// terminated and is not an error.
func (h *containerHandle) Kill(grace time.Duration) error {
	select {
	case <-h.client.done:
		return nil
	default:
	}

	secs := int(grace.Seconds())
	stop := h.execCommand(h.bin, "stop", "-t", strconv.Itoa(secs), h.name)
	if out, err := stop.CombinedOutput(); err != nil && !containerNotFound(out) {
		// Escalate once to an immediate kill before giving up.
		kill := h.execCommand(h.bin, "kill", h.name)
		if kout, kerr := kill.CombinedOutput(); kerr != nil && !containerNotFound(kout) {
			return &KillError{
				Ident: h.client.ident,
				Err:   fmt.Errorf("%s stop: %s; %s kill: %s", h.bin, strings.TrimSpace(string(out)), h.bin, strings.TrimSpace(string(kout))),
			}
		}
	}

	// The attached client exits once the container is gone; reap it so the
	// output stream reaches EOF even if the runtime left it behind.
	select {
	case <-h.client.done:
		return nil
	case <-time.After(grace):
		return h.client.Kill(grace)
	}
}

// containerNotFound classifies runtime stop/kill output that means the
// container already exited or was never created.
func containerNotFound(out []byte) bool {
	s := strings.ToLower(string(out))
	return strings.Contains(s, "no such container") ||
		strings.Contains(s, "no container with name") ||
		strings.Contains(s, "container state improper")
}
