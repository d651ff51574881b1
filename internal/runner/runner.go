// Package runner implements the execution coordinator: it prepares the
// artifact store, starts the launcher, drives the event-drain and
// cancellation/timeout loop to completion, finalizes the job status, and
// returns a handle usable synchronously or from a background goroutine.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/seantiz/overseer/internal/artifacts"
	"github.com/seantiz/overseer/internal/events"
	"github.com/seantiz/overseer/internal/launcher"
	"github.com/seantiz/overseer/internal/model"
)

const (
	// DefaultPollInterval is the supervisor tick cadence: how often the
	// timeout and cancel predicate are evaluated between event drains.
	DefaultPollInterval = 50 * time.Millisecond

	// DefaultKillGrace bounds how long a forced termination waits between
	// the graceful signal and the hard kill.
	DefaultKillGrace = 3 * time.Second

	// launchFailureRC is written to the rc file when the process or
	// container never produced an exit code.
	launchFailureRC = 254

	// exitPollInterval is how often the coordinator probes the handle for
	// its exit code after the output stream ends.
	exitPollInterval = 10 * time.Millisecond
)

// CancelPoller is the caller-supplied cancel predicate, re-evaluated on every
// supervisor tick. Once it returns true the job irrevocably transitions to
// canceled.
type CancelPoller interface {
	Canceled() bool
}

// CancelPollerFunc adapts a plain function to the CancelPoller interface.
type CancelPollerFunc func() bool

// Canceled implements CancelPoller.
func (f CancelPollerFunc) Canceled() bool { return f() }

// Finalizer is invoked exactly once, immediately before the run's terminal
// result is returned.
type Finalizer interface {
	OnFinalize(res *Result)
}

// FinalizerFunc adapts a plain function to the Finalizer interface.
type FinalizerFunc func(*Result)

// OnFinalize implements Finalizer.
func (f FinalizerFunc) OnFinalize(res *Result) { f(res) }

// Config wires one Runner to its collaborators. Subscriber and observer
// lists are fixed at construction time; there is no dynamic discovery.
type Config struct {
	Spec         *model.ExecutionSpec
	Launchers    *launcher.Registry
	ArtifactBase string
	Logger       *slog.Logger

	Broker          *events.Broker
	Subscribers     []events.Subscriber
	StatusObservers []StatusObserver
	Cancel          CancelPoller
	Finalizer       Finalizer

	PollInterval time.Duration
	KillGrace    time.Duration

	// LiveIdent reports whether an ident is already held by a live job.
	// Used only for spec validation.
	LiveIdent func(string) bool
}

// Result is the finalized view of one run.
type Result struct {
	Ident     string
	Status    string
	RC        int
	Artifacts *artifacts.Dir

	// Err carries the diagnostic cause for runs that failed after launch
	// (artifact write failures, unconfirmed kills). It is informational;
	// the terminal status is authoritative.
	Err error
}

// Runner coordinates a single execution. One Runner per job; concurrent jobs
// are concurrent Runner instances sharing no mutable state.
type Runner struct {
	cfg     Config
	spec    model.ExecutionSpec
	machine *statusMachine

	asyncCancel atomic.Bool
}

// New validates the spec and builds a Runner. Validation failures are
// returned immediately; no artifacts are created.
func New(cfg Config) (*Runner, error) {
	if cfg.Spec == nil {
		return nil, &model.InvalidSpecError{Reason: "spec is nil"}
	}
	if err := cfg.Spec.Validate(cfg.LiveIdent); err != nil {
		return nil, err
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.Launchers == nil {
		reg := launcher.NewRegistry()
		reg.Register(model.IsolationNone, launcher.NewProcessLauncher(cfg.Logger))
		reg.Register(model.IsolationContainer, launcher.NewContainerLauncher(cfg.Logger))
		cfg.Launchers = reg
	}

	r := &Runner{
		cfg:  cfg,
		spec: *cfg.Spec,
	}
	r.machine = newStatusMachine(r.spec.Ident, cfg.StatusObservers, cfg.Logger)
	return r, nil
}

// Status returns the job's current lifecycle status. Safe from any goroutine.
func (r *Runner) Status() string { return r.machine.Status() }

// Snapshot returns the current run metadata. Safe from any goroutine.
func (r *Runner) Snapshot() model.StatusRecord { return r.machine.Snapshot() }

// Run executes the job synchronously and blocks until a terminal status is
// reached. Launch failures are returned as a *launcher.LaunchError with the
// job finalized as failed; errors after the job reaches running are absorbed
// into the terminal status and surfaced via Result.Err.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if !r.machine.transition(model.StatusStarting) {
		return nil, fmt.Errorf("job %s was already started", r.spec.Ident)
	}

	activeJobs.Inc()
	defer activeJobs.Dec()

	art, err := artifacts.Prepare(r.cfg.ArtifactBase, r.spec.Ident)
	if err != nil {
		r.machine.transition(model.StatusFailed)
		jobsTotal.WithLabelValues(model.StatusFailed).Inc()
		return nil, err
	}
	if err := art.WriteCommand(&r.spec); err != nil {
		r.cfg.Logger.Warn("failed to record invocation", "ident", r.spec.Ident, "error", err)
	}

	if r.spec.RegistryAuth != nil {
		authFile, err := launcher.WriteAuthFile(r.spec.RegistryAuth)
		if err != nil {
			return nil, r.failBeforeRunning(art, err)
		}
		r.spec.AuthFile = authFile
		defer os.Remove(authFile)
	}

	l, err := r.cfg.Launchers.Resolve(r.spec.Isolation)
	if err != nil {
		return nil, r.failBeforeRunning(art, &launcher.LaunchError{Ident: r.spec.Ident, Err: err})
	}

	handle, err := l.Start(ctx, &r.spec)
	if err != nil {
		return nil, r.failBeforeRunning(art, err)
	}

	r.machine.transition(model.StatusRunning)
	return r.supervise(ctx, handle, art), nil
}

// failBeforeRunning finalizes a job that never reached running: the artifact
// directory is kept for diagnostics, status is forced to failed, and the
// launch error is returned to the caller.
func (r *Runner) failBeforeRunning(art *artifacts.Dir, cause error) error {
	r.machine.transition(model.StatusFailed)
	art.Close()
	if err := art.Finalize(model.StatusFailed, launchFailureRC); err != nil {
		r.cfg.Logger.Error("failed to finalize artifacts", "ident", r.spec.Ident, "error", err)
	}
	if r.cfg.Broker != nil {
		r.cfg.Broker.Close(r.spec.Ident)
	}
	jobsTotal.WithLabelValues(model.StatusFailed).Inc()
	r.cfg.Logger.Error("launch failed", "ident", r.spec.Ident, "error", cause)
	r.finalize(&Result{
		Ident:     r.spec.Ident,
		Status:    model.StatusFailed,
		RC:        launchFailureRC,
		Artifacts: art,
		Err:       cause,
	})
	return cause
}

// supervise drives the event-drain and supervisor-tick loop until the output
// stream ends, then finalizes the job. All errors past this point are
// absorbed into the terminal status.
func (r *Runner) supervise(ctx context.Context, handle launcher.Handle, art *artifacts.Dir) *Result {
	runningAt := time.Now()

	var (
		decided string // canceled or timeout, once the supervisor fires
		fatal   error  // artifact store failure
		killErr error
	)

	parser := events.NewParser(events.ParserConfig{
		Ident:       r.spec.Ident,
		Artifacts:   art,
		Subscribers: r.cfg.Subscribers,
		Broker:      r.cfg.Broker,
		// The supervisor's decision is the first terminal word; status
		// events emitted by the dying process after it are ignored.
		OnStatus: func(s string) {
			if decided == "" {
				r.machine.transition(s)
			}
		},
		Logger: r.cfg.Logger,
	})
	lines := events.Lines(handle.Stdout())

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	ctxDone := ctx.Done()

drain:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break drain
			}
			if err := parser.HandleLine(line); err != nil {
				fatal = err
				r.forceKill(handle, &killErr)
				break drain
			}

		case <-ticker.C:
			// Once the run is terminal, by supervisor decision or by an
			// engine-reported status, further checks are no-ops.
			if decided != "" || model.TerminalStatus(r.machine.Status()) {
				continue
			}
			// Timeout wins when both conditions fire in the same tick.
			switch {
			case r.spec.Timeout > 0 && time.Since(runningAt) >= r.spec.Timeout:
				decided = model.StatusTimeout
			case r.pollCancel():
				decided = model.StatusCanceled
			default:
				continue
			}
			r.cfg.Logger.Info("forcing termination", "ident", r.spec.Ident, "reason", decided)
			r.forceKill(handle, &killErr)
			if killErr != nil {
				break drain
			}

		case <-ctxDone:
			ctxDone = nil
			if decided == "" && !model.TerminalStatus(r.machine.Status()) {
				decided = model.StatusCanceled
				r.cfg.Logger.Info("context canceled, forcing termination", "ident", r.spec.Ident)
				r.forceKill(handle, &killErr)
				if killErr != nil {
					break drain
				}
			}
		}
	}

	if fatal != nil || killErr != nil {
		// Stop feeding the parser but keep the reader goroutine from
		// blocking on a full buffer until the killed process exits.
		go func() {
			for range lines {
			}
		}()
	}

	rc := r.waitExit(handle, killErr == nil)

	status := r.finalStatus(decided, fatal, rc)
	r.machine.setRC(rc)
	r.machine.transition(status)

	art.Close()
	if err := art.Finalize(status, rc); err != nil {
		r.cfg.Logger.Error("failed to finalize artifacts", "ident", r.spec.Ident, "error", err)
		if fatal == nil {
			fatal = err
		}
	}
	if r.cfg.Broker != nil {
		r.cfg.Broker.Close(r.spec.Ident)
	}

	jobsTotal.WithLabelValues(status).Inc()
	jobDuration.Observe(time.Since(runningAt).Seconds())
	engineEventsTotal.Add(float64(parser.Counter()))

	diag := fatal
	if diag == nil {
		diag = killErr
	}
	res := &Result{
		Ident:     r.spec.Ident,
		Status:    status,
		RC:        rc,
		Artifacts: art,
		Err:       diag,
	}

	r.cfg.Logger.Info("job finalized",
		"ident", r.spec.Ident,
		"status", status,
		"rc", rc,
		"events", parser.Counter(),
		"duration_ms", time.Since(runningAt).Milliseconds(),
	)

	r.finalize(res)
	return res
}

// finalStatus resolves the terminal status. A supervisor decision always
// wins: a killed process reporting exit code 0 still finalizes as canceled
// or timeout. An engine-reported terminal status is respected next, then the
// exit code decides.
func (r *Runner) finalStatus(decided string, fatal error, rc int) string {
	switch {
	case decided != "":
		return decided
	case fatal != nil:
		return model.StatusFailed
	case model.TerminalStatus(r.machine.Status()):
		return r.machine.Status()
	case rc == 0:
		return model.StatusSuccessful
	default:
		return model.StatusFailed
	}
}

// forceKill terminates the handle, recording an unconfirmed termination
// without overriding the supervisor's status decision.
func (r *Runner) forceKill(handle launcher.Handle, killErr *error) {
	if err := handle.Kill(r.cfg.KillGrace); err != nil {
		killErrorsTotal.Inc()
		r.cfg.Logger.Error("forced termination unconfirmed", "ident", r.spec.Ident, "error", err)
		if *killErr == nil {
			*killErr = err
		}
	}
}

// waitExit polls the handle until the underlying entity reports an exit code.
// When the termination was not confirmed, the wait is bounded by one more
// grace period; an entity still alive past it finalizes with the
// launch-failure rc so the run never hangs.
func (r *Runner) waitExit(handle launcher.Handle, confirmed bool) int {
	deadline := time.Now().Add(r.cfg.KillGrace)
	for {
		state, rc := handle.Poll()
		if state != launcher.StateRunning {
			return rc
		}
		if !confirmed && time.Now().After(deadline) {
			r.cfg.Logger.Error("entity still alive after unconfirmed termination",
				"ident", r.spec.Ident, "id", handle.ID())
			return launchFailureRC
		}
		time.Sleep(exitPollInterval)
	}
}

// pollCancel evaluates the cancel predicate, isolating panics: a broken
// predicate never terminates the job.
func (r *Runner) pollCancel() (canceled bool) {
	if r.asyncCancel.Load() {
		return true
	}
	if r.cfg.Cancel == nil {
		return false
	}
	defer func() {
		if p := recover(); p != nil {
			r.cfg.Logger.Error("cancel predicate panicked", "ident", r.spec.Ident, "panic", p)
			canceled = false
		}
	}()
	return r.cfg.Cancel.Canceled()
}

// finalize invokes the finalize observer exactly once, isolating panics.
func (r *Runner) finalize(res *Result) {
	if r.cfg.Finalizer == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.cfg.Logger.Error("finalize observer panicked", "ident", r.spec.Ident, "panic", p)
		}
	}()
	r.cfg.Finalizer.OnFinalize(res)
}

// IsLaunchError reports whether err is a launch failure, as opposed to a
// validation error or an internal failure.
func IsLaunchError(err error) bool {
	var le *launcher.LaunchError
	return errors.As(err, &le)
}
