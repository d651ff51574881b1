// Package launcher defines the common interface that all execution
// substrates (local subprocess, container) must implement, along with the
// process handle type exchanged between the runner and launcher
// implementations.
package launcher

import (
	"context"
	"io"
	"time"

	"github.com/seantiz/overseer/internal/model"
)

// State reports the liveness of a launched entity as seen by Poll.
type State int

const (
	// StateRunning means the process or container is still alive.
	StateRunning State = iota
	// StateExited means the entity exited; Poll also returns its exit code.
	StateExited
	// StateNotFound means the entity cannot be located (a container that
	// already exited and was reaped, or a process that was never started).
	StateNotFound
)

// Launcher starts the underlying OS entity described by a spec. Start either
// returns a handle whose entity is confirmed running, or an error — never a
// handle in an indeterminate state.
type Launcher interface {
	Start(ctx context.Context, spec *model.ExecutionSpec) (Handle, error)
}

// Handle is the live view of one launched entity.
type Handle interface {
	// ID is the OS pid or container name of the underlying entity.
	ID() string

	// Stdout is the merged output stream (stdout + stderr) of the entity.
	// It reaches EOF when the entity exits.
	Stdout() io.Reader

	// Stdin is the entity's input stream, or nil if none was requested.
	Stdin() io.WriteCloser

	// Kill terminates the entity: graceful signal first, then a forced kill
	// once grace elapses. Killing an already-terminated entity succeeds
	// silently; Kill is safe to call more than once.
	Kill(grace time.Duration) error

	// Poll reports the entity's state and, once exited, its exit code.
	Poll() (State, int)
}

// LaunchError reports that a launcher could not start the process or
// container for a job.
type LaunchError struct {
	Ident string
	Err   error
}

func (e *LaunchError) Error() string {
	return "launch " + e.Ident + ": " + e.Err.Error()
}

func (e *LaunchError) Unwrap() error { return e.Err }

// KillError reports that forced termination could not be confirmed within
// the grace period, even after escalating to a hard kill.
type KillError struct {
	Ident string
	Err   error
}

func (e *KillError) Error() string {
	return "kill " + e.Ident + ": " + e.Err.Error()
}

func (e *KillError) Unwrap() error { return e.Err }
