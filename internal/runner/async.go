package runner

import (
	"context"

	"github.com/seantiz/overseer/internal/model"
)

// Async is the live handle to a run executing on a background goroutine. Its
// read surface is safe for concurrent observers while the run is in progress
// and is equivalent to a finalized run once Done is closed.
type Async struct {
	runner *Runner
	done   chan struct{}

	res *Result
	err error
}

// RunAsync starts the run on a background goroutine and returns immediately.
// The same validation and launch error semantics as Run apply, except that
// launch errors are observed through Wait rather than raised to the caller
// of RunAsync.
func (r *Runner) RunAsync(ctx context.Context) *Async {
	a := &Async{runner: r, done: make(chan struct{})}
	go func() {
		defer close(a.done)
		a.res, a.err = r.Run(ctx)
	}()
	return a
}

// Ident returns the job identifier.
func (a *Async) Ident() string { return a.runner.spec.Ident }

// Status returns the job's current lifecycle status.
func (a *Async) Status() string { return a.runner.Status() }

// Snapshot returns the current run metadata.
func (a *Async) Snapshot() model.StatusRecord { return a.runner.Snapshot() }

// Cancel requests termination. The supervisor honors it on its next tick;
// once observed, the job irrevocably transitions to canceled.
func (a *Async) Cancel() {
	a.runner.asyncCancel.Store(true)
}

// Done is closed once the run is finalized.
func (a *Async) Done() <-chan struct{} { return a.done }

// Wait blocks until the run is finalized and returns its result. A nil
// result with a non-nil error means the job never launched.
func (a *Async) Wait() (*Result, error) {
	<-a.done
	return a.res, a.err
}
