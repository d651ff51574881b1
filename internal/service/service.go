// Package service orchestrates asynchronous job execution on top of the
// runner: it owns the job index, the live-run table, and the event broker
// that fans engine events out to streaming subscribers.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/seantiz/overseer/internal/artifacts"
	"github.com/seantiz/overseer/internal/events"
	"github.com/seantiz/overseer/internal/launcher"
	"github.com/seantiz/overseer/internal/model"
	"github.com/seantiz/overseer/internal/runner"
	"github.com/seantiz/overseer/internal/store"
)

// ErrNotRunning is returned when a cancel request targets a job that is not
// currently executing.
var ErrNotRunning = errors.New("job is not running")

// Service coordinates job submission, supervision, and lookup.
type Service struct {
	store        store.Store
	launchers    *launcher.Registry
	artifactBase string
	logger       *slog.Logger
	broker       *events.Broker

	wg   sync.WaitGroup
	mu   sync.Mutex
	live map[string]*runner.Async
}

// New creates a service backed by the given store and launcher registry.
func New(s store.Store, reg *launcher.Registry, artifactBase string, logger *slog.Logger) *Service {
	return &Service{
		store:        s,
		launchers:    reg,
		artifactBase: artifactBase,
		logger:       logger,
		broker:       events.NewBroker(),
		live:         make(map[string]*runner.Async),
	}
}

// Broker returns the service's event broker for SSE subscription.
func (s *Service) Broker() *events.Broker {
	return s.broker
}

// Submit validates the spec, persists the job record, and launches execution
// on a background goroutine. The job is stored with status "unstarted" before
// returning; status updates flow to the store as the run progresses.
func (s *Service) Submit(ctx context.Context, spec *model.ExecutionSpec) (*model.Job, error) {
	// The ident is reserved in the live table before validation so two
	// concurrent submits of the same ident cannot both pass; the loser fails
	// here instead of racing to the store's primary key.
	s.mu.Lock()
	if spec.Ident == "" {
		spec.Ident = model.NewID()
	}
	if _, ok := s.live[spec.Ident]; ok {
		s.mu.Unlock()
		return nil, &model.InvalidSpecError{
			Reason: fmt.Sprintf("ident %q is already in use by a live job", spec.Ident),
		}
	}
	s.live[spec.Ident] = nil
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.live, spec.Ident)
		s.mu.Unlock()
	}

	r, err := runner.New(runner.Config{
		Spec:         spec,
		Launchers:    s.launchers,
		ArtifactBase: s.artifactBase,
		Logger:       s.logger,
		Broker:       s.broker,
		StatusObservers: []runner.StatusObserver{
			runner.StatusObserverFunc(s.persistStatus),
		},
		Finalizer: runner.FinalizerFunc(s.persistDiagnostic),
	})
	if err != nil {
		release()
		return nil, err
	}

	isolation := spec.Isolation
	if isolation == "" {
		isolation = model.IsolationNone
	}
	job := &model.Job{
		Ident:       spec.Ident,
		Status:      model.StatusUnstarted,
		Isolation:   isolation,
		Image:       spec.ContainerImage,
		ArtifactDir: filepath.Join(s.artifactBase, spec.Ident),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		release()
		return nil, fmt.Errorf("create job: %w", err)
	}

	// The run is detached from the request context; its lifetime is bounded
	// by the spec timeout and explicit cancellation.
	a := r.RunAsync(context.Background())

	s.mu.Lock()
	s.live[spec.Ident] = a
	s.mu.Unlock()

	s.wg.Go(func() {
		<-a.Done()
		s.mu.Lock()
		delete(s.live, spec.Ident)
		s.mu.Unlock()
	})

	return job, nil
}

// Cancel requests termination of a live job. The supervisor honors it on its
// next tick.
func (s *Service) Cancel(ctx context.Context, ident string) error {
	s.mu.Lock()
	a, ok := s.live[ident]
	s.mu.Unlock()
	// A nil entry is a submit-in-flight reservation; there is nothing to
	// cancel yet, so it falls through to the store lookup.
	if ok && a != nil {
		a.Cancel()
		return nil
	}

	if _, err := s.store.GetJob(ctx, ident); err != nil {
		return err
	}
	return ErrNotRunning
}

// Get returns the stored job record.
func (s *Service) Get(ctx context.Context, ident string) (*model.Job, error) {
	return s.store.GetJob(ctx, ident)
}

// List returns a page of job records plus the total count.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	return s.store.ListJobs(ctx, limit, offset)
}

// Stats returns aggregate execution statistics.
func (s *Service) Stats(ctx context.Context) (*store.JobStats, error) {
	return s.store.GetJobStats(ctx)
}

// Events loads the persisted engine events for a job from its artifact
// directory.
func (s *Service) Events(ctx context.Context, ident string) ([]*model.EventRecord, error) {
	if _, err := s.store.GetJob(ctx, ident); err != nil {
		return nil, err
	}
	dir, err := artifacts.Open(s.artifactBase, ident)
	if err != nil {
		return nil, err
	}
	return dir.Events()
}

// Stdout opens the raw output capture for a job.
func (s *Service) Stdout(ctx context.Context, ident string) (*artifacts.Dir, error) {
	if _, err := s.store.GetJob(ctx, ident); err != nil {
		return nil, err
	}
	return artifacts.Open(s.artifactBase, ident)
}

// Live reports whether the job is currently executing.
func (s *Service) Live(ident string) bool {
	return s.isLive(ident)
}

// LiveCount returns the number of jobs currently executing.
func (s *Service) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Wait blocks until all in-flight runs complete.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown cancels all live runs and waits for them to finalize.
func (s *Service) Shutdown() {
	s.mu.Lock()
	for _, a := range s.live {
		if a != nil {
			a.Cancel()
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) isLive(ident string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[ident]
	return ok
}

// persistStatus mirrors every lifecycle transition into the job index.
func (s *Service) persistStatus(rec model.StatusRecord) {
	if err := s.store.UpdateJobStatus(context.Background(), rec.Ident, rec.Status, rec.RC); err != nil {
		s.logger.Error("failed to persist job status",
			"ident", rec.Ident, "status", rec.Status, "error", err)
	}
}

// persistDiagnostic records the diagnostic cause for runs that carried one.
func (s *Service) persistDiagnostic(res *runner.Result) {
	if res.Err == nil {
		return
	}
	ctx := context.Background()
	job, err := s.store.GetJob(ctx, res.Ident)
	if err != nil {
		s.logger.Error("failed to load job for diagnostic", "ident", res.Ident, "error", err)
		return
	}
	job.Error = res.Err.Error()
	if err := s.store.UpdateJob(ctx, job); err != nil {
		s.logger.Error("failed to persist job diagnostic", "ident", res.Ident, "error", err)
	}
}
