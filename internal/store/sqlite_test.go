package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/overseer/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestJob() *model.Job {
	return &model.Job{
		Ident:       model.NewID(),
		Status:      model.StatusUnstarted,
		Isolation:   model.IsolationNone,
		ArtifactDir: "/tmp/artifacts/" + model.NewID(),
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := makeTestJob()

	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.GetJob(ctx, j.Ident)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}

	if got.Ident != j.Ident {
		t.Errorf("Ident = %q, want %q", got.Ident, j.Ident)
	}
	if got.Status != j.Status {
		t.Errorf("Status = %q, want %q", got.Status, j.Status)
	}
	if got.Isolation != j.Isolation {
		t.Errorf("Isolation = %q, want %q", got.Isolation, j.Isolation)
	}
	if got.ArtifactDir != j.ArtifactDir {
		t.Errorf("ArtifactDir = %q, want %q", got.ArtifactDir, j.ArtifactDir)
	}
	if got.RC != nil {
		t.Errorf("RC = %v, want nil before finalization", *got.RC)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetJob(ctx, "nonexistent")
	if err != ErrNotFound {
		t.Errorf("GetJob error = %v, want ErrNotFound", err)
	}
}

func TestListJobsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Insert 5 jobs with staggered creation times.
	for i := 0; i < 5; i++ {
		j := makeTestJob()
		j.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second).Truncate(time.Second)
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob[%d]: %v", i, err)
		}
	}

	// Get first page of 2.
	jobs, total, err := s.ListJobs(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(jobs) != 2 {
		t.Errorf("len(jobs) = %d, want 2", len(jobs))
	}

	// Get second page of 2.
	jobs2, total2, err := s.ListJobs(ctx, 2, 2)
	if err != nil {
		t.Fatalf("ListJobs page 2: %v", err)
	}
	if total2 != 5 {
		t.Errorf("total page 2 = %d, want 5", total2)
	}
	if len(jobs2) != 2 {
		t.Errorf("len(jobs) page 2 = %d, want 2", len(jobs2))
	}
}

func TestListJobsOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Insert jobs with ascending created_at.
	for i := 0; i < 3; i++ {
		j := makeTestJob()
		j.CreatedAt = time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC)
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob[%d]: %v", i, err)
		}
	}

	jobs, _, err := s.ListJobs(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}

	// Should be ordered DESC — newest first.
	for i := 1; i < len(jobs); i++ {
		if jobs[i].CreatedAt.After(jobs[i-1].CreatedAt) {
			t.Errorf("jobs not in DESC order: [%d].CreatedAt=%v > [%d].CreatedAt=%v",
				i, jobs[i].CreatedAt, i-1, jobs[i-1].CreatedAt)
		}
	}
}

func TestListJobsEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	jobs, total, err := s.ListJobs(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
	if jobs != nil {
		t.Errorf("jobs = %v, want nil", jobs)
	}
}

func TestUpdateJobStatusRunningSetsStartedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := makeTestJob()

	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := s.UpdateJobStatus(ctx, j.Ident, model.StatusRunning, nil); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}

	got, _ := s.GetJob(ctx, j.Ident)
	if got.Status != model.StatusRunning {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusRunning)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt is nil, expected it to be set for running status")
	}
}

func TestUpdateJobStatusTerminalSetsFinishedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, status := range []string{model.StatusSuccessful, model.StatusFailed, model.StatusCanceled, model.StatusTimeout} {
		t.Run(status, func(t *testing.T) {
			j := makeTestJob()
			if err := s.CreateJob(ctx, j); err != nil {
				t.Fatalf("CreateJob: %v", err)
			}
			if err := s.UpdateJobStatus(ctx, j.Ident, model.StatusRunning, nil); err != nil {
				t.Fatalf("UpdateJobStatus running: %v", err)
			}

			rc := 0
			if err := s.UpdateJobStatus(ctx, j.Ident, status, &rc); err != nil {
				t.Fatalf("UpdateJobStatus %s: %v", status, err)
			}

			got, _ := s.GetJob(ctx, j.Ident)
			if got.Status != status {
				t.Errorf("Status = %q, want %q", got.Status, status)
			}
			if got.FinishedAt == nil {
				t.Error("FinishedAt is nil, expected it to be set for terminal status")
			}
			if got.DurationMS == nil {
				t.Error("DurationMS is nil, expected it to be derived from started_at")
			}
			if got.RC == nil || *got.RC != 0 {
				t.Errorf("RC = %v, want 0", got.RC)
			}
		})
	}
}

func TestUpdateJobStatusNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.UpdateJobStatus(ctx, "nonexistent", model.StatusRunning, nil)
	if err != ErrNotFound {
		t.Errorf("UpdateJobStatus error = %v, want ErrNotFound", err)
	}
}

func TestUpdateJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := makeTestJob()

	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	now := time.Now().UTC()
	rc := 2
	durationMS := 150
	finishedAt := now.Add(time.Duration(durationMS) * time.Millisecond)

	j.Status = model.StatusFailed
	j.RC = &rc
	j.Error = "engine exited with code 2"
	j.DurationMS = &durationMS
	j.StartedAt = &now
	j.FinishedAt = &finishedAt

	if err := s.UpdateJob(ctx, j); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	got, err := s.GetJob(ctx, j.Ident)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != model.StatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusFailed)
	}
	if got.RC == nil || *got.RC != 2 {
		t.Errorf("RC = %v, want 2", got.RC)
	}
	if got.Error != "engine exited with code 2" {
		t.Errorf("Error = %q", got.Error)
	}
	if got.DurationMS == nil || *got.DurationMS != 150 {
		t.Errorf("DurationMS = %v, want 150", got.DurationMS)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt is nil")
	}
}

func TestUpdateJobNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := makeTestJob()
	j.Ident = "nonexistent"
	err := s.UpdateJob(ctx, j)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got error %v, want ErrNotFound", err)
	}
}

func TestGetJobStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Two successful process jobs with known durations.
	for i := 0; i < 2; i++ {
		j := makeTestJob()
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		if err := s.UpdateJobStatus(ctx, j.Ident, model.StatusRunning, nil); err != nil {
			t.Fatalf("UpdateJobStatus running: %v", err)
		}
		rc := 0
		if err := s.UpdateJobStatus(ctx, j.Ident, model.StatusSuccessful, &rc); err != nil {
			t.Fatalf("UpdateJobStatus successful: %v", err)
		}
		dur := 100 + i*100 // 100, 200
		if _, err := s.db.ExecContext(ctx,
			"UPDATE jobs SET duration_ms = ? WHERE ident = ?", dur, j.Ident); err != nil {
			t.Fatalf("set duration: %v", err)
		}
	}

	// One unstarted process job and one unstarted container job.
	j := makeTestJob()
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	c := makeTestJob()
	c.Isolation = model.IsolationContainer
	c.Image = "quay.io/example/engine:latest"
	if err := s.CreateJob(ctx, c); err != nil {
		t.Fatalf("CreateJob (container): %v", err)
	}

	stats, err := s.GetJobStats(ctx)
	if err != nil {
		t.Fatalf("GetJobStats: %v", err)
	}

	if stats.Total != 4 {
		t.Errorf("Total = %d, want 4", stats.Total)
	}
	if stats.CountByStatus[model.StatusSuccessful] != 2 {
		t.Errorf("successful count = %d, want 2", stats.CountByStatus[model.StatusSuccessful])
	}
	if stats.CountByStatus[model.StatusUnstarted] != 2 {
		t.Errorf("unstarted count = %d, want 2", stats.CountByStatus[model.StatusUnstarted])
	}
	if stats.CountByIsolation[model.IsolationNone] != 3 {
		t.Errorf("none count = %d, want 3", stats.CountByIsolation[model.IsolationNone])
	}
	if stats.CountByIsolation[model.IsolationContainer] != 1 {
		t.Errorf("container count = %d, want 1", stats.CountByIsolation[model.IsolationContainer])
	}
	if stats.AvgDurationMS != 150 {
		t.Errorf("AvgDurationMS = %f, want 150", stats.AvgDurationMS)
	}
}

func TestGetJobStatsEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stats, err := s.GetJobStats(ctx)
	if err != nil {
		t.Fatalf("GetJobStats: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("Total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("AvgDurationMS = %f, want 0", stats.AvgDurationMS)
	}
}

func TestMigrationIdempotency(t *testing.T) {
	// Opening the store twice on the same DB shouldn't error.
	s1, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("First open: %v", err)
	}

	// The in-memory DB won't persist between opens, but we can verify
	// the CREATE TABLE IF NOT EXISTS works by calling it on the same connection.
	if _, err := s1.db.Exec(createJobsTable); err != nil {
		t.Fatalf("Second migration: %v", err)
	}
	s1.Close()
}
