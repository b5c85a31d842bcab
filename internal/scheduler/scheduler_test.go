package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"agent-task-orchestrator/internal/models"
	"agent-task-orchestrator/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	return New(st, nil), st
}

func createJob(t *testing.T, s *Scheduler, org, prompt string) models.Job {
	t.Helper()
	job, err := s.Create(context.Background(), models.Job{OrgID: org, Prompt: prompt, Source: "web"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func assertContiguous(t *testing.T, st *store.Memory, org, queueType string) {
	t.Helper()
	jobs, err := st.ListQueued(context.Background(), org, queueType)
	if err != nil {
		t.Fatalf("list queued: %v", err)
	}
	for i, j := range jobs {
		if j.OrderInQueue != i {
			t.Fatalf("queue %s not contiguous: job %s at position %d, expected %d", queueType, j.ID, j.OrderInQueue, i)
		}
	}
}

func TestReprioritizeMovesToFront(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t)

	job1 := createJob(t, s, "org", "first")
	job2 := createJob(t, s, "org", "second")
	if job1.OrderInQueue != 0 || job2.OrderInQueue != 1 {
		t.Fatalf("unexpected starting positions: %d, %d", job1.OrderInQueue, job2.OrderInQueue)
	}

	moved, err := s.Reprioritize(ctx, job2.ID, "org", 0)
	if err != nil {
		t.Fatalf("reprioritize: %v", err)
	}
	if moved.OrderInQueue != 0 {
		t.Fatalf("expected job2 at position 0, got %d", moved.OrderInQueue)
	}
	got1, _ := st.GetLatest(ctx, job1.ID, "org")
	if got1.OrderInQueue != 1 {
		t.Fatalf("expected job1 shifted to position 1, got %d", got1.OrderInQueue)
	}
	assertContiguous(t, st, "org", models.QueueBacklog)
}

func TestReprioritizeClampsAndNoops(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t)

	var jobs []models.Job
	for i := 0; i < 3; i++ {
		jobs = append(jobs, createJob(t, s, "org", fmt.Sprintf("job %d", i)))
	}

	// Far out-of-range target clamps to the end rather than erroring.
	moved, err := s.Reprioritize(ctx, jobs[0].ID, "org", 99)
	if err != nil {
		t.Fatalf("reprioritize: %v", err)
	}
	if moved.OrderInQueue != 2 {
		t.Fatalf("expected clamp to last position 2, got %d", moved.OrderInQueue)
	}
	assertContiguous(t, st, "org", models.QueueBacklog)

	// Same-position request is a no-op.
	again, err := s.Reprioritize(ctx, moved.ID, "org", 2)
	if err != nil {
		t.Fatalf("reprioritize noop: %v", err)
	}
	if again.OrderInQueue != 2 {
		t.Fatalf("noop changed position to %d", again.OrderInQueue)
	}

	// Negative positions are rejected at the boundary.
	if _, err := s.Reprioritize(ctx, moved.ID, "org", -1); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestReprioritizeRequiresQueuedJob(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t)

	job := createJob(t, s, "org", "only")
	if _, _, err := s.Execute(ctx, job.ID, "org"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := s.Reprioritize(ctx, job.ID, "org", 0); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("expected invalid state for non-queued job, got %v", err)
	}
}

func TestArchiveReflowsBacklog(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t)

	var jobs []models.Job
	for i := 0; i < 5; i++ {
		jobs = append(jobs, createJob(t, s, "org", fmt.Sprintf("job %d", i)))
	}

	// Remove the job at position 2; the remaining 4 close the gap.
	archived, err := s.Archive(ctx, jobs[2].ID, "org")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archived.Status != models.StatusArchived || archived.QueueType != models.QueueNone || archived.OrderInQueue != models.OrderUnqueued {
		t.Fatalf("archived job still holds queue state: %+v", archived)
	}

	remaining, _ := st.ListQueued(ctx, "org", models.QueueBacklog)
	if len(remaining) != 4 {
		t.Fatalf("expected 4 queued jobs, got %d", len(remaining))
	}
	assertContiguous(t, st, "org", models.QueueBacklog)

	if _, err := s.Archive(ctx, jobs[2].ID, "org"); !errors.Is(err, models.ErrAlreadyArchived) {
		t.Fatalf("expected already archived, got %v", err)
	}
}

func TestExecuteRemovesFromQueue(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t)

	first := createJob(t, s, "org", "first")
	second := createJob(t, s, "org", "second")
	third := createJob(t, s, "org", "third")

	handle, out, err := s.Execute(ctx, first.ID, "org")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if handle == "" {
		t.Fatalf("expected a correlation handle")
	}
	if out.Status != models.StatusInProgress || out.QueueType != models.QueueNone || out.OrderInQueue != models.OrderUnqueued {
		t.Fatalf("executed job holds queue state: %+v", out)
	}
	if len(out.Updates) == 0 || out.Updates[0].Message != "Job execution started." {
		t.Fatalf("expected execution update entry first, got %+v", out.Updates)
	}

	gotSecond, _ := st.GetLatest(ctx, second.ID, "org")
	gotThird, _ := st.GetLatest(ctx, third.ID, "org")
	if gotSecond.OrderInQueue != 0 || gotThird.OrderInQueue != 1 {
		t.Fatalf("expected shift to 0 and 1, got %d and %d", gotSecond.OrderInQueue, gotThird.OrderInQueue)
	}
	assertContiguous(t, st, "org", models.QueueBacklog)
}

func TestExecuteGuards(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t)

	job := createJob(t, s, "org", "only")
	if _, _, err := s.Execute(ctx, job.ID, "org"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// Not queued anymore.
	if _, _, err := s.Execute(ctx, job.ID, "org"); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}

	// Re-queue while the first execution is still tracked.
	queued := models.StatusQueued
	if _, err := s.UpdateJob(ctx, job.ID, "org", Patch{Status: &queued}); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if _, _, err := s.Execute(ctx, job.ID, "org"); !errors.Is(err, models.ErrAlreadyExecuting) {
		t.Fatalf("expected already executing, got %v", err)
	}

	// After the run finishes the slot frees up.
	s.FinishExecution(job.ID)
	if _, _, err := s.Execute(ctx, job.ID, "org"); err != nil {
		t.Fatalf("execute after finish: %v", err)
	}
}

func TestUpdateVersionConflict(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t)

	job := createJob(t, s, "org", "original prompt")

	// Another writer advances the job to version 2 via a major edit.
	newPrompt := "rewritten prompt"
	if _, err := s.UpdateJob(ctx, job.ID, "org", Patch{Prompt: &newPrompt}); err != nil {
		t.Fatalf("major edit: %v", err)
	}

	title := "late edit"
	_, err := s.UpdateJob(ctx, job.ID, "org", Patch{ExpectedVersion: 1, Title: &title})
	if !errors.Is(err, models.ErrVersionConflict) {
		t.Fatalf("expected version conflict against stale version, got %v", err)
	}
}

func TestContiguityAcrossOperationSequence(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t)

	var jobs []models.Job
	for i := 0; i < 6; i++ {
		jobs = append(jobs, createJob(t, s, "org", fmt.Sprintf("job %d", i)))
	}

	if _, _, err := s.Execute(ctx, jobs[1].ID, "org"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := s.Archive(ctx, jobs[4].ID, "org"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := s.Reprioritize(ctx, jobs[5].ID, "org", 0); err != nil {
		t.Fatalf("reprioritize: %v", err)
	}
	rework := models.AcceptanceAskedRework
	if _, err := s.UpdateJob(ctx, jobs[0].ID, "org", Patch{UserAcceptanceStatus: &rework}); err != nil {
		t.Fatalf("rework request: %v", err)
	}

	assertContiguous(t, st, "org", models.QueueBacklog)
	assertContiguous(t, st, "org", models.QueueRework)
}
