package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"agent-task-orchestrator/internal/models"
	"agent-task-orchestrator/internal/store"
	"agent-task-orchestrator/internal/telemetry"
)

// Dispatcher hands a job off to the execution subsystem. Execution itself
// is outside this core; the handle correlates the two sides.
type Dispatcher interface {
	Dispatch(ctx context.Context, job models.Job, handle string) error
}

// Scheduler maintains queue contiguity across insert, remove, and reorder
// operations and drives the status/acceptance state machine. Reflows are
// serialized per org: both partitions of an org share one critical section
// because a single transition can touch backlog and rework together.
type Scheduler struct {
	store      store.Store
	dispatcher Dispatcher

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	execMu    sync.Mutex
	executing map[string]string // job id -> execution handle
}

func New(st store.Store, dispatcher Dispatcher) *Scheduler {
	return &Scheduler{
		store:      st,
		dispatcher: dispatcher,
		locks:      make(map[string]*sync.Mutex),
		executing:  make(map[string]string),
	}
}

func (s *Scheduler) lockOrg(orgID string) func() {
	s.mu.Lock()
	m, ok := s.locks[orgID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[orgID] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Create inserts version 1 of a job at the end of the org's backlog.
func (s *Scheduler) Create(ctx context.Context, job models.Job) (models.Job, error) {
	defer s.lockOrg(job.OrgID)()
	out, err := s.store.CreateJob(ctx, job)
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobsCreated.Inc()
	return out, nil
}

// UpdateJob applies a partial update to the job's current version, running
// every matching row of the transition table. Major edits (prompt or
// repository changes, entering rework, a rework retry) snapshot a new
// version; everything else mutates the current row in place.
func (s *Scheduler) UpdateJob(ctx context.Context, id, orgID string, p Patch) (models.Job, error) {
	defer s.lockOrg(orgID)()

	cur, err := s.store.GetLatest(ctx, id, orgID)
	if err != nil {
		return models.Job{}, err
	}
	if p.ExpectedVersion != 0 && p.ExpectedVersion != cur.Version {
		return models.Job{}, fmt.Errorf("job %s version %d is stale: %w", id, p.ExpectedVersion, models.ErrVersionConflict)
	}

	matched, err := matchTransitions(cur, p)
	if err != nil {
		return models.Job{}, err
	}

	now := time.Now().UTC()
	next := cur
	newVersion := applyPatchFields(&next, p, now)

	target := targetKeep
	reflowOld := false
	clearLogs := false
	for _, t := range matched {
		if t.status != "" {
			next.Status = t.status
		}
		if t.queue != targetKeep {
			target = t.queue
		}
		reflowOld = reflowOld || t.reflowOld
		newVersion = newVersion || t.newVersion
		clearLogs = clearLogs || t.clearLogs
	}
	if clearLogs {
		next.CodeGenerationLogs = nil
		next.VerificationLogs = nil
	}

	// The reflow rides the final row write so readers never see the gap
	// closed around a job still holding its old slot.
	var reflow *store.Reflow
	if reflowOld && cur.Queued() {
		reflow = &store.Reflow{QueueType: cur.QueueType, RemovedPos: cur.OrderInQueue}
	}

	switch target {
	case targetClear:
		next.QueueType = models.QueueNone
		next.OrderInQueue = models.OrderUnqueued
	case targetBacklog, targetRework, targetImplied:
		qt := models.QueueBacklog
		if target == targetRework {
			qt = models.QueueRework
		} else if target == targetImplied {
			qt = impliedQueue(next, p)
		}
		pos, err := s.store.CountQueued(ctx, orgID, qt)
		if err != nil {
			return models.Job{}, err
		}
		// The count still includes this job when it is moving within the
		// partition it already occupies.
		if cur.Queued() && cur.QueueType == qt {
			pos--
		}
		next.QueueType = qt
		next.OrderInQueue = pos
	}

	for _, t := range matched {
		if t.message == nil {
			continue
		}
		next.Updates = append([]models.JobUpdate{{
			Message:   t.message(cur, p),
			Status:    next.Status,
			CreatedAt: now,
		}}, next.Updates...)
	}

	var out models.Job
	if newVersion {
		next.Version = cur.Version + 1
		out, err = s.store.InsertVersion(ctx, next, reflow)
		if err != nil {
			return models.Job{}, err
		}
		telemetry.JobVersions.Inc()
	} else {
		out, err = s.store.UpdateInPlace(ctx, next, cur.Version, reflow)
		if err != nil {
			return models.Job{}, err
		}
	}
	if reflow != nil {
		telemetry.QueueReflows.Inc()
	}
	return out, nil
}

// applyPatchFields copies patch scalars onto next and reports whether a
// major edit happened (prompt or repository change).
func applyPatchFields(next *models.Job, p Patch, now time.Time) bool {
	major := false
	if p.Priority != nil {
		next.Priority = *p.Priority
	}
	if p.Title != nil {
		next.Title = *p.Title
	}
	if p.Description != nil {
		next.Description = *p.Description
	}
	if p.UserAcceptanceStatus != nil {
		next.UserAcceptanceStatus = *p.UserAcceptanceStatus
	}
	if p.Prompt != nil && *p.Prompt != next.Prompt {
		next.Prompt = *p.Prompt
		major = true
	}
	if p.Repositories != nil && !equalStrings(*p.Repositories, next.Repositories) {
		next.Repositories = *p.Repositories
		major = true
	}
	if p.Comments != nil {
		next.Comments = mergeComments(next.Comments, p.Comments, now)
	}
	return major
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Reprioritize moves a queued job to newPos within its partition and
// reassigns every member's position in one reflow. Out-of-range targets
// clamp to the partition bounds.
func (s *Scheduler) Reprioritize(ctx context.Context, id, orgID string, newPos int) (models.Job, error) {
	if newPos < 0 {
		return models.Job{}, fmt.Errorf("position must be >= 0: %w", models.ErrValidation)
	}
	defer s.lockOrg(orgID)()

	cur, err := s.store.GetLatest(ctx, id, orgID)
	if err != nil {
		return models.Job{}, err
	}
	if !cur.Queued() {
		return models.Job{}, fmt.Errorf("job %s is not queued: %w", id, models.ErrInvalidState)
	}

	queued, err := s.store.ListQueued(ctx, orgID, cur.QueueType)
	if err != nil {
		return models.Job{}, err
	}
	if newPos > len(queued)-1 {
		newPos = len(queued) - 1
	}
	if newPos == cur.OrderInQueue {
		return cur, nil
	}

	reordered := make([]models.Job, 0, len(queued))
	var target models.Job
	for _, j := range queued {
		if j.ID == cur.ID {
			target = j
			continue
		}
		reordered = append(reordered, j)
	}
	reordered = append(reordered[:newPos], append([]models.Job{target}, reordered[newPos:]...)...)

	moves := make([]store.QueuePosition, 0, len(reordered))
	for i, j := range reordered {
		if j.OrderInQueue == i {
			continue
		}
		moves = append(moves, store.QueuePosition{ID: j.ID, Version: j.Version, Pos: i})
	}
	if err := s.store.SetQueuePositions(ctx, orgID, moves); err != nil {
		return models.Job{}, err
	}
	telemetry.QueueReflows.Inc()
	return s.store.GetLatest(ctx, id, orgID)
}

// Execute removes a queued job from its partition and hands it to the
// execution subsystem, returning the correlation handle.
func (s *Scheduler) Execute(ctx context.Context, id, orgID string) (string, models.Job, error) {
	defer s.lockOrg(orgID)()

	cur, err := s.store.GetLatest(ctx, id, orgID)
	if err != nil {
		return "", models.Job{}, err
	}
	if !cur.Queued() {
		return "", models.Job{}, fmt.Errorf("job %s is not queued: %w", id, models.ErrInvalidState)
	}

	handle := uuid.New().String()
	s.execMu.Lock()
	if _, busy := s.executing[id]; busy {
		s.execMu.Unlock()
		return "", models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrAlreadyExecuting)
	}
	s.executing[id] = handle
	s.execMu.Unlock()

	next := cur
	next.Status = models.StatusInProgress
	next.QueueType = models.QueueNone
	next.OrderInQueue = models.OrderUnqueued
	next.Updates = append([]models.JobUpdate{{
		Message:   "Job execution started.",
		Status:    models.StatusInProgress,
		CreatedAt: time.Now().UTC(),
	}}, next.Updates...)

	out, err := s.store.UpdateInPlace(ctx, next, cur.Version, &store.Reflow{
		QueueType:  cur.QueueType,
		RemovedPos: cur.OrderInQueue,
	})
	if err != nil {
		s.releaseExecution(id)
		return "", models.Job{}, err
	}
	telemetry.QueueReflows.Inc()
	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(ctx, out, handle); err != nil {
			log.Printf("dispatch job %s: %v", id, err)
		}
	}
	telemetry.ExecutionsStarted.Inc()
	return handle, out, nil
}

// FinishExecution releases the execution slot for a job, allowing a future
// execute call. The execution subsystem calls this when a run ends.
func (s *Scheduler) FinishExecution(id string) {
	s.releaseExecution(id)
}

func (s *Scheduler) releaseExecution(id string) {
	s.execMu.Lock()
	delete(s.executing, id)
	s.execMu.Unlock()
}

// Archive marks a job archived, reflowing its partition if it was queued.
func (s *Scheduler) Archive(ctx context.Context, id, orgID string) (models.Job, error) {
	defer s.lockOrg(orgID)()

	cur, err := s.store.GetLatest(ctx, id, orgID)
	if err != nil {
		return models.Job{}, err
	}
	if cur.Status == models.StatusArchived {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrAlreadyArchived)
	}
	var reflow *store.Reflow
	if cur.Queued() {
		reflow = &store.Reflow{QueueType: cur.QueueType, RemovedPos: cur.OrderInQueue}
	}

	next := cur
	next.Status = models.StatusArchived
	next.QueueType = models.QueueNone
	next.OrderInQueue = models.OrderUnqueued
	next.Updates = append([]models.JobUpdate{{
		Message:   "Job archived.",
		Status:    models.StatusArchived,
		CreatedAt: time.Now().UTC(),
	}}, next.Updates...)
	out, err := s.store.UpdateInPlace(ctx, next, cur.Version, reflow)
	if err != nil {
		return models.Job{}, err
	}
	if reflow != nil {
		telemetry.QueueReflows.Inc()
	}
	return out, nil
}
