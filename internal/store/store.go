package store

import (
	"context"

	"agent-task-orchestrator/internal/models"
)

// Store is the persistence surface for versioned jobs and agents. The
// Postgres implementation backs production; Memory backs tests.
type Store interface {
	// CreateJob inserts version 1 of a job: status queued, backlog, appended
	// at the end of the org's backlog. Fails with models.ErrValidation when
	// prompt or source is missing.
	CreateJob(ctx context.Context, job models.Job) (models.Job, error)

	// GetLatest returns the current (highest-version) snapshot for id within
	// the org.
	GetLatest(ctx context.Context, id, orgID string) (models.Job, error)

	// GetVersion returns an exact version snapshot.
	GetVersion(ctx context.Context, id string, version int, orgID string) (models.Job, error)

	// ListLatest returns the current snapshot of every job in the org,
	// newest-created first.
	ListLatest(ctx context.Context, orgID string) ([]models.Job, error)

	// UpdateInPlace overwrites the current snapshot, conditioned on
	// expectedVersion still being current. A stale expectedVersion affects
	// zero rows and surfaces models.ErrVersionConflict. A non-nil reflow
	// closes the partition gap in the same transaction, so readers never see
	// the shifted neighbors without the rewritten row.
	UpdateInPlace(ctx context.Context, job models.Job, expectedVersion int, reflow *Reflow) (models.Job, error)

	// InsertVersion appends a new snapshot (job.Version must be the prior
	// current version + 1) and flips the current pointer in the same
	// transaction, applying reflow like UpdateInPlace does.
	InsertVersion(ctx context.Context, job models.Job, reflow *Reflow) (models.Job, error)

	// CountQueued returns the number of queued jobs in one (org, queueType)
	// partition.
	CountQueued(ctx context.Context, orgID, queueType string) (int, error)

	// ListQueued returns the partition's queued jobs ordered by position.
	ListQueued(ctx context.Context, orgID, queueType string) ([]models.Job, error)

	// SetQueuePositions rewrites queue ordinals as one atomic batch; a
	// partition reorder either lands whole or not at all.
	SetQueuePositions(ctx context.Context, orgID string, moves []QueuePosition) error

	// AppendLogs merges pre-classified log batches into the snapshot's
	// persisted streams, truncating each stream to the most recent cap
	// entries, and returns the updated snapshot.
	AppendLogs(ctx context.Context, id string, version int, orgID string, codeGen, verification []models.LogEntry, limit int) (models.Job, error)

	GetAgent(ctx context.Context, id string) (models.Agent, error)
	ListAgents(ctx context.Context) ([]models.Agent, error)
	UpdateAgent(ctx context.Context, agent models.Agent) error
}

// Reflow describes the gap a job leaves behind when it exits a queue
// partition: every position above RemovedPos shifts down by one.
type Reflow struct {
	QueueType  string
	RemovedPos int
}

// QueuePosition is one target ordinal in a batch reorder.
type QueuePosition struct {
	ID      string
	Version int
	Pos     int
}

// TruncateLogs keeps the most recent max entries of a stream, dropping the
// oldest first.
func TruncateLogs(entries []models.LogEntry, max int) []models.LogEntry {
	if max <= 0 || len(entries) <= max {
		return entries
	}
	return entries[len(entries)-max:]
}
