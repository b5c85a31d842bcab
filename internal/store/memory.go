package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agent-task-orchestrator/internal/models"
)

// Memory is an in-process Store with the same semantics as Postgres. Tests
// run against it; it also serves single-node development.
type Memory struct {
	mu       sync.Mutex
	versions map[string][]models.Job // id -> ascending version snapshots
	agents   map[string]models.Agent
}

func NewMemory() *Memory {
	return &Memory{
		versions: make(map[string][]models.Job),
		agents:   make(map[string]models.Agent),
	}
}

func (m *Memory) CreateJob(_ context.Context, job models.Job) (models.Job, error) {
	if job.Prompt == "" || job.Source == "" {
		return models.Job{}, fmt.Errorf("prompt and source are required: %w", models.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Priority == "" {
		job.Priority = models.PriorityMedium
	}
	now := time.Now().UTC()
	job.Version = 1
	job.Status = models.StatusQueued
	job.QueueType = models.QueueBacklog
	job.UserAcceptanceStatus = models.AcceptanceNotReviewed
	job.OrderInQueue = m.countQueuedLocked(job.OrgID, models.QueueBacklog)
	job.CreatedAt = now
	job.UpdatedAt = now
	job.Updates = append([]models.JobUpdate{{Message: "Job queued.", Status: models.StatusQueued, CreatedAt: now}}, job.Updates...)

	m.versions[job.ID] = []models.Job{copyJob(job)}
	return job, nil
}

func (m *Memory) GetLatest(_ context.Context, id, orgID string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.latestLocked(id, orgID)
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return copyJob(job), nil
}

func (m *Memory) GetVersion(_ context.Context, id string, version int, orgID string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions[id] {
		if v.Version == version && v.OrgID == orgID {
			return copyJob(v), nil
		}
	}
	return models.Job{}, fmt.Errorf("job %s version %d: %w", id, version, models.ErrNotFound)
}

func (m *Memory) ListLatest(_ context.Context, orgID string) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []models.Job
	for id := range m.versions {
		if job, ok := m.latestLocked(id, orgID); ok {
			jobs = append(jobs, copyJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return jobs, nil
}

func (m *Memory) UpdateInPlace(_ context.Context, job models.Job, expectedVersion int, reflow *Reflow) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.versions[job.ID]
	if len(chain) == 0 || chain[0].OrgID != job.OrgID {
		return models.Job{}, fmt.Errorf("job %s: %w", job.ID, models.ErrNotFound)
	}
	cur := &chain[len(chain)-1]
	if cur.Version != expectedVersion {
		return models.Job{}, fmt.Errorf("job %s version %d is stale: %w", job.ID, expectedVersion, models.ErrVersionConflict)
	}
	if reflow != nil {
		m.shiftLeftLocked(job.OrgID, reflow.QueueType, reflow.RemovedPos)
	}
	job.Version = expectedVersion
	job.CreatedAt = cur.CreatedAt
	job.UpdatedAt = time.Now().UTC()
	*cur = copyJob(job)
	return job, nil
}

func (m *Memory) InsertVersion(_ context.Context, job models.Job, reflow *Reflow) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.versions[job.ID]
	if len(chain) == 0 || chain[0].OrgID != job.OrgID {
		return models.Job{}, fmt.Errorf("job %s: %w", job.ID, models.ErrNotFound)
	}
	cur := chain[len(chain)-1]
	if cur.Version != job.Version-1 {
		return models.Job{}, fmt.Errorf("job %s version %d is stale: %w", job.ID, job.Version-1, models.ErrVersionConflict)
	}
	if reflow != nil {
		m.shiftLeftLocked(job.OrgID, reflow.QueueType, reflow.RemovedPos)
	}
	job.UpdatedAt = time.Now().UTC()
	m.versions[job.ID] = append(chain, copyJob(job))
	return job, nil
}

func (m *Memory) CountQueued(_ context.Context, orgID, queueType string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countQueuedLocked(orgID, queueType), nil
}

func (m *Memory) ListQueued(_ context.Context, orgID, queueType string) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []models.Job
	for id := range m.versions {
		if job, ok := m.latestLocked(id, orgID); ok && job.Status == models.StatusQueued && job.QueueType == queueType {
			jobs = append(jobs, copyJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].OrderInQueue < jobs[j].OrderInQueue })
	return jobs, nil
}

func (m *Memory) shiftLeftLocked(orgID, queueType string, removedPos int) {
	for id, chain := range m.versions {
		if len(chain) == 0 {
			continue
		}
		cur := &m.versions[id][len(chain)-1]
		if cur.OrgID == orgID && cur.QueueType == queueType && cur.Status == models.StatusQueued && cur.OrderInQueue > removedPos {
			cur.OrderInQueue--
			cur.UpdatedAt = time.Now().UTC()
		}
	}
}

func (m *Memory) SetQueuePositions(_ context.Context, orgID string, moves []QueuePosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Resolve every target before touching anything so a bad move leaves
	// the partition untouched.
	targets := make([]*models.Job, len(moves))
	for i, mv := range moves {
		var found *models.Job
		for j := range m.versions[mv.ID] {
			v := &m.versions[mv.ID][j]
			if v.Version == mv.Version && v.OrgID == orgID {
				found = v
				break
			}
		}
		if found == nil {
			return fmt.Errorf("job %s version %d: %w", mv.ID, mv.Version, models.ErrNotFound)
		}
		targets[i] = found
	}
	now := time.Now().UTC()
	for i, mv := range moves {
		targets[i].OrderInQueue = mv.Pos
		targets[i].UpdatedAt = now
	}
	return nil
}

func (m *Memory) AppendLogs(_ context.Context, id string, version int, orgID string, codeGen, verification []models.LogEntry, limit int) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.versions[id] {
		v := &m.versions[id][i]
		if v.Version == version && v.OrgID == orgID {
			v.CodeGenerationLogs = TruncateLogs(append(v.CodeGenerationLogs, codeGen...), limit)
			v.VerificationLogs = TruncateLogs(append(v.VerificationLogs, verification...), limit)
			v.UpdatedAt = time.Now().UTC()
			return copyJob(*v), nil
		}
	}
	return models.Job{}, fmt.Errorf("job %s version %d: %w", id, version, models.ErrNotFound)
}

// SeedAgent registers an agent, standing in for the external provisioning
// flow that owns agent creation.
func (m *Memory) SeedAgent(agent models.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	m.agents[agent.ID] = agent
}

func (m *Memory) GetAgent(_ context.Context, id string) (models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return models.Agent{}, fmt.Errorf("agent %s: %w", id, models.ErrNotFound)
	}
	return a, nil
}

func (m *Memory) ListAgents(_ context.Context) ([]models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agents := make([]models.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	return agents, nil
}

func (m *Memory) UpdateAgent(_ context.Context, agent models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.agents[agent.ID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agent.ID, models.ErrNotFound)
	}
	cur.Status = agent.Status
	cur.ConsecutiveFailures = agent.ConsecutiveFailures
	cur.UpdatedAt = time.Now().UTC()
	m.agents[agent.ID] = cur
	return nil
}

func (m *Memory) latestLocked(id, orgID string) (models.Job, bool) {
	chain := m.versions[id]
	if len(chain) == 0 {
		return models.Job{}, false
	}
	cur := chain[len(chain)-1]
	if cur.OrgID != orgID {
		return models.Job{}, false
	}
	return cur, true
}

func (m *Memory) countQueuedLocked(orgID, queueType string) int {
	n := 0
	for id := range m.versions {
		if job, ok := m.latestLocked(id, orgID); ok && job.Status == models.StatusQueued && job.QueueType == queueType {
			n++
		}
	}
	return n
}

func copyJob(job models.Job) models.Job {
	out := job
	out.Repositories = append([]string(nil), job.Repositories...)
	out.CodeGenerationLogs = append([]models.LogEntry(nil), job.CodeGenerationLogs...)
	out.VerificationLogs = append([]models.LogEntry(nil), job.VerificationLogs...)
	out.Updates = append([]models.JobUpdate(nil), job.Updates...)
	out.Comments = append([]models.Comment(nil), job.Comments...)
	return out
}
