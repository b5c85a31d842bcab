package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agent-task-orchestrator/internal/models"
)

// Postgres wraps pgxpool for durable job and agent persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, version, org_id, status, priority, queue_type, order_in_queue,
	user_acceptance_status, title, description, prompt, source,
	repositories, code_generation_logs, verification_logs, updates, comments,
	created_at, updated_at`

func (s *Postgres) CreateJob(ctx context.Context, job models.Job) (models.Job, error) {
	if job.Prompt == "" || job.Source == "" {
		return models.Job{}, fmt.Errorf("prompt and source are required: %w", models.ErrValidation)
	}
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
	job.CreatedAt = now
	job.UpdatedAt = now
	job.Updates = append([]models.JobUpdate{{Message: "Job queued.", Status: models.StatusQueued, CreatedAt: now}}, job.Updates...)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	// Backlog append: position = current partition length.
	var pos int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE org_id = $1 AND queue_type = $2 AND status = $3 AND is_current
	`, job.OrgID, models.QueueBacklog, models.StatusQueued).Scan(&pos)
	if err != nil {
		return models.Job{}, fmt.Errorf("count backlog: %w", err)
	}
	job.OrderInQueue = pos

	if err := insertJobRow(ctx, tx, job); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

func insertJobRow(ctx context.Context, tx pgx.Tx, job models.Job) error {
	repos, logsCG, logsVer, updates, comments, err := marshalJobJSON(job)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`, is_current)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, TRUE)
	`, job.ID, job.Version, job.OrgID, job.Status, job.Priority, job.QueueType, job.OrderInQueue,
		job.UserAcceptanceStatus, job.Title, job.Description, job.Prompt, job.Source,
		repos, logsCG, logsVer, updates, comments, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job version: %w", err)
	}
	return nil
}

func (s *Postgres) GetLatest(ctx context.Context, id, orgID string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE id = $1 AND org_id = $2 AND is_current
	`, id, orgID)
	return scanJob(row)
}

func (s *Postgres) GetVersion(ctx context.Context, id string, version int, orgID string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE id = $1 AND version = $2 AND org_id = $3
	`, id, version, orgID)
	return scanJob(row)
}

func (s *Postgres) ListLatest(ctx context.Context, orgID string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE org_id = $1 AND is_current
		ORDER BY created_at DESC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Postgres) UpdateInPlace(ctx context.Context, job models.Job, expectedVersion int, reflow *Reflow) (models.Job, error) {
	repos, logsCG, logsVer, updates, comments, err := marshalJobJSON(job)
	if err != nil {
		return models.Job{}, err
	}
	job.UpdatedAt = time.Now().UTC()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := applyReflow(ctx, tx, job.OrgID, reflow); err != nil {
		return models.Job{}, err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET
			status = $4, priority = $5, queue_type = $6, order_in_queue = $7,
			user_acceptance_status = $8, title = $9, description = $10,
			prompt = $11, source = $12, repositories = $13,
			code_generation_logs = $14, verification_logs = $15,
			updates = $16, comments = $17, updated_at = $18
		WHERE id = $1 AND org_id = $2 AND version = $3 AND is_current
	`, job.ID, job.OrgID, expectedVersion,
		job.Status, job.Priority, job.QueueType, job.OrderInQueue,
		job.UserAcceptanceStatus, job.Title, job.Description,
		job.Prompt, job.Source, repos, logsCG, logsVer, updates, comments, job.UpdatedAt)
	if err != nil {
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// The row either moved past expectedVersion or never existed. The
		// deferred rollback discards any reflow.
		var n int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE id = $1 AND org_id = $2`, job.ID, job.OrgID).Scan(&n); err != nil {
			return models.Job{}, fmt.Errorf("check job existence: %w", err)
		}
		if n == 0 {
			return models.Job{}, fmt.Errorf("job %s: %w", job.ID, models.ErrNotFound)
		}
		return models.Job{}, fmt.Errorf("job %s version %d is stale: %w", job.ID, expectedVersion, models.ErrVersionConflict)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	job.Version = expectedVersion
	return job, nil
}

func (s *Postgres) InsertVersion(ctx context.Context, job models.Job, reflow *Reflow) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := applyReflow(ctx, tx, job.OrgID, reflow); err != nil {
		return models.Job{}, err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET is_current = FALSE
		WHERE id = $1 AND org_id = $2 AND version = $3 AND is_current
	`, job.ID, job.OrgID, job.Version-1)
	if err != nil {
		return models.Job{}, fmt.Errorf("retire current version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Job{}, fmt.Errorf("job %s version %d is stale: %w", job.ID, job.Version-1, models.ErrVersionConflict)
	}

	job.UpdatedAt = time.Now().UTC()
	if err := insertJobRow(ctx, tx, job); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

func (s *Postgres) CountQueued(ctx context.Context, orgID, queueType string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE org_id = $1 AND queue_type = $2 AND status = $3 AND is_current
	`, orgID, queueType, models.StatusQueued).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queued: %w", err)
	}
	return n, nil
}

func (s *Postgres) ListQueued(ctx context.Context, orgID, queueType string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE org_id = $1 AND queue_type = $2 AND status = $3 AND is_current
		ORDER BY order_in_queue ASC
	`, orgID, queueType, models.StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("list queued: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// applyReflow closes a partition gap inside the caller's transaction. A nil
// reflow is a no-op.
func applyReflow(ctx context.Context, tx pgx.Tx, orgID string, reflow *Reflow) error {
	if reflow == nil {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE jobs SET order_in_queue = order_in_queue - 1, updated_at = NOW()
		WHERE org_id = $1 AND queue_type = $2 AND status = $3 AND is_current AND order_in_queue > $4
	`, orgID, reflow.QueueType, models.StatusQueued, reflow.RemovedPos)
	if err != nil {
		return fmt.Errorf("shift queue left: %w", err)
	}
	return nil
}

func (s *Postgres) SetQueuePositions(ctx context.Context, orgID string, moves []QueuePosition) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, mv := range moves {
		tag, err := tx.Exec(ctx, `
			UPDATE jobs SET order_in_queue = $4, updated_at = NOW()
			WHERE id = $1 AND org_id = $2 AND version = $3
		`, mv.ID, orgID, mv.Version, mv.Pos)
		if err != nil {
			return fmt.Errorf("set queue position: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("job %s version %d: %w", mv.ID, mv.Version, models.ErrNotFound)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Postgres) AppendLogs(ctx context.Context, id string, version int, orgID string, codeGen, verification []models.LogEntry, limit int) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE id = $1 AND version = $2 AND org_id = $3
		FOR UPDATE
	`, id, version, orgID)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, err
	}

	job.CodeGenerationLogs = TruncateLogs(append(job.CodeGenerationLogs, codeGen...), limit)
	job.VerificationLogs = TruncateLogs(append(job.VerificationLogs, verification...), limit)

	logsCG, err := json.Marshal(job.CodeGenerationLogs)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal code generation logs: %w", err)
	}
	logsVer, err := json.Marshal(job.VerificationLogs)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal verification logs: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE jobs SET code_generation_logs = $4, verification_logs = $5, updated_at = NOW()
		WHERE id = $1 AND version = $2 AND org_id = $3
	`, id, version, orgID, logsCG, logsVer)
	if err != nil {
		return models.Job{}, fmt.Errorf("merge logs: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

func (s *Postgres) GetAgent(ctx context.Context, id string) (models.Agent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, status, host, port, consecutive_failures, created_at, updated_at
		FROM agents WHERE id = $1
	`, id)
	var a models.Agent
	if err := row.Scan(&a.ID, &a.Status, &a.Host, &a.Port, &a.ConsecutiveFailures, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Agent{}, fmt.Errorf("agent %s: %w", id, models.ErrNotFound)
		}
		return models.Agent{}, fmt.Errorf("scan agent: %w", err)
	}
	return a, nil
}

func (s *Postgres) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, status, host, port, consecutive_failures, created_at, updated_at FROM agents
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		var a models.Agent
		if err := rows.Scan(&a.ID, &a.Status, &a.Host, &a.Port, &a.ConsecutiveFailures, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Postgres) UpdateAgent(ctx context.Context, agent models.Agent) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE agents SET status = $2, consecutive_failures = $3, updated_at = NOW()
		WHERE id = $1
	`, agent.ID, agent.Status, agent.ConsecutiveFailures)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var repos, logsCG, logsVer, updates, comments []byte

	err := row.Scan(&job.ID, &job.Version, &job.OrgID, &job.Status, &job.Priority,
		&job.QueueType, &job.OrderInQueue, &job.UserAcceptanceStatus,
		&job.Title, &job.Description, &job.Prompt, &job.Source,
		&repos, &logsCG, &logsVer, &updates, &comments,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job not found: %w", models.ErrNotFound)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	for _, f := range []struct {
		raw  []byte
		dest any
	}{
		{repos, &job.Repositories},
		{logsCG, &job.CodeGenerationLogs},
		{logsVer, &job.VerificationLogs},
		{updates, &job.Updates},
		{comments, &job.Comments},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dest); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal job field: %w", err)
		}
	}
	return job, nil
}

func marshalJobJSON(job models.Job) (repos, logsCG, logsVer, updates, comments []byte, err error) {
	if repos, err = json.Marshal(orEmptyStrings(job.Repositories)); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal repositories: %w", err)
	}
	if logsCG, err = json.Marshal(orEmptyLogs(job.CodeGenerationLogs)); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal code generation logs: %w", err)
	}
	if logsVer, err = json.Marshal(orEmptyLogs(job.VerificationLogs)); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal verification logs: %w", err)
	}
	if updates, err = json.Marshal(job.Updates); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal updates: %w", err)
	}
	if comments, err = json.Marshal(job.Comments); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal comments: %w", err)
	}
	return repos, logsCG, logsVer, updates, comments, nil
}

func orEmptyStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func orEmptyLogs(v []models.LogEntry) []models.LogEntry {
	if v == nil {
		return []models.LogEntry{}
	}
	return v
}
