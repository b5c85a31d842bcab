package pausestate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-task-orchestrator/internal/models"
)

// Store keeps queue pause flags and schedule suspension flags in Redis.
// Absence of a record means "running"; that default is what lets the flag
// live outside the job store entirely.
type Store struct {
	client *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func pauseKey(orgID, queueType string) string {
	return fmt.Sprintf("pause:%s:%s", orgID, queueType)
}

// Pause raises the flag for one (org, queueType) partition.
func (s *Store) Pause(ctx context.Context, orgID, queueType string) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, pauseKey(orgID, queueType), "paused", "1")
	pipe.HSet(ctx, pauseKey(orgID, queueType), "updated_at", time.Now().UTC().Format(time.RFC3339Nano))
	_, err := pipe.Exec(ctx)
	return err
}

// Resume clears the flag, restoring the default running state.
func (s *Store) Resume(ctx context.Context, orgID, queueType string) error {
	return s.client.Del(ctx, pauseKey(orgID, queueType)).Err()
}

// Status reads the flag; a missing record reports not paused.
func (s *Store) Status(ctx context.Context, orgID, queueType string) (models.QueuePauseState, error) {
	state := models.QueuePauseState{OrgID: orgID, QueueType: queueType}
	fields, err := s.client.HGetAll(ctx, pauseKey(orgID, queueType)).Result()
	if err != nil {
		return state, fmt.Errorf("read pause state: %w", err)
	}
	if len(fields) == 0 {
		return state, nil
	}
	state.IsPaused = fields["paused"] == "1"
	if raw := fields["updated_at"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			state.UpdatedAt = t
		}
	}
	return state, nil
}

func scheduleKey(agentID, kind string) string {
	return fmt.Sprintf("schedule:paused:%s:%s", agentID, kind)
}

// PauseDispatch suspends the agent's job-dispatch schedule.
func (s *Store) PauseDispatch(ctx context.Context, agentID string) error {
	return s.client.Set(ctx, scheduleKey(agentID, "dispatch"), "1", 0).Err()
}

// PauseHealthCheck suspends the agent's own health-check schedule.
func (s *Store) PauseHealthCheck(ctx context.Context, agentID string) error {
	return s.client.Set(ctx, scheduleKey(agentID, "health"), "1", 0).Err()
}

// DispatchPaused reports whether the agent's dispatch schedule is suspended.
func (s *Store) DispatchPaused(ctx context.Context, agentID string) (bool, error) {
	n, err := s.client.Exists(ctx, scheduleKey(agentID, "dispatch")).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// HealthCheckPaused reports whether the agent's health-check schedule is
// suspended.
func (s *Store) HealthCheckPaused(ctx context.Context, agentID string) (bool, error) {
	n, err := s.client.Exists(ctx, scheduleKey(agentID, "health")).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
