package models

import (
	"time"
)

// Job statuses persisted in Postgres.
const (
	StatusQueued     = "queued"
	StatusInProgress = "in-progress"
	StatusInReview   = "in-review"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusArchived   = "archived"
)

// Priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Queue partitions. A job that is not queued carries QueueNone.
const (
	QueueBacklog = "backlog"
	QueueRework  = "rework"
	QueueNone    = ""
)

// Reviewer verdicts on a job's output.
const (
	AcceptanceNotReviewed = "not_reviewed"
	AcceptanceAccepted    = "reviewed_and_accepted"
	AcceptanceAskedRework = "reviewed_and_asked_rework"
	AcceptanceRejected    = "rejected"
)

// OrderUnqueued is the queue position of any job that is not queued.
const OrderUnqueued = -1

// Job is one immutable version snapshot of a coding task. The chain of
// snapshots sharing an ID forms the job's history; only the highest version
// is mutated in place, and only for minor edits.
type Job struct {
	ID                   string      `json:"id"`
	Version              int         `json:"version"`
	OrgID                string      `json:"org_id"`
	Status               string      `json:"status"`
	Priority             string      `json:"priority"`
	QueueType            string      `json:"queue_type"`
	OrderInQueue         int         `json:"order_in_queue"`
	UserAcceptanceStatus string      `json:"user_acceptance_status"`
	Title                string      `json:"title"`
	Description          string      `json:"description"`
	Prompt               string      `json:"prompt"`
	Source               string      `json:"source"`
	Repositories         []string    `json:"repositories"`
	CodeGenerationLogs   []LogEntry  `json:"code_generation_logs"`
	VerificationLogs     []LogEntry  `json:"verification_logs"`
	Updates              []JobUpdate `json:"updates"`
	Comments             []Comment   `json:"comments"`
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

// Queued reports whether the job currently occupies a queue slot.
func (j Job) Queued() bool {
	return j.Status == StatusQueued && j.QueueType != QueueNone && j.OrderInQueue >= 0
}

// LogEntry is a single execution log line. Stage decides which persisted
// stream the line lands in at flush time.
type LogEntry struct {
	Level     string    `json:"level"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Stage     string    `json:"stage,omitempty"`
}

// JobUpdate is a human-readable status-change entry. Updates are stored
// newest first.
type JobUpdate struct {
	Message   string    `json:"message"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Comment is reviewer feedback pinned to a file and line. CreatedAt is the
// first time the comment was seen; re-submitting the same file+line keeps
// the original stamp.
type Comment struct {
	FilePath  string    `json:"file_path"`
	Line      int       `json:"line"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Agent statuses.
const (
	AgentActive  = "active"
	AgentOffline = "offline"
)

// Agent is a remote worker that executes jobs. Agents are registered
// externally; this core only mutates status and the failure counter.
type Agent struct {
	ID                  string    `json:"id"`
	Status              string    `json:"status"`
	Host                string    `json:"host"`
	Port                int       `json:"port"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// QueuePauseState is the pause flag for one (org, queueType) partition.
// A missing record means the queue is running.
type QueuePauseState struct {
	OrgID     string    `json:"org_id"`
	QueueType string    `json:"queue_type"`
	IsPaused  bool      `json:"is_paused"`
	UpdatedAt time.Time `json:"updated_at"`
}
