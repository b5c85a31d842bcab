package scheduler

import (
	"fmt"
	"time"

	"agent-task-orchestrator/internal/models"
)

// Patch is a partial update to a job's current version. Nil pointer fields
// are left untouched; a nil Comments slice means "not provided".
// ExpectedVersion of 0 means "whatever is current".
type Patch struct {
	ExpectedVersion      int
	Status               *string
	Priority             *string
	QueueType            *string
	UserAcceptanceStatus *string
	Title                *string
	Description          *string
	Prompt               *string
	Repositories         *[]string
	Comments             []models.Comment
}

type queueTarget int

const (
	targetKeep queueTarget = iota
	targetClear
	targetBacklog
	targetRework
	targetImplied // explicit patch queueType, else derived from acceptance
)

// transition is one row of the status/acceptance state machine. Guards are
// evaluated against the current snapshot and the incoming patch; every
// matching row is applied in table order.
type transition struct {
	event      string
	guard      func(cur models.Job, p Patch) bool
	reject     error
	status     string // "" keeps the current status
	queue      queueTarget
	reflowOld  bool // close the gap in the current partition if queued
	newVersion bool // major edit: snapshot a new version
	clearLogs  bool
	message    func(cur models.Job, p Patch) string
}

func wantStatus(p Patch, status string) bool {
	return p.Status != nil && *p.Status == status
}

// staysQueued reports that the patch leaves the job queued. The rework rows
// only apply while the job stays in the queue; a patch that also moves the
// status hands queue placement to the status row instead.
func staysQueued(p Patch) bool {
	return p.Status == nil || *p.Status == models.StatusQueued
}

func wantAcceptance(p Patch, acceptance string) bool {
	return p.UserAcceptanceStatus != nil && *p.UserAcceptanceStatus == acceptance
}

func staticMessage(msg string) func(models.Job, Patch) string {
	return func(models.Job, Patch) string { return msg }
}

var transitions = []transition{
	{
		event: "start-via-edit",
		guard: func(cur models.Job, p Patch) bool {
			return cur.Status == models.StatusQueued && wantStatus(p, models.StatusInProgress)
		},
		reject: models.ErrInvalidTransition,
	},
	{
		event: "requeue",
		guard: func(cur models.Job, p Patch) bool {
			return wantStatus(p, models.StatusQueued) && cur.Status != models.StatusQueued
		},
		status:  models.StatusQueued,
		queue:   targetImplied,
		message: staticMessage("Job queued."),
	},
	{
		event: "send-to-review",
		guard: func(cur models.Job, p Patch) bool {
			return wantStatus(p, models.StatusInReview) && cur.Status != models.StatusInReview
		},
		status:    models.StatusInReview,
		queue:     targetClear,
		reflowOld: true,
		message:   staticMessage("Job moved to review."),
	},
	{
		event: "complete",
		guard: func(cur models.Job, p Patch) bool {
			return wantStatus(p, models.StatusCompleted) && cur.Status != models.StatusCompleted
		},
		status:    models.StatusCompleted,
		queue:     targetClear,
		reflowOld: true,
		message:   staticMessage("Job completed."),
	},
	{
		event: "fail",
		guard: func(cur models.Job, p Patch) bool {
			return wantStatus(p, models.StatusFailed) && cur.Status != models.StatusFailed
		},
		status:    models.StatusFailed,
		queue:     targetClear,
		reflowOld: true,
		message:   staticMessage("Job execution failed."),
	},
	{
		event: "rework-requested",
		guard: func(cur models.Job, p Patch) bool {
			return wantAcceptance(p, models.AcceptanceAskedRework) && staysQueued(p) &&
				cur.UserAcceptanceStatus != models.AcceptanceAskedRework &&
				cur.Status == models.StatusQueued && cur.QueueType == models.QueueBacklog
		},
		queue:      targetRework,
		reflowOld:  true,
		newVersion: true,
		message:    staticMessage("Job sent back for rework."),
	},
	{
		event: "rework-withdrawn",
		guard: func(cur models.Job, p Patch) bool {
			return wantAcceptance(p, models.AcceptanceNotReviewed) && staysQueued(p) &&
				cur.UserAcceptanceStatus == models.AcceptanceAskedRework &&
				cur.Status == models.StatusQueued && cur.QueueType == models.QueueRework
		},
		queue:     targetBacklog,
		reflowOld: true,
		message:   staticMessage("Job returned to backlog."),
	},
	{
		event: "rework-retry",
		guard: func(cur models.Job, p Patch) bool {
			return cur.Status == models.StatusQueued && cur.QueueType == models.QueueRework &&
				staysQueued(p) && p.Comments != nil && len(p.Comments) > len(cur.Comments)
		},
		queue:      targetRework,
		reflowOld:  true,
		newVersion: true,
		clearLogs:  true,
		message:    retryMessage,
	},
}

func retryMessage(_ models.Job, p Patch) string {
	if len(p.Comments) == 0 {
		return "Job queued for another attempt."
	}
	body := p.Comments[len(p.Comments)-1].Body
	if body == "" || body == "rework" {
		return "Job queued for another attempt."
	}
	return fmt.Sprintf("Retrying with feedback: %s", body)
}

// matchTransitions returns every applicable table row, or the rejection of
// the first matching reject row.
func matchTransitions(cur models.Job, p Patch) ([]transition, error) {
	var matched []transition
	for _, t := range transitions {
		if !t.guard(cur, p) {
			continue
		}
		if t.reject != nil {
			return nil, fmt.Errorf("%s: %w", t.event, t.reject)
		}
		matched = append(matched, t)
	}
	if p.Status != nil && *p.Status != cur.Status {
		handled := false
		for _, t := range matched {
			if t.status == *p.Status {
				handled = true
				break
			}
		}
		if !handled {
			return nil, fmt.Errorf("status %s -> %s: %w", cur.Status, *p.Status, models.ErrInvalidTransition)
		}
	}
	return matched, nil
}

// impliedQueue resolves the partition a re-queued job lands in: an explicit
// queueType in the patch wins, then a pending rework verdict, then backlog.
func impliedQueue(next models.Job, p Patch) string {
	if p.QueueType != nil && (*p.QueueType == models.QueueBacklog || *p.QueueType == models.QueueRework) {
		return *p.QueueType
	}
	if next.UserAcceptanceStatus == models.AcceptanceAskedRework {
		return models.QueueRework
	}
	return models.QueueBacklog
}

// mergeComments replaces the stored comment list with the incoming one,
// keeping the first-seen creation time of any comment already known by
// file+line.
func mergeComments(existing, incoming []models.Comment, now time.Time) []models.Comment {
	firstSeen := make(map[string]time.Time, len(existing))
	for _, c := range existing {
		firstSeen[commentKey(c)] = c.CreatedAt
	}
	out := make([]models.Comment, 0, len(incoming))
	for _, c := range incoming {
		if t, ok := firstSeen[commentKey(c)]; ok {
			c.CreatedAt = t
		} else if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		out = append(out, c)
	}
	return out
}

func commentKey(c models.Comment) string {
	return fmt.Sprintf("%s:%d", c.FilePath, c.Line)
}
