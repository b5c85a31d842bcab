package logpipe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"agent-task-orchestrator/internal/broadcast"
	"agent-task-orchestrator/internal/models"
	"agent-task-orchestrator/internal/store"
)

type recordingConn struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (c *recordingConn) Send(event broadcast.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *recordingConn) byType(kind string) []broadcast.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []broadcast.Event
	for _, e := range c.events {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

func newTestJob(t *testing.T, m *store.Memory) models.Job {
	t.Helper()
	job, err := m.CreateJob(context.Background(), models.Job{OrgID: "org", Prompt: "p", Source: "web"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	hub := broadcast.NewHub()
	conn := &recordingConn{}
	p := New(m, hub, 50, time.Hour, 200)

	job := newTestJob(t, m)
	hub.Subscribe(job.ID, conn)

	for i := 0; i < 49; i++ {
		p.Add(job.ID, job.Version, job.OrgID, models.LogEntry{Level: "info", Message: fmt.Sprintf("line %d", i)})
	}
	got, _ := m.GetLatest(ctx, job.ID, job.OrgID)
	if len(got.CodeGenerationLogs) != 0 {
		t.Fatalf("expected nothing persisted below the batch size, got %d", len(got.CodeGenerationLogs))
	}
	if n := len(conn.byType(broadcast.EventLog)); n != 49 {
		t.Fatalf("expected 49 live log events, got %d", n)
	}

	p.Add(job.ID, job.Version, job.OrgID, models.LogEntry{Level: "info", Message: "line 49"})
	// The size-triggered persist runs off the Add goroutine; FlushAll only
	// waits here, the buffer itself drained at the 50th line.
	p.FlushAll()

	got, _ = m.GetLatest(ctx, job.ID, job.OrgID)
	if len(got.CodeGenerationLogs) != 50 {
		t.Fatalf("expected 50 persisted lines after the batch flush, got %d", len(got.CodeGenerationLogs))
	}
	if n := len(conn.byType(broadcast.EventLog)); n != 50 {
		t.Fatalf("expected 50 live log events, got %d", n)
	}
	if n := len(conn.byType(broadcast.EventLogsUpdated)); n != 1 {
		t.Fatalf("expected one consolidated logs-updated event, got %d", n)
	}
}

func TestIdleFlush(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	hub := broadcast.NewHub()
	p := New(m, hub, 1000, 20*time.Millisecond, 200)

	job := newTestJob(t, m)
	p.Add(job.ID, job.Version, job.OrgID, models.LogEntry{Level: "info", Message: "one"})
	p.Add(job.ID, job.Version, job.OrgID, models.LogEntry{Level: "info", Message: "two"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := m.GetLatest(ctx, job.ID, job.OrgID)
		if len(got.CodeGenerationLogs) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("idle flush never persisted, have %d lines", len(got.CodeGenerationLogs))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFlushAllDrainsEveryBuffer(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	p := New(m, broadcast.NewHub(), 1000, time.Hour, 200)

	a := newTestJob(t, m)
	b := newTestJob(t, m)
	p.Add(a.ID, a.Version, a.OrgID, models.LogEntry{Message: "a1"})
	p.Add(b.ID, b.Version, b.OrgID, models.LogEntry{Message: "b1"})
	p.Add(b.ID, b.Version, b.OrgID, models.LogEntry{Message: "b2"})

	p.FlushAll()

	gotA, _ := m.GetLatest(ctx, a.ID, a.OrgID)
	gotB, _ := m.GetLatest(ctx, b.ID, b.OrgID)
	if len(gotA.CodeGenerationLogs) != 1 || len(gotB.CodeGenerationLogs) != 2 {
		t.Fatalf("flush all incomplete: %d and %d lines", len(gotA.CodeGenerationLogs), len(gotB.CodeGenerationLogs))
	}
}

func TestStageClassification(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	p := New(m, broadcast.NewHub(), 1000, time.Hour, 200)

	job := newTestJob(t, m)
	p.Add(job.ID, job.Version, job.OrgID, models.LogEntry{Message: "editing files", Stage: "codegen"})
	p.Add(job.ID, job.Version, job.OrgID, models.LogEntry{Message: "go test ./...", Stage: "testing"})
	p.Add(job.ID, job.Version, job.OrgID, models.LogEntry{Message: "compiling", Stage: "build"})
	p.Add(job.ID, job.Version, job.OrgID, models.LogEntry{Message: "no stage"})
	p.Flush(job.ID, job.Version)

	got, _ := m.GetLatest(ctx, job.ID, job.OrgID)
	if len(got.CodeGenerationLogs) != 2 {
		t.Fatalf("expected 2 code generation lines, got %d", len(got.CodeGenerationLogs))
	}
	if len(got.VerificationLogs) != 2 {
		t.Fatalf("expected 2 verification lines, got %d", len(got.VerificationLogs))
	}
}

func TestDrainedBuffersLeaveRegistry(t *testing.T) {
	m := store.NewMemory()
	p := New(m, broadcast.NewHub(), 3, time.Hour, 200)

	a := newTestJob(t, m)
	b := newTestJob(t, m)
	p.Add(a.ID, a.Version, a.OrgID, models.LogEntry{Message: "a1"})
	p.Add(b.ID, b.Version, b.OrgID, models.LogEntry{Message: "b1"})

	p.Flush(a.ID, a.Version)
	p.mu.Lock()
	n := len(p.buffers)
	p.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected one open buffer after a flush, got %d", n)
	}

	// A full batch drains its buffer too.
	p.Add(b.ID, b.Version, b.OrgID, models.LogEntry{Message: "b2"})
	p.Add(b.ID, b.Version, b.OrgID, models.LogEntry{Message: "b3"})
	p.FlushAll()

	p.mu.Lock()
	n = len(p.buffers)
	p.mu.Unlock()
	if n != 0 {
		t.Fatalf("registry still holds %d drained buffers", n)
	}
}

// failingStore rejects the first n AppendLogs calls, then delegates.
type failingStore struct {
	store.Store
	mu    sync.Mutex
	fails int
}

func (f *failingStore) AppendLogs(ctx context.Context, jobID string, version int, orgID string, codeGen, verification []models.LogEntry, limit int) (models.Job, error) {
	f.mu.Lock()
	remaining := f.fails
	if remaining > 0 {
		f.fails--
	}
	f.mu.Unlock()
	if remaining > 0 {
		return models.Job{}, errors.New("store unavailable")
	}
	return f.Store.AppendLogs(ctx, jobID, version, orgID, codeGen, verification, limit)
}

func TestFailedFlushDropsBatch(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	fs := &failingStore{Store: m, fails: 1}
	p := New(fs, broadcast.NewHub(), 1000, time.Hour, 200)

	job := newTestJob(t, m)
	p.Add(job.ID, job.Version, job.OrgID, models.LogEntry{Message: "lost line"})
	p.Flush(job.ID, job.Version)

	// The failed batch is dropped, not retried on the next flush.
	p.Add(job.ID, job.Version, job.OrgID, models.LogEntry{Message: "kept line"})
	p.Flush(job.ID, job.Version)

	got, _ := m.GetLatest(ctx, job.ID, job.OrgID)
	if len(got.CodeGenerationLogs) != 1 || got.CodeGenerationLogs[0].Message != "kept line" {
		t.Fatalf("expected only the post-failure line, got %+v", got.CodeGenerationLogs)
	}
}

func TestStreamCapKeepsNewest(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	p := New(m, broadcast.NewHub(), 1000, time.Hour, 5)

	job := newTestJob(t, m)
	for i := 0; i < 8; i++ {
		p.Add(job.ID, job.Version, job.OrgID, models.LogEntry{Message: fmt.Sprintf("line %d", i)})
	}
	p.Flush(job.ID, job.Version)

	got, _ := m.GetLatest(ctx, job.ID, job.OrgID)
	if len(got.CodeGenerationLogs) != 5 {
		t.Fatalf("expected stream capped at 5, got %d", len(got.CodeGenerationLogs))
	}
	if got.CodeGenerationLogs[0].Message != "line 3" {
		t.Fatalf("expected oldest retained line to be line 3, got %q", got.CodeGenerationLogs[0].Message)
	}
}
