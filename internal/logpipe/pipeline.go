package logpipe

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"agent-task-orchestrator/internal/broadcast"
	"agent-task-orchestrator/internal/models"
	"agent-task-orchestrator/internal/store"
	"agent-task-orchestrator/internal/telemetry"
)

// Pipeline decouples high-frequency execution log lines from persistence
// cost. Lines are broadcast to live subscribers immediately and buffered
// per job version; a buffer is flushed to the store when it reaches the
// batch size or when the idle interval elapses without a new line. A
// drained buffer leaves the registry, so the map only holds versions with
// lines in flight.
//
// Persistence is at-most-once per batch: a failed flush is logged and the
// batch dropped, since live delivery already happened at add time.
type Pipeline struct {
	store     store.Store
	hub       *broadcast.Hub
	batchSize int
	idle      time.Duration
	streamCap int

	mu      sync.Mutex
	wg      sync.WaitGroup
	buffers map[string]*buffer
}

type buffer struct {
	jobID   string
	version int
	orgID   string
	lines   []models.LogEntry
	timer   *time.Timer
}

func New(st store.Store, hub *broadcast.Hub, batchSize int, idle time.Duration, streamCap int) *Pipeline {
	return &Pipeline{
		store:     st,
		hub:       hub,
		batchSize: batchSize,
		idle:      idle,
		streamCap: streamCap,
		buffers:   make(map[string]*buffer),
	}
}

// Add accepts one log line. The live broadcast happens before buffering,
// and a full batch persists on its own goroutine; the caller never waits
// on the store.
func (p *Pipeline) Add(jobID string, version int, orgID string, entry models.LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	p.hub.Broadcast(jobID, broadcast.Event{
		Type:    broadcast.EventLog,
		JobID:   jobID,
		Version: version,
		Log:     &entry,
	})
	telemetry.LogLinesBuffered.Inc()

	key := bufferKey(jobID, version)
	p.mu.Lock()
	b, ok := p.buffers[key]
	if !ok {
		b = &buffer{jobID: jobID, version: version, orgID: orgID}
		p.buffers[key] = b
	}
	b.lines = append(b.lines, entry)
	if len(b.lines) >= p.batchSize {
		lines := p.removeLocked(key, b)
		p.wg.Add(1)
		p.mu.Unlock()
		go func() {
			defer p.wg.Done()
			p.persist(b, lines)
		}()
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(p.idle, func() { p.Flush(jobID, version) })
	p.mu.Unlock()
}

// Flush drains the buffer for one job version and persists it.
func (p *Pipeline) Flush(jobID string, version int) {
	key := bufferKey(jobID, version)
	p.mu.Lock()
	b, ok := p.buffers[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	lines := p.removeLocked(key, b)
	if len(lines) == 0 {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()
	defer p.wg.Done()
	p.persist(b, lines)
}

// FlushAll drains every open buffer and waits for every in-flight persist,
// including size-triggered ones, before returning. Used at shutdown.
func (p *Pipeline) FlushAll() {
	type drained struct {
		b     *buffer
		lines []models.LogEntry
	}
	p.mu.Lock()
	var all []drained
	for key, b := range p.buffers {
		lines := p.removeLocked(key, b)
		if len(lines) > 0 {
			all = append(all, drained{b: b, lines: lines})
		}
	}
	p.mu.Unlock()

	for _, d := range all {
		p.persist(d.b, d.lines)
	}
	p.wg.Wait()
}

// removeLocked drains b and drops it from the registry so a failed persist
// cannot grow it without bound. Caller holds p.mu.
func (p *Pipeline) removeLocked(key string, b *buffer) []models.LogEntry {
	lines := b.lines
	b.lines = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	delete(p.buffers, key)
	return lines
}

func (p *Pipeline) persist(b *buffer, lines []models.LogEntry) {
	codeGen, verification := classify(lines)
	job, err := p.store.AppendLogs(context.Background(), b.jobID, b.version, b.orgID, codeGen, verification, p.streamCap)
	if err != nil {
		telemetry.LogFlushErrors.Inc()
		log.Printf("flush logs for job %s v%d: %v (batch of %d dropped)", b.jobID, b.version, err, len(lines))
		return
	}
	telemetry.LogFlushes.Inc()

	if p.hub.HasSubscribers(b.jobID) {
		p.hub.Broadcast(b.jobID, broadcast.Event{
			Type:               broadcast.EventLogsUpdated,
			JobID:              b.jobID,
			Version:            b.version,
			CodeGenerationLogs: job.CodeGenerationLogs,
			VerificationLogs:   job.VerificationLogs,
		})
	}
}

// classify splits a batch into the two persisted streams. Stages named for
// testing, building, or verification land in the verification stream;
// everything else, including unlabeled lines, is code generation.
func classify(lines []models.LogEntry) (codeGen, verification []models.LogEntry) {
	for _, l := range lines {
		stage := strings.ToLower(l.Stage)
		if strings.Contains(stage, "test") || strings.Contains(stage, "build") || strings.Contains(stage, "verif") {
			verification = append(verification, l)
			continue
		}
		codeGen = append(codeGen, l)
	}
	return codeGen, verification
}

func bufferKey(jobID string, version int) string {
	return fmt.Sprintf("%s:%d", jobID, version)
}
