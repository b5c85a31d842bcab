package broadcast

import (
	"sync"

	"agent-task-orchestrator/internal/models"
	"agent-task-orchestrator/internal/telemetry"
)

// Event kinds pushed to live subscribers. The set is closed; every kind
// carries the fields listed on Event.
const (
	EventSubscribed     = "subscribed"
	EventHistoricalLogs = "historical-logs"
	EventLog            = "log"
	EventLogsUpdated    = "logs-updated"
	EventUnsubscribed   = "unsubscribed"
	EventError          = "error"
)

// Event is the tagged union sent over the streaming channel.
type Event struct {
	Type               string             `json:"type"`
	JobID              string             `json:"job_id,omitempty"`
	Version            int                `json:"version,omitempty"`
	Log                *models.LogEntry   `json:"log,omitempty"`
	CodeGenerationLogs []models.LogEntry  `json:"code_generation_logs,omitempty"`
	VerificationLogs   []models.LogEntry  `json:"verification_logs,omitempty"`
	Message            string             `json:"message,omitempty"`
}

// Conn is one live subscriber connection. Send must be safe for concurrent
// use; a non-nil error marks the connection dead.
type Conn interface {
	Send(event Event) error
}

// Hub keeps the per-job registry of live subscriber connections and fans
// events out to them.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[Conn]struct{})}
}

func (h *Hub) Subscribe(jobID string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[Conn]struct{})
		h.subs[jobID] = set
	}
	if _, exists := set[c]; !exists {
		set[c] = struct{}{}
		telemetry.SubscriberGauge.Inc()
	}
}

// Unsubscribe is idempotent: removing an absent connection is a no-op.
func (h *Hub) Unsubscribe(jobID string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(jobID, c)
}

func (h *Hub) removeLocked(jobID string, c Conn) {
	set, ok := h.subs[jobID]
	if !ok {
		return
	}
	if _, exists := set[c]; !exists {
		return
	}
	delete(set, c)
	telemetry.SubscriberGauge.Dec()
	if len(set) == 0 {
		delete(h.subs, jobID)
	}
}

// Drop removes a connection from every job it subscribes to, used when the
// underlying transport closes.
func (h *Hub) Drop(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for jobID := range h.subs {
		h.removeLocked(jobID, c)
	}
}

func (h *Hub) HasSubscribers(jobID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID]) > 0
}

// Broadcast sends the event to every live connection for jobID. A failed
// send evicts that connection without affecting delivery to the rest.
func (h *Hub) Broadcast(jobID string, event Event) {
	h.mu.RLock()
	conns := make([]Conn, 0, len(h.subs[jobID]))
	for c := range h.subs[jobID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.Send(event); err != nil {
			telemetry.BroadcastFailures.Inc()
			h.Unsubscribe(jobID, c)
			continue
		}
		telemetry.BroadcastSends.Inc()
	}
}
