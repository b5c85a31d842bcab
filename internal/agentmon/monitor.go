package agentmon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"agent-task-orchestrator/internal/models"
	"agent-task-orchestrator/internal/store"
	"agent-task-orchestrator/internal/telemetry"
)

// Tick states.
const (
	StateHealthy   = "healthy"
	StateUnhealthy = "unhealthy"
)

// Prober sends one liveness probe to an agent. Implementations must respect
// context cancellation; the monitor bounds each probe with its timeout.
type Prober interface {
	Probe(ctx context.Context, agent models.Agent) error
}

// SchedulePauser suspends an agent's externally-managed schedules.
type SchedulePauser interface {
	PauseDispatch(ctx context.Context, agentID string) error
	PauseHealthCheck(ctx context.Context, agentID string) error
}

// Result is the outcome of one health-check tick.
type Result struct {
	AgentID     string
	Success     bool
	State       string
	Failures    int
	WentOffline bool
}

// Monitor runs the recurring health-check workflow, one tick per call. It
// does not re-arm itself; scheduling the next tick is the caller's job.
type Monitor struct {
	store     store.Store
	schedules SchedulePauser
	prober    Prober
	threshold int
	timeout   time.Duration
}

func New(st store.Store, schedules SchedulePauser, prober Prober, threshold int, timeout time.Duration) *Monitor {
	if threshold <= 0 {
		threshold = 3
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Monitor{store: st, schedules: schedules, prober: prober, threshold: threshold, timeout: timeout}
}

// Check performs one tick against the agent: a single probe, no retry
// inside the tick. Reaching the failure threshold marks the agent offline
// and suspends both of its schedules; that cascade is terminal for the
// workflow.
func (m *Monitor) Check(ctx context.Context, agentID string) Result {
	res := Result{AgentID: agentID, State: StateUnhealthy}

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil || agent.Status != models.AgentActive {
		// Missing or inactive agents make the tick a no-op failure.
		return res
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err = m.prober.Probe(probeCtx, agent)
	cancel()

	if err == nil {
		telemetry.ProbeSuccesses.Inc()
		if agent.ConsecutiveFailures != 0 {
			agent.ConsecutiveFailures = 0
			if err := m.store.UpdateAgent(ctx, agent); err != nil {
				log.Printf("reset failures for agent %s: %v", agentID, err)
			}
		}
		res.Success = true
		res.State = StateHealthy
		return res
	}

	telemetry.ProbeFailures.Inc()
	agent.ConsecutiveFailures++
	res.Failures = agent.ConsecutiveFailures

	if agent.ConsecutiveFailures >= m.threshold {
		agent.Status = models.AgentOffline
		res.WentOffline = true
		telemetry.AgentsMarkedOffline.Inc()
		if err := m.store.UpdateAgent(ctx, agent); err != nil {
			log.Printf("mark agent %s offline: %v", agentID, err)
		}
		// Cascade errors are logged, never allowed to kill the workflow.
		if err := m.schedules.PauseDispatch(ctx, agentID); err != nil {
			log.Printf("suspend dispatch schedule for agent %s: %v", agentID, err)
		}
		if err := m.schedules.PauseHealthCheck(ctx, agentID); err != nil {
			log.Printf("suspend health schedule for agent %s: %v", agentID, err)
		}
		return res
	}

	if err := m.store.UpdateAgent(ctx, agent); err != nil {
		log.Printf("record failure for agent %s: %v", agentID, err)
	}
	return res
}

// HTTPProber probes an agent's health endpoint over HTTP.
type HTTPProber struct {
	client *http.Client
}

func NewHTTPProber() *HTTPProber {
	return &HTTPProber{client: &http.Client{}}
}

func (p *HTTPProber) Probe(ctx context.Context, agent models.Agent) error {
	url := fmt.Sprintf("http://%s:%d/healthz", agent.Host, agent.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
	}
	return nil
}
