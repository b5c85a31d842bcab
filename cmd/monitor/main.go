package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-task-orchestrator/internal/agentmon"
	"agent-task-orchestrator/internal/config"
	"agent-task-orchestrator/internal/models"
	"agent-task-orchestrator/internal/pausestate"
	"agent-task-orchestrator/internal/store"
	"agent-task-orchestrator/internal/telemetry"
)

// The monitor binary re-arms the health-check workflow: one tick per active
// agent per interval. The workflow itself never self-reschedules.
func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	schedules := pausestate.New(redisClient)
	monitor := agentmon.New(st, schedules, agentmon.NewHTTPProber(), cfg.FailureThreshold, cfg.ProbeTimeout)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("monitor started with interval=%s probe_timeout=%s threshold=%d", cfg.MonitorInterval, cfg.ProbeTimeout, cfg.FailureThreshold)
	ticker := time.NewTicker(cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		agents, err := st.ListAgents(ctx)
		if err != nil {
			log.Printf("list agents: %v", err)
			continue
		}
		for _, agent := range agents {
			if agent.Status != models.AgentActive {
				continue
			}
			if paused, err := schedules.HealthCheckPaused(ctx, agent.ID); err == nil && paused {
				continue
			}
			res := monitor.Check(ctx, agent.ID)
			if res.WentOffline {
				log.Printf("agent %s marked offline after %d consecutive failures", agent.ID, res.Failures)
			}
		}
	}
}
