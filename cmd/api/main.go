package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-task-orchestrator/internal/api"
	"agent-task-orchestrator/internal/broadcast"
	"agent-task-orchestrator/internal/config"
	"agent-task-orchestrator/internal/logpipe"
	"agent-task-orchestrator/internal/pausestate"
	"agent-task-orchestrator/internal/scheduler"
	"agent-task-orchestrator/internal/store"
)

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
	pause := pausestate.New(redisClient)

	hub := broadcast.NewHub()
	pipeline := logpipe.New(st, hub, cfg.LogBatchSize, cfg.LogFlushIdle, cfg.LogStreamCap)
	sched := scheduler.New(st, nil)

	server := api.New(cfg, st, sched, pipeline, hub, pause, api.PromptTitles{}, api.HeaderAuth{})
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	pipeline.FlushAll()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
