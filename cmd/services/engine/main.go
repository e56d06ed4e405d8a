package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nodeflow-io/nodeflow/internal/engine"
	"github.com/nodeflow-io/nodeflow/internal/node/nodes"
	"github.com/nodeflow-io/nodeflow/internal/platform/config"
	"github.com/nodeflow-io/nodeflow/internal/platform/logger"
	"github.com/nodeflow-io/nodeflow/internal/platform/messaging/kafka"
	"github.com/nodeflow-io/nodeflow/internal/platform/metrics"
	"github.com/nodeflow-io/nodeflow/internal/recorder"
	"github.com/nodeflow-io/nodeflow/internal/schedule"
	"github.com/nodeflow-io/nodeflow/internal/server"
	"github.com/nodeflow-io/nodeflow/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log := logger.New(cfg.Logger.Level, cfg.Logger.Format)
	log.Info("Starting Engine Service",
		"service", cfg.Service.Name, "environment", cfg.Service.Environment,
		"port", cfg.HTTP.Port, "store", cfg.Store.Backend)

	registry := nodes.NewRegistry()
	rec := recorder.New(cfg.Recorder.Capacity, log)
	m := metrics.NewMetrics("nodeflow")

	var workflows store.WorkflowStore
	var redisClient *redis.Client
	switch cfg.Store.Backend {
	case "redis":
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatal("failed to connect to redis", "addr", cfg.Redis.Addr(), "error", err)
		}
		workflows = store.NewRedisWorkflowStore(redisClient)
	default:
		workflows = store.NewMemoryWorkflowStore()
	}

	sinks := []engine.Option{
		engine.WithEventSink(rec),
		engine.WithEventSink(metrics.NewSink(m)),
		engine.WithEnv(environ()),
	}

	if redisClient != nil {
		archive := store.NewArchiver(rec, store.NewRedisExecutionStore(redisClient, 0), log)
		sinks = append(sinks, engine.WithEventSink(archive))
	}

	var publisher *kafka.EventPublisher
	if cfg.Kafka.Enabled {
		publisher, err = kafka.NewEventPublisher(&kafka.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		}, log)
		if err != nil {
			log.Fatal("failed to create kafka publisher", "error", err)
		}
		defer publisher.Close()
		sinks = append(sinks, engine.WithEventSink(kafka.NewSink(publisher, log)))
	}

	eng := engine.New(registry, log, sinks...)

	srv, err := server.New(
		server.WithConfig(cfg),
		server.WithLogger(log),
		server.WithRegistry(registry),
		server.WithEngine(eng),
		server.WithRecorder(rec),
		server.WithWorkflowStore(workflows),
		server.WithMetrics(m),
	)
	if err != nil {
		log.Fatal("failed to create server", "error", err)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	host := schedule.NewHost(eng, workflows, log, 0)
	if err := host.Start(rootCtx); err != nil {
		log.Fatal("failed to start schedule host", "error", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Error("server error", "error", err)
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
	}

	host.Stop()
	rootCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}

	log.Info("Engine Service stopped gracefully")
}

// environ exposes the process environment to workflow expressions.
func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return env
}
