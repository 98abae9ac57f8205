// Package main provides the batch worker entry point for the record exporter.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/record-exporter/internal/api"
	"github.com/record-exporter/internal/app"
	"github.com/record-exporter/internal/config"
	"github.com/record-exporter/internal/job"
	"github.com/record-exporter/internal/logging"
	"github.com/record-exporter/internal/storage"
	"github.com/record-exporter/internal/worker"
)

func main() {
	fmt.Println("Record Exporter Batch Worker")
	log.Println("Worker starting...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := app.InitLogging(cfg)
	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), logger))
	defer cancel()

	// Continuations go back onto the Redis queue, or to the HTTP server in http mode
	var redisInvoker *worker.RedisInvoker
	var httpInvoker *api.HTTPInvoker
	runtime, err := app.NewRuntime(ctx, cfg, func(redis *storage.RedisDB) (job.Invoker, error) {
		redisInvoker = worker.NewRedisInvoker(redis.Client())
		if cfg.Export.InvokeMode == "http" {
			httpInvoker = api.NewHTTPInvoker(cfg.Server.InvokeURL, cfg.Server.InvokeToken, cfg.RemoteAPI.Timeout)
			return httpInvoker, nil
		}
		return redisInvoker, nil
	})
	if err != nil {
		log.Fatalf("Failed to initialize batch handler: %v", err)
	}
	defer runtime.Close()

	batchWorker, err := worker.NewBatchWorker(&worker.BatchWorkerConfig{
		Handler:     runtime.Handler,
		Invoker:     redisInvoker,
		Lease:       worker.NewInvocationLease(runtime.Redis.Client()),
		StaleJobs:   runtime.Jobs,
		TimeBudget:  cfg.Export.TimeBudget,
		StaleAfter:  cfg.Export.StaleAfter,
		Concurrency: cfg.Export.WorkerConcurrency,
	})
	if err != nil {
		log.Fatalf("Failed to create batch worker: %v", err)
	}

	if err := batchWorker.Start(ctx); err != nil {
		log.Fatalf("Failed to start batch worker: %v", err)
	}
	log.Printf("Batch worker running (mode: %s, slots: %d)", cfg.Export.InvokeMode, cfg.Export.WorkerConcurrency)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutdown signal received, stopping worker...")

	// In-flight invocations get their full budget to checkpoint
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Export.TimeBudget+30*time.Second)
	defer shutdownCancel()

	if err := batchWorker.Stop(shutdownCtx); err != nil {
		log.Printf("Error stopping batch worker: %v", err)
	}
	if httpInvoker != nil {
		if err := httpInvoker.Close(shutdownCtx); err != nil {
			log.Printf("Error flushing pending invocations: %v", err)
		}
	}
	cancel()

	log.Println("Worker stopped")
}
