// Package main provides the invocation server entry point for the record exporter.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
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
	fmt.Println("Record Exporter Invocation Server")
	log.Println("Server starting...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := app.InitLogging(cfg)
	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), logger))
	defer cancel()

	// The server continues jobs by posting to itself, or hands them to the queue worker
	var httpInvoker *api.HTTPInvoker
	var invoker job.Invoker
	runtime, err := app.NewRuntime(ctx, cfg, func(redis *storage.RedisDB) (job.Invoker, error) {
		if cfg.Export.InvokeMode == "http" {
			httpInvoker = api.NewHTTPInvoker(cfg.Server.InvokeURL, cfg.Server.InvokeToken, cfg.RemoteAPI.Timeout)
			invoker = httpInvoker
		} else {
			invoker = worker.NewRedisInvoker(redis.Client())
		}
		return invoker, nil
	})
	if err != nil {
		log.Fatalf("Failed to initialize batch handler: %v", err)
	}
	defer runtime.Close()

	server := api.NewServer(&api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    cfg.Export.TimeBudget + 30*time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: cfg.Export.TimeBudget + 30*time.Second,
		TimeBudget:      cfg.Export.TimeBudget,
		InvokeToken:     cfg.Server.InvokeToken,
	}, runtime.Handler, worker.NewInvocationLease(runtime.Redis.Client()))

	// Without the queue worker, this process owns stale job recovery
	if httpInvoker != nil && cfg.Export.StaleAfter > 0 {
		go recoverStaleLoop(ctx, runtime.Jobs, invoker, cfg.Export.StaleAfter)
	}

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutdown signal received, stopping server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Export.TimeBudget+30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down server: %v", err)
	}
	if httpInvoker != nil {
		if err := httpInvoker.Close(shutdownCtx); err != nil {
			log.Printf("Error flushing pending invocations: %v", err)
		}
	}

	log.Println("Server stopped")
}

func recoverStaleLoop(ctx context.Context, jobs worker.StaleJobSource, invoker job.Invoker, staleAfter time.Duration) {
	ticker := time.NewTicker(staleAfter)
	defer ticker.Stop()

	for {
		if n, err := worker.RecoverStale(ctx, jobs, invoker, time.Now().Add(-staleAfter)); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Stale job recovery failed")
		} else if n > 0 {
			log.Printf("Re-invoked %d stale jobs", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
