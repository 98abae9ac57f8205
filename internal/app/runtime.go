// Package app assembles the batch handler and its collaborators from
// configuration. Both the queue worker and the HTTP server build on it.
package app

import (
	"context"
	"fmt"

	"github.com/record-exporter/internal/adapter"
	"github.com/record-exporter/internal/config"
	"github.com/record-exporter/internal/job"
	"github.com/record-exporter/internal/logging"
	"github.com/record-exporter/internal/storage"
)

// Runtime holds the wired handler plus the stores its host process needs
type Runtime struct {
	Handler *job.Handler
	Jobs    *storage.ExportJobRepository
	Redis   *storage.RedisDB
	Clients *storage.Clients
}

// InvokerFactory builds the continuation transport once Redis is connected
type InvokerFactory func(redis *storage.RedisDB) (job.Invoker, error)

// NewRuntime connects the stores and builds a handler that continues jobs through invoker
func NewRuntime(ctx context.Context, cfg *config.Config, newInvoker InvokerFactory) (*Runtime, error) {
	logger := logging.FromContext(ctx)
	clients := storage.NewClients(&cfg.Database)

	postgres, err := clients.Postgres(ctx)
	if err != nil {
		clients.Close()
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	redis, err := clients.Redis(ctx)
	if err != nil {
		clients.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	jobs := storage.NewExportJobRepository(postgres)
	credentials := storage.NewCredentialRepository(postgres)

	assembler, err := adapter.NewS3Assembler(ctx, &cfg.ObjectStorage)
	if err != nil {
		clients.Close()
		return nil, err
	}

	invoker, err := newInvoker(redis)
	if err != nil {
		clients.Close()
		return nil, err
	}

	deps := job.Dependencies{
		Store:       jobs,
		Source:      adapter.NewRecordsClient(&cfg.RemoteAPI),
		Credentials: credentials,
		Renewer:     adapter.NewOAuthTokenRenewer(&cfg.OAuth, credentials),
		Assembler:   assembler,
		Invoker:     invoker,
	}

	// Optional collaborators stay nil interfaces when unconfigured
	if notifier, err := adapter.NewSendGridNotifier(&cfg.Notification); err != nil {
		logger.WithError(err).Warn("Notifications disabled")
	} else {
		deps.Notifier = notifier
	}

	clickhouse, err := clients.ClickHouse(ctx)
	switch {
	case err != nil:
		logger.WithError(err).Warn("Batch event ledger unavailable, continuing without it")
	case clickhouse != nil:
		deps.Events = storage.NewBatchEventRepository(clickhouse)
	}

	logger.WithFields(map[string]interface{}{
		"invoke_mode":            cfg.Export.InvokeMode,
		"records_per_invocation": cfg.Export.RecordsPerInvocation,
		"time_budget":            cfg.Export.TimeBudget.String(),
		"ledger":                 deps.Events != nil,
		"notifications":          deps.Notifier != nil,
	}).Info("Batch handler initialized")

	return &Runtime{
		Handler: job.NewHandler(deps, job.NewHandlerConfig(cfg)),
		Jobs:    jobs,
		Redis:   redis,
		Clients: clients,
	}, nil
}

// Close releases the store connections
func (r *Runtime) Close() {
	r.Clients.Close()
}

// InitLogging configures the global logger from cfg and returns it
func InitLogging(cfg *config.Config) *logging.Logger {
	logger := logging.InitGlobalLogger(
		logging.ParseLogLevel(cfg.Logging.Level),
		logging.ParseLogFormat(cfg.Logging.Format),
	)
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")
	return logger
}
