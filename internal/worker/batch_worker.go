package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/record-exporter/internal/job"
	"github.com/record-exporter/internal/logging"
	"github.com/record-exporter/internal/models"
)

// BatchHandler runs one invocation
type BatchHandler interface {
	Handle(ctx context.Context, payload job.Payload) (*job.Result, error)
}

// StaleJobSource lists Processing jobs that stopped making progress
type StaleJobSource interface {
	ListStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*models.ExportJob, error)
}

// BatchWorkerConfig holds configuration for a batch worker
type BatchWorkerConfig struct {
	Handler    BatchHandler
	Invoker    *RedisInvoker
	Lease      *InvocationLease
	StaleJobs  StaleJobSource
	TimeBudget time.Duration // Deadline given to every invocation
	StaleAfter time.Duration // Idle time after which a Processing job is re-invoked (0 disables)
	// Concurrency is the number of invocations run in parallel (default: 1)
	Concurrency int
	// PollTimeout bounds one blocking dequeue (default: 5s)
	PollTimeout time.Duration
	// PromoteInterval is how often delayed invocations are checked (default: 1s)
	PromoteInterval time.Duration
	// RedeliverDelay delays payloads whose job was busy or whose store was down (default: 2s)
	RedeliverDelay time.Duration
}

// BatchWorker consumes the invocation queue
type BatchWorker struct {
	handler         BatchHandler
	invoker         *RedisInvoker
	lease           *InvocationLease
	staleJobs       StaleJobSource
	timeBudget      time.Duration
	staleAfter      time.Duration
	concurrency     int
	pollTimeout     time.Duration
	promoteInterval time.Duration
	redeliverDelay  time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewBatchWorker creates a new batch worker
func NewBatchWorker(cfg *BatchWorkerConfig) (*BatchWorker, error) {
	if cfg.Handler == nil {
		return nil, fmt.Errorf("batch handler cannot be nil")
	}
	if cfg.Invoker == nil {
		return nil, fmt.Errorf("invoker cannot be nil")
	}
	if cfg.Lease == nil {
		return nil, fmt.Errorf("lease cannot be nil")
	}
	if cfg.TimeBudget <= 0 {
		return nil, fmt.Errorf("time budget must be positive, got %v", cfg.TimeBudget)
	}

	w := &BatchWorker{
		handler:         cfg.Handler,
		invoker:         cfg.Invoker,
		lease:           cfg.Lease,
		staleJobs:       cfg.StaleJobs,
		timeBudget:      cfg.TimeBudget,
		staleAfter:      cfg.StaleAfter,
		concurrency:     cfg.Concurrency,
		pollTimeout:     cfg.PollTimeout,
		promoteInterval: cfg.PromoteInterval,
		redeliverDelay:  cfg.RedeliverDelay,
		now:             time.Now,
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.pollTimeout <= 0 {
		w.pollTimeout = 5 * time.Second
	}
	if w.promoteInterval <= 0 {
		w.promoteInterval = time.Second
	}
	if w.redeliverDelay <= 0 {
		w.redeliverDelay = 2 * time.Second
	}
	return w, nil
}

// Start recovers stale jobs and launches the consumer and promoter loops
func (w *BatchWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("batch worker is already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	log.Printf("[BatchWorker] Starting with %d slots, time budget %v", w.concurrency, w.timeBudget)

	if n, err := w.RecoverStale(ctx); err != nil {
		log.Printf("[BatchWorker] Stale job recovery failed: %v", err)
	} else if n > 0 {
		log.Printf("[BatchWorker] Re-invoked %d stale jobs", n)
	}

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.consumeLoop(ctx)
	}
	w.wg.Add(1)
	go w.maintenanceLoop(ctx)

	return nil
}

// Stop stops taking new invocations and waits for in-flight ones to finish
func (w *BatchWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("batch worker is not running")
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	log.Printf("[BatchWorker] Stopping, waiting for in-flight invocations")

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("[BatchWorker] Stopped gracefully")
		return nil
	case <-ctx.Done():
		log.Printf("[BatchWorker] Stop timed out; leases will expire on their own")
		return ctx.Err()
	}
}

func (w *BatchWorker) stopping() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

func (w *BatchWorker) consumeLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		if w.stopping() || ctx.Err() != nil {
			return
		}
		if _, err := w.RunOnce(ctx); err != nil {
			logging.FromContext(ctx).WithError(err).Error("Invocation queue read failed")
			select {
			case <-time.After(time.Second):
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *BatchWorker) maintenanceLoop(ctx context.Context) {
	defer w.wg.Done()

	promote := time.NewTicker(w.promoteInterval)
	defer promote.Stop()

	var staleC <-chan time.Time
	if w.staleAfter > 0 && w.staleJobs != nil {
		stale := time.NewTicker(w.staleAfter)
		defer stale.Stop()
		staleC = stale.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-promote.C:
			w.promote(ctx)
		case <-staleC:
			if _, err := w.RecoverStale(ctx); err != nil {
				logging.FromContext(ctx).WithError(err).Warn("Stale job recovery failed")
			}
		}
	}
}

// promote moves due retries to the ready list and logs the queue depth when any moved
func (w *BatchWorker) promote(ctx context.Context) {
	logger := logging.FromContext(ctx)
	moved, err := w.invoker.PromoteDue(ctx)
	if err != nil {
		logger.WithError(err).Warn("Failed to promote delayed invocations")
		return
	}
	if moved == 0 {
		return
	}
	ready, delayed, err := w.invoker.QueueDepth(ctx)
	if err != nil {
		logger.WithError(err).Warn("Failed to read invocation queue depth")
		return
	}
	logger.WithFields(map[string]interface{}{
		"promoted": moved,
		"ready":    ready,
		"delayed":  delayed,
	}).Debug("Promoted delayed invocations")
}

// RunOnce waits for one invocation and runs it. It reports whether one was found.
func (w *BatchWorker) RunOnce(ctx context.Context) (bool, error) {
	inv, err := w.invoker.Next(ctx, w.pollTimeout)
	if err != nil {
		return false, err
	}
	if inv == nil {
		return false, nil
	}
	w.process(ctx, inv)
	return true, nil
}

// process runs one invocation under the job lease and a budget deadline
func (w *BatchWorker) process(ctx context.Context, inv *Invocation) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"invocation_id": inv.ID,
		"job_id":        inv.Payload.JobID,
	})

	// The invocation must outlive a shutdown signal; the deadline bounds it
	invCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeBudget)
	defer cancel()
	invCtx = logging.WithLogger(invCtx, logger)

	token, ok, err := w.lease.Acquire(invCtx, inv.Payload.JobID, w.timeBudget)
	if err != nil {
		logger.WithError(err).Warn("Lease unavailable, redelivering invocation")
		w.redeliver(invCtx, inv)
		return
	}
	if !ok {
		// The holder may be the invocation that queued this one and has not returned yet
		logger.Debug("Job busy in another invocation, redelivering")
		w.redeliver(invCtx, inv)
		return
	}
	defer func() {
		if err := w.lease.Release(context.WithoutCancel(invCtx), inv.Payload.JobID, token); err != nil {
			logger.WithError(err).Warn("Failed to release lease")
		}
	}()

	result, err := w.handler.Handle(invCtx, inv.Payload)
	if err != nil {
		logger.WithError(err).Error("Invocation could not persist its outcome, redelivering")
		w.redeliver(invCtx, inv)
		return
	}

	logger.WithFields(map[string]interface{}{
		"outcome": result.Outcome,
		"records": result.Records,
		"waited":  w.now().Sub(inv.EnqueuedAt).Round(time.Millisecond).String(),
	}).Debug("Invocation finished")
}

func (w *BatchWorker) redeliver(ctx context.Context, inv *Invocation) {
	if err := w.invoker.Invoke(context.WithoutCancel(ctx), inv.Payload, w.redeliverDelay); err != nil {
		logging.FromContext(ctx).WithError(err).Error("Failed to redeliver invocation, job left for stale recovery")
	}
}

// RecoverStale re-invokes Processing jobs whose continuation was lost
func (w *BatchWorker) RecoverStale(ctx context.Context) (int, error) {
	if w.staleJobs == nil || w.staleAfter <= 0 {
		return 0, nil
	}
	return RecoverStale(ctx, w.staleJobs, w.invoker, w.now().Add(-w.staleAfter))
}

// RecoverStale re-invokes up to 100 Processing jobs idle since before cutoff.
// Each payload carries the job's current batch count, so a continuation that
// turns up late is rejected as stale.
func RecoverStale(ctx context.Context, source StaleJobSource, invoker job.Invoker, cutoff time.Time) (int, error) {
	jobs, err := source.ListStaleProcessing(ctx, cutoff, 100)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	recovered := 0
	for _, j := range jobs {
		batch := j.BatchCount
		if err := invoker.Invoke(ctx, job.Payload{JobID: j.JobID, BatchCount: &batch}, 0); err != nil {
			return recovered, err
		}
		logging.FromContext(ctx).WithJob(j.JobID, j.TenantID, j.BatchCount).Warn("Re-invoked stale export job")
		recovered++
	}
	return recovered, nil
}
