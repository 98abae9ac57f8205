// Package job runs export batches: one invocation fetches a batch of records,
// uploads it as the next part of the export object, checkpoints, and either
// continues itself or finalizes the job.
package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/record-exporter/internal/config"
	exporterrors "github.com/record-exporter/internal/errors"
	"github.com/record-exporter/internal/logging"
	"github.com/record-exporter/internal/models"
	"github.com/record-exporter/internal/retry"
	"github.com/record-exporter/internal/types"
)

// CheckpointStore persists job progress. Every progress write is conditional
// on the batch count the invocation loaded.
type CheckpointStore interface {
	NotificationStore
	GetByID(ctx context.Context, jobID string) (*models.ExportJob, error)
	StartProcessing(ctx context.Context, jobID string, upload *models.UploadState, startedAt time.Time) error
	SaveCheckpoint(ctx context.Context, jobID string, expectedBatch int, cp models.Checkpoint) error
	RecordRetry(ctx context.Context, jobID string, expectedBatch, retryCount int, at time.Time) error
	MarkCompleted(ctx context.Context, jobID string, expectedBatch int, c models.Completion) error
	MarkFailed(ctx context.Context, jobID, message string, at time.Time) error
}

// ObjectAssembler builds the export object from uploaded parts
type ObjectAssembler interface {
	Open(ctx context.Context, objectKey, contentType string) (string, error)
	UploadPart(ctx context.Context, uploadID, objectKey string, partNumber int32, body []byte) (string, error)
	Complete(ctx context.Context, uploadID, objectKey string, parts []models.UploadPart) error
	Abort(ctx context.Context, uploadID, objectKey string) error
	PresignGet(ctx context.Context, objectKey string, ttl time.Duration) (string, time.Time, error)
}

// Payload is the invocation message. BatchCount is the checkpoint the
// invocation expects to find; nil skips the check.
type Payload struct {
	JobID      string `json:"jobId"`
	BatchCount *int   `json:"batchCount,omitempty"`
}

// Invoker schedules the next invocation of a job after delay
type Invoker interface {
	Invoke(ctx context.Context, payload Payload, delay time.Duration) error
}

// EventRecorder appends invocation outcomes to the batch ledger
type EventRecorder interface {
	Record(ctx context.Context, event *models.BatchEvent) error
}

// HandlerConfig tunes the batch loop
type HandlerConfig struct {
	ConversationPageSize int
	MessagePageSize      int
	RecordsPerInvocation int
	TimeBudget           time.Duration
	SafetyBuffer         time.Duration
	InterPageDelay       time.Duration
	RetryBackoff         time.Duration
	DefaultMaxRetries    int
	DownloadTTL          time.Duration
	CredentialSkew       time.Duration
	KeyPrefix            string
}

// NewHandlerConfig reads the batch tuning from the loaded configuration
func NewHandlerConfig(cfg *config.Config) HandlerConfig {
	return HandlerConfig{
		ConversationPageSize: cfg.Export.ConversationPageSize,
		MessagePageSize:      cfg.Export.MessagePageSize,
		RecordsPerInvocation: cfg.Export.RecordsPerInvocation,
		TimeBudget:           cfg.Export.TimeBudget,
		SafetyBuffer:         cfg.Export.SafetyBuffer,
		InterPageDelay:       cfg.Export.InterPageDelay,
		RetryBackoff:         cfg.Export.RetryBackoff,
		DefaultMaxRetries:    cfg.Export.DefaultMaxRetries,
		DownloadTTL:          cfg.Export.DownloadTTL,
		CredentialSkew:       cfg.Export.CredentialSkew,
		KeyPrefix:            cfg.ObjectStorage.KeyPrefix,
	}
}

// Dependencies are the collaborators of a Handler. Notifier and Events may be nil.
type Dependencies struct {
	Store       CheckpointStore
	Source      RecordSource
	Credentials CredentialSource
	Renewer     TokenRenewer
	Assembler   ObjectAssembler
	Invoker     Invoker
	Notifier    Notifier
	Events      EventRecorder
}

// Result describes how one invocation ended
type Result struct {
	Outcome    models.BatchOutcome
	Records    int
	PartNumber int32
	Bytes      int
	// Err is the failure that caused a retry, a failure or a rejection
	Err error
}

// Handler is the batch scheduler. Each Handle call is one invocation.
type Handler struct {
	store      CheckpointStore
	source     RecordSource
	assembler  ObjectAssembler
	invoker    Invoker
	events     EventRecorder
	fetcher    *Fetcher
	completion *CompletionNotifier
	cfg        HandlerConfig

	now          func() time.Time
	persistRetry retry.RetryConfig
}

// NewHandler creates a batch handler
func NewHandler(deps Dependencies, cfg HandlerConfig) *Handler {
	persistRetry := *retry.DefaultRetryConfig()
	persistRetry.ShouldRetry = func(err error) bool { return !isCheckpointConflict(err) }

	return &Handler{
		store:        deps.Store,
		source:       deps.Source,
		assembler:    deps.Assembler,
		invoker:      deps.Invoker,
		events:       deps.Events,
		fetcher:      NewFetcher(deps.Credentials, deps.Renewer, cfg.InterPageDelay, cfg.CredentialSkew),
		completion:   NewCompletionNotifier(deps.Notifier, deps.Store),
		cfg:          cfg,
		now:          time.Now,
		persistRetry: persistRetry,
	}
}

// Handle runs one invocation for payload. It returns an error only when
// neither a continuation nor a terminal status could be persisted; the
// caller should redeliver the payload later.
func (h *Handler) Handle(ctx context.Context, payload Payload) (*Result, error) {
	started := h.now()
	logger := logging.FromContext(ctx).WithField("job_id", payload.JobID)

	job, err := h.store.GetByID(ctx, payload.JobID)
	if err != nil {
		if errors.Is(err, exporterrors.ErrJobNotFound) {
			logger.Warn("Dropping invocation for unknown export job")
			return &Result{Outcome: models.OutcomeRejected, Err: exporterrors.NewJobNotFoundError(payload.JobID)}, nil
		}
		return nil, exporterrors.NewDatabaseError("load export job", err)
	}

	logger = logger.WithJob(job.JobID, job.TenantID, job.BatchCount).WithField("record_kind", job.RecordKind)
	ctx = logging.WithLogger(ctx, logger)

	if job.Status.IsTerminal() {
		logger.WithField("status", job.Status).Warn("Dropping invocation for terminal export job")
		return &Result{
			Outcome: models.OutcomeRejected,
			Err:     fmt.Errorf("%w: %s is %s", exporterrors.ErrTerminalJob, job.JobID, job.Status),
		}, nil
	}
	if payload.BatchCount != nil && *payload.BatchCount != job.BatchCount {
		staleErr := exporterrors.NewStaleInvocationError(job.JobID, *payload.BatchCount, job.BatchCount)
		logger.WithError(staleErr).Warn("Dropping stale invocation")
		return &Result{Outcome: models.OutcomeRejected, Err: staleErr}, nil
	}

	batch := job.BatchCount
	result, runErr := h.runBatch(ctx, job, NewBudget(ctx, h.cfg.TimeBudget, h.cfg.SafetyBuffer, h.now))
	if runErr != nil {
		if result, err = h.handleFailure(ctx, job, runErr); err != nil {
			return nil, err
		}
	}

	h.recordEvent(ctx, job, batch, result, h.now().Sub(started))
	return result, nil
}

// runBatch fetches, uploads and checkpoints one batch
func (h *Handler) runBatch(ctx context.Context, job *models.ExportJob, budget *Budget) (*Result, error) {
	logger := logging.FromContext(ctx)

	if !job.HasUpload() {
		if err := h.openUpload(ctx, job); err != nil {
			return nil, err
		}
	}

	pager, err := NewPager(h.source, job, h.cfg.ConversationPageSize, h.cfg.MessagePageSize)
	if err != nil {
		return nil, err
	}

	batch, err := h.fetcher.FetchBatch(ctx, job.TenantID, pager, job.Cursor, h.cfg.RecordsPerInvocation, budget)
	if err != nil {
		return nil, err
	}

	processedAt := h.now().UTC()
	cp := models.Checkpoint{
		Cursor:         batch.Cursor,
		ProcessedCount: job.ProcessedCount + int64(len(batch.Records)),
		ProcessedAt:    processedAt,
	}
	result := &Result{Records: len(batch.Records)}

	// A batch that ran out of time before fetching anything uploads nothing
	if len(batch.Records) > 0 || batch.Exhausted {
		body, err := Encode(batch.Records, Fragment{
			Kind:       job.RecordKind,
			Format:     job.OutputFormat,
			First:      job.PartCount() == 0,
			Last:       batch.Exhausted,
			TotalCount: cp.ProcessedCount,
			ExportedAt: processedAt,
		})
		if err != nil {
			return nil, err
		}

		if len(body) > 0 {
			partNumber := job.Upload.NextPartNumber()
			etag, err := h.assembler.UploadPart(ctx, job.Upload.UploadID, job.Upload.ObjectKey, partNumber, body)
			if err != nil {
				return nil, err
			}
			cp.Part = &models.UploadPart{PartNumber: partNumber, Checksum: etag, ByteSize: int64(len(body))}
			result.PartNumber = partNumber
			result.Bytes = len(body)
		}
	}

	if batch.Exhausted {
		return h.finalize(ctx, job, cp, result)
	}

	err = h.persist(ctx, func(ctx context.Context) error {
		return h.store.SaveCheckpoint(ctx, job.JobID, job.BatchCount, cp)
	})
	if err != nil {
		return nil, err
	}
	applyCheckpoint(job, cp)

	h.continueJob(ctx, job, 0)
	logger.WithFields(map[string]interface{}{
		"records":         result.Records,
		"part":            result.PartNumber,
		"processed":       job.ProcessedCount,
		"stoppedByBudget": batch.StoppedByBudget,
	}).Info("Batch checkpointed, continuing")

	result.Outcome = models.OutcomeContinued
	return result, nil
}

// openUpload opens the export object and persists its upload id before any
// part is written, so a resumed job reuses it
func (h *Handler) openUpload(ctx context.Context, job *models.ExportJob) error {
	key := ObjectKeyFor(h.cfg.KeyPrefix, job)
	uploadID, err := h.assembler.Open(ctx, key, job.OutputFormat.ContentType())
	if err != nil {
		return err
	}

	upload := &models.UploadState{UploadID: uploadID, ObjectKey: key}
	startedAt := h.now().UTC()
	err = h.persist(ctx, func(ctx context.Context) error {
		return h.store.StartProcessing(ctx, job.JobID, upload, startedAt)
	})
	if err != nil {
		h.abort(ctx, upload)
		return err
	}

	job.Status = types.StatusProcessing
	job.Upload = upload
	if job.StartedAt == nil {
		job.StartedAt = &startedAt
	}
	logging.FromContext(ctx).WithField("object_key", key).Info("Opened export object")
	return nil
}

// finalize completes the object and persists the terminal state in one write
func (h *Handler) finalize(ctx context.Context, job *models.ExportJob, cp models.Checkpoint, result *Result) (*Result, error) {
	logger := logging.FromContext(ctx)

	parts := append([]models.UploadPart(nil), job.Upload.Parts...)
	if cp.Part != nil {
		parts = append(parts, *cp.Part)
	}

	completion := models.Completion{Checkpoint: cp}
	if len(parts) == 0 {
		h.abort(ctx, job.Upload)
	} else {
		if err := h.assembler.Complete(ctx, job.Upload.UploadID, job.Upload.ObjectKey, parts); err != nil {
			return nil, err
		}
		ref, expiresAt, err := h.assembler.PresignGet(ctx, job.Upload.ObjectKey, h.cfg.DownloadTTL)
		if err != nil {
			return nil, err
		}
		completion.DownloadRef = &ref
		completion.DownloadExpiresAt = &expiresAt
	}

	err := h.persist(ctx, func(ctx context.Context) error {
		return h.store.MarkCompleted(ctx, job.JobID, job.BatchCount, completion)
	})
	if err != nil {
		return nil, err
	}

	applyCheckpoint(job, cp)
	job.Status = types.StatusCompleted
	job.CompletedAt = &cp.ProcessedAt
	job.DownloadRef = completion.DownloadRef
	job.DownloadExpiresAt = completion.DownloadExpiresAt

	logger.WithFields(map[string]interface{}{
		"processed": job.ProcessedCount,
		"parts":     job.PartCount(),
		"bytes":     job.TotalBytes(),
	}).Info("Export job completed")

	h.completion.NotifyCompleted(ctx, job)

	result.Outcome = models.OutcomeCompleted
	return result, nil
}

// handleFailure turns a failed batch into a retry, a terminal failure, or a
// rejection when another invocation already moved the checkpoint
func (h *Handler) handleFailure(ctx context.Context, job *models.ExportJob, cause error) (*Result, error) {
	logger := logging.FromContext(ctx)
	result := &Result{Err: cause}

	if isCheckpointConflict(cause) {
		logger.WithError(cause).Warn("Checkpoint moved by another invocation, dropping this one")
		result.Outcome = models.OutcomeRejected
		return result, nil
	}

	// The invocation context may already be past its deadline
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	maxRetries := h.maxRetries(job)
	if exporterrors.IsRetryable(cause) && job.RetryCount < maxRetries {
		retryCount := job.RetryCount + 1
		at := h.now().UTC()
		err := h.persist(bctx, func(ctx context.Context) error {
			return h.store.RecordRetry(ctx, job.JobID, job.BatchCount, retryCount, at)
		})
		if err != nil {
			if isCheckpointConflict(err) {
				result.Outcome = models.OutcomeRejected
				return result, nil
			}
			return nil, err
		}
		job.RetryCount = retryCount
		job.Status = types.StatusProcessing

		logger.WithError(cause).WithFields(map[string]interface{}{
			"retry":      retryCount,
			"maxRetries": maxRetries,
			"backoff":    h.cfg.RetryBackoff.String(),
		}).Warn("Batch failed, scheduling retry")
		h.continueJob(bctx, job, h.cfg.RetryBackoff)

		result.Outcome = models.OutcomeRetrying
		return result, nil
	}

	if job.HasUpload() {
		h.abort(bctx, job.Upload)
	}

	at := h.now().UTC()
	err := h.persist(bctx, func(ctx context.Context) error {
		return h.store.MarkFailed(ctx, job.JobID, cause.Error(), at)
	})
	if err != nil {
		if isCheckpointConflict(err) {
			result.Outcome = models.OutcomeRejected
			return result, nil
		}
		return nil, err
	}

	job.Status = types.StatusFailed
	msg := "Export job failed after exhausting retries"
	if exporterrors.IsFatal(cause) {
		msg = "Export job failed without retry"
	}
	logger.WithError(cause).WithFields(map[string]interface{}{
		"code":    exporterrors.CodeOf(cause),
		"retries": job.RetryCount,
	}).Error(msg)

	result.Outcome = models.OutcomeFailed
	return result, nil
}

// continueJob enqueues the job's next invocation. The checkpoint is already
// durable, so a lost continuation is left to stale-job recovery.
func (h *Handler) continueJob(ctx context.Context, job *models.ExportJob, delay time.Duration) {
	batch := job.BatchCount
	payload := Payload{JobID: job.JobID, BatchCount: &batch}
	err := h.persist(ctx, func(ctx context.Context) error {
		return h.invoker.Invoke(ctx, payload, delay)
	})
	if err != nil {
		logging.FromContext(ctx).WithError(err).Error("Failed to enqueue continuation, job left for stale recovery")
	}
}

// abort releases an upload; failure is logged only
func (h *Handler) abort(ctx context.Context, upload *models.UploadState) {
	if err := h.assembler.Abort(ctx, upload.UploadID, upload.ObjectKey); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("object_key", upload.ObjectKey).Warn("Failed to abort multipart upload")
	}
}

// persist retries an infrastructure write a few times in-process. Checkpoint
// conflicts are returned at once.
func (h *Handler) persist(ctx context.Context, fn func(ctx context.Context) error) error {
	cfg := h.persistRetry
	return retry.Do(ctx, &cfg, func(ctx context.Context, _ int) error {
		return fn(ctx)
	})
}

func (h *Handler) maxRetries(job *models.ExportJob) int {
	if job.MaxRetries > 0 {
		return job.MaxRetries
	}
	return h.cfg.DefaultMaxRetries
}

func (h *Handler) recordEvent(ctx context.Context, job *models.ExportJob, batch int, result *Result, elapsed time.Duration) {
	if h.events == nil {
		return
	}

	event := &models.BatchEvent{
		JobID:      job.JobID,
		TenantID:   job.TenantID,
		Batch:      uint32(batch),             // #nosec G115 - batch counts are small
		PartNumber: uint32(result.PartNumber), // #nosec G115 - part numbers are positive
		Records:    uint32(result.Records),    // #nosec G115 - bounded by the per-invocation quota
		Bytes:      uint64(result.Bytes),      // #nosec G115 - byte counts are non-negative
		Outcome:    result.Outcome,
		DurationMs: uint64(elapsed.Milliseconds()), // #nosec G115 - elapsed time is non-negative
		OccurredAt: h.now().UTC(),
	}
	if result.Err != nil {
		event.Error = result.Err.Error()
	}

	// The ledger is analytics only
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := h.events.Record(rctx, event); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to record batch event")
	}
}

// applyCheckpoint mirrors a persisted checkpoint onto the loaded job
func applyCheckpoint(job *models.ExportJob, cp models.Checkpoint) {
	job.Cursor = cp.Cursor
	job.ProcessedCount = cp.ProcessedCount
	job.BatchCount++
	job.LastProcessedAt = &cp.ProcessedAt
	if cp.Part != nil {
		job.Upload.Parts = append(job.Upload.Parts, *cp.Part)
	}
}

func isCheckpointConflict(err error) bool {
	return errors.Is(err, exporterrors.ErrStaleCheckpoint) ||
		errors.Is(err, exporterrors.ErrTerminalJob) ||
		errors.Is(err, exporterrors.ErrJobNotFound)
}
