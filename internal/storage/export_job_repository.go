package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	exporterrors "github.com/record-exporter/internal/errors"
	"github.com/record-exporter/internal/models"
	"github.com/record-exporter/internal/types"
)

// ExportJobRepository persists export checkpoints. Every progress write is a
// conditional update keyed on batch_count so a stale or duplicate invocation
// can never overwrite newer progress.
type ExportJobRepository struct {
	db *PostgresDB
}

// NewExportJobRepository creates a new export job repository
func NewExportJobRepository(db *PostgresDB) *ExportJobRepository {
	return &ExportJobRepository{db: db}
}

const exportJobColumns = `
	job_id, tenant_id, record_kind, output_format, filters, status, cursor,
	processed_count, batch_count, retry_count, max_retries,
	upload_id, object_key, upload_parts,
	download_ref, download_expires_at, notification_target, notification_sent,
	error_message, created_at, started_at, completed_at, last_processed_at`

// Create inserts a new Pending job
func (r *ExportJobRepository) Create(ctx context.Context, job *models.ExportJob) error {
	filters, err := json.Marshal(job.Filters)
	if err != nil {
		return fmt.Errorf("failed to encode filters: %w", err)
	}
	if job.Filters == nil {
		filters = []byte("{}")
	}
	if job.Status == "" {
		job.Status = types.StatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO export_jobs (
			job_id, tenant_id, record_kind, output_format, filters, status,
			max_retries, notification_target, created_at
		)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)
	`

	_, err = r.db.Pool().Exec(ctx, query,
		job.JobID,
		job.TenantID,
		job.RecordKind,
		job.OutputFormat,
		string(filters),
		job.Status,
		job.MaxRetries,
		job.NotificationTarget,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create export job: %w", err)
	}

	return nil
}

// GetByID retrieves an export job by ID
func (r *ExportJobRepository) GetByID(ctx context.Context, jobID string) (*models.ExportJob, error) {
	query := `SELECT ` + exportJobColumns + ` FROM export_jobs WHERE job_id = $1`

	job, err := scanExportJob(r.db.Pool().QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", exporterrors.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get export job: %w", err)
	}
	return job, nil
}

// StartProcessing moves a job into Processing and records its freshly opened
// upload. It succeeds only while the job has no upload yet.
func (r *ExportJobRepository) StartProcessing(ctx context.Context, jobID string, upload *models.UploadState, startedAt time.Time) error {
	query := `
		UPDATE export_jobs
		SET status = 'processing',
			upload_id = $2,
			object_key = $3,
			upload_parts = '[]'::jsonb,
			started_at = COALESCE(started_at, $4),
			last_processed_at = $4
		WHERE job_id = $1
			AND upload_id IS NULL
			AND status IN ('pending', 'processing')
	`

	result, err := r.db.Pool().Exec(ctx, query, jobID, upload.UploadID, upload.ObjectKey, startedAt)
	if err != nil {
		return fmt.Errorf("failed to start export job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.explainMiss(ctx, jobID)
	}
	return nil
}

// SaveCheckpoint persists one invocation's progress and increments batch_count.
// The part, if any, is appended only when it is the next contiguous part number.
func (r *ExportJobRepository) SaveCheckpoint(ctx context.Context, jobID string, expectedBatch int, cp models.Checkpoint) error {
	partJSON, partNumber, err := encodePart(cp.Part)
	if err != nil {
		return err
	}

	query := `
		UPDATE export_jobs
		SET cursor = $3,
			processed_count = GREATEST(processed_count, $4),
			batch_count = batch_count + 1,
			upload_parts = upload_parts || $5::jsonb,
			last_processed_at = $6
		WHERE job_id = $1
			AND batch_count = $2
			AND status = 'processing'
			AND ($7 = 0 OR jsonb_array_length(upload_parts) = $7 - 1)
	`

	result, err := r.db.Pool().Exec(ctx, query,
		jobID, expectedBatch, cp.Cursor, cp.ProcessedCount, partJSON, cp.ProcessedAt, partNumber,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.explainMiss(ctx, jobID)
	}
	return nil
}

// RecordRetry stores the incremented retry counter without advancing the batch.
// A job that failed before its upload was opened moves to Processing here, so
// a lost retry continuation is still found by stale recovery.
func (r *ExportJobRepository) RecordRetry(ctx context.Context, jobID string, expectedBatch, retryCount int, at time.Time) error {
	query := `
		UPDATE export_jobs
		SET status = 'processing',
			retry_count = $3,
			started_at = COALESCE(started_at, $4),
			last_processed_at = $4
		WHERE job_id = $1
			AND batch_count = $2
			AND status IN ('pending', 'processing')
	`

	result, err := r.db.Pool().Exec(ctx, query, jobID, expectedBatch, retryCount, at)
	if err != nil {
		return fmt.Errorf("failed to record retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.explainMiss(ctx, jobID)
	}
	return nil
}

// MarkCompleted writes the final checkpoint and the terminal Completed status in one update
func (r *ExportJobRepository) MarkCompleted(ctx context.Context, jobID string, expectedBatch int, c models.Completion) error {
	partJSON, partNumber, err := encodePart(c.Part)
	if err != nil {
		return err
	}

	query := `
		UPDATE export_jobs
		SET status = 'completed',
			cursor = $3,
			processed_count = GREATEST(processed_count, $4),
			batch_count = batch_count + 1,
			upload_parts = upload_parts || $5::jsonb,
			last_processed_at = $6,
			completed_at = $6,
			download_ref = $7,
			download_expires_at = $8,
			error_message = NULL
		WHERE job_id = $1
			AND batch_count = $2
			AND status = 'processing'
			AND ($9 = 0 OR jsonb_array_length(upload_parts) = $9 - 1)
	`

	result, err := r.db.Pool().Exec(ctx, query,
		jobID, expectedBatch, c.Cursor, c.ProcessedCount, partJSON, c.ProcessedAt,
		c.DownloadRef, c.DownloadExpiresAt, partNumber,
	)
	if err != nil {
		return fmt.Errorf("failed to mark export job completed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.explainMiss(ctx, jobID)
	}
	return nil
}

// MarkFailed sets the terminal Failed status. A job that is already terminal is left untouched.
func (r *ExportJobRepository) MarkFailed(ctx context.Context, jobID, message string, at time.Time) error {
	query := `
		UPDATE export_jobs
		SET status = 'failed',
			error_message = $2,
			completed_at = $3,
			last_processed_at = $3
		WHERE job_id = $1
			AND status IN ('pending', 'processing')
	`

	result, err := r.db.Pool().Exec(ctx, query, jobID, message, at)
	if err != nil {
		return fmt.Errorf("failed to mark export job failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.explainMiss(ctx, jobID)
	}
	return nil
}

// SetNotificationSent records the outcome of the single notification attempt
func (r *ExportJobRepository) SetNotificationSent(ctx context.Context, jobID string, sent bool) error {
	query := `UPDATE export_jobs SET notification_sent = $2 WHERE job_id = $1`

	result, err := r.db.Pool().Exec(ctx, query, jobID, sent)
	if err != nil {
		return fmt.Errorf("failed to record notification outcome: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", exporterrors.ErrJobNotFound, jobID)
	}
	return nil
}

// ListStaleProcessing returns Processing jobs idle since before cutoff, oldest first.
// These lost their continuation (crashed worker, dropped payload).
func (r *ExportJobRepository) ListStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*models.ExportJob, error) {
	query := `SELECT ` + exportJobColumns + `
		FROM export_jobs
		WHERE status = 'processing'
			AND last_processed_at < $1
		ORDER BY last_processed_at ASC
		LIMIT $2`

	rows, err := r.db.Pool().Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale export jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.ExportJob
	for rows.Next() {
		job, err := scanExportJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan export job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating export jobs: %w", err)
	}

	return jobs, nil
}

// explainMiss turns a zero-row conditional update into the reason it missed
func (r *ExportJobRepository) explainMiss(ctx context.Context, jobID string) error {
	var status types.JobStatus
	err := r.db.Pool().QueryRow(ctx, `SELECT status FROM export_jobs WHERE job_id = $1`, jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", exporterrors.ErrJobNotFound, jobID)
		}
		return fmt.Errorf("failed to read export job status: %w", err)
	}
	if status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", exporterrors.ErrTerminalJob, jobID, status)
	}
	return fmt.Errorf("%w: %s", exporterrors.ErrStaleCheckpoint, jobID)
}

// encodePart renders a part as a one-element JSON array for jsonb concatenation.
// A nil part appends nothing and reports part number 0.
func encodePart(part *models.UploadPart) (string, int32, error) {
	if part == nil {
		return "[]", 0, nil
	}
	b, err := json.Marshal([]models.UploadPart{*part})
	if err != nil {
		return "", 0, fmt.Errorf("failed to encode upload part: %w", err)
	}
	return string(b), part.PartNumber, nil
}

func scanExportJob(row pgx.Row) (*models.ExportJob, error) {
	var (
		job        models.ExportJob
		filtersRaw []byte
		partsRaw   []byte
		uploadID   *string
		objectKey  *string
	)

	err := row.Scan(
		&job.JobID,
		&job.TenantID,
		&job.RecordKind,
		&job.OutputFormat,
		&filtersRaw,
		&job.Status,
		&job.Cursor,
		&job.ProcessedCount,
		&job.BatchCount,
		&job.RetryCount,
		&job.MaxRetries,
		&uploadID,
		&objectKey,
		&partsRaw,
		&job.DownloadRef,
		&job.DownloadExpiresAt,
		&job.NotificationTarget,
		&job.NotificationSent,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.LastProcessedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(filtersRaw) > 0 {
		if err := json.Unmarshal(filtersRaw, &job.Filters); err != nil {
			return nil, fmt.Errorf("failed to decode filters: %w", err)
		}
	}

	if uploadID != nil {
		job.Upload = &models.UploadState{UploadID: *uploadID}
		if objectKey != nil {
			job.Upload.ObjectKey = *objectKey
		}
		if len(partsRaw) > 0 {
			if err := json.Unmarshal(partsRaw, &job.Upload.Parts); err != nil {
				return nil, fmt.Errorf("failed to decode upload parts: %w", err)
			}
		}
	}

	return &job, nil
}
