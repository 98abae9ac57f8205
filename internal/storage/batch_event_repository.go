package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/record-exporter/internal/models"
)

// BatchEventRepository appends invocation outcomes to the ClickHouse ledger
type BatchEventRepository struct {
	db *ClickHouseDB
}

// NewBatchEventRepository creates a new batch event repository
func NewBatchEventRepository(db *ClickHouseDB) *BatchEventRepository {
	return &BatchEventRepository{db: db}
}

// Record inserts one batch event
func (r *BatchEventRepository) Record(ctx context.Context, event *models.BatchEvent) error {
	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO export_batch_events (
			job_id, tenant_id, batch, part_number, records, bytes,
			outcome, error, duration_ms, occurred_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch event insert: %w", err)
	}

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	if err := batch.Append(
		event.JobID,
		event.TenantID,
		event.Batch,
		event.PartNumber,
		event.Records,
		event.Bytes,
		string(event.Outcome),
		event.Error,
		event.DurationMs,
		occurredAt,
	); err != nil {
		_ = batch.Abort()
		return fmt.Errorf("failed to append batch event: %w", err)
	}

	return batch.Send()
}
