package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/record-exporter/internal/config"
	"github.com/record-exporter/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchEventRepository_Record(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := &config.ClickHouseConfig{
		Host:     "localhost",
		Port:     "9000",
		Database: "record_exporter",
		User:     "default",
		Password: "clickhouse_dev_password",
	}

	ctx := testContext(t)
	db, err := NewClickHouseDB(ctx, cfg)
	if err != nil {
		t.Skipf("Skipping test - ClickHouse not available: %v", err)
	}
	defer func() {
		_ = db.Close()
	}()

	require.NoError(t, RunClickHouseMigrations(ctx, db, "../../migrations/clickhouse"))

	repo := NewBatchEventRepository(db)
	jobID := uuid.NewString()
	start := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, repo.Record(ctx, &models.BatchEvent{
		JobID: jobID, TenantID: "loc-1", Batch: 1, PartNumber: 1, Records: 100, Bytes: 4096,
		Outcome: models.OutcomeContinued, DurationMs: 1200, OccurredAt: start,
	}))
	require.NoError(t, repo.Record(ctx, &models.BatchEvent{
		JobID: jobID, TenantID: "loc-1", Batch: 2, PartNumber: 2, Records: 50, Bytes: 2048,
		Outcome: models.OutcomeCompleted, DurationMs: 800, OccurredAt: start.Add(time.Second),
	}))

	var (
		events  uint64
		records uint64
	)
	err = db.Conn().QueryRow(ctx, `
		SELECT count(), sum(records)
		FROM export_batch_events
		WHERE job_id = ?
	`, jobID).Scan(&events, &records)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), events)
	assert.Equal(t, uint64(150), records)
}
