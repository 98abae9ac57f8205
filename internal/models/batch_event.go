package models

import "time"

// BatchOutcome classifies how an invocation ended
type BatchOutcome string

const (
	OutcomeContinued BatchOutcome = "continued"
	OutcomeCompleted BatchOutcome = "completed"
	OutcomeRetrying  BatchOutcome = "retrying"
	OutcomeFailed    BatchOutcome = "failed"
	OutcomeRejected  BatchOutcome = "rejected"
)

// BatchEvent is one row in the invocation ledger (ClickHouse)
type BatchEvent struct {
	JobID      string       `json:"jobId" ch:"job_id"`
	TenantID   string       `json:"tenantId" ch:"tenant_id"`
	Batch      uint32       `json:"batch" ch:"batch"`
	PartNumber uint32       `json:"partNumber" ch:"part_number"`
	Records    uint32       `json:"records" ch:"records"`
	Bytes      uint64       `json:"bytes" ch:"bytes"`
	Outcome    BatchOutcome `json:"outcome" ch:"outcome"`
	Error      string       `json:"error,omitempty" ch:"error"`
	DurationMs uint64       `json:"durationMs" ch:"duration_ms"`
	OccurredAt time.Time    `json:"occurredAt" ch:"occurred_at"`
}
