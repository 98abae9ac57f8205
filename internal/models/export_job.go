package models

import (
	"time"

	"github.com/record-exporter/internal/types"
)

// ExportJob is the persisted checkpoint driving the export pipeline (one row per job)
type ExportJob struct {
	JobID              string             `json:"jobId" db:"job_id"`
	TenantID           string             `json:"tenantId" db:"tenant_id"`
	RecordKind         types.RecordKind   `json:"recordKind" db:"record_kind"`
	OutputFormat       types.OutputFormat `json:"outputFormat" db:"output_format"`
	Filters            types.Filters      `json:"filters,omitempty" db:"filters"`
	Status             types.JobStatus    `json:"status" db:"status"`
	Cursor             *string            `json:"cursor,omitempty" db:"cursor"` // offset (decimal) or opaque token, per RecordKind
	ProcessedCount     int64              `json:"processedCount" db:"processed_count"`
	BatchCount         int                `json:"batchCount" db:"batch_count"`
	RetryCount         int                `json:"retryCount" db:"retry_count"`
	MaxRetries         int                `json:"maxRetries" db:"max_retries"`
	Upload             *UploadState       `json:"uploadState,omitempty" db:"upload_state"`
	DownloadRef        *string            `json:"downloadRef,omitempty" db:"download_ref"`
	DownloadExpiresAt  *time.Time         `json:"downloadExpiresAt,omitempty" db:"download_expires_at"`
	NotificationTarget *string            `json:"notificationTarget,omitempty" db:"notification_target"`
	NotificationSent   bool               `json:"notificationSent" db:"notification_sent"`
	ErrorMessage       *string            `json:"errorMessage,omitempty" db:"error_message"`
	CreatedAt          time.Time          `json:"createdAt" db:"created_at"`
	StartedAt          *time.Time         `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt        *time.Time         `json:"completedAt,omitempty" db:"completed_at"`
	LastProcessedAt    *time.Time         `json:"lastProcessedAt,omitempty" db:"last_processed_at"`
}

// UploadState tracks the multipart object a job is assembling
type UploadState struct {
	UploadID  string       `json:"providerUploadId"`
	ObjectKey string       `json:"objectKey"`
	Parts     []UploadPart `json:"parts"`
}

// UploadPart is one acknowledged part of the multipart object
type UploadPart struct {
	PartNumber int32  `json:"partNumber"`
	Checksum   string `json:"checksum"`
	ByteSize   int64  `json:"byteSize"`
}

// NextPartNumber returns the part number the next upload must use.
// Parts are contiguous from 1, so this is always len(Parts)+1.
func (u *UploadState) NextPartNumber() int32 {
	if u == nil {
		return 1
	}
	return int32(len(u.Parts)) + 1 // #nosec G115 - part count is bounded by the provider (10000)
}

// PartCount returns the number of parts uploaded so far
func (j *ExportJob) PartCount() int {
	if j.Upload == nil {
		return 0
	}
	return len(j.Upload.Parts)
}

// HasUpload reports whether a multipart upload was opened for the job
func (j *ExportJob) HasUpload() bool {
	return j.Upload != nil && j.Upload.UploadID != ""
}

// TotalBytes returns the size of all acknowledged parts
func (j *ExportJob) TotalBytes() int64 {
	if j.Upload == nil {
		return 0
	}
	var total int64
	for _, p := range j.Upload.Parts {
		total += p.ByteSize
	}
	return total
}

// Checkpoint is the progress one invocation persists when its batch is done
type Checkpoint struct {
	Cursor         *string
	ProcessedCount int64
	// Part is nil when the invocation fetched nothing before its time guard
	Part        *UploadPart
	ProcessedAt time.Time
}

// Completion carries the terminal fields written when the object is finalized
type Completion struct {
	Checkpoint
	DownloadRef       *string
	DownloadExpiresAt *time.Time
}

// JobSummary is the digest handed to the notification sink on completion
type JobSummary struct {
	JobID          string             `json:"jobId"`
	RecordKind     types.RecordKind   `json:"recordKind"`
	OutputFormat   types.OutputFormat `json:"outputFormat"`
	ProcessedCount int64              `json:"processedCount"`
	Batches        int                `json:"batches"`
	Bytes          int64              `json:"bytes"`
	Duration       time.Duration      `json:"duration"`
	ExpiresAt      *time.Time         `json:"expiresAt,omitempty"`
}

// Summary describes the job as it stands at completion time
func (j *ExportJob) Summary(completedAt time.Time) JobSummary {
	s := JobSummary{
		JobID:          j.JobID,
		RecordKind:     j.RecordKind,
		OutputFormat:   j.OutputFormat,
		ProcessedCount: j.ProcessedCount,
		Batches:        j.BatchCount,
		Bytes:          j.TotalBytes(),
		ExpiresAt:      j.DownloadExpiresAt,
	}
	if j.StartedAt != nil {
		s.Duration = completedAt.Sub(*j.StartedAt)
	}
	return s
}
