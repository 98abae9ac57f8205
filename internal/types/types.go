// Package types provides common type definitions for the record exporter.
package types

// RecordKind identifies the category of records being exported.
// The kind fixes the pagination regime for the lifetime of a job.
type RecordKind string

const (
	// KindConversations exports conversation-level records (offset pagination)
	KindConversations RecordKind = "conversations"
	// KindMessages exports message-level records (cursor pagination)
	KindMessages RecordKind = "messages"
)

// Valid reports whether the kind is one the pipeline knows how to page through
func (k RecordKind) Valid() bool {
	switch k {
	case KindConversations, KindMessages:
		return true
	default:
		return false
	}
}

// OutputFormat represents the encoding of the exported file
type OutputFormat string

const (
	// FormatCSV produces a comma separated file with a single header row
	FormatCSV OutputFormat = "csv"
	// FormatJSON produces a single JSON document
	FormatJSON OutputFormat = "json"
)

// Valid reports whether the format is supported
func (f OutputFormat) Valid() bool {
	return f == FormatCSV || f == FormatJSON
}

// Extension returns the file extension used for object keys
func (f OutputFormat) Extension() string {
	if f == FormatJSON {
		return ".json"
	}
	return ".csv"
}

// ContentType returns the MIME type of the assembled object
func (f OutputFormat) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "text/csv"
}

// JobStatus represents the lifecycle state of an export job
type JobStatus string

const (
	// StatusPending represents a job created but never invoked
	StatusPending JobStatus = "pending"
	// StatusProcessing represents a job with at least one invocation started
	StatusProcessing JobStatus = "processing"
	// StatusCompleted represents a job whose object was finalized
	StatusCompleted JobStatus = "completed"
	// StatusFailed represents a job that hit a fatal error or exhausted retries
	StatusFailed JobStatus = "failed"
)

// IsTerminal reports whether no further work may happen for the status
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Filters are opaque query parameters forwarded to the remote record API
type Filters map[string]string

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
