// Package errors defines the tagged error taxonomy shared by the export pipeline.
// Remote failures are classified once at the fetch/storage boundary; callers
// branch on Kind instead of inspecting response payloads.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/record-exporter/internal/types"
)

// Kind is the retry class of an error
type Kind string

const (
	// KindAuthExpired means the bearer credential was rejected as expired.
	// The fetcher renews once and retries the page once.
	KindAuthExpired Kind = "auth_expired"
	// KindTransient covers network errors, 5xx and throttling: job-level retry with backoff
	KindTransient Kind = "transient"
	// KindPermanent fails the job immediately without retry
	KindPermanent Kind = "permanent"
)

// Error codes surfaced in job error messages and API responses
const (
	CodeAuthExpired       = "AUTH_EXPIRED"
	CodeReconnectRequired = "RECONNECT_REQUIRED"
	CodeRemoteUnavailable = "REMOTE_UNAVAILABLE"
	CodeRemoteRateLimit   = "REMOTE_RATE_LIMIT"
	CodeRemoteRejected    = "REMOTE_REJECTED"
	CodeStorage           = "STORAGE_ERROR"
	CodeDatabase          = "DATABASE_ERROR"
	CodeJobNotFound       = "JOB_NOT_FOUND"
	CodeStaleInvocation   = "STALE_INVOCATION"
	CodeInvalidJob        = "INVALID_JOB"
	CodeInternal          = "INTERNAL_ERROR"
)

// ExportError is an error tagged with its retry class
type ExportError struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *ExportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *ExportError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError for API responses
func (e *ExportError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Sentinels for conditions callers match with errors.Is
var (
	// ErrJobNotFound is returned by the checkpoint store for unknown job ids
	ErrJobNotFound = errors.New("export job not found")
	// ErrStaleCheckpoint is returned when a conditional update lost to another invocation
	ErrStaleCheckpoint = errors.New("checkpoint was advanced by another invocation")
	// ErrTerminalJob is returned when a terminal job is asked to do more work
	ErrTerminalJob = errors.New("export job is already terminal")
	// ErrCredentialNotFound is returned when a tenant has no stored credential
	ErrCredentialNotFound = errors.New("tenant credential not found")
)

// NewAuthExpiredError creates an authorization-expired error
func NewAuthExpiredError(source string, cause error) *ExportError {
	return &ExportError{
		Kind:    KindAuthExpired,
		Code:    CodeAuthExpired,
		Message: fmt.Sprintf("credential expired calling %s", source),
		Cause:   cause,
		Details: map[string]interface{}{
			"source": source,
		},
	}
}

// NewTransientError creates a retryable remote or storage error
func NewTransientError(code, message string, cause error) *ExportError {
	return &ExportError{
		Kind:    KindTransient,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewPermanentError creates a non-retryable error
func NewPermanentError(code, message string, cause error) *ExportError {
	return &ExportError{
		Kind:    KindPermanent,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewReconnectRequiredError is raised when the refresh grant itself is rejected.
// The tenant must re-authorize out of band.
func NewReconnectRequiredError(tenantID string, cause error) *ExportError {
	return &ExportError{
		Kind:    KindPermanent,
		Code:    CodeReconnectRequired,
		Message: fmt.Sprintf("refresh credential rejected for tenant %s, reconnect required", tenantID),
		Cause:   cause,
		Details: map[string]interface{}{
			"tenantId": tenantID,
		},
	}
}

// NewRepeatedAuthFailureError is raised when a page is still unauthorized after renewal
func NewRepeatedAuthFailureError(source string, cause error) *ExportError {
	return &ExportError{
		Kind:    KindPermanent,
		Code:    CodeReconnectRequired,
		Message: fmt.Sprintf("credential rejected by %s again after renewal", source),
		Cause:   cause,
		Details: map[string]interface{}{
			"source": source,
		},
	}
}

// NewStorageError wraps an object storage failure as transient
func NewStorageError(operation string, cause error) *ExportError {
	return &ExportError{
		Kind:    KindTransient,
		Code:    CodeStorage,
		Message: fmt.Sprintf("object storage error during %s", operation),
		Cause:   cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewDatabaseError wraps a checkpoint store failure as transient
func NewDatabaseError(operation string, cause error) *ExportError {
	return &ExportError{
		Kind:    KindTransient,
		Code:    CodeDatabase,
		Message: fmt.Sprintf("database error during %s", operation),
		Cause:   cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewInvalidJobError reports a job record the pipeline cannot process
func NewInvalidJobError(jobID, reason string) *ExportError {
	return &ExportError{
		Kind:    KindPermanent,
		Code:    CodeInvalidJob,
		Message: fmt.Sprintf("export job %s is invalid: %s", jobID, reason),
		Details: map[string]interface{}{
			"jobId":  jobID,
			"reason": reason,
		},
	}
}

// NewJobNotFoundError reports an invocation for a job id the store does not know
func NewJobNotFoundError(jobID string) *ExportError {
	return &ExportError{
		Kind:    KindPermanent,
		Code:    CodeJobNotFound,
		Message: fmt.Sprintf("export job %s not found", jobID),
		Cause:   ErrJobNotFound,
		Details: map[string]interface{}{
			"jobId": jobID,
		},
	}
}

// NewStaleInvocationError reports a continuation whose expected batch count
// no longer matches the checkpoint
func NewStaleInvocationError(jobID string, expected, actual int) *ExportError {
	return &ExportError{
		Kind:    KindPermanent,
		Code:    CodeStaleInvocation,
		Message: fmt.Sprintf("stale invocation for job %s: expected batch %d, checkpoint at %d", jobID, expected, actual),
		Cause:   ErrStaleCheckpoint,
		Details: map[string]interface{}{
			"jobId":         jobID,
			"expectedBatch": expected,
			"actualBatch":   actual,
		},
	}
}

// FromHTTPStatus classifies a remote API response status.
// 401 is the remote's expired-credential signal.
func FromHTTPStatus(source string, status int, body string) *ExportError {
	cause := fmt.Errorf("status %d: %s", status, truncate(strings.TrimSpace(body), 200))
	switch {
	case status == http.StatusUnauthorized:
		return NewAuthExpiredError(source, cause)
	case status == http.StatusTooManyRequests:
		return NewTransientError(CodeRemoteRateLimit, fmt.Sprintf("%s rate limit exceeded", source), cause)
	case status == http.StatusRequestTimeout || status == http.StatusTooEarly || status >= 500:
		return NewTransientError(CodeRemoteUnavailable, fmt.Sprintf("%s unavailable", source), cause)
	default:
		return NewPermanentError(CodeRemoteRejected, fmt.Sprintf("%s rejected the request", source), cause)
	}
}

// KindOf returns the retry class of err. Unclassified errors are transient:
// unexpected failures inside an invocation go through job-level retry.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var exportErr *ExportError
	if errors.As(err, &exportErr) {
		return exportErr.Kind
	}
	return KindTransient
}

// IsAuthExpired reports whether err signals an expired credential
func IsAuthExpired(err error) bool {
	return err != nil && KindOf(err) == KindAuthExpired
}

// IsRetryable reports whether the job may be retried after err
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// IsFatal reports whether err must fail the job without retry
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	kind := KindOf(err)
	return kind == KindPermanent || kind == KindAuthExpired
}

// CodeOf returns the error code, or CodeInternal for untagged errors
func CodeOf(err error) string {
	var exportErr *ExportError
	if errors.As(err, &exportErr) {
		return exportErr.Code
	}
	return CodeInternal
}

// Is, As and New re-export the standard helpers so callers importing this
// package under the name errors keep access to them.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }

func New(text string) error { return errors.New(text) }

// truncate cuts s to at most maxLen bytes without splitting a UTF-8 sequence
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
