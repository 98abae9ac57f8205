package errors

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestFromHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantKind Kind
		wantCode string
	}{
		{"unauthorized is auth expired", http.StatusUnauthorized, KindAuthExpired, CodeAuthExpired},
		{"throttled is transient", http.StatusTooManyRequests, KindTransient, CodeRemoteRateLimit},
		{"bad gateway is transient", http.StatusBadGateway, KindTransient, CodeRemoteUnavailable},
		{"internal error is transient", http.StatusInternalServerError, KindTransient, CodeRemoteUnavailable},
		{"request timeout is transient", http.StatusRequestTimeout, KindTransient, CodeRemoteUnavailable},
		{"forbidden is permanent", http.StatusForbidden, KindPermanent, CodeRemoteRejected},
		{"bad request is permanent", http.StatusBadRequest, KindPermanent, CodeRemoteRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromHTTPStatus("conversations API", tt.status, "body")
			assert.Equal(t, tt.wantKind, err.Kind)
			assert.Equal(t, tt.wantCode, err.Code)
			assert.Contains(t, err.Error(), fmt.Sprintf("status %d", tt.status))
		})
	}
}

func TestKindOf(t *testing.T) {
	wrappedAuth := fmt.Errorf("fetch page: %w", NewAuthExpiredError("messages API", nil))
	wrappedPermanent := fmt.Errorf("renew: %w", NewReconnectRequiredError("loc-1", nil))

	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindAuthExpired, KindOf(wrappedAuth))
	assert.Equal(t, KindPermanent, KindOf(wrappedPermanent))
	assert.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindTransient, KindOf(NewStorageError("upload part", nil)))
}

func TestRetryClassification(t *testing.T) {
	assert.True(t, IsRetryable(NewDatabaseError("save checkpoint", nil)))
	assert.True(t, IsRetryable(New("connection reset")))
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(NewReconnectRequiredError("loc-1", nil)))

	assert.True(t, IsFatal(NewReconnectRequiredError("loc-1", nil)))
	assert.True(t, IsFatal(NewRepeatedAuthFailureError("messages API", nil)))
	assert.False(t, IsFatal(NewTransientError(CodeRemoteUnavailable, "down", nil)))

	assert.True(t, IsAuthExpired(NewAuthExpiredError("conversations API", nil)))
	assert.False(t, IsAuthExpired(NewPermanentError(CodeRemoteRejected, "no", nil)))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeReconnectRequired, CodeOf(NewReconnectRequiredError("loc-1", nil)))
	assert.Equal(t, CodeInternal, CodeOf(New("plain")))
}

func TestExportError_Unwrap(t *testing.T) {
	cause := New("socket closed")
	err := NewStorageError("complete upload", cause)

	assert.True(t, Is(err, cause))
	assert.Contains(t, err.Error(), "socket closed")

	svcErr := err.ToServiceError()
	assert.Equal(t, CodeStorage, svcErr.Code)
	assert.Equal(t, "complete upload", svcErr.Details["operation"])
}

func TestInvocationErrors(t *testing.T) {
	stale := NewStaleInvocationError("job-1", 2, 3)
	assert.True(t, Is(stale, ErrStaleCheckpoint))
	assert.Equal(t, CodeStaleInvocation, stale.Code)
	assert.Equal(t, 3, stale.Details["actualBatch"])

	missing := NewJobNotFoundError("job-2")
	assert.True(t, Is(missing, ErrJobNotFound))
	assert.True(t, IsFatal(missing))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc...", truncate("abcdef", 3))

	// "é" is two bytes; cutting inside it backs off to the rune start
	got := truncate("aé", 2)
	assert.Equal(t, "a...", got)
	assert.True(t, utf8.ValidString(got))

	body := strings.Repeat("€", 100)
	err := FromHTTPStatus("messages API", 502, body)
	assert.True(t, utf8.ValidString(err.Error()))
}
