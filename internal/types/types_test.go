package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordKind_Valid(t *testing.T) {
	assert.True(t, KindConversations.Valid())
	assert.True(t, KindMessages.Valid())
	assert.False(t, RecordKind("contacts").Valid())
	assert.False(t, RecordKind("").Valid())
}

func TestOutputFormat(t *testing.T) {
	tests := []struct {
		format      OutputFormat
		valid       bool
		ext         string
		contentType string
	}{
		{FormatCSV, true, ".csv", "text/csv"},
		{FormatJSON, true, ".json", "application/json"},
		{OutputFormat("xml"), false, ".csv", "text/csv"},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.format.Valid())
			assert.Equal(t, tt.ext, tt.format.Extension())
			assert.Equal(t, tt.contentType, tt.format.ContentType())
		})
	}
}

func TestJobStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
}

func TestServiceError(t *testing.T) {
	err := &ServiceError{Code: "JOB_NOT_FOUND", Message: "export job not found"}
	assert.EqualError(t, err, "export job not found")
}
