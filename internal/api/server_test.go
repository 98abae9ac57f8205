package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	exporterrors "github.com/record-exporter/internal/errors"
	"github.com/record-exporter/internal/job"
	"github.com/record-exporter/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHandler struct {
	mu       sync.Mutex
	payloads []job.Payload
	result   *job.Result
	err      error
	release  chan struct{}
}

func (m *mockHandler) Handle(ctx context.Context, payload job.Payload) (*job.Result, error) {
	if m.release != nil {
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = append(m.payloads, payload)
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		return m.result, nil
	}
	return &job.Result{Outcome: models.OutcomeContinued, Records: 100, PartNumber: 1, Bytes: 4096}, nil
}

func (m *mockHandler) handled() []job.Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]job.Payload(nil), m.payloads...)
}

type memoryLease struct {
	mu       sync.Mutex
	held     map[string]string
	err      error
	released int
}

func newMemoryLease() *memoryLease {
	return &memoryLease{held: make(map[string]string)}
}

func (l *memoryLease) Acquire(_ context.Context, jobID string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", false, l.err
	}
	if _, ok := l.held[jobID]; ok {
		return "", false, nil
	}
	l.held[jobID] = "token-" + jobID
	return l.held[jobID], true, nil
}

func (l *memoryLease) Release(_ context.Context, jobID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[jobID] == token {
		delete(l.held, jobID)
		l.released++
	}
	return nil
}

func (l *memoryLease) isHeld(jobID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[jobID]
	return ok
}

func createTestServer(handler BatchHandler, lease JobLease, token string) *Server {
	return NewServer(&ServerConfig{
		Host:        "localhost",
		Port:        "0",
		TimeBudget:  time.Minute,
		InvokeToken: token,
	}, handler, lease)
}

func invokeRequest(t *testing.T, target string, body interface{}) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest("POST", target, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(&mockHandler{}, nil, "")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "healthy", response["status"])
}

func TestInvoke_WaitReturnsResult(t *testing.T) {
	handler := &mockHandler{}
	lease := newMemoryLease()
	server := createTestServer(handler, lease, "")

	batch := 2
	req := invokeRequest(t, InvokePath+"?wait=true", job.Payload{JobID: "job-1", BatchCount: &batch})
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp invocationResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, "done", resp.Status)
	assert.Equal(t, models.OutcomeContinued, resp.Outcome)
	assert.Equal(t, 100, resp.Records)
	assert.Equal(t, int32(1), resp.PartNumber)

	got := handler.handled()
	require.Len(t, got, 1)
	assert.Equal(t, 2, *got[0].BatchCount)
	assert.False(t, lease.isHeld("job-1"))
}

func TestInvoke_ReportsRejection(t *testing.T) {
	handler := &mockHandler{result: &job.Result{
		Outcome: models.OutcomeRejected,
		Err:     exporterrors.NewStaleInvocationError("job-1", 1, 3),
	}}
	server := createTestServer(handler, nil, "")

	req := invokeRequest(t, InvokePath+"?wait=true", map[string]interface{}{"jobId": "job-1", "batchCount": 1})
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp invocationResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, models.OutcomeRejected, resp.Outcome)
	assert.Contains(t, resp.Error, exporterrors.CodeStaleInvocation)
	require.NotNil(t, resp.Failure)
	assert.Equal(t, exporterrors.CodeStaleInvocation, resp.Failure.Code)
	assert.EqualValues(t, 3, resp.Failure.Details["actualBatch"])
}

func TestInvoke_AsyncAcceptsAndRuns(t *testing.T) {
	handler := &mockHandler{release: make(chan struct{})}
	lease := newMemoryLease()
	server := createTestServer(handler, lease, "")

	req := invokeRequest(t, InvokePath, job.Payload{JobID: "job-1"})
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp invocationResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "accepted", resp.Status)

	// the job stays leased while the batch runs
	assert.True(t, lease.isHeld("job-1"))

	dup := httptest.NewRecorder()
	server.router.ServeHTTP(dup, invokeRequest(t, InvokePath, job.Payload{JobID: "job-1"}))
	assert.Equal(t, http.StatusConflict, dup.Code)
	assert.Equal(t, ErrCodeJobBusy, decodeError(t, dup).Error.Code)

	close(handler.release)
	require.Eventually(t, func() bool {
		return len(handler.handled()) == 1 && !lease.isHeld("job-1")
	}, 2*time.Second, 10*time.Millisecond)
	server.inflight.Wait()
}

func TestInvoke_InvalidInput(t *testing.T) {
	server := createTestServer(&mockHandler{}, nil, "")

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"jobId":`},
		{"missing job id", `{"batchCount":1}`},
		{"blank job id", `{"jobId":"  "}`},
		{"negative batch", `{"jobId":"job-1","batchCount":-1}`},
		{"unknown field", `{"jobId":"job-1","priority":5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", InvokePath, bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()
			server.router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, ErrCodeInvalidInput, decodeError(t, w).Error.Code)
		})
	}
}

func TestInvoke_StoreUnavailable(t *testing.T) {
	handler := &mockHandler{err: errors.New("connection refused")}
	lease := newMemoryLease()
	server := createTestServer(handler, lease, "")

	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, invokeRequest(t, InvokePath+"?wait=true", job.Payload{JobID: "job-1"}))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, ErrCodeServiceUnavailable, decodeError(t, w).Error.Code)
	assert.False(t, lease.isHeld("job-1"))
}

func TestInvoke_LeaseUnavailable(t *testing.T) {
	handler := &mockHandler{}
	lease := newMemoryLease()
	lease.err = errors.New("redis down")
	server := createTestServer(handler, lease, "")

	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, invokeRequest(t, InvokePath, job.Payload{JobID: "job-1"}))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Empty(t, handler.handled())
}

func TestInvoke_RequiresToken(t *testing.T) {
	handler := &mockHandler{}
	server := createTestServer(handler, nil, "s3cret")

	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, invokeRequest(t, InvokePath+"?wait=true", job.Payload{JobID: "job-1"}))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := invokeRequest(t, InvokePath+"?wait=true", job.Payload{JobID: "job-1"})
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	server.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = invokeRequest(t, InvokePath+"?wait=true", job.Payload{JobID: "job-1"})
	req.Header.Set("Authorization", "Bearer s3cret")
	w = httptest.NewRecorder()
	server.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// health stays open
	w = httptest.NewRecorder()
	server.router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInvoke_MethodNotAllowed(t *testing.T) {
	server := createTestServer(&mockHandler{}, nil, "")

	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, httptest.NewRequest("GET", InvokePath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
