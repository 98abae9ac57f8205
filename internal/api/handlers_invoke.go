package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	exporterrors "github.com/record-exporter/internal/errors"
	"github.com/record-exporter/internal/job"
	"github.com/record-exporter/internal/logging"
	"github.com/record-exporter/internal/models"
	"github.com/record-exporter/internal/types"
)

// invocationResponse reports what an invocation did, or that it was accepted
type invocationResponse struct {
	JobID      string              `json:"jobId"`
	Status     string              `json:"status"`
	Outcome    models.BatchOutcome `json:"outcome,omitempty"`
	Records    int                 `json:"records,omitempty"`
	PartNumber int32               `json:"partNumber,omitempty"`
	Bytes      int                 `json:"bytes,omitempty"`
	Error      string              `json:"error,omitempty"`
	Failure    *types.ServiceError `json:"failure,omitempty"`
}

// handleInvoke handles POST /internal/export-batches.
// The batch runs in the background unless ?wait=true is given.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var payload job.Payload
	if err := parseJSONBody(r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if strings.TrimSpace(payload.JobID) == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "jobId is required", nil)
		return
	}
	if payload.BatchCount != nil && *payload.BatchCount < 0 {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "batchCount cannot be negative", nil)
		return
	}

	logger := logging.FromContext(r.Context()).WithField("job_id", payload.JobID)

	// The batch outlives the request; only the time budget bounds it
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.timeBudget())
	ctx = logging.WithLogger(ctx, logger)

	token, ok, err := s.acquire(ctx, payload.JobID)
	if err != nil {
		cancel()
		logger.WithError(err).Warn("Lease unavailable")
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Invocation lease unavailable", nil)
		return
	}
	if !ok {
		cancel()
		respondError(w, http.StatusConflict, ErrCodeJobBusy, "Job is running in another invocation", map[string]interface{}{
			"jobId": payload.JobID,
		})
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		defer cancel()
		defer s.release(ctx, payload.JobID, token)

		result, err := s.handler.Handle(ctx, payload)
		if err != nil {
			logger.WithError(err).Error("Invocation could not persist its outcome")
			respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Checkpoint store unavailable", nil)
			return
		}
		respondJSON(w, http.StatusOK, newInvocationResponse(payload.JobID, result))
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer cancel()
		defer s.release(ctx, payload.JobID, token)

		result, err := s.handler.Handle(ctx, payload)
		if err != nil {
			logger.WithError(err).Error("Invocation could not persist its outcome, job left for stale recovery")
			return
		}
		logger.WithFields(map[string]interface{}{
			"outcome": result.Outcome,
			"records": result.Records,
		}).Debug("Invocation finished")
	}()

	respondJSON(w, http.StatusAccepted, invocationResponse{JobID: payload.JobID, Status: "accepted"})
}

func newInvocationResponse(jobID string, result *job.Result) invocationResponse {
	resp := invocationResponse{
		JobID:      jobID,
		Status:     "done",
		Outcome:    result.Outcome,
		Records:    result.Records,
		PartNumber: result.PartNumber,
		Bytes:      result.Bytes,
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
		var exportErr *exporterrors.ExportError
		if errors.As(result.Err, &exportErr) {
			resp.Failure = exportErr.ToServiceError()
		}
	}
	return resp
}

func (s *Server) timeBudget() time.Duration {
	if s.config.TimeBudget > 0 {
		return s.config.TimeBudget
	}
	return defaultTimeBudget
}

func (s *Server) acquire(ctx context.Context, jobID string) (string, bool, error) {
	if s.lease == nil {
		return "", true, nil
	}
	return s.lease.Acquire(ctx, jobID, s.timeBudget())
}

func (s *Server) release(ctx context.Context, jobID, token string) {
	if s.lease == nil {
		return
	}
	if err := s.lease.Release(context.WithoutCancel(ctx), jobID, token); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to release lease")
	}
}
