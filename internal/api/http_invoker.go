package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	exporterrors "github.com/record-exporter/internal/errors"
	"github.com/record-exporter/internal/job"
	"github.com/record-exporter/internal/logging"
	"github.com/record-exporter/internal/retry"
)

// HTTPInvoker posts continuations to the service's own invocation endpoint.
// Invoke returns once the post is scheduled; delivery happens in the background.
type HTTPInvoker struct {
	url    string
	token  string
	client *http.Client
	retry  *retry.RetryConfig

	mu     sync.Mutex
	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewHTTPInvoker creates an invoker posting to url
func NewHTTPInvoker(url, token string, timeout time.Duration) *HTTPInvoker {
	return &HTTPInvoker{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
		// A busy job frees its lease as soon as the previous invocation returns
		retry: &retry.RetryConfig{
			MaxAttempts:  6,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			ShouldRetry:  exporterrors.IsRetryable,
		},
		stopCh: make(chan struct{}),
	}
}

// Invoke schedules a post of payload after delay
func (i *HTTPInvoker) Invoke(ctx context.Context, payload job.Payload, delay time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode invocation: %w", err)
	}

	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return fmt.Errorf("invoker is closed")
	}
	i.wg.Add(1)
	i.mu.Unlock()

	logger := logging.FromContext(ctx).WithField("job_id", payload.JobID)
	go func() {
		defer i.wg.Done()

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-i.stopCh:
				timer.Stop()
				logger.Warn("Invoker closed before delayed invocation was due, job left for stale recovery")
				return
			}
		}

		postCtx := logging.WithLogger(context.Background(), logger)
		if err := retry.Do(postCtx, i.retry, func(ctx context.Context, _ int) error {
			return i.post(ctx, body)
		}); err != nil {
			logger.WithError(err).Error("Failed to deliver invocation, job left for stale recovery")
		}
	}()
	return nil
}

// post delivers one payload. A busy job is reported as transient so the post is retried.
func (i *HTTPInvoker) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.url, bytes.NewReader(body))
	if err != nil {
		return exporterrors.NewPermanentError(exporterrors.CodeInternal, "failed to build invocation request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if i.token != "" {
		req.Header.Set("Authorization", "Bearer "+i.token)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post invocation: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode == http.StatusConflict {
		return exporterrors.NewTransientError(ErrCodeJobBusy, "job is running in another invocation", fmt.Errorf("status %d", resp.StatusCode))
	}
	return exporterrors.FromHTTPStatus("invocation endpoint", resp.StatusCode, string(respBody))
}

// Close drops delayed posts that are not due yet and waits for the rest
func (i *HTTPInvoker) Close(ctx context.Context) error {
	i.mu.Lock()
	if !i.closed {
		i.closed = true
		close(i.stopCh)
	}
	i.mu.Unlock()

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
