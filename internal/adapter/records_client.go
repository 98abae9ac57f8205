// Package adapter holds the clients for the systems the export pipeline talks to:
// the remote record API, the OAuth token endpoint, S3 and SendGrid.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/record-exporter/internal/circuitbreaker"
	"github.com/record-exporter/internal/config"
	exporterrors "github.com/record-exporter/internal/errors"
	"github.com/record-exporter/internal/models"
	"github.com/record-exporter/internal/types"
	"golang.org/x/time/rate"
)

const (
	conversationsSource = "conversations API"
	messagesSource      = "messages API"

	// maxErrorBody caps how much of a failed response is read into the error
	maxErrorBody = 4 << 10
)

// RecordsClient calls the remote record API with a bearer credential.
// All requests share one limiter so a worker never exceeds the API's request ceiling,
// and one breaker so an API outage fails invocations fast.
type RecordsClient struct {
	baseURL    string
	version    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *circuitbreaker.CircuitBreaker
}

// NewRecordsClient creates a new remote record API client
func NewRecordsClient(cfg *config.RemoteAPIConfig) *RecordsClient {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &RecordsClient{
		baseURL:    cfg.BaseURL,
		version:    cfg.Version,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		breaker: circuitbreaker.NewCircuitBreaker(&circuitbreaker.Config{
			Name:             "remote-record-api",
			MaxFailures:      cfg.BreakerFailures,
			FailureThreshold: 0.5,
			Timeout:          cfg.BreakerCooldown,
			HalfOpenMaxCalls: 1,
			// Rejected credentials and bad requests say nothing about API health
			IsFailure: exporterrors.IsRetryable,
		}),
	}
}

// OffsetQuery addresses one page of conversation records
type OffsetQuery struct {
	TenantID string
	Filters  types.Filters
	Limit    int
	Skip     int
}

// CursorQuery addresses one page of message records. An empty cursor means the first page.
type CursorQuery struct {
	TenantID string
	Filters  types.Filters
	Limit    int
	Cursor   string
}

// RecordPage is one page as the remote API returned it. Returned counts every
// entry of the page, including null entries left out of Records; page
// fullness and offsets follow Returned.
type RecordPage struct {
	Records  []models.Record
	Returned int
	Next     *string
}

type conversationsResponse struct {
	Conversations []*models.ConversationRecord `json:"conversations"`
	Total         int                          `json:"total"`
}

type messagesResponse struct {
	Messages   []*models.MessageRecord `json:"messages"`
	NextCursor *string                 `json:"nextCursor"`
}

// FetchConversations returns one skip-addressed page of conversation records
func (c *RecordsClient) FetchConversations(ctx context.Context, accessToken string, q OffsetQuery) (*RecordPage, error) {
	params := filterParams(q.Filters)
	params.Set("locationId", q.TenantID)
	params.Set("limit", strconv.Itoa(q.Limit))
	params.Set("skip", strconv.Itoa(q.Skip))

	var resp conversationsResponse
	if err := c.get(ctx, conversationsSource, "/conversations/search", params, accessToken, &resp); err != nil {
		return nil, err
	}

	records := make([]models.Record, 0, len(resp.Conversations))
	for _, r := range resp.Conversations {
		if r != nil {
			records = append(records, r)
		}
	}
	return &RecordPage{Records: records, Returned: len(resp.Conversations)}, nil
}

// FetchMessages returns one cursor-addressed page of message records with the
// cursor of the following page (nil when the API reports none)
func (c *RecordsClient) FetchMessages(ctx context.Context, accessToken string, q CursorQuery) (*RecordPage, error) {
	params := filterParams(q.Filters)
	params.Set("locationId", q.TenantID)
	params.Set("limit", strconv.Itoa(q.Limit))
	if q.Cursor != "" {
		params.Set("cursor", q.Cursor)
	}

	var resp messagesResponse
	if err := c.get(ctx, messagesSource, "/conversations/messages/export", params, accessToken, &resp); err != nil {
		return nil, err
	}

	records := make([]models.Record, 0, len(resp.Messages))
	for _, r := range resp.Messages {
		if r != nil {
			records = append(records, r)
		}
	}

	next := resp.NextCursor
	if next != nil && *next == "" {
		next = nil
	}
	return &RecordPage{Records: records, Returned: len(resp.Messages), Next: next}, nil
}

// get performs a rate-limited GET and classifies failures once, here
func (c *RecordsClient) get(ctx context.Context, source, path string, params url.Values, accessToken string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return exporterrors.NewTransientError(exporterrors.CodeRemoteUnavailable,
			fmt.Sprintf("%s request not started", source), err)
	}

	err := c.breaker.Execute(ctx, func() error {
		return c.do(ctx, source, path, params, accessToken, out)
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return exporterrors.NewTransientError(exporterrors.CodeRemoteUnavailable,
			fmt.Sprintf("%s is failing, request not sent", source), err)
	}
	return err
}

func (c *RecordsClient) do(ctx context.Context, source, path string, params url.Values, accessToken string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return exporterrors.NewPermanentError(exporterrors.CodeInternal, "failed to build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if c.version != "" {
		req.Header.Set("Version", c.version)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return exporterrors.NewTransientError(exporterrors.CodeRemoteUnavailable,
			fmt.Sprintf("%s request failed after %v", source, time.Since(start).Round(time.Millisecond)), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return exporterrors.FromHTTPStatus(source, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return exporterrors.NewTransientError(exporterrors.CodeRemoteUnavailable,
			fmt.Sprintf("%s returned an unreadable body", source), err)
	}
	return nil
}

// filterParams copies job filters into query parameters. Callers set the
// addressing parameters afterwards so a filter cannot override them.
func filterParams(filters types.Filters) url.Values {
	params := url.Values{}
	for k, v := range filters {
		params.Set(k, v)
	}
	return params
}
