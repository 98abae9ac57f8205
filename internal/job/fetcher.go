package job

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/record-exporter/internal/adapter"
	exporterrors "github.com/record-exporter/internal/errors"
	"github.com/record-exporter/internal/logging"
	"github.com/record-exporter/internal/models"
	"github.com/record-exporter/internal/types"
)

// RecordSource is the remote record API
type RecordSource interface {
	FetchConversations(ctx context.Context, accessToken string, q adapter.OffsetQuery) (*adapter.RecordPage, error)
	FetchMessages(ctx context.Context, accessToken string, q adapter.CursorQuery) (*adapter.RecordPage, error)
}

// CredentialSource reads the persisted credential of a tenant
type CredentialSource interface {
	Get(ctx context.Context, tenantID string) (*models.TenantCredential, error)
}

// TokenRenewer exchanges the refresh credential and persists the new pair
type TokenRenewer interface {
	Renew(ctx context.Context, cred *models.TenantCredential) (*models.TenantCredential, error)
}

// Page is one fetched page. Next is the position of the following page.
type Page struct {
	Records []models.Record
	Next    *string
	HasMore bool
}

// Pager fetches pages of one record kind. The position format belongs to the pager.
type Pager interface {
	FetchPage(ctx context.Context, accessToken string, position *string) (*Page, error)
}

// OffsetPager pages conversation records by skip offset. A short page ends the data.
type OffsetPager struct {
	source   RecordSource
	tenantID string
	filters  types.Filters
	pageSize int
}

// FetchPage fetches the page at the decimal offset position (nil is offset 0)
func (p *OffsetPager) FetchPage(ctx context.Context, accessToken string, position *string) (*Page, error) {
	offset := 0
	if position != nil {
		n, err := strconv.Atoi(*position)
		if err != nil || n < 0 {
			return nil, exporterrors.NewPermanentError(exporterrors.CodeInvalidJob,
				fmt.Sprintf("offset cursor %q is not a non-negative integer", *position), err)
		}
		offset = n
	}

	page, err := p.source.FetchConversations(ctx, accessToken, adapter.OffsetQuery{
		TenantID: p.tenantID,
		Filters:  p.filters,
		Limit:    p.pageSize,
		Skip:     offset,
	})
	if err != nil {
		return nil, err
	}

	next := strconv.Itoa(offset + page.Returned)
	return &Page{
		Records: page.Records,
		Next:    &next,
		HasMore: page.Returned == p.pageSize,
	}, nil
}

// CursorPager pages message records by the opaque cursor the API hands out
type CursorPager struct {
	source   RecordSource
	tenantID string
	filters  types.Filters
	pageSize int
}

// FetchPage fetches the page at the cursor position (nil is the first page)
func (p *CursorPager) FetchPage(ctx context.Context, accessToken string, position *string) (*Page, error) {
	q := adapter.CursorQuery{
		TenantID: p.tenantID,
		Filters:  p.filters,
		Limit:    p.pageSize,
	}
	if position != nil {
		q.Cursor = *position
	}

	page, err := p.source.FetchMessages(ctx, accessToken, q)
	if err != nil {
		return nil, err
	}

	return &Page{
		Records: page.Records,
		Next:    page.Next,
		HasMore: page.Next != nil && page.Returned == p.pageSize,
	}, nil
}

// NewPager selects the pagination regime of the job's record kind
func NewPager(source RecordSource, job *models.ExportJob, conversationPageSize, messagePageSize int) (Pager, error) {
	switch job.RecordKind {
	case types.KindConversations:
		return &OffsetPager{source: source, tenantID: job.TenantID, filters: job.Filters, pageSize: conversationPageSize}, nil
	case types.KindMessages:
		return &CursorPager{source: source, tenantID: job.TenantID, filters: job.Filters, pageSize: messagePageSize}, nil
	default:
		return nil, exporterrors.NewInvalidJobError(job.JobID, fmt.Sprintf("unknown record kind %q", job.RecordKind))
	}
}

// BatchResult is what one invocation's fetch loop accumulated
type BatchResult struct {
	Records []models.Record
	// Cursor is the position after the last fetched page, or the start position
	Cursor *string
	Pages  int
	// Exhausted is set only when the API reported no more pages
	Exhausted bool
	// StoppedByBudget is set when the safety buffer ended the loop
	StoppedByBudget bool
}

// Fetcher runs the per-invocation fetch loop with token renewal
type Fetcher struct {
	credentials    CredentialSource
	renewer        TokenRenewer
	interPageDelay time.Duration
	credentialSkew time.Duration
	now            func() time.Time
	sleep          func(ctx context.Context, d time.Duration) error
}

// NewFetcher creates a fetcher
func NewFetcher(credentials CredentialSource, renewer TokenRenewer, interPageDelay, credentialSkew time.Duration) *Fetcher {
	return &Fetcher{
		credentials:    credentials,
		renewer:        renewer,
		interPageDelay: interPageDelay,
		credentialSkew: credentialSkew,
		now:            time.Now,
		sleep:          sleepContext,
	}
}

// FetchBatch pulls pages from start until quota records are held, the data
// ends, or the budget falls below its safety buffer. The budget is checked
// before every remote call.
func (f *Fetcher) FetchBatch(ctx context.Context, tenantID string, pager Pager, start *string, quota int, budget *Budget) (*BatchResult, error) {
	logger := logging.FromContext(ctx)

	cred, err := f.credentials.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, exporterrors.ErrCredentialNotFound) {
			return nil, exporterrors.NewReconnectRequiredError(tenantID, err)
		}
		return nil, exporterrors.NewDatabaseError("load tenant credential", err)
	}

	// An expired credential is renewed up front; that renewal is the one the
	// first page is allowed
	renewed := false
	if cred.Expired(f.now(), f.credentialSkew) {
		if budget.Exhausted() {
			return &BatchResult{Cursor: start, StoppedByBudget: true}, nil
		}
		logger.Info("Credential expired, renewing before first fetch")
		if cred, err = f.renewer.Renew(ctx, cred); err != nil {
			return nil, err
		}
		renewed = true
	}

	result := &BatchResult{Cursor: start}
	position := start

	for len(result.Records) < quota {
		if budget.Exhausted() {
			result.StoppedByBudget = true
			break
		}

		page, err := pager.FetchPage(ctx, cred.AccessToken, position)
		if exporterrors.IsAuthExpired(err) {
			if renewed {
				return nil, exporterrors.NewRepeatedAuthFailureError("remote record API", err)
			}
			if budget.Exhausted() {
				result.StoppedByBudget = true
				break
			}
			logger.WithError(err).Warn("Credential rejected, renewing and retrying page")
			if cred, err = f.renewer.Renew(ctx, cred); err != nil {
				return nil, err
			}
			renewed = true
			continue
		}
		if err != nil {
			return nil, err
		}
		renewed = false

		result.Records = append(result.Records, page.Records...)
		result.Pages++
		if page.Next != nil {
			position = page.Next
			result.Cursor = page.Next
		}

		if !page.HasMore {
			result.Exhausted = true
			break
		}
		if len(result.Records) >= quota {
			break
		}
		if err := f.sleep(ctx, f.interPageDelay); err != nil {
			return nil, exporterrors.NewTransientError(exporterrors.CodeInternal, "interrupted between pages", err)
		}
	}

	logger.WithFields(map[string]interface{}{
		"pages":     result.Pages,
		"records":   len(result.Records),
		"exhausted": result.Exhausted,
	}).Debug("Fetch loop finished")
	return result, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
