package job

import (
	"context"
	"testing"
	"time"

	"github.com/record-exporter/internal/adapter"
	exporterrors "github.com/record-exporter/internal/errors"
	"github.com/record-exporter/internal/models"
	"github.com/record-exporter/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestOffsetPager_HasMoreOnlyOnFullPage(t *testing.T) {
	source := newFakeSource(130)
	pager := &OffsetPager{source: source, tenantID: testTenantID, pageSize: 100}

	page, err := pager.FetchPage(context.Background(), "token", nil)
	require.NoError(t, err)
	assert.Len(t, page.Records, 100)
	assert.True(t, page.HasMore)
	assert.Equal(t, "100", *page.Next)

	page, err = pager.FetchPage(context.Background(), "token", page.Next)
	require.NoError(t, err)
	assert.Len(t, page.Records, 30)
	assert.False(t, page.HasMore)
	assert.Equal(t, "130", *page.Next)
}

// cannedSource answers every request with the same page
type cannedSource struct {
	page *adapter.RecordPage
}

func (s *cannedSource) FetchConversations(context.Context, string, adapter.OffsetQuery) (*adapter.RecordPage, error) {
	return s.page, nil
}

func (s *cannedSource) FetchMessages(context.Context, string, adapter.CursorQuery) (*adapter.RecordPage, error) {
	return s.page, nil
}

func TestPagers_FullnessCountsDroppedEntries(t *testing.T) {
	// the API returned 3 entries, one of them null
	records := []models.Record{&models.ConversationRecord{ID: "c1"}, &models.ConversationRecord{ID: "c3"}}
	source := &cannedSource{page: &adapter.RecordPage{Records: records, Returned: 3, Next: strPtr("n1")}}

	offset := &OffsetPager{source: source, tenantID: testTenantID, pageSize: 3}
	page, err := offset.FetchPage(context.Background(), "token", strPtr("6"))
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "9", *page.Next)

	cursor := &CursorPager{source: source, tenantID: testTenantID, pageSize: 3}
	page, err = cursor.FetchPage(context.Background(), "token", nil)
	require.NoError(t, err)
	assert.True(t, page.HasMore)
}

func TestOffsetPager_RejectsNonNumericCursor(t *testing.T) {
	pager := &OffsetPager{source: newFakeSource(1), tenantID: testTenantID, pageSize: 10}

	_, err := pager.FetchPage(context.Background(), "token", strPtr("m40"))
	require.Error(t, err)
	assert.True(t, exporterrors.IsFatal(err))
}

func TestCursorPager_HasMoreNeedsCursorAndFullPage(t *testing.T) {
	// exactly one full page: the API reports no next cursor
	pager := &CursorPager{source: newFakeSource(50), tenantID: testTenantID, pageSize: 50}
	page, err := pager.FetchPage(context.Background(), "token", nil)
	require.NoError(t, err)
	assert.Len(t, page.Records, 50)
	assert.Nil(t, page.Next)
	assert.False(t, page.HasMore)

	pager = &CursorPager{source: newFakeSource(120), tenantID: testTenantID, pageSize: 50}
	page, err = pager.FetchPage(context.Background(), "token", strPtr("m100"))
	require.NoError(t, err)
	assert.Len(t, page.Records, 20)
	assert.False(t, page.HasMore)

	page, err = pager.FetchPage(context.Background(), "token", strPtr("m0"))
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	assert.Equal(t, "m50", *page.Next)
}

// shortPagePager returns a non-empty cursor with a short page
type shortPagePager struct{}

func (shortPagePager) FetchPage(context.Context, string, *string) (*Page, error) {
	next := "more"
	records := []models.Record{&models.MessageRecord{ID: "m1"}}
	return &Page{Records: records, Next: &next, HasMore: false}, nil
}

func TestNewPager_SelectsRegimeByKind(t *testing.T) {
	source := newFakeSource(0)

	pager, err := NewPager(source, &models.ExportJob{RecordKind: types.KindConversations}, 100, 50)
	require.NoError(t, err)
	assert.IsType(t, &OffsetPager{}, pager)

	pager, err = NewPager(source, &models.ExportJob{RecordKind: types.KindMessages}, 100, 50)
	require.NoError(t, err)
	assert.IsType(t, &CursorPager{}, pager)

	_, err = NewPager(source, &models.ExportJob{JobID: "j", RecordKind: "contacts"}, 100, 50)
	assert.Equal(t, exporterrors.CodeInvalidJob, exporterrors.CodeOf(err))
}

func newTestFetcher(creds *fakeCredentials, renewer *fakeRenewer, sleeps *int) *Fetcher {
	f := NewFetcher(creds, renewer, 250*time.Millisecond, time.Minute)
	f.sleep = func(context.Context, time.Duration) error {
		*sleeps++
		return nil
	}
	return f
}

func TestFetcher_DelaysOnlyBetweenPages(t *testing.T) {
	creds := newFakeCredentials(testTenantID, time.Now().Add(time.Hour))
	var sleeps int
	f := newTestFetcher(creds, &fakeRenewer{store: creds}, &sleeps)
	source := newFakeSource(250)
	pager := &OffsetPager{source: source, tenantID: testTenantID, pageSize: 100}
	budget := NewBudget(context.Background(), time.Hour, time.Minute, nil)

	batch, err := f.FetchBatch(context.Background(), testTenantID, pager, nil, 1000, budget)
	require.NoError(t, err)
	assert.Len(t, batch.Records, 250)
	assert.True(t, batch.Exhausted)
	assert.Equal(t, 3, batch.Pages)
	assert.Equal(t, "250", *batch.Cursor)
	assert.Equal(t, 2, sleeps)
}

func TestFetcher_StopsAtQuotaWithoutTrailingDelay(t *testing.T) {
	creds := newFakeCredentials(testTenantID, time.Now().Add(time.Hour))
	var sleeps int
	f := newTestFetcher(creds, &fakeRenewer{store: creds}, &sleeps)
	pager := &OffsetPager{source: newFakeSource(500), tenantID: testTenantID, pageSize: 100}
	budget := NewBudget(context.Background(), time.Hour, time.Minute, nil)

	batch, err := f.FetchBatch(context.Background(), testTenantID, pager, strPtr("100"), 200, budget)
	require.NoError(t, err)
	assert.Len(t, batch.Records, 200)
	assert.False(t, batch.Exhausted)
	assert.Equal(t, "300", *batch.Cursor)
	assert.Equal(t, 1, sleeps)
}

func TestFetcher_ShortPageWithCursorEndsData(t *testing.T) {
	creds := newFakeCredentials(testTenantID, time.Now().Add(time.Hour))
	var sleeps int
	f := newTestFetcher(creds, &fakeRenewer{store: creds}, &sleeps)
	budget := NewBudget(context.Background(), time.Hour, time.Minute, nil)

	batch, err := f.FetchBatch(context.Background(), testTenantID, shortPagePager{}, nil, 100, budget)
	require.NoError(t, err)
	assert.True(t, batch.Exhausted)
	assert.Len(t, batch.Records, 1)
	assert.Zero(t, sleeps)
}

func TestFetcher_ChecksBudgetBeforeEachCall(t *testing.T) {
	creds := newFakeCredentials(testTenantID, time.Now().Add(time.Hour))
	var sleeps int
	f := newTestFetcher(creds, &fakeRenewer{store: creds}, &sleeps)
	source := newFakeSource(500)
	pager := &OffsetPager{source: source, tenantID: testTenantID, pageSize: 100}

	// each page costs 30s of a 2m budget with a 1m buffer
	now := time.Now()
	clock := func() time.Time { return now }
	budget := NewBudget(context.Background(), 2*time.Minute, time.Minute, clock)
	f.sleep = func(context.Context, time.Duration) error {
		now = now.Add(30 * time.Second)
		return nil
	}

	batch, err := f.FetchBatch(context.Background(), testTenantID, pager, nil, 1000, budget)
	require.NoError(t, err)
	assert.True(t, batch.StoppedByBudget)
	assert.False(t, batch.Exhausted)
	assert.Len(t, batch.Records, 300)
	assert.Equal(t, []int{0, 100, 200}, source.skips)
}

// slowPager spends clock time on every page request
type slowPager struct {
	Pager
	spend func()
}

func (p *slowPager) FetchPage(ctx context.Context, accessToken string, position *string) (*Page, error) {
	p.spend()
	return p.Pager.FetchPage(ctx, accessToken, position)
}

func TestFetcher_SkipsRenewalWhenBudgetSpent(t *testing.T) {
	creds := newFakeCredentials(testTenantID, time.Now().Add(time.Hour))
	renewer := &fakeRenewer{store: creds}
	var sleeps int
	f := newTestFetcher(creds, renewer, &sleeps)

	now := time.Now()
	budget := NewBudget(context.Background(), 2*time.Minute, time.Minute, func() time.Time { return now })
	source := newFakeSource(100)
	source.failNext(exporterrors.FromHTTPStatus("conversations API", 401, "expired"))
	pager := &slowPager{
		Pager: &OffsetPager{source: source, tenantID: testTenantID, pageSize: 100},
		spend: func() { now = now.Add(90 * time.Second) },
	}

	batch, err := f.FetchBatch(context.Background(), testTenantID, pager, nil, 100, budget)
	require.NoError(t, err)
	assert.True(t, batch.StoppedByBudget)
	assert.Empty(t, batch.Records)
	assert.Nil(t, batch.Cursor)
	assert.Zero(t, renewer.calls)
}

func TestFetcher_RenewalResetsAfterSuccessfulPage(t *testing.T) {
	creds := newFakeCredentials(testTenantID, time.Now().Add(time.Hour))
	renewer := &fakeRenewer{store: creds}
	var sleeps int
	f := newTestFetcher(creds, renewer, &sleeps)
	budget := NewBudget(context.Background(), time.Hour, time.Minute, nil)

	source := newFakeSource(300)
	pager := &OffsetPager{source: source, tenantID: testTenantID, pageSize: 100}

	expired := exporterrors.FromHTTPStatus("conversations API", 401, "")
	source.failNext(expired)

	batch, err := f.FetchBatch(context.Background(), testTenantID, pager, nil, 200, budget)
	require.NoError(t, err)
	assert.Len(t, batch.Records, 200)

	// the next batch starts with a fresh renewal allowance
	source.failNext(expired)
	batch, err = f.FetchBatch(context.Background(), testTenantID, pager, batch.Cursor, 200, budget)
	require.NoError(t, err)
	assert.Len(t, batch.Records, 100)
	assert.Equal(t, 2, renewer.calls)
}

func TestBudget_UsesContextDeadline(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx, cancel := context.WithDeadline(context.Background(), now.Add(90*time.Second))
	defer cancel()

	budget := NewBudget(ctx, time.Hour, time.Minute, func() time.Time { return now })
	assert.Equal(t, 90*time.Second, budget.Remaining())
	assert.False(t, budget.Exhausted())

	now = now.Add(31 * time.Second)
	assert.True(t, budget.Exhausted())
}
