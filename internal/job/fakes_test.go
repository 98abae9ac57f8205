package job

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/record-exporter/internal/adapter"
	exporterrors "github.com/record-exporter/internal/errors"
	"github.com/record-exporter/internal/models"
	"github.com/record-exporter/internal/types"
)

// fakeSource serves a fixed record set through both pagination regimes.
// Scripted errors are returned, in order, before any real page.
type fakeSource struct {
	mu      sync.Mutex
	records []models.Record
	errs    []error
	skips   []int
	cursors []string
	tokens  []string
}

func newFakeSource(n int) *fakeSource {
	s := &fakeSource{}
	for i := 1; i <= n; i++ {
		s.records = append(s.records, &models.ConversationRecord{ID: fmt.Sprintf("r%03d", i), ContactID: "c"})
	}
	return s
}

func (s *fakeSource) failNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, errs...)
}

func (s *fakeSource) popErr() error {
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *fakeSource) window(from, limit int) []models.Record {
	if from > len(s.records) {
		from = len(s.records)
	}
	end := from + limit
	if end > len(s.records) {
		end = len(s.records)
	}
	return append([]models.Record(nil), s.records[from:end]...)
}

func (s *fakeSource) FetchConversations(_ context.Context, accessToken string, q adapter.OffsetQuery) (*adapter.RecordPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, accessToken)
	if err := s.popErr(); err != nil {
		return nil, err
	}
	s.skips = append(s.skips, q.Skip)
	records := s.window(q.Skip, q.Limit)
	return &adapter.RecordPage{Records: records, Returned: len(records)}, nil
}

// FetchMessages uses "m<index>" cursors and reports none after the final record
func (s *fakeSource) FetchMessages(_ context.Context, accessToken string, q adapter.CursorQuery) (*adapter.RecordPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, accessToken)
	if err := s.popErr(); err != nil {
		return nil, err
	}
	s.cursors = append(s.cursors, q.Cursor)

	from := 0
	if q.Cursor != "" {
		from, _ = strconv.Atoi(q.Cursor[1:])
	}
	records := s.window(from, q.Limit)
	page := &adapter.RecordPage{Records: records, Returned: len(records)}
	if from+len(records) < len(s.records) {
		next := "m" + strconv.Itoa(from+len(records))
		page.Next = &next
	}
	return page, nil
}

type fakeCredentials struct {
	mu    sync.Mutex
	creds map[string]*models.TenantCredential
}

func newFakeCredentials(tenantID string, expiresAt time.Time) *fakeCredentials {
	return &fakeCredentials{creds: map[string]*models.TenantCredential{
		tenantID: {TenantID: tenantID, AccessToken: "access-0", RefreshToken: "refresh-0", ExpiresAt: expiresAt},
	}}
}

func (c *fakeCredentials) Get(_ context.Context, tenantID string) (*models.TenantCredential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cred, ok := c.creds[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", exporterrors.ErrCredentialNotFound, tenantID)
	}
	copied := *cred
	return &copied, nil
}

// fakeRenewer issues access-N tokens and persists them like the real renewer
type fakeRenewer struct {
	store *fakeCredentials
	err   error
	calls int
}

func (r *fakeRenewer) Renew(_ context.Context, cred *models.TenantCredential) (*models.TenantCredential, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	renewed := &models.TenantCredential{
		TenantID:     cred.TenantID,
		AccessToken:  "access-" + strconv.Itoa(r.calls),
		RefreshToken: cred.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	r.store.mu.Lock()
	r.store.creds[cred.TenantID] = renewed
	r.store.mu.Unlock()
	return renewed, nil
}

// fakeStore mirrors the conditional updates of the Postgres repository.
// failOps injects connection errors per operation: get, start, checkpoint, complete.
type fakeStore struct {
	mu      sync.Mutex
	jobs    map[string]*models.ExportJob
	failOps map[string]int
	retries []int
}

func newFakeStore(jobs ...*models.ExportJob) *fakeStore {
	s := &fakeStore{jobs: map[string]*models.ExportJob{}, failOps: map[string]int{}}
	for _, j := range jobs {
		s.jobs[j.JobID] = j
	}
	return s
}

func (s *fakeStore) injected(op string) error {
	if s.failOps[op] > 0 {
		s.failOps[op]--
		return fmt.Errorf("%s: connection reset", op)
	}
	return nil
}

func (s *fakeStore) snapshot(jobID string) *models.ExportJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneJob(s.jobs[jobID])
}

func cloneJob(j *models.ExportJob) *models.ExportJob {
	if j == nil {
		return nil
	}
	c := *j
	if j.Upload != nil {
		u := *j.Upload
		u.Parts = append([]models.UploadPart(nil), j.Upload.Parts...)
		c.Upload = &u
	}
	return &c
}

func (s *fakeStore) GetByID(_ context.Context, jobID string) (*models.ExportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("get"); err != nil {
		return nil, err
	}
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", exporterrors.ErrJobNotFound, jobID)
	}
	return cloneJob(j), nil
}

func (s *fakeStore) miss(j *models.ExportJob) error {
	if j.Status.IsTerminal() {
		return exporterrors.ErrTerminalJob
	}
	return exporterrors.ErrStaleCheckpoint
}

func (s *fakeStore) StartProcessing(_ context.Context, jobID string, upload *models.UploadState, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("start"); err != nil {
		return err
	}
	j := s.jobs[jobID]
	if j.Upload != nil || j.Status.IsTerminal() {
		return s.miss(j)
	}
	u := *upload
	j.Upload = &u
	j.Status = types.StatusProcessing
	if j.StartedAt == nil {
		j.StartedAt = &startedAt
	}
	j.LastProcessedAt = &startedAt
	return nil
}

func (s *fakeStore) applyLocked(j *models.ExportJob, expectedBatch int, cp models.Checkpoint) error {
	if j.BatchCount != expectedBatch || j.Status != types.StatusProcessing {
		return s.miss(j)
	}
	if cp.Part != nil && int(cp.Part.PartNumber) != len(j.Upload.Parts)+1 {
		return exporterrors.ErrStaleCheckpoint
	}
	j.Cursor = cp.Cursor
	j.ProcessedCount = cp.ProcessedCount
	j.BatchCount++
	at := cp.ProcessedAt
	j.LastProcessedAt = &at
	if cp.Part != nil {
		j.Upload.Parts = append(j.Upload.Parts, *cp.Part)
	}
	return nil
}

func (s *fakeStore) SaveCheckpoint(_ context.Context, jobID string, expectedBatch int, cp models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("checkpoint"); err != nil {
		return err
	}
	return s.applyLocked(s.jobs[jobID], expectedBatch, cp)
}

func (s *fakeStore) RecordRetry(_ context.Context, jobID string, expectedBatch, retryCount int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[jobID]
	if j.BatchCount != expectedBatch || (j.Status != types.StatusPending && j.Status != types.StatusProcessing) {
		return s.miss(j)
	}
	j.Status = types.StatusProcessing
	if j.StartedAt == nil {
		j.StartedAt = &at
	}
	j.RetryCount = retryCount
	j.LastProcessedAt = &at
	s.retries = append(s.retries, retryCount)
	return nil
}

func (s *fakeStore) MarkCompleted(_ context.Context, jobID string, expectedBatch int, c models.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("complete"); err != nil {
		return err
	}
	j := s.jobs[jobID]
	if err := s.applyLocked(j, expectedBatch, c.Checkpoint); err != nil {
		return err
	}
	j.Status = types.StatusCompleted
	at := c.ProcessedAt
	j.CompletedAt = &at
	j.DownloadRef = c.DownloadRef
	j.DownloadExpiresAt = c.DownloadExpiresAt
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, jobID, message string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[jobID]
	if j.Status.IsTerminal() {
		return exporterrors.ErrTerminalJob
	}
	j.Status = types.StatusFailed
	j.ErrorMessage = &message
	j.CompletedAt = &at
	return nil
}

func (s *fakeStore) SetNotificationSent(_ context.Context, jobID string, sent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[jobID].NotificationSent = sent
	return nil
}

// fakeAssembler keeps uploaded parts in memory and stitches them on Complete
type fakeAssembler struct {
	mu        sync.Mutex
	nextID    int
	uploads   map[string]map[int32][]byte
	objects   map[string][]byte
	aborted   []string
	uploadErr []error
	openErr   []error
	opened    int
	partCalls []int32
}

func newFakeAssembler() *fakeAssembler {
	return &fakeAssembler{uploads: map[string]map[int32][]byte{}, objects: map[string][]byte{}}
}

func (a *fakeAssembler) Open(_ context.Context, _, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.openErr) > 0 {
		err := a.openErr[0]
		a.openErr = a.openErr[1:]
		return "", err
	}
	a.nextID++
	a.opened++
	id := "upload-" + strconv.Itoa(a.nextID)
	a.uploads[id] = map[int32][]byte{}
	return id, nil
}

func (a *fakeAssembler) UploadPart(_ context.Context, uploadID, _ string, partNumber int32, body []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.partCalls = append(a.partCalls, partNumber)
	if len(a.uploadErr) > 0 {
		err := a.uploadErr[0]
		if len(a.uploadErr) > 1 {
			a.uploadErr = a.uploadErr[1:]
		}
		if err != nil {
			return "", err
		}
	}
	parts, ok := a.uploads[uploadID]
	if !ok {
		return "", exporterrors.NewPermanentError(exporterrors.CodeStorage, "no such upload", nil)
	}
	parts[partNumber] = append([]byte(nil), body...)
	return fmt.Sprintf(`"etag-%d"`, partNumber), nil
}

func (a *fakeAssembler) Complete(_ context.Context, uploadID, objectKey string, parts []models.UploadPart) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	stored, ok := a.uploads[uploadID]
	if !ok {
		return exporterrors.NewPermanentError(exporterrors.CodeStorage, "no such upload", nil)
	}
	var buf bytes.Buffer
	for i, p := range parts {
		if int(p.PartNumber) != i+1 || p.Checksum != fmt.Sprintf(`"etag-%d"`, p.PartNumber) {
			return fmt.Errorf("invalid part list at %d", i)
		}
		buf.Write(stored[p.PartNumber])
	}
	a.objects[objectKey] = buf.Bytes()
	delete(a.uploads, uploadID)
	return nil
}

func (a *fakeAssembler) Abort(_ context.Context, uploadID, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aborted = append(a.aborted, uploadID)
	delete(a.uploads, uploadID)
	return nil
}

func (a *fakeAssembler) PresignGet(_ context.Context, objectKey string, ttl time.Duration) (string, time.Time, error) {
	return "https://downloads.example.com/" + objectKey, time.Now().Add(ttl), nil
}

type invocation struct {
	payload Payload
	delay   time.Duration
}

type fakeInvoker struct {
	mu      sync.Mutex
	pending []invocation
	all     []invocation
}

func (i *fakeInvoker) Invoke(_ context.Context, payload Payload, delay time.Duration) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pending = append(i.pending, invocation{payload: payload, delay: delay})
	i.all = append(i.all, invocation{payload: payload, delay: delay})
	return nil
}

func (i *fakeInvoker) next() (invocation, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.pending) == 0 {
		return invocation{}, false
	}
	inv := i.pending[0]
	i.pending = i.pending[1:]
	return inv, true
}

type sentNotice struct {
	target  string
	ref     string
	summary models.JobSummary
}

type fakeNotifier struct {
	err  error
	sent []sentNotice
}

func (n *fakeNotifier) Notify(_ context.Context, target, ref string, summary models.JobSummary) error {
	n.sent = append(n.sent, sentNotice{target: target, ref: ref, summary: summary})
	return n.err
}

type fakeEvents struct {
	mu     sync.Mutex
	events []*models.BatchEvent
}

func (e *fakeEvents) Record(_ context.Context, event *models.BatchEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}
