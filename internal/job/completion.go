package job

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/record-exporter/internal/logging"
	"github.com/record-exporter/internal/models"
)

// Notifier delivers the download link of a finished export
type Notifier interface {
	Notify(ctx context.Context, target, downloadRef string, summary models.JobSummary) error
}

// NotificationStore records whether the completion notice went out
type NotificationStore interface {
	SetNotificationSent(ctx context.Context, jobID string, sent bool) error
}

// CompletionNotifier sends the completion notice of a job at most once.
// A failed send is recorded and never retried, and never fails the job.
type CompletionNotifier struct {
	notifier Notifier // nil when no notification sink is configured
	store    NotificationStore
}

// NewCompletionNotifier creates a completion notifier. notifier may be nil.
func NewCompletionNotifier(notifier Notifier, store NotificationStore) *CompletionNotifier {
	return &CompletionNotifier{notifier: notifier, store: store}
}

// NotifyCompleted is called once, by the invocation that persisted completion
func (c *CompletionNotifier) NotifyCompleted(ctx context.Context, job *models.ExportJob) bool {
	logger := logging.FromContext(ctx)

	if job.NotificationTarget == nil || strings.TrimSpace(*job.NotificationTarget) == "" {
		return false
	}
	if job.NotificationSent || job.DownloadRef == nil {
		return false
	}
	if c.notifier == nil {
		logger.Warn("Notification target set but no notification sink configured")
		return false
	}

	completedAt := time.Now()
	if job.CompletedAt != nil {
		completedAt = *job.CompletedAt
	}
	summary := job.Summary(completedAt)
	sent := true
	if err := c.notifier.Notify(ctx, *job.NotificationTarget, *job.DownloadRef, summary); err != nil {
		logger.WithError(err).Warn("Failed to send completion notification")
		sent = false
	}

	if err := c.store.SetNotificationSent(ctx, job.JobID, sent); err != nil {
		logger.WithError(err).Error("Failed to record notification outcome")
	}
	job.NotificationSent = sent
	if sent {
		logger.Info("Completion notification sent")
	}
	return sent
}

// ObjectKeyFor names the object a job assembles. The random suffix keeps two
// racing first invocations from writing the same key.
func ObjectKeyFor(prefix string, job *models.ExportJob) string {
	name := string(job.RecordKind) + "-" + job.JobID + "-" + uuid.NewString()[:8] + job.OutputFormat.Extension()
	return path.Join(prefix, job.TenantID, name)
}
