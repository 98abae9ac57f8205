package adapter

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"time"

	"github.com/record-exporter/internal/config"
	"github.com/record-exporter/internal/models"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// SendGridNotifier emails the download link of a finished export
type SendGridNotifier struct {
	apiKey   string
	from     *mail.Email
	endpoint string // overrides the SendGrid send URL when set
	timeout  time.Duration
}

// NewSendGridNotifier creates a notifier, or returns an error if it is not configured
func NewSendGridNotifier(cfg *config.NotificationConfig) (*SendGridNotifier, error) {
	if cfg.SendGridAPIKey == "" || cfg.FromAddress == "" {
		return nil, errors.New("invalid SendGrid configuration")
	}
	return &SendGridNotifier{
		apiKey:  cfg.SendGridAPIKey,
		from:    mail.NewEmail(cfg.FromName, cfg.FromAddress),
		timeout: 30 * time.Second,
	}, nil
}

// Notify sends one message to target. The caller records the outcome and never retries.
func (n *SendGridNotifier) Notify(ctx context.Context, target, downloadRef string, summary models.JobSummary) error {
	subject := fmt.Sprintf("Your %s export is ready", summary.RecordKind)
	plain, htmlBody := renderSummary(downloadRef, summary)
	message := mail.NewSingleEmail(n.from, subject, mail.NewEmail("", target), plain, htmlBody)

	// A client per send: the SendGrid client carries the request body as state
	client := sendgrid.NewSendClient(n.apiKey)
	if n.endpoint != "" {
		client.BaseURL = n.endpoint
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	response, err := client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	if response.StatusCode != http.StatusAccepted && response.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to send notification, status code: %d", response.StatusCode)
	}
	return nil
}

func renderSummary(downloadRef string, s models.JobSummary) (string, string) {
	expires := "soon"
	if s.ExpiresAt != nil {
		expires = s.ExpiresAt.UTC().Format(time.RFC1123)
	}
	plain := fmt.Sprintf(
		"Export %s finished: %d %s records as %s in %d batches.\nDownload: %s\nThe link expires %s.",
		s.JobID, s.ProcessedCount, s.RecordKind, s.OutputFormat, s.Batches, downloadRef, expires,
	)
	htmlBody := fmt.Sprintf(
		"<p>Export <strong>%s</strong> finished: %d %s records as %s in %d batches.</p>"+
			"<p><a href=\"%s\">Download the file</a>. The link expires %s.</p>",
		html.EscapeString(s.JobID), s.ProcessedCount, s.RecordKind, s.OutputFormat, s.Batches,
		html.EscapeString(downloadRef), expires,
	)
	return plain, htmlBody
}
