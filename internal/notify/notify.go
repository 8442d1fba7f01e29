// Package notify turns unread action-needed notifications into an operator
// digest email sent via SendGrid.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"outreach/internal/models"
)

// NotificationSource is the store slice the digest reads from.
type NotificationSource interface {
	UnsentActionNeeded(ctx context.Context, ownerID string) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
}

// DigestService sends the operator digest.
type DigestService struct {
	apiKey    string
	toEmail   string
	fromEmail string
	logger    zerolog.Logger
}

// NewDigestService creates a digest service. An empty API key disables
// sending (SendDigest becomes a no-op).
func NewDigestService(apiKey, toEmail, fromEmail string, logger zerolog.Logger) *DigestService {
	if fromEmail == "" {
		fromEmail = "noreply@outreach.local"
	}
	return &DigestService{
		apiKey:    apiKey,
		toEmail:   toEmail,
		fromEmail: fromEmail,
		logger:    logger.With().Str("component", "notify").Logger(),
	}
}

// SendDigest emails all unread action-needed notifications for the owner
// and marks them read. Returns the number of notifications included.
func (s *DigestService) SendDigest(ctx context.Context, src NotificationSource, ownerID string) (int, error) {
	if s.apiKey == "" || s.toEmail == "" {
		s.logger.Debug().Msg("digest disabled, no SendGrid key or recipient")
		return 0, nil
	}

	notes, err := src.UnsentActionNeeded(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	if len(notes) == 0 {
		return 0, nil
	}

	subject := fmt.Sprintf("Outreach: %d conversation(s) need your attention", len(notes))
	body := buildDigestBody(notes)

	from := mail.NewEmail("Outreach Engine", s.fromEmail)
	to := mail.NewEmail("Operator", s.toEmail)
	message := mail.NewSingleEmail(from, subject, to, body, body)

	client := sendgrid.NewSendClient(s.apiKey)
	response, err := client.Send(message)
	if err != nil {
		return 0, fmt.Errorf("failed to send digest: %w", err)
	}
	if response.StatusCode >= 400 {
		return 0, fmt.Errorf("SendGrid API error: status %d, body: %s", response.StatusCode, response.Body)
	}

	for _, n := range notes {
		if err := src.MarkNotificationRead(ctx, n.ID); err != nil {
			s.logger.Error().Err(err).Str("notification_id", n.ID).Msg("failed to mark notification read")
		}
	}

	s.logger.Info().Int("count", len(notes)).Str("owner_id", ownerID).Msg("digest sent")
	return len(notes), nil
}

func buildDigestBody(notes []models.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The following conversations are waiting on you as of %s:\n\n",
		time.Now().Format(time.RFC1123))
	for i, n := range notes {
		fmt.Fprintf(&b, "%d. %s — %s\n", i+1, n.RecordAnchor, n.ContactEmail)
		if reason := n.Meta["reason"]; reason != "" {
			fmt.Fprintf(&b, "   Reason: %s\n", reason)
		}
		if notes := n.Meta["notes"]; notes != "" {
			fmt.Fprintf(&b, "   Notes: %s\n", notes)
		}
		fmt.Fprintf(&b, "   Since: %s\n\n", n.CreatedAt.Format(time.RFC1123))
	}
	b.WriteString("Resume paused conversations from the dashboard once handled.\n")
	return b.String()
}
