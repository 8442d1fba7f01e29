package notify

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/models"
)

type fakeSource struct {
	notes []models.Notification
	read  []string
}

func (f *fakeSource) UnsentActionNeeded(context.Context, string) ([]models.Notification, error) {
	return f.notes, nil
}

func (f *fakeSource) MarkNotificationRead(_ context.Context, id string) error {
	f.read = append(f.read, id)
	return nil
}

func TestSendDigest_DisabledWithoutKey(t *testing.T) {
	s := NewDigestService("", "ops@example.com", "", zerolog.Nop())
	src := &fakeSource{notes: []models.Notification{{ID: "n1"}}}

	count, err := s.SendDigest(context.Background(), src, "owner-1")

	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, src.read)
}

func TestSendDigest_NothingUnread(t *testing.T) {
	s := NewDigestService("SG.key", "ops@example.com", "", zerolog.Nop())
	src := &fakeSource{}

	count, err := s.SendDigest(context.Background(), src, "owner-1")

	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestBuildDigestBody(t *testing.T) {
	body := buildDigestBody([]models.Notification{
		{
			RecordAnchor: "123 Main St|Springfield",
			ContactEmail: "pat@example.com",
			Meta:         map[string]string{"reason": "call_requested"},
			CreatedAt:    time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC),
		},
		{
			RecordAnchor: "456 Oak Ave|Shelbyville",
			ContactEmail: "sam@example.com",
			Meta:         map[string]string{"reason": "new_property", "notes": "referred by Pat"},
			CreatedAt:    time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
		},
	})

	assert.Contains(t, body, "1. 123 Main St|Springfield — pat@example.com")
	assert.Contains(t, body, "Reason: call_requested")
	assert.Contains(t, body, "2. 456 Oak Ave|Shelbyville — sam@example.com")
	assert.Contains(t, body, "Notes: referred by Pat")
	assert.Equal(t, 2, strings.Count(body, "Reason:"))
}
