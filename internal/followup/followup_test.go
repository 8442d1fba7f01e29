package followup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/models"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Len(t, cfg.Tiers, 3)

	cfg, err = LoadConfig("/nonexistent/followups.yaml")
	require.NoError(t, err)
	assert.Len(t, cfg.Tiers, 3)
}

func TestLoadConfig_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "followups.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tiers:
  - wait: 48h
    subject: "RE: {{ address }}"
    body: "Hi {{ first_name }}, checking in on {{ address }}."
  - wait: 96h
    body: "Hi {{ first_name }}, one more nudge."
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Tiers, 2)
	assert.Equal(t, 48*time.Hour, cfg.Tiers[0].Wait.Std())
	assert.Equal(t, 96*time.Hour, cfg.Tiers[1].Wait.Std())
	// Missing intro section falls back to the built-in template.
	assert.Equal(t, DefaultConfig().Intro.Body, cfg.Intro.Body)
}

func TestLoadConfig_IntroOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "followups.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
intro:
  subject: "About {{ address }}"
  body: "Hello {{ first_name }}, is {{ address }} still available?"
tiers:
  - wait: 48h
    body: "Hi {{ first_name }}, checking in."
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "About {{ address }}", cfg.Intro.Subject)
}

func TestRenderIntro(t *testing.T) {
	s := NewScheduler(DefaultConfig(), zerolog.Nop())
	thread := &models.Thread{
		ContactName:  "Pat Broker",
		RecordAnchor: "123 Main St|Springfield",
	}

	subject, body, err := s.RenderIntro(thread)

	require.NoError(t, err)
	assert.Contains(t, subject, "123 Main St")
	assert.Contains(t, body, "Hi Pat,")
	assert.Contains(t, body, "Springfield")
}

func TestLoadConfig_RejectsInvalidTiers(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "missing wait", yaml: "tiers:\n  - body: hi\n"},
		{name: "missing body", yaml: "tiers:\n  - wait: 48h\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "followups.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))

			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func testThread(followupsSent int, lastOutbound time.Time) *models.Thread {
	return &models.Thread{
		ThreadID:       "thread-1",
		OwnerID:        "owner-1",
		ContactEmail:   "pat@example.com",
		ContactName:    "Pat Broker",
		RecordAnchor:   "123 Main St|Springfield",
		State:          models.StateActive,
		FollowupsSent:  followupsSent,
		LastOutboundAt: &lastOutbound,
	}
}

func TestDue(t *testing.T) {
	now := time.Now()
	s := NewScheduler(DefaultConfig(), zerolog.Nop())

	tests := []struct {
		name     string
		thread   *models.Thread
		wantTier int
		wantDue  bool
	}{
		{
			name:     "first tier after the wait",
			thread:   testThread(0, now.Add(-80*time.Hour)),
			wantTier: 0,
			wantDue:  true,
		},
		{
			name:    "first tier too early",
			thread:  testThread(0, now.Add(-10*time.Hour)),
			wantDue: false,
		},
		{
			name:     "second tier waits longer",
			thread:   testThread(1, now.Add(-130*time.Hour)),
			wantTier: 1,
			wantDue:  true,
		},
		{
			name:    "second tier not yet",
			thread:  testThread(1, now.Add(-80*time.Hour)),
			wantDue: false,
		},
		{
			name:    "ladder exhausted",
			thread:  testThread(3, now.Add(-1000*time.Hour)),
			wantDue: false,
		},
		{
			name: "never sent anything",
			thread: &models.Thread{
				FollowupsSent: 0,
			},
			wantDue: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier, due := s.Due(tt.thread, now)
			assert.Equal(t, tt.wantDue, due)
			if due {
				assert.Equal(t, tt.wantTier, tier)
			}
		})
	}
}

func TestRender(t *testing.T) {
	s := NewScheduler(DefaultConfig(), zerolog.Nop())
	thread := testThread(0, time.Now())

	subject, body, err := s.Render(0, thread)
	require.NoError(t, err)
	assert.Equal(t, "RE: 123 Main St", subject)
	assert.Contains(t, body, "Hi Pat,")
	assert.Contains(t, body, "123 Main St")

	_, _, err = s.Render(9, thread)
	assert.Error(t, err)
}

type fakeSource struct {
	threads []models.Thread
	err     error
}

func (f *fakeSource) FollowUpCandidates(_ context.Context, _ string, _ int) ([]models.Thread, error) {
	return f.threads, f.err
}

func TestScan(t *testing.T) {
	now := time.Now()
	s := NewScheduler(DefaultConfig(), zerolog.Nop())

	due := testThread(0, now.Add(-80*time.Hour))
	notYet := testThread(0, now.Add(-1*time.Hour))
	failing := testThread(1, now.Add(-130*time.Hour))
	failing.ThreadID = "thread-fail"

	src := &fakeSource{threads: []models.Thread{*due, *notYet, *failing}}

	var sentTo []string
	sent, err := s.Scan(context.Background(), src, "owner-1", now,
		func(_ context.Context, thread *models.Thread, tier int, subject, body string) error {
			if thread.ThreadID == "thread-fail" {
				return errors.New("smtp down")
			}
			sentTo = append(sentTo, thread.ThreadID)
			assert.NotEmpty(t, body)
			return nil
		})

	require.NoError(t, err)
	// One sent, one not due, one failed but did not abort the scan.
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{"thread-1"}, sentTo)
}

func TestScan_SourceError(t *testing.T) {
	s := NewScheduler(DefaultConfig(), zerolog.Nop())
	src := &fakeSource{err: errors.New("db down")}

	_, err := s.Scan(context.Background(), src, "owner-1", time.Now(),
		func(context.Context, *models.Thread, int, string, string) error { return nil })
	assert.Error(t, err)
}
