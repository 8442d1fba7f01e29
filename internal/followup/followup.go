// Package followup schedules and renders the timed nudges sent when a
// contact goes quiet. Tiers escalate: each one waits longer and leans a
// little harder, and an exhausted thread simply stays ACTIVE.
package followup

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/osteele/liquid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"outreach/internal/models"
	"outreach/internal/records"
)

// Duration wraps time.Duration so YAML can carry values like "72h".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler, which yaml.v3 honors.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Tier is one follow-up step. Wait counts from the thread's last outbound
// message; Body is a liquid template.
type Tier struct {
	Wait    Duration `yaml:"wait"`
	Subject string   `yaml:"subject"`
	Body    string   `yaml:"body"`
}

// Config is the intro template plus the full tier ladder.
type Config struct {
	Intro Tier   `yaml:"intro"`
	Tiers []Tier `yaml:"tiers"`
}

// DefaultConfig returns the built-in three-tier ladder used when no YAML
// file is configured.
func DefaultConfig() Config {
	return Config{Intro: Tier{
		Subject: "Availability inquiry — {{ address }}, {{ city }}",
		Body: `Hi {{ first_name }},

I came across your listing at {{ address }} in {{ city }} and I'm reaching out on behalf of a client looking for industrial space in the area. Could you share the current availability along with size, asking rent, and loading details?

Thanks in advance,
Best regards`,
	}, Tiers: []Tier{
		{
			Wait:    Duration(72 * time.Hour),
			Subject: "RE: {{ address }}",
			Body: `Hi {{ first_name }},

Just floating this back to the top of your inbox. We're still interested in {{ address }} and would love any details on size, rent, and loading when you have a moment.

Best regards`,
		},
		{
			Wait:    Duration(120 * time.Hour),
			Subject: "RE: {{ address }}",
			Body: `Hi {{ first_name }},

Following up once more on {{ address }}. Our client is actively comparing options in {{ city }} right now, so even partial details would help us keep this one in the running.

Best regards`,
		},
		{
			Wait:    Duration(168 * time.Hour),
			Subject: "RE: {{ address }}",
			Body: `Hi {{ first_name }},

Last note from me on {{ address }}. If the space is still available we'd love to hear from you; otherwise no worries at all, and feel free to reach out if anything similar comes up.

Best regards`,
		},
	}}
}

// LoadConfig reads the tier ladder from a YAML file, falling back to the
// defaults when the path is empty or the file does not exist.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read follow-up config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse follow-up config: %w", err)
	}
	if len(cfg.Tiers) == 0 {
		return DefaultConfig(), nil
	}
	if cfg.Intro.Body == "" {
		cfg.Intro = DefaultConfig().Intro
	}
	for i, tier := range cfg.Tiers {
		if tier.Wait <= 0 {
			return Config{}, fmt.Errorf("tier %d has no wait duration", i+1)
		}
		if tier.Body == "" {
			return Config{}, fmt.Errorf("tier %d has no body template", i+1)
		}
	}
	return cfg, nil
}

// Scheduler decides which threads are due a follow-up and renders the
// message for each.
type Scheduler struct {
	cfg    Config
	engine *liquid.Engine
	logger zerolog.Logger
}

// NewScheduler builds a scheduler over the tier ladder.
func NewScheduler(cfg Config, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		engine: liquid.NewEngine(),
		logger: logger.With().Str("component", "followup").Logger(),
	}
}

// MaxTiers is the ladder height, used for the store eligibility query.
func (s *Scheduler) MaxTiers() int { return len(s.cfg.Tiers) }

// Due reports whether the thread owes a follow-up right now and which tier
// it is. Eligibility beyond timing (state, reply-since-outbound) is the
// store query's job; this only applies the per-tier wait.
func (s *Scheduler) Due(thread *models.Thread, now time.Time) (int, bool) {
	if thread.FollowupsSent >= len(s.cfg.Tiers) || thread.LastOutboundAt == nil {
		return 0, false
	}
	tier := thread.FollowupsSent
	if now.Sub(*thread.LastOutboundAt) < s.cfg.Tiers[tier].Wait.Std() {
		return 0, false
	}
	return tier, true
}

// Render produces the subject and body for the given tier.
func (s *Scheduler) Render(tier int, thread *models.Thread) (subject, body string, err error) {
	if tier < 0 || tier >= len(s.cfg.Tiers) {
		return "", "", fmt.Errorf("no such follow-up tier %d", tier)
	}
	address, city := records.SplitAnchor(thread.RecordAnchor)
	bindings := map[string]interface{}{
		"contact_name":    thread.ContactName,
		"first_name":      firstName(thread.ContactName),
		"address":         address,
		"city":            city,
		"followup_number": tier + 1,
	}

	t := s.cfg.Tiers[tier]
	body, err = s.engine.ParseAndRenderString(t.Body, bindings)
	if err != nil {
		return "", "", fmt.Errorf("failed to render follow-up body: %w", err)
	}
	subject = t.Subject
	if subject != "" {
		subject, err = s.engine.ParseAndRenderString(subject, bindings)
		if err != nil {
			return "", "", fmt.Errorf("failed to render follow-up subject: %w", err)
		}
	}
	return subject, body, nil
}

// RenderIntro produces the initial outreach email for a thread, used by the
// campaign sender and the pending-approval flow.
func (s *Scheduler) RenderIntro(thread *models.Thread) (subject, body string, err error) {
	address, city := records.SplitAnchor(thread.RecordAnchor)
	bindings := map[string]interface{}{
		"contact_name": thread.ContactName,
		"first_name":   firstName(thread.ContactName),
		"address":      address,
		"city":         city,
	}
	body, err = s.engine.ParseAndRenderString(s.cfg.Intro.Body, bindings)
	if err != nil {
		return "", "", fmt.Errorf("failed to render intro body: %w", err)
	}
	subject, err = s.engine.ParseAndRenderString(s.cfg.Intro.Subject, bindings)
	if err != nil {
		return "", "", fmt.Errorf("failed to render intro subject: %w", err)
	}
	return subject, body, nil
}

// ThreadSource is the store slice Scan reads candidates from.
type ThreadSource interface {
	FollowUpCandidates(ctx context.Context, ownerID string, maxTiers int) ([]models.Thread, error)
}

// SendFunc delivers one rendered follow-up. The engine supplies a closure
// that checks the opt-out registry, sends via the mail provider, indexes
// the sent message, and bumps the thread counters.
type SendFunc func(ctx context.Context, thread *models.Thread, tier int, subject, body string) error

// Scan sends every follow-up currently due for the owner. A send failure
// logs and skips that thread; the rest of the scan continues.
func (s *Scheduler) Scan(ctx context.Context, src ThreadSource, ownerID string, now time.Time, send SendFunc) (int, error) {
	candidates, err := src.FollowUpCandidates(ctx, ownerID, s.MaxTiers())
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range candidates {
		thread := &candidates[i]
		tier, due := s.Due(thread, now)
		if !due {
			continue
		}
		subject, body, err := s.Render(tier, thread)
		if err != nil {
			s.logger.Error().Err(err).Str("thread_id", thread.ThreadID).Msg("follow-up render failed")
			continue
		}
		if err := send(ctx, thread, tier, subject, body); err != nil {
			s.logger.Error().Err(err).Str("thread_id", thread.ThreadID).Msg("follow-up send failed")
			continue
		}
		sent++
		s.logger.Info().Str("thread_id", thread.ThreadID).Int("tier", tier+1).Msg("follow-up sent")
	}
	return sent, nil
}

func firstName(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == ' ' {
			return name[:i]
		}
	}
	if name == "" {
		return "there"
	}
	return name
}
