package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"outreach/internal/columns"
	"outreach/internal/models"
)

// ChatCompleter is the slice of Client the gateway needs; tests substitute
// a canned implementation.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, messages []openai.ChatCompletionMessage, maxTokens int, temperature float32) (*openai.ChatCompletionResponse, error)
}

// Gateway invokes the model and normalizes its output into a Decision. It
// never returns an error to the caller: a failed or malformed invocation
// degrades to a needs_user_input decision so the thread pauses for a human
// instead of guessing.
type Gateway struct {
	client       ChatCompleter
	registry     *columns.Registry
	timeout      time.Duration
	historyLimit int
	logger       zerolog.Logger
}

// NewGateway builds a decision gateway.
func NewGateway(client ChatCompleter, registry *columns.Registry, timeout time.Duration, historyLimit int, logger zerolog.Logger) *Gateway {
	if historyLimit <= 0 {
		historyLimit = 10
	}
	return &Gateway{
		client:       client,
		registry:     registry,
		timeout:      timeout,
		historyLimit: historyLimit,
		logger:       logger,
	}
}

const (
	maxResponseTokens = 2000
	temperature       = 0.1
)

// Decide runs the oracle on one inbound message.
func (g *Gateway) Decide(ctx context.Context, thread *models.Thread, snapshot map[string]string, history []models.Message, inbound *models.Message) *models.Decision {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	prompt := BuildMessages(g.registry, thread, snapshot, history, inbound, g.historyLimit)
	chatMsgs := make([]openai.ChatCompletionMessage, len(prompt))
	for i, m := range prompt {
		chatMsgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	resp, err := g.client.CreateChatCompletion(ctx, chatMsgs, maxResponseTokens, temperature)
	if err != nil {
		g.logger.Error().Err(err).Str("thread_id", thread.ThreadID).Msg("oracle invocation failed")
		return failSafe("oracle unavailable")
	}
	if len(resp.Choices) == 0 {
		g.logger.Error().Str("thread_id", thread.ThreadID).Msg("oracle returned no choices")
		return failSafe("empty oracle response")
	}

	decision, err := ParseDecision(resp.Choices[0].Message.Content)
	if err != nil {
		g.logger.Error().Err(err).Str("thread_id", thread.ThreadID).Msg("oracle response unparseable")
		return failSafe("malformed oracle response")
	}

	g.normalize(decision, thread.ThreadID)
	return decision
}

// ParseDecision decodes the model output into a Decision, tolerating
// markdown code fences around the JSON.
func ParseDecision(raw string) (*models.Decision, error) {
	raw = stripFences(raw)
	var d models.Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("failed to decode decision JSON: %w", err)
	}
	return &d, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

var knownEvents = map[models.EventKind]bool{
	models.EventContactOptOut:       true,
	models.EventCallRequested:       true,
	models.EventTourRequested:       true,
	models.EventNeedsUserInput:      true,
	models.EventWrongContact:        true,
	models.EventPropertyUnavailable: true,
	models.EventCloseConversation:   true,
	models.EventNewProperty:         true,
	models.EventPropertyIssue:       true,
}

// normalize drops out-of-vocabulary events and low-confidence or
// unwritable field updates so the router only sees clean input.
func (g *Gateway) normalize(d *models.Decision, threadID string) {
	events := d.Events[:0]
	for _, ev := range d.Events {
		if !knownEvents[ev.Kind] {
			g.logger.Warn().Str("thread_id", threadID).Str("event", string(ev.Kind)).
				Msg("dropping unknown oracle event")
			continue
		}
		if ev.Kind == models.EventNewProperty && strings.TrimSpace(ev.Address) == "" {
			g.logger.Warn().Str("thread_id", threadID).Msg("dropping new_property event without address")
			continue
		}
		events = append(events, ev)
	}
	d.Events = events

	updates := d.Updates[:0]
	for _, u := range d.Updates {
		if u.Confidence < 0.5 {
			g.logger.Debug().Str("thread_id", threadID).Str("field", u.Field).
				Float64("confidence", u.Confidence).Msg("dropping low-confidence update")
			continue
		}
		updates = append(updates, u)
	}
	d.Updates = updates
}

// failSafe is the decision used when the oracle cannot be trusted: pause
// the thread for a human, touch nothing else.
func failSafe(note string) *models.Decision {
	return &models.Decision{
		Events: []models.Event{{Kind: models.EventNeedsUserInput, Subreason: "unclear"}},
		Notes:  note,
	}
}
