package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/columns"
	"outreach/internal/models"
)

type cannedCompleter struct {
	content string
	err     error
	called  int
}

func (c *cannedCompleter) CreateChatCompletion(_ context.Context, _ []openai.ChatCompletionMessage, _ int, _ float32) (*openai.ChatCompletionResponse, error) {
	c.called++
	if c.err != nil {
		return nil, c.err
	}
	return &openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: c.content}},
		},
	}, nil
}

func testGateway(c ChatCompleter) *Gateway {
	return NewGateway(c, columns.Default(), 30*time.Second, 10, zerolog.Nop())
}

func testThread() *models.Thread {
	return &models.Thread{
		ThreadID:     "thread-1",
		OwnerID:      "owner-1",
		ContactEmail: "broker@example.com",
		ContactName:  "Pat Broker",
		RecordAnchor: "123 Main St|Springfield",
		State:        models.StateActive,
	}
}

func testInbound() *models.Message {
	return &models.Message{
		MessageID: "msg-1",
		ThreadID:  "thread-1",
		Direction: models.DirectionInbound,
		FromAddr:  "broker@example.com",
		Subject:   "RE: 123 Main St",
		Body:      "Rent is $8.50/SF NNN, 24' clear.",
	}
}

func TestDecide_ParsesWellFormedResponse(t *testing.T) {
	completer := &cannedCompleter{content: `{
		"updates": [
			{"column": "Rent/SF /Yr", "value": "8.50", "confidence": 0.95, "reason": "stated directly"},
			{"column": "Ceiling Ht", "value": "24", "confidence": 0.9}
		],
		"events": [],
		"response_draft": "Thanks Pat, could you also share the total square footage?",
		"notes": ""
	}`}

	d := testGateway(completer).Decide(context.Background(), testThread(), map[string]string{}, nil, testInbound())

	require.Len(t, d.Updates, 2)
	assert.Equal(t, "Rent/SF /Yr", d.Updates[0].Field)
	assert.Equal(t, "8.50", d.Updates[0].Value)
	assert.Empty(t, d.Events)
	assert.Contains(t, d.ResponseDraft, "square footage")
}

func TestDecide_StripsCodeFences(t *testing.T) {
	completer := &cannedCompleter{content: "```json\n{\"updates\": [], \"events\": [{\"type\": \"property_unavailable\"}]}\n```"}

	d := testGateway(completer).Decide(context.Background(), testThread(), map[string]string{}, nil, testInbound())

	require.Len(t, d.Events, 1)
	assert.Equal(t, models.EventPropertyUnavailable, d.Events[0].Kind)
}

func TestDecide_FailSafeOnError(t *testing.T) {
	completer := &cannedCompleter{err: errors.New("rate limited")}

	d := testGateway(completer).Decide(context.Background(), testThread(), map[string]string{}, nil, testInbound())

	require.Len(t, d.Events, 1)
	assert.Equal(t, models.EventNeedsUserInput, d.Events[0].Kind)
	assert.Equal(t, "unclear", d.Events[0].Subreason)
	assert.Empty(t, d.Updates)
	assert.Empty(t, d.ResponseDraft)
}

func TestDecide_FailSafeOnGarbage(t *testing.T) {
	completer := &cannedCompleter{content: "I think the rent is probably around $8.50."}

	d := testGateway(completer).Decide(context.Background(), testThread(), map[string]string{}, nil, testInbound())

	require.Len(t, d.Events, 1)
	assert.Equal(t, models.EventNeedsUserInput, d.Events[0].Kind)
}

func TestDecide_DropsUnknownEventsAndWeakUpdates(t *testing.T) {
	completer := &cannedCompleter{content: `{
		"updates": [
			{"column": "Total SF", "value": "15000", "confidence": 0.9},
			{"column": "Docks", "value": "2", "confidence": 0.3}
		],
		"events": [
			{"type": "celebrate"},
			{"type": "tour_requested"},
			{"type": "new_property", "city": "Springfield"}
		]
	}`}

	d := testGateway(completer).Decide(context.Background(), testThread(), map[string]string{}, nil, testInbound())

	require.Len(t, d.Updates, 1)
	assert.Equal(t, "Total SF", d.Updates[0].Field)
	// The unknown kind and the address-less new_property are both dropped.
	require.Len(t, d.Events, 1)
	assert.Equal(t, models.EventTourRequested, d.Events[0].Kind)
}

func TestBuildMessages_HistoryOrderAndLimit(t *testing.T) {
	history := []models.Message{
		{Direction: models.DirectionOutbound, Body: "initial outreach"},
		{Direction: models.DirectionInbound, Body: "first reply"},
		{Direction: models.DirectionOutbound, Body: "follow-up question"},
	}

	msgs := BuildMessages(columns.Default(), testThread(), map[string]string{"Total SF": "15000"}, history, testInbound(), 2)

	// system + 2 history (limit) + new inbound
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "COLUMN SEMANTICS")
	assert.Contains(t, msgs[0].Content, "Total SF: 15000")
	assert.Equal(t, "user", msgs[1].Role)
	assert.Equal(t, "first reply", msgs[1].Content)
	assert.Equal(t, "assistant", msgs[2].Role)
	assert.Contains(t, msgs[3].Content, "NEW EMAIL FROM broker@example.com")
}
