package match

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/store"
)

type fakeIndex struct {
	byMessageID      map[string]string
	byConversationID map[string]string
	lookups          []string
}

func (f *fakeIndex) LookupThreadByMessageID(_ context.Context, id string) (string, error) {
	f.lookups = append(f.lookups, "msg:"+id)
	if t, ok := f.byMessageID[id]; ok {
		return t, nil
	}
	return "", store.ErrNotFound
}

func (f *fakeIndex) LookupThreadByConversation(_ context.Context, id string) (string, error) {
	f.lookups = append(f.lookups, "conv:"+id)
	if t, ok := f.byConversationID[id]; ok {
		return t, nil
	}
	return "", store.ErrNotFound
}

func TestResolve_Precedence(t *testing.T) {
	tests := []struct {
		name      string
		index     *fakeIndex
		candidate Candidate
		want      string
		wantErr   error
	}{
		{
			name: "in-reply-to wins over everything",
			index: &fakeIndex{
				byMessageID:      map[string]string{"a@x": "thread-reply", "b@x": "thread-ref"},
				byConversationID: map[string]string{"conv-1": "thread-conv"},
			},
			candidate: Candidate{
				InReplyTo:      "<a@x>",
				References:     "<b@x>",
				ConversationID: "conv-1",
			},
			want: "thread-reply",
		},
		{
			name: "references tried newest first",
			index: &fakeIndex{
				byMessageID: map[string]string{"old@x": "thread-old", "new@x": "thread-new"},
			},
			candidate: Candidate{
				References: "<old@x> <new@x>",
			},
			want: "thread-new",
		},
		{
			name: "conversation id is the last resort",
			index: &fakeIndex{
				byMessageID:      map[string]string{},
				byConversationID: map[string]string{"conv-1": "thread-conv"},
			},
			candidate: Candidate{
				InReplyTo:      "<unknown@x>",
				References:     "<also-unknown@x>",
				ConversationID: "conv-1",
			},
			want: "thread-conv",
		},
		{
			name:      "nothing matches",
			index:     &fakeIndex{},
			candidate: Candidate{InReplyTo: "<unknown@x>", ConversationID: "conv-9"},
			wantErr:   ErrUnmatched,
		},
		{
			name:      "empty headers",
			index:     &fakeIndex{},
			candidate: Candidate{},
			wantErr:   ErrUnmatched,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := NewEngine(tt.index)

			got, err := engine.Resolve(context.Background(), tt.candidate)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestResolve_FirstHitWins(t *testing.T) {
	index := &fakeIndex{
		byMessageID: map[string]string{"a@x": "thread-a"},
	}
	engine := NewEngine(index)

	got, err := engine.Resolve(context.Background(), Candidate{
		InReplyTo:      "<a@x>",
		References:     "<b@x> <c@x>",
		ConversationID: "conv-1",
	})

	require.NoError(t, err)
	assert.Equal(t, "thread-a", got)
	// Later identifiers must not be consulted once a hit lands.
	assert.Equal(t, []string{"msg:a@x"}, index.lookups)
}

func TestNormalizeMessageID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "angle brackets stripped", in: "<ABC@example.com>", want: "abc@example.com"},
		{name: "whitespace trimmed", in: "  <a@x>  ", want: "a@x"},
		{name: "already bare", in: "a@x", want: "a@x"},
		{name: "empty", in: "", want: ""},
		{name: "unicode composed form", in: "<café@x>", want: "café@x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeMessageID(tt.in))
		})
	}
}

func TestParseReferences(t *testing.T) {
	ids := ParseReferences(" <first@x>\t<second@x> <THIRD@x> ")
	assert.Equal(t, []string{"third@x", "second@x", "first@x"}, ids)

	assert.Empty(t, ParseReferences(""))
	assert.Empty(t, ParseReferences("   "))
}

func TestIsAutoReply(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		headers map[string]string
		want    bool
	}{
		{
			name:    "auto-submitted header",
			subject: "RE: 123 Main St",
			headers: map[string]string{"Auto-Submitted": "auto-replied"},
			want:    true,
		},
		{
			name:    "auto-submitted no is not machine mail",
			subject: "RE: 123 Main St",
			headers: map[string]string{"Auto-Submitted": "no"},
			want:    false,
		},
		{
			name:    "out of office subject",
			subject: "Automatic reply: Out of Office",
			want:    true,
		},
		{
			name:    "bounce subject",
			subject: "Undeliverable: 123 Main St availability",
			want:    true,
		},
		{
			name:    "ordinary reply",
			subject: "RE: 123 Main St availability",
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAutoReply(tt.subject, tt.headers))
		})
	}
}
