// Package mail is the provider boundary for the monitored mailbox: listing
// inbound messages and sending threaded replies. The production adapter
// talks to Microsoft Graph; the engine only sees the Provider interface.
package mail

import (
	"context"
	"time"
)

// Inbound is one email pulled from the mailbox, with the identifiers the
// match engine correlates on.
type Inbound struct {
	ProviderID     string // Graph resource id, used for reply-in-thread
	MessageID      string // RFC 5322 Message-ID
	InReplyTo      string
	References     string
	ConversationID string
	From           string
	Subject        string
	Body           string
	Headers        map[string]string // raw internet message headers
	ReceivedAt     time.Time
}

// Sent identifies one delivered message. Both identifiers go into the
// correlation indexes at send time so the reply to this message resolves on
// either one.
type Sent struct {
	MessageID      string // RFC 5322 Message-ID of what went out
	ConversationID string // provider conversation the message belongs to
}

// Provider is the mailbox surface the engine uses.
type Provider interface {
	// ListInbound returns messages received since the cutoff, oldest first.
	ListInbound(ctx context.Context, since time.Time) ([]Inbound, error)
	// ListSent returns messages in the sent folder since the cutoff, oldest
	// first. Used to spot mail a human sent from the monitored mailbox.
	ListSent(ctx context.Context, since time.Time) ([]Inbound, error)
	// Reply sends a threaded reply to the given provider message.
	Reply(ctx context.Context, providerID, body string) (*Sent, error)
	// ReplyToMessageID sends a threaded reply to the message carrying the
	// given RFC 5322 Message-ID. Used when only the stored id is known, as
	// for follow-ups on the thread's last outbound message.
	ReplyToMessageID(ctx context.Context, messageID, body string) (*Sent, error)
	// Send sends a fresh message (initial outreach).
	Send(ctx context.Context, to, subject, body string) (*Sent, error)
}
