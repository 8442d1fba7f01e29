// Package match correlates inbound emails to existing conversation threads.
// Matching is exact and deterministic: header identifiers are normalized and
// looked up against the correlation indexes, never fuzzily compared.
package match

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"outreach/internal/store"
)

// ErrUnmatched is returned when no identifier on the message resolves to a
// known thread. Unmatched mail is not an error condition for the run; the
// engine records it and moves on.
var ErrUnmatched = errors.New("match: message does not correlate to any thread")

// Index is the lookup surface the matcher needs, satisfied by both
// *store.Store and *store.Tx.
type Index interface {
	LookupThreadByMessageID(ctx context.Context, messageID string) (string, error)
	LookupThreadByConversation(ctx context.Context, conversationID string) (string, error)
}

// Candidate carries the header identifiers extracted from one inbound email.
type Candidate struct {
	InReplyTo      string
	References     string // raw References header, whitespace-separated ids
	ConversationID string // provider conversation id, may be empty
}

// Engine resolves candidates against a correlation index.
type Engine struct {
	index Index
}

// NewEngine builds a matcher over the given index.
func NewEngine(index Index) *Engine {
	return &Engine{index: index}
}

// Resolve returns the thread the message belongs to. Identifiers are tried
// in strict precedence: In-Reply-To first, then each References id from
// newest to oldest, then the conversation id. The first hit wins; later
// identifiers are not consulted even if they would disagree.
func (e *Engine) Resolve(ctx context.Context, c Candidate) (string, error) {
	if id := NormalizeMessageID(c.InReplyTo); id != "" {
		threadID, err := e.index.LookupThreadByMessageID(ctx, id)
		if err == nil {
			return threadID, nil
		}
		if !isNotFound(err) {
			return "", fmt.Errorf("in-reply-to lookup: %w", err)
		}
	}

	for _, id := range ParseReferences(c.References) {
		threadID, err := e.index.LookupThreadByMessageID(ctx, id)
		if err == nil {
			return threadID, nil
		}
		if !isNotFound(err) {
			return "", fmt.Errorf("references lookup: %w", err)
		}
	}

	if c.ConversationID != "" {
		threadID, err := e.index.LookupThreadByConversation(ctx, c.ConversationID)
		if err == nil {
			return threadID, nil
		}
		if !isNotFound(err) {
			return "", fmt.Errorf("conversation lookup: %w", err)
		}
	}

	return "", ErrUnmatched
}

// NormalizeMessageID canonicalizes a Message-ID header value: NFC Unicode
// normalization, surrounding whitespace and angle brackets stripped,
// lowercased. Two ids that normalize equal are the same message.
func NormalizeMessageID(id string) string {
	id = norm.NFC.String(strings.TrimSpace(id))
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.ToLower(strings.TrimSpace(id))
}

// ParseReferences splits a References header into normalized ids, newest
// first. RFC 5322 orders References oldest-to-newest, so the list is
// reversed before return.
func ParseReferences(header string) []string {
	fields := strings.Fields(header)
	ids := make([]string, 0, len(fields))
	for i := len(fields) - 1; i >= 0; i-- {
		if id := NormalizeMessageID(fields[i]); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// autoReplySubjects are subject prefixes that mark machine-generated mail.
var autoReplySubjects = []string{
	"automatic reply",
	"auto-reply",
	"autoreply",
	"out of office",
	"out of the office",
	"delivery status notification",
	"undeliverable",
	"mail delivery failed",
}

// IsAutoReply reports whether the message looks machine-generated.
// Auto-replies are stored for the audit trail but never sent to the oracle
// and never produce a reply, so an auto-responder loop cannot form.
func IsAutoReply(subject string, headers map[string]string) bool {
	if v := headerValue(headers, "Auto-Submitted"); v != "" && !strings.EqualFold(v, "no") {
		return true
	}
	if headerValue(headers, "X-Autoreply") != "" || headerValue(headers, "X-Autorespond") != "" {
		return true
	}
	if strings.EqualFold(headerValue(headers, "Precedence"), "auto_reply") {
		return true
	}
	lower := strings.ToLower(subject)
	for _, prefix := range autoReplySubjects {
		if strings.Contains(lower, prefix) {
			return true
		}
	}
	return false
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
