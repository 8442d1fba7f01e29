package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"outreach/internal/models"
)

// AppendMessage stores a message in its thread. Messages are append-only;
// inserting an already-stored message id is an error (the dedup check
// HasMessage runs first, inside the same transaction).
func (q queries) AppendMessage(ctx context.Context, m *models.Message) error {
	_, err := q.ext.ExecContext(ctx, `
		INSERT INTO messages (message_id, thread_id, direction, in_reply_to,
			references_header, conversation_id, from_addr, subject, body, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, m.MessageID, m.ThreadID, m.Direction, m.InReplyTo,
		m.ReferencesHeader, m.ConversationID, m.FromAddr, m.Subject, m.Body, m.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// HasMessage reports whether a message id is already stored. Duplicate
// delivery is the expected steady state of at-least-once polling, so a true
// result means "silently skip", not "error".
func (q queries) HasMessage(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, q.ext, &exists,
		`SELECT EXISTS(SELECT 1 FROM messages WHERE message_id = $1)`, messageID)
	if err != nil {
		return false, fmt.Errorf("failed to check message existence: %w", err)
	}
	return exists, nil
}

// ThreadMessages returns all messages of a thread in ascending received
// order, the order decisions must be applied in.
func (q queries) ThreadMessages(ctx context.Context, threadID string) ([]models.Message, error) {
	msgs := []models.Message{}
	err := sqlx.SelectContext(ctx, q.ext, &msgs, `
		SELECT * FROM messages WHERE thread_id = $1 ORDER BY received_at ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread messages: %w", err)
	}
	return msgs, nil
}

// LastOutboundMessage returns the most recent outbound message of a thread,
// used as the reply target for follow-ups.
func (q queries) LastOutboundMessage(ctx context.Context, threadID string) (*models.Message, error) {
	var m models.Message
	err := sqlx.GetContext(ctx, q.ext, &m, `
		SELECT * FROM messages
		WHERE thread_id = $1 AND direction = 'outbound'
		ORDER BY received_at DESC LIMIT 1
	`, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last outbound message: %w", err)
	}
	return &m, nil
}

// IndexMessageID records a message-id → thread mapping. Idempotent.
func (q queries) IndexMessageID(ctx context.Context, messageID, threadID string) error {
	if messageID == "" {
		return nil
	}
	_, err := q.ext.ExecContext(ctx, `
		INSERT INTO message_index (message_id, thread_id)
		VALUES ($1, $2)
		ON CONFLICT (message_id) DO NOTHING
	`, messageID, threadID)
	if err != nil {
		return fmt.Errorf("failed to index message id: %w", err)
	}
	return nil
}

// LookupThreadByMessageID resolves a message id to its thread.
func (q queries) LookupThreadByMessageID(ctx context.Context, messageID string) (string, error) {
	var threadID string
	err := sqlx.GetContext(ctx, q.ext, &threadID,
		`SELECT thread_id FROM message_index WHERE message_id = $1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to lookup message id: %w", err)
	}
	return threadID, nil
}

// IndexConversation records a conversation-id → thread mapping. Idempotent.
func (q queries) IndexConversation(ctx context.Context, conversationID, threadID string) error {
	if conversationID == "" {
		return nil
	}
	_, err := q.ext.ExecContext(ctx, `
		INSERT INTO conversation_index (conversation_id, thread_id)
		VALUES ($1, $2)
		ON CONFLICT (conversation_id, thread_id) DO NOTHING
	`, conversationID, threadID)
	if err != nil {
		return fmt.Errorf("failed to index conversation id: %w", err)
	}
	return nil
}

// LookupThreadByConversation resolves a conversation id to a thread. A
// conversation id may have pointed at several threads over time; the most
// recently created ACTIVE-or-PAUSED thread wins, falling back to the most
// recent thread of any state.
func (q queries) LookupThreadByConversation(ctx context.Context, conversationID string) (string, error) {
	var threadID string
	err := sqlx.GetContext(ctx, q.ext, &threadID, `
		SELECT ci.thread_id FROM conversation_index ci
		JOIN threads t ON t.thread_id = ci.thread_id
		WHERE ci.conversation_id = $1
		ORDER BY (t.state IN ('ACTIVE', 'PAUSED')) DESC, t.created_at DESC
		LIMIT 1
	`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to lookup conversation id: %w", err)
	}
	return threadID, nil
}
