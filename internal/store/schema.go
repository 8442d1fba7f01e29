package store

import (
	"context"
	"fmt"
)

// schema is applied at startup. Statements are idempotent; PostgreSQL
// dialect (the production driver).
var schema = []string{
	`CREATE TABLE IF NOT EXISTS threads (
		thread_id VARCHAR(36) PRIMARY KEY,
		owner_id VARCHAR(64) NOT NULL,
		contact_email VARCHAR(255) NOT NULL,
		contact_name VARCHAR(255) NOT NULL DEFAULT '',
		record_anchor TEXT NOT NULL,
		state VARCHAR(16) NOT NULL DEFAULT 'ACTIVE',
		paused_reason VARCHAR(64),
		followups_sent INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_inbound_at TIMESTAMPTZ,
		last_outbound_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_threads_owner_state ON threads(owner_id, state)`,
	`CREATE INDEX IF NOT EXISTS idx_threads_contact ON threads(owner_id, contact_email, record_anchor)`,

	// Messages are append-only. message_id is the provider-assigned id,
	// globally unique per mailbox.
	`CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		thread_id VARCHAR(36) NOT NULL REFERENCES threads(thread_id),
		direction VARCHAR(10) NOT NULL,
		in_reply_to TEXT,
		references_header TEXT NOT NULL DEFAULT '',
		conversation_id TEXT NOT NULL DEFAULT '',
		from_addr VARCHAR(255) NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		received_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, received_at)`,

	`CREATE TABLE IF NOT EXISTS message_index (
		message_id TEXT PRIMARY KEY,
		thread_id VARCHAR(36) NOT NULL REFERENCES threads(thread_id)
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_index (
		conversation_id TEXT NOT NULL,
		thread_id VARCHAR(36) NOT NULL REFERENCES threads(thread_id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (conversation_id, thread_id)
	)`,

	`CREATE TABLE IF NOT EXISTS field_provenance (
		record_anchor TEXT NOT NULL,
		field VARCHAR(128) NOT NULL,
		last_value TEXT NOT NULL,
		written_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (record_anchor, field)
	)`,

	`CREATE TABLE IF NOT EXISTS notifications (
		id VARCHAR(36) PRIMARY KEY,
		owner_id VARCHAR(64) NOT NULL,
		kind VARCHAR(64) NOT NULL,
		priority VARCHAR(16) NOT NULL,
		contact_email VARCHAR(255) NOT NULL DEFAULT '',
		thread_id VARCHAR(36) NOT NULL DEFAULT '',
		record_anchor TEXT NOT NULL DEFAULT '',
		meta JSONB NOT NULL DEFAULT '{}',
		dedupe_key TEXT UNIQUE,
		read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_owner ON notifications(owner_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS opt_outs (
		owner_id VARCHAR(64) NOT NULL,
		contact_email VARCHAR(255) NOT NULL,
		subreason VARCHAR(64) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (owner_id, contact_email)
	)`,

	`CREATE TABLE IF NOT EXISTS sync_state (
		owner_id VARCHAR(64) PRIMARY KEY,
		last_scan_at TIMESTAMPTZ NOT NULL
	)`,
}

// Init creates the tables if they don't exist.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
