package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"outreach/internal/models"
)

// InsertNotification stores a notification. When a dedupe key is set and a
// notification with the same key already exists, the insert is a silent
// no-op and ok is false.
func (q queries) InsertNotification(ctx context.Context, n *models.Notification) (ok bool, err error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	meta := n.Meta
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("failed to encode notification meta: %w", err)
	}

	res, err := q.ext.ExecContext(ctx, `
		INSERT INTO notifications (id, owner_id, kind, priority, contact_email,
			thread_id, record_anchor, meta, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, n.ID, n.OwnerID, n.Kind, n.Priority, n.ContactEmail,
		n.ThreadID, n.RecordAnchor, metaJSON, n.DedupeKey)
	if err != nil {
		return false, fmt.Errorf("failed to insert notification: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// ListNotifications returns an owner's notifications, newest first. When
// unreadOnly is set, read notifications are skipped.
func (q queries) ListNotifications(ctx context.Context, ownerID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	query := `
		SELECT * FROM notifications WHERE owner_id = $1
		ORDER BY created_at DESC LIMIT $2
	`
	if unreadOnly {
		query = `
			SELECT * FROM notifications WHERE owner_id = $1 AND read = FALSE
			ORDER BY created_at DESC LIMIT $2
		`
	}
	notes := []models.Notification{}
	if err := sqlx.SelectContext(ctx, q.ext, &notes, query, ownerID, limit); err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	for i := range notes {
		if len(notes[i].MetaJSON) > 0 {
			if err := json.Unmarshal(notes[i].MetaJSON, &notes[i].Meta); err != nil {
				return nil, fmt.Errorf("failed to decode notification meta: %w", err)
			}
		}
	}
	return notes, nil
}

// MarkNotificationRead marks a single notification read.
func (q queries) MarkNotificationRead(ctx context.Context, id string) error {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE notifications SET read = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UnsentActionNeeded returns unread action-needed notifications for the
// operator digest.
func (q queries) UnsentActionNeeded(ctx context.Context, ownerID string) ([]models.Notification, error) {
	notes := []models.Notification{}
	err := sqlx.SelectContext(ctx, q.ext, &notes, `
		SELECT * FROM notifications
		WHERE owner_id = $1 AND kind = $2 AND read = FALSE
		ORDER BY created_at ASC
	`, ownerID, models.KindActionNeeded)
	if err != nil {
		return nil, fmt.Errorf("failed to query action-needed notifications: %w", err)
	}
	for i := range notes {
		if len(notes[i].MetaJSON) > 0 {
			if err := json.Unmarshal(notes[i].MetaJSON, &notes[i].Meta); err != nil {
				return nil, fmt.Errorf("failed to decode notification meta: %w", err)
			}
		}
	}
	return notes, nil
}
