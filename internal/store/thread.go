package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"outreach/internal/models"
)

// CreateThread inserts a new thread, enforcing the invariant that at most
// one ACTIVE or PAUSED thread exists per (owner, contact, record anchor).
// A missing ThreadID is filled with a fresh UUID.
func (q queries) CreateThread(ctx context.Context, t *models.Thread) error {
	existing, err := q.ActiveThreadFor(ctx, t.OwnerID, t.ContactEmail, t.RecordAnchor)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: thread %s", ErrThreadExists, existing.ThreadID)
	}

	if t.ThreadID == "" {
		t.ThreadID = uuid.New().String()
	}
	if t.State == "" {
		t.State = models.StateActive
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err = q.ext.ExecContext(ctx, `
		INSERT INTO threads (thread_id, owner_id, contact_email, contact_name, record_anchor,
			state, paused_reason, followups_sent, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.ThreadID, t.OwnerID, t.ContactEmail, t.ContactName, t.RecordAnchor,
		t.State, t.PausedReason, t.FollowupsSent, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}
	return nil
}

// GetThread loads a thread by id.
func (q queries) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	var t models.Thread
	err := sqlx.GetContext(ctx, q.ext, &t,
		`SELECT * FROM threads WHERE thread_id = $1`, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return &t, nil
}

// ActiveThreadFor returns the ACTIVE or PAUSED thread for the triple, or
// ErrNotFound. Historical (terminal) threads are ignored.
func (q queries) ActiveThreadFor(ctx context.Context, ownerID, contactEmail, recordAnchor string) (*models.Thread, error) {
	var t models.Thread
	err := sqlx.GetContext(ctx, q.ext, &t, `
		SELECT * FROM threads
		WHERE owner_id = $1 AND contact_email = $2 AND record_anchor = $3
		  AND state IN ('ACTIVE', 'PAUSED')
		ORDER BY created_at DESC
		LIMIT 1
	`, ownerID, contactEmail, recordAnchor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active thread: %w", err)
	}
	return &t, nil
}

// UpdateThreadState transitions a thread. pausedReason is cleared unless
// the new state is PAUSED.
func (q queries) UpdateThreadState(ctx context.Context, threadID string, state models.ThreadState, pausedReason *string) error {
	if state != models.StatePaused {
		pausedReason = nil
	}
	res, err := q.ext.ExecContext(ctx, `
		UPDATE threads SET state = $1, paused_reason = $2, updated_at = NOW()
		WHERE thread_id = $3
	`, state, pausedReason, threadID)
	if err != nil {
		return fmt.Errorf("failed to update thread state: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchInbound bumps the last-inbound timestamp.
func (q queries) TouchInbound(ctx context.Context, threadID string, at time.Time) error {
	_, err := q.ext.ExecContext(ctx,
		`UPDATE threads SET last_inbound_at = $1, updated_at = NOW() WHERE thread_id = $2`,
		at, threadID)
	if err != nil {
		return fmt.Errorf("failed to touch inbound: %w", err)
	}
	return nil
}

// TouchOutbound bumps the last-outbound timestamp.
func (q queries) TouchOutbound(ctx context.Context, threadID string, at time.Time) error {
	_, err := q.ext.ExecContext(ctx,
		`UPDATE threads SET last_outbound_at = $1, updated_at = NOW() WHERE thread_id = $2`,
		at, threadID)
	if err != nil {
		return fmt.Errorf("failed to touch outbound: %w", err)
	}
	return nil
}

// IncrementFollowups adds one to the follow-up counter.
func (q queries) IncrementFollowups(ctx context.Context, threadID string) error {
	_, err := q.ext.ExecContext(ctx,
		`UPDATE threads SET followups_sent = followups_sent + 1, updated_at = NOW() WHERE thread_id = $1`,
		threadID)
	if err != nil {
		return fmt.Errorf("failed to increment followups: %w", err)
	}
	return nil
}

// ListThreads returns an owner's threads, newest first.
func (q queries) ListThreads(ctx context.Context, ownerID string, limit, offset int) ([]models.Thread, error) {
	threads := []models.Thread{}
	err := sqlx.SelectContext(ctx, q.ext, &threads, `
		SELECT * FROM threads WHERE owner_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	return threads, nil
}

// FollowUpCandidates returns ACTIVE threads that have an outbound message,
// still owe follow-ups, and have no inbound reply newer than the last
// outbound. The scheduler applies the per-tier wait on top of this.
func (q queries) FollowUpCandidates(ctx context.Context, ownerID string, maxTiers int) ([]models.Thread, error) {
	threads := []models.Thread{}
	err := sqlx.SelectContext(ctx, q.ext, &threads, `
		SELECT * FROM threads
		WHERE owner_id = $1
		  AND state = 'ACTIVE'
		  AND followups_sent < $2
		  AND last_outbound_at IS NOT NULL
		  AND (last_inbound_at IS NULL OR last_inbound_at < last_outbound_at)
		ORDER BY last_outbound_at ASC
	`, ownerID, maxTiers)
	if err != nil {
		return nil, fmt.Errorf("failed to query follow-up candidates: %w", err)
	}
	return threads, nil
}
