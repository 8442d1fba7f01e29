package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"outreach/internal/models"
)

// AddOptOut registers a contact on the owner's denylist. Adding an existing
// entry is a no-op; the original subreason is kept.
func (q queries) AddOptOut(ctx context.Context, ownerID, contactEmail, subreason string) error {
	_, err := q.ext.ExecContext(ctx, `
		INSERT INTO opt_outs (owner_id, contact_email, subreason)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, contact_email) DO NOTHING
	`, ownerID, normalizeEmail(contactEmail), subreason)
	if err != nil {
		return fmt.Errorf("failed to add opt-out: %w", err)
	}
	return nil
}

// IsOptedOut reports whether the contact is on the owner's denylist. Every
// send path must consult this before handing mail to the provider.
func (q queries) IsOptedOut(ctx context.Context, ownerID, contactEmail string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, q.ext, &exists, `
		SELECT EXISTS(SELECT 1 FROM opt_outs WHERE owner_id = $1 AND contact_email = $2)
	`, ownerID, normalizeEmail(contactEmail))
	if err != nil {
		return false, fmt.Errorf("failed to check opt-out: %w", err)
	}
	return exists, nil
}

// ListOptOuts returns the owner's denylist, newest first.
func (q queries) ListOptOuts(ctx context.Context, ownerID string) ([]models.OptOut, error) {
	out := []models.OptOut{}
	err := sqlx.SelectContext(ctx, q.ext, &out, `
		SELECT * FROM opt_outs WHERE owner_id = $1 ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list opt-outs: %w", err)
	}
	return out, nil
}

// RemoveOptOut deletes a denylist entry, for the rare manual correction.
func (q queries) RemoveOptOut(ctx context.Context, ownerID, contactEmail string) error {
	res, err := q.ext.ExecContext(ctx,
		`DELETE FROM opt_outs WHERE owner_id = $1 AND contact_email = $2`,
		ownerID, normalizeEmail(contactEmail))
	if err != nil {
		return fmt.Errorf("failed to remove opt-out: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func normalizeEmail(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
