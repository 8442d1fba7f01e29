package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// LastScanAt returns the end of the owner's previous inbox scan, or
// ErrNotFound before the first run.
func (q queries) LastScanAt(ctx context.Context, ownerID string) (time.Time, error) {
	var at time.Time
	err := sqlx.GetContext(ctx, q.ext, &at,
		`SELECT last_scan_at FROM sync_state WHERE owner_id = $1`, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get sync state: %w", err)
	}
	return at, nil
}

// SetLastScanAt records the end of a completed inbox scan.
func (q queries) SetLastScanAt(ctx context.Context, ownerID string, at time.Time) error {
	_, err := q.ext.ExecContext(ctx, `
		INSERT INTO sync_state (owner_id, last_scan_at)
		VALUES ($1, $2)
		ON CONFLICT (owner_id) DO UPDATE SET last_scan_at = EXCLUDED.last_scan_at
	`, ownerID, at)
	if err != nil {
		return fmt.Errorf("failed to set sync state: %w", err)
	}
	return nil
}
