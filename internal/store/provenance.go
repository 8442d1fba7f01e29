package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"outreach/internal/models"
)

// RecordProvenance remembers the value the engine just wrote to a record
// field, replacing any earlier entry for the same (anchor, field).
func (q queries) RecordProvenance(ctx context.Context, recordAnchor, field, value string) error {
	_, err := q.ext.ExecContext(ctx, `
		INSERT INTO field_provenance (record_anchor, field, last_value, written_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (record_anchor, field)
		DO UPDATE SET last_value = EXCLUDED.last_value, written_at = NOW()
	`, recordAnchor, field, value)
	if err != nil {
		return fmt.Errorf("failed to record provenance: %w", err)
	}
	return nil
}

// GetProvenance returns the last value the engine wrote to a field, or
// ErrNotFound when the engine never wrote it.
func (q queries) GetProvenance(ctx context.Context, recordAnchor, field string) (*models.FieldProvenance, error) {
	var p models.FieldProvenance
	err := sqlx.GetContext(ctx, q.ext, &p, `
		SELECT * FROM field_provenance WHERE record_anchor = $1 AND field = $2
	`, recordAnchor, field)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provenance: %w", err)
	}
	return &p, nil
}
