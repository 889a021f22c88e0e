package database

import (
	"context"
	"database/sql"

	"github.com/alloq-io/alloq/internal/apierror"
)

// GetRotationCursor returns a rule's round-robin position. A rule that has
// never allocated starts at 0.
func (d Datasource) GetRotationCursor(ctx context.Context, ruleID string) (int64, error) {
	var position int64
	err := d.Conn.QueryRowContext(ctx, `
		SELECT position FROM rotation_cursors WHERE rule_id = $1
	`, ruleID).Scan(&position)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, apierror.NewAPIError(apierror.ErrSystem, "Failed to retrieve rotation cursor", err)
	}
	return position, nil
}

// AdvanceRotationCursor persists the cursor after a successful allocation.
// Skipped or failed attempts never call this, which is what keeps the
// rotation fair: the cursor only moves when an owner actually received a
// case.
func (d Datasource) AdvanceRotationCursor(ctx context.Context, ruleID string, position int64) error {
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO rotation_cursors (rule_id, position, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (rule_id)
		DO UPDATE SET position = EXCLUDED.position, updated_at = NOW()
	`, ruleID, position)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrSystem, "Failed to advance rotation cursor", err)
	}
	return nil
}
