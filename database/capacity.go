package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/alloq-io/alloq/internal/apierror"
	"github.com/alloq-io/alloq/model"

	"github.com/lib/pq"
)

func (d Datasource) GetCapacityCounter(ctx context.Context, ownerID string) (*model.CapacityCounter, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT owner_id, owner_type, current_load, max_capacity, policy, overflowed, version, updated_at
		FROM capacity_counters
		WHERE owner_id = $1
	`, ownerID)

	counter := &model.CapacityCounter{}
	err := row.Scan(&counter.OwnerID, &counter.OwnerType, &counter.Current, &counter.Max, &counter.Policy, &counter.Overflowed, &counter.Version, &counter.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Capacity counter for owner '%s' not found", ownerID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to retrieve capacity counter", err)
	}
	return counter, nil
}

// EnsureCapacityCounter creates the counter row for a new owner. Existing
// rows keep their load; only max and policy are refreshed from the
// directory's view of the owner.
func (d Datasource) EnsureCapacityCounter(ctx context.Context, counter *model.CapacityCounter) error {
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO capacity_counters (owner_id, owner_type, current_load, max_capacity, policy, updated_at)
		VALUES ($1, $2, 0, $3, $4, NOW())
		ON CONFLICT (owner_id)
		DO UPDATE SET max_capacity = EXCLUDED.max_capacity, policy = EXCLUDED.policy, updated_at = NOW()
	`, counter.OwnerID, counter.OwnerType, counter.Max, counter.Policy)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrSystem, "Failed to ensure capacity counter", err)
	}
	return nil
}

func (d Datasource) GetCapacityCounters(ctx context.Context, ownerIDs []string) ([]model.CapacityCounter, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT owner_id, owner_type, current_load, max_capacity, policy, overflowed, version, updated_at
		FROM capacity_counters
		WHERE owner_id = ANY($1)
		ORDER BY owner_id ASC
	`, pq.Array(ownerIDs))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to retrieve capacity counters", err)
	}
	defer rows.Close()

	var counters []model.CapacityCounter
	for rows.Next() {
		var c model.CapacityCounter
		if err := rows.Scan(&c.OwnerID, &c.OwnerType, &c.Current, &c.Max, &c.Policy, &c.Overflowed, &c.Version, &c.UpdatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to scan capacity counter", err)
		}
		counters = append(counters, c)
	}
	return counters, rows.Err()
}

// TryReserveCapacity bumps an owner's load by delta. Under the hard policy
// the update predicate refuses to push current past max, so "full" comes
// back as zero affected rows and no mutation. The soft policy always
// succeeds and flags overflow instead. The single guarded UPDATE is the
// atomicity boundary: concurrent reservations for the same owner serialize
// on the row, never read-modify-write.
func (d Datasource) TryReserveCapacity(ctx context.Context, ownerID string, delta int64) (bool, error) {
	res, err := d.Conn.ExecContext(ctx, `
		UPDATE capacity_counters
		SET current_load = current_load + $2,
		    overflowed = (policy = 'soft' AND current_load + $2 > max_capacity),
		    version = version + 1,
		    updated_at = NOW()
		WHERE owner_id = $1
		  AND (policy = 'soft' OR current_load + $2 <= max_capacity)
	`, ownerID, delta)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrSystem, "Failed to reserve capacity", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrSystem, "Failed to read reservation result", err)
	}
	return affected > 0, nil
}

func (d Datasource) ReleaseCapacity(ctx context.Context, ownerID string, delta int64) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE capacity_counters
		SET current_load = GREATEST(current_load - $2, 0),
		    overflowed = (policy = 'soft' AND current_load - $2 > max_capacity),
		    version = version + 1,
		    updated_at = NOW()
		WHERE owner_id = $1
	`, ownerID, delta)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrSystem, "Failed to release capacity", err)
	}
	return nil
}

// transferCapacityTx moves one unit of load off every owner in releases and
// onto every owner in reserves inside the caller's transaction, so the
// ledger append sharing that transaction never observes a half-applied
// counter move. A hard-capped reserve target that is already full aborts
// the whole transfer with CapacityExhausted.
func transferCapacityTx(ctx context.Context, tx *sql.Tx, releases []string, reserves []string) error {
	for _, ownerID := range releases {
		if ownerID == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE capacity_counters
			SET current_load = GREATEST(current_load - 1, 0), version = version + 1, updated_at = NOW()
			WHERE owner_id = $1
		`, ownerID); err != nil {
			return apierror.NewAPIError(apierror.ErrSystem, "Failed to release capacity in transfer", err)
		}
	}

	for _, ownerID := range reserves {
		if ownerID == "" {
			continue
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE capacity_counters
			SET current_load = current_load + 1,
			    overflowed = (policy = 'soft' AND current_load + 1 > max_capacity),
			    version = version + 1,
			    updated_at = NOW()
			WHERE owner_id = $1
			  AND (policy = 'soft' OR current_load + 1 <= max_capacity)
		`, ownerID)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrSystem, "Failed to reserve capacity in transfer", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return apierror.NewAPIError(apierror.ErrSystem, "Failed to read transfer result", err)
		}
		if affected == 0 {
			return apierror.NewBusinessError(apierror.ReasonCapacityExhausted, fmt.Sprintf("owner %s is at hard capacity", ownerID))
		}
	}
	return nil
}

// ResetCapacityCounters overwrites every counter's load after a ledger
// replay. Counters absent from the replay result are zeroed.
func (d Datasource) ResetCapacityCounters(ctx context.Context, counters map[string]int64) error {
	tx, err := d.Conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelDefault})
	if err != nil {
		return apierror.NewAPIError(apierror.ErrSystem, "Failed to begin transaction", err)
	}

	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	if _, err := tx.ExecContext(ctx, `
		UPDATE capacity_counters SET current_load = 0, version = version + 1, updated_at = NOW()
	`); err != nil {
		return apierror.NewAPIError(apierror.ErrSystem, "Failed to zero capacity counters", err)
	}

	for ownerID, load := range counters {
		if _, err := tx.ExecContext(ctx, `
			UPDATE capacity_counters SET current_load = $2, version = version + 1, updated_at = NOW()
			WHERE owner_id = $1
		`, ownerID, load); err != nil {
			return apierror.NewAPIError(apierror.ErrSystem, "Failed to reset capacity counter", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrSystem, "Failed to commit counter reset", err)
	}
	return nil
}
