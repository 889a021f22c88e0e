package database

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/alloq-io/alloq/internal/apierror"
	"github.com/alloq-io/alloq/model"
)

// SaveBatchResult persists the outcome report of a batch run. Selector and
// failed cases are stored as JSONB so the report round-trips without a
// schema change when the selector shape grows.
func (d Datasource) SaveBatchResult(ctx context.Context, result *model.BatchResult) error {
	selectorJSON, err := json.Marshal(result.Selector)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrValidation, "Failed to marshal batch selector", err)
	}
	failedJSON, err := json.Marshal(result.FailedCases)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrValidation, "Failed to marshal failed cases", err)
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO batch_results (
			batch_id, selector, trigger_kind, total_cases, allocated, reallocated,
			deallocated, failed, not_attempted, failed_cases, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (batch_id)
		DO UPDATE SET
			total_cases = EXCLUDED.total_cases,
			allocated = EXCLUDED.allocated,
			reallocated = EXCLUDED.reallocated,
			deallocated = EXCLUDED.deallocated,
			failed = EXCLUDED.failed,
			not_attempted = EXCLUDED.not_attempted,
			failed_cases = EXCLUDED.failed_cases,
			completed_at = EXCLUDED.completed_at
	`, result.BatchID, selectorJSON, result.Trigger, result.TotalCases, result.Allocated,
		result.Reallocated, result.Deallocated, result.Failed, result.NotAttempted,
		failedJSON, result.StartedAt, result.CompletedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrSystem, "Failed to save batch result", err)
	}
	return nil
}

// GetBatchResult fetches a batch report by id.
func (d Datasource) GetBatchResult(ctx context.Context, batchID string) (*model.BatchResult, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT batch_id, selector, trigger_kind, total_cases, allocated, reallocated,
			deallocated, failed, not_attempted, failed_cases, started_at, completed_at
		FROM batch_results WHERE batch_id = $1
	`, batchID)

	result := &model.BatchResult{}
	var selectorJSON, failedJSON []byte
	err := row.Scan(&result.BatchID, &selectorJSON, &result.Trigger, &result.TotalCases,
		&result.Allocated, &result.Reallocated, &result.Deallocated, &result.Failed,
		&result.NotAttempted, &failedJSON, &result.StartedAt, &result.CompletedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Batch result not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to retrieve batch result", err)
	}

	if err := json.Unmarshal(selectorJSON, &result.Selector); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrDataIntegrity, "Corrupt batch selector payload", err)
	}
	if len(failedJSON) > 0 {
		if err := json.Unmarshal(failedJSON, &result.FailedCases); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrDataIntegrity, "Corrupt failed cases payload", err)
		}
	}
	return result, nil
}
