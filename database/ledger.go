package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/alloq-io/alloq/internal/apierror"
	"github.com/alloq-io/alloq/model"
)

const recordColumns = `record_id, case_id, sequence_number, action, status, prev_agency_id, prev_agent_id, new_agency_id, new_agent_id, rule_id, actor, batch_id, error_code, error_detail, created_at, meta_data`

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// insertRecord appends one record to the ledger, assigning the next
// sequence number for the case inside the insert itself. Callers hold the
// case lock, so the MAX+1 subquery cannot race with another writer for the
// same case.
func insertRecord(ctx context.Context, q rowQuerier, rec *model.AllocationRecord) (*model.AllocationRecord, error) {
	metaDataJSON, err := json.Marshal(rec.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to marshal metadata", err)
	}

	row := q.QueryRowContext(ctx,
		`INSERT INTO allocation_records (record_id, case_id, sequence_number, action, status, prev_agency_id, prev_agent_id, new_agency_id, new_agent_id, rule_id, actor, batch_id, error_code, error_detail, created_at, meta_data)
		 VALUES ($1, $2, (SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM allocation_records WHERE case_id = $2), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 RETURNING sequence_number`,
		rec.RecordID, rec.CaseID, rec.Action, rec.Status, rec.PrevAgencyID, rec.PrevAgentID, rec.NewAgencyID, rec.NewAgentID, rec.RuleID, rec.Actor, rec.BatchID, rec.ErrorCode, rec.ErrorDetail, rec.CreatedAt, metaDataJSON,
	)

	if err := row.Scan(&rec.SequenceNumber); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to record allocation", err)
	}

	return rec, nil
}

// RecordAllocation appends one record with no capacity movement. Used for
// FAILED attempts and other writes that never touch the counters.
func (d Datasource) RecordAllocation(ctx context.Context, rec *model.AllocationRecord) (*model.AllocationRecord, error) {
	return insertRecord(ctx, d.Conn, rec)
}

// CommitAllocation moves capacity and appends the ledger record in a single
// transaction. Either both land or neither does, so a failed append can
// never strand an incremented counter. A hard-capped reserve target rolls
// everything back with CapacityExhausted.
func (d Datasource) CommitAllocation(ctx context.Context, rec *model.AllocationRecord, releases []string, reserves []string) (*model.AllocationRecord, error) {
	tx, err := d.Conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelDefault})
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to begin transaction", err)
	}

	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	if err := transferCapacityTx(ctx, tx, releases, reserves); err != nil {
		return nil, err
	}

	if _, err := insertRecord(ctx, tx, rec); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to commit allocation", err)
	}
	return rec, nil
}

func (d Datasource) GetAllocationRecord(ctx context.Context, recordID string) (*model.AllocationRecord, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM allocation_records
		WHERE record_id = $1
	`, recordID)

	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Allocation record with ID '%s' not found", recordID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to retrieve allocation record", err)
	}
	return rec, nil
}

func (d Datasource) GetCaseHistory(ctx context.Context, caseID string) ([]model.AllocationRecord, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM allocation_records
		WHERE case_id = $1
		ORDER BY sequence_number ASC
	`, caseID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to retrieve case history", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetLastAppliedRecord returns the latest non-failed record for a case, the
// single row that decides current ownership. A nil record with no error
// means the case has never been through the engine.
func (d Datasource) GetLastAppliedRecord(ctx context.Context, caseID string) (*model.AllocationRecord, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM allocation_records
		WHERE case_id = $1 AND status = 'APPLIED'
		ORDER BY sequence_number DESC
		LIMIT 1
	`, caseID)

	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to retrieve last applied record", err)
	}
	return rec, nil
}

// GetActiveCasesForOwner lists the cases whose current owner is ownerID,
// derived per case from the latest applied record only.
func (d Datasource) GetActiveCasesForOwner(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT case_id FROM (
			SELECT DISTINCT ON (case_id) case_id, action, new_agency_id, new_agent_id
			FROM allocation_records
			WHERE status = 'APPLIED'
			ORDER BY case_id, sequence_number DESC
		) latest
		WHERE action NOT IN ('DEALLOCATED', 'AGENCY_DEALLOCATED')
		  AND (new_agency_id = $1 OR new_agent_id = $1)
		ORDER BY case_id ASC
	`, ownerID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to list active cases for owner", err)
	}
	defer rows.Close()

	var caseIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to scan case id", err)
		}
		caseIDs = append(caseIDs, id)
	}
	return caseIDs, rows.Err()
}

// GetActiveCasesNotUnderRule lists allocated cases whose latest applied
// record was not written under ruleID. A rule sweep uses this to pull in
// cases currently held under an older or different rule.
func (d Datasource) GetActiveCasesNotUnderRule(ctx context.Context, ruleID string) ([]string, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT case_id FROM (
			SELECT DISTINCT ON (case_id) case_id, action, rule_id
			FROM allocation_records
			WHERE status = 'APPLIED'
			ORDER BY case_id, sequence_number DESC
		) latest
		WHERE action NOT IN ('DEALLOCATED', 'AGENCY_DEALLOCATED')
		  AND COALESCE(rule_id, '') <> $1
		ORDER BY case_id ASC
	`, ruleID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to list active cases outside rule", err)
	}
	defer rows.Close()

	var caseIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to scan case id", err)
		}
		caseIDs = append(caseIDs, id)
	}
	return caseIDs, rows.Err()
}

func (d Datasource) GetRecordsByBatchID(ctx context.Context, batchID string) ([]model.AllocationRecord, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM allocation_records
		WHERE batch_id = $1
		ORDER BY created_at ASC, case_id ASC
	`, batchID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to retrieve batch records", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetAllRecords pages through the ledger in creation order. Used by counter
// replay and reconciliation, where ordering is part of the contract.
func (d Datasource) GetAllRecords(ctx context.Context, limit, offset int) ([]model.AllocationRecord, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM allocation_records
		ORDER BY created_at ASC, case_id ASC, sequence_number ASC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to retrieve allocation records", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*model.AllocationRecord, error) {
	rec := &model.AllocationRecord{}
	var prevAgency, prevAgent, newAgency, newAgent, ruleID, actor, batchID, errorCode, errorDetail sql.NullString
	var metaDataJSON []byte

	err := row.Scan(&rec.RecordID, &rec.CaseID, &rec.SequenceNumber, &rec.Action, &rec.Status,
		&prevAgency, &prevAgent, &newAgency, &newAgent, &ruleID, &actor, &batchID,
		&errorCode, &errorDetail, &rec.CreatedAt, &metaDataJSON)
	if err != nil {
		return nil, err
	}

	rec.PrevAgencyID = prevAgency.String
	rec.PrevAgentID = prevAgent.String
	rec.NewAgencyID = newAgency.String
	rec.NewAgentID = newAgent.String
	rec.RuleID = ruleID.String
	rec.Actor = actor.String
	rec.BatchID = batchID.String
	rec.ErrorCode = errorCode.String
	rec.ErrorDetail = errorDetail.String

	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &rec.MetaData); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]model.AllocationRecord, error) {
	var records []model.AllocationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to scan allocation record", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}
