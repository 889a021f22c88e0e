package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/alloq-io/alloq/internal/apierror"
	"github.com/alloq-io/alloq/model"
)

const ruleColumns = `rule_id, version, name, priority, predicate, policy, target_agency_id, target_agent_id, active_from, active_to, created_at`

// PublishRule inserts a new rule version and closes the prior version's
// validity window in the same transaction. There is no moment where zero or
// two versions of the same logical rule are active.
func (d Datasource) PublishRule(ctx context.Context, r *model.AllocationRule) (*model.AllocationRule, error) {
	predicateJSON, err := json.Marshal(r.Predicate)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to marshal rule predicate", err)
	}

	tx, err := d.Conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelDefault})
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to begin transaction", err)
	}

	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	now := time.Now()
	if r.ActiveFrom.IsZero() {
		r.ActiveFrom = now
	}

	var currentVersion sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT MAX(version) FROM allocation_rules WHERE rule_id = $1
	`, r.RuleID).Scan(&currentVersion)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to read current rule version", err)
	}

	if currentVersion.Valid {
		if _, err := tx.ExecContext(ctx, `
			UPDATE allocation_rules SET active_to = $3
			WHERE rule_id = $1 AND version = $2 AND active_to IS NULL
		`, r.RuleID, currentVersion.Int64, r.ActiveFrom); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to close prior rule version", err)
		}
		r.Version = int(currentVersion.Int64) + 1
	} else {
		r.Version = 1
	}

	r.CreatedAt = now
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO allocation_rules (rule_id, version, name, priority, predicate, policy, target_agency_id, target_agent_id, active_from, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, r.RuleID, r.Version, r.Name, r.Priority, predicateJSON, r.Policy, r.TargetAgencyID, r.TargetAgentID, r.ActiveFrom, r.CreatedAt); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to insert rule version", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to commit rule publication", err)
	}

	return r, nil
}

// GetActiveRules returns every rule version whose validity window covers
// now, ordered for evaluation.
func (d Datasource) GetActiveRules(ctx context.Context) ([]model.AllocationRule, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM allocation_rules
		WHERE active_from <= NOW() AND (active_to IS NULL OR active_to > NOW())
		ORDER BY priority DESC, rule_id ASC
	`)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to retrieve active rules", err)
	}
	defer rows.Close()

	return scanRules(rows)
}

func (d Datasource) GetRuleVersions(ctx context.Context, ruleID string) ([]model.AllocationRule, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM allocation_rules
		WHERE rule_id = $1
		ORDER BY version DESC
	`, ruleID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to retrieve rule versions", err)
	}
	defer rows.Close()

	return scanRules(rows)
}

func scanRules(rows *sql.Rows) ([]model.AllocationRule, error) {
	var rules []model.AllocationRule
	for rows.Next() {
		var r model.AllocationRule
		var predicateJSON []byte
		var targetAgency, targetAgent sql.NullString
		var activeTo sql.NullTime

		err := rows.Scan(&r.RuleID, &r.Version, &r.Name, &r.Priority, &predicateJSON, &r.Policy,
			&targetAgency, &targetAgent, &r.ActiveFrom, &activeTo, &r.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to scan allocation rule", err)
		}

		if err := json.Unmarshal(predicateJSON, &r.Predicate); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrSystem, "Failed to unmarshal rule predicate", err)
		}
		r.TargetAgencyID = targetAgency.String
		r.TargetAgentID = targetAgent.String
		if activeTo.Valid {
			r.ActiveTo = activeTo.Time
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
