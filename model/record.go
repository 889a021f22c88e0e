package model

import (
	"encoding/json"
	"time"
)

// ActionKind is the closed set of actions the ledger records. The same set is
// shared by the allocator and the orchestrator; there is deliberately no
// second per-service enum.
type ActionKind string

const (
	ActionAllocated           ActionKind = "ALLOCATED"
	ActionReallocated         ActionKind = "REALLOCATED"
	ActionDeallocated         ActionKind = "DEALLOCATED"
	ActionBulkReallocation    ActionKind = "BULK_REALLOCATION"
	ActionAgentTransfer       ActionKind = "AGENT_TRANSFER"
	ActionRuleBasedAllocation ActionKind = "RULE_BASED_ALLOCATION"
	ActionAgencyAllocated     ActionKind = "AGENCY_ALLOCATED"
	ActionAgencyDeallocated   ActionKind = "AGENCY_DEALLOCATED"
	ActionAgentAssigned       ActionKind = "AGENT_ASSIGNED"
	ActionAgentReassigned     ActionKind = "AGENT_REASSIGNED"
	ActionAgentUnassigned     ActionKind = "AGENT_UNASSIGNED"
)

const (
	RecordStatusApplied = "APPLIED"
	RecordStatusFailed  = "FAILED"
)

// AllocationRecord is one immutable ledger entry. The ledger is append-only:
// records are never updated or deleted, and the latest applied record per
// case is the sole source of truth for current ownership.
type AllocationRecord struct {
	ID             int64                  `json:"-"`
	RecordID       string                 `json:"record_id"`
	CaseID         string                 `json:"case_id"`
	SequenceNumber int64                  `json:"sequence_number"`
	Action         ActionKind             `json:"action"`
	Status         string                 `json:"status"`
	PrevAgencyID   string                 `json:"prev_agency_id,omitempty"`
	PrevAgentID    string                 `json:"prev_agent_id,omitempty"`
	NewAgencyID    string                 `json:"new_agency_id,omitempty"`
	NewAgentID     string                 `json:"new_agent_id,omitempty"`
	RuleID         string                 `json:"rule_id,omitempty"`
	Actor          string                 `json:"actor"`
	BatchID        string                 `json:"batch_id,omitempty"`
	ErrorCode      string                 `json:"error_code,omitempty"`
	ErrorDetail    string                 `json:"error_detail,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	MetaData       map[string]interface{} `json:"meta_data,omitempty"`
}

func (r *AllocationRecord) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// Applied reports whether the record changed ownership state. Failed records
// stay in the ledger for audit but never contribute to current ownership or
// capacity.
func (r *AllocationRecord) Applied() bool {
	return r.Status == RecordStatusApplied
}

// Deallocating reports whether the action leaves the case without an owner.
func (a ActionKind) Deallocating() bool {
	return a == ActionDeallocated || a == ActionAgencyDeallocated
}

// StatusAfter maps an applied action to the case status it produces.
func (a ActionKind) StatusAfter() AllocationStatus {
	switch {
	case a.Deallocating():
		return StatusDeallocated
	case a == ActionAllocated || a == ActionAgencyAllocated || a == ActionRuleBasedAllocation:
		return StatusAllocated
	default:
		return StatusReallocated
	}
}

// CurrentOwner derives the active owner from a case history ordered by
// sequence number ascending. Readers must always derive ownership this way,
// never from capacity counters.
func CurrentOwner(history []AllocationRecord) (agencyID, agentID string, status AllocationStatus) {
	status = StatusPending
	for i := len(history) - 1; i >= 0; i-- {
		rec := &history[i]
		if !rec.Applied() {
			continue
		}
		if rec.Action.Deallocating() {
			return "", "", StatusDeallocated
		}
		return rec.NewAgencyID, rec.NewAgentID, rec.Action.StatusAfter()
	}
	return "", "", status
}
