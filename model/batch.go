package model

import "time"

// SelectorKind identifies the case set a batch operates on.
type SelectorKind string

const (
	SelectorAgency SelectorKind = "agency"
	SelectorAgent  SelectorKind = "agent"
	SelectorRule   SelectorKind = "rule"
)

// BatchSelector describes a batch's case set. Exactly one of AgencyID,
// AgentID or RuleID is set, matching Kind. SuppressRerouting only applies to
// agency deallocation: when true, cases are left unowned instead of being
// re-routed through the rule set.
type BatchSelector struct {
	Kind              SelectorKind `json:"kind"`
	AgencyID          string       `json:"agency_id,omitempty"`
	AgentID           string       `json:"agent_id,omitempty"`
	RuleID            string       `json:"rule_id,omitempty"`
	SuppressRerouting bool         `json:"suppress_rerouting,omitempty"`
}

// FailedCase records one case the batch could not process, with the error
// taxonomy code and human-readable reason.
type FailedCase struct {
	CaseID    string `json:"case_id"`
	ErrorCode string `json:"error_code"`
	Reason    string `json:"reason"`
}

// BatchResult aggregates one orchestrator run. NotAttempted counts cases
// skipped after a batch-level system failure or cancellation; they are
// distinct from failures and carry no ledger entry.
type BatchResult struct {
	BatchID      string        `json:"batch_id"`
	Selector     BatchSelector `json:"selector"`
	Trigger      Trigger       `json:"trigger"`
	TotalCases   int           `json:"total_cases"`
	Allocated    int           `json:"allocated"`
	Reallocated  int           `json:"reallocated"`
	Deallocated  int           `json:"deallocated"`
	Failed       int           `json:"failed"`
	NotAttempted int           `json:"not_attempted"`
	FailedCases  []FailedCase  `json:"failed_cases,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  time.Time     `json:"completed_at"`
}
