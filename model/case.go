package model

import "time"

// AllocationStatus is the per-case state derived from the ledger.
type AllocationStatus string

const (
	StatusPending     AllocationStatus = "PENDING"
	StatusAllocated   AllocationStatus = "ALLOCATED"
	StatusReallocated AllocationStatus = "REALLOCATED"
	StatusDeallocated AllocationStatus = "DEALLOCATED"
	StatusFailed      AllocationStatus = "FAILED"
)

// Trigger identifies what initiated an allocation attempt.
type Trigger string

const (
	TriggerManual          Trigger = "MANUAL"
	TriggerRuleSweep       Trigger = "RULE_SWEEP"
	TriggerCaseCreated     Trigger = "CASE_CREATED"
	TriggerAgentRemoved    Trigger = "AGENT_REMOVED"
	TriggerAgencySuspended Trigger = "AGENCY_SUSPENDED"
)

// CaseSnapshot is the engine's read-only view of a delinquent case. The case
// itself is owned by the upstream case-management system; only the owner and
// status fields are ever mutated here, and always through the ledger.
type CaseSnapshot struct {
	CaseID            string                 `json:"case_id"`
	Bucket            int                    `json:"bucket"`
	ProductCode       string                 `json:"product_code"`
	Region            string                 `json:"region"`
	OutstandingAmount int64                  `json:"outstanding_amount"`
	AgencyID          string                 `json:"agency_id,omitempty"`
	AgentID           string                 `json:"agent_id,omitempty"`
	Status            AllocationStatus       `json:"status"`
	CreatedAt         time.Time              `json:"created_at"`
	MetaData          map[string]interface{} `json:"meta_data,omitempty"`
}

// OwnerType distinguishes the two kinds of owners a case can have.
type OwnerType string

const (
	OwnerTypeAgency OwnerType = "agency"
	OwnerTypeAgent  OwnerType = "agent"
)

const (
	OwnerStatusActive    = "active"
	OwnerStatusSuspended = "suspended"
)

// OwnerDescriptor is what the agency/agent directory reports about a
// candidate owner. ParentAgencyID is set only for agents.
type OwnerDescriptor struct {
	OwnerID        string    `json:"owner_id"`
	Type           OwnerType `json:"type"`
	ParentAgencyID string    `json:"parent_agency_id,omitempty"`
	Status         string    `json:"status"`
	MaxCapacity    int64     `json:"max_capacity"`
}

// Eligible reports whether the owner can receive new cases at all. Capacity
// is checked separately so a full owner still counts as "seen" by a
// round-robin cursor.
func (o OwnerDescriptor) Eligible() bool {
	return o.Status == OwnerStatusActive
}
