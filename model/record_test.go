package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func appliedRecord(seq int64, action ActionKind, prevAgency, newAgency string) AllocationRecord {
	return AllocationRecord{
		RecordID:       GenerateUUIDWithSuffix("rec"),
		CaseID:         "case_1",
		SequenceNumber: seq,
		Action:         action,
		Status:         RecordStatusApplied,
		PrevAgencyID:   prevAgency,
		NewAgencyID:    newAgency,
	}
}

func TestCurrentOwnerFromHistory(t *testing.T) {
	tests := []struct {
		name       string
		history    []AllocationRecord
		wantAgency string
		wantStatus AllocationStatus
	}{
		{
			name:       "empty history is pending",
			history:    nil,
			wantAgency: "",
			wantStatus: StatusPending,
		},
		{
			name: "single allocation",
			history: []AllocationRecord{
				appliedRecord(1, ActionAllocated, "", "agency_a"),
			},
			wantAgency: "agency_a",
			wantStatus: StatusAllocated,
		},
		{
			name: "reallocation supersedes without deleting",
			history: []AllocationRecord{
				appliedRecord(1, ActionAllocated, "", "agency_a"),
				appliedRecord(2, ActionReallocated, "agency_a", "agency_b"),
			},
			wantAgency: "agency_b",
			wantStatus: StatusReallocated,
		},
		{
			name: "deallocation clears ownership",
			history: []AllocationRecord{
				appliedRecord(1, ActionAllocated, "", "agency_a"),
				appliedRecord(2, ActionAgencyDeallocated, "agency_a", ""),
			},
			wantAgency: "",
			wantStatus: StatusDeallocated,
		},
		{
			name: "failed record does not change ownership",
			history: []AllocationRecord{
				appliedRecord(1, ActionAllocated, "", "agency_a"),
				{SequenceNumber: 2, Action: ActionReallocated, Status: RecordStatusFailed, ErrorCode: "BUSINESS_RULE"},
			},
			wantAgency: "agency_a",
			wantStatus: StatusAllocated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agency, _, status := CurrentOwner(tt.history)
			assert.Equal(t, tt.wantAgency, agency)
			assert.Equal(t, tt.wantStatus, status)
		})
	}
}

func TestStatusAfter(t *testing.T) {
	assert.Equal(t, StatusAllocated, ActionAllocated.StatusAfter())
	assert.Equal(t, StatusAllocated, ActionRuleBasedAllocation.StatusAfter())
	assert.Equal(t, StatusDeallocated, ActionDeallocated.StatusAfter())
	assert.Equal(t, StatusDeallocated, ActionAgencyDeallocated.StatusAfter())
	assert.Equal(t, StatusReallocated, ActionBulkReallocation.StatusAfter())
	assert.Equal(t, StatusReallocated, ActionAgentTransfer.StatusAfter())
}
