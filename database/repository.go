/*
Copyright 2025 Alloq Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"

	"github.com/alloq-io/alloq/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	ledger   // Append-only allocation record operations
	capacity // Capacity counter operations
	rule     // Allocation rule versioning operations
	cursor   // Round-robin rotation cursor operations
	batch    // Batch result reporting operations
}

// ledger defines methods for the append-only allocation record store.
type ledger interface {
	RecordAllocation(ctx context.Context, rec *model.AllocationRecord) (*model.AllocationRecord, error)                                     // Appends a record with no capacity movement (FAILED attempts)
	CommitAllocation(ctx context.Context, rec *model.AllocationRecord, releases, reserves []string) (*model.AllocationRecord, error)       // Moves capacity and appends the record in one transaction
	GetAllocationRecord(ctx context.Context, recordID string) (*model.AllocationRecord, error)                                             // Retrieves one record by its id
	GetCaseHistory(ctx context.Context, caseID string) ([]model.AllocationRecord, error)                // Full history for a case, sequence ascending
	GetLastAppliedRecord(ctx context.Context, caseID string) (*model.AllocationRecord, error)           // Latest non-failed record, nil when the case has none
	GetActiveCasesForOwner(ctx context.Context, ownerID string) ([]string, error)                                                          // Case ids whose current owner is ownerID
	GetActiveCasesNotUnderRule(ctx context.Context, ruleID string) ([]string, error)                                                       // Allocated case ids whose latest applied record cites a different rule
	GetRecordsByBatchID(ctx context.Context, batchID string) ([]model.AllocationRecord, error)          // All records written under one batch
	GetAllRecords(ctx context.Context, limit, offset int) ([]model.AllocationRecord, error)             // Replay feed, creation order ascending
}

// capacity defines methods for owner load counters.
type capacity interface {
	GetCapacityCounter(ctx context.Context, ownerID string) (*model.CapacityCounter, error)                 // Retrieves a counter row
	EnsureCapacityCounter(ctx context.Context, counter *model.CapacityCounter) error                        // Creates the row when missing, no-op otherwise
	GetCapacityCounters(ctx context.Context, ownerIDs []string) ([]model.CapacityCounter, error)            // Bulk fetch for weighted selection
	TryReserveCapacity(ctx context.Context, ownerID string, delta int64) (bool, error)                      // Hard-cap aware reservation, false without mutation when full
	ReleaseCapacity(ctx context.Context, ownerID string, delta int64) error                                 // Releases load, floored at zero by the schema
	ResetCapacityCounters(ctx context.Context, counters map[string]int64) error                             // Overwrites counters after a ledger replay
}

// rule defines methods for versioned allocation rules.
type rule interface {
	PublishRule(ctx context.Context, r *model.AllocationRule) (*model.AllocationRule, error) // Inserts a new version and closes the prior one atomically
	GetActiveRules(ctx context.Context) ([]model.AllocationRule, error)                      // Versions whose validity window covers now
	GetRuleVersions(ctx context.Context, ruleID string) ([]model.AllocationRule, error)      // All versions of one rule, newest first
}

// cursor defines methods for per-rule round-robin cursors.
type cursor interface {
	GetRotationCursor(ctx context.Context, ruleID string) (int64, error)           // Current position, 0 when the rule has never allocated
	AdvanceRotationCursor(ctx context.Context, ruleID string, position int64) error // Persists the position after a successful allocation
}

// batch defines methods for orchestrator run reports.
type batch interface {
	SaveBatchResult(ctx context.Context, result *model.BatchResult) error          // Persists the aggregate of one run
	GetBatchResult(ctx context.Context, batchID string) (*model.BatchResult, error) // Retrieves a run report
}
