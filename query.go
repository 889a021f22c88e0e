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

package alloq

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alloq-io/alloq/model"
)

const ownerCacheTTL = 5 * time.Minute

// CaseOwner is the query façade's answer for "who owns this case".
type CaseOwner struct {
	CaseID   string                 `json:"case_id"`
	AgencyID string                 `json:"agency_id,omitempty"`
	AgentID  string                 `json:"agent_id,omitempty"`
	Status   model.AllocationStatus `json:"status"`
}

func ownerCacheKey(caseID string) string {
	return fmt.Sprintf("owner:%s", caseID)
}

// CurrentOwner derives the case's active owner from the ledger. The answer
// is cached; every ledger write for the case deletes the cache entry first,
// so a hit is never staler than the latest applied record.
func (a *Alloq) CurrentOwner(ctx context.Context, caseID string) (*CaseOwner, error) {
	if a.cache != nil {
		var cached CaseOwner
		if err := a.cache.Get(ctx, ownerCacheKey(caseID), &cached); err == nil && cached.CaseID != "" {
			return &cached, nil
		}
	}

	last, err := a.datasource.GetLastAppliedRecord(ctx, caseID)
	if err != nil {
		return nil, err
	}

	owner := &CaseOwner{CaseID: caseID, Status: model.StatusPending}
	if last != nil {
		if last.Action.Deallocating() {
			owner.Status = model.StatusDeallocated
		} else {
			owner.AgencyID = last.NewAgencyID
			owner.AgentID = last.NewAgentID
			owner.Status = last.Action.StatusAfter()
		}
	}

	if a.cache != nil {
		if err := a.cache.Set(ctx, ownerCacheKey(caseID), owner, ownerCacheTTL); err != nil {
			logrus.Warnf("failed to cache owner for case %s: %v", caseID, err)
		}
	}
	return owner, nil
}

// History returns the full ordered ledger for a case, failed attempts
// included.
func (a *Alloq) History(ctx context.Context, caseID string) ([]model.AllocationRecord, error) {
	return a.datasource.GetCaseHistory(ctx, caseID)
}

// CasesForOwner lists the case ids currently owned by an agency or agent.
func (a *Alloq) CasesForOwner(ctx context.Context, ownerID string) ([]string, error) {
	return a.datasource.GetActiveCasesForOwner(ctx, ownerID)
}

// GetBatchReport fetches the stored result of an orchestrator run.
func (a *Alloq) GetBatchReport(ctx context.Context, batchID string) (*model.BatchResult, error) {
	return a.datasource.GetBatchResult(ctx, batchID)
}

// invalidateOwnerCache drops the cached owner answer for a case. Called on
// every ledger write path.
func (a *Alloq) invalidateOwnerCache(ctx context.Context, caseID string) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Delete(ctx, ownerCacheKey(caseID)); err != nil {
		logrus.Warnf("failed to invalidate owner cache for case %s: %v", caseID, err)
	}
}
