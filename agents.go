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

	"github.com/alloq-io/alloq/internal/apierror"
	"github.com/alloq-io/alloq/internal/caselock"
	"github.com/alloq-io/alloq/model"
)

// AssignAgent places a case with a named agent inside its current agency.
// The agency-level allocation is untouched; only the agent dimension moves.
func (a *Alloq) AssignAgent(ctx context.Context, caseID, agentID, actor string) (*model.AllocationRecord, error) {
	return a.moveAgent(ctx, caseID, agentID, actor, model.ActionAgentAssigned)
}

// ReassignAgent moves a case from its current agent to another agent of the
// same agency.
func (a *Alloq) ReassignAgent(ctx context.Context, caseID, agentID, actor string) (*model.AllocationRecord, error) {
	return a.moveAgent(ctx, caseID, agentID, actor, model.ActionAgentReassigned)
}

// UnassignAgent clears the agent dimension, returning the case to its
// agency's pool.
func (a *Alloq) UnassignAgent(ctx context.Context, caseID, actor string) (*model.AllocationRecord, error) {
	return a.moveAgent(ctx, caseID, "", actor, model.ActionAgentUnassigned)
}

func (a *Alloq) moveAgent(ctx context.Context, caseID, agentID, actor string, action model.ActionKind) (*model.AllocationRecord, error) {
	if caseID == "" {
		return nil, apierror.NewAPIError(apierror.ErrValidation, "Case id is required", nil)
	}
	if agentID == "" && action != model.ActionAgentUnassigned {
		return nil, apierror.NewAPIError(apierror.ErrValidation, "Agent id is required", nil)
	}

	locker := caselock.NewLocker(a.redis, caseID, model.GenerateUUIDWithSuffix("lock"))
	if err := locker.WaitLock(ctx, lockDuration, lockWait); err != nil {
		return nil, apierror.NewConflictError(fmt.Sprintf("case %s is being modified by another request", caseID))
	}
	defer a.unlock(locker, caseID)

	last, err := a.datasource.GetLastAppliedRecord(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if last == nil || last.Action.Deallocating() {
		return nil, apierror.NewBusinessError(apierror.ReasonTargetUnavailable, fmt.Sprintf("case %s has no active agency", caseID))
	}

	prevAgency, prevAgent := last.NewAgencyID, last.NewAgentID
	if agentID == prevAgent {
		return last, nil
	}

	if agentID != "" {
		desc, err := a.owners.GetOwner(ctx, agentID)
		if err != nil {
			if apierror.CodeOf(err) == apierror.ErrNotFound {
				return nil, apierror.NewBusinessError(apierror.ReasonTargetUnavailable, fmt.Sprintf("agent %s is unknown to the directory", agentID))
			}
			return nil, err
		}
		if desc.Type != model.OwnerTypeAgent {
			return nil, apierror.NewAPIError(apierror.ErrValidation, fmt.Sprintf("owner %s is not an agent", agentID), nil)
		}
		if !desc.Eligible() {
			return nil, apierror.NewBusinessError(apierror.ReasonTargetUnavailable, fmt.Sprintf("agent %s is %s", agentID, desc.Status))
		}
		if desc.ParentAgencyID != prevAgency {
			return nil, apierror.NewAPIError(apierror.ErrValidation, fmt.Sprintf("agent %s belongs to agency %s, case is with %s", agentID, desc.ParentAgencyID, prevAgency), nil)
		}
		if err := a.ensureCounter(ctx, desc); err != nil {
			return nil, err
		}
	}

	rec := &model.AllocationRecord{
		RecordID:     model.GenerateUUIDWithSuffix("rec"),
		CaseID:       caseID,
		Action:       action,
		Status:       model.RecordStatusApplied,
		PrevAgencyID: prevAgency,
		PrevAgentID:  prevAgent,
		NewAgencyID:  prevAgency,
		NewAgentID:   agentID,
		Actor:        actor,
		CreatedAt:    time.Now(),
	}
	// The agency appears on both sides, so its counter nets to zero; only
	// the agents' counters move, in the same transaction as the append.
	saved, err := a.datasource.CommitAllocation(ctx, rec, []string{prevAgency, prevAgent}, []string{prevAgency, agentID})
	if err != nil {
		if apierror.CodeOf(err) == apierror.ErrBusinessRule {
			return nil, apierror.NewBusinessError(apierror.ReasonCapacityExhausted, fmt.Sprintf("agent %s is at hard capacity", agentID))
		}
		return nil, err
	}

	a.invalidateOwnerCache(ctx, caseID)
	a.notifyRecord(saved)
	return saved, nil
}
