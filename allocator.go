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
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alloq-io/alloq/config"
	"github.com/alloq-io/alloq/internal/apierror"
	"github.com/alloq-io/alloq/internal/caselock"
	"github.com/alloq-io/alloq/model"
)

const (
	// lockDuration bounds how long one allocation may hold a case lock.
	// Allocation is a handful of row operations; 30s is generous headroom,
	// not an expected duration.
	lockDuration = 30 * time.Second
	lockWait     = 5 * time.Second
)

// allocationTarget is the owner pair a selection policy settled on. For
// agency-level targets agentID is empty. advance marks a round-robin pick
// whose cursor must move once the allocation commits.
type allocationTarget struct {
	agencyID string
	agentID  string
	ruleID   string
	cursor   int64
	advance  bool
}

// Allocate decides ownership for one case and appends the outcome to the
// ledger. The case snapshot comes from the upstream directory; trigger
// states what initiated the attempt.
func (a *Alloq) Allocate(ctx context.Context, caseID string, trigger model.Trigger, actor string) (*model.AllocationRecord, error) {
	cs, err := a.cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return a.allocateCase(ctx, cs, trigger, actor, "", "")
}

// allocateCase runs rule evaluation, target selection, the capacity
// transfer and the ledger append under the case lock. Business failures are
// written to the ledger as FAILED records and returned; capacity is never
// touched on a failed attempt. excludeOwner removes one owner from
// consideration, used when re-routing away from a drained agency.
func (a *Alloq) allocateCase(ctx context.Context, cs *model.CaseSnapshot, trigger model.Trigger, actor, batchID, excludeOwner string) (*model.AllocationRecord, error) {
	if cs == nil || cs.CaseID == "" {
		return nil, apierror.NewAPIError(apierror.ErrValidation, "Case id is required", nil)
	}

	locker := caselock.NewLocker(a.redis, cs.CaseID, model.GenerateUUIDWithSuffix("lock"))
	if err := locker.WaitLock(ctx, lockDuration, lockWait); err != nil {
		return nil, apierror.NewConflictError(fmt.Sprintf("case %s is being modified by another request", cs.CaseID))
	}
	defer a.unlock(locker, cs.CaseID)

	// Re-read ownership under the lock. A concurrent winner's outcome is
	// visible here, which is what makes the second attempt a no-op or an
	// explicit reallocation rather than a double write.
	last, err := a.datasource.GetLastAppliedRecord(ctx, cs.CaseID)
	if err != nil {
		return nil, err
	}

	prevAgency, prevAgent := "", ""
	if last != nil && !last.Action.Deallocating() {
		prevAgency, prevAgent = last.NewAgencyID, last.NewAgentID
	}
	action := allocationAction(trigger, prevAgency != "" || prevAgent != "")

	rules, err := a.rules.ActiveRules(ctx)
	if err != nil {
		return nil, err
	}

	match := model.FirstMatch(rules, cs)
	if match == nil {
		cause := apierror.NewBusinessError(apierror.ReasonNoEligibleRule, fmt.Sprintf("no active rule matches case %s", cs.CaseID))
		return a.failRecord(ctx, cs.CaseID, action, "", trigger, actor, batchID, prevAgency, prevAgent, cause)
	}

	tgt, err := a.selectTarget(ctx, match, excludeOwner)
	if err != nil {
		if apierror.CodeOf(err) == apierror.ErrBusinessRule {
			return a.failRecord(ctx, cs.CaseID, action, match.RuleID, trigger, actor, batchID, prevAgency, prevAgent, err)
		}
		return nil, err
	}

	if tgt.agencyID == prevAgency && tgt.agentID == prevAgent {
		// The rules resolve to the current owner. Idempotent no-op.
		return last, nil
	}

	rec := &model.AllocationRecord{
		RecordID:     model.GenerateUUIDWithSuffix("rec"),
		CaseID:       cs.CaseID,
		Action:       action,
		Status:       model.RecordStatusApplied,
		PrevAgencyID: prevAgency,
		PrevAgentID:  prevAgent,
		NewAgencyID:  tgt.agencyID,
		NewAgentID:   tgt.agentID,
		RuleID:       match.RuleID,
		Actor:        actor,
		BatchID:      batchID,
		CreatedAt:    time.Now(),
	}
	// Capacity move and ledger append commit together; a failure on either
	// side rolls both back.
	saved, err := a.datasource.CommitAllocation(ctx, rec, []string{prevAgency, prevAgent}, []string{tgt.agencyID, tgt.agentID})
	if err != nil {
		if apierror.CodeOf(err) == apierror.ErrBusinessRule {
			// Lost a capacity race after selection. The target is full now.
			cause := apierror.NewBusinessError(apierror.ReasonTargetUnavailable, err.Error())
			return a.failRecord(ctx, cs.CaseID, action, match.RuleID, trigger, actor, batchID, prevAgency, prevAgent, cause)
		}
		return nil, err
	}

	if tgt.advance {
		if err := a.datasource.AdvanceRotationCursor(ctx, tgt.ruleID, tgt.cursor); err != nil {
			// The allocation is committed; a stale cursor only skews the
			// next rotation start.
			logrus.Warnf("failed to advance rotation cursor for rule %s: %v", tgt.ruleID, err)
		}
	}

	a.invalidateOwnerCache(ctx, cs.CaseID)
	a.notifyRecord(saved)
	return saved, nil
}

// Deallocate removes a case's active owner without reassignment. Already
// unowned cases are an idempotent no-op.
func (a *Alloq) Deallocate(ctx context.Context, caseID string, trigger model.Trigger, actor string) (*model.AllocationRecord, error) {
	return a.deallocateCase(ctx, caseID, trigger, actor, "", model.ActionDeallocated)
}

func (a *Alloq) deallocateCase(ctx context.Context, caseID string, trigger model.Trigger, actor, batchID string, action model.ActionKind) (*model.AllocationRecord, error) {
	if caseID == "" {
		return nil, apierror.NewAPIError(apierror.ErrValidation, "Case id is required", nil)
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
		return last, nil
	}

	prevAgency, prevAgent := last.NewAgencyID, last.NewAgentID
	rec := &model.AllocationRecord{
		RecordID:     model.GenerateUUIDWithSuffix("rec"),
		CaseID:       caseID,
		Action:       action,
		Status:       model.RecordStatusApplied,
		PrevAgencyID: prevAgency,
		PrevAgentID:  prevAgent,
		Actor:        actor,
		BatchID:      batchID,
		CreatedAt:    time.Now(),
	}
	saved, err := a.datasource.CommitAllocation(ctx, rec, []string{prevAgency, prevAgent}, nil)
	if err != nil {
		return nil, err
	}

	a.invalidateOwnerCache(ctx, caseID)
	a.notifyRecord(saved)
	return saved, nil
}

// failRecord appends a FAILED ledger record for audit and surfaces the
// business error. Capacity is never touched on this path.
func (a *Alloq) failRecord(ctx context.Context, caseID string, action model.ActionKind, ruleID string, trigger model.Trigger, actor, batchID, prevAgency, prevAgent string, cause error) (*model.AllocationRecord, error) {
	rec := &model.AllocationRecord{
		RecordID:     model.GenerateUUIDWithSuffix("rec"),
		CaseID:       caseID,
		Action:       action,
		Status:       model.RecordStatusFailed,
		PrevAgencyID: prevAgency,
		PrevAgentID:  prevAgent,
		RuleID:       ruleID,
		Actor:        actor,
		BatchID:      batchID,
		ErrorCode:    apierror.ReasonOf(cause),
		ErrorDetail:  cause.Error(),
		CreatedAt:    time.Now(),
		MetaData:     map[string]interface{}{"trigger": string(trigger)},
	}
	if _, err := a.datasource.RecordAllocation(ctx, rec); err != nil {
		return nil, err
	}
	return nil, cause
}

func (a *Alloq) unlock(locker *caselock.Locker, caseID string) {
	if err := locker.Unlock(context.Background()); err != nil {
		logrus.Warnf("failed to release case lock for %s: %v", caseID, err)
	}
}

// allocationAction maps a trigger and prior ownership onto the record kind
// the ledger carries for this attempt.
func allocationAction(trigger model.Trigger, hadOwner bool) model.ActionKind {
	if hadOwner {
		switch trigger {
		case model.TriggerRuleSweep:
			return model.ActionBulkReallocation
		case model.TriggerAgentRemoved:
			return model.ActionAgentTransfer
		default:
			return model.ActionReallocated
		}
	}
	switch trigger {
	case model.TriggerRuleSweep, model.TriggerAgencySuspended:
		return model.ActionRuleBasedAllocation
	default:
		return model.ActionAllocated
	}
}

func (a *Alloq) selectTarget(ctx context.Context, rule *model.AllocationRule, excludeOwner string) (*allocationTarget, error) {
	switch rule.Policy {
	case model.PolicyFixed:
		return a.selectFixed(ctx, rule, excludeOwner)
	case model.PolicyRoundRobin:
		return a.selectRoundRobin(ctx, rule, excludeOwner)
	case model.PolicyWeightedCapacity:
		return a.selectWeighted(ctx, rule, excludeOwner)
	default:
		return nil, apierror.NewAPIError(apierror.ErrValidation, fmt.Sprintf("rule %s has unknown policy %s", rule.RuleID, rule.Policy), nil)
	}
}

func (a *Alloq) selectFixed(ctx context.Context, rule *model.AllocationRule, excludeOwner string) (*allocationTarget, error) {
	ownerID := rule.TargetAgentID
	if ownerID == "" {
		ownerID = rule.TargetAgencyID
	}
	if excludeOwner != "" && ownerID == excludeOwner {
		return nil, apierror.NewBusinessError(apierror.ReasonTargetUnavailable, fmt.Sprintf("owner %s is excluded from this reallocation", ownerID))
	}

	desc, err := a.owners.GetOwner(ctx, ownerID)
	if err != nil {
		if apierror.CodeOf(err) == apierror.ErrNotFound {
			return nil, apierror.NewBusinessError(apierror.ReasonTargetUnavailable, fmt.Sprintf("owner %s is unknown to the directory", ownerID))
		}
		return nil, err
	}
	if !desc.Eligible() {
		return nil, apierror.NewBusinessError(apierror.ReasonTargetUnavailable, fmt.Sprintf("owner %s is %s", ownerID, desc.Status))
	}
	if err := a.ensureCounter(ctx, desc); err != nil {
		return nil, err
	}

	counter, err := a.datasource.GetCapacityCounter(ctx, desc.OwnerID)
	if err != nil {
		return nil, err
	}
	if counter.Policy == model.CapacityPolicyHard && counter.Current >= counter.Max {
		return nil, apierror.NewBusinessError(apierror.ReasonTargetUnavailable, fmt.Sprintf("owner %s is at hard capacity", ownerID))
	}
	return ownerTarget(desc), nil
}

// selectRoundRobin walks the sorted eligible-owner ring starting at the
// rule's persisted cursor. Owners at hard capacity are probed and skipped;
// the cursor is only persisted after the allocation commits, so failed
// attempts never advance the rotation.
func (a *Alloq) selectRoundRobin(ctx context.Context, rule *model.AllocationRule, excludeOwner string) (*allocationTarget, error) {
	candidates, err := a.eligibleAgencies(ctx, excludeOwner)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, apierror.NewBusinessError(apierror.ReasonTargetUnavailable, fmt.Sprintf("no eligible owners for rule %s", rule.RuleID))
	}

	position, err := a.datasource.GetRotationCursor(ctx, rule.RuleID)
	if err != nil {
		return nil, err
	}

	n := int64(len(candidates))
	start := position % n
	for i := int64(0); i < n; i++ {
		idx := (start + i) % n
		desc := candidates[idx]
		if err := a.ensureCounter(ctx, &desc); err != nil {
			return nil, err
		}
		counter, err := a.datasource.GetCapacityCounter(ctx, desc.OwnerID)
		if err != nil {
			return nil, err
		}
		if counter.Policy == model.CapacityPolicyHard && counter.Current >= counter.Max {
			continue
		}
		tgt := ownerTarget(&desc)
		tgt.ruleID = rule.RuleID
		tgt.cursor = idx + 1
		tgt.advance = true
		return tgt, nil
	}
	return nil, apierror.NewBusinessError(apierror.ReasonTargetUnavailable, fmt.Sprintf("all eligible owners for rule %s are at capacity", rule.RuleID))
}

// selectWeighted picks the eligible owner with the lowest load ratio. Ties
// break by owner id ascending so the choice is deterministic across
// processes.
func (a *Alloq) selectWeighted(ctx context.Context, rule *model.AllocationRule, excludeOwner string) (*allocationTarget, error) {
	candidates, err := a.eligibleAgencies(ctx, excludeOwner)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, apierror.NewBusinessError(apierror.ReasonTargetUnavailable, fmt.Sprintf("no eligible owners for rule %s", rule.RuleID))
	}

	ownerIDs := make([]string, 0, len(candidates))
	for i := range candidates {
		if err := a.ensureCounter(ctx, &candidates[i]); err != nil {
			return nil, err
		}
		ownerIDs = append(ownerIDs, candidates[i].OwnerID)
	}

	counters, err := a.datasource.GetCapacityCounters(ctx, ownerIDs)
	if err != nil {
		return nil, err
	}
	byOwner := make(map[string]*model.CapacityCounter, len(counters))
	for i := range counters {
		byOwner[counters[i].OwnerID] = &counters[i]
	}

	var best *model.OwnerDescriptor
	bestRatio := 0.0
	for i := range candidates {
		counter, ok := byOwner[candidates[i].OwnerID]
		if !ok {
			continue
		}
		if counter.Policy == model.CapacityPolicyHard && counter.Current >= counter.Max {
			continue
		}
		ratio := counter.LoadRatio()
		if best == nil || ratio < bestRatio {
			best = &candidates[i]
			bestRatio = ratio
		}
	}
	if best == nil {
		return nil, apierror.NewBusinessError(apierror.ReasonTargetUnavailable, fmt.Sprintf("all eligible owners for rule %s are at capacity", rule.RuleID))
	}
	return ownerTarget(best), nil
}

// eligibleAgencies returns the active agencies sorted by owner id. The sort
// fixes the rotation order and the weighted tiebreak.
func (a *Alloq) eligibleAgencies(ctx context.Context, excludeOwner string) ([]model.OwnerDescriptor, error) {
	owners, err := a.owners.ListEligibleOwners(ctx, model.OwnerTypeAgency)
	if err != nil {
		return nil, err
	}
	candidates := owners[:0]
	for _, o := range owners {
		if o.Eligible() && o.OwnerID != excludeOwner {
			candidates = append(candidates, o)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].OwnerID < candidates[j].OwnerID
	})
	return candidates, nil
}

// ensureCounter creates the owner's counter row if it does not exist yet,
// seeding max and policy from the directory descriptor with config
// defaults. For agents the parent agency's counter is ensured too, since a
// capacity transfer touches both rows.
func (a *Alloq) ensureCounter(ctx context.Context, desc *model.OwnerDescriptor) error {
	cnf, err := config.Fetch()
	if err != nil {
		return err
	}

	max := desc.MaxCapacity
	if max <= 0 {
		max = cnf.Capacity.DefaultMax
	}
	counter := &model.CapacityCounter{
		OwnerID:   desc.OwnerID,
		OwnerType: desc.Type,
		Max:       max,
		Policy:    model.CapacityPolicy(cnf.Capacity.DefaultPolicy),
	}
	if err := a.datasource.EnsureCapacityCounter(ctx, counter); err != nil {
		return err
	}

	if desc.Type == model.OwnerTypeAgent && desc.ParentAgencyID != "" {
		parent, err := a.owners.GetOwner(ctx, desc.ParentAgencyID)
		if err != nil {
			return err
		}
		parentMax := parent.MaxCapacity
		if parentMax <= 0 {
			parentMax = cnf.Capacity.DefaultMax
		}
		return a.datasource.EnsureCapacityCounter(ctx, &model.CapacityCounter{
			OwnerID:   parent.OwnerID,
			OwnerType: parent.Type,
			Max:       parentMax,
			Policy:    model.CapacityPolicy(cnf.Capacity.DefaultPolicy),
		})
	}
	return nil
}

func ownerTarget(desc *model.OwnerDescriptor) *allocationTarget {
	if desc.Type == model.OwnerTypeAgent {
		return &allocationTarget{agencyID: desc.ParentAgencyID, agentID: desc.OwnerID}
	}
	return &allocationTarget{agencyID: desc.OwnerID}
}
