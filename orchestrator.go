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
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/alloq-io/alloq/config"
	"github.com/alloq-io/alloq/internal/apierror"
	"github.com/alloq-io/alloq/model"
)

// batchWorkers bounds how many cases one orchestrator run processes in
// parallel. Workers never hold more than one case's lock at a time, so
// there is no lock ordering between them.
const batchWorkers = 5

// RunBatch resolves the selector's case set and processes every case
// independently. Single-case failures are recorded and the batch continues;
// only batch-level SYSTEM failures or cancellation stop the run, with the
// remaining cases reported as not attempted.
func (a *Alloq) RunBatch(ctx context.Context, selector model.BatchSelector, trigger model.Trigger, actor string) (*model.BatchResult, error) {
	return a.runBatch(ctx, model.GenerateUUIDWithSuffix("batch"), selector, trigger, actor)
}

func (a *Alloq) runBatch(ctx context.Context, batchID string, selector model.BatchSelector, trigger model.Trigger, actor string) (*model.BatchResult, error) {
	if err := validateSelector(selector); err != nil {
		return nil, err
	}

	caseIDs, err := a.resolveSelector(ctx, selector)
	if err != nil {
		return nil, err
	}

	result := &model.BatchResult{
		BatchID:    batchID,
		Selector:   selector,
		Trigger:    trigger,
		TotalCases: len(caseIDs),
		StartedAt:  time.Now(),
	}

	run := &batchRun{
		engine:   a,
		batchID:  batchID,
		selector: selector,
		trigger:  trigger,
		actor:    actor,
		result:   result,
	}
	run.process(ctx, caseIDs)

	result.CompletedAt = time.Now()
	if err := a.datasource.SaveBatchResult(ctx, result); err != nil {
		logrus.Errorf("failed to save result for batch %s: %v", batchID, err)
	}
	a.notifyBatch(result)
	return result, nil
}

// batchRun carries one orchestrator run's shared state. Counts are guarded
// by mu; aborted flips once when a SYSTEM failure stops the run.
type batchRun struct {
	engine   *Alloq
	batchID  string
	selector model.BatchSelector
	trigger  model.Trigger
	actor    string

	mu      sync.Mutex
	aborted bool
	result  *model.BatchResult
}

func (r *batchRun) process(ctx context.Context, caseIDs []string) {
	work := make(chan string)
	var wg sync.WaitGroup

	for w := 0; w < batchWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for caseID := range work {
				// Cancellation and aborts are honored between cases; a case
				// already started runs to completion so the ledger never
				// sees a partial write.
				if ctx.Err() != nil || r.isAborted() {
					r.markNotAttempted()
					continue
				}
				r.processCase(context.WithoutCancel(ctx), caseID)
			}
		}()
	}

	for _, caseID := range caseIDs {
		work <- caseID
	}
	close(work)
	wg.Wait()
}

// processCase runs one case through the selector's operation, retrying
// SYSTEM errors with exponential backoff. Deterministic failures are final
// on the first attempt.
func (r *batchRun) processCase(ctx context.Context, caseID string) {
	cnf, err := config.Fetch()
	if err != nil {
		r.abort(caseID, err)
		return
	}

	operation := func() error {
		opErr := r.runCase(ctx, caseID)
		if opErr != nil && !apierror.Retryable(opErr) {
			return backoff.Permanent(opErr)
		}
		return opErr
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(cnf.Queue.MaxRetryAttempts))
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		if apierror.CodeOf(err) == apierror.ErrSystem {
			// The store is unhealthy. Finish nothing else in this run.
			r.abort(caseID, err)
			return
		}
		r.markFailed(caseID, err)
	}
}

// runCase dispatches one case according to the selector kind and records
// the outcome counts.
func (r *batchRun) runCase(ctx context.Context, caseID string) error {
	a := r.engine

	if r.selector.Kind == model.SelectorAgency {
		action := model.ActionDeallocated
		if r.trigger == model.TriggerAgencySuspended {
			action = model.ActionAgencyDeallocated
		}
		rec, err := a.deallocateCase(ctx, caseID, r.trigger, r.actor, r.batchID, action)
		if err != nil {
			return err
		}
		if rec == nil || !rec.Action.Deallocating() || rec.BatchID != r.batchID {
			// Already unowned before this run. Idempotent skip.
			return nil
		}
		r.count(rec)

		if r.selector.SuppressRerouting {
			return nil
		}
		// Explicit deallocate then rule-driven re-route against the
		// remaining agencies: the ledger always shows why ownership moved,
		// never an implicit swap.
		return r.allocateByRules(ctx, caseID, r.selector.AgencyID)
	}

	return r.allocateByRules(ctx, caseID, "")
}

func (r *batchRun) allocateByRules(ctx context.Context, caseID, excludeOwner string) error {
	cs, err := r.engine.cases.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	rec, err := r.engine.allocateCase(ctx, cs, r.trigger, r.actor, r.batchID, excludeOwner)
	if err != nil {
		return err
	}
	if rec != nil && rec.BatchID == r.batchID {
		r.count(rec)
	}
	return nil
}

func (r *batchRun) count(rec *model.AllocationRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case rec.Action.Deallocating():
		r.result.Deallocated++
	case rec.Action == model.ActionAllocated || rec.Action == model.ActionAgencyAllocated || rec.Action == model.ActionRuleBasedAllocation:
		r.result.Allocated++
	default:
		r.result.Reallocated++
	}
}

func (r *batchRun) markFailed(caseID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.Failed++
	r.result.FailedCases = append(r.result.FailedCases, model.FailedCase{
		CaseID:    caseID,
		ErrorCode: failureCode(err),
		Reason:    err.Error(),
	})
}

func (r *batchRun) markNotAttempted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.NotAttempted++
}

func (r *batchRun) abort(caseID string, err error) {
	r.mu.Lock()
	alreadyAborted := r.aborted
	r.aborted = true
	r.mu.Unlock()

	if !alreadyAborted {
		logrus.Errorf("batch %s aborted on case %s: %v", r.batchID, caseID, err)
	}
	r.markFailed(caseID, err)
}

func (r *batchRun) isAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// failureCode prefers the business reason over the taxonomy code, matching
// what the FAILED ledger record carries.
func failureCode(err error) string {
	if reason := apierror.ReasonOf(err); reason != "" {
		return reason
	}
	return string(apierror.CodeOf(err))
}

// resolveSelector expands a selector into the case ids to process. The
// selectors only return cases still in a non-terminal state for the
// trigger, which is what makes re-running a partially failed batch
// idempotent.
func (a *Alloq) resolveSelector(ctx context.Context, selector model.BatchSelector) ([]string, error) {
	switch selector.Kind {
	case model.SelectorAgency:
		return a.datasource.GetActiveCasesForOwner(ctx, selector.AgencyID)
	case model.SelectorAgent:
		return a.datasource.GetActiveCasesForOwner(ctx, selector.AgentID)
	case model.SelectorRule:
		return a.resolveRuleSweep(ctx, selector.RuleID)
	default:
		return nil, apierror.NewAPIError(apierror.ErrValidation, fmt.Sprintf("unknown selector kind %s", selector.Kind), nil)
	}
}

// resolveRuleSweep expands a rule selector. An empty rule id sweeps every
// unallocated case against the full rule set. A named rule scopes the sweep
// to cases matching its predicate, and additionally pulls in cases currently
// held under a different rule so a republished rule can reclaim its
// population.
func (a *Alloq) resolveRuleSweep(ctx context.Context, ruleID string) ([]string, error) {
	unallocated, err := a.cases.GetUnallocatedCases(ctx)
	if err != nil {
		return nil, err
	}

	if ruleID == "" {
		caseIDs := make([]string, 0, len(unallocated))
		for i := range unallocated {
			caseIDs = append(caseIDs, unallocated[i].CaseID)
		}
		return caseIDs, nil
	}

	rules, err := a.rules.ActiveRules(ctx)
	if err != nil {
		return nil, err
	}
	var sweep *model.AllocationRule
	for i := range rules {
		if rules[i].RuleID == ruleID {
			sweep = &rules[i]
			break
		}
	}
	if sweep == nil {
		return nil, apierror.NewAPIError(apierror.ErrValidation, fmt.Sprintf("rule %s has no active version", ruleID), nil)
	}

	var caseIDs []string
	seen := make(map[string]bool)
	for i := range unallocated {
		if sweep.Predicate.Matches(&unallocated[i]) {
			caseIDs = append(caseIDs, unallocated[i].CaseID)
			seen[unallocated[i].CaseID] = true
		}
	}

	held, err := a.datasource.GetActiveCasesNotUnderRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	for _, caseID := range held {
		if seen[caseID] {
			continue
		}
		cs, err := a.cases.GetCase(ctx, caseID)
		if err != nil {
			if apierror.CodeOf(err) == apierror.ErrNotFound {
				// The directory no longer knows the case; leave it to the
				// agency-level selectors.
				continue
			}
			return nil, err
		}
		if sweep.Predicate.Matches(cs) {
			caseIDs = append(caseIDs, caseID)
		}
	}
	return caseIDs, nil
}

func validateSelector(selector model.BatchSelector) error {
	switch selector.Kind {
	case model.SelectorAgency:
		if selector.AgencyID == "" {
			return apierror.NewAPIError(apierror.ErrValidation, "Agency selector needs an agency id", nil)
		}
	case model.SelectorAgent:
		if selector.AgentID == "" {
			return apierror.NewAPIError(apierror.ErrValidation, "Agent selector needs an agent id", nil)
		}
	case model.SelectorRule:
		// RuleID may be empty: an empty rule sweep evaluates the full rule
		// set for every unallocated case, a named one scopes the sweep to
		// that rule's population.
	default:
		return apierror.NewAPIError(apierror.ErrValidation, fmt.Sprintf("unknown selector kind %s", selector.Kind), nil)
	}
	return nil
}

// ProcessBatchTask is the asynq handler for queued orchestrator runs.
func (a *Alloq) ProcessBatchTask(ctx context.Context, task *asynq.Task) error {
	var payload BatchTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	_, err := a.runBatch(ctx, payload.BatchID, payload.Selector, payload.Trigger, payload.Actor)
	return err
}

// ProcessAllocationTask is the asynq handler for queued single-case
// allocations.
func (a *Alloq) ProcessAllocationTask(ctx context.Context, task *asynq.Task) error {
	var payload AllocationTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	_, err := a.Allocate(ctx, payload.CaseID, payload.Trigger, payload.Actor)
	if err != nil && apierror.Retryable(err) {
		return err
	}
	// Deterministic outcomes are final; the FAILED record is already a
	// ledger fact and retrying the task would not change it.
	return nil
}
