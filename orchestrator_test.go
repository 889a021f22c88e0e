package alloq

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"

	"github.com/alloq-io/alloq/internal/apierror"
	"github.com/alloq-io/alloq/model"
)

func TestRunBatch_RuleSweep(t *testing.T) {
	te := newTestEngine(t)
	te.addAgency("agency-a", 100)
	te.addAgency("agency-b", 100)

	rule := fixedRule("rule-rr", "", 10)
	rule.Policy = model.PolicyRoundRobin
	rule.Predicate = model.RulePredicate{BucketMin: 30}
	te.publishRule(t, rule)

	for i := 0; i < 15; i++ {
		te.addCase(fmt.Sprintf("case-ok-%02d", i), 60, "PL01", 100000)
	}
	// These sit below every rule's bucket band.
	for i := 0; i < 5; i++ {
		te.addCase(fmt.Sprintf("case-low-%02d", i), 10, "PL01", 100000)
	}

	result, err := te.engine.RunBatch(context.Background(), model.BatchSelector{Kind: model.SelectorRule}, model.TriggerRuleSweep, "scheduler")
	assert.NoError(t, err)
	assert.Equal(t, 20, result.TotalCases)
	assert.Equal(t, 15, result.Allocated)
	assert.Equal(t, 0, result.Reallocated)
	assert.Equal(t, 5, result.Failed)
	assert.Equal(t, 0, result.NotAttempted)
	assert.Len(t, result.FailedCases, 5)
	for _, fc := range result.FailedCases {
		assert.Equal(t, apierror.ReasonNoEligibleRule, fc.ErrorCode)
	}

	records, err := te.ds.GetRecordsByBatchID(context.Background(), result.BatchID)
	assert.NoError(t, err)
	assert.Len(t, records, 20)
	applied, failed := 0, 0
	for i := range records {
		if records[i].Applied() {
			assert.Equal(t, model.ActionRuleBasedAllocation, records[i].Action)
			applied++
		} else {
			assert.Equal(t, apierror.ReasonNoEligibleRule, records[i].ErrorCode)
			failed++
		}
	}
	assert.Equal(t, 15, applied)
	assert.Equal(t, 5, failed)

	counterA, _ := te.engine.GetCapacity(context.Background(), "agency-a")
	counterB, _ := te.engine.GetCapacity(context.Background(), "agency-b")
	assert.Equal(t, int64(15), counterA.Current+counterB.Current)

	report, err := te.engine.GetBatchReport(context.Background(), result.BatchID)
	assert.NoError(t, err)
	assert.Equal(t, result.Allocated, report.Allocated)
	assert.Equal(t, result.Failed, report.Failed)
}

func TestRunBatch_ScopedRuleSweepReclaimsCases(t *testing.T) {
	te := newTestEngine(t)
	te.addAgency("agency-1", 100)
	te.addAgency("agency-2", 100)
	te.publishRule(t, fixedRule("rule-legacy", "agency-1", 10))

	// case-1 goes to agency-1 under the legacy rule; case-3 sits below the
	// new rule's band and must stay where it is.
	te.addCase("case-1", 60, "PL01", 100000)
	te.addCase("case-3", 40, "PL01", 100000)
	for _, caseID := range []string{"case-1", "case-3"} {
		_, err := te.engine.Allocate(context.Background(), caseID, model.TriggerManual, "ops@test")
		assert.NoError(t, err)
	}
	// case-2 is never allocated and matches the new rule.
	te.addCase("case-2", 70, "PL01", 100000)

	vip := fixedRule("rule-vip", "agency-2", 50)
	vip.Predicate = model.RulePredicate{BucketMin: 50}
	te.publishRule(t, vip)

	result, err := te.engine.RunBatch(context.Background(), model.BatchSelector{
		Kind:   model.SelectorRule,
		RuleID: "rule-vip",
	}, model.TriggerRuleSweep, "ops@test")
	assert.NoError(t, err)
	assert.Equal(t, 2, result.TotalCases)
	assert.Equal(t, 1, result.Allocated)
	assert.Equal(t, 1, result.Reallocated)
	assert.Equal(t, 0, result.Failed)

	for caseID, want := range map[string]string{
		"case-1": "agency-2",
		"case-2": "agency-2",
		"case-3": "agency-1",
	} {
		owner, err := te.engine.CurrentOwner(context.Background(), caseID)
		assert.NoError(t, err)
		assert.Equal(t, want, owner.AgencyID, "case %s", caseID)
	}

	// Re-running finds every matching case already under the rule.
	second, err := te.engine.RunBatch(context.Background(), model.BatchSelector{
		Kind:   model.SelectorRule,
		RuleID: "rule-vip",
	}, model.TriggerRuleSweep, "ops@test")
	assert.NoError(t, err)
	assert.Equal(t, 0, second.TotalCases)
}

func TestRunBatch_ScopedRuleSweepUnknownRule(t *testing.T) {
	te := newTestEngine(t)

	_, err := te.engine.RunBatch(context.Background(), model.BatchSelector{
		Kind:   model.SelectorRule,
		RuleID: "rule-ghost",
	}, model.TriggerRuleSweep, "ops@test")
	assert.Equal(t, apierror.ErrValidation, apierror.CodeOf(err))
}

func TestRunBatch_AgencyDeallocateWithReroute(t *testing.T) {
	te := newTestEngine(t)
	te.addAgency("agency-1", 100)
	te.addAgency("agency-2", 100)
	te.publishRule(t, fixedRule("rule-main", "agency-1", 10))

	for _, caseID := range []string{"case-1", "case-2"} {
		te.addCase(caseID, 60, "PL01", 100000)
		_, err := te.engine.Allocate(context.Background(), caseID, model.TriggerManual, "ops@test")
		assert.NoError(t, err)
	}

	// The rule now rotates, so the re-route has somewhere to go once the
	// drained agency is excluded.
	rerouted := fixedRule("rule-main", "", 10)
	rerouted.Policy = model.PolicyRoundRobin
	te.publishRule(t, rerouted)

	result, err := te.engine.RunBatch(context.Background(), model.BatchSelector{
		Kind:     model.SelectorAgency,
		AgencyID: "agency-1",
	}, model.TriggerAgencySuspended, "ops@test")
	assert.NoError(t, err)
	assert.Equal(t, 2, result.TotalCases)
	assert.Equal(t, 2, result.Deallocated)
	assert.Equal(t, 2, result.Allocated)
	assert.Equal(t, 0, result.Failed)

	for _, caseID := range []string{"case-1", "case-2"} {
		history, err := te.engine.History(context.Background(), caseID)
		assert.NoError(t, err)
		assert.Len(t, history, 3)
		assert.Equal(t, model.ActionAgencyDeallocated, history[1].Action)
		assert.Equal(t, model.ActionRuleBasedAllocation, history[2].Action)
		assert.Equal(t, result.BatchID, history[1].BatchID)
		assert.Equal(t, result.BatchID, history[2].BatchID)
		assert.Equal(t, "agency-2", history[2].NewAgencyID)
	}

	counter1, _ := te.engine.GetCapacity(context.Background(), "agency-1")
	counter2, _ := te.engine.GetCapacity(context.Background(), "agency-2")
	assert.Equal(t, int64(0), counter1.Current)
	assert.Equal(t, int64(2), counter2.Current)
}

func TestRunBatch_SuppressRerouting(t *testing.T) {
	te := newTestEngine(t)
	te.addAgency("agency-1", 100)
	te.publishRule(t, fixedRule("rule-main", "agency-1", 10))

	te.addCase("case-1", 60, "PL01", 100000)
	_, err := te.engine.Allocate(context.Background(), "case-1", model.TriggerManual, "ops@test")
	assert.NoError(t, err)

	result, err := te.engine.RunBatch(context.Background(), model.BatchSelector{
		Kind:              model.SelectorAgency,
		AgencyID:          "agency-1",
		SuppressRerouting: true,
	}, model.TriggerManual, "ops@test")
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Deallocated)
	assert.Equal(t, 0, result.Allocated)

	owner, err := te.engine.CurrentOwner(context.Background(), "case-1")
	assert.NoError(t, err)
	assert.Equal(t, model.StatusDeallocated, owner.Status)
}

func TestRunBatch_AgentSelectorTransfersCases(t *testing.T) {
	te := newTestEngine(t)
	te.addAgency("agency-1", 100)
	te.addAgent("agent-1", "agency-1", 50)
	te.publishRule(t, fixedRule("rule-main", "agency-1", 10))

	for _, caseID := range []string{"case-1", "case-2"} {
		te.addCase(caseID, 60, "PL01", 100000)
		_, err := te.engine.Allocate(context.Background(), caseID, model.TriggerManual, "ops@test")
		assert.NoError(t, err)
		_, err = te.engine.AssignAgent(context.Background(), caseID, "agent-1", "ops@test")
		assert.NoError(t, err)
	}

	result, err := te.engine.RunBatch(context.Background(), model.BatchSelector{
		Kind:    model.SelectorAgent,
		AgentID: "agent-1",
	}, model.TriggerAgentRemoved, "ops@test")
	assert.NoError(t, err)
	assert.Equal(t, 2, result.TotalCases)
	assert.Equal(t, 2, result.Reallocated)
	assert.Equal(t, 0, result.Failed)

	agent, _ := te.engine.GetCapacity(context.Background(), "agent-1")
	agency, _ := te.engine.GetCapacity(context.Background(), "agency-1")
	assert.Equal(t, int64(0), agent.Current)
	assert.Equal(t, int64(2), agency.Current)

	for _, caseID := range []string{"case-1", "case-2"} {
		owner, err := te.engine.CurrentOwner(context.Background(), caseID)
		assert.NoError(t, err)
		assert.Equal(t, "agency-1", owner.AgencyID)
		assert.Empty(t, owner.AgentID)

		history, _ := te.engine.History(context.Background(), caseID)
		last := history[len(history)-1]
		assert.Equal(t, model.ActionAgentTransfer, last.Action)
		assert.Equal(t, "agent-1", last.PrevAgentID)
	}
}

func TestRunBatch_RerunProcessesNothing(t *testing.T) {
	te := newTestEngine(t)
	te.addAgency("agency-1", 100)
	te.publishRule(t, fixedRule("rule-main", "agency-1", 10))

	te.addCase("case-1", 60, "PL01", 100000)
	_, err := te.engine.Allocate(context.Background(), "case-1", model.TriggerManual, "ops@test")
	assert.NoError(t, err)

	selector := model.BatchSelector{Kind: model.SelectorAgency, AgencyID: "agency-1", SuppressRerouting: true}
	first, err := te.engine.RunBatch(context.Background(), selector, model.TriggerManual, "ops@test")
	assert.NoError(t, err)
	assert.Equal(t, 1, first.Deallocated)

	// The case set resolves from current ownership, so a re-run finds
	// nothing left to move.
	second, err := te.engine.RunBatch(context.Background(), selector, model.TriggerManual, "ops@test")
	assert.NoError(t, err)
	assert.Equal(t, 0, second.TotalCases)
	assert.Equal(t, 0, second.Deallocated)

	history, _ := te.engine.History(context.Background(), "case-1")
	assert.Len(t, history, 2)
}

func TestRunBatch_CancelledContextSkipsCases(t *testing.T) {
	te := newTestEngine(t)
	te.addAgency("agency-1", 100)
	te.publishRule(t, fixedRule("rule-main", "agency-1", 10))
	for i := 0; i < 10; i++ {
		te.addCase(fmt.Sprintf("case-%02d", i), 60, "PL01", 100000)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := te.engine.RunBatch(ctx, model.BatchSelector{Kind: model.SelectorRule}, model.TriggerRuleSweep, "scheduler")
	assert.NoError(t, err)
	assert.Equal(t, 10, result.NotAttempted)
	assert.Equal(t, 0, result.Allocated)
	assert.Equal(t, 0, result.Failed)
	assert.Empty(t, te.ds.records)
}

func TestRunBatch_SelectorValidation(t *testing.T) {
	te := newTestEngine(t)

	_, err := te.engine.RunBatch(context.Background(), model.BatchSelector{Kind: model.SelectorAgency}, model.TriggerManual, "ops@test")
	assert.Equal(t, apierror.ErrValidation, apierror.CodeOf(err))

	_, err = te.engine.RunBatch(context.Background(), model.BatchSelector{Kind: "everything"}, model.TriggerManual, "ops@test")
	assert.Equal(t, apierror.ErrValidation, apierror.CodeOf(err))
}

func TestProcessAllocationTask_DeterministicFailureIsFinal(t *testing.T) {
	te := newTestEngine(t)
	te.addCase("case-1", 60, "PL01", 100000)
	// No rules published: the attempt fails deterministically.

	payload, err := json.Marshal(AllocationTaskPayload{CaseID: "case-1", Trigger: model.TriggerCaseCreated, Actor: "system"})
	assert.NoError(t, err)

	err = te.engine.ProcessAllocationTask(context.Background(), asynq.NewTask("new:allocation", payload))
	assert.NoError(t, err)

	history, _ := te.engine.History(context.Background(), "case-1")
	assert.Len(t, history, 1)
	assert.Equal(t, model.RecordStatusFailed, history[0].Status)
}

func TestProcessBatchTask_RunsUnderSuppliedBatchID(t *testing.T) {
	te := newTestEngine(t)
	te.addAgency("agency-1", 100)
	te.publishRule(t, fixedRule("rule-main", "agency-1", 10))
	te.addCase("case-1", 60, "PL01", 100000)

	payload, err := json.Marshal(BatchTaskPayload{
		BatchID:  "batch_reuse-1",
		Selector: model.BatchSelector{Kind: model.SelectorRule},
		Trigger:  model.TriggerRuleSweep,
		Actor:    "scheduler",
	})
	assert.NoError(t, err)

	err = te.engine.ProcessBatchTask(context.Background(), asynq.NewTask("new:batch", payload))
	assert.NoError(t, err)

	report, err := te.engine.GetBatchReport(context.Background(), "batch_reuse-1")
	assert.NoError(t, err)
	assert.Equal(t, 1, report.Allocated)
}
