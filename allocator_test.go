package alloq

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alloq-io/alloq/internal/apierror"
	"github.com/alloq-io/alloq/model"
)

func fixedRule(ruleID, targetAgencyID string, priority int) model.AllocationRule {
	return model.AllocationRule{
		RuleID:         ruleID,
		Name:           "rule " + ruleID,
		Priority:       priority,
		Policy:         model.PolicyFixed,
		TargetAgencyID: targetAgencyID,
	}
}

func TestAllocate_FixedRule(t *testing.T) {
	te := newTestEngine(t)
	te.addAgency("agency-1", 10)
	te.addCase("case-1", 60, "PL01", 250000)
	te.publishRule(t, fixedRule("rule-1", "agency-1", 10))

	rec, err := te.engine.Allocate(context.Background(), "case-1", model.TriggerManual, "ops@test")
	assert.NoError(t, err)
	assert.Equal(t, model.ActionAllocated, rec.Action)
	assert.Equal(t, model.RecordStatusApplied, rec.Status)
	assert.Equal(t, "agency-1", rec.NewAgencyID)
	assert.Empty(t, rec.NewAgentID)
	assert.Empty(t, rec.PrevAgencyID)
	assert.Equal(t, "rule-1", rec.RuleID)
	assert.Equal(t, int64(1), rec.SequenceNumber)

	counter, err := te.engine.GetCapacity(context.Background(), "agency-1")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), counter.Current)
}

func TestAllocate_HighestPriorityRuleWins(t *testing.T) {
	te := newTestEngine(t)
	te.addAgency("agency-low", 10)
	te.addAgency("agency-high", 10)
	te.addCase("case-1", 60, "PL01", 250000)
	te.publishRule(t, fixedRule("rule-low", "agency-low", 5))
	te.publishRule(t, fixedRule("rule-high", "agency-high", 50))

	rec, err := te.engine.Allocate(context.Background(), "case-1", model.TriggerManual, "ops@test")
	assert.NoError(t, err)
	assert.Equal(t, "agency-high", rec.NewAgencyID)
	assert.Equal(t, "rule-high", rec.RuleID)
}

func TestAllocate_NoEligibleRuleWritesFailedRecord(t *testing.T) {
	te := newTestEngine(t)
	te.addAgency("agency-1", 10)
	te.addCase("case-1", 30, "PL01", 250000)

	rule := fixedRule("rule-1", "agency-1", 10)
	rule.Predicate = model.RulePredicate{BucketMin: 90}
	te.publishRule(t, rule)

	rec, err := te.engine.Allocate(context.Background(), "case-1", model.TriggerManual, "ops@test")
	assert.Nil(t, rec)
	assert.Equal(t, apierror.ErrBusinessRule, apierror.CodeOf(err))
	assert.Equal(t, apierror.ReasonNoEligibleRule, apierror.ReasonOf(err))

	history, err := te.engine.History(context.Background(), "case-1")
	assert.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, model.RecordStatusFailed, history[0].Status)
	assert.Equal(t, apierror.ReasonNoEligibleRule, history[0].ErrorCode)

	owner, err := te.engine.CurrentOwner(context.Background(), "case-1")
	assert.NoError(t, err)
	assert.Equal(t, model.StatusPending, owner.Status)
	assert.Empty(t, owner.AgencyID)
}

func TestAllocate_FixedTargetSuspended(t *testing.T) {
	te := newTestEngine(t)
	te.owners.add(model.OwnerDescriptor{
		OwnerID:     "agency-1",
		Type:        model.OwnerTypeAgency,
		Status:      model.OwnerStatusSuspended,
		MaxCapacity: 10,
	})
	te.addCase("case-1", 60, "PL01", 250000)
	te.publishRule(t, fixedRule("rule-1", "agency-1", 10))

	rec, err := te.engine.Allocate(context.Background(), "case-1", model.TriggerManual, "ops@test")
	assert.Nil(t, rec)
	assert.Equal(t, apierror.ReasonTargetUnavailable, apierror.ReasonOf(err))

	history, _ := te.engine.History(context.Background(), "case-1")
	assert.Len(t, history, 1)
	assert.Equal(t, model.RecordStatusFailed, history[0].Status)
	assert.Equal(t, apierror.ReasonTargetUnavailable, history[0].ErrorCode)
}

func TestAllocate_RoundRobinRotation(t *testing.T) {
	te := newTestEngine(t)
	te.addAgency("agency-a", 10)
	te.addAgency("agency-b", 10)
	rule := fixedRule("rule-rr", "", 10)
	rule.Policy = model.PolicyRoundRobin
	te.publishRule(t, rule)

	expected := []string{"agency-a", "agency-b", "agency-a", "agency-b"}
	for i, want := range expected {
		caseID := []string{"case-1", "case-2", "case-3", "case-4"}[i]
		te.addCase(caseID, 60, "PL01", 100000)
		rec, err := te.engine.Allocate(context.Background(), caseID, model.TriggerManual, "ops@test")
		assert.NoError(t, err)
		assert.Equal(t, want, rec.NewAgencyID, "case %s", caseID)
	}

	// The cursor points one past the slot that last received a case.
	position, err := te.ds.GetRotationCursor(context.Background(), "rule-rr")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), position)
}

func TestAllocate_RoundRobinSkipsFullThenExhausts(t *testing.T) {
	te := newTestEngine(t)
	te.addAgency("agency-a", 2)
	te.addAgency("agency-b", 2)
	rule := fixedRule("rule-rr", "", 10)
	rule.Policy = model.PolicyRoundRobin
	te.publishRule(t, rule)

	for _, caseID := range []string{"case-1", "case-2", "case-3", "case-4"} {
		te.addCase(caseID, 60, "PL01", 100000)
		_, err := te.engine.Allocate(context.Background(), caseID, model.TriggerManual, "ops@test")
		assert.NoError(t, err)
	}

	te.addCase("case-5", 60, "PL01", 100000)
	rec, err := te.engine.Allocate(context.Background(), "case-5", model.TriggerManual, "ops@test")
	assert.Nil(t, rec)
	assert.Equal(t, apierror.ReasonTargetUnavailable, apierror.ReasonOf(err))

	counterA, _ := te.engine.GetCapacity(context.Background(), "agency-a")
	counterB, _ := te.engine.GetCapacity(context.Background(), "agency-b")
	assert.Equal(t, int64(2), counterA.Current)
	assert.Equal(t, int64(2), counterB.Current)

	// A failed attempt never advances the rotation.
	position, _ := te.ds.GetRotationCursor(context.Background(), "rule-rr")
	assert.Equal(t, int64(2), position)
}

func TestAllocate_WeightedCapacityPicksLowestLoad(t *testing.T) {
	te := newTestEngine(t)
	te.addAgency("agency-a", 10)
	te.addAgency("agency-b", 10)
	rule := fixedRule("rule-w", "", 10)
	rule.Policy = model.PolicyWeightedCapacity
	te.publishRule(t, rule)

	seedCounter := func(ownerID string, current int64) {
		te.ds.counters[ownerID] = &model.CapacityCounter{
			OwnerID:   ownerID,
			OwnerType: model.OwnerTypeAgency,
			Current:   current,
			Max:       10,
			Policy:    model.CapacityPolicyHard,
		}
	}
	seedCounter("agency-a", 5)
	seedCounter("agency-b", 2)

	te.addCase("case-1", 60, "PL01", 100000)
	rec, err := te.engine.Allocate(context.Background(), "case-1", model.TriggerManual, "ops@test")
	assert.NoError(t, err)
	assert.Equal(t, "agency-b", rec.NewAgencyID)
}

func TestAllocate_WeightedCapacityTieBreaksOnOwnerID(t *testing.T) {
	te := newTestEngine(t)
	te.addAgency("agency-b", 10)
	te.addAgency("agency-a", 10)
	rule := fixedRule("rule-w", "", 10)
	rule.Policy = model.PolicyWeightedCapacity
	te.publishRule(t, rule)

	te.addCase("case-1", 60, "PL01", 100000)
	rec, err := te.engine.Allocate(context.Background(), "case-1", model.TriggerManual, "ops@test")
	assert.NoError(t, err)
	assert.Equal(t, "agency-a", rec.NewAgencyID)
}

func TestAllocate_SameTargetIsNoOp(t *testing.T) {
	te := newTestEngine(t)
	te.addAgency("agency-1", 10)
	te.addCase("case-1", 60, "PL01", 250000)
	te.publishRule(t, fixedRule("rule-1", "agency-1", 10))

	first, err := te.engine.Allocate(context.Background(), "case-1", model.TriggerManual, "ops@test")
	assert.NoError(t, err)

	second, err := te.engine.Allocate(context.Background(), "case-1", model.TriggerManual, "ops@test")
	assert.NoError(t, err)
	assert.Equal(t, first.RecordID, second.RecordID)

	history, _ := te.engine.History(context.Background(), "case-1")
	assert.Len(t, history, 1)

	counter, _ := te.engine.GetCapacity(context.Background(), "agency-1")
	assert.Equal(t, int64(1), counter.Current)
}

func TestAllocate_ReallocatesWhenRulesMove(t *testing.T) {
	te := newTestEngine(t)
	te.addAgency("agency-1", 10)
	te.addAgency("agency-2", 10)
	te.addCase("case-1", 60, "PL01", 250000)
	te.publishRule(t, fixedRule("rule-1", "agency-1", 10))

	_, err := te.engine.Allocate(context.Background(), "case-1", model.TriggerManual, "ops@test")
	assert.NoError(t, err)

	// A new version of the same rule now points elsewhere.
	te.publishRule(t, fixedRule("rule-1", "agency-2", 10))

	rec, err := te.engine.Allocate(context.Background(), "case-1", model.TriggerManual, "ops@test")
	assert.NoError(t, err)
	assert.Equal(t, model.ActionReallocated, rec.Action)
	assert.Equal(t, "agency-1", rec.PrevAgencyID)
	assert.Equal(t, "agency-2", rec.NewAgencyID)
	assert.Equal(t, int64(2), rec.SequenceNumber)

	counter1, _ := te.engine.GetCapacity(context.Background(), "agency-1")
	counter2, _ := te.engine.GetCapacity(context.Background(), "agency-2")
	assert.Equal(t, int64(0), counter1.Current)
	assert.Equal(t, int64(1), counter2.Current)
}

func TestAllocate_ConcurrentAttemptsProduceOneRecord(t *testing.T) {
	te := newTestEngine(t)
	te.addAgency("agency-1", 10)
	te.addCase("case-1", 60, "PL01", 250000)
	te.publishRule(t, fixedRule("rule-1", "agency-1", 10))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := te.engine.Allocate(context.Background(), "case-1", model.TriggerManual, "ops@test")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	history, _ := te.engine.History(context.Background(), "case-1")
	assert.Len(t, history, 1)

	counter, _ := te.engine.GetCapacity(context.Background(), "agency-1")
	assert.Equal(t, int64(1), counter.Current)
}

func TestAllocate_HardCapNeverExceededUnderLoad(t *testing.T) {
	te := newTestEngine(t)
	te.addAgency("agency-1", 5)
	te.publishRule(t, fixedRule("rule-1", "agency-1", 10))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		caseID := model.GenerateUUIDWithSuffix("case")
		te.addCase(caseID, 60, "PL01", 100000)
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = te.engine.Allocate(context.Background(), id, model.TriggerManual, "ops@test")
		}(caseID)
	}
	wg.Wait()

	counter, err := te.engine.GetCapacity(context.Background(), "agency-1")
	assert.NoError(t, err)
	assert.Equal(t, int64(5), counter.Current)

	applied, failed := 0, 0
	for i := range te.ds.records {
		if te.ds.records[i].Applied() {
			applied++
		} else {
			failed++
		}
	}
	assert.Equal(t, 5, applied)
	assert.Equal(t, 15, failed)
}

func TestAllocate_FailedWriteLeavesCountersUntouched(t *testing.T) {
	te := newTestEngine(t)
	te.addAgency("agency-1", 10)
	te.addCase("case-1", 60, "PL01", 250000)
	te.publishRule(t, fixedRule("rule-1", "agency-1", 10))

	te.ds.failCommit = apierror.NewAPIError(apierror.ErrSystem, "Failed to record allocation", errors.New("connection reset"))
	_, err := te.engine.Allocate(context.Background(), "case-1", model.TriggerManual, "ops@test")
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrSystem, apierror.CodeOf(err))

	// Counter and ledger commit together, so a failed write moves neither.
	counter, err := te.engine.GetCapacity(context.Background(), "agency-1")
	assert.NoError(t, err)
	assert.Equal(t, int64(0), counter.Current)

	history, _ := te.engine.History(context.Background(), "case-1")
	assert.Empty(t, history)

	// A retry starts from a clean state and lands both sides.
	rec, err := te.engine.Allocate(context.Background(), "case-1", model.TriggerManual, "ops@test")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), rec.SequenceNumber)

	counter, _ = te.engine.GetCapacity(context.Background(), "agency-1")
	assert.Equal(t, int64(1), counter.Current)
}

func TestDeallocate_ReleasesCapacity(t *testing.T) {
	te := newTestEngine(t)
	te.addAgency("agency-1", 10)
	te.addCase("case-1", 60, "PL01", 250000)
	te.publishRule(t, fixedRule("rule-1", "agency-1", 10))

	_, err := te.engine.Allocate(context.Background(), "case-1", model.TriggerManual, "ops@test")
	assert.NoError(t, err)

	rec, err := te.engine.Deallocate(context.Background(), "case-1", model.TriggerManual, "ops@test")
	assert.NoError(t, err)
	assert.Equal(t, model.ActionDeallocated, rec.Action)
	assert.Equal(t, "agency-1", rec.PrevAgencyID)
	assert.Empty(t, rec.NewAgencyID)

	counter, _ := te.engine.GetCapacity(context.Background(), "agency-1")
	assert.Equal(t, int64(0), counter.Current)

	owner, err := te.engine.CurrentOwner(context.Background(), "case-1")
	assert.NoError(t, err)
	assert.Equal(t, model.StatusDeallocated, owner.Status)
	assert.Empty(t, owner.AgencyID)
}

func TestDeallocate_AlreadyUnownedIsNoOp(t *testing.T) {
	te := newTestEngine(t)
	te.addAgency("agency-1", 10)
	te.addCase("case-1", 60, "PL01", 250000)
	te.publishRule(t, fixedRule("rule-1", "agency-1", 10))

	_, err := te.engine.Allocate(context.Background(), "case-1", model.TriggerManual, "ops@test")
	assert.NoError(t, err)
	first, err := te.engine.Deallocate(context.Background(), "case-1", model.TriggerManual, "ops@test")
	assert.NoError(t, err)

	second, err := te.engine.Deallocate(context.Background(), "case-1", model.TriggerManual, "ops@test")
	assert.NoError(t, err)
	assert.Equal(t, first.RecordID, second.RecordID)

	history, _ := te.engine.History(context.Background(), "case-1")
	assert.Len(t, history, 2)
}

func TestDeallocate_NeverAllocatedIsNoOp(t *testing.T) {
	te := newTestEngine(t)

	rec, err := te.engine.Deallocate(context.Background(), "case-unknown", model.TriggerManual, "ops@test")
	assert.NoError(t, err)
	assert.Nil(t, rec)

	history, _ := te.engine.History(context.Background(), "case-unknown")
	assert.Empty(t, history)
}

func TestAllocate_SequenceNumbersAreGapless(t *testing.T) {
	te := newTestEngine(t)
	te.addAgency("agency-1", 10)
	te.addAgency("agency-2", 10)
	te.addCase("case-1", 60, "PL01", 250000)
	te.publishRule(t, fixedRule("rule-1", "agency-1", 10))

	_, err := te.engine.Allocate(context.Background(), "case-1", model.TriggerManual, "ops@test")
	assert.NoError(t, err)
	te.publishRule(t, fixedRule("rule-1", "agency-2", 10))
	_, err = te.engine.Allocate(context.Background(), "case-1", model.TriggerManual, "ops@test")
	assert.NoError(t, err)
	_, err = te.engine.Deallocate(context.Background(), "case-1", model.TriggerManual, "ops@test")
	assert.NoError(t, err)

	history, _ := te.engine.History(context.Background(), "case-1")
	assert.Len(t, history, 3)
	for i, rec := range history {
		assert.Equal(t, int64(i+1), rec.SequenceNumber)
	}
}
