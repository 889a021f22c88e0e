package alloq

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/alloq-io/alloq/config"
	"github.com/alloq-io/alloq/internal/apierror"
	redis_db "github.com/alloq-io/alloq/internal/redis-db"
	"github.com/alloq-io/alloq/model"
)

// memoryDataSource mirrors the Postgres store's semantics in memory so the
// engine's behavior can be exercised end to end. All methods are guarded by
// one mutex, matching the row-level atomicity the SQL store provides.
type memoryDataSource struct {
	mu       sync.Mutex
	records  []model.AllocationRecord
	counters map[string]*model.CapacityCounter
	rules    []model.AllocationRule
	cursors  map[string]int64
	batches  map[string]*model.BatchResult

	// failCommit makes the next CommitAllocation fail, once, with no
	// counter or ledger mutation. Simulates a write error at commit time.
	failCommit error
}

func newMemoryDataSource() *memoryDataSource {
	return &memoryDataSource{
		counters: make(map[string]*model.CapacityCounter),
		cursors:  make(map[string]int64),
		batches:  make(map[string]*model.BatchResult),
	}
}

func (m *memoryDataSource) RecordAllocation(_ context.Context, rec *model.AllocationRecord) (*model.AllocationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(rec)
	return rec, nil
}

func (m *memoryDataSource) appendLocked(rec *model.AllocationRecord) {
	var maxSeq int64
	for i := range m.records {
		if m.records[i].CaseID == rec.CaseID && m.records[i].SequenceNumber > maxSeq {
			maxSeq = m.records[i].SequenceNumber
		}
	}
	rec.SequenceNumber = maxSeq + 1
	m.records = append(m.records, *rec)
}

func (m *memoryDataSource) GetAllocationRecord(_ context.Context, recordID string) (*model.AllocationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].RecordID == recordID {
			rec := m.records[i]
			return &rec, nil
		}
	}
	return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Allocation record with ID '%s' not found", recordID), nil)
}

func (m *memoryDataSource) GetCaseHistory(_ context.Context, caseID string) ([]model.AllocationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var history []model.AllocationRecord
	for i := range m.records {
		if m.records[i].CaseID == caseID {
			history = append(history, m.records[i])
		}
	}
	sort.Slice(history, func(i, j int) bool { return history[i].SequenceNumber < history[j].SequenceNumber })
	return history, nil
}

func (m *memoryDataSource) GetLastAppliedRecord(_ context.Context, caseID string) (*model.AllocationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *model.AllocationRecord
	for i := range m.records {
		rec := &m.records[i]
		if rec.CaseID != caseID || !rec.Applied() {
			continue
		}
		if last == nil || rec.SequenceNumber > last.SequenceNumber {
			last = rec
		}
	}
	if last == nil {
		return nil, nil
	}
	cp := *last
	return &cp, nil
}

func (m *memoryDataSource) GetActiveCasesForOwner(_ context.Context, ownerID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := make(map[string]*model.AllocationRecord)
	for i := range m.records {
		rec := &m.records[i]
		if !rec.Applied() {
			continue
		}
		if cur, ok := latest[rec.CaseID]; !ok || rec.SequenceNumber > cur.SequenceNumber {
			latest[rec.CaseID] = rec
		}
	}
	var caseIDs []string
	for caseID, rec := range latest {
		if rec.Action.Deallocating() {
			continue
		}
		if rec.NewAgencyID == ownerID || rec.NewAgentID == ownerID {
			caseIDs = append(caseIDs, caseID)
		}
	}
	sort.Strings(caseIDs)
	return caseIDs, nil
}

func (m *memoryDataSource) GetRecordsByBatchID(_ context.Context, batchID string) ([]model.AllocationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var records []model.AllocationRecord
	for i := range m.records {
		if m.records[i].BatchID == batchID {
			records = append(records, m.records[i])
		}
	}
	return records, nil
}

func (m *memoryDataSource) GetAllRecords(_ context.Context, limit, offset int) ([]model.AllocationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset >= len(m.records) {
		return nil, nil
	}
	end := offset + limit
	if end > len(m.records) {
		end = len(m.records)
	}
	page := make([]model.AllocationRecord, end-offset)
	copy(page, m.records[offset:end])
	return page, nil
}

func (m *memoryDataSource) GetCapacityCounter(_ context.Context, ownerID string) (*model.CapacityCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counter, ok := m.counters[ownerID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Capacity counter for owner '%s' not found", ownerID), nil)
	}
	cp := *counter
	return &cp, nil
}

func (m *memoryDataSource) EnsureCapacityCounter(_ context.Context, counter *model.CapacityCounter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.counters[counter.OwnerID]; ok {
		existing.Max = counter.Max
		existing.Policy = counter.Policy
		return nil
	}
	cp := *counter
	cp.UpdatedAt = time.Now()
	m.counters[counter.OwnerID] = &cp
	return nil
}

func (m *memoryDataSource) GetCapacityCounters(_ context.Context, ownerIDs []string) ([]model.CapacityCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var counters []model.CapacityCounter
	for _, id := range ownerIDs {
		if counter, ok := m.counters[id]; ok {
			counters = append(counters, *counter)
		}
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i].OwnerID < counters[j].OwnerID })
	return counters, nil
}

func (m *memoryDataSource) TryReserveCapacity(_ context.Context, ownerID string, delta int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counter, ok := m.counters[ownerID]
	if !ok {
		return false, nil
	}
	if counter.Policy == model.CapacityPolicyHard && counter.Current+delta > counter.Max {
		return false, nil
	}
	counter.Current += delta
	counter.Overflowed = counter.Policy == model.CapacityPolicySoft && counter.Current > counter.Max
	counter.Version++
	return true, nil
}

func (m *memoryDataSource) ReleaseCapacity(_ context.Context, ownerID string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if counter, ok := m.counters[ownerID]; ok {
		counter.Current -= delta
		if counter.Current < 0 {
			counter.Current = 0
		}
		counter.Version++
	}
	return nil
}

func (m *memoryDataSource) CommitAllocation(_ context.Context, rec *model.AllocationRecord, releases []string, reserves []string) (*model.AllocationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Stage on copies so any refusal leaves nothing half-applied,
	// mirroring the single SQL transaction.
	staged := make(map[string]model.CapacityCounter, len(m.counters))
	for id, counter := range m.counters {
		staged[id] = *counter
	}
	for _, ownerID := range releases {
		if ownerID == "" {
			continue
		}
		if counter, ok := staged[ownerID]; ok {
			counter.Current--
			if counter.Current < 0 {
				counter.Current = 0
			}
			counter.Version++
			staged[ownerID] = counter
		}
	}
	for _, ownerID := range reserves {
		if ownerID == "" {
			continue
		}
		counter, ok := staged[ownerID]
		if !ok {
			return nil, apierror.NewBusinessError(apierror.ReasonCapacityExhausted, fmt.Sprintf("owner %s is at hard capacity", ownerID))
		}
		if counter.Policy == model.CapacityPolicyHard && counter.Current+1 > counter.Max {
			return nil, apierror.NewBusinessError(apierror.ReasonCapacityExhausted, fmt.Sprintf("owner %s is at hard capacity", ownerID))
		}
		counter.Current++
		counter.Overflowed = counter.Policy == model.CapacityPolicySoft && counter.Current > counter.Max
		counter.Version++
		staged[ownerID] = counter
	}

	if m.failCommit != nil {
		err := m.failCommit
		m.failCommit = nil
		return nil, err
	}

	for id := range staged {
		counter := staged[id]
		m.counters[id] = &counter
	}
	m.appendLocked(rec)
	return rec, nil
}

func (m *memoryDataSource) GetActiveCasesNotUnderRule(_ context.Context, ruleID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := make(map[string]*model.AllocationRecord)
	for i := range m.records {
		rec := &m.records[i]
		if !rec.Applied() {
			continue
		}
		if cur, ok := latest[rec.CaseID]; !ok || rec.SequenceNumber > cur.SequenceNumber {
			latest[rec.CaseID] = rec
		}
	}
	var caseIDs []string
	for caseID, rec := range latest {
		if rec.Action.Deallocating() || rec.RuleID == ruleID {
			continue
		}
		caseIDs = append(caseIDs, caseID)
	}
	sort.Strings(caseIDs)
	return caseIDs, nil
}

func (m *memoryDataSource) ResetCapacityCounters(_ context.Context, counters map[string]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, counter := range m.counters {
		counter.Current = 0
		counter.Version++
	}
	for ownerID, load := range counters {
		if counter, ok := m.counters[ownerID]; ok {
			counter.Current = load
		}
	}
	return nil
}

func (m *memoryDataSource) PublishRule(_ context.Context, r *model.AllocationRule) (*model.AllocationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if r.ActiveFrom.IsZero() {
		r.ActiveFrom = now
	}
	maxVersion := 0
	for i := range m.rules {
		if m.rules[i].RuleID == r.RuleID {
			if m.rules[i].Version > maxVersion {
				maxVersion = m.rules[i].Version
			}
			if m.rules[i].ActiveTo.IsZero() {
				m.rules[i].ActiveTo = r.ActiveFrom
			}
		}
	}
	r.Version = maxVersion + 1
	r.CreatedAt = now
	m.rules = append(m.rules, *r)
	return r, nil
}

func (m *memoryDataSource) GetActiveRules(_ context.Context) ([]model.AllocationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var active []model.AllocationRule
	for i := range m.rules {
		if m.rules[i].ActiveAt(now) {
			active = append(active, m.rules[i])
		}
	}
	model.SortRules(active)
	return active, nil
}

func (m *memoryDataSource) GetRuleVersions(_ context.Context, ruleID string) ([]model.AllocationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var versions []model.AllocationRule
	for i := range m.rules {
		if m.rules[i].RuleID == ruleID {
			versions = append(versions, m.rules[i])
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version > versions[j].Version })
	return versions, nil
}

func (m *memoryDataSource) GetRotationCursor(_ context.Context, ruleID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[ruleID], nil
}

func (m *memoryDataSource) AdvanceRotationCursor(_ context.Context, ruleID string, position int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[ruleID] = position
	return nil
}

func (m *memoryDataSource) SaveBatchResult(_ context.Context, result *model.BatchResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *result
	m.batches[result.BatchID] = &cp
	return nil
}

func (m *memoryDataSource) GetBatchResult(_ context.Context, batchID string) (*model.BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result, ok := m.batches[batchID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "Batch result not found", nil)
	}
	cp := *result
	return &cp, nil
}

// stubCaseDirectory serves case snapshots from a map. It consults the
// ledger to answer the unallocated-cases query, the same way the upstream
// directory's status filter reflects allocation outcomes.
type stubCaseDirectory struct {
	mu    sync.Mutex
	ds    *memoryDataSource
	cases map[string]model.CaseSnapshot
}

func newStubCaseDirectory(ds *memoryDataSource) *stubCaseDirectory {
	return &stubCaseDirectory{ds: ds, cases: make(map[string]model.CaseSnapshot)}
}

func (s *stubCaseDirectory) add(cs model.CaseSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cases[cs.CaseID] = cs
}

func (s *stubCaseDirectory) GetCase(_ context.Context, caseID string) (*model.CaseSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.cases[caseID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Directory returned 404 for case %s", caseID), nil)
	}
	return &cs, nil
}

func (s *stubCaseDirectory) GetUnallocatedCases(ctx context.Context) ([]model.CaseSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cases []model.CaseSnapshot
	for _, cs := range s.cases {
		last, err := s.ds.GetLastAppliedRecord(ctx, cs.CaseID)
		if err != nil {
			return nil, err
		}
		if last == nil || last.Action.Deallocating() {
			cases = append(cases, cs)
		}
	}
	sort.Slice(cases, func(i, j int) bool { return cases[i].CaseID < cases[j].CaseID })
	return cases, nil
}

// stubOwnerDirectory serves owner descriptors from a map.
type stubOwnerDirectory struct {
	mu     sync.Mutex
	owners map[string]model.OwnerDescriptor
}

func newStubOwnerDirectory() *stubOwnerDirectory {
	return &stubOwnerDirectory{owners: make(map[string]model.OwnerDescriptor)}
}

func (s *stubOwnerDirectory) add(desc model.OwnerDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[desc.OwnerID] = desc
}

func (s *stubOwnerDirectory) GetOwner(_ context.Context, ownerID string) (*model.OwnerDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	desc, ok := s.owners[ownerID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Directory returned 404 for owner %s", ownerID), nil)
	}
	return &desc, nil
}

func (s *stubOwnerDirectory) ListEligibleOwners(_ context.Context, ownerType model.OwnerType) ([]model.OwnerDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var owners []model.OwnerDescriptor
	for _, desc := range s.owners {
		if desc.Type == ownerType && desc.Eligible() {
			owners = append(owners, desc)
		}
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i].OwnerID < owners[j].OwnerID })
	return owners, nil
}

// testEngine wires an engine against the in-memory store, stub directories
// and a miniredis instance for the case locks.
type testEngine struct {
	engine *Alloq
	ds     *memoryDataSource
	cases  *stubCaseDirectory
	owners *stubOwnerDirectory
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' occurred when starting miniredis", err)
	}
	t.Cleanup(mr.Close)

	config.MockConfig(&config.Configuration{
		Redis: config.RedisConfig{Dns: mr.Addr()},
	})

	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", mr.Addr())})
	if err != nil {
		t.Fatalf("an error '%s' occurred when creating the redis client", err)
	}

	ds := newMemoryDataSource()
	cases := newStubCaseDirectory(ds)
	owners := newStubOwnerDirectory()
	engine := &Alloq{
		datasource: ds,
		redis:      redisClient.Client(),
		rules:      NewRuleStore(ds),
		cases:      cases,
		owners:     owners,
	}
	return &testEngine{engine: engine, ds: ds, cases: cases, owners: owners}
}

func (te *testEngine) addAgency(ownerID string, maxCapacity int64) {
	te.owners.add(model.OwnerDescriptor{
		OwnerID:     ownerID,
		Type:        model.OwnerTypeAgency,
		Status:      model.OwnerStatusActive,
		MaxCapacity: maxCapacity,
	})
}

func (te *testEngine) addAgent(ownerID, agencyID string, maxCapacity int64) {
	te.owners.add(model.OwnerDescriptor{
		OwnerID:        ownerID,
		Type:           model.OwnerTypeAgent,
		ParentAgencyID: agencyID,
		Status:         model.OwnerStatusActive,
		MaxCapacity:    maxCapacity,
	})
}

func (te *testEngine) addCase(caseID string, bucket int, productCode string, amount int64) {
	te.cases.add(model.CaseSnapshot{
		CaseID:            caseID,
		Bucket:            bucket,
		ProductCode:       productCode,
		Region:            "NG",
		OutstandingAmount: amount,
		Status:            model.StatusPending,
		CreatedAt:         time.Now(),
	})
}

func (te *testEngine) publishRule(t *testing.T, rule model.AllocationRule) {
	t.Helper()
	if _, err := te.engine.rules.Publish(context.Background(), &rule); err != nil {
		t.Fatalf("an error '%s' occurred when publishing rule %s", err, rule.RuleID)
	}
}
