package model

import "time"

// CapacityPolicy controls what happens when a reservation would push an
// owner past its configured maximum.
type CapacityPolicy string

const (
	CapacityPolicyHard CapacityPolicy = "hard"
	CapacityPolicySoft CapacityPolicy = "soft"
)

// CapacityCounter is the cached case-load counter for one owner. The ledger
// is authoritative; counters exist so target selection does not replay
// history on every allocation, and they must always be reconstructible with
// ReplayCounters.
type CapacityCounter struct {
	ID         int64          `json:"-"`
	OwnerID    string         `json:"owner_id"`
	OwnerType  OwnerType      `json:"owner_type"`
	Current    int64          `json:"current"`
	Max        int64          `json:"max"`
	Policy     CapacityPolicy `json:"policy"`
	Overflowed bool           `json:"overflowed"`
	Version    int64          `json:"version"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// LoadRatio is the weighted-capacity selection metric. Owners with no
// configured maximum sort last.
func (c *CapacityCounter) LoadRatio() float64 {
	if c.Max <= 0 {
		return 1
	}
	return float64(c.Current) / float64(c.Max)
}

// ReplayCounters rebuilds owner counters from a full ledger replay. Records
// must be ordered by creation time ascending. Each applied record decrements
// every previous owner and increments every new owner; failed records are
// skipped. Agencies and agents are counted independently.
func ReplayCounters(records []AllocationRecord) map[string]int64 {
	counters := make(map[string]int64)
	for i := range records {
		rec := &records[i]
		if !rec.Applied() {
			continue
		}
		if rec.PrevAgencyID != "" {
			counters[rec.PrevAgencyID]--
		}
		if rec.PrevAgentID != "" {
			counters[rec.PrevAgentID]--
		}
		if rec.NewAgencyID != "" {
			counters[rec.NewAgencyID]++
		}
		if rec.NewAgentID != "" {
			counters[rec.NewAgentID]++
		}
	}
	return counters
}
