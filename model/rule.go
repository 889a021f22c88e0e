package model

import (
	"sort"
	"time"
)

// SelectionPolicy decides how a matched rule picks an owner.
type SelectionPolicy string

const (
	PolicyFixed            SelectionPolicy = "fixed"
	PolicyRoundRobin       SelectionPolicy = "round_robin"
	PolicyWeightedCapacity SelectionPolicy = "weighted_capacity"
)

// RulePredicate is the eligibility side of a rule. Zero values widen the
// predicate: an empty ProductCodes list matches every product, AmountMax of 0
// means no upper band, and so on.
type RulePredicate struct {
	BucketMin    int      `json:"bucket_min"`
	BucketMax    int      `json:"bucket_max"`
	ProductCodes []string `json:"product_codes,omitempty"`
	Regions      []string `json:"regions,omitempty"`
	AmountMin    int64    `json:"amount_min"`
	AmountMax    int64    `json:"amount_max"`
}

// Matches reports whether the case falls inside every configured band.
func (p RulePredicate) Matches(cs *CaseSnapshot) bool {
	if cs.Bucket < p.BucketMin {
		return false
	}
	if p.BucketMax > 0 && cs.Bucket > p.BucketMax {
		return false
	}
	if cs.OutstandingAmount < p.AmountMin {
		return false
	}
	if p.AmountMax > 0 && cs.OutstandingAmount > p.AmountMax {
		return false
	}
	if len(p.ProductCodes) > 0 && !contains(p.ProductCodes, cs.ProductCode) {
		return false
	}
	if len(p.Regions) > 0 && !contains(p.Regions, cs.Region) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// AllocationRule is a published, immutable rule version. Editing a rule means
// publishing a new version; the store closes the old version's validity
// window in the same transaction.
type AllocationRule struct {
	ID            int64           `json:"-"`
	RuleID        string          `json:"rule_id"`
	Version       int             `json:"version"`
	Name          string          `json:"name"`
	Priority      int             `json:"priority"`
	Predicate     RulePredicate   `json:"predicate"`
	Policy        SelectionPolicy `json:"policy"`
	TargetAgencyID string         `json:"target_agency_id,omitempty"`
	TargetAgentID  string         `json:"target_agent_id,omitempty"`
	ActiveFrom    time.Time       `json:"active_from"`
	ActiveTo      time.Time       `json:"active_to,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ActiveAt reports whether the version's validity window covers t.
func (r *AllocationRule) ActiveAt(t time.Time) bool {
	if t.Before(r.ActiveFrom) {
		return false
	}
	if !r.ActiveTo.IsZero() && !t.Before(r.ActiveTo) {
		return false
	}
	return true
}

// SortRules orders rules for evaluation: descending priority, then ascending
// rule id so evaluation order is deterministic across processes.
func SortRules(rules []AllocationRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].RuleID < rules[j].RuleID
	})
}

// FirstMatch returns the highest-priority rule whose predicate matches the
// case, or nil when no rule is eligible. Rules must already be sorted.
func FirstMatch(rules []AllocationRule, cs *CaseSnapshot) *AllocationRule {
	for i := range rules {
		if rules[i].Predicate.Matches(cs) {
			return &rules[i]
		}
	}
	return nil
}
