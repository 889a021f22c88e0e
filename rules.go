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
	"sync/atomic"
	"time"

	"github.com/alloq-io/alloq/database"
	"github.com/alloq-io/alloq/internal/apierror"
	"github.com/alloq-io/alloq/model"
)

// snapshotTTL bounds how stale a process's rule snapshot can get before the
// next evaluation reloads it from the store. Publishing through the same
// process replaces the snapshot immediately.
const snapshotTTL = time.Minute

type ruleSnapshot struct {
	rules    []model.AllocationRule
	loadedAt time.Time
}

// RuleStore serves the active rule set for evaluation. Rules are immutable
// versions; the store keeps a process-wide snapshot swapped atomically so
// one allocation sees one consistent rule set end to end.
type RuleStore struct {
	datasource database.IDataSource
	snapshot   atomic.Value
}

func NewRuleStore(datasource database.IDataSource) *RuleStore {
	return &RuleStore{datasource: datasource}
}

// ActiveRules returns the rules to evaluate, ordered by descending priority
// then ascending rule id. The returned slice must be treated as read-only.
func (s *RuleStore) ActiveRules(ctx context.Context) ([]model.AllocationRule, error) {
	if snap, ok := s.snapshot.Load().(*ruleSnapshot); ok && time.Since(snap.loadedAt) < snapshotTTL {
		return snap.rules, nil
	}
	return s.Refresh(ctx)
}

// Refresh reloads the snapshot from the store. Concurrent refreshes are
// harmless; the last one wins and every result is equally valid.
func (s *RuleStore) Refresh(ctx context.Context) ([]model.AllocationRule, error) {
	rules, err := s.datasource.GetActiveRules(ctx)
	if err != nil {
		return nil, err
	}
	model.SortRules(rules)
	s.snapshot.Store(&ruleSnapshot{rules: rules, loadedAt: time.Now()})
	return rules, nil
}

// Publish validates and persists a new rule version, superseding the prior
// one atomically, then replaces the snapshot so evaluation in this process
// picks the new version up immediately.
func (s *RuleStore) Publish(ctx context.Context, rule *model.AllocationRule) (*model.AllocationRule, error) {
	if err := validateRule(rule); err != nil {
		return nil, err
	}
	published, err := s.datasource.PublishRule(ctx, rule)
	if err != nil {
		return nil, err
	}
	if _, err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	return published, nil
}

// Versions lists every published version of one rule, newest first.
func (s *RuleStore) Versions(ctx context.Context, ruleID string) ([]model.AllocationRule, error) {
	return s.datasource.GetRuleVersions(ctx, ruleID)
}

// PublishRule publishes a rule version through the engine's rule store.
func (a *Alloq) PublishRule(ctx context.Context, rule *model.AllocationRule) (*model.AllocationRule, error) {
	return a.rules.Publish(ctx, rule)
}

// ActiveRules returns the rule set currently used for evaluation.
func (a *Alloq) ActiveRules(ctx context.Context) ([]model.AllocationRule, error) {
	return a.rules.ActiveRules(ctx)
}

// RuleVersions lists every published version of one rule, newest first.
func (a *Alloq) RuleVersions(ctx context.Context, ruleID string) ([]model.AllocationRule, error) {
	return a.rules.Versions(ctx, ruleID)
}

func validateRule(rule *model.AllocationRule) error {
	if rule.RuleID == "" {
		return apierror.NewAPIError(apierror.ErrValidation, "Rule id is required", nil)
	}
	if rule.Name == "" {
		return apierror.NewAPIError(apierror.ErrValidation, "Rule name is required", nil)
	}
	switch rule.Policy {
	case model.PolicyFixed:
		if rule.TargetAgencyID == "" && rule.TargetAgentID == "" {
			return apierror.NewAPIError(apierror.ErrValidation, "Fixed policy rules need a target owner", nil)
		}
	case model.PolicyRoundRobin, model.PolicyWeightedCapacity:
		// Candidates come from the owner directory at evaluation time.
	default:
		return apierror.NewAPIError(apierror.ErrValidation, "Unknown selection policy", nil)
	}
	if rule.Predicate.BucketMax > 0 && rule.Predicate.BucketMin > rule.Predicate.BucketMax {
		return apierror.NewAPIError(apierror.ErrValidation, "Bucket band is inverted", nil)
	}
	if rule.Predicate.AmountMax > 0 && rule.Predicate.AmountMin > rule.Predicate.AmountMax {
		return apierror.NewAPIError(apierror.ErrValidation, "Amount band is inverted", nil)
	}
	return nil
}
