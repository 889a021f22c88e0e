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
package model

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/alloq-io/alloq/model"
)

// RecordAllocation is the request body for a single-case allocation. Trigger
// defaults to MANUAL when omitted.
type RecordAllocation struct {
	CaseID  string `json:"case_id"`
	Trigger string `json:"trigger"`
	Actor   string `json:"actor"`
	Async   bool   `json:"async"`
}

func (r *RecordAllocation) ValidateRecordAllocation() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.CaseID, validation.Required),
		validation.Field(&r.Actor, validation.Required),
		validation.Field(&r.Trigger, validation.In(
			string(model.TriggerManual),
			string(model.TriggerRuleSweep),
			string(model.TriggerCaseCreated),
			string(model.TriggerAgentRemoved),
			string(model.TriggerAgencySuspended),
		)),
	)
}

func (r *RecordAllocation) ToTrigger() model.Trigger {
	if r.Trigger == "" {
		return model.TriggerManual
	}
	return model.Trigger(r.Trigger)
}

// RecordDeallocation is the request body for releasing a case's owner.
type RecordDeallocation struct {
	CaseID string `json:"case_id"`
	Actor  string `json:"actor"`
}

func (r *RecordDeallocation) ValidateRecordDeallocation() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.CaseID, validation.Required),
		validation.Field(&r.Actor, validation.Required),
	)
}

// AgentAssignment is the request body for assigning or reassigning a case to
// an agent inside its current agency.
type AgentAssignment struct {
	CaseID  string `json:"case_id"`
	AgentID string `json:"agent_id"`
	Actor   string `json:"actor"`
}

func (r *AgentAssignment) ValidateAgentAssignment() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.CaseID, validation.Required),
		validation.Field(&r.AgentID, validation.Required),
		validation.Field(&r.Actor, validation.Required),
	)
}

// CreateRule is the request body for publishing a rule version. Posting an
// existing rule_id publishes the next version and retires the active one.
type CreateRule struct {
	RuleID         string   `json:"rule_id"`
	Name           string   `json:"name"`
	Priority       int      `json:"priority"`
	Policy         string   `json:"policy"`
	TargetAgencyID string   `json:"target_agency_id"`
	TargetAgentID  string   `json:"target_agent_id"`
	BucketMin      int      `json:"bucket_min"`
	BucketMax      int      `json:"bucket_max"`
	ProductCodes   []string `json:"product_codes"`
	Regions        []string `json:"regions"`
	AmountMin      int64    `json:"amount_min"`
	AmountMax      int64    `json:"amount_max"`
}

func (r *CreateRule) ValidateCreateRule() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.RuleID, validation.Required),
		validation.Field(&r.Name, validation.Required),
		validation.Field(&r.Policy, validation.Required, validation.In(
			string(model.PolicyFixed),
			string(model.PolicyRoundRobin),
			string(model.PolicyWeightedCapacity),
		)),
		validation.Field(&r.Priority, validation.Min(0)),
	)
}

func (r *CreateRule) ToRule() *model.AllocationRule {
	return &model.AllocationRule{
		RuleID:         r.RuleID,
		Name:           r.Name,
		Priority:       r.Priority,
		Policy:         model.SelectionPolicy(r.Policy),
		TargetAgencyID: r.TargetAgencyID,
		TargetAgentID:  r.TargetAgentID,
		Predicate: model.RulePredicate{
			BucketMin:    r.BucketMin,
			BucketMax:    r.BucketMax,
			ProductCodes: r.ProductCodes,
			Regions:      r.Regions,
			AmountMin:    r.AmountMin,
			AmountMax:    r.AmountMax,
		},
	}
}

// RunBatch is the request body for an orchestrator run. Async runs are
// queued and return 202 with the batch id; synchronous runs block until the
// report is ready.
type RunBatch struct {
	Kind              string `json:"kind"`
	AgencyID          string `json:"agency_id"`
	AgentID           string `json:"agent_id"`
	RuleID            string `json:"rule_id"`
	SuppressRerouting bool   `json:"suppress_rerouting"`
	Trigger           string `json:"trigger"`
	Actor             string `json:"actor"`
	Async             bool   `json:"async"`
}

func (r *RunBatch) ValidateRunBatch() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Kind, validation.Required, validation.In(
			string(model.SelectorAgency),
			string(model.SelectorAgent),
			string(model.SelectorRule),
		)),
		validation.Field(&r.Actor, validation.Required),
		validation.Field(&r.Trigger, validation.In(
			string(model.TriggerManual),
			string(model.TriggerRuleSweep),
			string(model.TriggerAgentRemoved),
			string(model.TriggerAgencySuspended),
		)),
	)
}

func (r *RunBatch) ToSelector() model.BatchSelector {
	return model.BatchSelector{
		Kind:              model.SelectorKind(r.Kind),
		AgencyID:          r.AgencyID,
		AgentID:           r.AgentID,
		RuleID:            r.RuleID,
		SuppressRerouting: r.SuppressRerouting,
	}
}

func (r *RunBatch) ToTrigger() model.Trigger {
	if r.Trigger == "" {
		return model.TriggerManual
	}
	return model.Trigger(r.Trigger)
}
