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
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/alloq-io/alloq"
	model2 "github.com/alloq-io/alloq/api/model"
	"github.com/alloq-io/alloq/model"
)

func (a Api) RecordAllocation(c *gin.Context) {
	var newAllocation model2.RecordAllocation
	if err := c.ShouldBindJSON(&newAllocation); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := newAllocation.ValidateRecordAllocation(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if newAllocation.Async {
		err := a.engine.QueueAllocation(c.Request.Context(), alloq.AllocationTaskPayload{
			CaseID:  newAllocation.CaseID,
			Trigger: newAllocation.ToTrigger(),
			Actor:   newAllocation.Actor,
		})
		if err != nil {
			apiErrorResponse(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"case_id": newAllocation.CaseID, "queued": true})
		return
	}

	resp, err := a.engine.Allocate(c.Request.Context(), newAllocation.CaseID, newAllocation.ToTrigger(), newAllocation.Actor)
	if err != nil {
		apiErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (a Api) RecordDeallocation(c *gin.Context) {
	var newDeallocation model2.RecordDeallocation
	if err := c.ShouldBindJSON(&newDeallocation); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := newDeallocation.ValidateRecordDeallocation(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.engine.Deallocate(c.Request.Context(), newDeallocation.CaseID, model.TriggerManual, newDeallocation.Actor)
	if err != nil {
		apiErrorResponse(c, err)
		return
	}
	if resp == nil {
		c.JSON(http.StatusOK, gin.H{"case_id": newDeallocation.CaseID, "status": "already unallocated"})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (a Api) AssignAgent(c *gin.Context) {
	var assignment model2.AgentAssignment
	if err := c.ShouldBindJSON(&assignment); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := assignment.ValidateAgentAssignment(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.engine.AssignAgent(c.Request.Context(), assignment.CaseID, assignment.AgentID, assignment.Actor)
	if err != nil {
		apiErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (a Api) ReassignAgent(c *gin.Context) {
	var assignment model2.AgentAssignment
	if err := c.ShouldBindJSON(&assignment); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := assignment.ValidateAgentAssignment(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.engine.ReassignAgent(c.Request.Context(), assignment.CaseID, assignment.AgentID, assignment.Actor)
	if err != nil {
		apiErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (a Api) UnassignAgent(c *gin.Context) {
	caseID, passed := c.Params.Get("case_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "case_id is required. pass case_id in the route /:case_id"})
		return
	}
	actor := c.Query("actor")
	if actor == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "actor query parameter is required"})
		return
	}

	resp, err := a.engine.UnassignAgent(c.Request.Context(), caseID, actor)
	if err != nil {
		apiErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) GetCurrentOwner(c *gin.Context) {
	caseID, passed := c.Params.Get("case_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "case_id is required. pass case_id in the route /:case_id"})
		return
	}

	resp, err := a.engine.CurrentOwner(c.Request.Context(), caseID)
	if err != nil {
		apiErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) GetCaseHistory(c *gin.Context) {
	caseID, passed := c.Params.Get("case_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "case_id is required. pass case_id in the route /:case_id"})
		return
	}

	resp, err := a.engine.History(c.Request.Context(), caseID)
	if err != nil {
		apiErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) GetCasesForOwner(c *gin.Context) {
	ownerID, passed := c.Params.Get("owner_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner_id is required. pass owner_id in the route /:owner_id"})
		return
	}

	resp, err := a.engine.CasesForOwner(c.Request.Context(), ownerID)
	if err != nil {
		apiErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"owner_id": ownerID, "cases": resp})
}
