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

	model2 "github.com/alloq-io/alloq/api/model"
)

func (a Api) CreateRule(c *gin.Context) {
	var newRule model2.CreateRule
	if err := c.ShouldBindJSON(&newRule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := newRule.ValidateCreateRule(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.engine.PublishRule(c.Request.Context(), newRule.ToRule())
	if err != nil {
		apiErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (a Api) GetActiveRules(c *gin.Context) {
	resp, err := a.engine.ActiveRules(c.Request.Context())
	if err != nil {
		apiErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) GetRuleVersions(c *gin.Context) {
	ruleID, passed := c.Params.Get("rule_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rule_id is required. pass rule_id in the route /:rule_id/versions"})
		return
	}

	resp, err := a.engine.RuleVersions(c.Request.Context(), ruleID)
	if err != nil {
		apiErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
