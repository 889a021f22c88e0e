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
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/alloq-io/alloq"
	"github.com/alloq-io/alloq/api/middleware"
	"github.com/alloq-io/alloq/config"
	"github.com/alloq-io/alloq/internal/apierror"
)

type Api struct {
	engine *alloq.Alloq
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/allocations", a.RecordAllocation)
	router.POST("/deallocations", a.RecordDeallocation)

	router.POST("/agent-assignments", a.AssignAgent)
	router.PUT("/agent-assignments", a.ReassignAgent)
	router.DELETE("/agent-assignments/:case_id", a.UnassignAgent)

	router.POST("/batches", a.RunBatch)
	router.GET("/batches/:batch_id", a.GetBatchReport)

	router.POST("/rules", a.CreateRule)
	router.GET("/rules", a.GetActiveRules)
	router.GET("/rules/:rule_id/versions", a.GetRuleVersions)

	router.GET("/cases/:case_id/owner", a.GetCurrentOwner)
	router.GET("/cases/:case_id/history", a.GetCaseHistory)
	router.GET("/owners/:owner_id/cases", a.GetCasesForOwner)

	router.GET("/capacity/:owner_id", a.GetCapacity)
	router.POST("/capacity/reconcile", a.ReconcileCapacity)

	return a.router
}

func NewAPI(engine *alloq.Alloq) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{engine: engine, router: r}
}

// apiErrorResponse maps the error taxonomy onto HTTP statuses. Business-rule
// refusals are 422 so callers can tell a policy refusal from a malformed
// request; conflicts from the case lock are 409 and safe to retry.
func apiErrorResponse(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apierror.CodeOf(err) {
	case apierror.ErrValidation, apierror.ErrBadRequest:
		status = http.StatusBadRequest
	case apierror.ErrNotFound:
		status = http.StatusNotFound
	case apierror.ErrConflict:
		status = http.StatusConflict
	case apierror.ErrBusinessRule:
		status = http.StatusUnprocessableEntity
	}

	var apiErr apierror.APIError
	if errors.As(err, &apiErr) {
		c.JSON(status, gin.H{"error": apiErr.Message, "code": apiErr.Code, "reason": apiErr.Reason})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
