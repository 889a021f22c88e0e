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

func (a Api) RunBatch(c *gin.Context) {
	var newBatch model2.RunBatch
	if err := c.ShouldBindJSON(&newBatch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := newBatch.ValidateRunBatch(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if newBatch.Async {
		batchID := model.GenerateUUIDWithSuffix("batch")
		err := a.engine.QueueBatch(c.Request.Context(), alloq.BatchTaskPayload{
			BatchID:  batchID,
			Selector: newBatch.ToSelector(),
			Trigger:  newBatch.ToTrigger(),
			Actor:    newBatch.Actor,
		})
		if err != nil {
			apiErrorResponse(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"batch_id": batchID, "queued": true})
		return
	}

	resp, err := a.engine.RunBatch(c.Request.Context(), newBatch.ToSelector(), newBatch.ToTrigger(), newBatch.Actor)
	if err != nil {
		apiErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) GetBatchReport(c *gin.Context) {
	batchID, passed := c.Params.Get("batch_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch_id is required. pass batch_id in the route /:batch_id"})
		return
	}

	resp, err := a.engine.GetBatchReport(c.Request.Context(), batchID)
	if err != nil {
		apiErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
