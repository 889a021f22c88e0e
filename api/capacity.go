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
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/alloq-io/alloq/internal/apierror"
)

func (a Api) GetCapacity(c *gin.Context) {
	ownerID, passed := c.Params.Get("owner_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner_id is required. pass owner_id in the route /:owner_id"})
		return
	}

	resp, err := a.engine.GetCapacity(c.Request.Context(), ownerID)
	if err != nil {
		apiErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) ReconcileCapacity(c *gin.Context) {
	repair, _ := strconv.ParseBool(c.Query("repair"))

	mismatches, err := a.engine.ReconcileCapacity(c.Request.Context(), repair)
	if err != nil && apierror.CodeOf(err) != apierror.ErrDataIntegrity {
		apiErrorResponse(c, err)
		return
	}

	if len(mismatches) == 0 {
		c.JSON(http.StatusOK, gin.H{"status": "clean"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "mismatch",
		"repaired":   repair,
		"mismatches": mismatches,
	})
}
