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
	"fmt"
	"net/http"
	"time"

	"github.com/alloq-io/alloq/config"
	"github.com/alloq-io/alloq/internal/apierror"
	"github.com/alloq-io/alloq/internal/request"
	"github.com/alloq-io/alloq/model"
)

// CaseDirectory is the engine's narrow view of the upstream case-management
// system. Cases are owned there; the engine only reads snapshots.
type CaseDirectory interface {
	GetCase(ctx context.Context, caseID string) (*model.CaseSnapshot, error)
	GetUnallocatedCases(ctx context.Context) ([]model.CaseSnapshot, error)
}

// OwnerDirectory is the engine's view of agency/agent master data.
type OwnerDirectory interface {
	GetOwner(ctx context.Context, ownerID string) (*model.OwnerDescriptor, error)
	ListEligibleOwners(ctx context.Context, ownerType model.OwnerType) ([]model.OwnerDescriptor, error)
}

type caseDirectoryClient struct {
	conf config.DirectoryConfig
}

// NewCaseDirectoryClient builds the HTTP client for the configured case
// directory service.
func NewCaseDirectoryClient(conf config.DirectoryConfig) CaseDirectory {
	return &caseDirectoryClient{conf: conf}
}

func (c *caseDirectoryClient) GetCase(ctx context.Context, caseID string) (*model.CaseSnapshot, error) {
	var snapshot model.CaseSnapshot
	if err := c.get(ctx, fmt.Sprintf("%s/cases/%s", c.conf.Url, caseID), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (c *caseDirectoryClient) GetUnallocatedCases(ctx context.Context) ([]model.CaseSnapshot, error) {
	var cases []model.CaseSnapshot
	if err := c.get(ctx, fmt.Sprintf("%s/cases?status=unallocated", c.conf.Url), &cases); err != nil {
		return nil, err
	}
	return cases, nil
}

func (c *caseDirectoryClient) get(ctx context.Context, url string, out interface{}) error {
	return directoryGet(ctx, c.conf, url, out)
}

type ownerDirectoryClient struct {
	conf config.DirectoryConfig
}

// NewOwnerDirectoryClient builds the HTTP client for the configured
// agency/agent master-data service.
func NewOwnerDirectoryClient(conf config.DirectoryConfig) OwnerDirectory {
	return &ownerDirectoryClient{conf: conf}
}

func (c *ownerDirectoryClient) GetOwner(ctx context.Context, ownerID string) (*model.OwnerDescriptor, error) {
	var owner model.OwnerDescriptor
	if err := directoryGet(ctx, c.conf, fmt.Sprintf("%s/owners/%s", c.conf.Url, ownerID), &owner); err != nil {
		return nil, err
	}
	return &owner, nil
}

func (c *ownerDirectoryClient) ListEligibleOwners(ctx context.Context, ownerType model.OwnerType) ([]model.OwnerDescriptor, error) {
	var owners []model.OwnerDescriptor
	url := fmt.Sprintf("%s/owners?status=%s&type=%s", c.conf.Url, model.OwnerStatusActive, ownerType)
	if err := directoryGet(ctx, c.conf, url, &owners); err != nil {
		return nil, err
	}
	return owners, nil
}

// directoryGet issues one authenticated GET against a directory service.
// Directory failures surface as SYSTEM errors so callers retry them instead
// of writing FAILED records.
func directoryGet(ctx context.Context, conf config.DirectoryConfig, url string, out interface{}) error {
	timeout := time.Duration(conf.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrSystem, "Failed to build directory request", err)
	}
	if conf.Authorization != "" {
		req.Header.Set("Authorization", conf.Authorization)
	}

	resp, err := request.Call(req, out)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrSystem, "Directory request failed", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Directory returned 404 for %s", url), nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apierror.NewAPIError(apierror.ErrSystem, fmt.Sprintf("Directory returned status %d", resp.StatusCode), nil)
	}
	return nil
}
