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
	"embed"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alloq-io/alloq/cache"
	"github.com/alloq-io/alloq/config"
	"github.com/alloq-io/alloq/database"
	redis_db "github.com/alloq-io/alloq/internal/redis-db"
)

// SQLFiles holds the schema migrations applied by the migrate command.
//
//go:embed sql/*.sql
var SQLFiles embed.FS

// Alloq is the allocation engine. It owns the ledger datasource, the Redis
// client backing per-case locks, the task queue, the rule snapshot and the
// upstream directory clients.
type Alloq struct {
	queue      *Queue
	redis      redis.UniversalClient
	datasource database.IDataSource
	rules      *RuleStore
	cache      cache.Cache
	cases      CaseDirectory
	owners     OwnerDirectory
}

// NewAlloq initializes the engine with the provided datasource. It fetches
// the configuration and wires the Redis client, queue, rule snapshot and
// directory clients.
func NewAlloq(db database.IDataSource) (*Alloq, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)})
	if err != nil {
		return nil, err
	}
	newQueue := NewQueue(configuration)
	newCache, err := cache.NewCache()
	if err != nil {
		return nil, err
	}
	engine := &Alloq{
		datasource: db,
		queue:      newQueue,
		redis:      redisClient.Client(),
		rules:      NewRuleStore(db),
		cache:      newCache,
		cases:      NewCaseDirectoryClient(configuration.CaseDirectory),
		owners:     NewOwnerDirectoryClient(configuration.OwnerDirectory),
	}
	return engine, nil
}

// SetCaseDirectory overrides the upstream case-management client. Used by
// workers constructed against a stub directory and by tests.
func (a *Alloq) SetCaseDirectory(d CaseDirectory) {
	a.cases = d
}

// SetOwnerDirectory overrides the agency/agent master-data client.
func (a *Alloq) SetOwnerDirectory(d OwnerDirectory) {
	a.owners = d
}
