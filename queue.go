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
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"

	"github.com/hibiken/asynq"

	"github.com/alloq-io/alloq/config"
	redis_db "github.com/alloq-io/alloq/internal/redis-db"
	"github.com/alloq-io/alloq/model"
)

// Queue distributes allocation and batch work over asynq.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// AllocationTaskPayload is one queued single-case allocation.
type AllocationTaskPayload struct {
	CaseID  string        `json:"case_id"`
	Trigger model.Trigger `json:"trigger"`
	Actor   string        `json:"actor"`
}

// BatchTaskPayload is one queued orchestrator run.
type BatchTaskPayload struct {
	BatchID  string              `json:"batch_id"`
	Selector model.BatchSelector `json:"selector"`
	Trigger  model.Trigger       `json:"trigger"`
	Actor    string              `json:"actor"`
}

// NewQueue initializes the asynq client and inspector against the
// configured Redis instance.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(fmt.Sprintf("redis://%s", conf.Redis.Dns))
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// EnqueueAllocation queues one case for allocation. The task lands on a
// queue picked by hashing the case id, so tasks for the same case are
// consumed serially by one worker and never race each other past the case
// lock.
func (q *Queue) EnqueueAllocation(ctx context.Context, payload AllocationTaskPayload) error {
	cnf, err := config.Fetch()
	if err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	queueIndex := hashCaseID(payload.CaseID) % cnf.Queue.NumberOfQueues
	queueName := fmt.Sprintf("%s_%d", cnf.Queue.AllocationQueue, queueIndex+1)

	taskOptions := []asynq.Option{
		asynq.TaskID(fmt.Sprintf("%s:%s", payload.CaseID, payload.Trigger)),
		asynq.Queue(queueName),
		asynq.MaxRetry(cnf.Queue.MaxRetryAttempts),
	}
	task := asynq.NewTask(queueName, data, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued allocation for case: %s", payload.CaseID)
	return nil
}

// EnqueueBatch queues an orchestrator run.
func (q *Queue) EnqueueBatch(ctx context.Context, payload BatchTaskPayload) error {
	cnf, err := config.Fetch()
	if err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{
		asynq.TaskID(payload.BatchID),
		asynq.Queue(cnf.Queue.BatchQueue),
		asynq.MaxRetry(cnf.Queue.MaxRetryAttempts),
	}
	task := asynq.NewTask(cnf.Queue.BatchQueue, data, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued batch: %s", payload.BatchID)
	return nil
}

// GetAllocationFromQueue finds a pending allocation task for a case, if one
// is queued.
func (q *Queue) GetAllocationFromQueue(caseID string) (*AllocationTaskPayload, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.AllocationQueue, i)
		tasks, err := q.Inspector.ListPendingTasks(queueName)
		if err != nil {
			continue
		}
		for _, task := range tasks {
			var payload AllocationTaskPayload
			if err := json.Unmarshal(task.Payload, &payload); err != nil {
				continue
			}
			if payload.CaseID == caseID {
				return &payload, nil
			}
		}
	}
	return nil, nil
}

// QueueAllocation enqueues a single-case allocation for the workers.
func (a *Alloq) QueueAllocation(ctx context.Context, payload AllocationTaskPayload) error {
	return a.queue.EnqueueAllocation(ctx, payload)
}

// QueueBatch enqueues an orchestrator run for the workers.
func (a *Alloq) QueueBatch(ctx context.Context, payload BatchTaskPayload) error {
	return a.queue.EnqueueBatch(ctx, payload)
}

// hashCaseID returns a consistent hash for queue sharding.
func hashCaseID(caseID string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(caseID))
	return int(hasher.Sum32())
}
