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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/alloq-io/alloq/config"
	"github.com/alloq-io/alloq/model"
)

// NewWebhook is the envelope delivered to the configured webhook endpoint.
type NewWebhook struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"data"`
}

// getEventFromAction maps a ledger action onto the outbound event name.
func getEventFromAction(action model.ActionKind) string {
	switch {
	case action.Deallocating():
		return "case.deallocated"
	case action == model.ActionAgentUnassigned:
		return "agent.unassigned"
	case action == model.ActionAllocated || action == model.ActionAgencyAllocated || action == model.ActionRuleBasedAllocation:
		return "case.allocated"
	default:
		return "case.reallocated"
	}
}

// notifyRecord pushes a best-effort webhook for an applied ledger record.
// Notification failure never fails the allocation that produced the record.
func (a *Alloq) notifyRecord(rec *model.AllocationRecord) {
	err := SendWebhook(NewWebhook{
		Event:   getEventFromAction(rec.Action),
		Payload: rec,
	})
	if err != nil {
		logrus.Warnf("failed to enqueue webhook for record %s: %v", rec.RecordID, err)
	}
}

// notifyBatch publishes the aggregate report of an orchestrator run.
func (a *Alloq) notifyBatch(result *model.BatchResult) {
	err := SendWebhook(NewWebhook{
		Event:   "batch.completed",
		Payload: result,
	})
	if err != nil {
		logrus.Warnf("failed to enqueue webhook for batch %s: %v", result.BatchID, err)
	}
}

// processHTTP delivers one webhook notification to the configured endpoint.
func processHTTP(data NewWebhook) error {
	conf, err := config.Fetch()
	if err != nil {
		log.Println("Error fetching config:", err)
		return err
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Println("Error marshaling data:", err)
		return err
	}
	payload := bytes.NewBuffer(jsonData)

	req, err := http.NewRequest("POST", conf.Notification.Webhook.Url, payload)
	if err != nil {
		log.Println("Error creating request:", err)
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	for key, value := range conf.Notification.Webhook.Headers {
		req.Header.Set(key, value)
	}

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		log.Println("Error sending request:", err)
		return err
	}
	defer func(Body io.ReadCloser) {
		err := Body.Close()
		if err != nil {
			logrus.Error(err)
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("Webhook delivery failed with status code: %d\n", resp.StatusCode)
		return nil
	}

	log.Printf("Webhook notification sent: %s", data.Event)
	return nil
}

// SendWebhook enqueues a webhook notification task. A missing webhook URL
// disables the channel silently.
func SendWebhook(newWebhook NewWebhook) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	client := asynq.NewClient(asynq.RedisClientOpt{Addr: conf.Redis.Dns})
	defer func() {
		if err := client.Close(); err != nil {
			logrus.Error(err)
		}
	}()
	payload, err := json.Marshal(newWebhook)
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{asynq.Queue(conf.Queue.WebhookQueue)}
	task := asynq.NewTask(conf.Queue.WebhookQueue, payload, taskOptions...)
	info, err := client.Enqueue(task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	return nil
}

// ProcessWebhook handles a webhook delivery task pulled off the queue by a
// worker process.
func ProcessWebhook(_ context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	if conf.Notification.Webhook.Url == "" {
		return nil
	}
	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		log.Printf("Error unmarshaling task payload: %v", err)
		return err
	}
	return processHTTP(payload)
}
