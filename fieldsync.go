/*
Copyright 2025 Field-TM Authors.

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

package fieldsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hotosm/field-tm-sync/config"
	"github.com/hotosm/field-tm-sync/database"
	"github.com/hotosm/field-tm-sync/model"
)

// FieldSync wires the engine together: the durable store, the change-feed
// subscriber, per-project materializers, the outbox manager and the
// reconciliation gateway, all sharing one status cell.
type FieldSync struct {
	ds     database.IDataSource
	status *StatusCell
	outbox *OutboxManager
	feed   *ChangeFeedSubscriber
	recon  *ReconciliationGateway

	currentUser   string
	mentionWindow time.Duration

	mu            sync.Mutex
	materializers map[int]*Materializer
	subscriptions map[int]*Subscription
	runCtx        context.Context
	runCancel     context.CancelFunc
}

// NewFieldSync builds the engine from the loaded configuration.
func NewFieldSync(ds database.IDataSource) (*FieldSync, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	status := NewStatusCell()
	runCtx, runCancel := context.WithCancel(context.Background())

	f := &FieldSync{
		ds:            ds,
		status:        status,
		outbox:        NewOutboxManager(configuration.Sync.BaseURL, ds, status),
		recon:         NewReconciliationGateway(configuration.Sync.BaseURL, ds, status),
		currentUser:   configuration.Sync.CurrentUser,
		mentionWindow: time.Duration(configuration.Sync.MentionFreshnessSec) * time.Second,
		materializers: make(map[int]*Materializer),
		subscriptions: make(map[int]*Subscription),
		runCtx:        runCtx,
		runCancel:     runCancel,
	}

	f.feed = NewChangeFeedSubscriber(
		configuration.Sync.BaseURL,
		time.Duration(configuration.Sync.PollIntervalSec)*time.Second,
		time.Duration(configuration.Sync.BackoffCeilingSec)*time.Second,
		ds, status,
		func(ctx context.Context, projectID int) error {
			return f.Refresh(ctx, projectID)
		},
	)

	return f, nil
}

// Status returns the shared status cell for UI subscription.
func (f *FieldSync) Status() *StatusCell {
	return f.status
}

// Outbox exposes the outbox manager for flush loops and explicit retries.
func (f *FieldSync) Outbox() *OutboxManager {
	return f.outbox
}

// Materializer returns the projection for a project, creating and
// starting it on first use. Cached state is readable immediately, before
// any subscription is opened.
func (f *FieldSync) Materializer(projectID int) (*Materializer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if mat, ok := f.materializers[projectID]; ok {
		return mat, nil
	}
	mat, err := NewMaterializer(projectID, f.ds, f.status, f.currentUser, f.mentionWindow)
	if err != nil {
		return nil, err
	}
	mat.Start(f.runCtx)
	f.materializers[projectID] = mat
	return mat, nil
}

// Subscribe opens the live change-feed subscription for a project. A
// second call for the same project is a no-op. The subscription lives
// until Unsubscribe or Shutdown, not for the duration of any caller's
// request context.
func (f *FieldSync) Subscribe(projectID int) error {
	mat, err := f.Materializer(projectID)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subscriptions[projectID]; ok {
		return nil
	}
	sub, err := f.feed.Subscribe(f.runCtx, projectID, mat)
	if err != nil {
		return err
	}
	f.subscriptions[projectID] = sub
	return nil
}

// Unsubscribe tears down the live subscription for a project. The cached
// projection stays readable and queued outbox rows stay durable.
func (f *FieldSync) Unsubscribe(projectID int) {
	f.mu.Lock()
	sub, ok := f.subscriptions[projectID]
	delete(f.subscriptions, projectID)
	f.mu.Unlock()

	if ok {
		sub.Unsubscribe()
	}
}

// Refresh performs an explicit full reconciliation sync for a project.
func (f *FieldSync) Refresh(ctx context.Context, projectID int) error {
	mat, err := f.Materializer(projectID)
	if err != nil {
		return err
	}
	return f.recon.FullSync(ctx, projectID, mat)
}

// Flush drains the outbox once.
func (f *FieldSync) Flush(ctx context.Context) error {
	return f.outbox.Flush(ctx)
}

// Shutdown stops all subscriptions and materializer queues. Pending
// outbox rows and the persisted cursor survive for the next session.
func (f *FieldSync) Shutdown() {
	f.mu.Lock()
	subs := make([]*Subscription, 0, len(f.subscriptions))
	for _, sub := range f.subscriptions {
		subs = append(subs, sub)
	}
	f.subscriptions = make(map[int]*Subscription)
	f.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	f.runCancel()
}

// EnqueueTaskEvent queues a task action (MAP, FINISH, VALIDATE, GOOD,
// BAD, COMMENT) for delivery and returns the outbox id for status
// tracking. The event id inside the body doubles as the server-side
// dedupe key for the action itself.
func (f *FieldSync) EnqueueTaskEvent(projectID, taskID int, event, comment string) (string, error) {
	if !model.ValidEvent(event) {
		return "", fmt.Errorf("unknown task event '%s'", event)
	}
	ev := model.NewTaskEvent(projectID, taskID, event, f.currentUser, comment)

	body, err := json.Marshal(map[string]interface{}{
		"event_id": ev.EventID,
		"event":    ev.Event,
		"task_id":  ev.TaskID,
		"comment":  ev.Comment,
	})
	if err != nil {
		return "", err
	}

	sub := model.NewOutboxSubmission(projectID, "POST",
		fmt.Sprintf("/tasks/%d/event", taskID),
		model.ContentTypeJSON, string(body))
	return f.outbox.Enqueue(sub)
}

// EnqueueEntityStatus queues an entity status update and records it
// optimistically in the projection, so the user sees the change before
// the server confirms it.
func (f *FieldSync) EnqueueEntityStatus(projectID int, rec model.EntityStatusRecord) (string, error) {
	if !model.ValidEntityStatus(rec.Status) {
		return "", fmt.Errorf("unknown entity status '%s'", rec.Status)
	}
	rec.ProjectID = projectID

	// The wire body carries only what the server accepts; source and
	// updated_at are local projection bookkeeping.
	body, err := json.Marshal(map[string]interface{}{
		"entity_id": rec.EntityID,
		"status":    rec.Status,
	})
	if err != nil {
		return "", err
	}
	sub := model.NewOutboxSubmission(projectID, "POST",
		fmt.Sprintf("/projects/%d/entity/status", projectID),
		model.ContentTypeJSON, string(body))

	outboxID, err := f.outbox.Enqueue(sub)
	if err != nil {
		return "", err
	}

	mat, err := f.Materializer(projectID)
	if err != nil {
		return outboxID, err
	}
	if err := mat.ApplyOptimisticEntity(rec); err != nil {
		// The action is queued; only the provisional local echo failed.
		return outboxID, err
	}
	return outboxID, nil
}

/// EnqueueSubmissionUpload queues a survey submission upload: an XML
// document plus its binary attachments, stored base64-encoded and
// reassembled into a multipart body at send time.
func (f *FieldSync) EnqueueSubmissionUpload(projectID int, payload model.MultipartPayload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sub := model.NewOutboxSubmission(projectID, "POST",
		fmt.Sprintf("/submission?project_id=%d", projectID),
		model.ContentTypeMultipart, string(body))
	return f.outbox.Enqueue(sub)
}

// EnqueueEntityDelete queues an entity delete and removes the row from
// the local projection immediately.
func (f *FieldSync) EnqueueEntityDelete(projectID int, entityID string) (string, error) {
	sub := model.NewOutboxSubmission(projectID, "DELETE",
		fmt.Sprintf("/projects/entity/%s?project_id=%d", entityID, projectID),
		model.ContentTypeJSON, "{}")

	outboxID, err := f.outbox.Enqueue(sub)
	if err != nil {
		return "", err
	}

	mat, err := f.Materializer(projectID)
	if err != nil {
		return outboxID, err
	}
	if err := mat.RemoveEntity(entityID); err != nil {
		return outboxID, err
	}
	return outboxID, nil
}
