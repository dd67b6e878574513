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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/hotosm/field-tm-sync/database"
	"github.com/hotosm/field-tm-sync/internal/request"
	"github.com/hotosm/field-tm-sync/internal/syncerror"
	"github.com/hotosm/field-tm-sync/model"
)

var outboxTracer = otel.Tracer("Outbox flush")

// OutboxManager durably queues user actions and replays them to the
// server in enqueue order once connectivity returns. Enqueue always
// succeeds locally regardless of connectivity; flush is idempotent and
// safe to call repeatedly.
type OutboxManager struct {
	baseURL string
	ds      database.IDataSource
	client  *http.Client
	status  *StatusCell

	// one mutex per project: flush never parallelizes across rows of the
	// same project, because server-side sequencing depends on arrival
	// order. Different projects flush independently.
	mu         sync.Mutex
	projectMus map[int]*sync.Mutex

	// authPaused blocks all sends until re-authentication resolves it.
	authPaused bool
}

func NewOutboxManager(baseURL string, ds database.IDataSource, status *StatusCell) *OutboxManager {
	// A crash between SENDING and settling strands the row; return it to
	// the queue so it goes out again in its original position. Happens
	// once, before any flush pass can be running.
	if recovered, err := ds.RecoverStuckSubmissions(); err != nil {
		logrus.Error(err)
	} else if recovered > 0 {
		log.Printf(" [*] Recovered %d interrupted outbox rows", recovered)
	}

	return &OutboxManager{
		baseURL:    baseURL,
		ds:         ds,
		client:     &http.Client{Timeout: 120 * time.Second},
		status:     status,
		projectMus: make(map[int]*sync.Mutex),
	}
}

func (o *OutboxManager) projectMu(projectID int) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	mu, ok := o.projectMus[projectID]
	if !ok {
		mu = &sync.Mutex{}
		o.projectMus[projectID] = mu
	}
	return mu
}

// Enqueue validates and durably queues one user action. The idempotency
// key was assigned when the submission was built, so this can be called
// any number of times for distinct actions without key reuse.
func (o *OutboxManager) Enqueue(sub model.OutboxSubmission) (string, error) {
	if err := sub.Validate(); err != nil {
		return "", err
	}
	if err := o.ds.InsertSubmission(sub); err != nil {
		return "", err
	}
	log.Printf(" [*] Successfully queued outbox submission: %s", sub.OutboxID)
	return sub.OutboxID, nil
}

// All returns every outbox row, newest last, for inspection.
func (o *OutboxManager) All() ([]model.OutboxSubmission, error) {
	return o.ds.AllSubmissions()
}

// Status returns the delivery status of one queued action.
func (o *OutboxManager) Status(outboxID string) (string, error) {
	sub, err := o.ds.GetSubmission(outboxID)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return "", fmt.Errorf("outbox row '%s' not found", outboxID)
	}
	return sub.Status, nil
}

// Retry explicitly re-queues a FAILED row (FAILED -> PENDING). This is the
// only path that makes a validation failure sendable again.
func (o *OutboxManager) Retry(outboxID string) error {
	return o.ds.UpdateSubmissionStatus(outboxID, model.OutboxPending, "", true)
}

// PauseAuth stops all sends until ResumeAuth; called when the server
// reports an expired session.
func (o *OutboxManager) PauseAuth() {
	o.mu.Lock()
	o.authPaused = true
	o.mu.Unlock()
	o.status.SetLastError("authentication expired, sync paused")
}

// ResumeAuth lifts the auth pause after re-authentication.
func (o *OutboxManager) ResumeAuth() {
	o.mu.Lock()
	o.authPaused = false
	o.mu.Unlock()
	o.status.SetLastError("")
}

func (o *OutboxManager) paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.authPaused
}

// Flush sends every queued row, project by project. Within a project rows
// go out strictly in enqueue order and a failed row stops the pass for
// that project; a failed row is never skipped over. Re-flushing is
// harmless: RECEIVED rows are not picked up again and retried sends carry
// the original idempotency key.
func (o *OutboxManager) Flush(ctx context.Context) error {
	ctx, span := outboxTracer.Start(ctx, "Flushing outbox")
	defer span.End()

	if o.paused() {
		return syncerror.New(syncerror.AuthExpired, "flush paused until re-authentication")
	}

	projects, err := o.ds.OutboxProjects()
	if err != nil {
		return err
	}

	for _, projectID := range projects {
		if err := o.flushProject(ctx, projectID); err != nil {
			if syncerror.CodeOf(err) == syncerror.AuthExpired {
				o.PauseAuth()
				return err
			}
			// This project's pass stopped; others still get their turn.
			logrus.Errorf("outbox flush for project %d stopped: %v", projectID, err)
		}
	}
	return nil
}

// flushProject drains one project's queue under its serialization mutex.
func (o *OutboxManager) flushProject(ctx context.Context, projectID int) error {
	mu := o.projectMu(projectID)
	mu.Lock()
	defer mu.Unlock()

	rows, err := o.ds.PendingSubmissions(projectID)
	if err != nil {
		return err
	}

	total := len(rows)
	for i, sub := range rows {
		if ctx.Err() != nil {
			// Teardown leaves the remaining rows durably queued for the
			// next session.
			return ctx.Err()
		}

		percent := (i * 100) / total
		o.status.SetPercent(&percent)

		if err := o.sendOne(ctx, sub); err != nil {
			o.status.SetPercent(nil)
			o.status.SetLastError(err.Error())
			return err
		}
	}

	o.status.SetPercent(nil)
	return nil
}

// sendOne delivers a single outbox row and settles its status.
func (o *OutboxManager) sendOne(ctx context.Context, sub model.OutboxSubmission) error {
	if err := o.ds.UpdateSubmissionStatus(sub.OutboxID, model.OutboxSending, "", sub.Retryable); err != nil {
		return err
	}
	if err := o.ds.IncrementAttempts(sub.OutboxID); err != nil {
		logrus.Error(err)
	}

	req, err := o.buildRequest(ctx, sub)
	if err != nil {
		// The stored payload is unusable; keep the row FAILED and
		// non-retryable so it waits for an explicit decision.
		if merr := o.ds.UpdateSubmissionStatus(sub.OutboxID, model.OutboxFailed, err.Error(), false); merr != nil {
			logrus.Error(merr)
		}
		return err
	}

	resp, err := o.client.Do(req)
	if cerr := syncerror.Classify(resp, err); cerr != nil {
		// An expired session is not the row's fault: it stays retryable
		// and goes out again once re-authentication lifts the pause.
		retryable := syncerror.Retryable(cerr) || syncerror.CodeOf(cerr) == syncerror.AuthExpired
		if merr := o.ds.UpdateSubmissionStatus(sub.OutboxID, model.OutboxFailed, cerr.Error(), retryable); merr != nil {
			logrus.Error(merr)
		}
		if resp != nil {
			resp.Body.Close()
		}
		return cerr
	}
	defer resp.Body.Close()

	if err := o.ds.UpdateSubmissionStatus(sub.OutboxID, model.OutboxReceived, "", sub.Retryable); err != nil {
		return err
	}
	log.Printf(" [*] Outbox submission delivered: %s (attempt %d)", sub.OutboxID, sub.Attempts+1)
	return nil
}

// buildRequest reconstructs the wire request from the stored row: a plain
// JSON body, or a multipart body reassembled from base64 attachments.
// Every request carries the row's original idempotency key.
func (o *OutboxManager) buildRequest(ctx context.Context, sub model.OutboxSubmission) (*http.Request, error) {
	var body *bytes.Buffer
	contentType := "application/json"

	switch sub.ContentType {
	case model.ContentTypeJSON:
		body = bytes.NewBufferString(sub.Payload)
	case model.ContentTypeMultipart:
		var payload model.MultipartPayload
		if err := json.Unmarshal([]byte(sub.Payload), &payload); err != nil {
			return nil, err
		}
		var err error
		body, contentType, err = request.ToMultipartReq(payload)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown outbox content type '%s'", sub.ContentType)
	}

	req, err := http.NewRequestWithContext(ctx, sub.Method, o.baseURL+sub.URL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(request.IdempotencyHeader, sub.IdempotencyKey)
	return req, nil
}

// FlushLoop periodically flushes while online and purges acknowledged
// rows past retention. Cancellation stops the loop but leaves queued rows
// durable for the next session.
func (o *OutboxManager) FlushLoop(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := o.Flush(ctx); err != nil {
				logrus.Error(err)
			}
			if purged, err := o.ds.PurgeReceivedBefore(time.Now().Add(-retention)); err != nil {
				logrus.Error(err)
			} else if purged > 0 {
				log.Printf(" [*] Purged %d acknowledged outbox rows", purged)
			}
		case <-ctx.Done():
			return
		}
	}
}
