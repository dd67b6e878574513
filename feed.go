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
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/hotosm/field-tm-sync/database"
	"github.com/hotosm/field-tm-sync/internal/syncerror"
	"github.com/hotosm/field-tm-sync/model"
)

// feedTable is the server-side append-only log the subscriber follows.
const feedTable = "task_events"

// FeedBatch is one change-feed response: the upserted rows since the sent
// cursor plus the opaque cursor to resume from. Rows are ordered by server
// cursor and a batch is always delivered whole, never partially.
type FeedBatch struct {
	Events   []model.TaskEvent          `json:"events"`
	Entities []model.EntityStatusRecord `json:"entities"`
	Cursor   string                     `json:"cursor"`
}

// Subscription is a live change-feed subscription handle for one project.
type Subscription struct {
	ProjectID int
	cancel    context.CancelFunc
	done      chan struct{}
}

// Unsubscribe cancels the poll loop and any in-flight backoff timer, then
// waits for the loop to exit. Queued outbox rows are untouched.
func (s *Subscription) Unsubscribe() {
	s.cancel()
	<-s.done
}

// ChangeFeedSubscriber opens resumable long-poll subscriptions against the
// server's change feed, one loop per project. On transport failure it
// resubscribes with exponential backoff from the last applied cursor; past
// the backoff ceiling it degrades to a stale indicator and hands over to
// the reconciliation gateway, keeping the last-known-good projection
// readable throughout.
type ChangeFeedSubscriber struct {
	baseURL      string
	pollInterval time.Duration
	ceiling      time.Duration
	client       *http.Client
	ds           database.IDataSource
	status       *StatusCell
	reconcile    func(ctx context.Context, projectID int) error
}

func NewChangeFeedSubscriber(baseURL string, pollInterval, ceiling time.Duration, ds database.IDataSource, status *StatusCell, reconcile func(ctx context.Context, projectID int) error) *ChangeFeedSubscriber {
	return &ChangeFeedSubscriber{
		baseURL:      baseURL,
		pollInterval: pollInterval,
		ceiling:      ceiling,
		client:       &http.Client{Timeout: 60 * time.Second},
		ds:           ds,
		status:       status,
		reconcile:    reconcile,
	}
}

// Subscribe starts the feed loop for a project and returns its handle.
// If a persisted cursor exists the subscription resumes from it; otherwise
// the first request is cursorless and the server answers with an initial
// snapshot batch.
func (c *ChangeFeedSubscriber) Subscribe(ctx context.Context, projectID int, mat *Materializer) (*Subscription, error) {
	state, err := c.ds.GetSyncState(projectID)
	if err != nil {
		return nil, err
	}
	cursor := ""
	if state != nil {
		cursor = state.LastCursor
	}

	if err := c.ds.SetSubscriptionActive(projectID, true); err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{ProjectID: projectID, cancel: cancel, done: make(chan struct{})}

	go c.run(loopCtx, projectID, cursor, mat, sub.done)

	return sub, nil
}

// run is the per-project poll loop. Each iteration long-polls once with
// backoff; an applied batch advances the in-memory cursor only after the
// materializer has durably applied it.
func (c *ChangeFeedSubscriber) run(ctx context.Context, projectID int, cursor string, mat *Materializer, done chan struct{}) {
	defer close(done)
	defer func() {
		if err := c.ds.SetSubscriptionActive(projectID, false); err != nil {
			logrus.Error(err)
		}
	}()

	for {
		batch, err := c.pollWithBackoff(ctx, projectID, cursor)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			// Backoff ceiling exhausted: degrade to stale, keep the
			// cached projection readable, and fall back to a full sync.
			logrus.Errorf("change feed for project %d exhausted backoff: %v", projectID, err)
			c.status.SetStale(true)
			c.status.SetLastError(err.Error())
			if c.reconcile != nil {
				if rerr := c.reconcile(ctx, projectID); rerr != nil {
					logrus.Error(rerr)
				}
			}
			// Re-read the cursor: the reconcile pass may have advanced it.
			if state, serr := c.ds.GetSyncState(projectID); serr == nil && state != nil {
				cursor = state.LastCursor
			}
			// Wait out one poll interval before trying again. A permanent
			// poll error returns immediately, so without this pause the
			// degraded branch would spin reconciles back to back.
			select {
			case <-time.After(c.pollInterval):
			case <-ctx.Done():
				return
			}
			continue
		}

		if len(batch.Events) > 0 || len(batch.Entities) > 0 {
			if err := mat.ApplyEventBatch(ctx, batch.Events, batch.Entities, batch.Cursor); err != nil {
				// The batch was not applied, so the cursor must not
				// advance; the next poll refetches it.
				logrus.Errorf("applying feed batch for project %d: %v", projectID, err)
				c.status.SetLastError(err.Error())
				continue
			}
		}
		if batch.Cursor != "" {
			cursor = batch.Cursor
		}
		c.status.SetStale(false)
		c.status.SetOffline(false)
		c.status.SetLastError("")

		select {
		case <-time.After(c.pollInterval):
		case <-ctx.Done():
			return
		}
	}
}

// pollWithBackoff retries a single poll with exponential backoff up to the
// configured ceiling. While a valid cursor exists it is resent unchanged;
// the subscriber never re-requests from scratch, and the server-side
// cursor contract plus idempotent upserts make re-delivery harmless.
func (c *ChangeFeedSubscriber) pollWithBackoff(ctx context.Context, projectID int, cursor string) (*FeedBatch, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = c.ceiling

	var batch *FeedBatch
	operation := func() error {
		b, err := c.poll(ctx, projectID, cursor)
		if err != nil {
			if !syncerror.Retryable(err) && syncerror.CodeOf(err) != syncerror.StreamProtocol {
				return backoff.Permanent(err)
			}
			c.status.SetOffline(true)
			log.Printf("change feed poll failed for project %d, backing off: %v", projectID, err)
			return err
		}
		batch = b
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return batch, nil
}

// poll issues one change-feed request. A missing cursor asks the server
// for the initial snapshot batch.
func (c *ChangeFeedSubscriber) poll(ctx context.Context, projectID int, cursor string) (*FeedBatch, error) {
	params := url.Values{}
	params.Set("table", feedTable)
	params.Set("where", fmt.Sprintf("project_id=%d", projectID))
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/changefeed?"+params.Encode(), nil)
	if err != nil {
		return nil, syncerror.New(syncerror.StreamProtocol, err.Error())
	}

	resp, err := c.client.Do(req)
	if cerr := syncerror.Classify(resp, err); cerr != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, cerr
	}
	defer resp.Body.Close()

	var batch FeedBatch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		// A payload we cannot parse is a protocol error; resubscription
		// with the same cursor is the recovery path.
		return nil, syncerror.New(syncerror.StreamProtocol, err.Error())
	}
	return &batch, nil
}
