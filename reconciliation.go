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
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/hotosm/field-tm-sync/database"
	"github.com/hotosm/field-tm-sync/internal/syncerror"
	"github.com/hotosm/field-tm-sync/model"
)

var reconcileTracer = otel.Tracer("Reconciliation")

// Sync kinds let the UI distinguish "no data yet, show loading" from
// "have stale data, refreshing". Known-good state is never blanked out
// during a refresh.
const (
	SyncColdStart  = "cold_start"
	SyncRefreshing = "refreshing"
)

// ReconciliationGateway performs full snapshot fetches when a live
// subscription is unavailable: on cold start (no local cursor), after the
// feed exhausts its backoff ceiling, and on explicit user refresh. Its
// result unconditionally overwrites cached rows for the fetched project;
// it is authoritative over anything the feed or optimistic writes cached.
type ReconciliationGateway struct {
	baseURL string
	client  *http.Client
	ds      database.IDataSource
	status  *StatusCell
}

func NewReconciliationGateway(baseURL string, ds database.IDataSource, status *StatusCell) *ReconciliationGateway {
	return &ReconciliationGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
		ds:      ds,
		status:  status,
	}
}

// SyncKind reports whether a full sync for the project would be a cold
// start or a refresh of existing cached data.
func (g *ReconciliationGateway) SyncKind(projectID int) (string, error) {
	state, err := g.ds.GetSyncState(projectID)
	if err != nil {
		return "", err
	}
	if state == nil || state.LastCursor == "" {
		return SyncColdStart, nil
	}
	return SyncRefreshing, nil
}

// FullSync fetches the authoritative snapshot for a project and pushes it
// through the materializer's mutation queue as one overwrite, so it never
// interleaves with a feed batch.
func (g *ReconciliationGateway) FullSync(ctx context.Context, projectID int, mat *Materializer) error {
	ctx, span := reconcileTracer.Start(ctx, "Full project sync")
	defer span.End()

	kind, err := g.SyncKind(projectID)
	if err != nil {
		return err
	}
	logrus.Infof("full sync for project %d (%s)", projectID, kind)

	progress := 0
	g.status.SetPercent(&progress)
	defer g.status.SetPercent(nil)

	entities, err := g.fetchEntityStatuses(ctx, projectID)
	if err != nil {
		g.status.SetLastError(err.Error())
		return err
	}
	progress = 40
	g.status.SetPercent(&progress)

	events, cursor, err := g.fetchEventLog(ctx, projectID)
	if err != nil {
		g.status.SetLastError(err.Error())
		return err
	}
	progress = 80
	g.status.SetPercent(&progress)

	if err := mat.ApplySnapshot(ctx, events, entities, cursor); err != nil {
		g.status.SetLastError(err.Error())
		return err
	}

	g.status.SetStale(false)
	g.status.SetOffline(false)
	g.status.SetLastError("")
	return nil
}

// fetchEntityStatuses pulls the full entity status set for a project.
func (g *ReconciliationGateway) fetchEntityStatuses(ctx context.Context, projectID int) ([]model.EntityStatusRecord, error) {
	endpoint := fmt.Sprintf("%s/projects/%d/entities/statuses", g.baseURL, projectID)
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := g.client.Do(req)
	if cerr := syncerror.Classify(resp, err); cerr != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, cerr
	}
	defer resp.Body.Close()

	var records []model.EntityStatusRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, syncerror.New(syncerror.StreamProtocol, err.Error())
	}
	for i := range records {
		records[i].ProjectID = projectID
	}
	return records, nil
}

// fetchEventLog pulls the full event log for a project via a cursorless
// change-feed request; the returned cursor becomes the resume point for
// the live subscription.
func (g *ReconciliationGateway) fetchEventLog(ctx context.Context, projectID int) ([]model.TaskEvent, string, error) {
	params := url.Values{}
	params.Set("table", feedTable)
	params.Set("where", fmt.Sprintf("project_id=%d", projectID))

	req, err := http.NewRequestWithContext(ctx, "GET", g.baseURL+"/changefeed?"+params.Encode(), nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := g.client.Do(req)
	if cerr := syncerror.Classify(resp, err); cerr != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, "", cerr
	}
	defer resp.Body.Close()

	var batch FeedBatch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, "", syncerror.New(syncerror.StreamProtocol, err.Error())
	}
	return batch.Events, batch.Cursor, nil
}
