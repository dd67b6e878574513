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
	"sort"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/hotosm/field-tm-sync/database"
	"github.com/hotosm/field-tm-sync/internal/notification"
	"github.com/hotosm/field-tm-sync/internal/syncerror"
	"github.com/hotosm/field-tm-sync/model"
)

var materializerTracer = otel.Tracer("Materializer")

// mutationOp is one unit of work on the materializer's serialized queue.
type mutationOp struct {
	apply func() error
	done  chan error
}

// Materializer folds the event log into the current-state projections for
// one project: a task-state map and an entity-status map. Every mutation
// (feed batch, optimistic write, snapshot overwrite) funnels through a
// single ordered queue drained by one goroutine, so readers never observe
// a half-applied batch and no two mutations ever interleave.
type Materializer struct {
	projectID   int
	ds          database.IDataSource
	status      *StatusCell
	currentUser string
	window      time.Duration

	ops chan mutationOp

	// projections owned by the drain goroutine; reads ride the same
	// queue, so they serialize with mutations.
	taskStates map[int]string
	entities   map[string]model.EntityStatusRecord
}

// NewMaterializer builds a materializer for one project and warms its
// projections from the durable store, so cached state is readable before
// the first feed batch arrives.
func NewMaterializer(projectID int, ds database.IDataSource, status *StatusCell, currentUser string, mentionWindow time.Duration) (*Materializer, error) {
	m := &Materializer{
		projectID:   projectID,
		ds:          ds,
		status:      status,
		currentUser: currentUser,
		window:      mentionWindow,
		ops:         make(chan mutationOp, 64),
		taskStates:  make(map[int]string),
		entities:    make(map[string]model.EntityStatusRecord),
	}

	events, err := ds.GetProjectEvents(projectID)
	if err != nil {
		return nil, err
	}
	m.foldEvents(events)

	records, err := ds.GetProjectEntities(projectID)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		m.entities[rec.EntityID] = rec
	}

	return m, nil
}

// Start launches the mutation queue drain loop. It exits when the context
// is cancelled; queued mutations already accepted are still applied.
func (m *Materializer) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case op := <-m.ops:
				op.done <- op.apply()
			case <-ctx.Done():
				// Drain what was already queued, then stop.
				for {
					select {
					case op := <-m.ops:
						op.done <- op.apply()
					default:
						return
					}
				}
			}
		}
	}()
}

// enqueue puts a mutation on the serialized queue and waits for it to be
// applied, returning its error.
func (m *Materializer) enqueue(apply func() error) error {
	op := mutationOp{apply: apply, done: make(chan error, 1)}
	m.ops <- op
	return <-op.done
}

// ApplyEventBatch persists and folds one change-feed batch. The durable
// write covers the event rows and the resume cursor together: the cursor
// is only advanced once every row is applied, so a crash in between means
// the batch is refetched, and the idempotent upserts absorb the replay.
func (m *Materializer) ApplyEventBatch(ctx context.Context, events []model.TaskEvent, entities []model.EntityStatusRecord, cursor string) error {
	_, span := materializerTracer.Start(ctx, "Applying event batch")
	defer span.End()

	return m.enqueue(func() error {
		if err := m.ds.ApplyEventBatch(m.projectID, events, ""); err != nil {
			return syncerror.New(syncerror.StoreWrite, err.Error())
		}
		for _, rec := range entities {
			rec.Source = model.SourceFeed
			stored, err := m.ds.UpsertEntityStatus(rec)
			if err != nil {
				return syncerror.New(syncerror.StoreWrite, err.Error())
			}
			m.entities[stored.EntityID] = stored
		}
		// Cursor last: never resume past an un-applied batch.
		if cursor != "" {
			if err := m.ds.SaveCursor(m.projectID, cursor); err != nil {
				return syncerror.New(syncerror.StoreWrite, err.Error())
			}
		}

		m.foldEvents(events)
		m.scanMentions(events)
		return nil
	})
}

// ApplySnapshot overwrites the projections with a full reconciliation
// fetch. The snapshot is authoritative over everything cached, including
// rows the feed wrote.
func (m *Materializer) ApplySnapshot(ctx context.Context, events []model.TaskEvent, entities []model.EntityStatusRecord, cursor string) error {
	_, span := materializerTracer.Start(ctx, "Applying snapshot")
	defer span.End()

	return m.enqueue(func() error {
		if err := m.ds.ReplaceProjectEvents(m.projectID, events); err != nil {
			return syncerror.New(syncerror.StoreWrite, err.Error())
		}
		for i := range entities {
			entities[i].Source = model.SourceSnapshot
		}
		if err := m.ds.ReplaceProjectEntities(m.projectID, entities); err != nil {
			return syncerror.New(syncerror.StoreWrite, err.Error())
		}
		if cursor != "" {
			if err := m.ds.SaveCursor(m.projectID, cursor); err != nil {
				return syncerror.New(syncerror.StoreWrite, err.Error())
			}
		}

		m.taskStates = make(map[int]string)
		m.foldEvents(events)

		m.entities = make(map[string]model.EntityStatusRecord, len(entities))
		for _, rec := range entities {
			m.entities[rec.EntityID] = rec
		}
		return nil
	})
}

// ApplyOptimisticEntity records a provisional local write. It is shown to
// the user immediately and silently superseded by the next authoritative
// row for the same entity.
func (m *Materializer) ApplyOptimisticEntity(rec model.EntityStatusRecord) error {
	return m.enqueue(func() error {
		rec.Source = model.SourceOptimistic
		rec.UpdatedAt = time.Now()
		stored, err := m.ds.UpsertEntityStatus(rec)
		if err != nil {
			// A failed optimistic write abandons that row only; the
			// engine keeps running.
			notification.NotifyError(err)
			return syncerror.New(syncerror.StoreWrite, err.Error())
		}
		m.entities[stored.EntityID] = stored
		return nil
	})
}

// RemoveEntity drops an entity from the projection and cache, mirroring a
// server-side delete.
func (m *Materializer) RemoveEntity(entityID string) error {
	return m.enqueue(func() error {
		if err := m.ds.DeleteEntityStatus(entityID); err != nil {
			return syncerror.New(syncerror.StoreWrite, err.Error())
		}
		delete(m.entities, entityID)
		return nil
	})
}

// CurrentTaskState returns the materialized state for a task. Unknown
// tasks are UNLOCKED_TO_MAP by definition. Reads ride the mutation queue,
// so a read never observes a half-applied batch.
func (m *Materializer) CurrentTaskState(taskID int) string {
	state := model.StateUnlockedToMap
	_ = m.enqueue(func() error {
		if s, ok := m.taskStates[taskID]; ok {
			state = s
		}
		return nil
	})
	return state
}

// CurrentEntityStatus returns the cached status row for an entity.
func (m *Materializer) CurrentEntityStatus(entityID string) (model.EntityStatusRecord, bool) {
	var rec model.EntityStatusRecord
	var found bool
	_ = m.enqueue(func() error {
		rec, found = m.entities[entityID]
		return nil
	})
	return rec, found
}

// ProjectEntities returns a copy of the entity projection.
func (m *Materializer) ProjectEntities() []model.EntityStatusRecord {
	var records []model.EntityStatusRecord
	_ = m.enqueue(func() error {
		records = make([]model.EntityStatusRecord, 0, len(m.entities))
		for _, rec := range m.entities {
			records = append(records, rec)
		}
		return nil
	})
	sort.Slice(records, func(i, j int) bool { return records[i].EntityID < records[j].EntityID })
	return records
}

// foldEvents applies events to the task-state map strictly in ascending
// server cursor order. Two events for the same task in one batch are
// tie-broken by cursor, never by created_at.
func (m *Materializer) foldEvents(events []model.TaskEvent) {
	ordered := make([]model.TaskEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ServerCursor < ordered[j].ServerCursor
	})

	for _, ev := range ordered {
		prev, ok := m.taskStates[ev.TaskID]
		if !ok {
			prev = model.StateUnlockedToMap
		}
		next, _ := model.NextTaskState(prev, ev.Event)
		m.taskStates[ev.TaskID] = next
	}
}

// scanMentions raises a transient notification for fresh comment events
// that mention the current user. Best-effort side channel; freshness uses
// the untrusted created_at and never feeds back into state.
func (m *Materializer) scanMentions(events []model.TaskEvent) {
	now := time.Now()
	for _, ev := range events {
		if ev.MentionsUser(m.currentUser, m.window, now) {
			m.status.PublishMention(Mention{
				ProjectID: ev.ProjectID,
				TaskID:    ev.TaskID,
				Actor:     ev.Actor,
				Comment:   ev.Comment,
				CreatedAt: ev.CreatedAt,
			})
		}
	}
}
