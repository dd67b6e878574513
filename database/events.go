package database

import (
	"github.com/pkg/errors"

	"github.com/hotosm/field-tm-sync/model"
)

// ApplyEventBatch persists a feed batch and advances the project's resume
// cursor. Event rows are upserted by event_id so re-applying a batch after
// a crash is harmless, and the cursor is written only after every row in
// the batch has landed. If the process dies in between, the next resume
/// refetches the batch and the upserts absorb the duplicates: at-least-once
// apply, exactly-once effect.
func (d Datasource) ApplyEventBatch(projectID int, events []model.TaskEvent, cursor string) error {
	for _, ev := range events {
		_, err := d.Conn.Exec(`
			INSERT INTO task_events (event_id, project_id, task_id, event, actor, comment, server_cursor, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(event_id) DO NOTHING
		`, ev.EventID, ev.ProjectID, ev.TaskID, ev.Event, ev.Actor, ev.Comment, ev.ServerCursor, ev.CreatedAt)
		if err != nil {
			return errors.Wrapf(err, "applying event %s", ev.EventID)
		}
	}

	if cursor == "" {
		return nil
	}
	return d.SaveCursor(projectID, cursor)
}

// GetTaskEvents returns one task's events in server cursor order, the only
// order state replay is allowed to use.
func (d Datasource) GetTaskEvents(projectID, taskID int) ([]model.TaskEvent, error) {
	rows, err := d.Conn.Query(`
		SELECT event_id, project_id, task_id, event, actor, comment, server_cursor, created_at
		FROM task_events
		WHERE project_id = ? AND task_id = ?
		ORDER BY server_cursor ASC
	`, projectID, taskID)
	if err != nil {
		return nil, errors.Wrap(err, "querying task events")
	}
	defer rows.Close()

	return scanTaskEvents(rows)
}

// GetProjectEvents returns every cached event for a project in server
// cursor order.
func (d Datasource) GetProjectEvents(projectID int) ([]model.TaskEvent, error) {
	rows, err := d.Conn.Query(`
		SELECT event_id, project_id, task_id, event, actor, comment, server_cursor, created_at
		FROM task_events
		WHERE project_id = ?
		ORDER BY server_cursor ASC
	`, projectID)
	if err != nil {
		return nil, errors.Wrap(err, "querying project events")
	}
	defer rows.Close()

	return scanTaskEvents(rows)
}

// ReplaceProjectEvents overwrites the cached event log for a project with
// a freshly fetched snapshot. Used by the reconciliation gateway; the
// snapshot is authoritative over anything previously cached. The delete
// and the inserts are not wrapped in a transaction. An interruption in
// between leaves a partial cache that the next snapshot or feed batch
// heals, since every row write is individually idempotent.
func (d Datasource) ReplaceProjectEvents(projectID int, events []model.TaskEvent) error {
	_, err := d.Conn.Exec(`DELETE FROM task_events WHERE project_id = ?`, projectID)
	if err != nil {
		return errors.Wrap(err, "clearing project events")
	}

	for _, ev := range events {
		_, err := d.Conn.Exec(`
			INSERT INTO task_events (event_id, project_id, task_id, event, actor, comment, server_cursor, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(event_id) DO NOTHING
		`, ev.EventID, ev.ProjectID, ev.TaskID, ev.Event, ev.Actor, ev.Comment, ev.ServerCursor, ev.CreatedAt)
		if err != nil {
			return errors.Wrapf(err, "inserting snapshot event %s", ev.EventID)
		}
	}
	return nil
}

func scanTaskEvents(rows interface {
	Next() bool
	Scan(dest ...interface{}) error
}) ([]model.TaskEvent, error) {
	events := []model.TaskEvent{}
	for rows.Next() {
		ev := model.TaskEvent{}
		err := rows.Scan(&ev.EventID, &ev.ProjectID, &ev.TaskID, &ev.Event, &ev.Actor, &ev.Comment, &ev.ServerCursor, &ev.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "scanning task event")
		}
		events = append(events, ev)
	}
	return events, nil
}
