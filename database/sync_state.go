package database

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/hotosm/field-tm-sync/model"
)

// GetSyncState returns the persisted sync state for a project, or nil when
// the project has never been subscribed.
func (d Datasource) GetSyncState(projectID int) (*model.ProjectSyncState, error) {
	row := d.Conn.QueryRow(`
		SELECT project_id, last_cursor, subscription_active, updated_at
		FROM project_sync_state
		WHERE project_id = ?
	`, projectID)

	state := model.ProjectSyncState{}
	var cursor sql.NullString
	var updatedAt sql.NullTime
	err := row.Scan(&state.ProjectID, &cursor, &state.SubscriptionActive, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading sync state for project %d", projectID)
	}
	state.LastCursor = cursor.String
	state.UpdatedAt = updatedAt.Time
	return &state, nil
}

// SaveCursor persists the resume cursor for a project. Called only after
// the corresponding batch has been fully applied; resuming from this
// cursor must never skip an un-applied batch.
func (d Datasource) SaveCursor(projectID int, cursor string) error {
	_, err := d.Conn.Exec(`
		INSERT INTO project_sync_state (project_id, last_cursor, subscription_active, updated_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			last_cursor = excluded.last_cursor,
			updated_at = excluded.updated_at
	`, projectID, cursor, time.Now())
	return errors.Wrapf(err, "saving cursor for project %d", projectID)
}

// SetSubscriptionActive flips the liveness flag for a project's feed
// subscription. This is liveness bookkeeping only; it never touches the
// cursor.
func (d Datasource) SetSubscriptionActive(projectID int, active bool) error {
	_, err := d.Conn.Exec(`
		INSERT INTO project_sync_state (project_id, last_cursor, subscription_active, updated_at)
		VALUES (?, '', ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			subscription_active = excluded.subscription_active,
			updated_at = excluded.updated_at
	`, projectID, active, time.Now())
	return errors.Wrapf(err, "setting subscription flag for project %d", projectID)
}
