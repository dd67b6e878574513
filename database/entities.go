package database

import (
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/hotosm/field-tm-sync/model"
)

// UpsertEntityStatus merges an incoming status row into the cache and
// returns the row that was stored. Precedence between the three sources
// (snapshot > feed > optimistic) is decided by model.MergeEntityStatus;
// this method only does the read-merge-write.
func (d Datasource) UpsertEntityStatus(record model.EntityStatusRecord) (model.EntityStatusRecord, error) {
	existing, err := d.GetEntityStatus(record.EntityID)
	if err != nil {
		return model.EntityStatusRecord{}, err
	}

	merged := model.MergeEntityStatus(existing, record)

	submissionIDs, err := json.Marshal(merged.SubmissionIDs)
	if err != nil {
		return model.EntityStatusRecord{}, err
	}

	_, err = d.Conn.Exec(`
		INSERT INTO entity_statuses (entity_id, osm_id, project_id, task_id, status, submission_ids, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			osm_id = excluded.osm_id,
			project_id = excluded.project_id,
			task_id = excluded.task_id,
			status = excluded.status,
			submission_ids = excluded.submission_ids,
			source = excluded.source,
			updated_at = excluded.updated_at
	`, merged.EntityID, merged.OSMID, merged.ProjectID, merged.TaskID, merged.Status, string(submissionIDs), merged.Source, merged.UpdatedAt)
	if err != nil {
		return model.EntityStatusRecord{}, errors.Wrapf(err, "upserting entity %s", record.EntityID)
	}
	return merged, nil
}

// GetEntityStatus returns the cached status row for one entity, or nil
// when the entity is unknown.
func (d Datasource) GetEntityStatus(entityID string) (*model.EntityStatusRecord, error) {
	row := d.Conn.QueryRow(`
		SELECT entity_id, osm_id, project_id, task_id, status, submission_ids, source, updated_at
		FROM entity_statuses
		WHERE entity_id = ?
	`, entityID)

	rec, err := scanEntityStatus(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading entity %s", entityID)
	}
	return &rec, nil
}

// GetProjectEntities returns every cached entity status row for a project.
func (d Datasource) GetProjectEntities(projectID int) ([]model.EntityStatusRecord, error) {
	rows, err := d.Conn.Query(`
		SELECT entity_id, osm_id, project_id, task_id, status, submission_ids, source, updated_at
		FROM entity_statuses
		WHERE project_id = ?
		ORDER BY entity_id
	`, projectID)
	if err != nil {
		return nil, errors.Wrap(err, "querying project entities")
	}
	defer rows.Close()

	records := []model.EntityStatusRecord{}
	for rows.Next() {
		rec, err := scanEntityStatus(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning entity status")
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReplaceProjectEntities overwrites the cached rows for every entity a
// snapshot includes. Rows absent from the snapshot are dropped; the
// snapshot is the complete authoritative set for the project, never merged
// piecemeal with what was cached before.
func (d Datasource) ReplaceProjectEntities(projectID int, records []model.EntityStatusRecord) error {
	_, err := d.Conn.Exec(`DELETE FROM entity_statuses WHERE project_id = ?`, projectID)
	if err != nil {
		return errors.Wrap(err, "clearing project entities")
	}

	for _, rec := range records {
		submissionIDs, err := json.Marshal(rec.SubmissionIDs)
		if err != nil {
			return err
		}
		_, err = d.Conn.Exec(`
			INSERT INTO entity_statuses (entity_id, osm_id, project_id, task_id, status, submission_ids, source, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(entity_id) DO UPDATE SET
				osm_id = excluded.osm_id,
				project_id = excluded.project_id,
				task_id = excluded.task_id,
				status = excluded.status,
				submission_ids = excluded.submission_ids,
				source = excluded.source,
				updated_at = excluded.updated_at
		`, rec.EntityID, rec.OSMID, rec.ProjectID, rec.TaskID, rec.Status, string(submissionIDs), rec.Source, rec.UpdatedAt)
		if err != nil {
			return errors.Wrapf(err, "inserting snapshot entity %s", rec.EntityID)
		}
	}
	return nil
}

// DeleteEntityStatus removes one entity from the cache, mirroring a
// server-side entity delete.
func (d Datasource) DeleteEntityStatus(entityID string) error {
	_, err := d.Conn.Exec(`DELETE FROM entity_statuses WHERE entity_id = ?`, entityID)
	return errors.Wrapf(err, "deleting entity %s", entityID)
}

func scanEntityStatus(row interface{ Scan(dest ...interface{}) error }) (model.EntityStatusRecord, error) {
	rec := model.EntityStatusRecord{}
	var submissionIDs sql.NullString
	err := row.Scan(&rec.EntityID, &rec.OSMID, &rec.ProjectID, &rec.TaskID, &rec.Status, &submissionIDs, &rec.Source, &rec.UpdatedAt)
	if err != nil {
		return rec, err
	}
	if submissionIDs.Valid && submissionIDs.String != "" && submissionIDs.String != "null" {
		if err := json.Unmarshal([]byte(submissionIDs.String), &rec.SubmissionIDs); err != nil {
			return rec, err
		}
	}
	return rec, nil
}
