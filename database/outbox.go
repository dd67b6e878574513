package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hotosm/field-tm-sync/model"
	"github.com/hotosm/field-tm-sync/internal/syncerror"
)

// InsertSubmission durably queues a user action. The UNIQUE constraint on
// idempotency_key guarantees the same logical action is never queued twice.
func (d Datasource) InsertSubmission(sub model.OutboxSubmission) error {
	_, err := d.Conn.Exec(`
		INSERT INTO outbox (outbox_id, idempotency_key, project_id, method, url, content_type, payload, status, error, retryable, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sub.OutboxID, sub.IdempotencyKey, sub.ProjectID, sub.Method, sub.URL, sub.ContentType, sub.Payload, sub.Status, sub.Error, sub.Retryable, sub.Attempts, sub.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("submission with idempotency key '%s' already queued", sub.IdempotencyKey)
		}
		return syncerror.New(syncerror.StoreWrite, err.Error())
	}
	return nil
}

// GetSubmission returns one outbox row, or nil when unknown.
func (d Datasource) GetSubmission(outboxID string) (*model.OutboxSubmission, error) {
	row := d.Conn.QueryRow(`
		SELECT outbox_id, idempotency_key, project_id, method, url, content_type, payload, status, error, retryable, attempts, created_at
		FROM outbox
		WHERE outbox_id = ?
	`, outboxID)

	sub, err := scanSubmission(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading outbox row %s", outboxID)
	}
	return &sub, nil
}

// PendingSubmissions returns the rows the next flush pass must send for a
// project, strictly in enqueue order. PENDING rows are always included;
// FAILED rows only when their last failure was retryable; validation
// failures wait for an explicit retry.
func (d Datasource) PendingSubmissions(projectID int) ([]model.OutboxSubmission, error) {
	rows, err := d.Conn.Query(`
		SELECT outbox_id, idempotency_key, project_id, method, url, content_type, payload, status, error, retryable, attempts, created_at
		FROM outbox
		WHERE project_id = ? AND (status = ? OR (status = ? AND retryable = 1))
		ORDER BY id ASC
	`, projectID, model.OutboxPending, model.OutboxFailed)
	if err != nil {
		return nil, errors.Wrap(err, "querying pending submissions")
	}
	defer rows.Close()

	return collectSubmissions(rows)
}

// OutboxProjects lists the projects that currently have sendable rows.
func (d Datasource) OutboxProjects() ([]int, error) {
	rows, err := d.Conn.Query(`
		SELECT DISTINCT project_id FROM outbox
		WHERE status = ? OR (status = ? AND retryable = 1)
		ORDER BY project_id
	`, model.OutboxPending, model.OutboxFailed)
	if err != nil {
		return nil, errors.Wrap(err, "querying outbox projects")
	}
	defer rows.Close()

	projects := []int{}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		projects = append(projects, id)
	}
	return projects, nil
}

// AllSubmissions returns every outbox row, newest last. Used by the status
// surface.
func (d Datasource) AllSubmissions() ([]model.OutboxSubmission, error) {
	rows, err := d.Conn.Query(`
		SELECT outbox_id, idempotency_key, project_id, method, url, content_type, payload, status, error, retryable, attempts, created_at
		FROM outbox
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "querying outbox rows")
	}
	defer rows.Close()

	return collectSubmissions(rows)
}

// UpdateSubmissionStatus moves an outbox row through its status machine.
// Illegal transitions are rejected, which is what keeps a RECEIVED row
// from ever being re-sent or regressed.
func (d Datasource) UpdateSubmissionStatus(outboxID, status, sendError string, retryable bool) error {
	existing, err := d.GetSubmission(outboxID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("outbox row '%s' not found", outboxID)
	}
	if !model.CanTransition(existing.Status, status) {
		return fmt.Errorf("illegal outbox transition %s -> %s for row %s", existing.Status, status, outboxID)
	}

	_, err = d.Conn.Exec(`
		UPDATE outbox SET status = ?, error = ?, retryable = ? WHERE outbox_id = ?
	`, status, sendError, retryable, outboxID)
	if err != nil {
		return syncerror.New(syncerror.StoreWrite, err.Error())
	}
	return nil
}

// RecoverStuckSubmissions returns rows stranded in SENDING by a crash to
// PENDING so the next flush re-sends them in their original position.
// This deliberately bypasses the status machine: SENDING -> PENDING is
// only legal here, at startup, before any flush pass is running. The
// re-send is safe because the row keeps its original idempotency key.
func (d Datasource) RecoverStuckSubmissions() (int64, error) {
	res, err := d.Conn.Exec(`
		UPDATE outbox SET status = ? WHERE status = ?
	`, model.OutboxPending, model.OutboxSending)
	if err != nil {
		return 0, errors.Wrap(err, "recovering stuck outbox rows")
	}
	return res.RowsAffected()
}

// IncrementAttempts bumps the attempt counter for one row.
func (d Datasource) IncrementAttempts(outboxID string) error {
	_, err := d.Conn.Exec(`UPDATE outbox SET attempts = attempts + 1 WHERE outbox_id = ?`, outboxID)
	return errors.Wrapf(err, "incrementing attempts for %s", outboxID)
}

// PurgeReceivedBefore removes acknowledged rows older than the retention
// cutoff. PENDING, SENDING and FAILED rows are never purged.
func (d Datasource) PurgeReceivedBefore(cutoff time.Time) (int64, error) {
	res, err := d.Conn.Exec(`
		DELETE FROM outbox WHERE status = ? AND created_at < ?
	`, model.OutboxReceived, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "purging received outbox rows")
	}
	return res.RowsAffected()
}

func collectSubmissions(rows *sql.Rows) ([]model.OutboxSubmission, error) {
	subs := []model.OutboxSubmission{}
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning outbox row")
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func scanSubmission(row interface{ Scan(dest ...interface{}) error }) (model.OutboxSubmission, error) {
	sub := model.OutboxSubmission{}
	var sendError sql.NullString
	err := row.Scan(&sub.OutboxID, &sub.IdempotencyKey, &sub.ProjectID, &sub.Method, &sub.URL, &sub.ContentType, &sub.Payload, &sub.Status, &sendError, &sub.Retryable, &sub.Attempts, &sub.CreatedAt)
	if err != nil {
		return sub, err
	}
	sub.Error = sendError.String
	return sub, nil
}
