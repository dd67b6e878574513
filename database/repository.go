package database

import (
	"time"

	"github.com/hotosm/field-tm-sync/model"
)

// IDataSource is the full surface of the durable local store. Every
// component of the engine talks to the store through this interface so
// tests can swap in an in-memory database or a mock.
type IDataSource interface {
	eventStore
	entityStore
	outboxStore
	syncStateStore
}

type eventStore interface {
	ApplyEventBatch(projectID int, events []model.TaskEvent, cursor string) error
	GetTaskEvents(projectID, taskID int) ([]model.TaskEvent, error)
	GetProjectEvents(projectID int) ([]model.TaskEvent, error)
	ReplaceProjectEvents(projectID int, events []model.TaskEvent) error
}

type entityStore interface {
	UpsertEntityStatus(record model.EntityStatusRecord) (model.EntityStatusRecord, error)
	GetEntityStatus(entityID string) (*model.EntityStatusRecord, error)
	GetProjectEntities(projectID int) ([]model.EntityStatusRecord, error)
	ReplaceProjectEntities(projectID int, records []model.EntityStatusRecord) error
	DeleteEntityStatus(entityID string) error
}

type outboxStore interface {
	InsertSubmission(sub model.OutboxSubmission) error
	GetSubmission(outboxID string) (*model.OutboxSubmission, error)
	PendingSubmissions(projectID int) ([]model.OutboxSubmission, error)
	OutboxProjects() ([]int, error)
	AllSubmissions() ([]model.OutboxSubmission, error)
	UpdateSubmissionStatus(outboxID, status, sendError string, retryable bool) error
	RecoverStuckSubmissions() (int64, error)
	IncrementAttempts(outboxID string) error
	PurgeReceivedBefore(cutoff time.Time) (int64, error)
}

type syncStateStore interface {
	GetSyncState(projectID int) (*model.ProjectSyncState, error)
	SaveCursor(projectID int, cursor string) error
	SetSubscriptionActive(projectID int, active bool) error
}
