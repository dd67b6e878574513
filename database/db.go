package database

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hotosm/field-tm-sync/config"
	"github.com/hotosm/field-tm-sync/internal/syncerror"
)

type Datasource struct {
	Conn *sql.DB
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := ConnectDB(configuration.Store.Path)
	if err != nil {
		// Without a durable store nothing can be queued; sync is disabled.
		return nil, syncerror.New(syncerror.StoreUnavailable, err.Error())
	}
	return &Datasource{Conn: con}, nil
}

func ConnectDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("local store connection error ❌: %v", err)
		return nil, err
	}
	err = createTaskEventsTable(db)
	if err != nil {
		return nil, err
	}
	err = createEntityStatusTable(db)
	if err != nil {
		return nil, err
	}
	err = createOutboxTable(db)
	if err != nil {
		return nil, err
	}
	err = createSyncStateTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// createTaskEventsTable creates the mirrored copy of the server's
// append-only task event log. Rows are only ever inserted, never updated.
func createTaskEventsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS task_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			project_id INTEGER NOT NULL,
			task_id INTEGER NOT NULL,
			event TEXT NOT NULL,
			actor TEXT,
			comment TEXT,
			server_cursor INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
	`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_task_events_replay
		ON task_events(project_id, task_id, server_cursor);
	`)
	return err
}

// createEntityStatusTable creates the mutable entity status cache.
func createEntityStatusTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS entity_statuses (
			entity_id TEXT PRIMARY KEY,
			osm_id BIGINT,
			project_id INTEGER NOT NULL,
			task_id INTEGER,
			status TEXT NOT NULL,
			submission_ids TEXT,
			source TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
	`)
	return err
}

// createOutboxTable creates the durable queue of user actions awaiting
// delivery. Rows survive process restarts and offline periods.
func createOutboxTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			outbox_id TEXT NOT NULL UNIQUE,
			idempotency_key TEXT NOT NULL UNIQUE,
			project_id INTEGER NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			content_type TEXT NOT NULL,
			payload TEXT,
			status TEXT NOT NULL,
			error TEXT,
			retryable INTEGER NOT NULL DEFAULT 1,
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		);
	`)
	return err
}

// createSyncStateTable creates the per-project resume cursor bookkeeping.
func createSyncStateTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS project_sync_state (
			project_id INTEGER PRIMARY KEY,
			last_cursor TEXT,
			subscription_active INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP
		);
	`)
	return err
}
