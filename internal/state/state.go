package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Sync log status values
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// StateDB keeps a local log of sync runs in SQLite
type StateDB struct {
	db *sql.DB
}

// New creates a new StateDB instance
func New(dbPath string) (*StateDB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// SQLite allows one writer; the pipeline is sequential anyway
	db.SetMaxOpenConns(1)

	stateDB := &StateDB{db: db}

	if err := stateDB.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state database: %w", err)
	}

	return stateDB, nil
}

// Close closes the database connection
func (s *StateDB) Close() error {
	return s.db.Close()
}

// init creates necessary tables
func (s *StateDB) init() error {
	query := `
		CREATE TABLE IF NOT EXISTS sync_state (
			table_name TEXT PRIMARY KEY,
			last_sync_timestamp DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS sync_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			table_name TEXT NOT NULL,
			sync_type TEXT NOT NULL,
			rows_processed INTEGER DEFAULT 0,
			rows_failed INTEGER DEFAULT 0,
			start_time DATETIME,
			end_time DATETIME,
			status TEXT DEFAULT 'running',
			error_message TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_sync_log_table_time ON sync_log(table_name, start_time);
		CREATE INDEX IF NOT EXISTS idx_sync_log_run ON sync_log(run_id);
	`

	_, err := s.db.Exec(query)
	return err
}

// GetLastSync returns when a table last synced without failures
func (s *StateDB) GetLastSync(ctx context.Context, tableName string) (time.Time, error) {
	query := "SELECT last_sync_timestamp FROM sync_state WHERE table_name = ?"

	var timestamp sql.NullTime
	err := s.db.QueryRowContext(ctx, query, tableName).Scan(&timestamp)

	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}

	if timestamp.Valid {
		return timestamp.Time, nil
	}

	return time.Time{}, nil
}

// SetLastSync updates the last sync timestamp for a table
func (s *StateDB) SetLastSync(ctx context.Context, tableName string, timestamp time.Time) error {
	query := `
		INSERT INTO sync_state (table_name, last_sync_timestamp, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(table_name) DO UPDATE SET
			last_sync_timestamp = excluded.last_sync_timestamp,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query, tableName, timestamp.UTC())
	return err
}

// LogSyncStart logs the start of a sync operation
func (s *StateDB) LogSyncStart(ctx context.Context, runID, tableName, syncType string) (int64, error) {
	query := `
		INSERT INTO sync_log (run_id, table_name, sync_type, start_time, status)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query, runID, tableName, syncType, time.Now().UTC(), StatusRunning)
	if err != nil {
		return 0, err
	}

	return result.LastInsertId()
}

// LogSyncEnd logs the completion of a sync operation
func (s *StateDB) LogSyncEnd(ctx context.Context, logID int64, rowsProcessed, rowsFailed int, status string, errorMessage string) error {
	query := `
		UPDATE sync_log
		SET end_time = ?,
		    rows_processed = ?,
		    rows_failed = ?,
		    status = ?,
		    error_message = ?
		WHERE id = ?
	`

	var msg any
	if errorMessage != "" {
		msg = errorMessage
	}

	_, err := s.db.ExecContext(ctx, query, time.Now().UTC(), rowsProcessed, rowsFailed, status, msg, logID)
	return err
}

// GetSyncHistory returns sync history, newest first. An empty tableName returns all tables.
func (s *StateDB) GetSyncHistory(ctx context.Context, tableName string, limit int) ([]SyncLogEntry, error) {
	query := `
		SELECT id, run_id, table_name, sync_type, rows_processed, rows_failed, start_time, end_time, status, error_message
		FROM sync_log
		WHERE (? = '' OR table_name = ?)
		ORDER BY start_time DESC, id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, tableName, tableName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []SyncLogEntry
	for rows.Next() {
		var entry SyncLogEntry
		var startTime, endTime sql.NullTime
		var errorMessage sql.NullString

		err := rows.Scan(
			&entry.ID,
			&entry.RunID,
			&entry.TableName,
			&entry.SyncType,
			&entry.RowsProcessed,
			&entry.RowsFailed,
			&startTime,
			&endTime,
			&entry.Status,
			&errorMessage,
		)
		if err != nil {
			return nil, err
		}

		if startTime.Valid {
			entry.StartTime = startTime.Time
		}
		if endTime.Valid {
			entry.EndTime = &endTime.Time
		}
		if errorMessage.Valid {
			entry.ErrorMessage = &errorMessage.String
		}

		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// CleanupOldLogs removes log entries older than the given number of days
func (s *StateDB) CleanupOldLogs(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	result, err := s.db.ExecContext(ctx, "DELETE FROM sync_log WHERE start_time < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// SyncLogEntry represents a sync log entry
type SyncLogEntry struct {
	ID            int64      `json:"id"`
	RunID         string     `json:"run_id"`
	TableName     string     `json:"table_name"`
	SyncType      string     `json:"sync_type"`
	RowsProcessed int        `json:"rows_processed"`
	RowsFailed    int        `json:"rows_failed"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	Status        string     `json:"status"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
}
