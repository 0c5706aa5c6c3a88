// Package history keeps a local journal of sync passes so users can see when
// changes were sent and why some were not.
package history

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"lova/internal/reconcile"
)

// Pass is one journaled sync pass.
type Pass struct {
	ID           int64
	StartedAt    time.Time
	Duration     time.Duration
	Total        int
	Synced       int
	Failed       int
	DeadLettered int
	ErrorType    string
	ErrorMessage string
}

// Journal records sync passes in SQLite. It implements reconcile.Recorder.
type Journal struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates a journal at dbPath. Use ":memory:" in tests.
func Open(dbPath string) (*Journal, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close closes the database connection
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// RecordPass stores a pass result. Only the first error of the pass is kept verbatim.
func (j *Journal) RecordPass(ctx context.Context, result reconcile.Result) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var errType, errMsg string
	if len(result.Errors) > 0 {
		first := result.Errors[0]
		errType = categorizeError(first.Err)
		errMsg = first.Error()
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO sync_passes (started_at, duration_ms, total, synced, failed, dead_lettered, error_type, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, result.Started.UnixMilli(), result.Duration.Milliseconds(), result.Total, result.Synced,
		result.Failed, result.DeadLettered, nullString(errType), nullString(errMsg))
	return err
}

// Recent returns up to limit passes, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Pass, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, started_at, duration_ms, total, synced, failed, dead_lettered, error_type, error_message
		FROM sync_passes ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	passes := []Pass{}
	for rows.Next() {
		var p Pass
		var startedMs, durationMs int64
		var errType, errMsg sql.NullString
		if err := rows.Scan(&p.ID, &startedMs, &durationMs, &p.Total, &p.Synced, &p.Failed,
			&p.DeadLettered, &errType, &errMsg); err != nil {
			return nil, err
		}
		p.StartedAt = time.UnixMilli(startedMs)
		p.Duration = time.Duration(durationMs) * time.Millisecond
		p.ErrorType = errType.String
		p.ErrorMessage = errMsg.String
		passes = append(passes, p)
	}
	return passes, rows.Err()
}

// Cleanup removes passes older than retention and returns how many were deleted.
func (j *Journal) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := time.Now().Add(-retention).UnixMilli()
	result, err := j.db.ExecContext(ctx, "DELETE FROM sync_passes WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// categorizeError categorizes an error into a general type
func categorizeError(err error) string {
	if err == nil {
		return ""
	}
	if reconcile.IsDataIntegrityError(err) {
		return "integrity"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "timeout"):
		return "timeout"
	case strings.Contains(errStr, "network") || strings.Contains(errStr, "connection") || strings.Contains(errStr, "unreachable"):
		return "network"
	case strings.Contains(errStr, "auth") || strings.Contains(errStr, "unauthorized") || strings.Contains(errStr, "forbidden") || strings.Contains(errStr, "permission"):
		return "auth"
	case strings.Contains(errStr, "not found"):
		return "not_found"
	default:
		return "unknown"
	}
}

// nullString returns nil for empty strings
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
