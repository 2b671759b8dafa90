// Package queue implements the persistent retry queue for records whose
// upload was deferred because a referenced row was missing server-side.
//
// Entries survive restarts: the queue is a table in the device database,
// keyed by (table_name, record_id) so re-queueing the same record refreshes
// the stored payload instead of duplicating the entry. Each retry attempt
// is counted; an entry that exhausts its attempts is parked as FAILED and
// stays visible until explicitly reset.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fieldbooks/fieldbooks/internal/db"
	"github.com/fieldbooks/fieldbooks/internal/protocol"
	"github.com/fieldbooks/fieldbooks/internal/schema"
)

// MaxAttempts is the retry ceiling. An entry failing this many times is
// parked as FAILED and no longer comes back from Due.
const MaxAttempts = 10

// Queue is the persistent retry queue backed by the device database.
type Queue struct {
	db     *db.DB
	logger *log.Logger
	clock  func() time.Time
}

// Item is one queued record awaiting retry.
type Item struct {
	ID          int64
	Table       string
	RecordID    string
	Record      schema.Record
	MissingDeps []protocol.MissingDependency
	Status      schema.Status
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// New creates a queue over an open device database.
// If logger is nil, a default logger writing to stderr is used.
func New(database *db.DB, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{db: database, logger: logger, clock: time.Now}
}

// Enqueue inserts or refreshes the entry for a record. Re-queueing an
// already queued record replaces the payload and missing-dependency list,
// returns the entry to PENDING, and keeps the attempt count.
func (q *Queue) Enqueue(ctx context.Context, tableName string, rec schema.Record, missing []protocol.MissingDependency) error {
	if _, err := schema.Lookup(tableName); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
	}
	deps, err := json.Marshal(missing)
	if err != nil {
		return fmt.Errorf("failed to encode missing dependencies: %w", err)
	}

	now := schema.FormatTime(q.clock())
	_, err = q.db.Conn().ExecContext(ctx, `
		INSERT INTO sync_queue
			(table_name, record_id, payload, missing_deps, status, attempts,
			 last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'PENDING', 0, '', ?, ?)
		ON CONFLICT(table_name, record_id) DO UPDATE SET
			payload = excluded.payload,
			missing_deps = excluded.missing_deps,
			status = 'PENDING',
			updated_at = excluded.updated_at
	`, tableName, rec.ID, string(payload), string(deps), now, now)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s record %s: %w", tableName, rec.ID, err)
	}

	q.logger.Printf("Queued %s record %s (%d missing dependencies)", tableName, rec.ID, len(missing))
	return nil
}

// Due returns PENDING entries oldest first. limit <= 0 means 100.
func (q *Queue) Due(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.Conn().QueryContext(ctx, `
		SELECT id, table_name, record_id, payload, missing_deps, status,
		       attempts, last_error, created_at, updated_at
		FROM sync_queue
		WHERE status = 'PENDING'
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due queue entries: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// All returns every queue entry regardless of status, oldest first.
func (q *Queue) All(ctx context.Context) ([]Item, error) {
	rows, err := q.db.Conn().QueryContext(ctx, `
		SELECT id, table_name, record_id, payload, missing_deps, status,
		       attempts, last_error, created_at, updated_at
		FROM sync_queue
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue entries: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// Complete removes an entry whose record finally synced.
func (q *Queue) Complete(ctx context.Context, id int64) error {
	res, err := q.db.Conn().ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to complete queue entry %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue entry %d not found", id)
	}
	return nil
}

// Fail records one failed attempt. When the attempt count reaches
// MaxAttempts the entry is parked as FAILED; otherwise it stays PENDING
// and will come back from Due.
func (q *Queue) Fail(ctx context.Context, id int64, cause string) error {
	now := schema.FormatTime(q.clock())
	res, err := q.db.Conn().ExecContext(ctx, `
		UPDATE sync_queue SET
			attempts = attempts + 1,
			last_error = ?,
			updated_at = ?,
			status = CASE WHEN attempts + 1 >= ? THEN 'FAILED' ELSE status END
		WHERE id = ?
	`, cause, now, MaxAttempts, id)
	if err != nil {
		return fmt.Errorf("failed to record attempt for queue entry %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue entry %d not found", id)
	}

	var status string
	var attempts int
	err = q.db.Conn().QueryRowContext(ctx,
		`SELECT status, attempts FROM sync_queue WHERE id = ?`, id).Scan(&status, &attempts)
	if err != nil {
		return fmt.Errorf("failed to read queue entry %d: %w", id, err)
	}
	if status == string(schema.StatusFailed) {
		q.logger.Printf("WARNING: queue entry %d exhausted %d attempts, parked as FAILED: %s",
			id, attempts, cause)
	}
	return nil
}

// ResetFailed returns every FAILED entry to PENDING with a fresh attempt
// budget. Returns the number of entries revived.
func (q *Queue) ResetFailed(ctx context.Context) (int, error) {
	now := schema.FormatTime(q.clock())
	res, err := q.db.Conn().ExecContext(ctx, `
		UPDATE sync_queue SET
			status = 'PENDING',
			attempts = 0,
			last_error = '',
			updated_at = ?
		WHERE status = 'FAILED'
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed queue entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reset entries: %w", err)
	}
	return int(n), nil
}

// Counts returns entry counts grouped by table and status.
func (q *Queue) Counts(ctx context.Context) (map[string]map[schema.Status]int, error) {
	rows, err := q.db.Conn().QueryContext(ctx, `
		SELECT table_name, status, COUNT(*) FROM sync_queue
		GROUP BY table_name, status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]map[schema.Status]int)
	for rows.Next() {
		var table, status string
		var n int
		if err := rows.Scan(&table, &status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan queue count: %w", err)
		}
		if counts[table] == nil {
			counts[table] = make(map[schema.Status]int)
		}
		counts[table][schema.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue counts: %w", err)
	}
	return counts, nil
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	var items []Item
	for rows.Next() {
		var it Item
		var payload, deps, status, createdAt, updatedAt string
		if err := rows.Scan(&it.ID, &it.Table, &it.RecordID, &payload, &deps,
			&status, &it.Attempts, &it.LastError, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &it.Record); err != nil {
			return nil, fmt.Errorf("queue entry %d has invalid payload: %w", it.ID, err)
		}
		if err := json.Unmarshal([]byte(deps), &it.MissingDeps); err != nil {
			return nil, fmt.Errorf("queue entry %d has invalid missing_deps: %w", it.ID, err)
		}
		it.Status = schema.Status(status)

		var err error
		if it.CreatedAt, err = schema.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("queue entry %d: %w", it.ID, err)
		}
		if it.UpdatedAt, err = schema.ParseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("queue entry %d: %w", it.ID, err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue entries: %w", err)
	}
	return items, nil
}
