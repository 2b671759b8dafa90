package db

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldbooks/fieldbooks/internal/schema"
)

// Direction of a sync batch.
type Direction string

const (
	DirectionUpload   Direction = "UPLOAD"
	DirectionDownload Direction = "DOWNLOAD"
)

// Operation statuses. A batch is SUCCESS when every record landed, PARTIAL
// when some did, FAILED when none did.
const (
	OperationSuccess = "SUCCESS"
	OperationPartial = "PARTIAL"
	OperationFailed  = "FAILED"
)

// Operation is one append-only row in the sync operation log, written by
// the orchestrator after each per-table batch. Rows are never mutated.
type Operation struct {
	ID          string
	DeviceID    string
	Table       string
	Direction   Direction
	RecordCount int
	Status      string
	StartedAt   time.Time
	CompletedAt time.Time
}

// InsertOperation appends a row to the sync operation log.
func (db *DB) InsertOperation(ctx context.Context, op *Operation) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sync_operations
			(id, device_id, table_name, direction, record_count, status, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		op.ID,
		op.DeviceID,
		op.Table,
		string(op.Direction),
		op.RecordCount,
		op.Status,
		schema.FormatTime(op.StartedAt),
		schema.FormatTime(op.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to log sync operation: %w", err)
	}
	return nil
}

// RecentOperations returns the most recent operation log rows, newest first.
func (db *DB) RecentOperations(ctx context.Context, limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, device_id, table_name, direction, record_count, status, started_at, completed_at
		FROM sync_operations
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync operations: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		var op Operation
		var direction, startedAt, completedAt string
		if err := rows.Scan(&op.ID, &op.DeviceID, &op.Table, &direction,
			&op.RecordCount, &op.Status, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync operation: %w", err)
		}
		op.Direction = Direction(direction)
		if op.StartedAt, err = schema.ParseTime(startedAt); err != nil {
			return nil, err
		}
		if op.CompletedAt, err = schema.ParseTime(completedAt); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync operations: %w", err)
	}
	return ops, nil
}
