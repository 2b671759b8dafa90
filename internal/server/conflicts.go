package server

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fieldbooks/fieldbooks/internal/protocol"
	"github.com/fieldbooks/fieldbooks/internal/schema"
)

// logConflictInTx appends one immutable audit entry for a write that lost
// the last-write-wins comparison.
func (s *Store) logConflictInTx(ctx context.Context, tx *sql.Tx, tableName, recordID,
	winnerDevice, loserDevice string, winnerAt, loserAt time.Time) error {

	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_conflicts
			(table_name, record_id, winner_device_id, loser_device_id,
			 winner_updated_at, loser_updated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		tableName,
		recordID,
		winnerDevice,
		loserDevice,
		schema.FormatTime(winnerAt),
		schema.FormatTime(loserAt),
		schema.FormatTime(s.clock()),
	)
	if err != nil {
		return fmt.Errorf("failed to log conflict for %s record %s: %w", tableName, recordID, err)
	}
	return nil
}

// Conflicts returns audit entries, newest first. When DeviceID is set only
// conflicts where that device's write lost are returned; Since filters to
// entries logged strictly after it.
func (s *Store) Conflicts(ctx context.Context, req *protocol.ConflictsRequest) ([]protocol.ConflictRecord, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, table_name, record_id, winner_device_id, loser_device_id,
		       winner_updated_at, loser_updated_at, created_at
		FROM sync_conflicts`
	var conds []string
	var args []any

	if req.DeviceID != "" {
		conds = append(conds, "loser_device_id = ?")
		args = append(args, req.DeviceID)
	}
	if !req.Since.IsZero() {
		conds = append(conds, "created_at > ?")
		args = append(args, schema.FormatTime(req.Since))
	}
	if len(conds) > 0 {
		query += " WHERE " + conds[0]
		for _, c := range conds[1:] {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []protocol.ConflictRecord
	for rows.Next() {
		var c protocol.ConflictRecord
		var winnerAt, loserAt, createdAt string
		if err := rows.Scan(&c.ID, &c.Table, &c.RecordID, &c.WinnerDeviceID,
			&c.LoserDeviceID, &winnerAt, &loserAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		if c.WinnerUpdatedAt, err = schema.ParseTime(winnerAt); err != nil {
			return nil, err
		}
		if c.LoserUpdatedAt, err = schema.ParseTime(loserAt); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = schema.ParseTime(createdAt); err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}
