// Package state tracks the per-record sync lifecycle flag on every
// syncable table.
//
// Every operation resolves its table through the schema registry before any
// SQL is built, so arbitrary identifiers never reach the query layer. The
// store only ever touches the sync_status column; business fields are out
// of bounds. Valid transitions are PENDING->SYNCED, PENDING->FAILED and the
// explicit FAILED->PENDING reset; a SYNCED record never drops back to
// PENDING on its own.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/fieldbooks/fieldbooks/internal/db"
	"github.com/fieldbooks/fieldbooks/internal/schema"
)

// Store is the sync-state store for one device's local database.
type Store struct {
	db       *db.DB
	deviceID string
}

// Stats holds per-table sync status counts.
type Stats struct {
	Pending int
	Synced  int
	Failed  int
	Total   int
}

// New creates a Store scoped to the given device.
func New(database *db.DB, deviceID string) *Store {
	return &Store{db: database, deviceID: deviceID}
}

// PendingRecords returns up to limit PENDING records owned by this device,
// ordered by created_at ascending so dependencies created earlier in a
// session upload before the rows that reference them.
func (s *Store) PendingRecords(ctx context.Context, tableName string, limit int) ([]schema.Record, error) {
	table, err := schema.Lookup(tableName)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	cols := []string{"id", "device_id", "created_at", "updated_at"}
	for _, c := range table.Columns {
		cols = append(cols, c.Name)
	}
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE sync_status = 'PENDING' AND device_id = ?
		ORDER BY created_at ASC
		LIMIT ?`,
		strings.Join(cols, ", "), table.Name)

	rows, err := s.db.Conn().QueryContext(ctx, query, s.deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending %s records: %w", table.Name, err)
	}
	defer rows.Close()

	return scanPending(rows, table)
}

func scanPending(rows *sql.Rows, table schema.Table) ([]schema.Record, error) {
	var records []schema.Record
	for rows.Next() {
		var rec schema.Record
		var createdAt, updatedAt string
		fields := make([]sql.NullString, len(table.Columns))

		dest := []any{&rec.ID, &rec.DeviceID, &createdAt, &updatedAt}
		for i := range fields {
			dest = append(dest, &fields[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan %s record: %w", table.Name, err)
		}

		var err error
		if rec.CreatedAt, err = schema.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("record %s: %w", rec.ID, err)
		}
		if rec.UpdatedAt, err = schema.ParseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("record %s: %w", rec.ID, err)
		}

		rec.Fields = make(map[string]any, len(table.Columns))
		for i, c := range table.Columns {
			if fields[i].Valid {
				rec.Fields[c.Name] = fields[i].String
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s records: %w", table.Name, err)
	}
	return records, nil
}

// PendingCount returns the number of PENDING records for this device.
func (s *Store) PendingCount(ctx context.Context, tableName string) (int, error) {
	table, err := schema.Lookup(tableName)
	if err != nil {
		return 0, err
	}

	var count int
	query := fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE sync_status = 'PENDING' AND device_id = ?`,
		table.Name)
	if err := s.db.Conn().QueryRowContext(ctx, query, s.deviceID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending %s records: %w", table.Name, err)
	}
	return count, nil
}

// MarkSynced flips one record to SYNCED. Idempotent: repeating the call for
// an already-SYNCED record still reports true. Returns false when the id
// does not exist or belongs to another device.
func (s *Store) MarkSynced(ctx context.Context, tableName, recordID string) (bool, error) {
	return s.setStatus(ctx, tableName, recordID, schema.StatusSynced)
}

// MarkFailed flips one record to FAILED with the same matching rules.
func (s *Store) MarkFailed(ctx context.Context, tableName, recordID string) (bool, error) {
	return s.setStatus(ctx, tableName, recordID, schema.StatusFailed)
}

func (s *Store) setStatus(ctx context.Context, tableName, recordID string, status schema.Status) (bool, error) {
	table, err := schema.Lookup(tableName)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(
		`UPDATE %s SET sync_status = ? WHERE id = ? AND device_id = ?`,
		table.Name)
	res, err := s.db.Conn().ExecContext(ctx, query, string(status), recordID, s.deviceID)
	if err != nil {
		return false, fmt.Errorf("failed to mark %s record %s as %s: %w",
			table.Name, recordID, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkManySynced flips a batch of records to SYNCED inside one transaction.
// Each id is applied independently: an id that does not match (missing, or
// owned by another device) is skipped without aborting the rest. Returns
// the number of rows actually updated.
func (s *Store) MarkManySynced(ctx context.Context, tableName string, recordIDs []string) (int, error) {
	table, err := schema.Lookup(tableName)
	if err != nil {
		return 0, err
	}
	if len(recordIDs) == 0 {
		return 0, nil
	}

	count := 0
	query := fmt.Sprintf(
		`UPDATE %s SET sync_status = 'SYNCED' WHERE id = ? AND device_id = ?`,
		table.Name)
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, id := range recordIDs {
			res, err := tx.ExecContext(ctx, query, id, s.deviceID)
			if err != nil {
				return fmt.Errorf("failed to mark %s record %s: %w", table.Name, id, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read rows affected: %w", err)
			}
			if n > 0 {
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ResetFailed flips every FAILED record of this device back to PENDING for
// a retry sweep. Returns the number of records reset.
func (s *Store) ResetFailed(ctx context.Context, tableName string) (int, error) {
	table, err := schema.Lookup(tableName)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(
		`UPDATE %s SET sync_status = 'PENDING' WHERE sync_status = 'FAILED' AND device_id = ?`,
		table.Name)
	res, err := s.db.Conn().ExecContext(ctx, query, s.deviceID)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed %s records: %w", table.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

// Statistics returns PENDING/SYNCED/FAILED/TOTAL counts for every
// registered table, across all devices present in the local store.
func (s *Store) Statistics(ctx context.Context) (map[string]Stats, error) {
	out := make(map[string]Stats, len(schema.TableNames()))

	for _, name := range schema.TableNames() {
		query := fmt.Sprintf(
			`SELECT sync_status, COUNT(*) FROM %s GROUP BY sync_status`, name)
		rows, err := s.db.Conn().QueryContext(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s statistics: %w", name, err)
		}

		var st Stats
		for rows.Next() {
			var status string
			var count int
			if err := rows.Scan(&status, &count); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan %s statistics: %w", name, err)
			}
			switch schema.Status(status) {
			case schema.StatusPending:
				st.Pending = count
			case schema.StatusSynced:
				st.Synced = count
			case schema.StatusFailed:
				st.Failed = count
			}
			st.Total += count
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("error iterating %s statistics: %w", name, err)
		}
		rows.Close()
		out[name] = st
	}
	return out, nil
}
