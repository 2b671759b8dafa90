package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/fieldbooks/fieldbooks/internal/schema"
)

// ErrLedgerImmutable is returned when a write would change an existing
// append-only row. The database triggers enforce the same rule for any
// access path that bypasses this package.
var ErrLedgerImmutable = errors.New("ledger entries are append-only")

// businessColumns returns the ordered column list for reads and writes:
// the common sync columns followed by the registered business columns.
func businessColumns(table schema.Table) []string {
	cols := []string{"id", "device_id", "created_at", "updated_at"}
	for _, c := range table.Columns {
		cols = append(cols, c.Name)
	}
	return cols
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// recordArgs flattens a record into SQL arguments matching businessColumns.
func recordArgs(table schema.Table, rec *schema.Record) []any {
	args := []any{
		rec.ID,
		rec.DeviceID,
		schema.FormatTime(rec.CreatedAt),
		schema.FormatTime(rec.UpdatedAt),
	}
	for _, c := range table.Columns {
		args = append(args, rec.Field(c.Name))
	}
	return args
}

// scanRecords reads rows produced by a businessColumns SELECT.
func scanRecords(rows *sql.Rows, table schema.Table) ([]schema.Record, error) {
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

// InsertLocal writes a locally authored record with sync_status PENDING.
// This is the entry point the CRUD layer uses for new rows.
func (db *DB) InsertLocal(ctx context.Context, tableName string, rec *schema.Record) error {
	table, err := schema.Lookup(tableName)
	if err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	cols := businessColumns(table)
	query := fmt.Sprintf(
		"INSERT INTO %s (%s, sync_status) VALUES (%s, 'PENDING')",
		table.Name, strings.Join(cols, ", "), placeholders(len(cols)),
	)
	if _, err := db.conn.ExecContext(ctx, query, recordArgs(table, rec)...); err != nil {
		return fmt.Errorf("failed to insert %s record %s: %w", table.Name, rec.ID, err)
	}
	return nil
}

// UpdateLocal overwrites a locally authored record's business fields and
// resets its sync_status to PENDING so the change is picked up by the next
// upload. Append-only tables reject this at the storage layer.
func (db *DB) UpdateLocal(ctx context.Context, tableName string, rec *schema.Record) error {
	table, err := schema.Lookup(tableName)
	if err != nil {
		return err
	}
	if table.AppendOnly {
		return fmt.Errorf("cannot update %s record %s: %w", table.Name, rec.ID, ErrLedgerImmutable)
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	var sets []string
	args := []any{rec.DeviceID, schema.FormatTime(rec.UpdatedAt)}
	sets = append(sets, "device_id = ?", "updated_at = ?", "sync_status = 'PENDING'")
	for _, c := range table.Columns {
		sets = append(sets, fmt.Sprintf("%s = ?", c.Name))
		args = append(args, rec.Field(c.Name))
	}
	args = append(args, rec.ID)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?",
		table.Name, strings.Join(sets, ", "))
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s record %s: %w", table.Name, rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s record %s not found", table.Name, rec.ID)
	}
	return nil
}

// GetRecord retrieves a single record by id.
// Returns sql.ErrNoRows if the record is not found.
func (db *DB) GetRecord(ctx context.Context, tableName, id string) (*schema.Record, error) {
	table, err := schema.Lookup(tableName)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?",
		strings.Join(businessColumns(table), ", "), table.Name)
	rows, err := db.conn.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s record %s: %w", table.Name, id, err)
	}
	defer rows.Close()

	records, err := scanRecords(rows, table)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, sql.ErrNoRows
	}
	return &records[0], nil
}

// ApplyRemote merges a page of downloaded foreign-device records into the
// local store inside one transaction, with last-write-wins against any
// local version. Applied rows land with sync_status SYNCED: they are the
// server's state, not local mutations awaiting upload.
//
// Append-only tables only ever gain rows, with one exception: the balance
// column, which the server recomputes when late entries sort into the
// past. A downloaded ledger row that already exists locally updates the
// balance and nothing else.
//
// Returns the number of rows inserted or changed.
func (db *DB) ApplyRemote(ctx context.Context, tableName string, records []schema.Record) (int, error) {
	table, err := schema.Lookup(tableName)
	if err != nil {
		return 0, err
	}

	applied := 0
	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		cols := businessColumns(table)
		insert := fmt.Sprintf(
			"INSERT INTO %s (%s, sync_status) VALUES (%s, 'SYNCED')",
			table.Name, strings.Join(cols, ", "), placeholders(len(cols)),
		)

		for i := range records {
			rec := &records[i]
			if err := rec.Validate(); err != nil {
				return fmt.Errorf("downloaded record rejected: %w", err)
			}

			var storedUpdated, storedDevice string
			err := tx.QueryRowContext(ctx,
				fmt.Sprintf("SELECT updated_at, device_id FROM %s WHERE id = ?", table.Name),
				rec.ID).Scan(&storedUpdated, &storedDevice)

			switch {
			case err == sql.ErrNoRows:
				if _, err := tx.ExecContext(ctx, insert, recordArgs(table, rec)...); err != nil {
					return fmt.Errorf("failed to apply %s record %s: %w", table.Name, rec.ID, err)
				}
				applied++
			case err != nil:
				return fmt.Errorf("failed to read local %s record %s: %w", table.Name, rec.ID, err)
			case table.AppendOnly:
				// Row already present; only the server-derived balance may
				// differ, and only that column is written.
				balance, ok := rec.Fields["balance"]
				if !ok {
					continue
				}
				res, err := tx.ExecContext(ctx, fmt.Sprintf(
					"UPDATE %s SET balance = ? WHERE id = ? AND balance IS NOT ?",
					table.Name), balance, rec.ID, balance)
				if err != nil {
					return fmt.Errorf("failed to apply balance for %s record %s: %w", table.Name, rec.ID, err)
				}
				if n, err := res.RowsAffected(); err == nil && n > 0 {
					applied++
				}
			default:
				storedAt, err := schema.ParseTime(storedUpdated)
				if err != nil {
					return fmt.Errorf("local record %s: %w", rec.ID, err)
				}
				if !rec.Newer(storedAt, storedDevice) {
					continue
				}
				if err := overwriteInTx(ctx, tx, table, rec); err != nil {
					return err
				}
				applied++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

// overwriteInTx replaces a local row with the downloaded version.
func overwriteInTx(ctx context.Context, tx *sql.Tx, table schema.Table, rec *schema.Record) error {
	var sets []string
	args := []any{rec.DeviceID, schema.FormatTime(rec.CreatedAt), schema.FormatTime(rec.UpdatedAt)}
	sets = append(sets, "device_id = ?", "created_at = ?", "updated_at = ?", "sync_status = 'SYNCED'")
	for _, c := range table.Columns {
		sets = append(sets, fmt.Sprintf("%s = ?", c.Name))
		args = append(args, rec.Field(c.Name))
	}
	args = append(args, rec.ID)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?",
		table.Name, strings.Join(sets, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to overwrite %s record %s: %w", table.Name, rec.ID, err)
	}
	return nil
}
