package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/fieldbooks/fieldbooks/internal/schema"
)

// InitSchema creates the business tables, sync metadata tables, and the
// ledger append-only triggers. Idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	var ddl strings.Builder

	for _, name := range schema.TableNames() {
		table, err := schema.Lookup(name)
		if err != nil {
			return err
		}
		ddl.WriteString(businessTableDDL(table))
	}

	ddl.WriteString(`
	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_operations (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		table_name TEXT NOT NULL,
		direction TEXT NOT NULL,
		record_count INTEGER NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sync_operations_started
	    ON sync_operations(started_at);

	CREATE TABLE IF NOT EXISTS sync_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		missing_deps TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (table_name, record_id)
	);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_status
	    ON sync_queue(status, created_at);
	`)

	// The ledger is append-only: once a row lands, the economic fact it
	// records can never change. Only sync_status (so the sync engine can
	// mark rows SYNCED/FAILED) and the server-derived balance may be
	// touched.
	ddl.WriteString(ledgerTriggerDDL())

	if _, err := db.conn.ExecContext(ctx, ddl.String()); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// businessTableDDL renders the CREATE TABLE statement for one syncable
// table: the common sync columns plus the registered business columns.
func businessTableDDL(table schema.Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n\tCREATE TABLE IF NOT EXISTS %s (\n", table.Name)
	b.WriteString("\t\tid TEXT PRIMARY KEY,\n")
	b.WriteString("\t\tdevice_id TEXT NOT NULL,\n")
	b.WriteString("\t\tcreated_at TEXT NOT NULL,\n")
	b.WriteString("\t\tupdated_at TEXT NOT NULL,\n")
	b.WriteString("\t\tsync_status TEXT NOT NULL DEFAULT 'PENDING'\n")
	b.WriteString("\t\t\tCHECK (sync_status IN ('PENDING','SYNCED','FAILED'))")
	for _, col := range table.Columns {
		fmt.Fprintf(&b, ",\n\t\t%s %s", col.Name, col.Type)
	}
	b.WriteString("\n\t);\n")
	fmt.Fprintf(&b, "\tCREATE INDEX IF NOT EXISTS idx_%s_sync ON %s(sync_status, created_at);\n",
		table.Name, table.Name)
	return b.String()
}

// ledgerTriggerDDL renders the append-only guards for ledger_entries.
//
// DELETE is rejected unconditionally. UPDATE is rejected unless the only
// columns changing are sync_status and balance - the balance is a running
// total the server recomputes and redistributes through downloads, not part
// of the recorded fact. The WHEN clause compares every frozen column with
// IS NOT so NULL transitions are caught too. This holds for ad-hoc
// maintenance access as well, not just application code paths.
func ledgerTriggerDDL() string {
	table, err := schema.Lookup(schema.TableLedgerEntries)
	if err != nil {
		// ledger_entries is part of the compile-time registry.
		panic(err)
	}

	frozen := []string{"id", "device_id", "created_at", "updated_at"}
	for _, col := range table.Columns {
		if col.Name == "balance" {
			continue
		}
		frozen = append(frozen, col.Name)
	}
	var conds []string
	for _, col := range frozen {
		conds = append(conds, fmt.Sprintf("OLD.%s IS NOT NEW.%s", col, col))
	}

	return fmt.Sprintf(`
	CREATE TRIGGER IF NOT EXISTS %[1]s_append_only_update
	BEFORE UPDATE ON %[1]s
	WHEN %[2]s
	BEGIN
		SELECT RAISE(ABORT, 'ledger entries are append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS %[1]s_append_only_delete
	BEFORE DELETE ON %[1]s
	BEGIN
		SELECT RAISE(ABORT, 'ledger entries are append-only');
	END;
	`, table.Name, strings.Join(conds, "\n\t  OR "))
}
