// Package server implements the central sync store that devices upload to
// and download from.
//
// The store owns the authoritative copy of every business table plus the
// device registry and the conflict log. Each record merge runs in its own
// transaction, so the check-dependencies / compare-timestamp / write
// sequence cannot race with a concurrent writer for the same id; merges for
// different ids interleave freely and no global lock is held during a
// batch.
//
// Conflict resolution is last-write-wins on the author-side updated_at,
// with the lexicographically larger device id breaking exact ties so every
// replica resolves the same winner. Losing writes are preserved in the
// conflict log.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/fieldbooks/fieldbooks/internal/protocol"
	"github.com/fieldbooks/fieldbooks/internal/schema"
)

// Store is the server-side sync store.
type Store struct {
	conn   *sql.DB
	path   string
	logger *log.Logger

	// clock is swappable for tests; stampMu/lastStamp keep the
	// server-assigned timestamps strictly monotonic even when the clock
	// returns the same instant twice.
	clock     func() time.Time
	stampMu   sync.Mutex
	lastStamp int64
}

// Open creates the server store at the specified path.
// If logger is nil, a default logger writing to stderr is used.
// The caller MUST call Close() when done.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:   conn,
		path:   path,
		logger: logger,
		clock:  time.Now,
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.conn.Exec(p); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return s, nil
}

// Close closes the store after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the server tables. Idempotent.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the server schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	var ddl strings.Builder

	for _, name := range schema.TableNames() {
		table, err := schema.Lookup(name)
		if err != nil {
			return err
		}
		ddl.WriteString(serverTableDDL(table))
	}

	ddl.WriteString(`
	CREATE TABLE IF NOT EXISTS sync_devices (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		first_seen TEXT NOT NULL,
		last_seen TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_conflicts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		winner_device_id TEXT NOT NULL,
		loser_device_id TEXT NOT NULL,
		winner_updated_at TEXT NOT NULL,
		loser_updated_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sync_conflicts_loser
	    ON sync_conflicts(loser_device_id, created_at);
	`)

	ddl.WriteString(ledgerTriggerDDL())

	if _, err := s.conn.ExecContext(ctx, ddl.String()); err != nil {
		return fmt.Errorf("failed to initialize server schema: %w", err)
	}
	return nil
}

// serverTableDDL renders one authoritative business table. Unlike the
// device schema there is no sync_status; instead every row carries the
// server-assigned timestamp that download pagination is keyed on.
func serverTableDDL(table schema.Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n\tCREATE TABLE IF NOT EXISTS %s (\n", table.Name)
	b.WriteString("\t\tid TEXT PRIMARY KEY,\n")
	b.WriteString("\t\tdevice_id TEXT NOT NULL,\n")
	b.WriteString("\t\tcreated_at TEXT NOT NULL,\n")
	b.WriteString("\t\tupdated_at TEXT NOT NULL,\n")
	b.WriteString("\t\tserver_updated_at INTEGER NOT NULL")
	for _, col := range table.Columns {
		fmt.Fprintf(&b, ",\n\t\t%s %s", col.Name, col.Type)
	}
	b.WriteString("\n\t);\n")
	fmt.Fprintf(&b, "\tCREATE INDEX IF NOT EXISTS idx_%s_server_updated ON %s(server_updated_at);\n",
		table.Name, table.Name)
	fmt.Fprintf(&b, "\tCREATE INDEX IF NOT EXISTS idx_%s_device ON %s(device_id);\n",
		table.Name, table.Name)
	return b.String()
}

// ledgerTriggerDDL renders the server-side append-only guards.
//
// DELETE is rejected unconditionally. UPDATE is rejected unless the only
// column changing is balance: the balance is a derived running total that
// the reconciliation pass recomputes from the globally ordered entry
// history, while the economic fact the row records never changes.
func ledgerTriggerDDL() string {
	table, err := schema.Lookup(schema.TableLedgerEntries)
	if err != nil {
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

// nextServerStamp returns a strictly increasing server timestamp in
// nanoseconds. Strict monotonicity keeps the download cursor exact: two
// rows never share a stamp, so "strictly greater than cursor" cannot skip
// or repeat a row.
func (s *Store) nextServerStamp() int64 {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()
	now := s.clock().UnixNano()
	if now <= s.lastStamp {
		now = s.lastStamp + 1
	}
	s.lastStamp = now
	return now
}

// RegisterDevice upserts a device registry row. Idempotent: repeated
// registrations refresh last_seen and the name when provided.
func (s *Store) RegisterDevice(ctx context.Context, id, name string) error {
	now := schema.FormatTime(s.clock())
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sync_devices (id, name, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_seen = excluded.last_seen,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE sync_devices.name END
	`, id, name, now, now)
	if err != nil {
		return fmt.Errorf("failed to register device %s: %w", id, err)
	}
	return nil
}

// Status returns per-table row counts and the device registry.
func (s *Store) Status(ctx context.Context) (*protocol.ServerStatus, error) {
	status := &protocol.ServerStatus{Tables: make(map[string]int)}

	for _, name := range schema.TableNames() {
		var count int
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s", name)
		if err := s.conn.QueryRowContext(ctx, query).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count %s rows: %w", name, err)
		}
		status.Tables[name] = count
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, name, first_seen, last_seen FROM sync_devices ORDER BY first_seen ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var info protocol.DeviceInfo
		var firstSeen, lastSeen string
		if err := rows.Scan(&info.ID, &info.Name, &firstSeen, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		if info.FirstSeen, err = schema.ParseTime(firstSeen); err != nil {
			return nil, err
		}
		if info.LastSeen, err = schema.ParseTime(lastSeen); err != nil {
			return nil, err
		}
		status.Devices = append(status.Devices, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return status, nil
}
