package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fieldbooks/fieldbooks/internal/schema"
)

// openTestDB creates an initialized database in a temporary directory.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fieldbooks.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func testRecord(id, deviceID string, at time.Time, fields map[string]any) schema.Record {
	return schema.Record{
		ID:        id,
		DeviceID:  deviceID,
		CreatedAt: at,
		UpdatedAt: at,
		Fields:    fields,
	}
}

// TestInitSchema_CreatesAllTables tests that every registered business
// table and the sync metadata tables exist.
func TestInitSchema_CreatesAllTables(t *testing.T) {
	db := openTestDB(t)

	want := append(schema.TableNames(), "sync_meta", "sync_operations", "sync_queue")
	for _, table := range want {
		var count int
		err := db.Conn().QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`,
			table).Scan(&count)
		if err != nil {
			t.Fatalf("failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s does not exist", table)
		}
	}
}

// TestInitSchema_Idempotent tests repeated schema initialization.
func TestInitSchema_Idempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.InitSchema(); err != nil {
		t.Errorf("second InitSchema() failed: %v", err)
	}
}

// TestLedger_UpdateRejected tests that changing a ledger entry's business
// fields fails at the storage layer, regardless of caller.
func TestLedger_UpdateRejected(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rec := testRecord("le1", "dev-a", time.Now(), map[string]any{
		"customer_id": "c1",
		"entry_type":  schema.LedgerEntryInvoice,
		"amount":      "150.00",
		"balance":     "150.00",
	})
	if err := db.InsertLocal(ctx, schema.TableLedgerEntries, &rec); err != nil {
		t.Fatalf("InsertLocal() failed: %v", err)
	}

	// Ad-hoc UPDATE, bypassing every application-level check.
	_, err := db.Conn().Exec(`UPDATE ledger_entries SET amount = '999.00' WHERE id = 'le1'`)
	if err == nil {
		t.Fatal("UPDATE on ledger_entries succeeded, want append-only rejection")
	}
	if !strings.Contains(err.Error(), "append-only") {
		t.Errorf("UPDATE error = %v, want append-only message", err)
	}
}

// TestLedger_DeleteRejected tests that deleting a ledger entry fails.
func TestLedger_DeleteRejected(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rec := testRecord("le1", "dev-a", time.Now(), map[string]any{
		"customer_id": "c1",
		"entry_type":  schema.LedgerEntryPayment,
		"amount":      "-50.00",
		"balance":     "100.00",
	})
	if err := db.InsertLocal(ctx, schema.TableLedgerEntries, &rec); err != nil {
		t.Fatalf("InsertLocal() failed: %v", err)
	}

	if _, err := db.Conn().Exec(`DELETE FROM ledger_entries WHERE id = 'le1'`); err == nil {
		t.Fatal("DELETE on ledger_entries succeeded, want append-only rejection")
	}
}

// TestLedger_SyncStatusUpdateAllowed tests that the one permitted ledger
// mutation, flipping sync_status, still works.
func TestLedger_SyncStatusUpdateAllowed(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rec := testRecord("le1", "dev-a", time.Now(), map[string]any{
		"customer_id": "c1",
		"entry_type":  schema.LedgerEntryInvoice,
		"amount":      "75.00",
		"balance":     "75.00",
	})
	if err := db.InsertLocal(ctx, schema.TableLedgerEntries, &rec); err != nil {
		t.Fatalf("InsertLocal() failed: %v", err)
	}

	if _, err := db.Conn().Exec(`UPDATE ledger_entries SET sync_status = 'SYNCED' WHERE id = 'le1'`); err != nil {
		t.Fatalf("sync_status update rejected: %v", err)
	}
}

// TestUpdateLocal_AppendOnlyRejected tests that the CRUD update path cannot
// touch ledger rows either.
func TestUpdateLocal_AppendOnlyRejected(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rec := testRecord("le1", "dev-a", time.Now(), map[string]any{
		"customer_id": "c1",
		"entry_type":  schema.LedgerEntryInvoice,
		"amount":      "75.00",
		"balance":     "75.00",
	})
	if err := db.InsertLocal(ctx, schema.TableLedgerEntries, &rec); err != nil {
		t.Fatalf("InsertLocal() failed: %v", err)
	}

	rec.UpdatedAt = rec.UpdatedAt.Add(time.Minute)
	rec.Fields["amount"] = "80.00"
	if err := db.UpdateLocal(ctx, schema.TableLedgerEntries, &rec); err == nil {
		t.Fatal("UpdateLocal() on ledger_entries succeeded, want rejection")
	}
}

// TestWithTx_RollbackOnError tests that a failing unit of work leaves no
// partial state behind.
func TestWithTx_RollbackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO customers (id, device_id, created_at, updated_at, name)
			VALUES ('c1', 'dev-a', '2026-01-01T00:00:00.000000000Z', '2026-01-01T00:00:00.000000000Z', 'Acme')
		`); err != nil {
			t.Fatalf("insert inside tx failed: %v", err)
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("WithTx() error = %v, want sentinel", err)
	}

	var count int
	if err := db.Conn().QueryRow(`SELECT COUNT(*) FROM customers`).Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 0 {
		t.Errorf("customers count after rollback = %d, want 0", count)
	}
}

// TestMeta_RoundTrip tests the key-value table.
func TestMeta_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, ok, err := db.GetMeta(ctx, "device_id")
	if err != nil {
		t.Fatalf("GetMeta() failed: %v", err)
	}
	if ok {
		t.Fatal("GetMeta() found value before any write")
	}

	if err := db.SetMeta(ctx, "device_id", "abc"); err != nil {
		t.Fatalf("SetMeta() failed: %v", err)
	}
	if err := db.SetMeta(ctx, "device_id", "def"); err != nil {
		t.Fatalf("SetMeta() overwrite failed: %v", err)
	}

	value, ok, err := db.GetMeta(ctx, "device_id")
	if err != nil {
		t.Fatalf("GetMeta() failed: %v", err)
	}
	if !ok || value != "def" {
		t.Errorf("GetMeta() = (%q, %v), want (def, true)", value, ok)
	}
}

// TestApplyRemote_LastWriteWins tests local LWW application of downloads.
func TestApplyRemote_LastWriteWins(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	local := testRecord("c1", "dev-a", base.Add(time.Hour), map[string]any{"name": "Local Name"})
	if err := db.InsertLocal(ctx, schema.TableCustomers, &local); err != nil {
		t.Fatalf("InsertLocal() failed: %v", err)
	}

	// Older remote version must not overwrite the newer local one.
	older := testRecord("c1", "dev-b", base, map[string]any{"name": "Stale Name"})
	applied, err := db.ApplyRemote(ctx, schema.TableCustomers, []schema.Record{older})
	if err != nil {
		t.Fatalf("ApplyRemote() failed: %v", err)
	}
	if applied != 0 {
		t.Errorf("applied = %d, want 0 for stale record", applied)
	}

	// Newer remote version wins.
	newer := testRecord("c1", "dev-b", base.Add(2*time.Hour), map[string]any{"name": "Fresh Name"})
	applied, err = db.ApplyRemote(ctx, schema.TableCustomers, []schema.Record{newer})
	if err != nil {
		t.Fatalf("ApplyRemote() failed: %v", err)
	}
	if applied != 1 {
		t.Errorf("applied = %d, want 1 for fresh record", applied)
	}

	got, err := db.GetRecord(ctx, schema.TableCustomers, "c1")
	if err != nil {
		t.Fatalf("GetRecord() failed: %v", err)
	}
	if got.StringField("name") != "Fresh Name" {
		t.Errorf("name = %q, want Fresh Name", got.StringField("name"))
	}
	if got.DeviceID != "dev-b" {
		t.Errorf("device_id = %q, want dev-b", got.DeviceID)
	}
}

// TestApplyRemote_LedgerInsertOnly tests that downloads never rewrite an
// existing ledger row.
func TestApplyRemote_LedgerInsertOnly(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	entry := testRecord("le1", "dev-a", base, map[string]any{
		"customer_id": "c1",
		"entry_type":  schema.LedgerEntryInvoice,
		"amount":      "10.00",
		"balance":     "10.00",
	})
	if _, err := db.ApplyRemote(ctx, schema.TableLedgerEntries, []schema.Record{entry}); err != nil {
		t.Fatalf("ApplyRemote() insert failed: %v", err)
	}

	mutated := entry
	mutated.UpdatedAt = base.Add(time.Hour)
	mutated.Fields = map[string]any{
		"customer_id": "c1",
		"entry_type":  schema.LedgerEntryInvoice,
		"amount":      "999.00",
		"balance":     "999.00",
	}
	applied, err := db.ApplyRemote(ctx, schema.TableLedgerEntries, []schema.Record{mutated})
	if err != nil {
		t.Fatalf("ApplyRemote() on existing ledger row failed: %v", err)
	}
	if applied != 0 {
		t.Errorf("applied = %d, want 0 for existing ledger row", applied)
	}

	got, err := db.GetRecord(ctx, schema.TableLedgerEntries, "le1")
	if err != nil {
		t.Fatalf("GetRecord() failed: %v", err)
	}
	if got.StringField("amount") != "10.00" {
		t.Errorf("amount = %q, want 10.00 (unchanged)", got.StringField("amount"))
	}
}

// TestInsertLocal_InvalidTable tests the allow-list guard on writes.
func TestInsertLocal_InvalidTable(t *testing.T) {
	db := openTestDB(t)
	rec := testRecord("x1", "dev-a", time.Now(), nil)

	err := db.InsertLocal(context.Background(), "not_a_table", &rec)
	if !errors.Is(err, schema.ErrInvalidTable) {
		t.Fatalf("InsertLocal() error = %v, want ErrInvalidTable", err)
	}
}

// TestRecentOperations_NewestFirst tests operation log ordering.
func TestRecentOperations_NewestFirst(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		op := &Operation{
			ID:          fmt.Sprintf("op-%d", i),
			DeviceID:    "dev-a",
			Table:       schema.TableCustomers,
			Direction:   DirectionUpload,
			RecordCount: i + 1,
			Status:      OperationSuccess,
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
			CompletedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
		}
		if err := db.InsertOperation(ctx, op); err != nil {
			t.Fatalf("InsertOperation() failed: %v", err)
		}
	}

	ops, err := db.RecentOperations(ctx, 2)
	if err != nil {
		t.Fatalf("RecentOperations() failed: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("got %d operations, want 2", len(ops))
	}
	if ops[0].ID != "op-2" || ops[1].ID != "op-1" {
		t.Errorf("order = [%s, %s], want [op-2, op-1]", ops[0].ID, ops[1].ID)
	}
}
