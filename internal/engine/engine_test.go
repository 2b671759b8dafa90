package engine

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldbooks/fieldbooks/internal/db"
	"github.com/fieldbooks/fieldbooks/internal/queue"
	"github.com/fieldbooks/fieldbooks/internal/schema"
	"github.com/fieldbooks/fieldbooks/internal/server"
)

const (
	deviceA = "aaaaaaaa-1111-4111-8111-111111111111"
	deviceB = "bbbbbbbb-2222-4222-8222-222222222222"
)

// The engine is exercised against the in-process server store, which
// implements the same Remote surface as the HTTP client.

func openTestServer(t *testing.T) *server.Store {
	t.Helper()
	s, err := server.Open(filepath.Join(t.TempDir(), "server.db"), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("server.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.InitSchema(); err != nil {
		t.Fatalf("server.InitSchema() error = %v", err)
	}
	return s
}

func newTestEngine(t *testing.T, remote Remote, deviceID string) (*Engine, *db.DB) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "device.db"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.InitSchema(); err != nil {
		t.Fatalf("db.InitSchema() error = %v", err)
	}
	eng := New(database, deviceID, remote, Options{
		Logger: log.New(io.Discard, "", 0),
	})
	return eng, database
}

func insertCustomer(t *testing.T, database *db.DB, id, deviceID, name string, at time.Time) {
	t.Helper()
	err := database.InsertLocal(context.Background(), schema.TableCustomers, &schema.Record{
		ID: id, DeviceID: deviceID, CreatedAt: at, UpdatedAt: at,
		Fields: map[string]any{"name": name},
	})
	if err != nil {
		t.Fatalf("InsertLocal(customer %s) error = %v", id, err)
	}
}

func insertJob(t *testing.T, database *db.DB, id, deviceID, customerID string, at time.Time) {
	t.Helper()
	err := database.InsertLocal(context.Background(), schema.TableJobs, &schema.Record{
		ID: id, DeviceID: deviceID, CreatedAt: at, UpdatedAt: at,
		Fields: map[string]any{"customer_id": customerID, "title": "Drain repair"},
	})
	if err != nil {
		t.Fatalf("InsertLocal(job %s) error = %v", id, err)
	}
}

func syncStatus(t *testing.T, database *db.DB, table, id string) schema.Status {
	t.Helper()
	var status string
	err := database.Conn().QueryRowContext(context.Background(),
		"SELECT sync_status FROM "+table+" WHERE id = ?", id).Scan(&status)
	if err != nil {
		t.Fatalf("sync_status(%s/%s) error = %v", table, id, err)
	}
	return schema.Status(status)
}

func TestUploadTable_MarksRecordsSynced(t *testing.T) {
	srv := openTestServer(t)
	eng, database := newTestEngine(t, srv, deviceA)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	insertCustomer(t, database, "cust-1", deviceA, "Acme Plumbing", now)

	res, err := eng.UploadTable(ctx, schema.TableCustomers)
	if err != nil {
		t.Fatalf("UploadTable() error = %v", err)
	}
	if res.Synced != 1 || res.Status != db.OperationSuccess {
		t.Errorf("result = %+v, want 1 synced SUCCESS", res)
	}
	if got := syncStatus(t, database, schema.TableCustomers, "cust-1"); got != schema.StatusSynced {
		t.Errorf("sync_status = %s, want SYNCED", got)
	}

	ops, err := database.RecentOperations(ctx, 10)
	if err != nil {
		t.Fatalf("RecentOperations() error = %v", err)
	}
	if len(ops) != 1 || ops[0].Direction != db.DirectionUpload {
		t.Errorf("operation log = %+v, want one UPLOAD row", ops)
	}
}

func TestBatchUpload_DependencyOrderAvoidsQueueing(t *testing.T) {
	srv := openTestServer(t)
	eng, database := newTestEngine(t, srv, deviceA)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	// Job references a customer pending in the same batch. Because tables
	// upload in dependency order, the customer lands first and the job
	// never touches the queue.
	insertCustomer(t, database, "cust-1", deviceA, "Acme Plumbing", now)
	insertJob(t, database, "job-1", deviceA, "cust-1", now)

	results, err := eng.BatchUpload(ctx)
	if err != nil {
		t.Fatalf("BatchUpload() error = %v", err)
	}
	for _, res := range results {
		if res.Queued != 0 || res.Failed != 0 {
			t.Errorf("%s: queued/failed = %d/%d, want 0/0", res.Table, res.Queued, res.Failed)
		}
	}
	if got := syncStatus(t, database, schema.TableJobs, "job-1"); got != schema.StatusSynced {
		t.Errorf("job sync_status = %s, want SYNCED", got)
	}
}

func TestUploadTable_MissingDependencyEntersQueueAndResolves(t *testing.T) {
	srv := openTestServer(t)
	engA, dbA := newTestEngine(t, srv, deviceA)
	engB, dbB := newTestEngine(t, srv, deviceB)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	// Device A references a customer that only exists on device B, which
	// has not synced yet.
	insertJob(t, dbA, "job-1", deviceA, "cust-b", now)

	res, err := engA.UploadTable(ctx, schema.TableJobs)
	if err != nil {
		t.Fatalf("UploadTable() error = %v", err)
	}
	if res.Queued != 1 || res.Status != db.OperationPartial {
		t.Fatalf("result = %+v, want 1 queued PARTIAL", res)
	}
	// Queued records stay PENDING locally.
	if got := syncStatus(t, dbA, schema.TableJobs, "job-1"); got != schema.StatusPending {
		t.Errorf("sync_status = %s, want PENDING while queued", got)
	}
	items, err := engA.Queue().Due(ctx, 0)
	if err != nil {
		t.Fatalf("Due() error = %v", err)
	}
	if len(items) != 1 || items[0].RecordID != "job-1" {
		t.Fatalf("queue = %+v, want job-1", items)
	}

	// A retry before the customer arrives burns an attempt.
	if n, err := engA.ProcessQueue(ctx); err != nil || n != 0 {
		t.Fatalf("ProcessQueue() = %d, %v; want 0 resolved", n, err)
	}
	items, _ = engA.Queue().Due(ctx, 0)
	if len(items) != 1 || items[0].Attempts != 1 {
		t.Fatalf("queue after failed retry = %+v, want 1 attempt", items)
	}

	// Device B syncs the customer; device A's next sweep resolves the job.
	insertCustomer(t, dbB, "cust-b", deviceB, "Bayside Electric", now)
	if _, err := engB.UploadTable(ctx, schema.TableCustomers); err != nil {
		t.Fatalf("device B UploadTable() error = %v", err)
	}

	n, err := engA.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("ProcessQueue() resolved %d, want 1", n)
	}
	if items, _ := engA.Queue().All(ctx); len(items) != 0 {
		t.Errorf("queue not empty after resolve: %+v", items)
	}
	if got := syncStatus(t, dbA, schema.TableJobs, "job-1"); got != schema.StatusSynced {
		t.Errorf("sync_status = %s, want SYNCED after resolve", got)
	}
}

func TestProcessQueue_ParksEntryAfterAttemptCeiling(t *testing.T) {
	srv := openTestServer(t)
	eng, database := newTestEngine(t, srv, deviceA)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	insertJob(t, database, "job-1", deviceA, "cust-never", now)
	if _, err := eng.UploadTable(ctx, schema.TableJobs); err != nil {
		t.Fatalf("UploadTable() error = %v", err)
	}

	for i := 0; i < queue.MaxAttempts; i++ {
		if _, err := eng.ProcessQueue(ctx); err != nil {
			t.Fatalf("ProcessQueue() error = %v", err)
		}
	}

	due, err := eng.Queue().Due(ctx, 0)
	if err != nil {
		t.Fatalf("Due() error = %v", err)
	}
	if len(due) != 0 {
		t.Errorf("entry still due after %d attempts, want parked", queue.MaxAttempts)
	}
	all, _ := eng.Queue().All(ctx)
	if len(all) != 1 || all[0].Status != schema.StatusFailed {
		t.Fatalf("queue = %+v, want one FAILED entry kept for inspection", all)
	}
}

func TestSyncCycle_TwoDevicesConverge(t *testing.T) {
	srv := openTestServer(t)
	engA, dbA := newTestEngine(t, srv, deviceA)
	engB, dbB := newTestEngine(t, srv, deviceB)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	insertCustomer(t, dbA, "cust-1", deviceA, "Acme Plumbing", now)
	insertJob(t, dbA, "job-1", deviceA, "cust-1", now)

	if _, err := engA.SyncCycle(ctx); err != nil {
		t.Fatalf("device A SyncCycle() error = %v", err)
	}
	if _, err := engB.SyncCycle(ctx); err != nil {
		t.Fatalf("device B SyncCycle() error = %v", err)
	}

	// B holds A's records as SYNCED server state.
	rec, err := dbB.GetRecord(ctx, schema.TableCustomers, "cust-1")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if rec.StringField("name") != "Acme Plumbing" {
		t.Errorf("name = %q, want Acme Plumbing", rec.StringField("name"))
	}
	if got := syncStatus(t, dbB, schema.TableCustomers, "cust-1"); got != schema.StatusSynced {
		t.Errorf("downloaded record sync_status = %s, want SYNCED", got)
	}
	if got := syncStatus(t, dbB, schema.TableJobs, "job-1"); got != schema.StatusSynced {
		t.Errorf("downloaded job sync_status = %s, want SYNCED", got)
	}
}

func TestDownloadTable_CursorSkipsAlreadySeenRows(t *testing.T) {
	srv := openTestServer(t)
	engA, dbA := newTestEngine(t, srv, deviceA)
	engB, dbB := newTestEngine(t, srv, deviceB)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	insertCustomer(t, dbA, "cust-1", deviceA, "Acme Plumbing", now)
	if _, err := engA.UploadTable(ctx, schema.TableCustomers); err != nil {
		t.Fatalf("UploadTable() error = %v", err)
	}

	res, err := engB.DownloadTable(ctx, schema.TableCustomers)
	if err != nil {
		t.Fatalf("DownloadTable() error = %v", err)
	}
	if res.Applied != 1 {
		t.Fatalf("Applied = %d, want 1", res.Applied)
	}

	// No new server rows: a second download is a no-op.
	res, err = engB.DownloadTable(ctx, schema.TableCustomers)
	if err != nil {
		t.Fatalf("second DownloadTable() error = %v", err)
	}
	if res.Total != 0 {
		t.Errorf("second download received %d rows, want 0", res.Total)
	}

	// The cursor survives in sync_meta.
	if _, ok, err := dbB.GetMeta(ctx, "cursor:"+schema.TableCustomers); err != nil || !ok {
		t.Errorf("cursor meta missing (ok=%v, err=%v)", ok, err)
	}
}

func TestLoadCursor_ReadsPersistedValue(t *testing.T) {
	srv := openTestServer(t)
	eng, database := newTestEngine(t, srv, deviceA)
	ctx := context.Background()

	// A table never downloaded starts from 0.
	cursor, err := eng.loadCursor(ctx, schema.TableCustomers)
	if err != nil {
		t.Fatalf("loadCursor() error = %v", err)
	}
	if cursor != 0 {
		t.Errorf("fresh cursor = %d, want 0", cursor)
	}

	if err := database.SetMeta(ctx, "cursor:"+schema.TableCustomers, "42"); err != nil {
		t.Fatalf("SetMeta() error = %v", err)
	}
	cursor, err = eng.loadCursor(ctx, schema.TableCustomers)
	if err != nil {
		t.Fatalf("loadCursor() error = %v", err)
	}
	if cursor != 42 {
		t.Errorf("cursor = %d, want 42", cursor)
	}

	if err := database.SetMeta(ctx, "cursor:"+schema.TableJobs, "not-a-number"); err != nil {
		t.Fatalf("SetMeta() error = %v", err)
	}
	if _, err := eng.loadCursor(ctx, schema.TableJobs); err == nil {
		t.Error("loadCursor() with corrupt value, want error")
	}
}

func TestUploadTable_StaleWriteSkippedAndMarkedSynced(t *testing.T) {
	srv := openTestServer(t)
	engA, dbA := newTestEngine(t, srv, deviceA)
	engB, dbB := newTestEngine(t, srv, deviceB)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	// B's version is newer and uploads first.
	insertCustomer(t, dbB, "cust-1", deviceB, "New Name", base.Add(time.Minute))
	if _, err := engB.UploadTable(ctx, schema.TableCustomers); err != nil {
		t.Fatalf("device B UploadTable() error = %v", err)
	}

	insertCustomer(t, dbA, "cust-1", deviceA, "Old Name", base)
	res, err := engA.UploadTable(ctx, schema.TableCustomers)
	if err != nil {
		t.Fatalf("device A UploadTable() error = %v", err)
	}
	if res.Skipped != 1 {
		t.Fatalf("Skipped = %d, want 1", res.Skipped)
	}
	// The stale record is settled locally; the winning version arrives on
	// the next download.
	if got := syncStatus(t, dbA, schema.TableCustomers, "cust-1"); got != schema.StatusSynced {
		t.Errorf("sync_status = %s, want SYNCED", got)
	}

	if _, err := engA.DownloadTable(ctx, schema.TableCustomers); err != nil {
		t.Fatalf("DownloadTable() error = %v", err)
	}
	rec, err := dbA.GetRecord(ctx, schema.TableCustomers, "cust-1")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if rec.StringField("name") != "New Name" {
		t.Errorf("name = %q, want the winning version", rec.StringField("name"))
	}

	// The lost write is visible in the conflict feed.
	conflicts, err := engA.Conflicts(ctx, time.Time{}, 10)
	if err != nil {
		t.Fatalf("Conflicts() error = %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].LoserDeviceID != deviceA {
		t.Errorf("conflicts = %+v, want one entry losing to device B", conflicts)
	}
}

func TestDownloadTable_CorrectedLedgerBalanceReachesDevice(t *testing.T) {
	srv := openTestServer(t)
	engA, dbA := newTestEngine(t, srv, deviceA)
	engB, dbB := newTestEngine(t, srv, deviceB)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	insertCustomer(t, dbA, "cust-1", deviceA, "Acme Plumbing", base)

	insertEntry := func(id, amount string, at time.Time) {
		t.Helper()
		err := dbA.InsertLocal(ctx, schema.TableLedgerEntries, &schema.Record{
			ID: id, DeviceID: deviceA, CreatedAt: at, UpdatedAt: at,
			Fields: map[string]any{
				"customer_id": "cust-1",
				"entry_type":  schema.LedgerEntryInvoice,
				"amount":      amount,
			},
		})
		if err != nil {
			t.Fatalf("InsertLocal(%s) error = %v", id, err)
		}
	}

	// The later entry syncs first; B downloads it with balance 50.00.
	insertEntry("led-2", "50.00", base.Add(2*time.Hour))
	if _, err := engA.SyncCycle(ctx); err != nil {
		t.Fatalf("device A SyncCycle() error = %v", err)
	}
	if _, err := engB.SyncCycle(ctx); err != nil {
		t.Fatalf("device B SyncCycle() error = %v", err)
	}

	ledgerBalance := func(database *db.DB, id string) string {
		t.Helper()
		var balance string
		err := database.Conn().QueryRowContext(ctx,
			"SELECT balance FROM ledger_entries WHERE id = ?", id).Scan(&balance)
		if err != nil {
			t.Fatalf("balance(%s) error = %v", id, err)
		}
		return balance
	}
	if got := ledgerBalance(dbB, "led-2"); got != "50.00" {
		t.Fatalf("balance(led-2) before correction = %q, want 50.00", got)
	}

	// A late entry sorts into the past and shifts led-2's running balance
	// server-side. B's next cycle must pick up the corrected balance even
	// though its cursor already passed led-2.
	insertEntry("led-1", "100.00", base.Add(time.Hour))
	if _, err := engA.SyncCycle(ctx); err != nil {
		t.Fatalf("device A second SyncCycle() error = %v", err)
	}
	if _, err := engB.SyncCycle(ctx); err != nil {
		t.Fatalf("device B second SyncCycle() error = %v", err)
	}

	if got := ledgerBalance(dbB, "led-1"); got != "100.00" {
		t.Errorf("balance(led-1) = %q, want 100.00", got)
	}
	if got := ledgerBalance(dbB, "led-2"); got != "150.00" {
		t.Errorf("balance(led-2) = %q, want corrected 150.00", got)
	}
}

func TestResetFailed_RevivesRecordsAndQueueEntries(t *testing.T) {
	srv := openTestServer(t)
	eng, database := newTestEngine(t, srv, deviceA)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	insertJob(t, database, "job-1", deviceA, "cust-never", now)
	if _, err := eng.UploadTable(ctx, schema.TableJobs); err != nil {
		t.Fatalf("UploadTable() error = %v", err)
	}
	for i := 0; i < queue.MaxAttempts; i++ {
		if _, err := eng.ProcessQueue(ctx); err != nil {
			t.Fatalf("ProcessQueue() error = %v", err)
		}
	}

	_, entries, err := eng.ResetFailed(ctx)
	if err != nil {
		t.Fatalf("ResetFailed() error = %v", err)
	}
	if entries != 1 {
		t.Errorf("reset %d queue entries, want 1", entries)
	}
	due, _ := eng.Queue().Due(ctx, 0)
	if len(due) != 1 {
		t.Errorf("queue entry not revived")
	}
}

func TestUploadTable_EmitsEvents(t *testing.T) {
	srv := openTestServer(t)
	eng, database := newTestEngine(t, srv, deviceA)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	var events []Event
	eng.OnEvent = func(ev Event) { events = append(events, ev) }

	insertCustomer(t, database, "cust-1", deviceA, "Acme Plumbing", now)
	if _, err := eng.UploadTable(ctx, schema.TableCustomers); err != nil {
		t.Fatalf("UploadTable() error = %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Type != EventUploaded || events[0].Count != 1 {
		t.Errorf("event = %+v, want UPLOADED count 1", events[0])
	}
}
