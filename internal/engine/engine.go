// Package engine orchestrates sync cycles for one device: upload pending
// records in dependency order, retry queued records, then download and
// apply what other devices produced.
//
// The engine talks to the server through the Remote interface, so the same
// orchestration runs against the in-process server store or the HTTP
// client. All outcomes are reflected locally: per-record sync status, the
// persistent retry queue, and the append-only operation log.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fieldbooks/fieldbooks/internal/db"
	"github.com/fieldbooks/fieldbooks/internal/protocol"
	"github.com/fieldbooks/fieldbooks/internal/queue"
	"github.com/fieldbooks/fieldbooks/internal/schema"
	"github.com/fieldbooks/fieldbooks/internal/state"
)

// Remote is the server surface the engine syncs against.
type Remote interface {
	Upload(ctx context.Context, req *protocol.UploadRequest) (*protocol.UploadResponse, error)
	Download(ctx context.Context, req *protocol.DownloadRequest) (*protocol.DownloadResponse, error)
	Conflicts(ctx context.Context, req *protocol.ConflictsRequest) ([]protocol.ConflictRecord, error)
}

// EventType classifies engine progress events.
type EventType string

const (
	EventUploaded   EventType = "UPLOADED"
	EventDownloaded EventType = "DOWNLOADED"
	EventQueued     EventType = "QUEUED"
	EventFailed     EventType = "FAILED"
)

// Event is one progress notification, delivered to the OnEvent hook.
type Event struct {
	Type  EventType `json:"type"`
	Table string    `json:"table"`
	Count int       `json:"count"`
	At    time.Time `json:"at"`
}

// Engine runs sync cycles for one device.
type Engine struct {
	db         *db.DB
	state      *state.Store
	queue      *queue.Queue
	remote     Remote
	deviceID   string
	deviceName string
	logger     *log.Logger
	clock      func() time.Time

	// OnEvent, when set, receives progress events as batches complete.
	// Called synchronously from the sync goroutine; keep it fast.
	OnEvent func(Event)
}

// Options configures an Engine.
type Options struct {
	DeviceName string
	Logger     *log.Logger
	OnEvent    func(Event)
}

// TableResult summarizes one per-table batch.
type TableResult struct {
	Table     string
	Direction db.Direction
	Total     int
	Synced    int
	Skipped   int
	Queued    int
	Failed    int
	Applied   int
	Status    string
}

// CycleResult aggregates one full sync cycle.
type CycleResult struct {
	Uploads    []TableResult
	Retried    int
	Downloads  []TableResult
	StartedAt  time.Time
	FinishedAt time.Time
}

// batchLimit is the per-table page size for uploads and downloads.
const batchLimit = 200

// New wires an engine over an open device database and a remote.
func New(database *db.DB, deviceID string, remote Remote, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	return &Engine{
		db:         database,
		state:      state.New(database, deviceID),
		queue:      queue.New(database, logger),
		remote:     remote,
		deviceID:   deviceID,
		deviceName: opts.DeviceName,
		logger:     logger,
		clock:      time.Now,
		OnEvent:    opts.OnEvent,
	}
}

func (e *Engine) emit(t EventType, table string, count int) {
	if e.OnEvent != nil && count > 0 {
		e.OnEvent(Event{Type: t, Table: table, Count: count, At: e.clock()})
	}
}

// UploadTable pushes this device's pending records for one table and
// reflects every outcome locally:
//
//   - synced records are marked SYNCED
//   - skipped records are also marked SYNCED: the server kept a version at
//     least as new, and the authoritative row arrives on the next download
//   - queued records enter the retry queue and stay PENDING
//   - failed records are marked FAILED
func (e *Engine) UploadTable(ctx context.Context, tableName string) (*TableResult, error) {
	if _, err := schema.Lookup(tableName); err != nil {
		return nil, err
	}

	result := &TableResult{Table: tableName, Direction: db.DirectionUpload, Status: db.OperationSuccess}
	startedAt := e.clock()

	records, err := e.state.PendingRecords(ctx, tableName, batchLimit)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return result, nil
	}
	result.Total = len(records)

	resp, err := e.remote.Upload(ctx, &protocol.UploadRequest{
		DeviceID:   e.deviceID,
		DeviceName: e.deviceName,
		Table:      tableName,
		Records:    records,
	})
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", tableName, err)
	}

	byID := make(map[string]schema.Record, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	var syncedIDs []string
	for _, out := range resp.Synced {
		syncedIDs = append(syncedIDs, out.RecordID)
	}
	for _, out := range resp.Skipped {
		syncedIDs = append(syncedIDs, out.RecordID)
	}
	if n, err := e.state.MarkManySynced(ctx, tableName, syncedIDs); err != nil {
		return nil, err
	} else if n != len(syncedIDs) {
		e.logger.Printf("WARNING: marked %d of %d %s records synced", n, len(syncedIDs), tableName)
	}
	result.Synced = len(resp.Synced)
	result.Skipped = len(resp.Skipped)

	for _, out := range resp.Queued {
		rec, ok := byID[out.RecordID]
		if !ok {
			continue
		}
		if err := e.queue.Enqueue(ctx, tableName, rec, out.MissingDependencies); err != nil {
			return nil, err
		}
		result.Queued++
	}

	for _, out := range resp.Failed {
		e.logger.Printf("WARNING: %s record %s rejected: %s", tableName, out.RecordID, out.Error)
		if _, err := e.state.MarkFailed(ctx, tableName, out.RecordID); err != nil {
			return nil, err
		}
		result.Failed++
	}

	switch {
	case result.Failed == result.Total:
		result.Status = db.OperationFailed
	case result.Failed > 0 || result.Queued > 0:
		result.Status = db.OperationPartial
	}

	if err := e.logOperation(ctx, tableName, db.DirectionUpload, result.Total, result.Status, startedAt); err != nil {
		return nil, err
	}

	e.emit(EventUploaded, tableName, result.Synced)
	e.emit(EventQueued, tableName, result.Queued)
	e.emit(EventFailed, tableName, result.Failed)
	e.logger.Printf("Uploaded %s: %d synced, %d skipped, %d queued, %d failed",
		tableName, result.Synced, result.Skipped, result.Queued, result.Failed)
	return result, nil
}

// BatchUpload pushes every table in dependency order, so referenced rows
// reach the server before the rows that point at them.
func (e *Engine) BatchUpload(ctx context.Context) ([]TableResult, error) {
	var results []TableResult
	for _, tableName := range schema.SyncOrder() {
		res, err := e.UploadTable(ctx, tableName)
		if err != nil {
			return results, err
		}
		if res.Total > 0 {
			results = append(results, *res)
		}
	}
	return results, nil
}

// cursorKey is the sync_meta key holding a table's download cursor.
func cursorKey(tableName string) string {
	return "cursor:" + tableName
}

// loadCursor reads a table's persisted download cursor. A device that has
// never downloaded the table starts from 0.
func (e *Engine) loadCursor(ctx context.Context, tableName string) (int64, error) {
	value, ok, err := e.db.GetMeta(ctx, cursorKey(tableName))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	cursor, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt download cursor for %s: %w", tableName, err)
	}
	return cursor, nil
}

// DownloadTable pulls and applies every page of foreign-device records for
// one table. The cursor advances in sync_meta only after the page applied,
// so an interrupted download resumes without losing rows.
func (e *Engine) DownloadTable(ctx context.Context, tableName string) (*TableResult, error) {
	if _, err := schema.Lookup(tableName); err != nil {
		return nil, err
	}

	result := &TableResult{Table: tableName, Direction: db.DirectionDownload, Status: db.OperationSuccess}
	startedAt := e.clock()

	cursor, err := e.loadCursor(ctx, tableName)
	if err != nil {
		return nil, err
	}

	for {
		resp, err := e.remote.Download(ctx, &protocol.DownloadRequest{
			DeviceID: e.deviceID,
			Table:    tableName,
			Cursor:   cursor,
			Limit:    batchLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", tableName, err)
		}
		if resp.Count == 0 {
			break
		}

		applied, err := e.db.ApplyRemote(ctx, tableName, resp.Records)
		if err != nil {
			return nil, err
		}
		result.Total += resp.Count
		result.Applied += applied

		cursor = resp.NextCursor
		if err := e.db.SetMeta(ctx, cursorKey(tableName), fmt.Sprintf("%d", cursor)); err != nil {
			return nil, err
		}
		if !resp.HasMore {
			break
		}
	}

	if result.Total > 0 {
		if err := e.logOperation(ctx, tableName, db.DirectionDownload, result.Total, result.Status, startedAt); err != nil {
			return nil, err
		}
		e.emit(EventDownloaded, tableName, result.Applied)
		e.logger.Printf("Downloaded %s: %d received, %d applied", tableName, result.Total, result.Applied)
	}
	return result, nil
}

// BatchDownload pulls every table in dependency order so downloaded rows
// never reference a row the local store has not seen yet.
func (e *Engine) BatchDownload(ctx context.Context) ([]TableResult, error) {
	var results []TableResult
	for _, tableName := range schema.SyncOrder() {
		res, err := e.DownloadTable(ctx, tableName)
		if err != nil {
			return results, err
		}
		if res.Total > 0 {
			results = append(results, *res)
		}
	}
	return results, nil
}

// ProcessQueue retries queued records one at a time. A record that merges
// (or is skipped as already newer server-side) leaves the queue and is
// marked SYNCED; a record still missing dependencies, or rejected, burns
// one attempt.
func (e *Engine) ProcessQueue(ctx context.Context) (int, error) {
	items, err := e.queue.Due(ctx, 0)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, item := range items {
		resp, err := e.remote.Upload(ctx, &protocol.UploadRequest{
			DeviceID:   e.deviceID,
			DeviceName: e.deviceName,
			Table:      item.Table,
			Records:    []schema.Record{item.Record},
		})
		if err != nil {
			// Transport failure: leave the entry untouched for the next cycle.
			return resolved, fmt.Errorf("retry %s record %s: %w", item.Table, item.RecordID, err)
		}

		switch {
		case len(resp.Synced) == 1 || len(resp.Skipped) == 1:
			if err := e.queue.Complete(ctx, item.ID); err != nil {
				return resolved, err
			}
			if _, err := e.state.MarkSynced(ctx, item.Table, item.RecordID); err != nil {
				return resolved, err
			}
			resolved++
		case len(resp.Queued) == 1:
			still := resp.Queued[0].MissingDependencies
			if err := e.queue.Fail(ctx, item.ID, describeMissing(still)); err != nil {
				return resolved, err
			}
		default:
			cause := "rejected"
			if len(resp.Failed) == 1 {
				cause = resp.Failed[0].Error
			}
			if err := e.queue.Fail(ctx, item.ID, cause); err != nil {
				return resolved, err
			}
		}
	}

	if resolved > 0 {
		e.logger.Printf("Queue sweep resolved %d of %d entries", resolved, len(items))
	}
	return resolved, nil
}

func describeMissing(deps []protocol.MissingDependency) string {
	if len(deps) == 0 {
		return "dependencies still missing"
	}
	return fmt.Sprintf("still missing %s record %s (%d total)",
		deps[0].Table, deps[0].RecordID, len(deps))
}

// SyncCycle runs one full cycle: upload, queue sweep, download.
func (e *Engine) SyncCycle(ctx context.Context) (*CycleResult, error) {
	result := &CycleResult{StartedAt: e.clock()}

	uploads, err := e.BatchUpload(ctx)
	result.Uploads = uploads
	if err != nil {
		return result, err
	}

	if result.Retried, err = e.ProcessQueue(ctx); err != nil {
		return result, err
	}

	downloads, err := e.BatchDownload(ctx)
	result.Downloads = downloads
	if err != nil {
		return result, err
	}

	result.FinishedAt = e.clock()
	return result, nil
}

// ResetFailed returns every FAILED record and queue entry to PENDING.
func (e *Engine) ResetFailed(ctx context.Context) (records, entries int, err error) {
	for _, tableName := range schema.TableNames() {
		n, err := e.state.ResetFailed(ctx, tableName)
		if err != nil {
			return records, entries, err
		}
		records += n
	}
	entries, err = e.queue.ResetFailed(ctx)
	return records, entries, err
}

// Queue exposes the engine's retry queue for inspection commands.
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

// State exposes the engine's sync-state store.
func (e *Engine) State() *state.Store {
	return e.state
}

// Conflicts fetches this device's lost writes from the server.
func (e *Engine) Conflicts(ctx context.Context, since time.Time, limit int) ([]protocol.ConflictRecord, error) {
	return e.remote.Conflicts(ctx, &protocol.ConflictsRequest{
		DeviceID: e.deviceID,
		Since:    since,
		Limit:    limit,
	})
}

func (e *Engine) logOperation(ctx context.Context, tableName string, dir db.Direction, count int, status string, startedAt time.Time) error {
	return e.db.InsertOperation(ctx, &db.Operation{
		ID:          uuid.NewString(),
		DeviceID:    e.deviceID,
		Table:       tableName,
		Direction:   dir,
		RecordCount: count,
		Status:      status,
		StartedAt:   startedAt,
		CompletedAt: e.clock(),
	})
}
