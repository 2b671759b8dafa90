package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fieldbooks/fieldbooks/internal/protocol"
	"github.com/fieldbooks/fieldbooks/internal/schema"
)

// ErrDeviceMismatch is returned when an upload carries a record whose
// device_id is not the authenticated uploader.
var ErrDeviceMismatch = errors.New("record device_id does not match uploading device")

// Upload registers the device and merges each record independently. One
// failing record never aborts the batch: it lands in the Failed list and
// processing continues. Records whose referenced rows are missing land in
// Queued without being written.
//
// If any ledger entries were inserted, the per-customer balance
// reconciliation pass runs before returning.
func (s *Store) Upload(ctx context.Context, req *protocol.UploadRequest) (*protocol.UploadResponse, error) {
	table, err := schema.Lookup(req.Table)
	if err != nil {
		return nil, err
	}
	if err := s.RegisterDevice(ctx, req.DeviceID, req.DeviceName); err != nil {
		return nil, err
	}

	resp := &protocol.UploadResponse{
		Table: table.Name,
		Total: len(req.Records),
	}
	ledgerCustomers := make(map[string]bool)

	for i := range req.Records {
		rec := &req.Records[i]
		outcome := s.mergeRecord(ctx, table, rec, req.DeviceID)

		switch outcome.Action {
		case protocol.ActionInserted, protocol.ActionUpdated:
			resp.Synced = append(resp.Synced, outcome)
			if table.Name == schema.TableLedgerEntries {
				if cid := rec.StringField("customer_id"); cid != "" {
					ledgerCustomers[cid] = true
				}
			}
		case protocol.ActionSkipped:
			resp.Skipped = append(resp.Skipped, outcome)
		case protocol.ActionQueued:
			resp.Queued = append(resp.Queued, outcome)
		default:
			resp.Failed = append(resp.Failed, outcome)
		}
	}

	resp.SyncedCount = len(resp.Synced)
	resp.SkippedCount = len(resp.Skipped)
	resp.QueuedCount = len(resp.Queued)
	resp.FailedCount = len(resp.Failed)

	if len(ledgerCustomers) > 0 {
		ids := make([]string, 0, len(ledgerCustomers))
		for id := range ledgerCustomers {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		if n, err := s.ReconcileBalances(ctx, ids...); err != nil {
			s.logger.Printf("WARNING: balance reconciliation failed after upload: %v", err)
		} else if n > 0 {
			s.logger.Printf("Reconciled %d ledger balances for %d customers", n, len(ids))
		}
	}

	return resp, nil
}

// mergeRecord applies one record inside its own transaction: check missing
// dependencies, compare timestamps, write. The per-id comparison inside a
// single transaction is the only concurrency control between devices; no
// lock spans the batch.
func (s *Store) mergeRecord(ctx context.Context, table schema.Table, rec *schema.Record, deviceID string) protocol.RecordOutcome {
	outcome := protocol.RecordOutcome{RecordID: rec.ID}

	if err := rec.Validate(); err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	if rec.DeviceID != deviceID {
		outcome.Error = fmt.Errorf("%w: authored by %s, uploaded by %s",
			ErrDeviceMismatch, rec.DeviceID, deviceID).Error()
		return outcome
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		outcome.Error = fmt.Sprintf("failed to begin transaction: %v", err)
		return outcome
	}
	defer tx.Rollback()

	// Dependency probe: every foreign key carried by the record must
	// already resolve server-side.
	missing, err := s.missingForRecordInTx(ctx, tx, table, rec)
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	if len(missing) > 0 {
		// Nothing written; the record belongs in the device's sync queue.
		outcome.Action = protocol.ActionQueued
		outcome.MissingDependencies = missing
		return outcome
	}

	var storedUpdated, storedDevice string
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT updated_at, device_id FROM %s WHERE id = ?", table.Name),
		rec.ID).Scan(&storedUpdated, &storedDevice)

	switch {
	case err == sql.ErrNoRows:
		stamp := s.nextServerStamp()
		if err := s.insertInTx(ctx, tx, table, rec, stamp); err != nil {
			outcome.Error = err.Error()
			return outcome
		}
		outcome.Action = protocol.ActionInserted
		outcome.ServerUpdatedAt = stamp

	case err != nil:
		outcome.Error = fmt.Sprintf("failed to read stored record: %v", err)
		return outcome

	default:
		storedAt, perr := schema.ParseTime(storedUpdated)
		if perr != nil {
			outcome.Error = perr.Error()
			return outcome
		}

		if rec.UpdatedAt.Equal(storedAt) && rec.DeviceID == storedDevice {
			// Identical (id, updated_at) pair from the same author: the
			// idempotent re-upload case. Not a conflict.
			outcome.Action = protocol.ActionSkipped
			outcome.Reason = protocol.ReasonDuplicate
			return outcome
		}

		if table.AppendOnly {
			// The row exists; the ledger never changes. The divergent
			// incoming version is dropped, not logged as a conflict: an
			// append-only row has no losing "write", only an invalid one.
			outcome.Action = protocol.ActionSkipped
			outcome.Reason = protocol.ReasonAppendOnly
			return outcome
		}

		// A device overwriting (or re-sending an older version of) its own
		// record is a normal edit, not a conflict: only writes that lose to
		// a different device land in the conflict log.
		sameAuthor := rec.DeviceID == storedDevice

		if rec.Newer(storedAt, storedDevice) {
			stamp := s.nextServerStamp()
			if err := s.updateInTx(ctx, tx, table, rec, stamp); err != nil {
				outcome.Error = err.Error()
				return outcome
			}
			if !sameAuthor {
				if err := s.logConflictInTx(ctx, tx, table.Name, rec.ID,
					rec.DeviceID, storedDevice, rec.UpdatedAt, storedAt); err != nil {
					outcome.Error = err.Error()
					return outcome
				}
			}
			outcome.Action = protocol.ActionUpdated
			outcome.ServerUpdatedAt = stamp
		} else {
			if !sameAuthor {
				if err := s.logConflictInTx(ctx, tx, table.Name, rec.ID,
					storedDevice, rec.DeviceID, storedAt, rec.UpdatedAt); err != nil {
					outcome.Error = err.Error()
					return outcome
				}
			}
			outcome.Action = protocol.ActionSkipped
			outcome.Reason = protocol.ReasonOlderTimestamp
		}
	}

	if err := tx.Commit(); err != nil {
		return protocol.RecordOutcome{
			RecordID: rec.ID,
			Error:    fmt.Sprintf("failed to commit merge: %v", err),
		}
	}
	return outcome
}

func serverColumns(table schema.Table) []string {
	cols := []string{"id", "device_id", "created_at", "updated_at", "server_updated_at"}
	for _, c := range table.Columns {
		cols = append(cols, c.Name)
	}
	return cols
}

func (s *Store) insertInTx(ctx context.Context, tx *sql.Tx, table schema.Table, rec *schema.Record, stamp int64) error {
	cols := serverColumns(table)
	args := []any{
		rec.ID,
		rec.DeviceID,
		schema.FormatTime(rec.CreatedAt),
		schema.FormatTime(rec.UpdatedAt),
		stamp,
	}
	for _, c := range table.Columns {
		args = append(args, rec.Field(c.Name))
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table.Name,
		strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert %s record %s: %w", table.Name, rec.ID, err)
	}
	return nil
}

func (s *Store) updateInTx(ctx context.Context, tx *sql.Tx, table schema.Table, rec *schema.Record, stamp int64) error {
	sets := []string{"device_id = ?", "updated_at = ?", "server_updated_at = ?"}
	args := []any{rec.DeviceID, schema.FormatTime(rec.UpdatedAt), stamp}
	for _, c := range table.Columns {
		sets = append(sets, fmt.Sprintf("%s = ?", c.Name))
		args = append(args, rec.Field(c.Name))
	}
	args = append(args, rec.ID)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?",
		table.Name, strings.Join(sets, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update %s record %s: %w", table.Name, rec.ID, err)
	}
	return nil
}
