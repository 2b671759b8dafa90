// Package protocol defines the wire types exchanged between a device and
// the sync server. The HTTP transport and the in-process server store both
// speak these shapes, so the engine can run against either.
package protocol

import (
	"time"

	"github.com/fieldbooks/fieldbooks/internal/schema"
)

// Action classifies the server-side merge outcome for one record.
type Action string

const (
	// ActionInserted means no server row existed and the record was written.
	ActionInserted Action = "INSERTED"
	// ActionUpdated means the incoming record won last-write-wins and
	// overwrote the stored row.
	ActionUpdated Action = "UPDATED"
	// ActionQueued means a referenced row is missing server-side; nothing
	// was written and the record should be retried from the sync queue.
	ActionQueued Action = "QUEUED"
	// ActionSkipped means the stored row was kept.
	ActionSkipped Action = "SKIPPED"
)

// Skip reasons carried on ActionSkipped outcomes.
const (
	ReasonOlderTimestamp = "OLDER_TIMESTAMP"
	ReasonDuplicate      = "DUPLICATE"
	ReasonAppendOnly     = "APPEND_ONLY"
)

// MissingDependency names one referenced row the server does not hold yet.
type MissingDependency struct {
	Table    string `json:"table"`
	RecordID string `json:"record_id"`
}

// RecordOutcome is the per-record result of an upload merge.
type RecordOutcome struct {
	RecordID            string              `json:"record_id"`
	Action              Action              `json:"action,omitempty"`
	ServerUpdatedAt     int64               `json:"server_updated_at,omitempty"`
	Reason              string              `json:"reason,omitempty"`
	Error               string              `json:"error,omitempty"`
	MissingDependencies []MissingDependency `json:"missing_dependencies,omitempty"`
}

// UploadRequest pushes a device's pending records for one table.
type UploadRequest struct {
	DeviceID   string          `json:"device_id" validate:"required,uuid4"`
	DeviceName string          `json:"device_name,omitempty"`
	Table      string          `json:"table" validate:"required"`
	Records    []schema.Record `json:"records" validate:"required,min=1"`
}

// UploadResponse classifies every uploaded record. A single failing record
// never aborts the batch; it lands in Failed while the rest proceed.
type UploadResponse struct {
	Table        string          `json:"table"`
	Total        int             `json:"total"`
	SyncedCount  int             `json:"synced_count"`
	SkippedCount int             `json:"skipped_count"`
	QueuedCount  int             `json:"queued_count"`
	FailedCount  int             `json:"failed_count"`
	Synced       []RecordOutcome `json:"synced"`
	Skipped      []RecordOutcome `json:"skipped"`
	Queued       []RecordOutcome `json:"queued"`
	Failed       []RecordOutcome `json:"failed"`
}

// DownloadRequest pulls records authored by other devices.
//
// Cursor is the server timestamp (nanoseconds) of the last row already
// observed; only rows strictly after it are returned. Since is an optional
// wall-clock lower bound used for first-time fetches; when both are set the
// later of the two wins.
type DownloadRequest struct {
	DeviceID string    `json:"device_id" validate:"required,uuid4"`
	Table    string    `json:"table" validate:"required"`
	Since    time.Time `json:"since,omitempty"`
	Cursor   int64     `json:"cursor,omitempty"`
	Limit    int       `json:"limit,omitempty"`
}

// DownloadResponse is one keyset page. Repeated calls with
// Cursor = NextCursor observe every row exactly once in server timestamp
// order, tolerant of concurrent inserts after the cursor.
type DownloadResponse struct {
	Table      string          `json:"table"`
	Records    []schema.Record `json:"records"`
	Count      int             `json:"count"`
	HasMore    bool            `json:"has_more"`
	NextCursor int64           `json:"next_cursor"`
}

// ConflictsRequest queries the audit trail of lost writes.
type ConflictsRequest struct {
	DeviceID string    `json:"device_id,omitempty"`
	Since    time.Time `json:"since,omitempty"`
	Limit    int       `json:"limit,omitempty"`
}

// ConflictRecord is one immutable audit entry: a write that lost the
// last-write-wins comparison. The losing value is preserved only here.
type ConflictRecord struct {
	ID              int64     `json:"id"`
	Table           string    `json:"table"`
	RecordID        string    `json:"record_id"`
	WinnerDeviceID  string    `json:"winner_device_id"`
	LoserDeviceID   string    `json:"loser_device_id"`
	WinnerUpdatedAt time.Time `json:"winner_updated_at"`
	LoserUpdatedAt  time.Time `json:"loser_updated_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// DeviceInfo describes one registered device.
type DeviceInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// ServerStatus is the aggregate view served to status dashboards.
type ServerStatus struct {
	Tables  map[string]int `json:"tables"`
	Devices []DeviceInfo   `json:"devices"`
}
