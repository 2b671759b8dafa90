package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimeLayout is the canonical timestamp encoding for record columns.
//
// It is fixed-width (nanosecond precision, no trimming) so that encoded
// timestamps compare correctly as strings in SQL ORDER BY and range
// predicates. time.RFC3339Nano trims trailing zeros and would break
// lexicographic ordering.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime encodes a timestamp in the canonical column format (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime decodes a timestamp column value. It accepts any RFC 3339
// variant for tolerance with rows written by older builds.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Record is the generic shape shared by every syncable table: the common
// sync columns plus the table-specific business fields.
//
// Records cross the wire as a single flat JSON object, e.g.
//
//	{"id":"...","device_id":"...","created_at":"...","updated_at":"...",
//	 "name":"Acme Plumbing","phone":"555-0100"}
//
// The sync_status column is local bookkeeping and never serialized.
type Record struct {
	ID        string
	DeviceID  string
	CreatedAt time.Time
	UpdatedAt time.Time

	// Fields holds the table-specific business columns.
	Fields map[string]any
}

// reserved keys handled outside Fields.
const (
	keyID        = "id"
	keyDeviceID  = "device_id"
	keyCreatedAt = "created_at"
	keyUpdatedAt = "updated_at"
)

// Field returns a business field value, or nil if absent.
func (r *Record) Field(name string) any {
	if r.Fields == nil {
		return nil
	}
	return r.Fields[name]
}

// StringField returns a business field as a string. Missing fields and
// NULLs come back as the empty string.
func (r *Record) StringField(name string) string {
	v := r.Field(name)
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Validate checks the invariants every syncable record must satisfy before
// it is merged or applied.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record has no id")
	}
	if r.DeviceID == "" {
		return fmt.Errorf("record %s has no device_id", r.ID)
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("record %s has no updated_at", r.ID)
	}
	return nil
}

// MarshalJSON flattens the record into a single JSON object.
func (r Record) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(r.Fields)+4)
	for k, v := range r.Fields {
		obj[k] = v
	}
	obj[keyID] = r.ID
	obj[keyDeviceID] = r.DeviceID
	obj[keyCreatedAt] = FormatTime(r.CreatedAt)
	obj[keyUpdatedAt] = FormatTime(r.UpdatedAt)
	return json.Marshal(obj)
}

// UnmarshalJSON parses the flat object form produced by MarshalJSON.
func (r *Record) UnmarshalJSON(data []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}

	str := func(key string) string {
		if v, ok := obj[key].(string); ok {
			return v
		}
		return ""
	}

	r.ID = str(keyID)
	r.DeviceID = str(keyDeviceID)

	if s := str(keyCreatedAt); s != "" {
		t, err := ParseTime(s)
		if err != nil {
			return fmt.Errorf("record %s: %w", r.ID, err)
		}
		r.CreatedAt = t
	}
	if s := str(keyUpdatedAt); s != "" {
		t, err := ParseTime(s)
		if err != nil {
			return fmt.Errorf("record %s: %w", r.ID, err)
		}
		r.UpdatedAt = t
	}

	delete(obj, keyID)
	delete(obj, keyDeviceID)
	delete(obj, keyCreatedAt)
	delete(obj, keyUpdatedAt)
	r.Fields = obj
	return nil
}

// Newer reports whether r should win a last-write-wins comparison against
// other. Timestamps are compared first; identical timestamps fall back to
// the lexicographically larger device id, so every replica resolves the
// same winner regardless of arrival order.
func (r *Record) Newer(otherUpdatedAt time.Time, otherDeviceID string) bool {
	if r.UpdatedAt.After(otherUpdatedAt) {
		return true
	}
	if otherUpdatedAt.After(r.UpdatedAt) {
		return false
	}
	return r.DeviceID > otherDeviceID
}
