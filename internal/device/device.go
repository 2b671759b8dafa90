// Package device manages the permanent identity of one install.
//
// A device id is a UUID v4 generated on first run and persisted in the
// local store's key-value table. Once successfully persisted it is never
// regenerated for the lifetime of the install; every sync interaction with
// the server is keyed by it.
package device

import (
	"context"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/fieldbooks/fieldbooks/internal/db"
)

// metaKey is the sync_meta row holding the persisted device id.
const metaKey = "device_id"

// Identity resolves and caches the device id.
type Identity struct {
	db     *db.DB
	logger *log.Logger

	mu      sync.Mutex
	cached  string
	memOnly bool
}

// New creates an Identity backed by the local store.
// If logger is nil, a default logger writing to stderr is used.
func New(database *db.DB, logger *log.Logger) *Identity {
	if logger == nil {
		logger = log.New(os.Stderr, "[device] ", log.LstdFlags)
	}
	return &Identity{db: database, logger: logger}
}

// ID returns the device id, lazily initializing it on first call.
//
// A stored value that is not a valid UUID v4 is treated as corruption and
// regenerated; this silently changes device identity, so it is logged as a
// warning. If persistent storage cannot be read or written the id falls
// back to an in-memory value for the process lifetime only, also logged as
// a degraded-mode warning.
func (i *Identity) ID(ctx context.Context) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.cached != "" {
		return i.cached, nil
	}

	stored, ok, err := i.db.GetMeta(ctx, metaKey)
	if err != nil {
		id := uuid.New().String()
		i.logger.Printf("WARNING: device id storage unreadable (%v); using in-memory id %s for this process", err, id)
		i.cached = id
		i.memOnly = true
		return id, nil
	}

	if ok {
		if isValidV4(stored) {
			i.cached = stored
			return stored, nil
		}
		i.logger.Printf("WARNING: stored device id %q is not a valid UUID v4; regenerating (device identity changes)", stored)
	}

	id := uuid.New().String()
	if err := i.db.SetMeta(ctx, metaKey, id); err != nil {
		i.logger.Printf("WARNING: failed to persist device id (%v); using in-memory id %s for this process", err, id)
		i.memOnly = true
	}
	i.cached = id
	return id, nil
}

// Persistent reports whether the current id survived to durable storage.
// False means the process is running in degraded, memory-only mode.
func (i *Identity) Persistent() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cached != "" && !i.memOnly
}

// isValidV4 checks the UUID v4 format of a stored value.
func isValidV4(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 4
}
