package session

import (
	"context"
	"time"
)

// Store keeps session snapshots after the session is gone, so ended
// sessions stay queryable. Implementations must be safe for concurrent use.
type Store interface {
	// Save writes snap under its session ID, replacing any earlier
	// snapshot. The entry expires after ttl.
	Save(ctx context.Context, snap Snapshot, ttl time.Duration) error

	// Load returns (nil, nil) when the session is unknown or expired.
	Load(ctx context.Context, sessionID string) (*Snapshot, error)

	// List returns up to limit snapshots, most recently created first.
	// A limit of zero or less means no limit.
	List(ctx context.Context, limit int) ([]Snapshot, error)

	// Delete removes a snapshot. Unknown IDs are not an error.
	Delete(ctx context.Context, sessionID string) error

	// Close releases resources. Later calls return ErrStoreClosed.
	Close() error
}

// ErrStoreClosed is returned when operations are attempted on a closed store.
type ErrStoreClosed struct{}

func (e ErrStoreClosed) Error() string {
	return "session store is closed"
}
