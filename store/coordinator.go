package store

import (
	"context"
	"time"
)

// Coordinator defines distributed coordination primitives: locks, leases, and
// epochs, backed by Redis. Leader election (internal/coordination) and the
// Job Runner's uniqueness window both depend on this.
type Coordinator interface {
	// AcquireLock attempts to acquire a lock for the given key. Returns true if
	// successful, false if the lock is held by another owner.
	AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error)

	// RenewLock extends the TTL of a held lock.
	RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error)

	// ReleaseLock releases the lock if held by ownerID.
	ReleaseLock(ctx context.Context, key string, ownerID string) error

	// GetLockOwner returns the current owner of the lock, or empty if free.
	GetLockOwner(ctx context.Context, key string) (string, error)

	// AcquireLease attempts to acquire a lease for a resource. value carries
	// metadata (owner_id, epoch, timestamps) as an opaque string.
	AcquireLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// RenewLease extends the TTL of a held lease if the value matches.
	RenewLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// ReleaseLease releases the lease if the value matches.
	ReleaseLease(ctx context.Context, key string, value string) error

	// IsLeaseOwner checks if the current value matches the given value.
	IsLeaseOwner(ctx context.Context, key string, value string) (bool, error)

	// IncrementEpoch increments the epoch counter for a resource and returns
	// the new value. Used for generating fencing tokens.
	IncrementEpoch(ctx context.Context, key string) (int64, error)

	// ScanLocks returns keys matching the pattern (e.g. "sentinelcp:lock:*").
	// Used by the lock janitor.
	ScanLocks(ctx context.Context, pattern string) ([]string, error)

	// SetNX records a uniqueness marker with TTL, returning false if the key
	// already existed. Used by jobs.Runner's dedup window and by the drift
	// reconciler's re-entrant-run prevention.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
}
