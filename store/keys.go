package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by lookups that find nothing; callers generally
// treat this the same as (nil, nil), but it is exposed for callers that need
// to distinguish "not found" from a malformed lookup.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when a compare-and-swap update's
// expectedVersion no longer matches the stored row.
var ErrVersionConflict = errors.New("optimistic lock failure: version changed")

// Resource namespaces a Redis key.
type Resource string

const (
	ResourceLock   Resource = "lock"
	ResourceEpoch  Resource = "epoch"
	ResourceUnique Resource = "unique"
	ResourceIdem   Resource = "idem"
)

// Key constructs a fully qualified Redis key.
// Format: sentinelcp:{resource}:{id}
func Key(resource Resource, id string) string {
	return fmt.Sprintf("sentinelcp:%s:%s", resource, id)
}
