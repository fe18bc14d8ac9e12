package lifecycle

import (
	"context"
	"time"
)

// Deduplicator remembers processed events for the configured window so that
// redelivered events are dropped instead of re-applied.
type Deduplicator interface {
	// MarkProcessed records key atomically and reports whether it was new.
	// A false return means the event was already processed inside the window.
	MarkProcessed(ctx context.Context, key string, window time.Duration) (bool, error)
}
