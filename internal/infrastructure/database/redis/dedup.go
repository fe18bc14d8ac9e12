package redis

import (
	"context"
	"time"

	"github.com/molforge/molforge/internal/domain/lifecycle"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/errors"
)

// EventDeduplicator implements lifecycle.Deduplicator on Redis.  SET NX with
// the window as TTL gives the mark-and-test a single atomic round trip, and
// expiry reopens the key once the window lapses so late legitimate replays
// are not swallowed forever.
type EventDeduplicator struct {
	client *Client
	logger logging.Logger
}

// NewEventDeduplicator constructs a ready-to-use EventDeduplicator.
func NewEventDeduplicator(client *Client, log logging.Logger) *EventDeduplicator {
	return &EventDeduplicator{client: client, logger: log.Named("event_dedup")}
}

// MarkProcessed records key atomically and reports whether it was new inside
// the window.
func (d *EventDeduplicator) MarkProcessed(ctx context.Context, key string, window time.Duration) (bool, error) {
	if d.client.isClosed() {
		return false, ErrClientClosed
	}

	fresh, err := d.client.rdb.SetNX(ctx, d.client.Key("dedup", key), 1, window).Result()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to mark event processed")
	}
	if !fresh {
		d.logger.Debug("duplicate event suppressed", logging.String("key", key))
	}
	return fresh, nil
}

var _ lifecycle.Deduplicator = (*EventDeduplicator)(nil)
