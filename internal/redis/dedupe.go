package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DedupeTTL is how long ingested event IDs are remembered. Long enough to
// absorb webhook retries from upstream producers, short enough to keep the
// key space bounded.
const DedupeTTL = 24 * time.Hour

// Deduper drops replayed lifecycle events by ID using SET NX: the first
// caller to mark an ID wins, every later caller observes it as seen.
type Deduper struct {
	client *Client
	logger *zap.Logger
}

// NewDeduper creates an event deduper.
func NewDeduper(client *Client, logger *zap.Logger) *Deduper {
	return &Deduper{client: client, logger: logger}
}

// Seen atomically marks the event ID and reports whether it was already
// known. Returns (false, nil) for a first-seen ID.
func (d *Deduper) Seen(ctx context.Context, eventID string) (bool, error) {
	key := fmt.Sprintf("event:%s", eventID)

	set, err := d.client.rdb.SetNX(ctx, key, 1, DedupeTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return !set, nil
}
