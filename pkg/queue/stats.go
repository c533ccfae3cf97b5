package queue

import (
	"context"
	"time"
)

// Stats holds queue depth counters. A job can appear in more than one
// bucket: a locked exhausted job counts toward both Locked and Errors.
type Stats struct {
	Available int64 `json:"available"`
	Locked    int64 `json:"locked"`
	Errors    int64 `json:"errors"`
	Total     int64 `json:"total"`
}

// collectStats reads the counters without mutating any job. Stores that
// implement StatsReader produce all four numbers from one consistent read;
// for everything else the counters come from four separate counts, so
// concurrent mutation between them can skew the totals by the few documents
// that moved in that window.
func collectStats(ctx context.Context, store Store, maxAttempts int) (*Stats, error) {
	if reader, ok := store.(StatsReader); ok {
		return reader.Stats(ctx, maxAttempts)
	}

	now := time.Now().UTC()
	stats := &Stats{}

	available, err := store.Count(ctx, eligibleFilter(maxAttempts, now))
	if err != nil {
		return nil, err
	}
	stats.Available = available

	locked, err := store.Count(ctx, lockedFilter())
	if err != nil {
		return nil, err
	}
	stats.Locked = locked

	exhausted, err := store.Count(ctx, exhaustedFilter(maxAttempts))
	if err != nil {
		return nil, err
	}
	stats.Errors = exhausted

	total, err := store.Count(ctx, nil)
	if err != nil {
		return nil, err
	}
	stats.Total = total

	return stats, nil
}
