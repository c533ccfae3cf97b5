package queue

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
)

// Store is the persistence contract the engine coordinates through. All
// cross-worker coordination rides on ClaimOne; nothing else in the system
// takes locks.
type Store interface {
	// Insert persists the job, assigning ID and CreatedAt when absent, and
	// returns the stored document.
	Insert(ctx context.Context, job *Job) (*Job, error)

	// Find returns all jobs matching the filter. No ordering guarantee.
	Find(ctx context.Context, filter bson.M) ([]*Job, error)

	// ClaimOne atomically selects the single document matching filter,
	// ordered by sort, applies the update document (patch) and returns the
	// post-patch job. Returns (nil, nil) when nothing matches. Two
	// concurrent calls never both select the same document.
	ClaimOne(ctx context.Context, filter bson.M, patch bson.M, sort bson.D) (*Job, error)

	// DeleteOne removes the single document matching filter and reports
	// whether a document was removed.
	DeleteOne(ctx context.Context, filter bson.M) (bool, error)

	// UpdateMany applies the update document to every match and returns the
	// modified count.
	UpdateMany(ctx context.Context, filter, patch bson.M) (int64, error)

	// DeleteMany removes every match and returns the deleted count.
	DeleteMany(ctx context.Context, filter bson.M) (int64, error)

	// Count returns the number of documents matching filter.
	Count(ctx context.Context, filter bson.M) (int64, error)

	// InsertManyBestEffort inserts the given jobs without aborting on
	// individual failures and returns how many were persisted.
	InsertManyBestEffort(ctx context.Context, jobs []*Job) (int64, error)

	// Drop removes every document in the backing collection.
	Drop(ctx context.Context) error

	HealthCheck(ctx context.Context) error
	Close() error
}

// StatsReader is implemented by stores that can produce all four queue
// counters from a single consistent read. Stores without it are counted
// filter by filter, which can skew under concurrent mutation.
type StatsReader interface {
	Stats(ctx context.Context, maxAttempts int) (*Stats, error)
}
