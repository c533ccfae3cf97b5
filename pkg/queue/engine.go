package queue

import (
	"context"
	"strings"
	"time"

	"github.com/mongoq/mongoq/pkg/observability/logger"
	"go.mongodb.org/mongo-driver/bson"
)

// Engine implements the lease protocol on top of a Store. It keeps no
// in-process mutable state; every coordination point is delegated to the
// store's atomic ClaimOne primitive, so any number of workers may call it
// concurrently.
type Engine struct {
	store   Store
	archive Store
	log     logger.Logger
	config  Config
}

// NewEngine builds an engine over the primary store. The archive store may be
// nil when purge is not needed; Purge then reports ErrNotInitialized.
func NewEngine(store Store, archive Store, log logger.Logger, cfg Config) (*Engine, error) {
	if store == nil {
		return nil, queueError(ErrInvalidArgument, "store is required")
	}
	if log == nil {
		return nil, queueError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()

	return &Engine{
		store:   store,
		archive: archive,
		log:     log,
		config:  cfg,
	}, nil
}

// Config returns the normalized engine configuration.
func (e *Engine) Config() Config {
	return e.config
}

// InsertOptions overrides job defaults at insertion time. The zero value
// leaves every default in place.
type InsertOptions struct {
	Priority    int
	Attempts    int
	LockedBy    string
	LockedAt    *time.Time
	KeepAliveAt *time.Time
	ActiveAt    *time.Time
	LastError   string
}

// Insert persists a new job with the given payload. Control fields start at
// their defaults (priority 0, attempts 0, unlocked) unless overridden, and
// created_at is stamped with the current time.
func (e *Engine) Insert(ctx context.Context, payload bson.M, opts *InsertOptions) (*Job, error) {
	if e == nil || e.store == nil {
		return nil, queueError(ErrNotInitialized, "engine is not initialized")
	}
	if ctx == nil {
		return nil, queueError(ErrInvalidArgument, "context is required")
	}

	job := &Job{
		Payload:   clonePayload(payload),
		CreatedAt: time.Now().UTC(),
	}
	if opts != nil {
		job.Priority = opts.Priority
		job.Attempts = opts.Attempts
		job.LockedBy = strings.TrimSpace(opts.LockedBy)
		job.LockedAt = opts.LockedAt
		job.KeepAliveAt = opts.KeepAliveAt
		job.ActiveAt = opts.ActiveAt
		job.LastError = opts.LastError
	}

	stored, err := e.store.Insert(ctx, job)
	if err != nil {
		return nil, err
	}
	recordJobInserted(e.config.Collection)
	e.log.Debug("job inserted", "job_id", stored.ID.Hex(), "priority", stored.Priority)
	return stored, nil
}

// LockNext claims the highest-priority eligible job for workerID and returns
// it, or (nil, nil) when nothing is claimable right now. An empty result is a
// normal outcome, not an error. Ties on priority fall back to created_at
// ascending.
func (e *Engine) LockNext(ctx context.Context, workerID string) (*Job, error) {
	if e == nil || e.store == nil {
		return nil, queueError(ErrNotInitialized, "engine is not initialized")
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, queueError(ErrInvalidArgument, "worker id is required")
	}

	now := time.Now().UTC()
	job, err := e.store.ClaimOne(ctx,
		eligibleFilter(e.config.MaxAttempts, now),
		bson.M{"$set": bson.M{
			"locked_by":     workerID,
			"locked_at":     now,
			"keep_alive_at": now,
		}},
		claimOrder(),
	)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	recordJobClaimed(e.config.Collection)
	e.log.Debug("job locked", "job_id", job.ID.Hex(), "worker_id", workerID)
	return job, nil
}

// KeepAlive refreshes the lease heartbeat for a job workerID still owns.
// Returns (nil, nil) when the lease is no longer held by workerID.
func (e *Engine) KeepAlive(ctx context.Context, job *Job, workerID string) (*Job, error) {
	if e == nil || e.store == nil {
		return nil, queueError(ErrNotInitialized, "engine is not initialized")
	}
	if job == nil {
		return nil, queueError(ErrInvalidArgument, "job is required")
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, queueError(ErrInvalidArgument, "worker id is required")
	}

	return e.store.ClaimOne(ctx,
		bson.M{"_id": job.ID, "locked_by": workerID},
		bson.M{"$set": bson.M{"keep_alive_at": time.Now().UTC()}},
		claimOrder(),
	)
}

// Release clears the lock fields of a job, but only while workerID still owns
// the lease. When ownership has already moved on (lease expired and
// reclaimed) the call is a silent no-op returning (nil, nil); callers must
// check the result rather than assume success.
func (e *Engine) Release(ctx context.Context, job *Job, workerID string) (*Job, error) {
	if e == nil || e.store == nil {
		return nil, queueError(ErrNotInitialized, "engine is not initialized")
	}
	if job == nil {
		return nil, queueError(ErrInvalidArgument, "job is required")
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, queueError(ErrInvalidArgument, "worker id is required")
	}

	released, err := e.store.ClaimOne(ctx,
		bson.M{"_id": job.ID, "locked_by": workerID},
		bson.M{"$unset": bson.M{
			"locked_by":     "",
			"locked_at":     "",
			"keep_alive_at": "",
		}},
		claimOrder(),
	)
	if err != nil {
		return nil, err
	}
	if released != nil {
		e.log.Debug("job released", "job_id", job.ID.Hex(), "worker_id", workerID)
	}
	return released, nil
}

// Complete removes a finished job, but only while workerID still owns the
// lease. Reports whether the job was actually deleted.
func (e *Engine) Complete(ctx context.Context, job *Job, workerID string) (bool, error) {
	if e == nil || e.store == nil {
		return false, queueError(ErrNotInitialized, "engine is not initialized")
	}
	if job == nil {
		return false, queueError(ErrInvalidArgument, "job is required")
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return false, queueError(ErrInvalidArgument, "worker id is required")
	}

	deleted, err := e.store.DeleteOne(ctx, bson.M{"_id": job.ID, "locked_by": workerID})
	if err != nil {
		return false, err
	}
	if deleted {
		recordJobCompleted(e.config.Collection)
		e.log.Debug("job completed", "job_id", job.ID.Hex(), "worker_id", workerID)
	}
	return deleted, nil
}

// Error records a failure: attempts is incremented, the lock fields are
// cleared, last_error is set and active_at takes the caller-supplied value
// (nil meaning eligible immediately). Unlike Release and Complete this is NOT
// ownership-guarded: a worker whose lease already expired can still report
// its failure, and that report lands even if another worker holds the lease
// by then.
func (e *Engine) Error(ctx context.Context, job *Job, workerID, message string, activeAt *time.Time) (*Job, error) {
	if e == nil || e.store == nil {
		return nil, queueError(ErrNotInitialized, "engine is not initialized")
	}
	if job == nil {
		return nil, queueError(ErrInvalidArgument, "job is required")
	}

	unset := bson.M{
		"locked_by":     "",
		"locked_at":     "",
		"keep_alive_at": "",
	}
	set := bson.M{"last_error": message}
	if activeAt != nil {
		set["active_at"] = activeAt.UTC()
	} else {
		unset["active_at"] = ""
	}

	updated, err := e.store.ClaimOne(ctx,
		bson.M{"_id": job.ID},
		bson.M{
			"$inc":   bson.M{"attempts": 1},
			"$set":   set,
			"$unset": unset,
		},
		claimOrder(),
	)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, nil
	}
	recordJobFailed(e.config.Collection)
	if updated.Exhausted(e.config.MaxAttempts) {
		e.log.Warn("job exhausted its retry budget",
			"job_id", updated.ID.Hex(), "worker_id", workerID,
			"attempts", updated.Attempts, "last_error", message)
	} else {
		e.log.Debug("job failed", "job_id", updated.ID.Hex(), "worker_id", workerID,
			"attempts", updated.Attempts)
	}
	return updated, nil
}

// Cleanup reclaims leases whose heartbeat went stale, returning each affected
// job to the pool without touching attempts. A stale heartbeat is read as a
// liveness failure of the owning worker. The release goes through the same
// ownership guard as a voluntary release, keyed on the document's own
// recorded owner, so racing with the true owner is harmless.
func (e *Engine) Cleanup(ctx context.Context) (int, error) {
	if e == nil || e.store == nil {
		return 0, queueError(ErrNotInitialized, "engine is not initialized")
	}

	cutoff := time.Now().UTC().Add(-e.config.LockTimeout)
	stale, err := e.store.Find(ctx, staleFilter(cutoff))
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, job := range stale {
		released, err := e.Release(ctx, job, job.LockedBy)
		if err != nil {
			return reclaimed, err
		}
		if released == nil {
			// Lease already ended by its true owner. Nothing to reclaim.
			continue
		}
		reclaimed++
		recordJobReclaimed(e.config.Collection)
		e.log.Info("stale lease reclaimed",
			"job_id", job.ID.Hex(), "worker_id", job.LockedBy,
			"keep_alive_at", job.KeepAliveAt)
	}
	return reclaimed, nil
}

// Modify atomically applies changes ($set semantics) to the single
// highest-priority job matching filter, using the same ordering as LockNext.
// Returns (nil, nil) when nothing matches.
func (e *Engine) Modify(ctx context.Context, filter bson.M, changes bson.M) (*Job, error) {
	if e == nil || e.store == nil {
		return nil, queueError(ErrNotInitialized, "engine is not initialized")
	}
	if len(changes) == 0 {
		return nil, queueError(ErrInvalidArgument, "changes are required")
	}

	return e.store.ClaimOne(ctx, filter, bson.M{"$set": changes}, claimOrder())
}

// Find returns all jobs matching the filter.
func (e *Engine) Find(ctx context.Context, filter bson.M) ([]*Job, error) {
	if e == nil || e.store == nil {
		return nil, queueError(ErrNotInitialized, "engine is not initialized")
	}
	return e.store.Find(ctx, filter)
}

// Remove bulk-deletes every job matching the filter and returns the count.
func (e *Engine) Remove(ctx context.Context, filter bson.M) (int64, error) {
	if e == nil || e.store == nil {
		return 0, queueError(ErrNotInitialized, "engine is not initialized")
	}
	return e.store.DeleteMany(ctx, filter)
}

// Flush drops every document in the queue. Destructive; intended for test
// and reset use.
func (e *Engine) Flush(ctx context.Context) error {
	if e == nil || e.store == nil {
		return queueError(ErrNotInitialized, "engine is not initialized")
	}
	if err := e.store.Drop(ctx); err != nil {
		return err
	}
	e.log.Warn("queue flushed", "collection", e.config.Collection)
	return nil
}

// Stats reports queue depth counters. See Collector for consistency notes.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	if e == nil || e.store == nil {
		return nil, queueError(ErrNotInitialized, "engine is not initialized")
	}
	return collectStats(ctx, e.store, e.config.MaxAttempts)
}

// Purge archives permanently exhausted jobs. Requires an archive store.
func (e *Engine) Purge(ctx context.Context) (*PurgeResult, error) {
	if e == nil || e.store == nil {
		return nil, queueError(ErrNotInitialized, "engine is not initialized")
	}
	if e.archive == nil {
		return nil, queueError(ErrNotInitialized, "archive store is not configured")
	}
	archiver, err := NewArchiver(e.store, e.archive, e.log, e.config)
	if err != nil {
		return nil, err
	}
	return archiver.Purge(ctx)
}

// HealthCheck verifies connectivity of the primary store.
func (e *Engine) HealthCheck(ctx context.Context) error {
	if e == nil || e.store == nil {
		return queueError(ErrNotInitialized, "engine is not initialized")
	}
	return e.store.HealthCheck(ctx)
}

// Close closes the primary and archive stores.
func (e *Engine) Close() error {
	if e == nil || e.store == nil {
		return nil
	}
	if e.archive != nil {
		if err := e.archive.Close(); err != nil {
			return err
		}
	}
	return e.store.Close()
}

// eligibleFilter matches jobs that could be claimed at the given instant:
// unlocked, retry budget left, and not scheduled for later.
func eligibleFilter(maxAttempts int, now time.Time) bson.M {
	return bson.M{
		"locked_by": nil,
		"attempts":  bson.M{"$lt": maxAttempts},
		"$or": []bson.M{
			{"active_at": nil},
			{"active_at": bson.M{"$lte": now}},
		},
	}
}

// staleFilter matches leases whose heartbeat predates the cutoff.
func staleFilter(cutoff time.Time) bson.M {
	return bson.M{
		"locked_by":     bson.M{"$ne": nil},
		"keep_alive_at": bson.M{"$lt": cutoff},
	}
}

func lockedFilter() bson.M {
	return bson.M{"locked_by": bson.M{"$ne": nil}}
}

func exhaustedFilter(maxAttempts int) bson.M {
	return bson.M{"attempts": bson.M{"$gte": maxAttempts}}
}

func purgeableFilter(maxAttempts int) bson.M {
	return bson.M{
		"locked_by": nil,
		"attempts":  bson.M{"$gte": maxAttempts},
	}
}

func claimOrder() bson.D {
	return bson.D{
		{Key: "priority", Value: -1},
		{Key: "created_at", Value: 1},
	}
}
