package queue

import (
	"context"

	"github.com/mongoq/mongoq/pkg/observability/logger"
)

// Archiver moves permanently exhausted jobs out of the primary store into an
// archive store.
type Archiver struct {
	primary Store
	archive Store
	log     logger.Logger
	config  Config
}

// PurgeResult reports what one purge pass did.
type PurgeResult struct {
	Matched  int64 `json:"matched"`
	Archived int64 `json:"archived"`
	Deleted  int64 `json:"deleted"`
}

// NewArchiver builds an archiver between a primary and an archive store.
func NewArchiver(primary, archive Store, log logger.Logger, cfg Config) (*Archiver, error) {
	if primary == nil {
		return nil, queueError(ErrInvalidArgument, "primary store is required")
	}
	if archive == nil {
		return nil, queueError(ErrInvalidArgument, "archive store is required")
	}
	if log == nil {
		return nil, queueError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()

	return &Archiver{
		primary: primary,
		archive: archive,
		log:     log,
		config:  cfg,
	}, nil
}

// Purge copies every exhausted, unlocked job into the archive store and then
// deletes the originals. The copy is best-effort: one bad document does not
// abort the batch, and the originals are deleted even when some copies
// failed. A job whose copy failed is therefore gone from both stores; every
// copy failure is logged at Error level and counted so operators can see it
// happen.
func (a *Archiver) Purge(ctx context.Context) (*PurgeResult, error) {
	if a == nil || a.primary == nil || a.archive == nil {
		return nil, queueError(ErrNotInitialized, "archiver is not initialized")
	}

	filter := purgeableFilter(a.config.MaxAttempts)
	exhausted, err := a.primary.Find(ctx, filter)
	if err != nil {
		return nil, err
	}

	result := &PurgeResult{Matched: int64(len(exhausted))}
	if len(exhausted) == 0 {
		return result, nil
	}

	archived, err := a.archive.InsertManyBestEffort(ctx, exhausted)
	result.Archived = archived
	if err != nil {
		return result, err
	}
	if lost := result.Matched - archived; lost > 0 {
		recordJobsArchiveLost(a.config.Collection, lost)
		a.log.Error("purge lost jobs: archive copy failed but originals will be deleted",
			"collection", a.config.Collection, "matched", result.Matched,
			"archived", archived, "lost", lost)
	}

	// Delete by the purge filter, not by the fetched ids: a job locked or
	// modified since the find simply stops matching and survives.
	deleted, err := a.primary.DeleteMany(ctx, filter)
	if err != nil {
		return result, err
	}
	result.Deleted = deleted
	recordJobsArchived(a.config.Collection, archived)
	a.log.Info("exhausted jobs purged",
		"collection", a.config.Collection,
		"matched", result.Matched, "archived", archived, "deleted", deleted)
	return result, nil
}

// Purgeable returns the jobs the next purge pass would archive.
func (a *Archiver) Purgeable(ctx context.Context) ([]*Job, error) {
	if a == nil || a.primary == nil {
		return nil, queueError(ErrNotInitialized, "archiver is not initialized")
	}
	return a.primary.Find(ctx, purgeableFilter(a.config.MaxAttempts))
}
