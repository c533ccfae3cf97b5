package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mongoq/mongoq/pkg/observability/logger"
	"go.mongodb.org/mongo-driver/bson"
)

type testLogger struct{}

func (l *testLogger) Debug(string, ...any)                      {}
func (l *testLogger) Info(string, ...any)                       {}
func (l *testLogger) Warn(string, ...any)                       {}
func (l *testLogger) Error(string, ...any)                      {}
func (l *testLogger) With(...any) logger.Logger                 { return l }
func (l *testLogger) WithContext(context.Context) logger.Logger { return l }

func newTestEngine(t *testing.T) (*Engine, *MemoryStore, *MemoryStore) {
	t.Helper()
	primary := NewMemoryStore()
	archive := NewMemoryStore()
	engine, err := NewEngine(primary, archive, &testLogger{}, Config{})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine, primary, archive
}

func timeAgo(d time.Duration) *time.Time {
	ts := time.Now().UTC().Add(-d)
	return &ts
}

func timeFromNow(d time.Duration) *time.Time {
	ts := time.Now().UTC().Add(d)
	return &ts
}

func TestNewEngine_Validation(t *testing.T) {
	if _, err := NewEngine(nil, nil, &testLogger{}, Config{}); err == nil {
		t.Fatal("expected error for nil store")
	}
	if _, err := NewEngine(NewMemoryStore(), nil, nil, Config{}); err == nil {
		t.Fatal("expected error for nil logger")
	}
}

func TestEngine_ConfigDefaults(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	cfg := engine.Config()
	if cfg.Collection != DefaultCollection {
		t.Fatalf("expected default collection %q, got %q", DefaultCollection, cfg.Collection)
	}
	if cfg.MaxAttempts != DefaultMaxAttempts {
		t.Fatalf("expected default max attempts %d, got %d", DefaultMaxAttempts, cfg.MaxAttempts)
	}
	if cfg.LockTimeout != DefaultLockTimeout {
		t.Fatalf("expected default lock timeout %s, got %s", DefaultLockTimeout, cfg.LockTimeout)
	}
}

func TestInsert_Defaults(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	before := time.Now().UTC()
	job, err := engine.Insert(ctx, bson.M{"task": "send-email"}, nil)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if job.ID.IsZero() {
		t.Fatal("expected generated id")
	}
	if job.Priority != 0 || job.Attempts != 0 {
		t.Fatalf("expected zero priority and attempts, got %d/%d", job.Priority, job.Attempts)
	}
	if job.Locked() || job.LockedAt != nil || job.KeepAliveAt != nil {
		t.Fatal("expected new job to be unlocked")
	}
	if job.LastError != "" || job.ActiveAt != nil {
		t.Fatal("expected empty last_error and active_at")
	}
	if job.CreatedAt.Before(before.Add(-2*time.Second)) || job.CreatedAt.After(time.Now().UTC().Add(2*time.Second)) {
		t.Fatalf("created_at out of range: %s", job.CreatedAt)
	}
	if job.Payload["task"] != "send-email" {
		t.Fatalf("payload not preserved: %v", job.Payload)
	}
}

func TestInsert_Overrides(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	lockedAt := timeAgo(time.Hour)
	job, err := engine.Insert(ctx, bson.M{"n": 1}, &InsertOptions{
		Priority:    7,
		Attempts:    2,
		LockedBy:    "owner-1",
		LockedAt:    lockedAt,
		KeepAliveAt: lockedAt,
	})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if job.Priority != 7 || job.Attempts != 2 {
		t.Fatalf("overrides not applied: %+v", job)
	}
	if job.LockedBy != "owner-1" || job.LockedAt == nil {
		t.Fatalf("lock overrides not applied: %+v", job)
	}
}

func TestLockNext_PriorityOrder(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	for _, priority := range []int{0, 2, 6} {
		if _, err := engine.Insert(ctx, bson.M{"p": priority}, &InsertOptions{Priority: priority}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	job, err := engine.LockNext(ctx, "worker-1")
	if err != nil {
		t.Fatalf("LockNext failed: %v", err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.Priority != 6 {
		t.Fatalf("expected priority 6 job first, got %d", job.Priority)
	}
	if job.LockedBy != "worker-1" || job.LockedAt == nil || job.KeepAliveAt == nil {
		t.Fatalf("lock fields not set: %+v", job)
	}
}

func TestLockNext_CreatedAtTieBreak(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.Insert(ctx, bson.M{"n": 1}, nil)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := engine.Insert(ctx, bson.M{"n": 2}, nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	job, err := engine.LockNext(ctx, "worker-1")
	if err != nil {
		t.Fatalf("LockNext failed: %v", err)
	}
	if job == nil || job.ID != first.ID {
		t.Fatalf("expected oldest job on equal priority, got %+v", job)
	}
}

func TestLockNext_EmptyQueue(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	job, err := engine.LockNext(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("expected no error on empty queue, got %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil job, got %+v", job)
	}
}

func TestLockNext_SkipsLockedAndExhausted(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	now := time.Now().UTC()
	if _, err := engine.Insert(ctx, bson.M{"n": 1}, &InsertOptions{
		LockedBy: "other", LockedAt: &now, KeepAliveAt: &now,
	}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := engine.Insert(ctx, bson.M{"n": 2}, &InsertOptions{Attempts: 3}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	job, err := engine.LockNext(ctx, "worker-1")
	if err != nil {
		t.Fatalf("LockNext failed: %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil when all jobs locked or exhausted, got %+v", job)
	}
}

func TestLockNext_FutureActiveAt(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.Insert(ctx, bson.M{"n": 1}, &InsertOptions{ActiveAt: timeFromNow(time.Hour)}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	job, err := engine.LockNext(ctx, "worker-1")
	if err != nil {
		t.Fatalf("LockNext failed: %v", err)
	}
	if job != nil {
		t.Fatalf("job with future active_at must not be claimable, got %+v", job)
	}
}

func TestLockNext_PastActiveAt(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.Insert(ctx, bson.M{"n": 1}, &InsertOptions{ActiveAt: timeAgo(time.Minute)}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	job, err := engine.LockNext(ctx, "worker-1")
	if err != nil {
		t.Fatalf("LockNext failed: %v", err)
	}
	if job == nil {
		t.Fatal("job with past active_at must be claimable")
	}
}

func TestLockNext_ConcurrentClaimsAreUnique(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	const jobCount = 50
	for idx := 0; idx < jobCount; idx++ {
		if _, err := engine.Insert(ctx, bson.M{"n": idx}, nil); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	var mu sync.Mutex
	claimed := map[string]string{}
	var wg sync.WaitGroup
	for worker := 0; worker < 10; worker++ {
		wg.Add(1)
		go func(workerIdx int) {
			defer wg.Done()
			workerID := "worker-" + string(rune('a'+workerIdx))
			for {
				job, err := engine.LockNext(ctx, workerID)
				if err != nil {
					t.Errorf("LockNext failed: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if owner, seen := claimed[job.ID.Hex()]; seen {
					t.Errorf("job %s claimed twice, by %s and %s", job.ID.Hex(), owner, workerID)
				}
				claimed[job.ID.Hex()] = workerID
				mu.Unlock()
			}
		}(worker)
	}
	wg.Wait()

	if len(claimed) != jobCount {
		t.Fatalf("expected %d claimed jobs, got %d", jobCount, len(claimed))
	}
}

func TestRelease_MakesJobClaimableAgain(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.Insert(ctx, bson.M{"n": 1}, nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	job, err := engine.LockNext(ctx, "worker-1")
	if err != nil || job == nil {
		t.Fatalf("LockNext failed: %v %v", job, err)
	}

	released, err := engine.Release(ctx, job, "worker-1")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released == nil {
		t.Fatal("expected release to succeed for lease owner")
	}
	if released.Locked() || released.LockedAt != nil || released.KeepAliveAt != nil {
		t.Fatalf("lock fields not cleared: %+v", released)
	}

	again, err := engine.LockNext(ctx, "worker-2")
	if err != nil {
		t.Fatalf("LockNext failed: %v", err)
	}
	if again == nil || again.ID != job.ID {
		t.Fatalf("expected released job to be re-claimable by another worker, got %+v", again)
	}
}

func TestRelease_OwnershipMismatchIsSilentNoop(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.Insert(ctx, bson.M{"n": 1}, nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	job, err := engine.LockNext(ctx, "worker-1")
	if err != nil || job == nil {
		t.Fatalf("LockNext failed: %v %v", job, err)
	}

	released, err := engine.Release(ctx, job, "worker-2")
	if err != nil {
		t.Fatalf("Release must not error on ownership mismatch: %v", err)
	}
	if released != nil {
		t.Fatalf("expected silent no-op, got %+v", released)
	}

	stillLocked, err := engine.Find(ctx, bson.M{"_id": job.ID})
	if err != nil || len(stillLocked) != 1 {
		t.Fatalf("Find failed: %v", err)
	}
	if stillLocked[0].LockedBy != "worker-1" {
		t.Fatalf("lease must stay with its owner, got %q", stillLocked[0].LockedBy)
	}
}

func TestComplete_RemovesJobPermanently(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.Insert(ctx, bson.M{"n": 1}, nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	job, err := engine.LockNext(ctx, "worker-1")
	if err != nil || job == nil {
		t.Fatalf("LockNext failed: %v %v", job, err)
	}

	completed, err := engine.Complete(ctx, job, "worker-1")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if !completed {
		t.Fatal("expected completion to succeed for lease owner")
	}

	if again, err := engine.LockNext(ctx, "worker-2"); err != nil || again != nil {
		t.Fatalf("completed job must never be returned again, got %+v (%v)", again, err)
	}

	count, err := engine.Remove(ctx, bson.M{"_id": job.ID})
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if count != 0 {
		t.Fatal("job should already be gone")
	}
}

func TestComplete_OwnershipMismatchIsSilentNoop(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.Insert(ctx, bson.M{"n": 1}, nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	job, err := engine.LockNext(ctx, "worker-1")
	if err != nil || job == nil {
		t.Fatalf("LockNext failed: %v %v", job, err)
	}

	completed, err := engine.Complete(ctx, job, "worker-2")
	if err != nil {
		t.Fatalf("Complete must not error on ownership mismatch: %v", err)
	}
	if completed {
		t.Fatal("expected no-op for non-owner")
	}
}

func TestError_IncrementsAttemptsAndClearsLock(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.Insert(ctx, bson.M{"n": 1}, nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	job, err := engine.LockNext(ctx, "worker-1")
	if err != nil || job == nil {
		t.Fatalf("LockNext failed: %v %v", job, err)
	}

	failed, err := engine.Error(ctx, job, "worker-1", "boom", nil)
	if err != nil {
		t.Fatalf("Error failed: %v", err)
	}
	if failed.Attempts != 1 {
		t.Fatalf("expected attempts incremented by exactly 1, got %d", failed.Attempts)
	}
	if failed.Locked() || failed.LockedAt != nil || failed.KeepAliveAt != nil {
		t.Fatalf("lock fields not cleared: %+v", failed)
	}
	if failed.LastError != "boom" {
		t.Fatalf("expected last_error recorded, got %q", failed.LastError)
	}
	if failed.ActiveAt != nil {
		t.Fatalf("nil activeAt must leave the job eligible now, got %v", failed.ActiveAt)
	}
}

func TestError_DelayedRetry(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.Insert(ctx, bson.M{"n": 1}, nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	job, err := engine.LockNext(ctx, "worker-1")
	if err != nil || job == nil {
		t.Fatalf("LockNext failed: %v %v", job, err)
	}

	retryAt := timeFromNow(time.Hour)
	if _, err := engine.Error(ctx, job, "worker-1", "boom", retryAt); err != nil {
		t.Fatalf("Error failed: %v", err)
	}

	if again, err := engine.LockNext(ctx, "worker-2"); err != nil || again != nil {
		t.Fatalf("delayed retry job must not be claimable yet, got %+v (%v)", again, err)
	}
}

func TestError_NotOwnershipGuarded(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.Insert(ctx, bson.M{"n": 1}, nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	job, err := engine.LockNext(ctx, "worker-1")
	if err != nil || job == nil {
		t.Fatalf("LockNext failed: %v %v", job, err)
	}

	// A worker whose lease is long gone can still report its failure; the
	// update filter matches on id alone, unlike Release and Complete.
	failed, err := engine.Error(ctx, job, "some-other-worker", "late failure", nil)
	if err != nil {
		t.Fatalf("Error failed: %v", err)
	}
	if failed == nil {
		t.Fatal("Error must apply regardless of current lease ownership")
	}
	if failed.Attempts != 1 || failed.LastError != "late failure" {
		t.Fatalf("failure not recorded: %+v", failed)
	}
}

func TestError_ExhaustionExcludesFromLockNext(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.Insert(ctx, bson.M{"n": 1}, nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	for attempt := 0; attempt < DefaultMaxAttempts; attempt++ {
		job, err := engine.LockNext(ctx, "worker-1")
		if err != nil {
			t.Fatalf("LockNext failed: %v", err)
		}
		if job == nil {
			t.Fatalf("expected job on attempt %d", attempt)
		}
		if _, err := engine.Error(ctx, job, "worker-1", "boom", nil); err != nil {
			t.Fatalf("Error failed: %v", err)
		}
	}

	if job, err := engine.LockNext(ctx, "worker-1"); err != nil || job != nil {
		t.Fatalf("exhausted job must be excluded from claiming, got %+v (%v)", job, err)
	}

	stats, err := engine.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Errors != 1 {
		t.Fatalf("expected 1 exhausted job, got %d", stats.Errors)
	}
}

func TestKeepAlive_RefreshesHeartbeat(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.Insert(ctx, bson.M{"n": 1}, nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	job, err := engine.LockNext(ctx, "worker-1")
	if err != nil || job == nil {
		t.Fatalf("LockNext failed: %v %v", job, err)
	}

	time.Sleep(2 * time.Millisecond)
	renewed, err := engine.KeepAlive(ctx, job, "worker-1")
	if err != nil {
		t.Fatalf("KeepAlive failed: %v", err)
	}
	if renewed == nil {
		t.Fatal("expected heartbeat to succeed for lease owner")
	}
	if !renewed.KeepAliveAt.After(*job.KeepAliveAt) {
		t.Fatalf("keep_alive_at not advanced: %v -> %v", job.KeepAliveAt, renewed.KeepAliveAt)
	}

	if stranger, err := engine.KeepAlive(ctx, job, "worker-2"); err != nil || stranger != nil {
		t.Fatalf("heartbeat by non-owner must be a silent no-op, got %+v (%v)", stranger, err)
	}
}

func TestCleanup_ReclaimsStaleLeases(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.Insert(ctx, bson.M{"n": "stale"}, &InsertOptions{
		Attempts:    1,
		LockedBy:    "dead-worker",
		LockedAt:    timeAgo(time.Hour),
		KeepAliveAt: timeAgo(time.Hour),
	}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	fresh := time.Now().UTC()
	if _, err := engine.Insert(ctx, bson.M{"n": "fresh"}, &InsertOptions{
		LockedBy:    "live-worker",
		LockedAt:    &fresh,
		KeepAliveAt: &fresh,
	}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	reclaimed, err := engine.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected exactly the stale lease reclaimed, got %d", reclaimed)
	}

	job, err := engine.LockNext(ctx, "worker-2")
	if err != nil || job == nil {
		t.Fatalf("reclaimed job must be claimable again: %+v (%v)", job, err)
	}
	if job.Payload["n"] != "stale" {
		t.Fatalf("wrong job reclaimed: %v", job.Payload)
	}
	if job.Attempts != 1 {
		t.Fatalf("cleanup must not alter attempts, got %d", job.Attempts)
	}
}

func TestModify_UpdatesHighestPriorityMatch(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.Insert(ctx, bson.M{"kind": "a"}, &InsertOptions{Priority: 1}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	high, err := engine.Insert(ctx, bson.M{"kind": "a"}, &InsertOptions{Priority: 9})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	updated, err := engine.Modify(ctx, bson.M{"payload.kind": "a"}, bson.M{"priority": 20})
	if err != nil {
		t.Fatalf("Modify failed: %v", err)
	}
	if updated == nil || updated.ID != high.ID {
		t.Fatalf("expected the highest-priority match updated, got %+v", updated)
	}
	if updated.Priority != 20 {
		t.Fatalf("change not applied: %+v", updated)
	}

	none, err := engine.Modify(ctx, bson.M{"payload.kind": "missing"}, bson.M{"priority": 1})
	if err != nil {
		t.Fatalf("Modify failed: %v", err)
	}
	if none != nil {
		t.Fatalf("expected nil for no match, got %+v", none)
	}
}

func TestStats_FourJobScenario(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	// A: exhausted. B, C: available. D: locked an hour ago.
	if _, err := engine.Insert(ctx, bson.M{"job": "A"}, &InsertOptions{Attempts: 4}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := engine.Insert(ctx, bson.M{"job": "B"}, &InsertOptions{Priority: 2}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := engine.Insert(ctx, bson.M{"job": "C"}, &InsertOptions{Priority: 6}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := engine.Insert(ctx, bson.M{"job": "D"}, &InsertOptions{
		Priority:    99,
		LockedBy:    "Example",
		LockedAt:    timeAgo(time.Hour),
		KeepAliveAt: timeAgo(time.Hour),
	}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	stats, err := engine.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Locked != 1 || stats.Available != 2 || stats.Errors != 1 || stats.Total != 4 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRemoveAndFlush(t *testing.T) {
	engine, primary, _ := newTestEngine(t)
	ctx := context.Background()

	for idx := 0; idx < 3; idx++ {
		if _, err := engine.Insert(ctx, bson.M{"idx": idx}, nil); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	removed, err := engine.Remove(ctx, bson.M{"payload.idx": 1})
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	if err := engine.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	count, err := primary.Count(ctx, nil)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty queue after flush, got %d", count)
	}
}

func TestPurge_RequiresArchiveStore(t *testing.T) {
	engine, err := NewEngine(NewMemoryStore(), nil, &testLogger{}, Config{})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if _, err := engine.Purge(context.Background()); err == nil {
		t.Fatal("expected error when archive store is not configured")
	}
}
