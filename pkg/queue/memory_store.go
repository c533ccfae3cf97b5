package queue

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryStore is an in-process Store guarded by a single mutex, which makes
// ClaimOne trivially atomic. It exists for tests and embedded single-process
// use; it evaluates the filter and update operator subset the engine emits
// ($set, $unset, $inc, $lt, $lte, $gt, $gte, $ne, $exists, $in, $or, $and)
// plus dotted payload paths.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   []*Job
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: []*Job{}}
}

func (s *MemoryStore) Insert(ctx context.Context, job *Job) (*Job, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if job == nil {
		return nil, queueError(ErrInvalidArgument, "job is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneJob(job)
	if stored.ID.IsZero() {
		stored.ID = primitive.NewObjectID()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	for _, existing := range s.jobs {
		if existing.ID == stored.ID {
			return nil, queueError(ErrConflict, "duplicate job id")
		}
	}
	s.jobs = append(s.jobs, stored)
	return cloneJob(stored), nil
}

func (s *MemoryStore) Find(ctx context.Context, filter bson.M) ([]*Job, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Job
	for _, job := range s.jobs {
		if matchFilter(job, filter) {
			out = append(out, cloneJob(job))
		}
	}
	return out, nil
}

func (s *MemoryStore) ClaimOne(ctx context.Context, filter bson.M, patch bson.M, sortSpec bson.D) (*Job, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*Job
	for _, job := range s.jobs {
		if matchFilter(job, filter) {
			matched = append(matched, job)
		}
	}
	if len(matched) == 0 {
		return nil, nil
	}
	sortJobs(matched, sortSpec)

	target := matched[0]
	if err := applyUpdate(target, patch); err != nil {
		return nil, err
	}
	return cloneJob(target), nil
}

func (s *MemoryStore) DeleteOne(ctx context.Context, filter bson.M) (bool, error) {
	if err := s.ensureOpen(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for idx, job := range s.jobs {
		if matchFilter(job, filter) {
			s.jobs = append(s.jobs[:idx], s.jobs[idx+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) UpdateMany(ctx context.Context, filter, patch bson.M) (int64, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var modified int64
	for _, job := range s.jobs {
		if matchFilter(job, filter) {
			if err := applyUpdate(job, patch); err != nil {
				return modified, err
			}
			modified++
		}
	}
	return modified, nil
}

func (s *MemoryStore) DeleteMany(ctx context.Context, filter bson.M) (int64, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []*Job
	var deleted int64
	for _, job := range s.jobs {
		if matchFilter(job, filter) {
			deleted++
			continue
		}
		kept = append(kept, job)
	}
	s.jobs = kept
	return deleted, nil
}

func (s *MemoryStore) Count(ctx context.Context, filter bson.M) (int64, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, job := range s.jobs {
		if matchFilter(job, filter) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) InsertManyBestEffort(ctx context.Context, jobs []*Job) (int64, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}

	var inserted int64
	for _, job := range jobs {
		if _, err := s.Insert(ctx, job); err != nil {
			continue
		}
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) Drop(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = []*Job{}
	return nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return s.ensureOpen()
}

func (s *MemoryStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) ensureOpen() error {
	if s == nil {
		return queueError(ErrNotInitialized, "memory store is not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return queueError(ErrClosed, "memory store is closed")
	}
	return nil
}

// jobField reads a control field or dotted payload path as a comparable
// value. Empty strings and nil timestamps read as nil, matching how the
// document store treats an absent field.
func jobField(job *Job, name string) any {
	switch name {
	case "_id":
		return job.ID
	case "payload":
		return job.Payload
	case "priority":
		return job.Priority
	case "attempts":
		return job.Attempts
	case "locked_by":
		return nilIfEmpty(job.LockedBy)
	case "last_error":
		return nilIfEmpty(job.LastError)
	case "locked_at":
		return nilIfNoTime(job.LockedAt)
	case "keep_alive_at":
		return nilIfNoTime(job.KeepAliveAt)
	case "active_at":
		return nilIfNoTime(job.ActiveAt)
	case "created_at":
		return job.CreatedAt
	}
	if rest, ok := strings.CutPrefix(name, "payload."); ok && job.Payload != nil {
		if value, found := job.Payload[rest]; found {
			return value
		}
	}
	return nil
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nilIfNoTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return *value
}

func matchFilter(job *Job, filter bson.M) bool {
	for key, cond := range filter {
		switch key {
		case "$or":
			if !matchAnyClause(job, cond) {
				return false
			}
		case "$and":
			if !matchAllClauses(job, cond) {
				return false
			}
		default:
			if !matchCondition(jobField(job, key), cond) {
				return false
			}
		}
	}
	return true
}

func matchAnyClause(job *Job, clauses any) bool {
	for _, clause := range filterClauses(clauses) {
		if matchFilter(job, clause) {
			return true
		}
	}
	return false
}

func matchAllClauses(job *Job, clauses any) bool {
	for _, clause := range filterClauses(clauses) {
		if !matchFilter(job, clause) {
			return false
		}
	}
	return true
}

func filterClauses(clauses any) []bson.M {
	switch typed := clauses.(type) {
	case []bson.M:
		return typed
	case []any:
		out := make([]bson.M, 0, len(typed))
		for _, clause := range typed {
			if m, ok := clause.(bson.M); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func matchCondition(value any, cond any) bool {
	if ops, ok := cond.(bson.M); ok && hasOperator(ops) {
		for op, arg := range ops {
			if !matchOperator(value, op, arg) {
				return false
			}
		}
		return true
	}
	return equalValues(value, cond)
}

func hasOperator(doc bson.M) bool {
	for key := range doc {
		if strings.HasPrefix(key, "$") {
			return true
		}
	}
	return false
}

func matchOperator(value any, op string, arg any) bool {
	switch op {
	case "$ne":
		return !equalValues(value, arg)
	case "$exists":
		wantPresent, _ := arg.(bool)
		return (value != nil) == wantPresent
	case "$in":
		for _, candidate := range asSlice(arg) {
			if equalValues(value, candidate) {
				return true
			}
		}
		return false
	case "$lt", "$lte", "$gt", "$gte":
		if value == nil {
			return false
		}
		order, comparable := compareValues(value, arg)
		if !comparable {
			return false
		}
		switch op {
		case "$lt":
			return order < 0
		case "$lte":
			return order <= 0
		case "$gt":
			return order > 0
		default:
			return order >= 0
		}
	}
	return false
}

func asSlice(arg any) []any {
	switch typed := arg.(type) {
	case []any:
		return typed
	case bson.A:
		return typed
	case []string:
		out := make([]any, len(typed))
		for idx, v := range typed {
			out[idx] = v
		}
		return out
	}
	return nil
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if order, comparable := compareValues(a, b); comparable {
		return order == 0
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders mixed numeric, string, time and ObjectID values the
// way the store's comparisons would.
func compareValues(a, b any) (int, bool) {
	if aNum, ok := asFloat(a); ok {
		if bNum, bok := asFloat(b); bok {
			switch {
			case aNum < bNum:
				return -1, true
			case aNum > bNum:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}

	switch aTyped := a.(type) {
	case string:
		if bTyped, ok := b.(string); ok {
			return strings.Compare(aTyped, bTyped), true
		}
	case time.Time:
		if bTyped, ok := asTime(b); ok {
			switch {
			case aTyped.Before(bTyped):
				return -1, true
			case aTyped.After(bTyped):
				return 1, true
			default:
				return 0, true
			}
		}
	case primitive.ObjectID:
		if bTyped, ok := b.(primitive.ObjectID); ok {
			return strings.Compare(aTyped.Hex(), bTyped.Hex()), true
		}
	}
	return 0, false
}

func asFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case int:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case float32:
		return float64(typed), true
	case float64:
		return typed, true
	}
	return 0, false
}

func asTime(value any) (time.Time, bool) {
	switch typed := value.(type) {
	case time.Time:
		return typed, true
	case *time.Time:
		if typed != nil {
			return *typed, true
		}
	case primitive.DateTime:
		return typed.Time(), true
	}
	return time.Time{}, false
}

func sortJobs(jobs []*Job, spec bson.D) {
	if len(spec) == 0 {
		return
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		for _, field := range spec {
			order, comparable := compareValues(jobField(jobs[i], field.Key), jobField(jobs[j], field.Key))
			if !comparable || order == 0 {
				continue
			}
			if direction, ok := asFloat(field.Value); ok && direction < 0 {
				return order > 0
			}
			return order < 0
		}
		return false
	})
}

func applyUpdate(job *Job, update bson.M) error {
	for op, doc := range update {
		fields, ok := doc.(bson.M)
		if !ok {
			return queueError(ErrInvalidArgument, fmt.Sprintf("unsupported update document for %s", op))
		}
		switch op {
		case "$set":
			for name, value := range fields {
				if err := setJobField(job, name, value); err != nil {
					return err
				}
			}
		case "$unset":
			for name := range fields {
				unsetJobField(job, name)
			}
		case "$inc":
			for name, value := range fields {
				delta, ok := asFloat(value)
				if !ok {
					return queueError(ErrInvalidArgument, fmt.Sprintf("non-numeric $inc for %s", name))
				}
				if err := incJobField(job, name, int(delta)); err != nil {
					return err
				}
			}
		default:
			return queueError(ErrInvalidArgument, fmt.Sprintf("unsupported update operator %s", op))
		}
	}
	return nil
}

func setJobField(job *Job, name string, value any) error {
	switch name {
	case "priority":
		if num, ok := asFloat(value); ok {
			job.Priority = int(num)
			return nil
		}
	case "attempts":
		if num, ok := asFloat(value); ok {
			job.Attempts = int(num)
			return nil
		}
	case "locked_by":
		if s, ok := value.(string); ok {
			job.LockedBy = s
			return nil
		}
	case "last_error":
		if s, ok := value.(string); ok {
			job.LastError = s
			return nil
		}
	case "locked_at":
		if t, ok := asTime(value); ok {
			job.LockedAt = &t
			return nil
		}
	case "keep_alive_at":
		if t, ok := asTime(value); ok {
			job.KeepAliveAt = &t
			return nil
		}
	case "active_at":
		if t, ok := asTime(value); ok {
			job.ActiveAt = &t
			return nil
		}
	case "created_at":
		if t, ok := asTime(value); ok {
			job.CreatedAt = t
			return nil
		}
	case "payload":
		if m, ok := value.(bson.M); ok {
			job.Payload = clonePayload(m)
			return nil
		}
	default:
		if rest, found := strings.CutPrefix(name, "payload."); found {
			if job.Payload == nil {
				job.Payload = bson.M{}
			}
			job.Payload[rest] = value
			return nil
		}
	}
	return queueError(ErrInvalidArgument, fmt.Sprintf("cannot set field %s", name))
}

func unsetJobField(job *Job, name string) {
	switch name {
	case "locked_by":
		job.LockedBy = ""
	case "last_error":
		job.LastError = ""
	case "locked_at":
		job.LockedAt = nil
	case "keep_alive_at":
		job.KeepAliveAt = nil
	case "active_at":
		job.ActiveAt = nil
	default:
		if rest, found := strings.CutPrefix(name, "payload."); found && job.Payload != nil {
			delete(job.Payload, rest)
		}
	}
}

func incJobField(job *Job, name string, delta int) error {
	switch name {
	case "priority":
		job.Priority += delta
		return nil
	case "attempts":
		job.Attempts += delta
		return nil
	}
	return queueError(ErrInvalidArgument, fmt.Sprintf("cannot increment field %s", name))
}
