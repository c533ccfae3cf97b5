package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mongoq/mongoq/pkg/observability/logger"
	"github.com/mongoq/mongoq/pkg/store/mongodb"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements Store on one MongoDB collection. ClaimOne maps to
// findAndModify, which the server executes under a per-document lock: two
// concurrent claims never both select the same document, which is the
// property the whole lease protocol rests on.
type MongoStore struct {
	adapter    *mongodb.Adapter
	collection string
	log        logger.Logger
}

// NewMongoStore creates a Store over one collection of the given adapter.
func NewMongoStore(adapter *mongodb.Adapter, collection string, log logger.Logger) (*MongoStore, error) {
	if adapter == nil {
		return nil, queueError(ErrInvalidArgument, "mongodb adapter is required")
	}
	if log == nil {
		return nil, queueError(ErrInvalidArgument, "logger is required")
	}
	collection = strings.TrimSpace(collection)
	if collection == "" {
		collection = DefaultCollection
	}

	return &MongoStore{
		adapter:    adapter,
		collection: collection,
		log:        log,
	}, nil
}

func (s *MongoStore) Insert(ctx context.Context, job *Job) (*Job, error) {
	if s == nil || s.adapter == nil {
		return nil, queueError(ErrNotInitialized, "mongo store is not initialized")
	}
	if job == nil {
		return nil, queueError(ErrInvalidArgument, "job is required")
	}

	stored := cloneJob(job)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	result, err := s.adapter.InsertOne(ctx, s.collection, stored)
	if err != nil {
		return nil, fmt.Errorf("insert job failed: %w", err)
	}
	if stored.ID.IsZero() {
		if oid, ok := result.InsertedID.(primitive.ObjectID); ok {
			stored.ID = oid
		}
	}
	return stored, nil
}

func (s *MongoStore) Find(ctx context.Context, filter bson.M) ([]*Job, error) {
	if s == nil || s.adapter == nil {
		return nil, queueError(ErrNotInitialized, "mongo store is not initialized")
	}

	var jobs []*Job
	if err := s.adapter.Find(ctx, s.collection, orEmpty(filter), &jobs); err != nil {
		return nil, fmt.Errorf("find jobs failed: %w", err)
	}
	return jobs, nil
}

func (s *MongoStore) ClaimOne(ctx context.Context, filter bson.M, patch bson.M, sortSpec bson.D) (*Job, error) {
	if s == nil || s.adapter == nil {
		return nil, queueError(ErrNotInitialized, "mongo store is not initialized")
	}

	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After)
	if len(sortSpec) > 0 {
		opts.SetSort(sortSpec)
	}

	var job Job
	err := s.adapter.FindOneAndUpdate(ctx, s.collection, orEmpty(filter), patch, opts, &job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job failed: %w", err)
	}
	return &job, nil
}

func (s *MongoStore) DeleteOne(ctx context.Context, filter bson.M) (bool, error) {
	if s == nil || s.adapter == nil {
		return false, queueError(ErrNotInitialized, "mongo store is not initialized")
	}

	result, err := s.adapter.DeleteOne(ctx, s.collection, orEmpty(filter))
	if err != nil {
		return false, fmt.Errorf("delete job failed: %w", err)
	}
	return result.DeletedCount == 1, nil
}

func (s *MongoStore) UpdateMany(ctx context.Context, filter, patch bson.M) (int64, error) {
	if s == nil || s.adapter == nil {
		return 0, queueError(ErrNotInitialized, "mongo store is not initialized")
	}

	result, err := s.adapter.UpdateMany(ctx, s.collection, orEmpty(filter), patch)
	if err != nil {
		return 0, fmt.Errorf("update jobs failed: %w", err)
	}
	return result.ModifiedCount, nil
}

func (s *MongoStore) DeleteMany(ctx context.Context, filter bson.M) (int64, error) {
	if s == nil || s.adapter == nil {
		return 0, queueError(ErrNotInitialized, "mongo store is not initialized")
	}

	result, err := s.adapter.DeleteMany(ctx, s.collection, orEmpty(filter))
	if err != nil {
		return 0, fmt.Errorf("delete jobs failed: %w", err)
	}
	return result.DeletedCount, nil
}

func (s *MongoStore) Count(ctx context.Context, filter bson.M) (int64, error) {
	if s == nil || s.adapter == nil {
		return 0, queueError(ErrNotInitialized, "mongo store is not initialized")
	}
	return s.adapter.CountDocuments(ctx, s.collection, orEmpty(filter))
}

// InsertManyBestEffort inserts with ordered=false so one rejected document
// does not abort the batch. Every per-document failure is logged.
func (s *MongoStore) InsertManyBestEffort(ctx context.Context, jobs []*Job) (int64, error) {
	if s == nil || s.adapter == nil {
		return 0, queueError(ErrNotInitialized, "mongo store is not initialized")
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	docs := make([]interface{}, 0, len(jobs))
	for _, job := range jobs {
		docs = append(docs, job)
	}

	_, err := s.adapter.InsertMany(ctx, s.collection, docs, false)
	if err != nil {
		var bulkErr mongo.BulkWriteException
		if errors.As(err, &bulkErr) {
			for _, writeErr := range bulkErr.WriteErrors {
				s.log.Error("archive insert failed for document",
					"collection", s.collection, "index", writeErr.Index,
					"code", writeErr.Code, "error", writeErr.Message)
			}
			inserted := int64(len(jobs) - len(bulkErr.WriteErrors))
			if inserted < 0 {
				inserted = 0
			}
			return inserted, nil
		}
		return 0, fmt.Errorf("insert jobs failed: %w", err)
	}
	return int64(len(jobs)), nil
}

func (s *MongoStore) Drop(ctx context.Context) error {
	if s == nil || s.adapter == nil {
		return queueError(ErrNotInitialized, "mongo store is not initialized")
	}
	return s.adapter.DropCollection(ctx, s.collection)
}

// Stats produces all four counters inside one aggregation command. The
// pipeline runs against a single cursor snapshot, so the numbers are
// mutually consistent without any server-side locking.
func (s *MongoStore) Stats(ctx context.Context, maxAttempts int) (*Stats, error) {
	if s == nil || s.adapter == nil {
		return nil, queueError(ErrNotInitialized, "mongo store is not initialized")
	}

	now := time.Now().UTC()
	pipeline := []bson.M{{
		"$facet": bson.M{
			"available": []bson.M{{"$match": eligibleFilter(maxAttempts, now)}, {"$count": "n"}},
			"locked":    []bson.M{{"$match": lockedFilter()}, {"$count": "n"}},
			"errors":    []bson.M{{"$match": exhaustedFilter(maxAttempts)}, {"$count": "n"}},
			"total":     []bson.M{{"$count": "n"}},
		},
	}}

	var facets []struct {
		Available []facetCount `bson:"available"`
		Locked    []facetCount `bson:"locked"`
		Errors    []facetCount `bson:"errors"`
		Total     []facetCount `bson:"total"`
	}
	if err := s.adapter.Aggregate(ctx, s.collection, pipeline, &facets); err != nil {
		return nil, fmt.Errorf("stats aggregation failed: %w", err)
	}
	if len(facets) == 0 {
		return &Stats{}, nil
	}

	return &Stats{
		Available: facetValue(facets[0].Available),
		Locked:    facetValue(facets[0].Locked),
		Errors:    facetValue(facets[0].Errors),
		Total:     facetValue(facets[0].Total),
	}, nil
}

func (s *MongoStore) HealthCheck(ctx context.Context) error {
	if s == nil || s.adapter == nil {
		return queueError(ErrNotInitialized, "mongo store is not initialized")
	}
	return s.adapter.HealthCheck(ctx)
}

// Close is a no-op: the adapter owns the client connection and may be shared
// between the primary and archive stores.
func (s *MongoStore) Close() error {
	return nil
}

type facetCount struct {
	N int64 `bson:"n"`
}

func facetValue(counts []facetCount) int64 {
	if len(counts) == 0 {
		return 0
	}
	return counts[0].N
}

func orEmpty(filter bson.M) bson.M {
	if filter == nil {
		return bson.M{}
	}
	return filter
}
