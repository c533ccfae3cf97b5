package queue

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Job is one unit of work in the queue. Control fields drive the lease
// protocol; Payload is caller data the queue never inspects.
type Job struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Payload     bson.M             `bson:"payload" json:"payload"`
	Priority    int                `bson:"priority" json:"priority"`
	Attempts    int                `bson:"attempts" json:"attempts"`
	LockedBy    string             `bson:"locked_by,omitempty" json:"locked_by,omitempty"`
	LockedAt    *time.Time         `bson:"locked_at,omitempty" json:"locked_at,omitempty"`
	KeepAliveAt *time.Time         `bson:"keep_alive_at,omitempty" json:"keep_alive_at,omitempty"`
	ActiveAt    *time.Time         `bson:"active_at,omitempty" json:"active_at,omitempty"`
	LastError   string             `bson:"last_error,omitempty" json:"last_error,omitempty"`
	CreatedAt   time.Time          `bson:"created_at" json:"created_at"`
}

// Locked reports whether the job currently carries a lease.
func (j *Job) Locked() bool {
	return j != nil && j.LockedBy != ""
}

// Exhausted reports whether the job has used up its retry budget.
func (j *Job) Exhausted(maxAttempts int) bool {
	return j != nil && j.Attempts >= maxAttempts
}

// Eligible reports whether the job could be claimed at the given instant.
func (j *Job) Eligible(maxAttempts int, now time.Time) bool {
	if j == nil || j.Locked() || j.Exhausted(maxAttempts) {
		return false
	}
	return j.ActiveAt == nil || !j.ActiveAt.After(now)
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	copyJob := *job
	copyJob.Payload = clonePayload(job.Payload)
	if job.LockedAt != nil {
		lockedAt := *job.LockedAt
		copyJob.LockedAt = &lockedAt
	}
	if job.KeepAliveAt != nil {
		keepAliveAt := *job.KeepAliveAt
		copyJob.KeepAliveAt = &keepAliveAt
	}
	if job.ActiveAt != nil {
		activeAt := *job.ActiveAt
		copyJob.ActiveAt = &activeAt
	}
	return &copyJob
}

func clonePayload(input bson.M) bson.M {
	if input == nil {
		return nil
	}
	out := make(bson.M, len(input))
	for k, v := range input {
		out[k] = v
	}
	return out
}
