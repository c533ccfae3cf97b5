package queue

import (
	"strings"
	"time"
)

const (
	// DefaultCollection is the primary job collection name.
	DefaultCollection = "mongo_queue"
	// DefaultArchiveCollection receives permanently exhausted jobs on purge.
	DefaultArchiveCollection = "mongo_queue_archive"
	// DefaultMaxAttempts is the retry budget before a job counts as exhausted.
	DefaultMaxAttempts = 3
	// DefaultLockTimeout is how long a lease may go without a heartbeat
	// before cleanup treats it as abandoned.
	DefaultLockTimeout = 300 * time.Second
)

// Config holds engine options. It is normalized once at construction and
// passed by value; there is no mutable global state.
type Config struct {
	Collection        string
	ArchiveCollection string
	MaxAttempts       int
	LockTimeout       time.Duration
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Collection) == "" {
		c.Collection = DefaultCollection
	}
	if strings.TrimSpace(c.ArchiveCollection) == "" {
		c.ArchiveCollection = DefaultArchiveCollection
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
}
