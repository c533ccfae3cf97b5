package config

import (
	"time"
)

// Config is the root configuration for a queue process.
type Config struct {
	Mongo   MongoConfig   `mapstructure:"mongo"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// MongoConfig holds document store connection settings.
type MongoConfig struct {
	URL              string        `mapstructure:"url"`
	Database         string        `mapstructure:"database"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// QueueConfig holds queue behavior settings.
type QueueConfig struct {
	Collection        string        `mapstructure:"collection"`
	ArchiveCollection string        `mapstructure:"archive_collection"`
	// Attempts is the retry budget before a job counts as exhausted.
	Attempts int `mapstructure:"attempts"`
	// Timeout is how long a lease may go without a heartbeat before cleanup
	// reclaims it.
	Timeout time.Duration `mapstructure:"timeout"`
}

// WorkerConfig holds poll/process loop settings.
type WorkerConfig struct {
	ID                string        `mapstructure:"id"`
	Concurrency       int           `mapstructure:"concurrency"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	StopTimeout       time.Duration `mapstructure:"stop_timeout"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Mongo: MongoConfig{
			URL:              "mongodb://localhost:27017",
			Database:         "mongoq",
			ConnectTimeout:   5 * time.Second,
			OperationTimeout: 5 * time.Second,
		},
		Queue: QueueConfig{
			Collection:        "mongo_queue",
			ArchiveCollection: "mongo_queue_archive",
			Attempts:          3,
			Timeout:           300 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency:  1,
			PollInterval: time.Second,
			RetryDelay:   30 * time.Second,
			StopTimeout:  10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
