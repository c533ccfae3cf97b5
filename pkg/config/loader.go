package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Loader loads and validates configuration.
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader with precedence ENV > file > defaults.
type ViperLoader struct {
	configFile string
	envPrefix  string
}

// NewViperLoader creates a loader. configFile may be empty; envPrefix is the
// environment variable prefix (for example "MONGOQ").
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// Load reads defaults, then the config file when given, then environment
// variables, and validates the result.
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	v.SetEnvPrefix(l.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the loaded configuration for unusable values.
func (l *ViperLoader) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Mongo.URL) == "" {
		return fmt.Errorf("mongo.url is required")
	}
	if strings.TrimSpace(cfg.Mongo.Database) == "" {
		return fmt.Errorf("mongo.database is required")
	}
	if strings.TrimSpace(cfg.Queue.Collection) == "" {
		return fmt.Errorf("queue.collection is required")
	}
	if cfg.Queue.Attempts <= 0 {
		return fmt.Errorf("queue.attempts must be positive, got %d", cfg.Queue.Attempts)
	}
	if cfg.Queue.Timeout <= 0 {
		return fmt.Errorf("queue.timeout must be positive, got %s", cfg.Queue.Timeout)
	}
	if cfg.Worker.Concurrency < 0 {
		return fmt.Errorf("worker.concurrency cannot be negative, got %d", cfg.Worker.Concurrency)
	}
	if _, err := parseLevel(cfg.Logging.Level); err != nil {
		return err
	}
	if _, err := parseFormat(cfg.Logging.Format); err != nil {
		return err
	}
	return nil
}

func (l *ViperLoader) setDefaults(v *viper.Viper, defaults *Config) {
	v.SetDefault("mongo.url", defaults.Mongo.URL)
	v.SetDefault("mongo.database", defaults.Mongo.Database)
	v.SetDefault("mongo.connect_timeout", defaults.Mongo.ConnectTimeout)
	v.SetDefault("mongo.operation_timeout", defaults.Mongo.OperationTimeout)

	v.SetDefault("queue.collection", defaults.Queue.Collection)
	v.SetDefault("queue.archive_collection", defaults.Queue.ArchiveCollection)
	v.SetDefault("queue.attempts", defaults.Queue.Attempts)
	v.SetDefault("queue.timeout", defaults.Queue.Timeout)

	v.SetDefault("worker.id", defaults.Worker.ID)
	v.SetDefault("worker.concurrency", defaults.Worker.Concurrency)
	v.SetDefault("worker.poll_interval", defaults.Worker.PollInterval)
	v.SetDefault("worker.heartbeat_interval", defaults.Worker.HeartbeatInterval)
	v.SetDefault("worker.retry_delay", defaults.Worker.RetryDelay)
	v.SetDefault("worker.stop_timeout", defaults.Worker.StopTimeout)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
}

// bindEnvVars binds every nested key explicitly so viper resolves them
// without requiring AutomaticEnv key guessing.
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	keys := []string{
		"mongo.url",
		"mongo.database",
		"mongo.connect_timeout",
		"mongo.operation_timeout",
		"queue.collection",
		"queue.archive_collection",
		"queue.attempts",
		"queue.timeout",
		"worker.id",
		"worker.concurrency",
		"worker.poll_interval",
		"worker.heartbeat_interval",
		"worker.retry_delay",
		"worker.stop_timeout",
		"logging.level",
		"logging.format",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

func parseLevel(level string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "info", "warn", "warning", "error":
		return level, nil
	default:
		return "", fmt.Errorf("invalid logging.level: %s", level)
	}
}

func parseFormat(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json", "text", "console":
		return format, nil
	default:
		return "", fmt.Errorf("invalid logging.format: %s", format)
	}
}
