package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mongoq/mongoq/pkg/config"
	"github.com/mongoq/mongoq/pkg/health"
	"github.com/mongoq/mongoq/pkg/observability/logger"
	"github.com/mongoq/mongoq/pkg/queue"
	"github.com/mongoq/mongoq/pkg/store/mongodb"
	"github.com/mongoq/mongoq/pkg/version"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"
)

const serviceName = "mongoq"

type rootOptions struct {
	configFile string
	envPrefix  string
}

// NewRootCommand builds the mongoq operator command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Operate a MongoDB-backed work queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to configuration file")
	root.PersistentFlags().StringVar(&opts.envPrefix, "env-prefix", "MONGOQ", "environment variable prefix")

	root.AddCommand(
		newStatsCommand(opts),
		newCleanupCommand(opts),
		newPurgeCommand(opts),
		newFlushCommand(opts),
		newInsertCommand(opts),
		newPingCommand(opts),
		newVersionCommand(),
	)
	return root
}

// Execute runs the root command and returns a process exit code.
func Execute() int {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print queue depth counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(opts, func(ctx context.Context, engine *queue.Engine, log logger.Logger) error {
				stats, err := engine.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	}
}

func newCleanupCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Reclaim leases with stale heartbeats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(opts, func(ctx context.Context, engine *queue.Engine, log logger.Logger) error {
				reclaimed, err := engine.Cleanup(ctx)
				if err != nil {
					return err
				}
				cmd.Printf("reclaimed %d stale leases\n", reclaimed)
				return nil
			})
		},
	}
}

func newPurgeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Archive permanently exhausted jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(opts, func(ctx context.Context, engine *queue.Engine, log logger.Logger) error {
				result, err := engine.Purge(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
	}
}

func newFlushCommand(opts *rootOptions) *cobra.Command {
	var confirmed bool

	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Drop every job in the queue (destructive)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return fmt.Errorf("flush removes every job; re-run with --yes to confirm")
			}
			return withEngine(opts, func(ctx context.Context, engine *queue.Engine, log logger.Logger) error {
				return engine.Flush(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "confirm the destructive flush")
	return cmd
}

func newInsertCommand(opts *rootOptions) *cobra.Command {
	var priority int
	var payloadJSON string

	cmd := &cobra.Command{
		Use:   "insert",
		Short: "Insert a job with a JSON payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := bson.M{}
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("invalid payload JSON: %w", err)
				}
			}
			return withEngine(opts, func(ctx context.Context, engine *queue.Engine, log logger.Logger) error {
				job, err := engine.Insert(ctx, payload, &queue.InsertOptions{Priority: priority})
				if err != nil {
					return err
				}
				return printJSON(cmd, job)
			})
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "job priority, higher claims first")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "job payload as a JSON object")
	return cmd
}

func newPingCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check store connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(opts, func(ctx context.Context, engine *queue.Engine, log logger.Logger) error {
				checker := health.NewStoreChecker("queue-store", engine)
				result := checker.Check(ctx)
				if result.Status != health.StatusHealthy {
					return fmt.Errorf("store unhealthy: %s", result.Error)
				}
				cmd.Printf("%s: %s (%s)\n", result.Name, result.Status, result.Duration)
				return nil
			})
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version metadata",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version.Current(serviceName).String())
		},
	}
}

// withEngine loads configuration, wires logger, store and engine, runs fn
// under a signal-aware context, and tears everything down afterwards.
func withEngine(opts *rootOptions, fn func(context.Context, *queue.Engine, logger.Logger) error) error {
	cfg, err := config.NewViperLoader(opts.configFile, opts.envPrefix).Load()
	if err != nil {
		return err
	}

	log, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}

	adapter, err := mongodb.NewAdapter(mongodb.Config{
		URL:              cfg.Mongo.URL,
		Database:         cfg.Mongo.Database,
		ConnectTimeout:   cfg.Mongo.ConnectTimeout,
		OperationTimeout: cfg.Mongo.OperationTimeout,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		_ = adapter.Close()
	}()

	primary, err := queue.NewMongoStore(adapter, cfg.Queue.Collection, log)
	if err != nil {
		return err
	}
	archive, err := queue.NewMongoStore(adapter, cfg.Queue.ArchiveCollection, log)
	if err != nil {
		return err
	}

	engine, err := queue.NewEngine(primary, archive, log, queue.Config{
		Collection:        cfg.Queue.Collection,
		ArchiveCollection: cfg.Queue.ArchiveCollection,
		MaxAttempts:       cfg.Queue.Attempts,
		LockTimeout:       cfg.Queue.Timeout,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return fn(ctx, engine, log)
}

func buildLogger(cfg config.LoggingConfig) (logger.Logger, error) {
	level, err := logger.ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format, err := logger.ParseLogFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	return logger.NewZapLogger(logger.Config{Level: level, Format: format})
}

func printJSON(cmd *cobra.Command, value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(encoded))
	return nil
}
