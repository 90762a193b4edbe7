// Package cli provides the standard command surface for coordination worker
// services: version, worker, and config subcommands built on cobra.
package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shelfwise/shelfwise/pkg/config"
	"github.com/shelfwise/shelfwise/pkg/jobs"
	"github.com/shelfwise/shelfwise/pkg/observability/logger"
	redisstore "github.com/shelfwise/shelfwise/pkg/store/redis"
	s3store "github.com/shelfwise/shelfwise/pkg/store/s3"
	"github.com/shelfwise/shelfwise/pkg/version"
)

const redactedValue = "***"

// Dependencies bundles the shared adapters the worker process owns. They are
// constructed once per process and handed to the service's worker
// configuration callback.
type Dependencies struct {
	// Coordination is the Redis adapter shared by locks, upload sessions,
	// and identifier sets.
	Coordination *redisstore.Adapter
	// ObjectStorage is nil when no bucket is configured.
	ObjectStorage *s3store.Adapter
}

// ServiceCommandOptions defines callbacks for service-specific logic.
type ServiceCommandOptions struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string

	// Optional: custom config validation (runs after built-in validation).
	ValidateConfig func(cfg *config.Config) error

	// Required for the worker command: registers job handlers.
	ConfigureWorker func(cfg *config.Config, log logger.Logger, deps Dependencies, worker jobs.Worker) error

	// Optional: additional service-specific commands.
	CustomCommands []*cobra.Command
}

// NewServiceCommand creates a standardized CLI with version, worker, and
// config subcommands.
func NewServiceCommand(opts ServiceCommandOptions) *cobra.Command {
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = "SHELFWISE"
	}

	rootCmd := &cobra.Command{
		Use:   opts.Name,
		Short: opts.Description,
	}

	var cfgPath string
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", opts.ConfigPath, "config file path")

	loadConfig := func() (*config.Config, logger.Logger, error) {
		return LoadConfigAndLogger(cfgPath, opts.EnvPrefix, opts.ValidateConfig)
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Current(opts.Name)
			fmt.Printf("Service:    %s\n", info.Service)
			fmt.Printf("Version:    %s\n", info.Version)
			fmt.Printf("Commit:     %s\n", info.Commit)
			fmt.Printf("Build Time: %s\n", info.BuildTime)
		},
	})

	if opts.ConfigureWorker != nil {
		var (
			queues      []string
			concurrency int
		)

		workerCmd := &cobra.Command{
			Use:   "worker",
			Short: "Run the coordination queue worker",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, log, err := loadConfig()
				if err != nil {
					return err
				}

				deps, err := buildDependencies(cfg, log)
				if err != nil {
					return err
				}
				defer closeDependencies(deps, log)

				backend, err := newJobsBackend(cfg, log)
				if err != nil {
					return err
				}
				defer closeJobsBackend(backend, log)

				workerConcurrency := cfg.Jobs.Concurrency
				if concurrency > 0 {
					workerConcurrency = concurrency
				}
				worker, err := jobs.NewWorker(backend, log, jobs.WorkerConfig{
					Queues:         resolveWorkerQueues(queues, cfg.Jobs.DefaultQueue),
					Concurrency:    workerConcurrency,
					LeaseTTL:       cfg.Jobs.LeaseTTL,
					ReserveTimeout: cfg.Jobs.ReserveTimeout,
					StopTimeout:    cfg.Jobs.StopTimeout,
					Retry: jobs.RetryPolicy{
						MaxAttempts:    cfg.Jobs.MaxAttempts,
						MaxBackoff:     cfg.Jobs.MaxBackoff,
						AttemptTimeout: cfg.Jobs.AttemptTimeout,
					},
					DLQ: jobs.DLQPolicy{
						Enabled: cfg.Jobs.DLQEnabled,
					},
				})
				if err != nil {
					return fmt.Errorf("create worker: %w", err)
				}
				if err := opts.ConfigureWorker(cfg, log, deps, worker); err != nil {
					return fmt.Errorf("configure worker: %w", err)
				}

				runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return worker.Start(runCtx)
			},
		}
		workerCmd.Flags().StringSliceVar(&queues, "queue", []string{}, "queue names to consume (repeatable)")
		workerCmd.Flags().IntVar(&concurrency, "concurrency", 0, "workers per queue (overrides jobs.concurrency)")
		rootCmd.AddCommand(workerCmd)
		rootCmd.RunE = workerCmd.RunE
	}

	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Dead-letter queue commands",
	}

	var dlqQueue string
	var dlqLimit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter entries for a queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			backend, err := newJobsBackend(cfg, log)
			if err != nil {
				return err
			}
			defer closeJobsBackend(backend, log)

			queue := resolveDLQQueue(dlqQueue, cfg.Jobs.DefaultQueue)
			entries, err := backend.ListDLQ(cmd.Context(), queue, dlqLimit)
			if err != nil {
				return fmt.Errorf("list dlq for %s: %w", queue, err)
			}
			if len(entries) == 0 {
				fmt.Printf("no dead-letter entries for %s\n", queue)
				return nil
			}
			for _, entry := range entries {
				fmt.Printf("%s\t%s\t%s\t%s\n",
					entry.ID,
					entry.Job.Name,
					entry.FailedAt.Format(time.RFC3339),
					entry.Reason,
				)
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&dlqQueue, "queue", "", "original queue name (defaults to jobs.default_queue)")
	listCmd.Flags().IntVar(&dlqLimit, "limit", 50, "maximum entries to list")
	dlqCmd.AddCommand(listCmd)

	var replayQueue string
	replayCmd := &cobra.Command{
		Use:   "replay <job-id> [job-id...]",
		Short: "Re-enqueue dead-letter entries to their original queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			backend, err := newJobsBackend(cfg, log)
			if err != nil {
				return err
			}
			defer closeJobsBackend(backend, log)

			queue := resolveDLQQueue(replayQueue, cfg.Jobs.DefaultQueue)
			replayed, err := backend.ReplayDLQ(cmd.Context(), queue, args)
			if err != nil {
				return fmt.Errorf("replay dlq for %s: %w", queue, err)
			}
			fmt.Printf("replayed %d of %d entries\n", replayed, len(args))
			return nil
		},
	}
	replayCmd.Flags().StringVar(&replayQueue, "queue", "", "original queue name (defaults to jobs.default_queue)")
	dlqCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(dlqCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Println("configuration is valid")
			return nil
		},
	})

	var showSecrets bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			formatted, err := formatSettings(cfg, showSecrets)
			if err != nil {
				return err
			}
			fmt.Print(formatted)
			return nil
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "show secret values")
	configCmd.AddCommand(showCmd)
	rootCmd.AddCommand(configCmd)

	for _, customCmd := range opts.CustomCommands {
		rootCmd.AddCommand(customCmd)
	}

	return rootCmd
}

// LoadConfigAndLogger loads configuration and builds the process logger from
// its observability section.
func LoadConfigAndLogger(cfgPath, envPrefix string, validate func(*config.Config) error) (*config.Config, logger.Logger, error) {
	cfg, err := config.NewViperLoader(cfgPath, envPrefix).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if validate != nil {
		if err := validate(cfg); err != nil {
			return nil, nil, fmt.Errorf("custom validation failed: %w", err)
		}
	}

	log, err := logger.NewZapLogger(logger.Config{
		Level:  logger.LogLevel(strings.ToLower(cfg.Observability.LogLevel)),
		Format: logger.LogFormat(strings.ToLower(cfg.Observability.LogFormat)),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	return cfg, log, nil
}

func buildDependencies(cfg *config.Config, log logger.Logger) (Dependencies, error) {
	coordination, err := redisstore.NewAdapter(redisstore.Config{
		URL:              cfg.Coordination.URL,
		KeyPrefix:        cfg.Coordination.KeyPrefix,
		MaxConns:         cfg.Coordination.MaxConns,
		OperationTimeout: cfg.Coordination.OperationTimeout,
	}, log)
	if err != nil {
		return Dependencies{}, fmt.Errorf("create coordination adapter: %w", err)
	}

	deps := Dependencies{Coordination: coordination}
	if strings.TrimSpace(cfg.ObjectStorage.Bucket) != "" {
		storage, err := s3store.NewAdapter(s3store.Config{
			Bucket:           cfg.ObjectStorage.Bucket,
			Region:           cfg.ObjectStorage.Region,
			Endpoint:         cfg.ObjectStorage.Endpoint,
			AccessKeyID:      cfg.ObjectStorage.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStorage.SecretAccessKey,
			SessionToken:     cfg.ObjectStorage.SessionToken,
			UsePathStyle:     cfg.ObjectStorage.UsePathStyle,
			OperationTimeout: cfg.ObjectStorage.OperationTimeout,
		}, log)
		if err != nil {
			closeDependencies(deps, log)
			return Dependencies{}, fmt.Errorf("create object storage adapter: %w", err)
		}
		deps.ObjectStorage = storage
	}
	return deps, nil
}

func closeDependencies(deps Dependencies, log logger.Logger) {
	if deps.ObjectStorage != nil {
		if err := deps.ObjectStorage.Close(); err != nil {
			log.Error("failed to close object storage adapter", "error", err)
		}
	}
	if deps.Coordination != nil {
		if err := deps.Coordination.Close(); err != nil {
			log.Error("failed to close coordination adapter", "error", err)
		}
	}
}

func newJobsBackend(cfg *config.Config, log logger.Logger) (*jobs.RedisBackend, error) {
	backend, err := jobs.NewRedisBackend(jobs.RedisBackendConfig{
		URL:              cfg.Coordination.URL,
		Prefix:           cfg.Jobs.Prefix,
		OperationTimeout: cfg.Coordination.OperationTimeout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("create jobs backend: %w", err)
	}
	return backend, nil
}

func closeJobsBackend(backend *jobs.RedisBackend, log logger.Logger) {
	if err := backend.Close(); err != nil {
		log.Error("failed to close jobs backend", "error", err)
	}
}

func resolveDLQQueue(flagQueue, configDefault string) string {
	if trimmed := strings.TrimSpace(flagQueue); trimmed != "" {
		return trimmed
	}
	return strings.TrimSpace(configDefault)
}

func resolveWorkerQueues(flagQueues []string, configDefault string) []string {
	queues := make([]string, 0, len(flagQueues)+1)
	for _, queue := range flagQueues {
		trimmed := strings.TrimSpace(queue)
		if trimmed != "" {
			queues = append(queues, trimmed)
		}
	}
	if len(queues) == 0 && strings.TrimSpace(configDefault) != "" {
		queues = append(queues, strings.TrimSpace(configDefault))
	}
	return queues
}

// formatSettings renders the effective configuration as YAML, redacting
// object storage credentials unless showSecrets is set.
func formatSettings(cfg *config.Config, showSecrets bool) (string, error) {
	settings := map[string]any{
		"service": map[string]any{
			"name":        cfg.Service.Name,
			"environment": cfg.Service.Environment,
		},
		"observability": map[string]any{
			"log_level":       cfg.Observability.LogLevel,
			"log_format":      cfg.Observability.LogFormat,
			"tracing_enabled": cfg.Observability.TracingEnabled,
		},
		"coordination": map[string]any{
			"url":               redactIfSecret(cfg.Coordination.URL, showSecrets),
			"key_prefix":        cfg.Coordination.KeyPrefix,
			"max_conns":         cfg.Coordination.MaxConns,
			"operation_timeout": cfg.Coordination.OperationTimeout.String(),
		},
		"object_storage": map[string]any{
			"bucket":            cfg.ObjectStorage.Bucket,
			"region":            cfg.ObjectStorage.Region,
			"endpoint":          cfg.ObjectStorage.Endpoint,
			"access_key_id":     redactIfSecret(cfg.ObjectStorage.AccessKeyID, showSecrets),
			"secret_access_key": redactIfSecret(cfg.ObjectStorage.SecretAccessKey, showSecrets),
			"session_token":     redactIfSecret(cfg.ObjectStorage.SessionToken, showSecrets),
			"use_path_style":    cfg.ObjectStorage.UsePathStyle,
			"operation_timeout": cfg.ObjectStorage.OperationTimeout.String(),
		},
		"jobs": map[string]any{
			"prefix":          cfg.Jobs.Prefix,
			"default_queue":   cfg.Jobs.DefaultQueue,
			"concurrency":     cfg.Jobs.Concurrency,
			"lease_ttl":       cfg.Jobs.LeaseTTL.String(),
			"reserve_timeout": cfg.Jobs.ReserveTimeout.String(),
			"stop_timeout":    cfg.Jobs.StopTimeout.String(),
			"max_attempts":    cfg.Jobs.MaxAttempts,
			"max_backoff":     cfg.Jobs.MaxBackoff.String(),
			"attempt_timeout": cfg.Jobs.AttemptTimeout.String(),
			"dlq_enabled":     cfg.Jobs.DLQEnabled,
		},
		"import": map[string]any{
			"queue":               cfg.Import.Queue,
			"resource_lock_ttl":   cfg.Import.ResourceLockTTL.String(),
			"record_lock_ttl":     cfg.Import.RecordLockTTL.String(),
			"record_lock_timeout": cfg.Import.RecordLockTimeout.String(),
		},
		"export": map[string]any{
			"flush_threshold": cfg.Export.FlushThreshold,
			"session_ttl":     cfg.Export.SessionTTL.String(),
			"content_type":    cfg.Export.ContentType,
		},
	}

	out, err := yaml.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("format settings: %w", err)
	}
	return string(out), nil
}

func redactIfSecret(value string, showSecrets bool) string {
	if value == "" || showSecrets {
		return value
	}
	return redactedValue
}
