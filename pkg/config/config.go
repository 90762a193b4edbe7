// Package config loads service configuration with precedence
// ENV > file > defaults, following the section layout the worker CLI
// consumes.
package config

import "time"

// Config is the root configuration for the coordination worker.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Coordination  CoordinationConfig  `mapstructure:"coordination"`
	ObjectStorage ObjectStorageConfig `mapstructure:"object_storage"`
	Jobs          JobsConfig          `mapstructure:"jobs"`
	Import        ImportConfig        `mapstructure:"import"`
	Export        ExportConfig        `mapstructure:"export"`
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ObservabilityConfig controls logging and tracing.
type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
}

// CoordinationConfig points at the Redis coordination store shared by
// locks, upload sessions, identifier sets, and the job queue.
type CoordinationConfig struct {
	URL              string        `mapstructure:"url"`
	KeyPrefix        string        `mapstructure:"key_prefix"`
	MaxConns         int           `mapstructure:"max_conns"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// ObjectStorageConfig configures the S3 adapter exports flush to.
type ObjectStorageConfig struct {
	Bucket           string        `mapstructure:"bucket"`
	Region           string        `mapstructure:"region"`
	Endpoint         string        `mapstructure:"endpoint"`
	AccessKeyID      string        `mapstructure:"access_key_id"`
	SecretAccessKey  string        `mapstructure:"secret_access_key"`
	SessionToken     string        `mapstructure:"session_token"`
	UsePathStyle     bool          `mapstructure:"use_path_style"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// JobsConfig configures the queue worker.
type JobsConfig struct {
	Prefix         string        `mapstructure:"prefix"`
	DefaultQueue   string        `mapstructure:"default_queue"`
	Concurrency    int           `mapstructure:"concurrency"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
	ReserveTimeout time.Duration `mapstructure:"reserve_timeout"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	DLQEnabled     bool          `mapstructure:"dlq_enabled"`
}

// ImportConfig tunes cursor task locking.
type ImportConfig struct {
	Queue             string        `mapstructure:"queue"`
	ResourceLockTTL   time.Duration `mapstructure:"resource_lock_ttl"`
	RecordLockTTL     time.Duration `mapstructure:"record_lock_ttl"`
	RecordLockTimeout time.Duration `mapstructure:"record_lock_timeout"`
}

// ExportConfig tunes buffered upload sessions.
type ExportConfig struct {
	FlushThreshold int64         `mapstructure:"flush_threshold"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
	ContentType    string        `mapstructure:"content_type"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "shelfwise",
			Environment: "development",
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
		Coordination: CoordinationConfig{
			KeyPrefix:        "shelfwise",
			MaxConns:         10,
			OperationTimeout: 5 * time.Second,
		},
		ObjectStorage: ObjectStorageConfig{
			Region:           "us-east-1",
			OperationTimeout: 30 * time.Second,
		},
		Jobs: JobsConfig{
			Prefix:         "shelfwise:jobs",
			DefaultQueue:   "imports",
			Concurrency:    2,
			LeaseTTL:       30 * time.Second,
			ReserveTimeout: time.Second,
			StopTimeout:    10 * time.Second,
			MaxAttempts:    5,
			MaxBackoff:     5 * time.Minute,
			AttemptTimeout: 30 * time.Second,
			DLQEnabled:     true,
		},
		Import: ImportConfig{
			Queue:             "imports",
			ResourceLockTTL:   5 * time.Minute,
			RecordLockTTL:     30 * time.Second,
			RecordLockTimeout: 10 * time.Second,
		},
		Export: ExportConfig{
			FlushThreshold: 5 * 1024 * 1024,
			SessionTTL:     20 * time.Minute,
			ContentType:    "application/octet-stream",
		},
	}
}
