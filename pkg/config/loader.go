package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Loader defines the interface for loading configuration.
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper.
type ViperLoader struct {
	configFile string
	envPrefix  string
}

// NewViperLoader creates a loader.
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "SHELFWISE")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// Load loads configuration with precedence: ENV > file > defaults.
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	l.setDefaults(v, defaults)

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	v.SetEnvPrefix(l.envPrefix)
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

// bindEnvVars explicitly binds environment variables for nested structs.
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	v.BindEnv("observability.log_level", l.prefixedEnv("OBSERVABILITY_LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("OBSERVABILITY_LOG_FORMAT"))
	v.BindEnv("observability.tracing_enabled", l.prefixedEnv("OBSERVABILITY_TRACING_ENABLED"))

	v.BindEnv("coordination.url", l.prefixedEnv("COORDINATION_URL"), l.prefixedEnv("REDIS_URL"))
	v.BindEnv("coordination.key_prefix", l.prefixedEnv("COORDINATION_KEY_PREFIX"))
	v.BindEnv("coordination.max_conns", l.prefixedEnv("COORDINATION_MAX_CONNS"))
	v.BindEnv("coordination.operation_timeout", l.prefixedEnv("COORDINATION_OPERATION_TIMEOUT"))

	v.BindEnv("object_storage.bucket", l.prefixedEnv("OBJECT_STORAGE_BUCKET"))
	v.BindEnv("object_storage.region", l.prefixedEnv("OBJECT_STORAGE_REGION"))
	v.BindEnv("object_storage.endpoint", l.prefixedEnv("OBJECT_STORAGE_ENDPOINT"))
	v.BindEnv("object_storage.access_key_id", l.prefixedEnv("OBJECT_STORAGE_ACCESS_KEY_ID"))
	v.BindEnv("object_storage.secret_access_key", l.prefixedEnv("OBJECT_STORAGE_SECRET_ACCESS_KEY"))
	v.BindEnv("object_storage.session_token", l.prefixedEnv("OBJECT_STORAGE_SESSION_TOKEN"))
	v.BindEnv("object_storage.use_path_style", l.prefixedEnv("OBJECT_STORAGE_USE_PATH_STYLE"))
	v.BindEnv("object_storage.operation_timeout", l.prefixedEnv("OBJECT_STORAGE_OPERATION_TIMEOUT"))

	v.BindEnv("jobs.prefix", l.prefixedEnv("JOBS_PREFIX"))
	v.BindEnv("jobs.default_queue", l.prefixedEnv("JOBS_DEFAULT_QUEUE"))
	v.BindEnv("jobs.concurrency", l.prefixedEnv("JOBS_CONCURRENCY"))
	v.BindEnv("jobs.lease_ttl", l.prefixedEnv("JOBS_LEASE_TTL"))
	v.BindEnv("jobs.reserve_timeout", l.prefixedEnv("JOBS_RESERVE_TIMEOUT"))
	v.BindEnv("jobs.stop_timeout", l.prefixedEnv("JOBS_STOP_TIMEOUT"))
	v.BindEnv("jobs.max_attempts", l.prefixedEnv("JOBS_MAX_ATTEMPTS"))
	v.BindEnv("jobs.max_backoff", l.prefixedEnv("JOBS_MAX_BACKOFF"))
	v.BindEnv("jobs.attempt_timeout", l.prefixedEnv("JOBS_ATTEMPT_TIMEOUT"))
	v.BindEnv("jobs.dlq_enabled", l.prefixedEnv("JOBS_DLQ_ENABLED"))

	v.BindEnv("import.queue", l.prefixedEnv("IMPORT_QUEUE"))
	v.BindEnv("import.resource_lock_ttl", l.prefixedEnv("IMPORT_RESOURCE_LOCK_TTL"))
	v.BindEnv("import.record_lock_ttl", l.prefixedEnv("IMPORT_RECORD_LOCK_TTL"))
	v.BindEnv("import.record_lock_timeout", l.prefixedEnv("IMPORT_RECORD_LOCK_TIMEOUT"))

	v.BindEnv("export.flush_threshold", l.prefixedEnv("EXPORT_FLUSH_THRESHOLD"))
	v.BindEnv("export.session_ttl", l.prefixedEnv("EXPORT_SESSION_TTL"))
	v.BindEnv("export.content_type", l.prefixedEnv("EXPORT_CONTENT_TYPE"))
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = "SHELFWISE"
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

// setDefaults sets default values in Viper from the default config.
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)

	v.SetDefault("coordination.key_prefix", cfg.Coordination.KeyPrefix)
	v.SetDefault("coordination.max_conns", cfg.Coordination.MaxConns)
	v.SetDefault("coordination.operation_timeout", cfg.Coordination.OperationTimeout)

	v.SetDefault("object_storage.region", cfg.ObjectStorage.Region)
	v.SetDefault("object_storage.operation_timeout", cfg.ObjectStorage.OperationTimeout)

	v.SetDefault("jobs.prefix", cfg.Jobs.Prefix)
	v.SetDefault("jobs.default_queue", cfg.Jobs.DefaultQueue)
	v.SetDefault("jobs.concurrency", cfg.Jobs.Concurrency)
	v.SetDefault("jobs.lease_ttl", cfg.Jobs.LeaseTTL)
	v.SetDefault("jobs.reserve_timeout", cfg.Jobs.ReserveTimeout)
	v.SetDefault("jobs.stop_timeout", cfg.Jobs.StopTimeout)
	v.SetDefault("jobs.max_attempts", cfg.Jobs.MaxAttempts)
	v.SetDefault("jobs.max_backoff", cfg.Jobs.MaxBackoff)
	v.SetDefault("jobs.attempt_timeout", cfg.Jobs.AttemptTimeout)
	v.SetDefault("jobs.dlq_enabled", cfg.Jobs.DLQEnabled)

	v.SetDefault("import.queue", cfg.Import.Queue)
	v.SetDefault("import.resource_lock_ttl", cfg.Import.ResourceLockTTL)
	v.SetDefault("import.record_lock_ttl", cfg.Import.RecordLockTTL)
	v.SetDefault("import.record_lock_timeout", cfg.Import.RecordLockTimeout)

	v.SetDefault("export.flush_threshold", cfg.Export.FlushThreshold)
	v.SetDefault("export.session_ttl", cfg.Export.SessionTTL)
	v.SetDefault("export.content_type", cfg.Export.ContentType)
}

// Validate validates the configuration and returns detailed errors.
func (l *ViperLoader) Validate(cfg *Config) error {
	var errs []error

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, strings.ToLower(cfg.Observability.LogLevel)) {
		errs = append(errs, fmt.Errorf("invalid observability.log_level: %s (must be one of: %v)", cfg.Observability.LogLevel, validLogLevels))
	}
	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, strings.ToLower(cfg.Observability.LogFormat)) {
		errs = append(errs, fmt.Errorf("invalid observability.log_format: %s (must be one of: %v)", cfg.Observability.LogFormat, validLogFormats))
	}

	if strings.TrimSpace(cfg.Coordination.URL) == "" {
		errs = append(errs, errors.New("coordination.url is required"))
	}
	if cfg.Coordination.MaxConns < 0 {
		errs = append(errs, errors.New("coordination.max_conns must be >= 0"))
	}

	if cfg.Jobs.Concurrency <= 0 {
		errs = append(errs, errors.New("jobs.concurrency must be > 0"))
	}
	if cfg.Jobs.MaxAttempts <= 0 {
		errs = append(errs, errors.New("jobs.max_attempts must be > 0"))
	}

	if cfg.Export.FlushThreshold <= 0 {
		errs = append(errs, errors.New("export.flush_threshold must be > 0"))
	}

	return errors.Join(errs...)
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
