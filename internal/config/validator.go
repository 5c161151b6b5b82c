package config

import (
	"fmt"
	"strings"
)

// Validate checks the config for missing required fields and out-of-range
// tunables. All problems are reported at once.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Version == "" {
		errs = append(errs, "version is required")
	}
	if cfg.Sink.EventWorkers < 1 {
		errs = append(errs, "sink.event_workers must be at least 1")
	}
	if cfg.Sink.QueueDepth < 1 {
		errs = append(errs, "sink.queue_depth must be at least 1")
	}
	if cfg.Sink.InvokeTimeoutMs < 1 {
		errs = append(errs, "sink.invoke_timeout_ms must be positive")
	}
	if cfg.Sink.IngestRate < 0 {
		errs = append(errs, "sink.ingest_rate must be non-negative")
	}
	seen := make(map[string]bool)
	for i, t := range cfg.Sink.DisabledRTypes {
		if t == "" {
			errs = append(errs, fmt.Sprintf("sink.disabled_rtypes[%d]: empty rtype", i))
			continue
		}
		if seen[t] {
			errs = append(errs, fmt.Sprintf("sink.disabled_rtypes: duplicate rtype %q", t))
		}
		seen[t] = true
	}
	if cfg.Repository.DBPath == "" {
		errs = append(errs, "repository.db_path is required")
	}
	if cfg.Repository.CachePath == "" && !cfg.Repository.CacheInMemory {
		errs = append(errs, "repository.cache_path is required unless cache_in_memory is set")
	}
	if cfg.Repository.Retry.MaxAttempts < 1 {
		errs = append(errs, "repository.retry.max_attempts must be at least 1")
	}
	if cfg.Repository.Retry.MaxBackoffMs < cfg.Repository.Retry.InitialBackoffMs {
		errs = append(errs, "repository.retry.max_backoff_ms must be >= initial_backoff_ms")
	}
	if cfg.Plugins.EC2.Endpoint == "" {
		errs = append(errs, "plugins.ec2.endpoint is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
