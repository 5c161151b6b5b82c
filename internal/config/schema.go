package config

// Config is the top-level YAML structure.
type Config struct {
	Version    string         `yaml:"version"`
	Sink       SinkConf       `yaml:"sink"`
	Repository RepositoryConf `yaml:"repository"`
	Plugins    PluginsConf    `yaml:"plugins"`
}

// SinkConf holds tunable dispatch settings. DisabledRTypes and
// InvokeTimeoutMs take effect live on hot reload.
type SinkConf struct {
	EventWorkers    int      `yaml:"event_workers"`
	QueueDepth      int      `yaml:"queue_depth"`
	InvokeTimeoutMs int      `yaml:"invoke_timeout_ms"`
	IngestRate      float64  `yaml:"ingest_rate"`  // messages/sec per connection, 0 = unlimited
	IngestBurst     int      `yaml:"ingest_burst"` // burst size for the rate limiter
	DisabledRTypes  []string `yaml:"disabled_rtypes"`
}

// RepositoryConf holds store and cache settings.
type RepositoryConf struct {
	DBPath        string    `yaml:"db_path"`
	CachePath     string    `yaml:"cache_path"`
	CacheInMemory bool      `yaml:"cache_in_memory"`
	CacheTTLS     int       `yaml:"cache_ttl_s"`
	Retry         RetryConf `yaml:"retry"`
}

// RetryConf bounds retries against a temporarily unavailable store.
type RetryConf struct {
	MaxAttempts      int `yaml:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms"`
}

// PluginsConf carries deployment-level plugin settings; per-reaction settings
// live in each reaction's data map.
type PluginsConf struct {
	EC2     EC2Conf     `yaml:"ec2"`
	Webhook WebhookConf `yaml:"webhook"`
}

// EC2Conf configures the aws-ec2restart handler.
type EC2Conf struct {
	Endpoint  string `yaml:"endpoint"`
	Token     string `yaml:"token"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// WebhookConf configures the webhook handler.
type WebhookConf struct {
	TimeoutMs int `yaml:"timeout_ms"`
}

// RTypeDisabled reports whether rtype is switched off in this snapshot.
func (c *Config) RTypeDisabled(rtype string) bool {
	for _, t := range c.Sink.DisabledRTypes {
		if t == rtype {
			return true
		}
	}
	return false
}
