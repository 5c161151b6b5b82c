package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads the YAML config file and watches it for changes. Components
// that honor live settings read the latest snapshot via Config() per event.
type Loader struct {
	path     string
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
	watcher  *fsnotify.Watcher
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the current (latest) configuration snapshot.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file
// changes. A reload that fails validation is skipped; the old snapshot stays.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}
	l.watcher = w

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					cfg, err := l.load()
					if err != nil {
						continue
					}
					if err := Validate(cfg); err != nil {
						continue
					}
					l.apply(cfg)
				}
			case <-w.Errors:
				// Ignore watcher errors.
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}

// Reload forces an immediate re-read of the config file.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	l.apply(cfg)
	return cfg, nil
}

func (l *Loader) apply(cfg *Config) {
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
}

func (l *Loader) load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", l.path, err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Sink.EventWorkers == 0 {
		cfg.Sink.EventWorkers = 16
	}
	if cfg.Sink.QueueDepth == 0 {
		cfg.Sink.QueueDepth = 4096
	}
	if cfg.Sink.InvokeTimeoutMs == 0 {
		cfg.Sink.InvokeTimeoutMs = 30000
	}
	if cfg.Sink.IngestBurst == 0 {
		cfg.Sink.IngestBurst = 64
	}
	if cfg.Repository.DBPath == "" {
		cfg.Repository.DBPath = "data/reactsink.db"
	}
	if cfg.Repository.CachePath == "" && !cfg.Repository.CacheInMemory {
		cfg.Repository.CachePath = "data/cache"
	}
	if cfg.Repository.CacheTTLS == 0 {
		cfg.Repository.CacheTTLS = 300
	}
	if cfg.Repository.Retry.MaxAttempts == 0 {
		cfg.Repository.Retry.MaxAttempts = 3
	}
	if cfg.Repository.Retry.InitialBackoffMs == 0 {
		cfg.Repository.Retry.InitialBackoffMs = 100
	}
	if cfg.Repository.Retry.MaxBackoffMs == 0 {
		cfg.Repository.Retry.MaxBackoffMs = 2000
	}
	if cfg.Plugins.EC2.TimeoutMs == 0 {
		cfg.Plugins.EC2.TimeoutMs = 10000
	}
	if cfg.Plugins.Webhook.TimeoutMs == 0 {
		cfg.Plugins.Webhook.TimeoutMs = 10000
	}
}
