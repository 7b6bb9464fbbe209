package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProjectFileNames are the config files searched for in the working directory.
var ProjectFileNames = []string{"mediasync.yaml", "mediasync.yml"}

// Config represents the complete mediasync configuration.
type Config struct {
	Version int           `yaml:"version" json:"version"`
	DataDir string        `yaml:"data_dir" json:"data_dir"`
	Store   StoreConfig   `yaml:"store" json:"store"`
	Broker  BrokerConfig  `yaml:"broker" json:"broker"`
	Search  SearchConfig  `yaml:"search" json:"search"`
	Watcher WatcherConfig `yaml:"watcher" json:"watcher"`
	Workers WorkersConfig `yaml:"workers" json:"workers"`
	Crawler CrawlerConfig `yaml:"crawler" json:"crawler"`
	Server  ServerConfig  `yaml:"server" json:"server"`

	// path of the file the config was loaded from, if any
	source string
}

// StoreConfig configures the SQLite record store.
type StoreConfig struct {
	// Path is the database file. Relative paths resolve against DataDir.
	Path    string `yaml:"path" json:"path"`
	CacheMB int    `yaml:"cache_mb" json:"cache_mb"`
}

// BrokerConfig configures the task broker.
type BrokerConfig struct {
	// Backend is "sqlite" (durable, default) or "memory".
	Backend           string        `yaml:"backend" json:"backend"`
	Path              string        `yaml:"path" json:"path"`
	Queue             string        `yaml:"queue" json:"queue"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" json:"visibility_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval" json:"poll_interval"`
	// Retention is how long succeeded tasks are kept before pruning.
	Retention         time.Duration `yaml:"retention" json:"retention"`
}

// SearchConfig configures the search engine adapter.
type SearchConfig struct {
	// Backend is "bleve" (default) or "sqlite" (FTS5).
	Backend            string        `yaml:"backend" json:"backend"`
	Path               string        `yaml:"path" json:"path"`
	Index              string        `yaml:"index" json:"index"`
	CircuitMaxFailures int           `yaml:"circuit_max_failures" json:"circuit_max_failures"`
	CircuitReset       time.Duration `yaml:"circuit_reset" json:"circuit_reset"`
}

// WatcherConfig configures the changes feed watcher.
type WatcherConfig struct {
	BatchSize     int           `yaml:"batch_size" json:"batch_size"`
	PollInterval  time.Duration `yaml:"poll_interval" json:"poll_interval"`
	MaxBackoff    time.Duration `yaml:"max_backoff" json:"max_backoff"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`
}

// WorkersConfig configures the task worker pool and default retry policy.
type WorkersConfig struct {
	Size           int           `yaml:"size" json:"size"`
	TaskTimeout    time.Duration `yaml:"task_timeout" json:"task_timeout"`
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
	BackoffInitial time.Duration `yaml:"backoff_initial" json:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max" json:"backoff_max"`
}

// FeedConfig is one crawled feed.
type FeedConfig struct {
	URL      string        `yaml:"url" json:"url"`
	Interval time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
}

// CrawlerConfig configures feed crawling.
type CrawlerConfig struct {
	Feeds           []FeedConfig  `yaml:"feeds" json:"feeds"`
	DefaultInterval time.Duration `yaml:"default_interval" json:"default_interval"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
	UserAgent       string        `yaml:"user_agent" json:"user_agent"`
	CacheSize       int           `yaml:"cache_size" json:"cache_size"`
	MaxItems        int           `yaml:"max_items" json:"max_items"`
	// WatchConfig reloads the feed list when the config file changes.
	WatchConfig bool `yaml:"watch_config" json:"watch_config"`
}

// ServerConfig configures the daemon process.
type ServerConfig struct {
	SocketPath string `yaml:"socket_path" json:"socket_path"`
	PIDPath    string `yaml:"pid_path" json:"pid_path"`
	LogLevel   string `yaml:"log_level" json:"log_level"`
	Telemetry  bool   `yaml:"telemetry" json:"telemetry"`
}

// NewConfig creates a new Config with defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		DataDir: DefaultDataDir(),
		Store: StoreConfig{
			Path:    "records.db",
			CacheMB: 64,
		},
		Broker: BrokerConfig{
			Backend:           "sqlite",
			Path:              "broker.db",
			Queue:             "tasks",
			VisibilityTimeout: 5 * time.Minute,
			PollInterval:      500 * time.Millisecond,
			Retention:         7 * 24 * time.Hour,
		},
		Search: SearchConfig{
			Backend:            "bleve",
			Path:               "search",
			Index:              "media",
			CircuitMaxFailures: 5,
			CircuitReset:       30 * time.Second,
		},
		Watcher: WatcherConfig{
			BatchSize:     100,
			PollInterval:  2 * time.Second,
			MaxBackoff:    time.Minute,
			ShutdownGrace: 5 * time.Second,
		},
		Workers: WorkersConfig{
			Size:           runtime.NumCPU(),
			TaskTimeout:    30 * time.Second,
			MaxAttempts:    5,
			BackoffInitial: time.Second,
			BackoffMax:     5 * time.Minute,
		},
		Crawler: CrawlerConfig{
			DefaultInterval: 15 * time.Minute,
			Timeout:         30 * time.Second,
			UserAgent:       "mediasync",
			CacheSize:       10000,
			MaxItems:        500,
			WatchConfig:     true,
		},
		Server: ServerConfig{
			LogLevel:  "info",
			Telemetry: true,
		},
	}
}

// DefaultDataDir returns ~/.mediasync/data.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".mediasync", "data")
	}
	return filepath.Join(home, ".mediasync", "data")
}

// GetUserConfigPath returns the user configuration file path:
//   - $XDG_CONFIG_HOME/mediasync/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/mediasync/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mediasync", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "mediasync", "config.yaml")
}

// Source returns the project file the config was loaded from, or "".
func (c *Config) Source() string {
	return c.source
}

// Load loads configuration for the given working directory.
// Precedence, lowest first:
//  1. Defaults
//  2. User config (~/.config/mediasync/config.yaml)
//  3. Project config (mediasync.yaml in dir)
//  4. Environment variables (MEDIASYNC_*)
func Load(dir string) (*Config, error) {
	path := ""
	for _, name := range ProjectFileNames {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
			break
		}
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit project file. An empty path skips it.
func LoadFile(path string) (*Config, error) {
	cfg := NewConfig()

	if userPath := GetUserConfigPath(); userPath != "" {
		if _, err := os.Stat(userPath); err == nil {
			if err := cfg.loadYAML(userPath); err != nil {
				return nil, fmt.Errorf("failed to load user config: %w", err)
			}
		}
	}

	if path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
		cfg.source = path
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	c.mergeWith(&parsed)

	// false is a zero value, so switches need presence detection
	var sw switches
	if err := yaml.Unmarshal(data, &sw); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	sw.apply(c)
	return nil
}

// switches holds the boolean settings whose default is true.
type switches struct {
	Crawler struct {
		WatchConfig *bool `yaml:"watch_config"`
	} `yaml:"crawler"`
	Server struct {
		Telemetry *bool `yaml:"telemetry"`
	} `yaml:"server"`
}

func (s switches) apply(c *Config) {
	if s.Crawler.WatchConfig != nil {
		c.Crawler.WatchConfig = *s.Crawler.WatchConfig
	}
	if s.Server.Telemetry != nil {
		c.Server.Telemetry = *s.Server.Telemetry
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	setInt(&c.Version, other.Version)
	setString(&c.DataDir, other.DataDir)

	setString(&c.Store.Path, other.Store.Path)
	setInt(&c.Store.CacheMB, other.Store.CacheMB)

	setString(&c.Broker.Backend, other.Broker.Backend)
	setString(&c.Broker.Path, other.Broker.Path)
	setString(&c.Broker.Queue, other.Broker.Queue)
	setDuration(&c.Broker.VisibilityTimeout, other.Broker.VisibilityTimeout)
	setDuration(&c.Broker.PollInterval, other.Broker.PollInterval)
	setDuration(&c.Broker.Retention, other.Broker.Retention)

	setString(&c.Search.Backend, other.Search.Backend)
	setString(&c.Search.Path, other.Search.Path)
	setString(&c.Search.Index, other.Search.Index)
	setInt(&c.Search.CircuitMaxFailures, other.Search.CircuitMaxFailures)
	setDuration(&c.Search.CircuitReset, other.Search.CircuitReset)

	setInt(&c.Watcher.BatchSize, other.Watcher.BatchSize)
	setDuration(&c.Watcher.PollInterval, other.Watcher.PollInterval)
	setDuration(&c.Watcher.MaxBackoff, other.Watcher.MaxBackoff)
	setDuration(&c.Watcher.ShutdownGrace, other.Watcher.ShutdownGrace)

	setInt(&c.Workers.Size, other.Workers.Size)
	setDuration(&c.Workers.TaskTimeout, other.Workers.TaskTimeout)
	setInt(&c.Workers.MaxAttempts, other.Workers.MaxAttempts)
	setDuration(&c.Workers.BackoffInitial, other.Workers.BackoffInitial)
	setDuration(&c.Workers.BackoffMax, other.Workers.BackoffMax)

	// Feed lists replace rather than append: a project file names its own feeds.
	if len(other.Crawler.Feeds) > 0 {
		c.Crawler.Feeds = other.Crawler.Feeds
	}
	setDuration(&c.Crawler.DefaultInterval, other.Crawler.DefaultInterval)
	setDuration(&c.Crawler.Timeout, other.Crawler.Timeout)
	setString(&c.Crawler.UserAgent, other.Crawler.UserAgent)
	setInt(&c.Crawler.CacheSize, other.Crawler.CacheSize)
	setInt(&c.Crawler.MaxItems, other.Crawler.MaxItems)

	setString(&c.Server.SocketPath, other.Server.SocketPath)
	setString(&c.Server.PIDPath, other.Server.PIDPath)
	setString(&c.Server.LogLevel, other.Server.LogLevel)
}

// applyEnvOverrides applies MEDIASYNC_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	setString(&c.DataDir, os.Getenv("MEDIASYNC_DATA_DIR"))
	setString(&c.Server.LogLevel, os.Getenv("MEDIASYNC_LOG_LEVEL"))
	setString(&c.Server.SocketPath, os.Getenv("MEDIASYNC_SOCKET"))
	setString(&c.Broker.Backend, os.Getenv("MEDIASYNC_BROKER_BACKEND"))
	setString(&c.Search.Backend, os.Getenv("MEDIASYNC_SEARCH_BACKEND"))

	if v := os.Getenv("MEDIASYNC_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Workers.Size = n
		}
	}
	if v := os.Getenv("MEDIASYNC_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Watcher.BatchSize = n
		}
	}
	if v := os.Getenv("MEDIASYNC_TELEMETRY"); v != "" {
		c.Server.Telemetry = strings.ToLower(v) == "true" || v == "1"
	}
	// Comma-separated feed URLs replace the configured list.
	if v := os.Getenv("MEDIASYNC_FEEDS"); v != "" {
		var feeds []FeedConfig
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				feeds = append(feeds, FeedConfig{URL: u})
			}
		}
		c.Crawler.Feeds = feeds
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Broker.Backend) {
	case "sqlite":
	case "memory":
		// The watcher cursor lives in the store; committing it against tasks
		// held only in process memory loses them on restart.
		if c.Store.Path != "" && c.Store.Path != ":memory:" {
			return fmt.Errorf("broker.backend 'memory' requires store.path ':memory:', got %s", c.Store.Path)
		}
	default:
		return fmt.Errorf("broker.backend must be 'sqlite' or 'memory', got %s", c.Broker.Backend)
	}
	switch strings.ToLower(c.Search.Backend) {
	case "bleve", "sqlite":
	default:
		return fmt.Errorf("search.backend must be 'bleve' or 'sqlite', got %s", c.Search.Backend)
	}
	if c.Search.Index == "" {
		return fmt.Errorf("search.index must not be empty")
	}
	if c.Broker.Queue == "" {
		return fmt.Errorf("broker.queue must not be empty")
	}

	if c.Watcher.BatchSize <= 0 {
		return fmt.Errorf("watcher.batch_size must be positive, got %d", c.Watcher.BatchSize)
	}
	if c.Watcher.PollInterval <= 0 {
		return fmt.Errorf("watcher.poll_interval must be positive, got %s", c.Watcher.PollInterval)
	}
	if c.Workers.Size <= 0 {
		return fmt.Errorf("workers.size must be positive, got %d", c.Workers.Size)
	}
	if c.Workers.MaxAttempts <= 0 {
		return fmt.Errorf("workers.max_attempts must be positive, got %d", c.Workers.MaxAttempts)
	}
	if c.Workers.BackoffMax < c.Workers.BackoffInitial {
		return fmt.Errorf("workers.backoff_max (%s) must be >= backoff_initial (%s)",
			c.Workers.BackoffMax, c.Workers.BackoffInitial)
	}

	for i, f := range c.Crawler.Feeds {
		if !strings.HasPrefix(f.URL, "http://") && !strings.HasPrefix(f.URL, "https://") {
			return fmt.Errorf("crawler.feeds[%d].url must be an http(s) URL, got %q", i, f.URL)
		}
		if f.Interval < 0 {
			return fmt.Errorf("crawler.feeds[%d].interval must not be negative", i)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}
	return nil
}

// Resolve returns p joined onto DataDir unless p is absolute or empty.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || p == ":memory:" {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// SocketPath returns the status socket path, defaulting into DataDir.
func (c *Config) SocketPath() string {
	if c.Server.SocketPath != "" {
		return c.Server.SocketPath
	}
	return filepath.Join(c.DataDir, "mediasync.sock")
}

// PIDPath returns the daemon PID file path, defaulting into DataDir.
func (c *Config) PIDPath() string {
	if c.Server.PIDPath != "" {
		return c.Server.PIDPath
	}
	return filepath.Join(c.DataDir, "mediasync.pid")
}

// FeedInterval returns the poll interval for f, falling back to the default.
func (c *Config) FeedInterval(f FeedConfig) time.Duration {
	if f.Interval > 0 {
		return f.Interval
	}
	return c.Crawler.DefaultInterval
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
