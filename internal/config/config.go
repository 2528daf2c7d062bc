package config

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config represents the complete noq configuration
type Config struct {
	Identity   Identity   `yaml:"identity"`
	Relays     Relays     `yaml:"relays"`
	Queue      Queue      `yaml:"queue"`
	Syncer     Syncer     `yaml:"syncer"`
	Events     Events     `yaml:"events"`
	LocalRelay LocalRelay `yaml:"local_relay"`
	Caching    Caching    `yaml:"caching"`
	Logging    Logging    `yaml:"logging"`
}

// Identity contains the Nostr identity the queue acts for
type Identity struct {
	Npub string `yaml:"npub"` // Public key, bech32 form
	// NsecEnv names the environment variable the signing key is read
	// from. The key itself never lives in the config file.
	NsecEnv string `yaml:"nsec_env"`
	Nsec    string `yaml:"-"` // Loaded from the environment at startup
}

// Relays contains relay configuration
type Relays struct {
	Seeds  []string    `yaml:"seeds"`
	Policy RelayPolicy `yaml:"policy"`
}

// RelayPolicy contains relay connection policies
type RelayPolicy struct {
	ConnectTimeoutMs  int   `yaml:"connect_timeout_ms"`
	PublishTimeoutMs  int   `yaml:"publish_timeout_ms"`
	MaxConcurrentSubs int   `yaml:"max_concurrent_subs"`
	BackoffMs         []int `yaml:"backoff_ms"`
}

// ConnectTimeout returns the connect timeout as a duration
func (p *RelayPolicy) ConnectTimeout() time.Duration {
	return time.Duration(p.ConnectTimeoutMs) * time.Millisecond
}

// PublishTimeout returns the publish timeout as a duration
func (p *RelayPolicy) PublishTimeout() time.Duration {
	return time.Duration(p.PublishTimeoutMs) * time.Millisecond
}

// Backoff returns the delay before retry attempt n (1-based). Attempts past
// the end of backoff_ms reuse the last entry.
func (p *RelayPolicy) Backoff(attempt int) time.Duration {
	if len(p.BackoffMs) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.BackoffMs) {
		idx = len(p.BackoffMs) - 1
	}
	return time.Duration(p.BackoffMs[idx]) * time.Millisecond
}

// Queue contains pending action queue settings
type Queue struct {
	DBPath     string         `yaml:"db_path"`
	MaxRetries int            `yaml:"max_retries"`
	Retention  QueueRetention `yaml:"retention"`
}

// QueueRetention controls pruning of completed actions
type QueueRetention struct {
	KeepHours          int  `yaml:"keep_hours"` // 0 disables age-based pruning
	PruneOnStart       bool `yaml:"prune_on_start"`
	PruneIntervalHours int  `yaml:"prune_interval_hours"`
}

// Syncer contains queue drain and backfill settings
type Syncer struct {
	Workers         int      `yaml:"workers"`
	IntervalSeconds int      `yaml:"interval_seconds"`
	Backfill        Backfill `yaml:"backfill"`
}

// Backfill contains own-event backfill settings
type Backfill struct {
	Enabled         bool `yaml:"enabled"`
	WindowDays      int  `yaml:"window_days"`
	IntervalMinutes int  `yaml:"interval_minutes"`
	UseNegentropy   bool `yaml:"use_negentropy"`
}

// Events contains event cache backend settings
type Events struct {
	Driver        string `yaml:"driver"` // sqlite|lmdb
	SQLitePath    string `yaml:"sqlite_path"`
	LMDBPath      string `yaml:"lmdb_path"`
	LMDBMaxSizeMB int    `yaml:"lmdb_max_size_mb"`
	CacheKeepDays int    `yaml:"cache_keep_days"` // 0 disables cache pruning
}

// LocalRelay contains the local relay server settings
type LocalRelay struct {
	Enabled     bool   `yaml:"enabled"`
	Bind        string `yaml:"bind"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Caching contains identity cache configuration
type Caching struct {
	Enabled         bool   `yaml:"enabled"`
	Engine          string `yaml:"engine"` // memory|redis
	RedisURL        string `yaml:"redis_url"`
	NIP05TTLSeconds int    `yaml:"nip05_ttl_seconds"`
}

// NIP05TTL returns the NIP-05 verification cache TTL as a duration
func (c *Caching) NIP05TTL() time.Duration {
	return time.Duration(c.NIP05TTLSeconds) * time.Second
}

// Logging contains logging configuration
type Logging struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// applyDefaults fills in missing configuration fields with sensible defaults
func applyDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Identity.NsecEnv == "" {
		cfg.Identity.NsecEnv = defaults.Identity.NsecEnv
	}

	if len(cfg.Relays.Seeds) == 0 {
		cfg.Relays.Seeds = defaults.Relays.Seeds
	}
	if cfg.Relays.Policy.ConnectTimeoutMs == 0 {
		cfg.Relays.Policy.ConnectTimeoutMs = defaults.Relays.Policy.ConnectTimeoutMs
	}
	if cfg.Relays.Policy.PublishTimeoutMs == 0 {
		cfg.Relays.Policy.PublishTimeoutMs = defaults.Relays.Policy.PublishTimeoutMs
	}
	if cfg.Relays.Policy.MaxConcurrentSubs == 0 {
		cfg.Relays.Policy.MaxConcurrentSubs = defaults.Relays.Policy.MaxConcurrentSubs
	}
	if len(cfg.Relays.Policy.BackoffMs) == 0 {
		cfg.Relays.Policy.BackoffMs = defaults.Relays.Policy.BackoffMs
	}

	if cfg.Queue.DBPath == "" {
		cfg.Queue.DBPath = defaults.Queue.DBPath
	}
	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue.MaxRetries = defaults.Queue.MaxRetries
	}
	if cfg.Queue.Retention.PruneIntervalHours == 0 {
		cfg.Queue.Retention.PruneIntervalHours = defaults.Queue.Retention.PruneIntervalHours
	}

	if cfg.Syncer.Workers == 0 {
		cfg.Syncer.Workers = defaults.Syncer.Workers
	}
	if cfg.Syncer.IntervalSeconds == 0 {
		cfg.Syncer.IntervalSeconds = defaults.Syncer.IntervalSeconds
	}
	if cfg.Syncer.Backfill.WindowDays == 0 {
		cfg.Syncer.Backfill.WindowDays = defaults.Syncer.Backfill.WindowDays
	}
	if cfg.Syncer.Backfill.IntervalMinutes == 0 {
		cfg.Syncer.Backfill.IntervalMinutes = defaults.Syncer.Backfill.IntervalMinutes
	}

	if cfg.Events.Driver == "" {
		cfg.Events.Driver = defaults.Events.Driver
	}
	if cfg.Events.SQLitePath == "" {
		cfg.Events.SQLitePath = defaults.Events.SQLitePath
	}
	if cfg.Events.LMDBPath == "" {
		cfg.Events.LMDBPath = defaults.Events.LMDBPath
	}
	if cfg.Events.LMDBMaxSizeMB == 0 {
		cfg.Events.LMDBMaxSizeMB = defaults.Events.LMDBMaxSizeMB
	}

	if cfg.LocalRelay.Bind == "" {
		cfg.LocalRelay.Bind = defaults.LocalRelay.Bind
	}
	if cfg.LocalRelay.Name == "" {
		cfg.LocalRelay.Name = defaults.LocalRelay.Name
	}

	if cfg.Caching.Engine == "" {
		cfg.Caching.Engine = defaults.Caching.Engine
	}
	if cfg.Caching.NIP05TTLSeconds == 0 {
		cfg.Caching.NIP05TTLSeconds = defaults.Caching.NIP05TTLSeconds
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
}

// Load reads and parses a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply defaults for missing fields
	applyDefaults(&cfg)

	// Apply environment variable overrides
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(cfg *Config) error {
	// Signing key is only ever read from the environment
	if nsec := os.Getenv(cfg.Identity.NsecEnv); nsec != "" {
		cfg.Identity.Nsec = nsec
	}

	// Redis URL from env if using redis
	if redisURL := os.Getenv("NOQ_REDIS_URL"); redisURL != "" {
		cfg.Caching.RedisURL = redisURL
	}

	return nil
}

// GetExampleConfig returns the embedded example configuration
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Identity: Identity{
			Npub:    "",
			NsecEnv: "NOQ_NSEC",
		},
		Relays: Relays{
			Seeds: []string{
				"wss://relay.damus.io",
				"wss://relay.nostr.band",
				"wss://nos.lol",
			},
			Policy: RelayPolicy{
				ConnectTimeoutMs:  5000,
				PublishTimeoutMs:  10000,
				MaxConcurrentSubs: 8,
				BackoffMs:         []int{500, 1500, 5000},
			},
		},
		Queue: Queue{
			DBPath:     "./data/noq-queue.db",
			MaxRetries: 3,
			Retention: QueueRetention{
				KeepHours:          168,
				PruneOnStart:       true,
				PruneIntervalHours: 6,
			},
		},
		Syncer: Syncer{
			Workers:         4,
			IntervalSeconds: 30,
			Backfill: Backfill{
				Enabled:         true,
				WindowDays:      90,
				IntervalMinutes: 15,
				UseNegentropy:   true,
			},
		},
		Events: Events{
			Driver:        "sqlite",
			SQLitePath:    "./data/noq-events.db",
			LMDBPath:      "./data/noq-events.lmdb",
			LMDBMaxSizeMB: 10240,
			CacheKeepDays: 30,
		},
		LocalRelay: LocalRelay{
			Enabled:     true,
			Bind:        "127.0.0.1:4869",
			Name:        "noq local relay",
			Description: "Local mirror of the owner's events and queue results",
		},
		Caching: Caching{
			Enabled:         true,
			Engine:          "memory",
			RedisURL:        "",
			NIP05TTLSeconds: 3600,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// validLogLevels defines allowed log levels
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validEventDrivers defines allowed event cache drivers
var validEventDrivers = map[string]bool{
	"sqlite": true,
	"lmdb":   true,
}

// validCacheEngines defines allowed cache engines
var validCacheEngines = map[string]bool{
	"memory": true,
	"redis":  true,
}

// Validate checks if a configuration is valid
func Validate(cfg *Config) error {
	// Validate identity
	if cfg.Identity.Npub == "" {
		return fmt.Errorf("identity.npub is required")
	}
	if !strings.HasPrefix(cfg.Identity.Npub, "npub1") {
		return fmt.Errorf("identity.npub must start with 'npub1'")
	}

	// Validate relay seeds
	if len(cfg.Relays.Seeds) == 0 {
		return fmt.Errorf("at least one relay seed is required")
	}
	for _, seed := range cfg.Relays.Seeds {
		if !strings.HasPrefix(seed, "wss://") && !strings.HasPrefix(seed, "ws://") {
			return fmt.Errorf("relay seed must start with ws:// or wss://: %s", seed)
		}
	}
	if cfg.Relays.Policy.ConnectTimeoutMs < 100 || cfg.Relays.Policy.ConnectTimeoutMs > 60000 {
		return fmt.Errorf("relays.policy.connect_timeout_ms must be between 100 and 60000")
	}
	if cfg.Relays.Policy.PublishTimeoutMs < 100 || cfg.Relays.Policy.PublishTimeoutMs > 120000 {
		return fmt.Errorf("relays.policy.publish_timeout_ms must be between 100 and 120000")
	}
	for _, ms := range cfg.Relays.Policy.BackoffMs {
		if ms < 0 {
			return fmt.Errorf("relays.policy.backoff_ms entries must not be negative")
		}
	}

	// Validate queue settings
	if cfg.Queue.DBPath == "" {
		return fmt.Errorf("queue.db_path is required")
	}
	if cfg.Queue.MaxRetries < 0 || cfg.Queue.MaxRetries > 10 {
		return fmt.Errorf("queue.max_retries must be between 0 and 10")
	}
	if cfg.Queue.Retention.KeepHours < 0 {
		return fmt.Errorf("queue.retention.keep_hours must not be negative")
	}
	if cfg.Queue.Retention.PruneIntervalHours < 1 || cfg.Queue.Retention.PruneIntervalHours > 168 {
		return fmt.Errorf("queue.retention.prune_interval_hours must be between 1 and 168")
	}

	// Validate syncer settings
	if cfg.Syncer.Workers < 1 || cfg.Syncer.Workers > 32 {
		return fmt.Errorf("syncer.workers must be between 1 and 32")
	}
	if cfg.Syncer.IntervalSeconds < 5 || cfg.Syncer.IntervalSeconds > 3600 {
		return fmt.Errorf("syncer.interval_seconds must be between 5 and 3600")
	}
	if cfg.Syncer.Backfill.Enabled {
		if cfg.Syncer.Backfill.WindowDays < 1 || cfg.Syncer.Backfill.WindowDays > 3650 {
			return fmt.Errorf("syncer.backfill.window_days must be between 1 and 3650")
		}
		if cfg.Syncer.Backfill.IntervalMinutes < 1 || cfg.Syncer.Backfill.IntervalMinutes > 1440 {
			return fmt.Errorf("syncer.backfill.interval_minutes must be between 1 and 1440")
		}
	}

	// Validate event cache driver
	if !validEventDrivers[cfg.Events.Driver] {
		return fmt.Errorf("invalid events driver: %s (must be one of: sqlite, lmdb)", cfg.Events.Driver)
	}
	if cfg.Events.Driver == "sqlite" && cfg.Events.SQLitePath == "" {
		return fmt.Errorf("events.sqlite_path is required for the sqlite driver")
	}
	if cfg.Events.Driver == "lmdb" && cfg.Events.LMDBPath == "" {
		return fmt.Errorf("events.lmdb_path is required for the lmdb driver")
	}
	if cfg.Events.CacheKeepDays < 0 {
		return fmt.Errorf("events.cache_keep_days must not be negative")
	}

	// Validate local relay
	if cfg.LocalRelay.Enabled && cfg.LocalRelay.Bind == "" {
		return fmt.Errorf("local_relay.bind is required when local_relay.enabled is true")
	}

	// Validate cache engine
	if cfg.Caching.Enabled && !validCacheEngines[cfg.Caching.Engine] {
		return fmt.Errorf("invalid cache engine: %s (must be one of: memory, redis)", cfg.Caching.Engine)
	}
	if cfg.Caching.Enabled && cfg.Caching.Engine == "redis" && cfg.Caching.RedisURL == "" {
		return fmt.Errorf("caching.redis_url is required for the redis engine (or set NOQ_REDIS_URL)")
	}
	if cfg.Caching.Enabled && cfg.Caching.NIP05TTLSeconds < 1 {
		return fmt.Errorf("caching.nip05_ttl_seconds must be at least 1")
	}

	// Validate log level
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", cfg.Logging.Level)
	}

	return nil
}
