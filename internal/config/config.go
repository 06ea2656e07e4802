// Package config loads the daemon configuration from YAML. Every option
// has a default; a missing file means "use defaults".
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Overflow policies for a full ingestion queue.
const (
	OverflowDropOldest = "drop_oldest"
	OverflowBlock      = "block"
)

// Durability policies for the write-ahead log.
const (
	SyncEachWrite   = "sync_each_write"
	BatchedInterval = "batched_interval"
)

// Retention modes for segments leaving the retention window.
const (
	RetentionArchive = "archive"
	RetentionDiscard = "discard"
)

// ByteSize is a size in bytes written in human units ("64MB", "1GiB").
type ByteSize int64

// UnmarshalYAML accepts either a plain integer or a humanized string.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(text)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", text, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML writes the size in human units.
func (b ByteSize) MarshalYAML() (any, error) {
	return humanize.IBytes(uint64(b)), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// IngestConfig controls the ingestion socket and queue.
type IngestConfig struct {
	// SocketPath is the unix socket hooks write events to. Relative paths
	// resolve against StorageDir.
	SocketPath string `yaml:"socket_path"`
	// Capacity bounds the in-memory queue between Submit and the writer.
	Capacity int `yaml:"capacity"`
	// Overflow is drop_oldest or block.
	Overflow string `yaml:"overflow"`
}

// APIConfig controls the query API socket.
type APIConfig struct {
	SocketPath string `yaml:"socket_path"`
}

// DurabilityConfig controls when WAL appends reach stable storage.
type DurabilityConfig struct {
	Policy       string        `yaml:"policy"`
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// WALConfig controls segment layout.
type WALConfig struct {
	SegmentSize ByteSize `yaml:"segment_size"`
}

// RetentionConfig controls compaction. Zero MaxAge or MaxSize disables
// that threshold.
type RetentionConfig struct {
	MaxAge             time.Duration `yaml:"max_age"`
	MaxSize            ByteSize      `yaml:"max_size"`
	Mode               string        `yaml:"mode"`
	Compression        string        `yaml:"compression"`
	CompactionInterval time.Duration `yaml:"compaction_interval"`
}

// TimeoutsConfig holds the only two timeouts the daemon enforces.
type TimeoutsConfig struct {
	HookHandoff time.Duration `yaml:"hook_handoff"`
	Drain       time.Duration `yaml:"drain"`
}

// RetryConfig bounds storage write retries before degraded mode.
type RetryConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	DegradedInterval time.Duration `yaml:"degraded_interval"`
}

// SupervisorConfig controls background tasks.
type SupervisorConfig struct {
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleLockAfter    time.Duration `yaml:"stale_lock_after"`
}

// ImportConfig lists plain-text command logs to follow.
type ImportConfig struct {
	WatchFiles []string `yaml:"watch_files"`
}

// LogConfig controls the daemon log.
type LogConfig struct {
	Level      string   `yaml:"level"`
	Format     string   `yaml:"format"`
	File       string   `yaml:"file"`
	MaxSize    ByteSize `yaml:"max_size"`
	MaxBackups int      `yaml:"max_backups"`
}

// Config holds the daemon configuration.
type Config struct {
	// StorageDir holds the WAL, index, archives, lock and sockets.
	StorageDir string `yaml:"storage_dir"`
	// Timezone is the IANA zone used for hour/day/week/year buckets.
	// "Local" uses the machine zone.
	Timezone string `yaml:"timezone"`

	Ingest     IngestConfig     `yaml:"ingest"`
	API        APIConfig        `yaml:"api"`
	Durability DurabilityConfig `yaml:"durability"`
	WAL        WALConfig        `yaml:"wal"`
	Retention  RetentionConfig  `yaml:"retention"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Retry      RetryConfig      `yaml:"retry"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Import     ImportConfig     `yaml:"import"`
	Log        LogConfig        `yaml:"log"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		StorageDir: defaultStorageDir(),
		Timezone:   "Local",
		Ingest: IngestConfig{
			SocketPath: "ingest.sock",
			Capacity:   1024,
			Overflow:   OverflowDropOldest,
		},
		API: APIConfig{
			SocketPath: "api.sock",
		},
		Durability: DurabilityConfig{
			Policy:       BatchedInterval,
			SyncInterval: 200 * time.Millisecond,
		},
		WAL: WALConfig{
			SegmentSize: 16 * humanize.MiByte,
		},
		Retention: RetentionConfig{
			MaxAge:             0,
			MaxSize:            0,
			Mode:               RetentionArchive,
			Compression:        "zstd",
			CompactionInterval: time.Hour,
		},
		Timeouts: TimeoutsConfig{
			HookHandoff: 50 * time.Millisecond,
			Drain:       5 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:      3,
			InitialBackoff:   50 * time.Millisecond,
			MaxBackoff:       2 * time.Second,
			DegradedInterval: 5 * time.Second,
		},
		Supervisor: SupervisorConfig{
			ReconcileInterval: 15 * time.Minute,
			HeartbeatInterval: 10 * time.Second,
			StaleLockAfter:    time.Minute,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			File:       "daemon.log",
			MaxSize:    10 * humanize.MiByte,
			MaxBackups: 3,
		},
	}
}

func defaultStorageDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "cliwrapped")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cliwrapped"
	}
	return filepath.Join(home, ".local", "share", "cliwrapped")
}

// Load reads the config from a YAML file, falling back to defaults when
// the file does not exist. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", cleanPath, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", cleanPath, err)
	}

	cfg.applyEnv()
	cfg.resolvePaths()
	return cfg, nil
}

// LoadFromDefaultPath loads the first config found in the standard
// locations, or the defaults when there is none.
func LoadFromDefaultPath() (*Config, error) {
	for _, path := range DefaultPaths() {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	cfg := DefaultConfig()
	cfg.applyEnv()
	cfg.resolvePaths()
	return cfg, nil
}

// DefaultPaths lists config locations in search order.
func DefaultPaths() []string {
	var paths []string
	if explicit := os.Getenv("CLIWRAPPED_CONFIG"); explicit != "" {
		paths = append(paths, explicit)
	}
	paths = append(paths, "cliwrapped.yaml")
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "cliwrapped", "config.yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "cliwrapped", "config.yaml"))
	}
	return paths
}

func (c *Config) applyEnv() {
	if dir := os.Getenv("CLIWRAPPED_STORAGE_DIR"); dir != "" {
		c.StorageDir = dir
	}
	if level := os.Getenv("CLIWRAPPED_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}

// resolvePaths expands "~" and makes socket, log and watched paths
// absolute relative to StorageDir.
func (c *Config) resolvePaths() {
	c.StorageDir = expandHome(c.StorageDir)
	c.Ingest.SocketPath = c.under(c.Ingest.SocketPath)
	c.API.SocketPath = c.under(c.API.SocketPath)
	if c.Log.File != "" {
		c.Log.File = c.under(c.Log.File)
	}
	for i, path := range c.Import.WatchFiles {
		c.Import.WatchFiles[i] = expandHome(path)
	}
}

func (c *Config) under(path string) string {
	path = expandHome(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.StorageDir, path)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Validate reports every invalid option at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.StorageDir == "" {
		add("storage_dir is required")
	}
	if _, err := c.Location(); err != nil {
		add("timezone: %v", err)
	}
	if c.Ingest.Capacity <= 0 {
		add("ingest.capacity must be positive")
	}
	switch c.Ingest.Overflow {
	case OverflowDropOldest, OverflowBlock:
	default:
		add("ingest.overflow must be %q or %q", OverflowDropOldest, OverflowBlock)
	}
	switch c.Durability.Policy {
	case SyncEachWrite:
	case BatchedInterval:
		if c.Durability.SyncInterval <= 0 {
			add("durability.sync_interval must be positive for %s", BatchedInterval)
		}
	default:
		add("durability.policy must be %q or %q", SyncEachWrite, BatchedInterval)
	}
	if c.WAL.SegmentSize < 4*humanize.KiByte {
		add("wal.segment_size must be at least 4KiB")
	}
	if c.Retention.MaxAge < 0 || c.Retention.MaxSize < 0 {
		add("retention thresholds must not be negative")
	}
	switch c.Retention.Mode {
	case RetentionArchive, RetentionDiscard:
	default:
		add("retention.mode must be %q or %q", RetentionArchive, RetentionDiscard)
	}
	switch c.Retention.Compression {
	case "zstd", "lz4":
	default:
		add("retention.compression must be zstd or lz4")
	}
	if c.Timeouts.HookHandoff <= 0 {
		add("timeouts.hook_handoff must be positive")
	}
	if c.Timeouts.Drain <= 0 {
		add("timeouts.drain must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		add("retry.max_attempts must be positive")
	}
	if c.Supervisor.HeartbeatInterval <= 0 {
		add("supervisor.heartbeat_interval must be positive")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		add("log.format must be text or json")
	}

	return errors.Join(errs...)
}
