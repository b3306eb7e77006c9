// Package config handles global configuration loading using viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"firestige.xyz/pusgate/internal/core"
	"firestige.xyz/pusgate/internal/core/crc"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `pusgate:` root key in YAML.
type GlobalConfig struct {
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Control ControlConfig `mapstructure:"control"`
	Framing FramingConfig `mapstructure:"framing"`
	Storage StorageConfig `mapstructure:"storage"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Schema  SchemaConfig  `mapstructure:"schema"`
	Command CommandConfig `mapstructure:"command"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	DataDir string        `mapstructure:"data_dir"`
	Pools   []PoolConfig  `mapstructure:"pools"`
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// ─── Framing ───

// FramingConfig configures the CRC framer.
type FramingConfig struct {
	MaxPacketSize int    `mapstructure:"max_packet_size"`
	CRC           string `mapstructure:"crc"` // sigurn/crc16 algorithm name
	// Resync warnings allowed per pool and window; 0 disables the limit.
	WarnLimit  int           `mapstructure:"warn_limit"`
	WarnWindow time.Duration `mapstructure:"warn_window"`
}

// ─── Storage ───

// StorageConfig configures the packet store.
type StorageConfig struct {
	Driver          string        `mapstructure:"driver"` // duckdb | memory
	Path            string        `mapstructure:"path"`
	CommitBatchSize int           `mapstructure:"commit_batch_size"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
	MaxRawBytes     int           `mapstructure:"max_raw_bytes"` // 0 = framing.max_packet_size
}

// ─── Ingest ───

// IngestConfig configures pool socket reads.
type IngestConfig struct {
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	ReadBuffer  int           `mapstructure:"read_buffer"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// ─── Schema ───

// SchemaConfig locates the MIB and the on-board time epoch.
type SchemaConfig struct {
	Path  string `mapstructure:"path"`
	Epoch string `mapstructure:"epoch"` // RFC 3339; on-board time zero
}

// EpochTime returns the parsed epoch. Valid after ValidateAndApplyDefaults.
func (c SchemaConfig) EpochTime() time.Time {
	t, err := time.Parse(time.RFC3339, c.Epoch)
	if err != nil {
		return core.DefaultEpoch
	}
	return t
}

// ─── Command Builder ───

// CommandConfig configures telecommand construction.
type CommandConfig struct {
	SourceID uint8 `mapstructure:"source_id"`
}

// ─── Kafka Live Feed ───

// KafkaConfig configures the optional decoded-packet publisher.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	Compression  string        `mapstructure:"compression"` // none | gzip | snappy | lz4 | zstd
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	SASL         SASLConfig    `mapstructure:"sasl"`
}

// SASLConfig contains SASL authentication settings.
type SASLConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Mechanism string `mapstructure:"mechanism"` // PLAIN | SCRAM-SHA-256 | SCRAM-SHA-512
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// ─── Pools ───

// PoolConfig declares one pool and the link that feeds it.
type PoolConfig struct {
	Name        string `mapstructure:"name" json:"name"`
	Address     string `mapstructure:"address" json:"address"`
	Mode        string `mapstructure:"mode" json:"mode"` // tm | tc
	AutoConnect bool   `mapstructure:"auto_connect" json:"auto_connect"`
}

// Validate checks a single pool declaration.
func (p PoolConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: pool name is required", core.ErrConfigInvalid)
	}
	if p.Address == "" {
		return fmt.Errorf("%w: pool %s: address is required", core.ErrConfigInvalid, p.Name)
	}
	if p.Mode != "tm" && p.Mode != "tc" {
		return fmt.Errorf("%w: pool %s: mode %q (must be tm/tc)", core.ErrConfigInvalid, p.Name, p.Mode)
	}
	return nil
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `pusgate: ...`.
type configRoot struct {
	Pusgate GlobalConfig `mapstructure:"pusgate"`
}

// Load loads configuration from file. An empty path loads defaults and
// environment only.
// The YAML file uses `pusgate:` as root key; env vars use the PUSGATE_ prefix
// (e.g., PUSGATE_LOG_LEVEL). A .env file next to the working directory is
// read first when present.
func Load(path string) (*GlobalConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `pusgate.` key prefix maps to `PUSGATE_` through the key replacer
	// (e.g., key "pusgate.log.level" → env "PUSGATE_LOG_LEVEL").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Pusgate

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "pusgate." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Control defaults
	v.SetDefault("pusgate.control.pid_file", "/var/run/pusgate.pid")
	v.SetDefault("pusgate.control.socket", "/var/run/pusgate.sock")

	// Log defaults
	v.SetDefault("pusgate.log.level", "info")
	v.SetDefault("pusgate.log.format", "json")
	v.SetDefault("pusgate.log.outputs.file.enabled", false)
	v.SetDefault("pusgate.log.outputs.file.path", "/var/log/pusgate/pusgate.log")
	v.SetDefault("pusgate.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("pusgate.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("pusgate.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("pusgate.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("pusgate.metrics.enabled", true)
	v.SetDefault("pusgate.metrics.listen", ":9091")
	v.SetDefault("pusgate.metrics.path", "/metrics")

	// Framing defaults
	v.SetDefault("pusgate.framing.max_packet_size", 4096)
	v.SetDefault("pusgate.framing.crc", crc.DefaultAlgorithm)
	v.SetDefault("pusgate.framing.warn_limit", 10)
	v.SetDefault("pusgate.framing.warn_window", "1m")

	// Storage defaults
	v.SetDefault("pusgate.data_dir", "/var/lib/pusgate")
	v.SetDefault("pusgate.storage.driver", "duckdb")
	v.SetDefault("pusgate.storage.path", "")
	v.SetDefault("pusgate.storage.commit_batch_size", 100)
	v.SetDefault("pusgate.storage.commit_interval", "1s")
	v.SetDefault("pusgate.storage.max_raw_bytes", 0)

	// Ingest defaults
	v.SetDefault("pusgate.ingest.read_timeout", "200ms")
	v.SetDefault("pusgate.ingest.read_buffer", 65536)
	v.SetDefault("pusgate.ingest.dial_timeout", "5s")

	// Schema defaults
	v.SetDefault("pusgate.schema.path", "")
	v.SetDefault("pusgate.schema.epoch", core.DefaultEpoch.Format(time.RFC3339))

	// Kafka defaults
	v.SetDefault("pusgate.kafka.enabled", false)
	v.SetDefault("pusgate.kafka.topic", "pusgate-tm")
	v.SetDefault("pusgate.kafka.compression", "snappy")
	v.SetDefault("pusgate.kafka.batch_size", 100)
	v.SetDefault("pusgate.kafka.batch_timeout", "100ms")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: log level %s (must be debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: log format %s (must be json/text)", core.ErrConfigInvalid, cfg.Log.Format)
	}

	// ── Framing ──
	if cfg.Framing.MaxPacketSize < core.PrimaryHeaderLen+core.CRCLen || cfg.Framing.MaxPacketSize > 0xFFFF+7 {
		return fmt.Errorf("%w: framing.max_packet_size %d", core.ErrConfigInvalid, cfg.Framing.MaxPacketSize)
	}
	if _, err := crc.New(cfg.Framing.CRC); err != nil {
		return fmt.Errorf("%w: framing.crc: %v", core.ErrConfigInvalid, err)
	}

	// ── Schema ──
	if _, err := time.Parse(time.RFC3339, cfg.Schema.Epoch); err != nil {
		return fmt.Errorf("%w: schema.epoch %q: %v", core.ErrConfigInvalid, cfg.Schema.Epoch, err)
	}

	// ── Storage ──
	switch cfg.Storage.Driver {
	case "duckdb":
		if cfg.Storage.Path == "" {
			cfg.Storage.Path = strings.TrimRight(cfg.DataDir, "/") + "/pusgate.duckdb"
		}
	case "memory":
	default:
		return fmt.Errorf("%w: storage.driver %q (must be duckdb/memory)", core.ErrConfigInvalid, cfg.Storage.Driver)
	}
	if cfg.Storage.CommitBatchSize <= 0 {
		return fmt.Errorf("%w: storage.commit_batch_size must be positive", core.ErrConfigInvalid)
	}
	if cfg.Storage.CommitInterval <= 0 {
		return fmt.Errorf("%w: storage.commit_interval must be positive", core.ErrConfigInvalid)
	}
	if cfg.Storage.MaxRawBytes < 0 {
		return fmt.Errorf("%w: storage.max_raw_bytes must not be negative", core.ErrConfigInvalid)
	}
	if cfg.Storage.MaxRawBytes == 0 {
		cfg.Storage.MaxRawBytes = cfg.Framing.MaxPacketSize
	}

	// ── Kafka ──
	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: kafka.brokers is required when kafka.enabled=true", core.ErrConfigInvalid)
		}
		if cfg.Kafka.Topic == "" {
			return fmt.Errorf("%w: kafka.topic is required when kafka.enabled=true", core.ErrConfigInvalid)
		}
	}

	// ── Pools ──
	seen := make(map[string]bool, len(cfg.Pools))
	for i := range cfg.Pools {
		p := &cfg.Pools[i]
		if p.Mode == "" {
			p.Mode = "tm"
		}
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate pool %s", core.ErrConfigInvalid, p.Name)
		}
		seen[p.Name] = true
	}

	return nil
}

// Pool returns the declared pool named name.
func (cfg *GlobalConfig) Pool(name string) (PoolConfig, bool) {
	for _, p := range cfg.Pools {
		if p.Name == name {
			return p, true
		}
	}
	return PoolConfig{}, false
}
