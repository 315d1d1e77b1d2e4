package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/lazypower/pantry/internal/engine"
	"github.com/lazypower/pantry/internal/memory"
	"github.com/lazypower/pantry/internal/scoring"
	"github.com/lazypower/pantry/internal/store"
)

// Backend names accepted in data.backend.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// SQLiteFileName is the database file created under data.dir by the sqlite
// backend.
const SQLiteFileName = "pantry.db"

// Config holds all pantry configuration.
// It is loaded from ~/.pantry/config.yaml and can be overridden by
// PANTRY_* environment variables.
type Config struct {
	Data    DataConfig    `mapstructure:"data" yaml:"data"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Memory  MemoryConfig  `mapstructure:"memory" yaml:"memory"`
	Scoring ScoringConfig `mapstructure:"scoring" yaml:"scoring"`
	Watch   WatchConfig   `mapstructure:"watch" yaml:"watch"`
}

type DataConfig struct {
	Dir     string `mapstructure:"dir" yaml:"dir"`
	Backend string `mapstructure:"backend" yaml:"backend"` // "file", "sqlite", "postgres"
	DSN     string `mapstructure:"dsn" yaml:"dsn,omitempty"`
}

type ServerConfig struct {
	Bind string `mapstructure:"bind" yaml:"bind"`
	Port int    `mapstructure:"port" yaml:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // "console" or "json"
}

type MemoryConfig struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
	RestockThreshold    float64 `mapstructure:"restock_threshold" yaml:"restock_threshold"`
	ContextItems        int     `mapstructure:"context_items" yaml:"context_items"`
	// RelearnInterval is how often serve relearns cadence for open
	// households. Zero disables it.
	RelearnInterval time.Duration `mapstructure:"relearn_interval" yaml:"relearn_interval"`
	// CleanupKeep is the per-item purchase history kept by `pantry cleanup`.
	CleanupKeep int `mapstructure:"cleanup_keep" yaml:"cleanup_keep"`
}

type ScoringConfig struct {
	SlotWeights        scoring.SlotWeights       `mapstructure:"slot_weights" yaml:"slot_weights"`
	SubstituteWeights  scoring.SubstituteWeights `mapstructure:"substitute_weights" yaml:"substitute_weights"`
	UrgencyHorizonDays int                       `mapstructure:"urgency_horizon_days" yaml:"urgency_horizon_days"`
}

type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Data: DataConfig{
			Dir:     "~/.pantry/data",
			Backend: BackendFile,
		},
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Memory: MemoryConfig{
			SimilarityThreshold: memory.DefaultSimilarityThreshold,
			RestockThreshold:    memory.DefaultRestockThreshold,
			ContextItems:        20,
			RelearnInterval:     6 * time.Hour,
			CleanupKeep:         50,
		},
		Scoring: ScoringConfig{
			SlotWeights:        scoring.DefaultSlotWeights,
			SubstituteWeights:  scoring.DefaultSubstituteWeights,
			UrgencyHorizonDays: scoring.DefaultUrgencyHorizonDays,
		},
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: 250 * time.Millisecond,
		},
	}
}

// DefaultPath returns ~/.pantry/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".pantry", "config.yaml"), nil
}

// Load reads the config from the default path.
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath reads a YAML config file, writing the defaults there first if
// it does not exist. Environment variables override file values, e.g.
// PANTRY_DATA_BACKEND or PANTRY_SERVER_PORT.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PANTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Sections missing from an older file keep their defaults.
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Data.Dir = expandPath(cfg.Data.Dir)
	return cfg, nil
}

// SaveToPath writes the config as YAML.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeConfigFile(path, c)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Data.Backend {
	case BackendFile, BackendSQLite:
		if c.Data.Dir == "" {
			return fmt.Errorf("data.dir cannot be empty")
		}
	case BackendPostgres:
		if c.Data.DSN == "" {
			return fmt.Errorf("data.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid data.backend %q, must be one of: file, sqlite, postgres", c.Data.Backend)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level %q, must be one of: debug, info, warn, error", c.Logging.Level)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid logging.format %q, must be 'console' or 'json'", c.Logging.Format)
	}

	m := c.Memory
	if m.SimilarityThreshold <= 0 || m.SimilarityThreshold > 1 {
		return fmt.Errorf("memory.similarity_threshold must be in (0, 1]")
	}
	if m.RestockThreshold < 0 || m.RestockThreshold > 1 {
		return fmt.Errorf("memory.restock_threshold must be in [0, 1]")
	}
	if m.ContextItems < 1 {
		return fmt.Errorf("memory.context_items must be positive")
	}
	if m.RelearnInterval < 0 {
		return fmt.Errorf("memory.relearn_interval cannot be negative")
	}
	if m.CleanupKeep < 1 {
		return fmt.Errorf("memory.cleanup_keep must be positive")
	}

	sw := c.Scoring.SlotWeights
	if err := checkWeights("scoring.slot_weights", sw.Day, sw.Time, sw.Cost, sw.Availability, sw.Urgency); err != nil {
		return err
	}
	cw := c.Scoring.SubstituteWeights
	if err := checkWeights("scoring.substitute_weights", cw.Similarity, cw.Brand, cw.Price, cw.History, cw.Availability); err != nil {
		return err
	}
	if c.Scoring.UrgencyHorizonDays < 1 {
		return fmt.Errorf("scoring.urgency_horizon_days must be positive")
	}

	if c.Watch.Debounce < 0 {
		return fmt.Errorf("watch.debounce cannot be negative")
	}
	return nil
}

func checkWeights(name string, ws ...float64) error {
	var sum float64
	for _, w := range ws {
		if w < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
		sum += w
	}
	if sum == 0 {
		return fmt.Errorf("%s cannot all be zero", name)
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// EngineOptions converts the memory and scoring sections.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		SlotWeights:         c.Scoring.SlotWeights,
		SubstituteWeights:   c.Scoring.SubstituteWeights,
		SimilarityThreshold: c.Memory.SimilarityThreshold,
		RestockThreshold:    c.Memory.RestockThreshold,
		UrgencyHorizonDays:  c.Scoring.UrgencyHorizonDays,
		ContextItems:        c.Memory.ContextItems,
	}
}

// OpenBackend opens the configured storage backend.
func (c *Config) OpenBackend() (store.Backend, error) {
	var (
		b   store.Backend
		err error
	)
	switch c.Data.Backend {
	case BackendFile:
		b, err = store.NewFileBackend(c.Data.Dir)
	case BackendSQLite:
		b, err = store.OpenSQLite(filepath.Join(c.Data.Dir, SQLiteFileName))
	case BackendPostgres:
		b, err = store.OpenPostgres(c.Data.DSN)
	default:
		return nil, fmt.Errorf("unknown backend %q", c.Data.Backend)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
