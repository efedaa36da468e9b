package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config holds all spiral configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Evolution EvolutionConfig `yaml:"evolution"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type StoreConfig struct {
	DataDir   string `yaml:"data_dir"`  // empty: ./.spiral
	Retention int    `yaml:"retention"` // deep archive nodes kept by aggressive compaction
}

type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // "hash", "ollama", "openai", "auto"
	Model      string `yaml:"model"` // empty: the provider's default
	URL        string `yaml:"url"` // empty: the provider's default endpoint
	APIKey     string `yaml:"api_key"`
	Dimensions int    `yaml:"dimensions"`
}

type EvolutionConfig struct {
	Schedule   string  `yaml:"schedule"`  // cron spec, e.g. "@every 30m"; empty disables
	HalfLife   string  `yaml:"half_life"` // e.g. "720h"
	DecayFloor float64 `yaml:"decay_floor"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// Embedding providers.
const (
	ProviderHash   = "hash"
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderAuto   = "auto"
)

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Store: StoreConfig{
			Retention: 500,
		},
		Embedding: EmbeddingConfig{
			Provider:   ProviderHash,
			Dimensions: 384,
		},
		Evolution: EvolutionConfig{
			Schedule:   "@every 30m",
			HalfLife:   "720h",
			DecayFloor: 0.0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds a Config from defaults, then the YAML file at path (if any),
// then a .env file in the working directory, then SPIRAL_* environment
// variables. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	// Existing environment always wins over .env.
	_ = godotenv.Load()

	if err := cfg.applyEnvOverrides(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes the config as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	str := map[string]*string{
		"SPIRAL_BIND":               &c.Server.Bind,
		"SPIRAL_DATA_DIR":           &c.Store.DataDir,
		"SPIRAL_EMBEDDING_PROVIDER": &c.Embedding.Provider,
		"SPIRAL_EMBEDDING_MODEL":    &c.Embedding.Model,
		"SPIRAL_EMBEDDING_URL":      &c.Embedding.URL,
		"SPIRAL_EVOLUTION_SCHEDULE": &c.Evolution.Schedule,
		"SPIRAL_HALF_LIFE":          &c.Evolution.HalfLife,
		"SPIRAL_LOG_LEVEL":          &c.Log.Level,
		"SPIRAL_LOG_FORMAT":         &c.Log.Format,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"SPIRAL_PORT":                 &c.Server.Port,
		"SPIRAL_RETENTION":            &c.Store.Retention,
		"SPIRAL_EMBEDDING_DIMENSIONS": &c.Embedding.Dimensions,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	if v := os.Getenv("SPIRAL_DECAY_FLOOR"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("SPIRAL_DECAY_FLOOR: %w", err)
		}
		c.Evolution.DecayFloor = f
	}

	if key := os.Getenv("SPIRAL_OPENAI_API_KEY"); key != "" {
		c.Embedding.APIKey = key
	} else if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.Embedding.APIKey == "" {
		c.Embedding.APIKey = key
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Store.Retention < 0 {
		return fmt.Errorf("store.retention must be >= 0, got %d", c.Store.Retention)
	}

	switch c.Embedding.Provider {
	case ProviderHash, ProviderOllama, ProviderAuto:
	case ProviderOpenAI:
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("embedding.provider openai requires an api key")
		}
	default:
		return fmt.Errorf("unknown embedding.provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be > 0, got %d", c.Embedding.Dimensions)
	}

	if c.Evolution.Schedule != "" {
		if _, err := cron.ParseStandard(c.Evolution.Schedule); err != nil {
			return fmt.Errorf("evolution.schedule: %w", err)
		}
	}
	if _, err := c.HalfLife(); err != nil {
		return err
	}
	if c.Evolution.DecayFloor < 0 || c.Evolution.DecayFloor >= 1 {
		return fmt.Errorf("evolution.decay_floor must be in [0,1), got %g", c.Evolution.DecayFloor)
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

// HalfLife returns the parsed relevance half-life.
func (c *Config) HalfLife() (time.Duration, error) {
	d, err := time.ParseDuration(c.Evolution.HalfLife)
	if err != nil {
		return 0, fmt.Errorf("evolution.half_life: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("evolution.half_life must be positive, got %s", d)
	}
	return d, nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// DBPath returns the store file inside the configured data directory.
func (c *Config) DBPath(fileName string) (string, error) {
	dir := c.Store.DataDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("get working dir: %w", err)
		}
		dir = filepath.Join(wd, ".spiral")
	}
	return filepath.Join(dir, fileName), nil
}
