// Package config handles TermGraph configuration via environment variables
// and an optional YAML file.
//
// Configuration is loaded in three layers, each overriding the previous:
// built-in defaults, the YAML file named by TERMGRAPH_CONFIG (when set),
// and TERMGRAPH_-prefixed environment variables. Load with Load() and
// validate with Validate() before use.
//
// Example Usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
//	fmt.Printf("HTTP server: %s:%d\n", cfg.Server.Address, cfg.Server.Port)
//
// Environment Variables:
//   - TERMGRAPH_CONFIG=/etc/termgraph/config.yaml
//   - TERMGRAPH_HTTP_ADDRESS=0.0.0.0
//   - TERMGRAPH_HTTP_PORT=8087
//   - TERMGRAPH_API_TOKEN_HASH=<bcrypt hash>
//   - TERMGRAPH_SQLITE_PATH=./data/termgraph.db
//   - TERMGRAPH_BADGER_DIR=./data/graph
//   - TERMGRAPH_INFER_DECAY=0.9
//   - TERMGRAPH_INFER_MIN_CONFIDENCE=0.75
//   - TERMGRAPH_INFER_MAX_DEPTH=3
//   - TERMGRAPH_INFER_SCHEDULE="0 3 * * *"
//   - TERMGRAPH_BACKEND_ACTIVATION_THRESHOLD=5000
//
// For a complete list, see the Config struct field documentation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/termgraph/termgraph/pkg/relation"
)

// Config holds all TermGraph configuration.
//
// Sections:
//   - Server: HTTP API settings
//   - Storage: backend paths and selection tuning
//   - Inference: rule engine tuning and scheduling
//   - Types: additional relation types beyond the built-ins
type Config struct {
	Server    ServerConfig        `yaml:"server"`
	Storage   StorageConfig       `yaml:"storage"`
	Inference InferenceConfig     `yaml:"inference"`
	Types     []relation.TypeSpec `yaml:"types"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	// Address to bind to (default 127.0.0.1)
	Address string `yaml:"address"`
	// Port for HTTP connections (default 8087)
	Port int `yaml:"port"`
	// APITokenHash is the bcrypt hash of the API token. Empty disables
	// authentication; never run that way outside development.
	APITokenHash string `yaml:"api_token_hash"`
	// ReadTimeout and WriteTimeout bound request handling.
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// InferRatePerMinute caps POST /infer requests per client (default 10).
	InferRatePerMinute int `yaml:"infer_rate_per_minute"`
}

// StorageConfig holds backend settings.
type StorageConfig struct {
	// SQLitePath is the relational database file (default
	// ./data/termgraph.db, ":memory:" for ephemeral).
	SQLitePath string `yaml:"sqlite_path"`
	// BadgerDir is the graph backend directory. Empty disables the graph
	// backend entirely.
	BadgerDir string `yaml:"badger_dir"`
	// ActivationThreshold is the edge count past which the graph backend
	// is benchmarked for adoption (default 5000).
	ActivationThreshold int64 `yaml:"activation_threshold"`
	// AdoptionSpeedup is the required traversal speedup factor (default 2).
	AdoptionSpeedup float64 `yaml:"adoption_speedup"`
	// ErrorRateThreshold triggers automatic fallback (default 0.10).
	ErrorRateThreshold float64 `yaml:"error_rate_threshold"`
}

// InferenceConfig holds rule engine tuning.
type InferenceConfig struct {
	// Decay is the per-composition-step confidence multiplier (default 0.9).
	Decay float64 `yaml:"decay"`
	// MinConfidence is the candidate floor (default 0.75).
	MinConfidence float64 `yaml:"min_confidence"`
	// MaxDepth bounds derivation chains in edges (default 3).
	MaxDepth int `yaml:"max_depth"`
	// Schedule is a cron expression for periodic full re-inference. Empty
	// disables scheduling.
	Schedule string `yaml:"schedule"`
	// ChunkSize is the bulk re-inference checkpoint interval in terms
	// (default 100).
	ChunkSize int `yaml:"chunk_size"`
	// CheckpointPath persists bulk progress for resume (default
	// ./data/reinfer.checkpoint).
	CheckpointPath string `yaml:"checkpoint_path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:            "127.0.0.1",
			Port:               8087,
			ReadTimeout:        15 * time.Second,
			WriteTimeout:       30 * time.Second,
			InferRatePerMinute: 10,
		},
		Storage: StorageConfig{
			SQLitePath:          "./data/termgraph.db",
			BadgerDir:           "./data/graph",
			ActivationThreshold: 5000,
			AdoptionSpeedup:     2.0,
			ErrorRateThreshold:  0.10,
		},
		Inference: InferenceConfig{
			Decay:          0.9,
			MinConfidence:  0.75,
			MaxDepth:       3,
			ChunkSize:      100,
			CheckpointPath: "./data/reinfer.checkpoint",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by TERMGRAPH_CONFIG, and TERMGRAPH_ environment variables, then validates
// it.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("TERMGRAPH_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.loadEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads one YAML file over the defaults, then applies environment
// overrides.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.loadEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() {
	c.Server.Address = getEnv("TERMGRAPH_HTTP_ADDRESS", c.Server.Address)
	c.Server.Port = getEnvInt("TERMGRAPH_HTTP_PORT", c.Server.Port)
	c.Server.APITokenHash = getEnv("TERMGRAPH_API_TOKEN_HASH", c.Server.APITokenHash)
	c.Server.InferRatePerMinute = getEnvInt("TERMGRAPH_INFER_RATE_PER_MINUTE", c.Server.InferRatePerMinute)

	c.Storage.SQLitePath = getEnv("TERMGRAPH_SQLITE_PATH", c.Storage.SQLitePath)
	c.Storage.BadgerDir = getEnv("TERMGRAPH_BADGER_DIR", c.Storage.BadgerDir)
	c.Storage.ActivationThreshold = int64(getEnvInt("TERMGRAPH_BACKEND_ACTIVATION_THRESHOLD", int(c.Storage.ActivationThreshold)))
	c.Storage.ErrorRateThreshold = getEnvFloat("TERMGRAPH_BACKEND_ERROR_RATE", c.Storage.ErrorRateThreshold)

	c.Inference.Decay = getEnvFloat("TERMGRAPH_INFER_DECAY", c.Inference.Decay)
	c.Inference.MinConfidence = getEnvFloat("TERMGRAPH_INFER_MIN_CONFIDENCE", c.Inference.MinConfidence)
	c.Inference.MaxDepth = getEnvInt("TERMGRAPH_INFER_MAX_DEPTH", c.Inference.MaxDepth)
	c.Inference.Schedule = getEnv("TERMGRAPH_INFER_SCHEDULE", c.Inference.Schedule)
	c.Inference.ChunkSize = getEnvInt("TERMGRAPH_INFER_CHUNK_SIZE", c.Inference.ChunkSize)
	c.Inference.CheckpointPath = getEnv("TERMGRAPH_INFER_CHECKPOINT", c.Inference.CheckpointPath)
}

// Validate checks configuration bounds.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid HTTP port %d", c.Server.Port)
	}
	if c.Storage.SQLitePath == "" {
		return fmt.Errorf("sqlite_path must not be empty")
	}
	if c.Inference.Decay <= 0 || c.Inference.Decay > 1 {
		return fmt.Errorf("inference decay must be in (0, 1], got %v", c.Inference.Decay)
	}
	if c.Inference.MinConfidence < 0 || c.Inference.MinConfidence > 1 {
		return fmt.Errorf("inference min_confidence must be in [0, 1], got %v", c.Inference.MinConfidence)
	}
	if c.Inference.MaxDepth < 1 {
		return fmt.Errorf("inference max_depth must be at least 1, got %d", c.Inference.MaxDepth)
	}
	for _, spec := range c.Types {
		if spec.Name == "" {
			return fmt.Errorf("relation type with empty name")
		}
	}
	return nil
}

// Registry builds the relation type registry: built-in types plus the
// configured extensions.
func (c *Config) Registry() (*relation.Registry, error) {
	reg := relation.NewRegistry()
	for _, spec := range c.Types {
		if err := reg.Register(spec); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func getEnv(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
