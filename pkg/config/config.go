package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/logship/pkg/types"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPushInterval = 30 * time.Second
	DefaultMinFreeSpace = 768 * 1024 * 1024
	DefaultMaxAge       = 7 * 24 * time.Hour
	DefaultMetricsAddr  = "127.0.0.1:9464"

	minPushInterval = time.Second
)

// Config is the agent configuration
type Config struct {
	// Endpoint is the collector URL logs are POSTed to
	Endpoint string `yaml:"endpoint"`

	// Level is the minimum level an entry needs to be stored
	Level types.Level `yaml:"level"`

	// Debug enables debug-level diagnostics from the agent itself
	Debug bool `yaml:"debug"`

	PushInterval time.Duration `yaml:"push_interval"`

	// DataDir holds the segment directory, the metadata database and the
	// instance id
	DataDir string `yaml:"data_dir"`

	// MinFreeSpace is the free space in bytes below which buffered batches
	// are dropped instead of written. 0 turns admission control off.
	MinFreeSpace uint64 `yaml:"min_free_space"`

	// AttachCrashHandler makes CrashHook salvage buffered entries
	AttachCrashHandler bool `yaml:"attach_crash_handler"`

	// PrintToStdout mirrors every accepted entry to the diagnostic logger
	PrintToStdout bool `yaml:"print_to_stdout"`

	// ShipDiagnostics sends the agent's own warnings to the endpoint
	ShipDiagnostics bool `yaml:"ship_diagnostics"`

	Retention Retention `yaml:"retention"`
	Metrics   Metrics   `yaml:"metrics"`
}

// Retention bounds the sealed history kept on disk. Zero disables a bound.
type Retention struct {
	MaxAge  time.Duration `yaml:"max_age"`
	MaxSize int64         `yaml:"max_size"`
}

// Metrics configures the /metrics, /health and /ready listener
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the configuration used when a field is not set
func Default() *Config {
	return &Config{
		Level:              types.LevelInfo,
		PushInterval:       DefaultPushInterval,
		DataDir:            defaultDataDir(),
		MinFreeSpace:       DefaultMinFreeSpace,
		ShipDiagnostics:    true,
		Retention: Retention{
			MaxAge: DefaultMaxAge,
		},
		Metrics: Metrics{
			Address: DefaultMetricsAddr,
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "logship")
	}
	return filepath.Join(os.TempDir(), "logship")
}

// Load reads a YAML file over the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration is usable
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint must be an http or https URL, got %q", c.Endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q has no host", c.Endpoint)
	}

	if !c.Level.Valid() {
		return fmt.Errorf("invalid level %d", c.Level)
	}
	if c.PushInterval < minPushInterval {
		return fmt.Errorf("push interval must be at least %s, got %s", minPushInterval, c.PushInterval)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	if c.Retention.MaxAge < 0 || c.Retention.MaxSize < 0 {
		return fmt.Errorf("retention bounds must not be negative")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics address is required when metrics are enabled")
	}
	return nil
}

// SegmentDir is the directory holding the live and sealed segments
func (c *Config) SegmentDir() string {
	return filepath.Join(c.DataDir, "segments")
}

// Marshal renders the configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
