// Package config provides configuration loading for nsrlsvr.
//
// Configuration is resolved in three layers: built-in defaults, then an
// optional YAML file (named by the --config flag or the NSRLSVR_CONFIG
// environment variable), then command-line flags that were explicitly set.
// Flag handling lives in cmd/nsrlsvr; this package owns the first two layers
// and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	idxerrors "github.com/tamirms/digestindex/errors"
)

// EnvConfigPath names the environment variable consulted when no --config
// flag is given.
const EnvConfigPath = "NSRLSVR_CONFIG"

// PkgDataDir is the default data directory. Overridden at link time:
//
//	go build -ldflags "-X github.com/tamirms/digestindex/internal/config.PkgDataDir=/usr/share/nsrlsvr"
var PkgDataDir = "/usr/local/share/nsrlsvr"

// Config is the complete nsrlsvr configuration.
type Config struct {
	// Corpus configures where and how the hash set is loaded.
	Corpus CorpusConfig `yaml:"corpus"`

	// Server configures the query listener.
	Server ServerConfig `yaml:"server"`

	// Log configures process-wide logging.
	Log LogConfig `yaml:"log"`
}

// CorpusConfig configures corpus loading and index construction.
type CorpusConfig struct {
	// File is the corpus path. Default: <PkgDataDir>/hashes.txt
	File string `yaml:"file"`

	// Mmap maps the corpus into memory instead of streaming it.
	Mmap bool `yaml:"mmap"`

	// RejectDuplicates refuses to start when an identifier appears twice.
	RejectDuplicates bool `yaml:"reject_duplicates"`

	// ProgressInterval is the number of identifiers between progress records.
	// Default: 1000000. Zero disables progress records.
	ProgressInterval int `yaml:"progress_interval"`
}

// ServerConfig configures the query listener.
type ServerConfig struct {
	// Listen is the host to bind. Default: "" (all interfaces)
	Listen string `yaml:"listen"`

	// Port is the TCP port. Default: 9120
	Port int `yaml:"port"`

	// ReadTimeout bounds the wait for one complete request line. Default: 15s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// MaxLineBytes caps a pending request line. Default: 65535
	MaxLineBytes int `yaml:"max_line_bytes"`

	// MaxConnections caps concurrently served clients. Default: 256
	MaxConnections int `yaml:"max_connections"`

	// QueriesPerSecond limits hashes answered per second per connection.
	// Default: 0 (unlimited)
	QueriesPerSecond float64 `yaml:"queries_per_second"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: info
	Level string `yaml:"level"`

	// Format is text or json. Default: text
	Format string `yaml:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Corpus: CorpusConfig{
			File:             filepath.Join(PkgDataDir, "hashes.txt"),
			ProgressInterval: 1_000_000,
		},
		Server: ServerConfig{
			Port:           9120,
			ReadTimeout:    15 * time.Second,
			MaxLineBytes:   65535,
			MaxConnections: 256,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFile loads configuration from path on top of the defaults.
// Fields absent from the file keep their default values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %w", idxerrors.ErrInvalidConfig, path, err)
	}

	cfg.Corpus.File = os.ExpandEnv(cfg.Corpus.File)
	return cfg, nil
}

// Resolve loads the file named by path, or by NSRLSVR_CONFIG when path is
// empty, or returns the defaults when neither is set.
func Resolve(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// Address returns the listen address in host:port form.
func (c *ServerConfig) Address() string {
	return c.Listen + ":" + strconv.Itoa(c.Port)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Corpus.File == "" {
		errs = append(errs, fmt.Errorf("corpus.file is required"))
	}
	if c.Corpus.ProgressInterval < 0 {
		errs = append(errs, fmt.Errorf("corpus.progress_interval must not be negative"))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout must be positive"))
	}
	if c.Server.MaxLineBytes < 64 {
		errs = append(errs, fmt.Errorf("server.max_line_bytes must be at least 64"))
	}
	if c.Server.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("server.max_connections must be at least 1"))
	}
	if c.Server.QueriesPerSecond < 0 {
		errs = append(errs, fmt.Errorf("server.queries_per_second must not be negative"))
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", idxerrors.ErrInvalidConfig, errors.Join(errs...))
}
