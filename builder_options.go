package digestindex

import (
	"io"
	"log/slog"
)

const (
	// defaultProgressInterval is how many accepted identifiers pass between
	// progress records while loading.
	defaultProgressInterval = 1_000_000
)

// BuildOption is a functional option for configuring index construction.
type BuildOption func(*buildConfig)

// LoadOption is a functional option for configuring corpus loading.
type LoadOption func(*loadConfig)

type buildConfig struct {
	logger           *slog.Logger
	capacity         int
	rejectDuplicates bool
}

type loadConfig struct {
	logger           *slog.Logger
	progressInterval int
	capacityHint     int
	useMmap          bool
	decompress       bool
}

// discardLogger is the default for library types; callers opt in to output.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultBuildConfig() *buildConfig {
	return &buildConfig{
		logger: discardLogger(),
	}
}

func defaultLoadConfig() *loadConfig {
	return &loadConfig{
		logger:           discardLogger(),
		progressInterval: defaultProgressInterval,
		decompress:       true,
	}
}

// WithLogger sets the logger for build events.
func WithLogger(logger *slog.Logger) BuildOption {
	return func(c *buildConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCapacity pre-sizes the builder for n identifiers.
func WithCapacity(n int) BuildOption {
	return func(c *buildConfig) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithRejectDuplicates makes Finish fail with ErrDuplicateIdentifier when the
// same identifier was added more than once. By default duplicates are kept;
// they do not affect membership queries.
func WithRejectDuplicates() BuildOption {
	return func(c *buildConfig) {
		c.rejectDuplicates = true
	}
}

// WithLoadLogger sets the logger for load progress and summary records.
func WithLoadLogger(logger *slog.Logger) LoadOption {
	return func(c *loadConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithProgressInterval sets how many accepted identifiers pass between
// debug-level progress records. Zero or negative disables progress records.
func WithProgressInterval(n int) LoadOption {
	return func(c *loadConfig) {
		c.progressInterval = n
	}
}

// WithCapacityHint pre-sizes the result slice. A good hint avoids repeated
// growth when loading tens of millions of identifiers.
func WithCapacityHint(n int) LoadOption {
	return func(c *loadConfig) {
		if n > 0 {
			c.capacityHint = n
		}
	}
}

// WithMmap makes LoadFile memory-map regular, uncompressed files instead of
// streaming them through a buffered reader. Compressed files and non-regular
// files (pipes, devices) are always streamed.
//
// If the file is truncated while mapped, the resulting fault is reported as
// ErrSourceRead rather than crashing the process.
func WithMmap() LoadOption {
	return func(c *loadConfig) {
		c.useMmap = true
	}
}

// WithoutDecompression disables sniffing for gzip, zstd and LZ4 input.
// The source is then always treated as plain text.
func WithoutDecompression() LoadOption {
	return func(c *loadConfig) {
		c.decompress = false
	}
}
