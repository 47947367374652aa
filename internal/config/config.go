package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shirou/gopsutil/mem"
)

const (
	mib = 1024 * 1024
	gib = 1024 * mib
)

// Config struct for environment variables.
type Config struct {
	StoreDir string `envconfig:"STORE_DIR" required:"true"`
	DBPath   string `envconfig:"DB_PATH" default:"downloads.db"`

	// ChunkThreshold is the file size above which downloads go chunked.
	ChunkThreshold int64 `envconfig:"CHUNK_THRESHOLD" default:"16777216"`

	// ChunkSize and MaxConcurrent are derived from estimated device memory
	// when left at zero.
	ChunkSize     int64 `envconfig:"CHUNK_SIZE"`
	MaxConcurrent int   `envconfig:"MAX_CONCURRENT"`

	CacheBudget int64 `envconfig:"CACHE_BUDGET" default:"67108864"`

	PollInterval    time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`
	MaxPollAttempts int           `envconfig:"MAX_POLL_ATTEMPTS" default:"60"`

	MaxResumeAttempts int `envconfig:"MAX_RESUME_ATTEMPTS" default:"5"`

	FetchTimeout time.Duration `envconfig:"FETCH_TIMEOUT" default:"2m"`
	FetchRetries uint          `envconfig:"FETCH_RETRIES" default:"3"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`

	Telemetry struct {
		Enabled     bool   `split_words:"true" default:"true"`
		ServiceName string `split_words:"true" default:"playercache"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9696"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"2m"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct,
// filling memory-derived defaults for anything left unset.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	cfg.applyMemoryDefaults(estimateDeviceMemory())

	return &cfg, nil
}

// applyMemoryDefaults sizes the concurrency ceiling and chunk size from the
// estimated device memory: low-memory targets run 1-2 transfers with small
// chunks, high-memory targets run up to 6.
func (c *Config) applyMemoryDefaults(totalMemory uint64) {
	if c.MaxConcurrent == 0 {
		switch {
		case totalMemory < 1*gib:
			c.MaxConcurrent = 1
		case totalMemory < 2*gib:
			c.MaxConcurrent = 2
		default:
			c.MaxConcurrent = 6
		}
	}

	if c.ChunkSize == 0 {
		switch {
		case totalMemory < 1*gib:
			c.ChunkSize = 1 * mib
		case totalMemory < 2*gib:
			c.ChunkSize = 2 * mib
		default:
			c.ChunkSize = 4 * mib
		}
	}
}

// estimateDeviceMemory probes total physical memory. On probe failure it
// assumes a low-memory target, which only makes the player more conservative.
func estimateDeviceMemory() uint64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}

	return vm.Total
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
