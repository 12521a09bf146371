package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/tcassar-diss/secmon/secmon"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "SECMON_"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	// Image is the container image to launch and monitor.
	Image string `env:"IMAGE"`

	// Duration bounds the run. Zero runs until interrupted.
	Duration time.Duration `env:"DURATION, default=0s"`

	PollTimeout   time.Duration `env:"POLL_TIMEOUT, default=100ms"`
	OutputPath    string        `env:"OUTPUT, default=secmonitor-stats.json"`
	ReportURL     string        `env:"REPORT_URL"`
	ReportTimeout time.Duration `env:"REPORT_TIMEOUT, default=10s"`
	BPFObjectPath string        `env:"BPF_OBJECT, default=bpf/secmon.bpf.o"`

	// Policy is "observed" or "strict", see secmon.Policy.
	Policy string `env:"POLICY, default=observed"`

	// MetricsAddr serves prometheus metrics when set.
	MetricsAddr       string `env:"METRICS_ADDR"`
	MetricsRatePerSec int    `env:"METRICS_RATE_LIMIT, default=10"`
	MetricsRateBurst  int    `env:"METRICS_RATE_BURST, default=20"`

	LogLevel    string `env:"LOG_LEVEL, default=info"`
	Development bool   `env:"DEVELOPMENT, default=false"`

	// RemoveContainer deletes the container once monitoring ends.
	RemoveContainer bool `env:"RM, default=false"`

	// Quiet suppresses the per-event trace lines.
	Quiet bool `env:"QUIET, default=false"`
}

// Load reads the configuration from SECMON_* environment variables.
func Load(ctx context.Context) (*Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads the configuration from lookuper, which is consulted with EnvPrefix applied.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, lookuper),
	}); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	return &cfg, nil
}

// Validate checks the fields that cannot be checked by parsing alone.
func (c *Config) Validate() error {
	if c.Image == "" {
		return fmt.Errorf("%w: image is required", ErrInvalidConfig)
	}

	if c.Duration < 0 {
		return fmt.Errorf("%w: duration must not be negative", ErrInvalidConfig)
	}

	if c.PollTimeout <= 0 {
		return fmt.Errorf("%w: poll timeout must be positive", ErrInvalidConfig)
	}

	if c.ReportTimeout <= 0 {
		return fmt.Errorf("%w: report timeout must be positive", ErrInvalidConfig)
	}

	if c.OutputPath == "" {
		return fmt.Errorf("%w: output path is required", ErrInvalidConfig)
	}

	if _, err := c.CorrelationPolicy(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return nil
}

func (c *Config) CorrelationPolicy() (secmon.Policy, error) {
	return secmon.ParsePolicy(c.Policy)
}
