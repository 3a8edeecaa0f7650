// Package config loads molt settings from defaults, an optional YAML
// file, and MOLT_* environment variables, in that order.
package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultBaud is the serial speed used when talking to ROM loaders.
	DefaultBaud = 460800
	// DefaultWorkers flashes boards one at a time; concurrent bulk
	// writes on a shared USB bus mostly cost more than they save.
	DefaultWorkers = 1
)

// DefaultIndexURL lists the published firmware builds.
const DefaultIndexURL = "https://micropython.org/download/index.json"

// Config holds all molt configuration. Timeouts are in seconds.
type Config struct {
	FirmwareDir    string         `yaml:"firmware_dir" env:"MOLT_FIRMWARE"`
	IndexURL       string         `yaml:"index_url" env:"MOLT_INDEX"`
	Ignore         []string       `yaml:"ignore" env:"MOLT_IGNORE"`
	Workers        int            `yaml:"workers" env:"MOLT_WORKERS"`
	Baud           int            `yaml:"baud" env:"MOLT_BAUD"`
	WriteTimeout   int            `yaml:"write_timeout" env:"MOLT_WRITE_TIMEOUT"`
	VerifyTimeout  int            `yaml:"verify_timeout" env:"MOLT_VERIFY_TIMEOUT"`
	BootloaderWait map[string]int `yaml:"bootloader_wait"`
	LogLevel       string         `yaml:"log_level" env:"MOLT_LOG"`
}

// Defaults returns a Config with default values. Firmware lands next
// to the browser's downloads, where most users already keep images.
func Defaults() Config {
	dir := "firmware"
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, "Downloads", "firmware")
	}
	return Config{
		FirmwareDir:   dir,
		IndexURL:      DefaultIndexURL,
		Workers:       DefaultWorkers,
		Baud:          DefaultBaud,
		WriteTimeout:  300,
		VerifyTimeout: 60,
		LogLevel:      "info",
	}
}

// Load reads and merges configuration.
// Order: defaults → file ($MOLT_CONFIG or ~/.config/molt/config.yaml)
// → environment.
func Load(ctx context.Context) (Config, error) {
	cfg := Defaults()

	path := os.Getenv("MOLT_CONFIG")
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".config", "molt", "config.yaml")
		}
	}
	mergeFromFile(&cfg, path)

	if err := envconfig.Process(ctx, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDeadline bounds one write phase.
func (c Config) WriteDeadline() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Second
}

// VerifyDeadline bounds one post-flash identification.
func (c Config) VerifyDeadline() time.Duration {
	return time.Duration(c.VerifyTimeout) * time.Second
}

// BootloaderDeadline returns the configured transition wait for a port
// family, or zero when the built-in method timeouts should stand.
func (c Config) BootloaderDeadline(family string) time.Duration {
	return time.Duration(c.BootloaderWait[family]) * time.Second
}

func mergeFromFile(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	yaml.Unmarshal(data, cfg)
}
