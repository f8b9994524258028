// Package config loads the daemon's TOML configuration file, applying
// defaults for anything the file leaves unset.
package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the daemon's full runtime configuration.
type Config struct {
	ListenAddr    string
	XVCListenAddr string
	GPIOPinCount  int
	LogLevel      string
	MetricsAddr   string
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:    ":2542",
		XVCListenAddr: ":2543",
		GPIOPinCount:  8,
		LogLevel:      "info",
		MetricsAddr:   "",
	}
}

type fileConfig struct {
	ListenAddr    string `toml:"listen_addr"`
	XVCListenAddr string `toml:"xvc_listen_addr"`
	GPIOPinCount  int    `toml:"gpio_pin_count"`
	LogLevel      string `toml:"log_level"`
	MetricsAddr   string `toml:"metrics_addr"`
}

// Load reads path and overlays only the keys the file actually defines onto
// DefaultConfig(), mirroring the override-by-presence idiom of
// cmd/ghostctl's fileConfig loader: a key absent from the file must not
// shadow its default with TOML's own zero value.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config: load %s: %w", path, err)
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("xvc_listen_addr") {
		cfg.XVCListenAddr = strings.TrimSpace(raw.XVCListenAddr)
	}
	if meta.IsDefined("gpio_pin_count") {
		cfg.GPIOPinCount = raw.GPIOPinCount
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("config: listen_addr is required")
	}
	if cfg.GPIOPinCount < 0 {
		return fmt.Errorf("config: gpio_pin_count must not be negative")
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", cfg.LogLevel)
	}
	return nil
}
