// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package shardpool

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the file form of a dispatcher configuration.
//
//	workers: 4
//	engine: goja
//	script: battle.js
//	entryPoint: goCallJs.onReceiveBattleRsp
//	heapLimitMB: 450
//	logRate:
//	  1s: 10
//	  1m: 100
type Config struct {
	Workers       int            `yaml:"workers"`
	Engine        string         `yaml:"engine"`
	Script        string         `yaml:"script"`
	EntryPoint    string         `yaml:"entryPoint"`
	HeapLimitMB   *uint64        `yaml:"heapLimitMB"`
	StrictStartup bool           `yaml:"strictStartup"`
	LogLevel      string         `yaml:"logLevel"`
	LogRate       map[string]int `yaml:"logRate"`
	Engines       EngineConfig   `yaml:"engines"`
}

// EngineConfig holds the adapter settings shared by the engines. Zero values
// keep the engine defaults.
type EngineConfig struct {
	MemoryLimitMB int  `yaml:"memoryLimitMB"`
	MaxStackSize  int  `yaml:"maxStackSize"`
	GCThreshold   int  `yaml:"gcThreshold"`
	Console       bool `yaml:"console"`
}

// LoadConfig reads a YAML configuration file. A relative script path is
// resolved against the directory of the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if cfg.Script != "" && !filepath.IsAbs(cfg.Script) {
		cfg.Script = filepath.Join(filepath.Dir(path), cfg.Script)
	}
	return cfg, nil
}

// ParseConfig decodes and validates a YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that would otherwise fail later in New.
func (c *Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative: %d", c.Workers)
	}
	if c.EntryPoint != "" {
		if _, _, err := ParseEntryPoint(c.EntryPoint); err != nil {
			return err
		}
	}
	if _, err := c.logRates(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// LoadScript reads the configured script file.
func (c *Config) LoadScript() (*Script, error) {
	if c.Script == "" {
		return nil, ErrEmptyScript
	}
	return LoadScript(c.Script)
}

// Level returns the configured log level, Info when unset.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// Options converts the configuration into dispatcher options. The context
// factory depends on the engine and is supplied by the caller.
func (c *Config) Options() ([]Option, error) {
	rates, err := c.logRates()
	if err != nil {
		return nil, err
	}
	opts := []Option{
		WithWorkerCount(c.Workers),
		WithEntryPoint(c.EntryPoint),
		WithStrictStartup(c.StrictStartup),
	}
	if c.HeapLimitMB != nil {
		opts = append(opts, WithHeapLimit(*c.HeapLimitMB*1024*1024))
	}
	if rates != nil {
		opts = append(opts, WithLogRate(rates))
	}
	return opts, nil
}

func (c *Config) logRates() (map[time.Duration]int, error) {
	if c.LogRate == nil {
		return nil, nil
	}
	rates := make(map[time.Duration]int, len(c.LogRate))
	for window, n := range c.LogRate {
		d, err := time.ParseDuration(strings.TrimSpace(window))
		if err != nil {
			return nil, fmt.Errorf("invalid log rate window %q: %w", window, err)
		}
		rates[d] = n
	}
	if err := checkLogRates(rates); err != nil {
		return nil, err
	}
	return rates, nil
}
