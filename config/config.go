// Package config loads interpreter settings from TOML files.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/luahost"
)

// Config describes an interpreter's construction-time settings.
//
//	libraries = ["sandboxed"]
//	preload = ["io"]
//	memory_limit = 1048576
//	json_module = true
type Config struct {
	Libraries   []string `toml:"libraries"`
	Preload     []string `toml:"preload"`
	MemoryLimit int64    `toml:"memory_limit"`
	JSONModule  bool     `toml:"json_module"`
}

// Default returns the settings used when no file is present.
func Default() *Config {
	return &Config{Libraries: []string{"sandboxed"}}
}

// Load reads a config file. A missing file is not an error and yields
// the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return Parse(path, data)
}

// Parse decodes TOML data. The source name is used in error messages
// only.
func Parse(source string, data []byte) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, &ParseError{Path: source, Message: err.Error(), Err: err}
	}
	if len(cfg.Libraries) == 0 {
		cfg.Libraries = Default().Libraries
	}
	return cfg, nil
}

// Options converts the settings into interpreter options.
func (c *Config) Options() ([]luahost.Option, error) {
	libs, err := luahost.ParseLibrarySet(c.Libraries)
	if err != nil {
		return nil, err
	}
	opts := []luahost.Option{luahost.WithLibraries(libs)}

	if len(c.Preload) > 0 {
		preload, err := luahost.ParseLibrarySet(c.Preload)
		if err != nil {
			return nil, err
		}
		opts = append(opts, luahost.WithPreload(preload))
	}
	if c.MemoryLimit > 0 {
		opts = append(opts, luahost.WithMemoryLimit(c.MemoryLimit))
	}
	return opts, nil
}

// ParseError reports a malformed configuration file.
type ParseError struct {
	Path    string
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s: %s", e.Path, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
