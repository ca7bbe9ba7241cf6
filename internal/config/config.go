// Package config holds the loader configuration: client library search
// directories, the per-thread TLS reservation size, and diagnostics flags.
// Values come from an optional YAML file with environment overrides.
package config

import (
	"fmt"
	"os"

	"github.com/xyproto/env/v2"
	"gopkg.in/yaml.v3"
)

// Environment variables honored by the loader.
const (
	// LibraryPathVar is the colon-separated search path consulted after
	// client directories and the current working directory.
	LibraryPathVar = "LD_LIBRARY_PATH"

	debugVar        = "DRK_LOADER_DEBUG"
	tlsSizePagesVar = "DRK_CLIENT_TLS_PAGES"
)

// Config describes the loader's tunables.
type Config struct {
	// ClientLibDirs are searched first when resolving a library name.
	ClientLibDirs []string `yaml:"client_lib_dirs"`

	// ClientTLSPages is the per-thread private TLS reservation in pages.
	// The static TLS footprint of all loaded modules plus the synthesized
	// TCB must fit inside it.
	ClientTLSPages int `yaml:"client_tls_size"`

	// Debug enables verbose loader logging.
	Debug bool `yaml:"debug"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		ClientTLSPages: 1,
	}
}

// Load reads the YAML configuration at path (if non-empty and present)
// and applies environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if cfg.ClientTLSPages < 1 {
		cfg.ClientTLSPages = 1
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if env.Has(debugVar) {
		c.Debug = env.Bool(debugVar)
	}
	if env.Has(tlsSizePagesVar) {
		c.ClientTLSPages = env.Int(tlsSizePagesVar, c.ClientTLSPages)
	}
}

// LibraryPath returns the raw LD_LIBRARY_PATH value. Parsing into
// directories happens in the search-path resolver.
func LibraryPath() string {
	return env.Str(LibraryPathVar)
}
