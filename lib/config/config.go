// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

// Package config provides configuration loading for the moss CLI.
//
// Configuration is loaded from a single file: the explicit path a
// caller passes to ResolvePath, or else the MOSS_CONFIG environment
// variable. The moss CLI passes no explicit path, so for the CLI only
// MOSS_CONFIG applies.
//
// There is no fallback search path. When no path is set, Load returns
// a zero-value Config with an empty repository list.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RepositoryConfig names one configured package source.
type RepositoryConfig struct {
	Name     string `yaml:"name"`
	URI      string `yaml:"uri"`
	Priority int    `yaml:"priority"`
}

// Config is the top-level moss configuration.
type Config struct {
	// Root is the installation root moss operates on when -D is not
	// passed on the command line. Defaults to "/".
	Root string `yaml:"root"`

	// Repositories lists configured package sources in priority order:
	// an earlier entry wins resolver ties. The CLI does not read
	// RepositoryConfig.Priority; only the position in this list counts.
	Repositories []RepositoryConfig `yaml:"repositories"`
}

// ResolvePath returns the configuration file path to load: the
// explicit flag value if non-empty, else MOSS_CONFIG, else "".
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv("MOSS_CONFIG")
}

// Load reads and parses the YAML config file at path. An empty path
// returns a zero-value Config with Root defaulted to "/".
func Load(path string) (Config, error) {
	cfg := Config{Root: "/"}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Root == "" {
		cfg.Root = "/"
	}

	return cfg, nil
}
