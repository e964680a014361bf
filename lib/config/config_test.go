// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePathPrefersFlag(t *testing.T) {
	t.Setenv("MOSS_CONFIG", "/from/env.yaml")
	if got := ResolvePath("/from/flag.yaml"); got != "/from/flag.yaml" {
		t.Fatalf("ResolvePath = %q, want the flag value", got)
	}
}

func TestResolvePathFallsBackToEnv(t *testing.T) {
	t.Setenv("MOSS_CONFIG", "/from/env.yaml")
	if got := ResolvePath(""); got != "/from/env.yaml" {
		t.Fatalf("ResolvePath = %q, want the env value", got)
	}
}

func TestResolvePathEmpty(t *testing.T) {
	t.Setenv("MOSS_CONFIG", "")
	if got := ResolvePath(""); got != "" {
		t.Fatalf("ResolvePath = %q, want empty", got)
	}
}

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Root != "/" {
		t.Fatalf("cfg.Root = %q, want %q", cfg.Root, "/")
	}
	if len(cfg.Repositories) != 0 {
		t.Fatalf("cfg.Repositories = %v, want empty", cfg.Repositories)
	}
}

func TestLoadParsesRepositories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moss.yaml")
	yaml := "root: /mnt/target\nrepositories:\n  - name: volatile\n    uri: https://packages.serpentos.com/volatile\n    priority: 0\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Root != "/mnt/target" {
		t.Fatalf("cfg.Root = %q, want %q", cfg.Root, "/mnt/target")
	}
	if len(cfg.Repositories) != 1 || cfg.Repositories[0].Name != "volatile" {
		t.Fatalf("cfg.Repositories = %+v, want a single volatile entry", cfg.Repositories)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("Load on a missing file returned nil error")
	}
}
