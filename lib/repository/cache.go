// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

package repository

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/serpent-os/tools/internal/codec"
	"github.com/serpent-os/tools/lib/metadb"
)

// IndexCache stores the decoded package list of a fetched stone.index
// on disk, keyed by the raw index bytes' content digest, so re-running
// sync against an unchanged upstream index skips re-parsing hundreds of
// stone Meta payloads.
type IndexCache struct {
	dir string
}

// NewIndexCache returns a cache rooted at dir. dir is created lazily on
// first Store.
func NewIndexCache(dir string) *IndexCache {
	return &IndexCache{dir: dir}
}

func (c *IndexCache) path(digest [16]byte) string {
	return filepath.Join(c.dir, hex.EncodeToString(digest[:])+".cbor")
}

// Load returns the cached package list for digest, or ok=false on a
// cache miss (including "cache not yet initialized").
func (c *IndexCache) Load(digest [16]byte) (pkgs []metadb.Package, ok bool, err error) {
	if c == nil {
		return nil, false, nil
	}

	data, err := os.ReadFile(c.path(digest))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("repository: read index cache: %w", err)
	}

	if err := codec.Unmarshal(data, &pkgs); err != nil {
		// A corrupt or format-mismatched cache entry is a miss, not a
		// fatal error: the caller falls back to re-decoding the index.
		return nil, false, nil
	}
	return pkgs, true, nil
}

// Store writes pkgs to the cache under digest.
func (c *IndexCache) Store(digest [16]byte, pkgs []metadb.Package) error {
	if c == nil {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("repository: create index cache dir: %w", err)
	}

	data, err := codec.Marshal(pkgs)
	if err != nil {
		return fmt.Errorf("repository: encode index cache entry: %w", err)
	}

	tmp, err := os.CreateTemp(c.dir, ".cache-*")
	if err != nil {
		return fmt.Errorf("repository: create temp cache file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("repository: write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, c.path(digest))
}
