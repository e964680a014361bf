// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

package repository

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"

	"github.com/zeebo/blake3"

	"github.com/serpent-os/tools/lib/dependency"
	"github.com/serpent-os/tools/lib/metadb"
	"github.com/serpent-os/tools/lib/stone"
)

var packageHashDomain = [32]byte{'m', 'o', 's', 's', '-', 'p', 'a', 'c', 'k', 'a', 'g', 'e'}

// Repository is one configured package source. Priority is its
// position in Manager's ordered list: index 0 is highest priority, and
// the resolver breaks provider ties in that order.
type Repository struct {
	Name string
	URI  string // base URL; stone.index lives at URI + "/stone.index"
}

// Manager fetches and indexes repositories in priority order.
type Manager struct {
	repos   []Repository
	fetcher *CircuitBreakerFetcher
	meta    *metadb.DB
	logger  *slog.Logger
	cache   *IndexCache
}

// NewManager returns a Manager over repos (in priority order).
func NewManager(repos []Repository, meta *metadb.DB, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		repos:   repos,
		fetcher: NewCircuitBreakerFetcher(NewFetcher()),
		meta:    meta,
		logger:  logger,
	}
}

// SetCacheDir enables the decoded-index cache, storing each
// repository's parsed package list under dir keyed by the raw index
// bytes' content digest. Disabled (nil cache) until called.
func (m *Manager) SetCacheDir(dir string) {
	m.cache = NewIndexCache(dir)
}

// Repositories returns the manager's configured repositories, in
// priority order.
func (m *Manager) Repositories() []Repository {
	return m.repos
}

// Sync fetches every repository's stone.index and populates metadb.
func (m *Manager) Sync(ctx context.Context) error {
	for priority, repo := range m.repos {
		if err := m.syncOne(ctx, priority, repo); err != nil {
			return fmt.Errorf("repository: sync %s: %w", repo.Name, err)
		}
	}
	return nil
}

func (m *Manager) syncOne(ctx context.Context, priority int, repo Repository) error {
	artifact, err := m.fetcher.Fetch(ctx, repo.URI+"/stone.index")
	if err != nil {
		return fmt.Errorf("fetch index: %w", err)
	}
	defer artifact.Body.Close()

	raw, err := io.ReadAll(artifact.Body)
	if err != nil {
		return fmt.Errorf("read index body: %w", err)
	}

	digest := packageHash(raw)
	var cacheKey [16]byte
	copy(cacheKey[:], digest)

	pkgs, hit, err := m.cache.Load(cacheKey)
	if err != nil {
		return fmt.Errorf("read index cache: %w", err)
	}

	if !hit {
		rd, err := stone.NewReader(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("decode index header: %w", err)
		}
		if rd.Header.FileType != stone.FileTypeRepository {
			return fmt.Errorf("stone.index has unexpected file type %s", rd.Header.FileType)
		}

		payloads, err := rd.ReadPayloads()
		if err != nil {
			return fmt.Errorf("decode index payloads: %w", err)
		}

		for _, p := range payloads {
			if p.Kind != stone.KindMeta {
				continue
			}
			pkg, err := packageFromMeta(repo.Name, priority, p.Meta)
			if err != nil {
				m.logger.Warn("repository: skipping malformed index entry", "repository", repo.Name, "error", err)
				continue
			}
			pkgs = append(pkgs, pkg)
		}

		if err := m.cache.Store(cacheKey, pkgs); err != nil {
			m.logger.Warn("repository: failed to write index cache", "repository", repo.Name, "error", err)
		}
	} else {
		m.logger.Debug("repository: index cache hit", "repository", repo.Name)
	}

	for _, pkg := range pkgs {
		if _, err := m.meta.Insert(ctx, pkg); err != nil {
			return fmt.Errorf("insert %s: %w", pkg.Name, err)
		}
	}

	m.logger.Info("repository: synced", "repository", repo.Name, "entries", len(pkgs))
	return nil
}

// packageFromMeta groups one package's worth of consecutive Meta
// records (as the reference index format emits them: one Meta payload
// per package) into a metadb.Package.
func packageFromMeta(repoName string, priority int, records []stone.Meta) (metadb.Package, error) {
	pkg := metadb.Package{Repository: repoName, RepoPriority: priority}

	for _, m := range records {
		switch m.Tag {
		case stone.TagName:
			pkg.Name = m.Value
		case stone.TagVersion:
			pkg.Version = m.Value
		case stone.TagRelease:
			pkg.Release = int64(m.Number)
		case stone.TagBuildRelease:
			pkg.BuildRelease = int64(m.Number)
		case stone.TagSourceID:
			pkg.SourceID = m.Value
		case stone.TagSummary:
			pkg.Summary = m.Value
		case stone.TagHomepage:
			pkg.Homepage = m.Value
		case stone.TagPackageURI:
			pkg.URI = m.Value
		case stone.TagPackageHash:
			pkg.Hash = m.Value
		case stone.TagPackageSize:
			pkg.Size = int64(m.Number)
		case stone.TagProvides:
			pkg.Provides = append(pkg.Provides, m.Expression)
		case stone.TagDepends, stone.TagBuildDepends:
			pkg.Depends = append(pkg.Depends, m.Expression)
		case stone.TagConflicts:
			pkg.Conflicts = append(pkg.Conflicts, m.Expression)
		case stone.TagLicense:
			pkg.Licenses = append(pkg.Licenses, m.Value)
		}
	}

	if pkg.Name == "" {
		return metadb.Package{}, fmt.Errorf("index entry missing name tag")
	}

	// A package always provides its own name; the resolver relies on
	// this to satisfy plain-name dependency expressions.
	pkg.Provides = append(pkg.Provides, dependency.Expression{Kind: dependency.PackageName, Name: pkg.Name})

	return pkg, nil
}

// FetchPackage downloads the .stone archive named by pkg.URI relative
// to its repository, verifying its content hash against pkg.Hash
// before returning the raw bytes to the caller (the transaction
// engine, which will decode and absorb it).
func (m *Manager) FetchPackage(ctx context.Context, pkg metadb.Package) ([]byte, error) {
	var repo Repository
	found := false
	for _, r := range m.repos {
		if r.Name == pkg.Repository {
			repo, found = r, true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("repository: unknown repository %q for package %s", pkg.Repository, pkg.Name)
	}

	artifact, err := m.fetcher.Fetch(ctx, repo.URI+"/"+pkg.URI)
	if err != nil {
		return nil, fmt.Errorf("repository: fetch %s: %w", pkg.Name, err)
	}
	defer artifact.Body.Close()

	raw, err := io.ReadAll(artifact.Body)
	if err != nil {
		return nil, fmt.Errorf("repository: read %s body: %w", pkg.Name, err)
	}

	if pkg.Hash != "" {
		if got := hex.EncodeToString(packageHash(raw)); got != pkg.Hash {
			return nil, fmt.Errorf("repository: package hash mismatch for %s: index says %s, downloaded %s", pkg.Name, pkg.Hash, got)
		}
	}

	return raw, nil
}

// packageHash returns the 16-byte content hash identifying a .stone
// file, computed the same way stone.contentDigest computes a file's
// content-index digest: keyed BLAKE3 truncated, substituting for the
// reference format's xxh3-128 (see DESIGN.md).
func packageHash(raw []byte) []byte {
	h, err := blake3.NewKeyed(packageHashDomain[:])
	if err != nil {
		panic("repository: blake3 keyed init: " + err.Error())
	}
	h.Write(raw)
	return h.Sum(nil)[:16]
}
