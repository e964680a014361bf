// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

// Package metadb stores package metadata harvested from repository
// indices and installed .stone files: names, versions, dependency and
// provider expressions, and repository provenance. It is one of three
// independent SQLite databases under /.moss (see layoutdb, statedb).
package metadb

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/serpent-os/tools/internal/sqlitepool"
	"github.com/serpent-os/tools/lib/dependency"
)

const schema = `
CREATE TABLE IF NOT EXISTS packages (
	id            INTEGER PRIMARY KEY,
	repository    TEXT NOT NULL,
	repo_priority INTEGER NOT NULL DEFAULT 0,
	name          TEXT NOT NULL,
	version       TEXT NOT NULL,
	release       INTEGER NOT NULL,
	build_release INTEGER NOT NULL,
	source_id     TEXT NOT NULL,
	summary       TEXT NOT NULL DEFAULT '',
	homepage      TEXT NOT NULL DEFAULT '',
	uri           TEXT NOT NULL DEFAULT '',
	hash          TEXT NOT NULL DEFAULT '',
	size          INTEGER NOT NULL DEFAULT 0,
	UNIQUE(repository, name, version, release, build_release)
);

CREATE TABLE IF NOT EXISTS provides (
	package_id INTEGER NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
	kind       INTEGER NOT NULL,
	name       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_provides_lookup ON provides(kind, name);

CREATE TABLE IF NOT EXISTS depends (
	package_id INTEGER NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
	kind       INTEGER NOT NULL,
	name       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_depends_package ON depends(package_id);

CREATE TABLE IF NOT EXISTS meta_conflicts (
	package_id INTEGER NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
	kind       INTEGER NOT NULL,
	name       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conflicts_package ON meta_conflicts(package_id);

CREATE TABLE IF NOT EXISTS meta_licenses (
	package_id INTEGER NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
	license    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_licenses_package ON meta_licenses(package_id);
`

// Package is a single resolvable unit of metadata.
type Package struct {
	ID           int64
	Repository   string
	RepoPriority int // lower value = higher priority; the repository's index in Manager's ordered list
	Name         string
	Version      string
	Release      int64
	BuildRelease int64
	SourceID     string
	Summary      string
	Homepage     string
	URI          string
	Hash         string
	Size         int64
	Provides     dependency.Set
	Depends      dependency.Set
	Conflicts    dependency.Set
	Licenses     []string
}

// DB wraps a metadata database.
type DB struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Open opens (creating if necessary) the meta database at path and
// applies its schema.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("metadb: open %s: %w", path, err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (db *DB) Close() error { return db.pool.Close() }

// Insert adds or replaces a package's metadata row, along with its
// provides and depends expressions.
func (db *DB) Insert(ctx context.Context, pkg Package) (int64, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer db.pool.Put(conn)

	err = sqlitex.Execute(conn, "BEGIN IMMEDIATE", nil)
	if err != nil {
		return 0, fmt.Errorf("metadb: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlitex.Execute(conn, "ROLLBACK", nil)
		}
	}()

	err = sqlitex.Execute(conn, `
		INSERT INTO packages
			(repository, repo_priority, name, version, release, build_release, source_id, summary, homepage, uri, hash, size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repository, name, version, release, build_release)
		DO UPDATE SET repo_priority=excluded.repo_priority, summary=excluded.summary, homepage=excluded.homepage,
			uri=excluded.uri, hash=excluded.hash, size=excluded.size
	`, &sqlitex.ExecOptions{
		Args: []any{pkg.Repository, int64(pkg.RepoPriority), pkg.Name, pkg.Version, pkg.Release, pkg.BuildRelease,
			pkg.SourceID, pkg.Summary, pkg.Homepage, pkg.URI, pkg.Hash, pkg.Size},
	})
	if err != nil {
		return 0, fmt.Errorf("metadb: insert package: %w", err)
	}

	id, err := db.lookupID(conn, pkg)
	if err != nil {
		return 0, err
	}

	if err := sqlitex.Execute(conn, "DELETE FROM provides WHERE package_id = ?", &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
		return 0, err
	}
	if err := sqlitex.Execute(conn, "DELETE FROM depends WHERE package_id = ?", &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
		return 0, err
	}
	if err := sqlitex.Execute(conn, "DELETE FROM meta_conflicts WHERE package_id = ?", &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
		return 0, err
	}
	if err := sqlitex.Execute(conn, "DELETE FROM meta_licenses WHERE package_id = ?", &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
		return 0, err
	}

	for _, p := range pkg.Provides {
		if err := sqlitex.Execute(conn, "INSERT INTO provides (package_id, kind, name) VALUES (?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{id, int64(p.Kind), p.Name}}); err != nil {
			return 0, fmt.Errorf("metadb: insert provides: %w", err)
		}
	}
	for _, d := range pkg.Depends {
		if err := sqlitex.Execute(conn, "INSERT INTO depends (package_id, kind, name) VALUES (?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{id, int64(d.Kind), d.Name}}); err != nil {
			return 0, fmt.Errorf("metadb: insert depends: %w", err)
		}
	}
	for _, c := range pkg.Conflicts {
		if err := sqlitex.Execute(conn, "INSERT INTO meta_conflicts (package_id, kind, name) VALUES (?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{id, int64(c.Kind), c.Name}}); err != nil {
			return 0, fmt.Errorf("metadb: insert conflicts: %w", err)
		}
	}
	for _, l := range pkg.Licenses {
		if err := sqlitex.Execute(conn, "INSERT INTO meta_licenses (package_id, license) VALUES (?, ?)",
			&sqlitex.ExecOptions{Args: []any{id, l}}); err != nil {
			return 0, fmt.Errorf("metadb: insert licenses: %w", err)
		}
	}

	if err := sqlitex.Execute(conn, "COMMIT", nil); err != nil {
		return 0, fmt.Errorf("metadb: commit: %w", err)
	}
	committed = true

	return id, nil
}

func (db *DB) lookupID(conn *sqlite.Conn, pkg Package) (int64, error) {
	var id int64
	err := sqlitex.Execute(conn, `
		SELECT id FROM packages
		WHERE repository = ? AND name = ? AND version = ? AND release = ? AND build_release = ?
	`, &sqlitex.ExecOptions{
		Args: []any{pkg.Repository, pkg.Name, pkg.Version, pkg.Release, pkg.BuildRelease},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id = stmt.ColumnInt64(0)
			return nil
		},
	})
	return id, err
}

// ProvidersOf returns every package that provides expr, ordered by the
// candidate-selection precedence a resolver expects: source_release
// desc, build_release desc, repository priority asc, name asc.
func (db *DB) ProvidersOf(ctx context.Context, expr dependency.Expression) ([]Package, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer db.pool.Put(conn)

	var pkgs []Package
	err = sqlitex.Execute(conn, `
		SELECT p.id, p.repository, p.repo_priority, p.name, p.version, p.release, p.build_release, p.source_id
		FROM packages p
		JOIN provides pr ON pr.package_id = p.id
		WHERE pr.kind = ? AND pr.name = ?
		ORDER BY p.release DESC, p.build_release DESC, p.repo_priority ASC, p.name ASC
	`, &sqlitex.ExecOptions{
		Args: []any{int64(expr.Kind), expr.Name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			pkgs = append(pkgs, Package{
				ID:           stmt.ColumnInt64(0),
				Repository:   stmt.ColumnText(1),
				RepoPriority: int(stmt.ColumnInt64(2)),
				Name:         stmt.ColumnText(3),
				Version:      stmt.ColumnText(4),
				Release:      stmt.ColumnInt64(5),
				BuildRelease: stmt.ColumnInt64(6),
				SourceID:     stmt.ColumnText(7),
			})
			return nil
		},
	})
	return pkgs, err
}

// All returns every package known to metadb, in insertion (row id)
// order, with its provides and depends sets populated.
// Used to build a resolver.Graph.
func (db *DB) All(ctx context.Context) ([]Package, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer db.pool.Put(conn)

	var pkgs []Package
	err = sqlitex.Execute(conn, `
		SELECT id, repository, repo_priority, name, version, release, build_release, source_id,
			summary, homepage, uri, hash, size
		FROM packages
		ORDER BY id ASC
	`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			pkgs = append(pkgs, Package{
				ID:           stmt.ColumnInt64(0),
				Repository:   stmt.ColumnText(1),
				RepoPriority: int(stmt.ColumnInt64(2)),
				Name:         stmt.ColumnText(3),
				Version:      stmt.ColumnText(4),
				Release:      stmt.ColumnInt64(5),
				BuildRelease: stmt.ColumnInt64(6),
				SourceID:     stmt.ColumnText(7),
				Summary:      stmt.ColumnText(8),
				Homepage:     stmt.ColumnText(9),
				URI:          stmt.ColumnText(10),
				Hash:         stmt.ColumnText(11),
				Size:         stmt.ColumnInt64(12),
			})
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	for i := range pkgs {
		if err := sqlitex.Execute(conn, "SELECT kind, name FROM provides WHERE package_id = ?", &sqlitex.ExecOptions{
			Args: []any{pkgs[i].ID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				pkgs[i].Provides = append(pkgs[i].Provides, dependency.Expression{
					Kind: dependency.Kind(stmt.ColumnInt64(0)),
					Name: stmt.ColumnText(1),
				})
				return nil
			},
		}); err != nil {
			return nil, err
		}

		if err := sqlitex.Execute(conn, "SELECT kind, name FROM depends WHERE package_id = ?", &sqlitex.ExecOptions{
			Args: []any{pkgs[i].ID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				pkgs[i].Depends = append(pkgs[i].Depends, dependency.Expression{
					Kind: dependency.Kind(stmt.ColumnInt64(0)),
					Name: stmt.ColumnText(1),
				})
				return nil
			},
		}); err != nil {
			return nil, err
		}

		if err := sqlitex.Execute(conn, "SELECT kind, name FROM meta_conflicts WHERE package_id = ?", &sqlitex.ExecOptions{
			Args: []any{pkgs[i].ID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				pkgs[i].Conflicts = append(pkgs[i].Conflicts, dependency.Expression{
					Kind: dependency.Kind(stmt.ColumnInt64(0)),
					Name: stmt.ColumnText(1),
				})
				return nil
			},
		}); err != nil {
			return nil, err
		}

		if err := sqlitex.Execute(conn, "SELECT license FROM meta_licenses WHERE package_id = ?", &sqlitex.ExecOptions{
			Args: []any{pkgs[i].ID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				pkgs[i].Licenses = append(pkgs[i].Licenses, stmt.ColumnText(0))
				return nil
			},
		}); err != nil {
			return nil, err
		}
	}

	return pkgs, nil
}

// DependenciesOf returns the dependency expressions recorded for a
// package id.
func (db *DB) DependenciesOf(ctx context.Context, id int64) (dependency.Set, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer db.pool.Put(conn)

	var deps dependency.Set
	err = sqlitex.Execute(conn, "SELECT kind, name FROM depends WHERE package_id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			deps = append(deps, dependency.Expression{
				Kind: dependency.Kind(stmt.ColumnInt64(0)),
				Name: stmt.ColumnText(1),
			})
			return nil
		},
	})
	return deps, err
}
