// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

// Package layoutdb stores, per installed package, the filesystem
// entries it owns: path, type, permissions, and (for regular files)
// the content digest a hashstore materializes from.
package layoutdb

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/serpent-os/tools/internal/sqlitepool"
	"github.com/serpent-os/tools/lib/stone"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	id         INTEGER PRIMARY KEY,
	package_id INTEGER NOT NULL,
	file_type  INTEGER NOT NULL,
	target     TEXT NOT NULL,
	source     BLOB,
	uid        INTEGER NOT NULL,
	gid        INTEGER NOT NULL,
	mode       INTEGER NOT NULL,
	tag        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_entries_package ON entries(package_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_target ON entries(target);
`

// Entry mirrors a stone.Layout record, joined to the metadb package id
// that owns it.
type Entry struct {
	PackageID int64
	FileType  stone.LayoutFileType
	Target    string
	Source    []byte
	UID       uint32
	GID       uint32
	Mode      uint32
	Tag       uint32
}

// DB wraps the layout database.
type DB struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Open opens the layout database at path, applying its schema.
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
		return nil, fmt.Errorf("layoutdb: open %s: %w", path, err)
	}
	return &DB{pool: pool, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (db *DB) Close() error { return db.pool.Close() }

// InsertEntries replaces every entry owned by packageID with entries.
// Used when a package is (re-)installed.
func (db *DB) InsertEntries(ctx context.Context, packageID int64, entries []Entry) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer db.pool.Put(conn)

	if err := sqlitex.Execute(conn, "BEGIN IMMEDIATE", nil); err != nil {
		return fmt.Errorf("layoutdb: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlitex.Execute(conn, "ROLLBACK", nil)
		}
	}()

	if err := sqlitex.Execute(conn, "DELETE FROM entries WHERE package_id = ?", &sqlitex.ExecOptions{Args: []any{packageID}}); err != nil {
		return err
	}

	for _, e := range entries {
		if err := sqlitex.Execute(conn, `
			INSERT INTO entries (package_id, file_type, target, source, uid, gid, mode, tag)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, &sqlitex.ExecOptions{
			Args: []any{packageID, int64(e.FileType), e.Target, e.Source, int64(e.UID), int64(e.GID), int64(e.Mode), int64(e.Tag)},
		}); err != nil {
			return fmt.Errorf("layoutdb: insert entry %s: %w", e.Target, err)
		}
	}

	if err := sqlitex.Execute(conn, "COMMIT", nil); err != nil {
		return fmt.Errorf("layoutdb: commit: %w", err)
	}
	committed = true
	return nil
}

// EntriesFor returns every filesystem entry owned by packageID.
func (db *DB) EntriesFor(ctx context.Context, packageID int64) ([]Entry, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer db.pool.Put(conn)

	var entries []Entry
	err = sqlitex.Execute(conn, `
		SELECT file_type, target, source, uid, gid, mode, tag FROM entries WHERE package_id = ?
	`, &sqlitex.ExecOptions{
		Args: []any{packageID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			e := Entry{
				PackageID: packageID,
				FileType:  stone.LayoutFileType(stmt.ColumnInt64(0)),
				Target:    stmt.ColumnText(1),
				UID:       uint32(stmt.ColumnInt64(3)),
				GID:       uint32(stmt.ColumnInt64(4)),
				Mode:      uint32(stmt.ColumnInt64(5)),
				Tag:       uint32(stmt.ColumnInt64(6)),
			}
			if n := stmt.ColumnLen(2); n > 0 {
				e.Source = make([]byte, n)
				stmt.ColumnBytes(2, e.Source)
			}
			entries = append(entries, e)
			return nil
		},
	})
	return entries, err
}

// OwnerOf returns the package id that owns target, and whether any
// package owns it at all. Used by the transaction engine to enforce
// the one-owner-per-path invariant during collision detection.
func (db *DB) OwnerOf(ctx context.Context, target string) (int64, bool, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return 0, false, err
	}
	defer db.pool.Put(conn)

	var id int64
	found := false
	err = sqlitex.Execute(conn, "SELECT package_id FROM entries WHERE target = ?", &sqlitex.ExecOptions{
		Args: []any{target},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id = stmt.ColumnInt64(0)
			found = true
			return nil
		},
	})
	return id, found, err
}
