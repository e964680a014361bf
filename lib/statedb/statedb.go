// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

// Package statedb records committed transaction states: the exact set
// of selected packages that made up /usr at each point in history, so
// the transaction engine can list, activate, and roll back to any
// previous state.
package statedb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/serpent-os/tools/internal/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS state (
	id         INTEGER PRIMARY KEY,
	created_at INTEGER NOT NULL,
	summary    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS state_selections (
	state_id       INTEGER NOT NULL REFERENCES state(id) ON DELETE CASCADE,
	package_name   TEXT NOT NULL,
	package_id     INTEGER NOT NULL,
	explicit       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (state_id, package_name)
);
`

// Selection is one package selected as part of a state.
type Selection struct {
	PackageName string
	PackageID   int64
	Explicit    bool // true if the user asked for this package directly, false if pulled in as a dependency
}

// State is a committed, immutable snapshot of the selection set.
type State struct {
	ID        int64
	CreatedAt time.Time
	Summary   string
	Selections []Selection
}

// DB wraps the state database.
type DB struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Open opens the state database at path, applying its schema.
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
		return nil, fmt.Errorf("statedb: open %s: %w", path, err)
	}
	return &DB{pool: pool, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (db *DB) Close() error { return db.pool.Close() }

// Commit records a new state and returns its id. Must run inside the
// transaction engine's non-interruptible critical section, immediately
// before the /usr exchange (see transaction package).
func (db *DB) Commit(ctx context.Context, summary string, createdAt time.Time, selections []Selection) (int64, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer db.pool.Put(conn)

	if err := sqlitex.Execute(conn, "BEGIN IMMEDIATE", nil); err != nil {
		return 0, fmt.Errorf("statedb: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlitex.Execute(conn, "ROLLBACK", nil)
		}
	}()

	if err := sqlitex.Execute(conn, "INSERT INTO state (created_at, summary) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{createdAt.Unix(), summary},
	}); err != nil {
		return 0, fmt.Errorf("statedb: insert state: %w", err)
	}
	id := conn.LastInsertRowID()

	for _, s := range selections {
		explicit := int64(0)
		if s.Explicit {
			explicit = 1
		}
		if err := sqlitex.Execute(conn, `
			INSERT INTO state_selections (state_id, package_name, package_id, explicit)
			VALUES (?, ?, ?, ?)
		`, &sqlitex.ExecOptions{Args: []any{id, s.PackageName, s.PackageID, explicit}}); err != nil {
			return 0, fmt.Errorf("statedb: insert selection %s: %w", s.PackageName, err)
		}
	}

	if err := sqlitex.Execute(conn, "COMMIT", nil); err != nil {
		return 0, fmt.Errorf("statedb: commit: %w", err)
	}
	committed = true

	return id, nil
}

// Latest returns the most recently committed state, or ok=false if no
// state has ever been committed (a fresh installation root).
func (db *DB) Latest(ctx context.Context) (state State, ok bool, err error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return State{}, false, err
	}
	defer db.pool.Put(conn)

	err = sqlitex.Execute(conn, "SELECT id, created_at, summary FROM state ORDER BY id DESC LIMIT 1", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			state.ID = stmt.ColumnInt64(0)
			state.CreatedAt = time.Unix(stmt.ColumnInt64(1), 0).UTC()
			state.Summary = stmt.ColumnText(2)
			ok = true
			return nil
		},
	})
	if err != nil || !ok {
		return State{}, ok, err
	}

	state.Selections, err = db.selectionsFor(conn, state.ID)
	return state, true, err
}

// Get returns the state with the given id, including its selections.
func (db *DB) Get(ctx context.Context, id int64) (State, bool, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return State{}, false, err
	}
	defer db.pool.Put(conn)

	var state State
	found := false
	err = sqlitex.Execute(conn, "SELECT id, created_at, summary FROM state WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			state.ID = stmt.ColumnInt64(0)
			state.CreatedAt = time.Unix(stmt.ColumnInt64(1), 0).UTC()
			state.Summary = stmt.ColumnText(2)
			found = true
			return nil
		},
	})
	if err != nil || !found {
		return State{}, found, err
	}

	state.Selections, err = db.selectionsFor(conn, state.ID)
	return state, true, err
}

// List returns every committed state, newest first.
func (db *DB) List(ctx context.Context) ([]State, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer db.pool.Put(conn)

	var ids []int64
	err = sqlitex.Execute(conn, "SELECT id FROM state ORDER BY id DESC", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ids = append(ids, stmt.ColumnInt64(0))
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	states := make([]State, 0, len(ids))
	for _, id := range ids {
		s, ok, err := db.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			states = append(states, s)
		}
	}
	return states, nil
}

// Delete removes a state row and, via ON DELETE CASCADE, its
// selections. Used by the transaction engine's Sweep to prune states
// that have fallen out of the retention window; the caller is
// responsible for also removing the state's on-disk roots directory.
func (db *DB) Delete(ctx context.Context, id int64) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer db.pool.Put(conn)

	if err := sqlitex.Execute(conn, "DELETE FROM state WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
	}); err != nil {
		return fmt.Errorf("statedb: delete state %d: %w", id, err)
	}
	return nil
}

func (db *DB) selectionsFor(conn *sqlite.Conn, stateID int64) ([]Selection, error) {
	var sels []Selection
	err := sqlitex.Execute(conn, `
		SELECT package_name, package_id, explicit FROM state_selections WHERE state_id = ?
	`, &sqlitex.ExecOptions{
		Args: []any{stateID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			sels = append(sels, Selection{
				PackageName: stmt.ColumnText(0),
				PackageID:   stmt.ColumnInt64(1),
				Explicit:    stmt.ColumnInt64(2) != 0,
			})
			return nil
		},
	})
	return sels, err
}
