// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

// Package installation owns the on-disk layout of an install root: the
// /.moss directory tree, the advisory root lock, and the .stateID
// pointer that names which committed state /usr currently reflects.
package installation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrRootLocked is returned by Lock when another process already holds
// the advisory lock on this installation root.
var ErrRootLocked = errors.New("installation: root already locked")

// Root is a handle onto the directory structure at a given
// installation root (conventionally "/", giving /.moss).
type Root struct {
	Path string // the install root, e.g. "/"
}

// MossDir returns the root's /.moss directory.
func (r Root) MossDir() string { return filepath.Join(r.Path, ".moss") }

// StoreDir returns the root's /.moss/store content-addressable blob directory.
func (r Root) StoreDir() string { return filepath.Join(r.MossDir(), "store") }

// DBDir returns the root's /.moss/db directory, home to the three SQLite databases.
func (r Root) DBDir() string { return filepath.Join(r.MossDir(), "db") }

// RootsDir returns the root's /.moss/roots directory, home to staged
// and activated /usr trees, one subdirectory per state.
func (r Root) RootsDir() string { return filepath.Join(r.MossDir(), "roots") }

// StagingDir returns the staging directory for a in-progress transaction
// identified by a correlation id (conventionally a uuid), kept distinct
// from any committed state's numeric directory name.
func (r Root) StagingDir(correlationID string) string {
	return filepath.Join(r.RootsDir(), correlationID+".staging")
}

// StateDir returns the activated tree for a committed state.
func (r Root) StateDir(stateID int64) string {
	return filepath.Join(r.RootsDir(), strconv.FormatInt(stateID, 10))
}

// UsrDir returns the root's active /usr symlink-or-directory target.
func (r Root) UsrDir() string { return filepath.Join(r.Path, "usr") }

// stateIDPath returns the path of the file recording which state /usr
// currently reflects.
func (r Root) stateIDPath() string { return filepath.Join(r.UsrDir(), ".stateID") }

// lockPath returns the advisory lock file's path.
func (r Root) lockPath() string { return filepath.Join(r.MossDir(), "lock") }

// Init creates every directory an installation root needs. Idempotent.
func (r Root) Init() error {
	for _, dir := range []string{r.MossDir(), r.StoreDir(), r.DBDir(), r.RootsDir(), r.UsrDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("installation: create %s: %w", dir, err)
		}
	}
	return nil
}

// Lock is a held advisory lock on the installation root, guarding the
// entire transaction critical section described in the transaction
// package: only one transaction may run against a root at a time.
type Lock struct {
	file *os.File
}

// Lock acquires the advisory root lock, returning ErrRootLocked
// immediately (never blocking) if another process holds it.
func (r Root) Lock() (*Lock, error) {
	if err := os.MkdirAll(r.MossDir(), 0o755); err != nil {
		return nil, fmt.Errorf("installation: create moss dir: %w", err)
	}

	f, err := os.OpenFile(r.lockPath(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("installation: open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrRootLocked
		}
		return nil, fmt.Errorf("installation: flock: %w", err)
	}

	return &Lock{file: f}, nil
}

// Release drops the advisory lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("installation: unlock: %w", err)
	}
	return l.file.Close()
}

// CurrentStateID reads the state id /usr currently reflects. ok is
// false when the installation root has never had a state activated.
func (r Root) CurrentStateID() (id int64, ok bool, err error) {
	data, err := os.ReadFile(r.stateIDPath())
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("installation: read .stateID: %w", err)
	}

	id, err = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("installation: parse .stateID: %w", err)
	}
	return id, true, nil
}

// WriteStateID atomically rewrites .stateID to point at id. This must
// only be called from within the non-interruptible critical section
// immediately after the /usr directory exchange (see transaction
// package). RENAME_EXCHANGE is atomic, so a crash in this window can
// only leave .stateID stale, never /usr itself half-swapped; the
// transaction engine's Reconcile compares this file against the State
// DB's newest row at startup and warns on a mismatch, since it cannot
// safely tell which state /usr actually reflects without an operator
// confirming it.
func (r Root) WriteStateID(id int64) error {
	tmp, err := os.CreateTemp(r.UsrDir(), ".stateID-*")
	if err != nil {
		return fmt.Errorf("installation: create temp .stateID: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := fmt.Fprintf(tmp, "%d\n", id); err != nil {
		tmp.Close()
		return fmt.Errorf("installation: write temp .stateID: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("installation: sync temp .stateID: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, r.stateIDPath()); err != nil {
		return fmt.Errorf("installation: rename .stateID: %w", err)
	}
	return nil
}

// ExchangeUsr atomically swaps the root's /usr with the staged tree at
// stagingUsr using RENAME_EXCHANGE, so both the old and new tree exist
// on disk at all times (the old tree becomes retrievable at
// stagingUsr's former path, ready for GC or rollback).
func ExchangeUsr(currentUsr, stagingUsr string) error {
	if err := unix.Renameat2(unix.AT_FDCWD, stagingUsr, unix.AT_FDCWD, currentUsr, unix.RENAME_EXCHANGE); err != nil {
		return fmt.Errorf("installation: renameat2 exchange: %w", err)
	}
	return nil
}
