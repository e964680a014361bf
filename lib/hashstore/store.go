// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

// Package hashstore implements the content-addressable blob store
// rooted at /.moss/store: every regular file installed by any package
// is absorbed once, keyed by its content digest, and materialized into
// package trees by hardlinking.
package hashstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrNotFound is returned when a requested digest has no blob.
var ErrNotFound = errors.New("hashstore: blob not found")

// Store is a two-level hex-fanout content-addressable directory tree.
type Store struct {
	root   string
	logger *slog.Logger
}

// New returns a Store rooted at root, creating it if necessary.
func New(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("hashstore: create root: %w", err)
	}
	return &Store{root: root, logger: logger}, nil
}

// blobPath returns the on-disk path for a 128-bit content digest using
// a two-level hex fanout: root/ab/cd/abcdef...
func (s *Store) blobPath(digest [16]byte) string {
	hex := fmt.Sprintf("%032x", digest)
	return filepath.Join(s.root, hex[:2], hex[2:4], hex)
}

// Exists reports whether a blob for digest is already present.
func (s *Store) Exists(digest [16]byte) bool {
	_, err := os.Stat(s.blobPath(digest))
	return err == nil
}

// Absorb writes plain into the store keyed by digest, unless a blob
// for that digest already exists (dedup-on-collision). It streams to a
// temp file in the same directory and renames atomically into place so
// a crash never leaves a partial blob visible at its final path.
func (s *Store) Absorb(ctx context.Context, digest [16]byte, plain io.Reader) error {
	if s.Exists(digest) {
		s.logger.Debug("hashstore: blob already present, skipping absorb", "digest", fmt.Sprintf("%032x", digest))
		return nil
	}

	dst := s.blobPath(digest)
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("hashstore: create fanout dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".absorb-*")
	if err != nil {
		return fmt.Errorf("hashstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, readerWithContext(ctx, plain)); err != nil {
		tmp.Close()
		return fmt.Errorf("hashstore: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("hashstore: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("hashstore: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o444); err != nil {
		return fmt.Errorf("hashstore: chmod temp file: %w", err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		// Another absorb of the same digest may have won the race; that
		// is not an error, the content is identical by construction.
		if s.Exists(digest) {
			return nil
		}
		return fmt.Errorf("hashstore: rename into place: %w", err)
	}

	return nil
}

// Open returns a reader for the blob identified by digest.
func (s *Store) Open(digest [16]byte) (*os.File, error) {
	f, err := os.Open(s.blobPath(digest))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// LinkInto hardlinks the blob identified by digest to dst, then fixes
// dst's mode/uid/gid to the layout record's actual values via
// fchmodat/fchownat, matching the reference client's link_into (see
// original_source/crates/moss/src/client/mod.rs, linkat followed by
// fchmodat). Falls back to a byte copy when the store and dst live on
// different filesystems (EXDEV).
func (s *Store) LinkInto(digest [16]byte, dst string, mode, uid, gid uint32) error {
	src := s.blobPath(digest)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("hashstore: create target dir: %w", err)
	}

	err := unix.Linkat(unix.AT_FDCWD, src, unix.AT_FDCWD, dst, 0)
	if err != nil {
		if !errors.Is(err, unix.EXDEV) {
			return fmt.Errorf("hashstore: link %s: %w", dst, err)
		}

		s.logger.Debug("hashstore: cross-device link, falling back to copy", "dst", dst)
		if err := s.copyInto(src, dst); err != nil {
			return err
		}
	}

	if err := unix.Fchmodat(unix.AT_FDCWD, dst, mode&0o7777, 0); err != nil {
		return fmt.Errorf("hashstore: fchmodat %s: %w", dst, err)
	}
	if err := unix.Fchownat(unix.AT_FDCWD, dst, int(uid), int(gid), unix.AT_SYMLINK_NOFOLLOW); err != nil {
		if !errors.Is(err, unix.EPERM) {
			return fmt.Errorf("hashstore: fchownat %s: %w", dst, err)
		}
		// Deferred: unprivileged builds (CI, tests) cannot chown to an
		// arbitrary uid/gid. Mode is still applied above.
	}
	return nil
}

func (s *Store) copyInto(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("hashstore: open blob for copy fallback: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("hashstore: create copy destination: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("hashstore: copy fallback: %w", err)
	}
	return nil
}

// Sweep removes every blob not present in live, the set of digests
// still reachable from a live installation state.
func (s *Store) Sweep(live map[[16]byte]struct{}) (removed int, err error) {
	err = filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		digest, ok := digestFromPath(s.root, path)
		if !ok {
			return nil
		}
		if _, ok := live[digest]; ok {
			return nil
		}
		if rmErr := os.Remove(path); rmErr != nil {
			return rmErr
		}
		removed++
		return nil
	})
	return removed, err
}

func digestFromPath(root, path string) ([16]byte, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return [16]byte{}, false
	}
	name := filepath.Base(rel)
	if len(name) != 32 {
		return [16]byte{}, false
	}
	raw, err := hex.DecodeString(name)
	if err != nil || len(raw) != 16 {
		return [16]byte{}, false
	}
	var digest [16]byte
	copy(digest[:], raw)
	return digest, true
}

// readerWithContext returns a reader that stops as soon as ctx is
// done, so a cancelled transaction never blocks forever mid-absorb.
func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
