// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

// Package transaction implements the engine that turns a set of
// requested package names into a new, atomically activated state:
// resolve, fetch, absorb into the hash store, detect path collisions,
// build a staging tree, run triggers, commit to the state database,
// and exchange /usr.
package transaction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/serpent-os/tools/lib/hashstore"
	"github.com/serpent-os/tools/lib/installation"
	"github.com/serpent-os/tools/lib/layoutdb"
	"github.com/serpent-os/tools/lib/metadb"
	"github.com/serpent-os/tools/lib/repository"
	"github.com/serpent-os/tools/lib/resolver"
	"github.com/serpent-os/tools/lib/statedb"
	"github.com/serpent-os/tools/lib/stone"
	"github.com/serpent-os/tools/lib/trigger"
)

// ErrPathConflict is returned when two selected packages claim the
// same filesystem path with different content.
var ErrPathConflict = errors.New("transaction: path conflict")

// Engine owns every store an installation root needs and drives
// transactions against it.
type Engine struct {
	Root   installation.Root
	Meta   *metadb.DB
	Layout *layoutdb.DB
	State  *statedb.DB
	Store  *hashstore.Store
	Repos  *repository.Manager
	Logger *slog.Logger
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}

// Install resolves names against metadb, fetches and absorbs every
// selected package, builds a new staging tree, runs triggers, and
// atomically activates the result as a new state.
func (e *Engine) Install(ctx context.Context, names []string) error {
	correlationID := uuid.New().String()
	log := e.logger().With("txn", correlationID)

	lock, err := e.Root.Lock()
	if err != nil {
		return err
	}
	defer lock.Release()

	graph, pkgByName, err := e.resolvePlan(ctx)
	if err != nil {
		return err
	}
	selection, err := resolver.Resolve(graph, names)
	if err != nil {
		return fmt.Errorf("transaction: resolve: %w", err)
	}
	log.Info("transaction: resolved", "requested", names, "selected", len(selection.Selected))

	stagingDir := e.Root.StagingDir(correlationID)
	stagingUsr := filepath.Join(stagingDir, "usr")
	if err := os.MkdirAll(stagingUsr, 0o755); err != nil {
		return fmt.Errorf("transaction: create staging tree: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	claimed := make(map[string]int64) // target path -> package id, for this transaction's own collision check
	triggers := trigger.NewSet()
	selections := make([]statedb.Selection, 0, len(selection.Selected))
	requested := make(map[string]bool, len(names))
	for _, n := range names {
		requested[n] = true
	}

	for _, cand := range selection.Selected {
		pkg, ok := pkgByName[cand.Name]
		if !ok {
			return fmt.Errorf("transaction: internal error: resolved candidate %s missing from metadb", cand.Name)
		}

		raw, err := e.Repos.FetchPackage(ctx, pkg)
		if err != nil {
			return fmt.Errorf("transaction: fetch %s: %w", pkg.Name, err)
		}

		entries, triggerNames, err := e.absorbPackage(ctx, pkg, raw, stagingUsr, claimed)
		if err != nil {
			return fmt.Errorf("transaction: stage %s: %w", pkg.Name, err)
		}
		for _, name := range triggerNames {
			triggers.Add(name, log)
		}

		if err := e.Layout.InsertEntries(ctx, pkg.ID, entries); err != nil {
			return fmt.Errorf("transaction: record layout for %s: %w", pkg.Name, err)
		}

		selections = append(selections, statedb.Selection{
			PackageName: pkg.Name,
			PackageID:   pkg.ID,
			Explicit:    requested[pkg.Name],
		})
	}

	if err := triggers.Run(ctx, stagingUsr, log); err != nil {
		return fmt.Errorf("transaction: trigger run aborted transaction: %w", err)
	}

	// Non-interruptible critical section: from the State DB commit
	// through the .stateID rewrite, nothing here may observe ctx
	// cancellation, since a partial completion would leave /usr
	// pointing at a state that isn't fully recorded.
	summary := fmt.Sprintf("install %v", names)
	committedID, err := e.State.Commit(context.Background(), summary, time.Now(), selections)
	if err != nil {
		return fmt.Errorf("transaction: commit state: %w", err)
	}

	finalStateDir := e.Root.StateDir(committedID)
	if err := os.Rename(stagingDir, finalStateDir); err != nil {
		return fmt.Errorf("transaction: promote staging dir: %w", err)
	}
	finalUsr := filepath.Join(finalStateDir, "usr")

	if err := installation.ExchangeUsr(e.Root.UsrDir(), finalUsr); err != nil {
		return fmt.Errorf("transaction: exchange /usr: %w", err)
	}

	if err := e.Root.WriteStateID(committedID); err != nil {
		return fmt.Errorf("transaction: write .stateID: %w", err)
	}

	log.Info("transaction: committed", "state", committedID, "packages", len(selections))
	return nil
}

// Remove drops names from the active state's explicit selection,
// recomputes reachability from what explicit packages remain (so an
// automatic package no longer reverse-reachable from any explicit
// package becomes an orphan and is dropped too, per the resolver's
// remove algorithm), and restages /usr from what's left. Every blob
// restaged already lives in the hash store from a prior Install, so
// Remove never fetches or re-absorbs anything.
func (e *Engine) Remove(ctx context.Context, names []string) error {
	correlationID := uuid.New().String()
	log := e.logger().With("txn", correlationID)

	lock, err := e.Root.Lock()
	if err != nil {
		return err
	}
	defer lock.Release()

	latest, ok, err := e.State.Latest(ctx)
	if err != nil {
		return fmt.Errorf("transaction: remove: load active state: %w", err)
	}
	if !ok {
		return fmt.Errorf("transaction: remove: no active state")
	}

	toRemove := make(map[string]bool, len(names))
	for _, n := range names {
		toRemove[n] = true
	}
	for n := range toRemove {
		found := false
		for _, s := range latest.Selections {
			if s.PackageName == n {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("transaction: remove: %s is not installed", n)
		}
	}

	var remainingRoots []string
	for _, s := range latest.Selections {
		if s.Explicit && !toRemove[s.PackageName] {
			remainingRoots = append(remainingRoots, s.PackageName)
		}
	}

	graph, pkgByName, err := e.resolvePlan(ctx)
	if err != nil {
		return err
	}

	var kept []resolver.Candidate
	if len(remainingRoots) > 0 {
		plan, err := resolver.Resolve(graph, remainingRoots)
		if err != nil {
			return fmt.Errorf("transaction: remove: resolve remaining selection: %w", err)
		}
		kept = plan.Selected
	}

	for _, c := range kept {
		if toRemove[c.Name] {
			return fmt.Errorf("transaction: remove: %s is still required by another installed package", c.Name)
		}
	}

	log.Info("transaction: removing", "requested", names, "remaining", len(kept))

	stagingDir := e.Root.StagingDir(correlationID)
	stagingUsr := filepath.Join(stagingDir, "usr")
	if err := os.MkdirAll(stagingUsr, 0o755); err != nil {
		return fmt.Errorf("transaction: create staging tree: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	claimed := make(map[string]int64)
	explicitSet := make(map[string]bool, len(remainingRoots))
	for _, n := range remainingRoots {
		explicitSet[n] = true
	}

	selections := make([]statedb.Selection, 0, len(kept))
	for _, cand := range kept {
		pkg, ok := pkgByName[cand.Name]
		if !ok {
			return fmt.Errorf("transaction: remove: internal error: resolved candidate %s missing from metadb", cand.Name)
		}

		entries, err := e.Layout.EntriesFor(ctx, pkg.ID)
		if err != nil {
			return fmt.Errorf("transaction: remove: load layout for %s: %w", pkg.Name, err)
		}

		for _, entry := range entries {
			if existing, ok := claimed[entry.Target]; ok && existing != pkg.ID {
				return fmt.Errorf("%w: %s already claimed by package %d", ErrPathConflict, entry.Target, existing)
			}
			claimed[entry.Target] = pkg.ID

			target := filepath.Join(stagingUsr, entry.Target)
			if err := restage(e.Store, entry, target); err != nil {
				return fmt.Errorf("transaction: remove: restage %s: %w", entry.Target, err)
			}
		}

		selections = append(selections, statedb.Selection{
			PackageName: pkg.Name,
			PackageID:   pkg.ID,
			Explicit:    explicitSet[pkg.Name],
		})
	}

	// Same non-interruptible critical section as Install: nothing here
	// may observe ctx cancellation from the State DB commit through the
	// .stateID rewrite.
	summary := fmt.Sprintf("remove %v", names)
	committedID, err := e.State.Commit(context.Background(), summary, time.Now(), selections)
	if err != nil {
		return fmt.Errorf("transaction: remove: commit state: %w", err)
	}

	finalStateDir := e.Root.StateDir(committedID)
	if err := os.Rename(stagingDir, finalStateDir); err != nil {
		return fmt.Errorf("transaction: remove: promote staging dir: %w", err)
	}
	finalUsr := filepath.Join(finalStateDir, "usr")

	if err := installation.ExchangeUsr(e.Root.UsrDir(), finalUsr); err != nil {
		return fmt.Errorf("transaction: remove: exchange /usr: %w", err)
	}

	if err := e.Root.WriteStateID(committedID); err != nil {
		return fmt.Errorf("transaction: remove: write .stateID: %w", err)
	}

	log.Info("transaction: removed", "state", committedID, "packages", len(selections))
	return nil
}

// Activate exchanges /usr for a previously committed state's tree
// without re-resolving or re-fetching anything, letting an operator
// roll forward or back to any state statedb still remembers.
func (e *Engine) Activate(ctx context.Context, stateID int64) error {
	lock, err := e.Root.Lock()
	if err != nil {
		return err
	}
	defer lock.Release()

	if _, ok, err := e.State.Get(ctx, stateID); err != nil {
		return fmt.Errorf("transaction: lookup state %d: %w", stateID, err)
	} else if !ok {
		return fmt.Errorf("transaction: no such state %d", stateID)
	}

	targetUsr := filepath.Join(e.Root.StateDir(stateID), "usr")
	if _, err := os.Stat(targetUsr); err != nil {
		return fmt.Errorf("transaction: state %d has no staged tree on disk: %w", stateID, err)
	}

	if err := installation.ExchangeUsr(e.Root.UsrDir(), targetUsr); err != nil {
		return fmt.Errorf("transaction: exchange /usr: %w", err)
	}
	if err := e.Root.WriteStateID(stateID); err != nil {
		return fmt.Errorf("transaction: write .stateID: %w", err)
	}

	e.logger().Info("transaction: activated", "state", stateID)
	return nil
}

// Reconcile detects drift between .stateID and the State DB's newest
// row at startup, the symptom of a crash between the /usr
// RENAME_EXCHANGE and the .stateID rewrite that must follow it. It
// only warns: RENAME_EXCHANGE is a swap, and without independently
// verifying which tree currently sits at /usr there is no safe way to
// tell whether the exchange completed before the crash or never ran,
// so guessing and rewriting .stateID (or re-running the exchange)
// could point it at the wrong tree. An operator who hits this warning
// can run "moss state activate <id>" for the state /usr is to reflect;
// no operation here reports which state the tree at /usr matches
// (Verify only checks that live states' blobs are present).
func (e *Engine) Reconcile(ctx context.Context) error {
	latest, ok, err := e.State.Latest(ctx)
	if err != nil {
		return fmt.Errorf("transaction: reconcile: load latest state: %w", err)
	}
	if !ok {
		return nil
	}

	current, ok, err := e.Root.CurrentStateID()
	if err != nil {
		return fmt.Errorf("transaction: reconcile: read .stateID: %w", err)
	}
	if ok && current == latest.ID {
		return nil
	}

	e.logger().Warn("transaction: reconcile: .stateID does not match the State DB's newest row, possible crash during the last transaction's activation step",
		"stateID_file", current, "stateID_file_present", ok, "latest_committed_state", latest.ID)
	return nil
}

// resolvePlan loads every package from metadb and builds a resolver
// graph plus a name-to-package lookup.
func (e *Engine) resolvePlan(ctx context.Context) (*resolver.Graph, map[string]metadb.Package, error) {
	pkgs, err := e.Meta.All(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("transaction: load metadb: %w", err)
	}

	priorityOf := make(map[string]int, len(e.Repos.Repositories()))
	for i, repo := range e.Repos.Repositories() {
		priorityOf[repo.Name] = i
	}

	byName := make(map[string]metadb.Package, len(pkgs))
	candidates := make([]resolver.Candidate, 0, len(pkgs))
	for _, p := range pkgs {
		byName[p.Name] = p
		candidates = append(candidates, resolver.Candidate{
			Name:       p.Name,
			Repository: priorityOf[p.Repository],
			SourceRel:  p.Release,
			BuildRel:   p.BuildRelease,
			Provides:   p.Provides,
			Depends:    p.Depends,
			Conflicts:  p.Conflicts,
		})
	}

	return resolver.NewGraph(candidates), byName, nil
}

// absorbPackage decodes a fetched .stone archive, absorbs every
// regular file's content into the hash store, materializes the
// staging tree, and returns the layout entries to persist and the
// trigger names the package's Attributes payload requested.
func (e *Engine) absorbPackage(ctx context.Context, pkg metadb.Package, raw []byte, stagingUsr string, claimed map[string]int64) ([]layoutdb.Entry, []string, error) {
	rd, err := stone.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("decode header: %w", err)
	}

	payloads, err := rd.ReadPayloads()
	if err != nil {
		return nil, nil, fmt.Errorf("decode payloads: %w", err)
	}

	var (
		layoutRecords []stone.Layout
		indexRecords  []stone.Index
		contentRef    *stone.ContentRef
		triggerNames  []string
	)

	for _, p := range payloads {
		switch p.Kind {
		case stone.KindLayout:
			layoutRecords = append(layoutRecords, p.Layout...)
		case stone.KindIndex:
			indexRecords = append(indexRecords, p.Index...)
		case stone.KindContent:
			contentRef = p.Content
		case stone.KindAttributes:
			for _, a := range p.Attrs {
				if string(a.Key) == "triggers" {
					for _, name := range splitLines(a.Value) {
						triggerNames = append(triggerNames, name)
					}
				}
			}
		}
	}

	var plainContent bytes.Buffer
	if contentRef != nil {
		if err := rd.LoadContent(contentRef, &plainContent); err != nil {
			return nil, nil, fmt.Errorf("load content: %w", err)
		}
	}
	contentBytes := plainContent.Bytes()

	byDigest := make(map[[16]byte]stone.Index, len(indexRecords))
	for _, idx := range indexRecords {
		byDigest[idx.Digest] = idx
	}

	entries := make([]layoutdb.Entry, 0, len(layoutRecords))

	for _, l := range layoutRecords {
		target := filepath.Join(stagingUsr, l.Target)

		if existing, ok := claimed[l.Target]; ok && existing != pkg.ID {
			return nil, nil, fmt.Errorf("%w: %s already claimed by package %d", ErrPathConflict, l.Target, existing)
		}
		claimed[l.Target] = pkg.ID

		if err := materialize(e.Store, l, target, contentBytes, byDigest); err != nil {
			return nil, nil, fmt.Errorf("materialize %s: %w", l.Target, err)
		}

		entries = append(entries, layoutdb.Entry{
			PackageID: pkg.ID,
			FileType:  l.FileType,
			Target:    l.Target,
			Source:    l.Source,
			UID:       l.UID,
			GID:       l.GID,
			Mode:      l.Mode,
			Tag:       l.Tag,
		})
	}

	return entries, triggerNames, nil
}

func materialize(store *hashstore.Store, l stone.Layout, target string, content []byte, byDigest map[[16]byte]stone.Index) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	switch l.FileType {
	case stone.LayoutDirectory:
		return os.MkdirAll(target, os.FileMode(l.Mode&0o777))

	case stone.LayoutSymlink:
		return os.Symlink(string(l.Source), target)

	case stone.LayoutRegular:
		var digest [16]byte
		copy(digest[:], l.Source)
		idx, ok := byDigest[digest]
		if !ok {
			return fmt.Errorf("no content index entry for digest %x", digest)
		}
		if !store.Exists(digest) {
			if err := store.Absorb(context.Background(), digest, bytes.NewReader(content[idx.Start:idx.End])); err != nil {
				return err
			}
		}
		return store.LinkInto(digest, target, l.Mode, l.UID, l.GID)

	case stone.LayoutCharacterDevice, stone.LayoutBlockDevice, stone.LayoutFifo, stone.LayoutSocket:
		return mknod(target, l)

	default:
		return fmt.Errorf("unknown layout file type %d", l.FileType)
	}
}

// restage recreates target from an already-recorded layoutdb entry
// without touching the hash store's absorb path: used by Remove to
// rebuild /usr from packages that were already installed, whose blobs
// are guaranteed present from a prior Install.
func restage(store *hashstore.Store, e layoutdb.Entry, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	switch e.FileType {
	case stone.LayoutDirectory:
		return os.MkdirAll(target, os.FileMode(e.Mode&0o777))

	case stone.LayoutSymlink:
		return os.Symlink(string(e.Source), target)

	case stone.LayoutRegular:
		var digest [16]byte
		copy(digest[:], e.Source)
		if !store.Exists(digest) {
			return fmt.Errorf("hashstore: missing blob %x for %s, run verify", digest, target)
		}
		return store.LinkInto(digest, target, e.Mode, e.UID, e.GID)

	case stone.LayoutCharacterDevice, stone.LayoutBlockDevice, stone.LayoutFifo, stone.LayoutSocket:
		return mknod(target, stone.Layout{Mode: e.Mode, FileType: e.FileType})

	default:
		return fmt.Errorf("unknown layout file type %d", e.FileType)
	}
}

// mknod creates a device, fifo, or socket node, matching the reference
// engine's behavior of deferring the node when the process lacks
// CAP_MKNOD: the layout row is still recorded, and a future privileged
// run can replay it from layoutdb.
func mknod(target string, l stone.Layout) error {
	var mode uint32
	switch l.FileType {
	case stone.LayoutCharacterDevice:
		mode = unix.S_IFCHR
	case stone.LayoutBlockDevice:
		mode = unix.S_IFBLK
	case stone.LayoutFifo:
		mode = unix.S_IFIFO
	case stone.LayoutSocket:
		mode = unix.S_IFSOCK
	}

	err := unix.Mknodat(unix.AT_FDCWD, target, mode|(l.Mode&0o777), 0)
	if errors.Is(err, unix.EPERM) {
		// Deferred: unprivileged builds (CI, tests) cannot create device
		// nodes. The layout row is still persisted by the caller.
		return nil
	}
	return err
}

func splitLines(data []byte) []string {
	var out []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				out = append(out, string(data[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, string(data[start:]))
	}
	return out
}

// Verify walks every live state's layout rows and confirms every
// regular file's blob exists in the hash store. It checks presence
// only: no operation in this package re-hashes blob contents.
func (e *Engine) Verify(ctx context.Context) error {
	states, err := e.State.List(ctx)
	if err != nil {
		return fmt.Errorf("transaction: list states: %w", err)
	}

	for _, s := range states {
		for _, sel := range s.Selections {
			entries, err := e.Layout.EntriesFor(ctx, sel.PackageID)
			if err != nil {
				return fmt.Errorf("transaction: entries for %s: %w", sel.PackageName, err)
			}
			for _, entry := range entries {
				if entry.FileType != stone.LayoutRegular {
					continue
				}
				var digest [16]byte
				copy(digest[:], entry.Source)
				if !e.Store.Exists(digest) {
					return fmt.Errorf("transaction: verify: missing blob %x for %s (package %s)", digest, entry.Target, sel.PackageName)
				}
			}
		}
	}
	return nil
}

// Sweep deletes every state older than the retain most recent ones
// (dropping their State DB rows and on-disk roots/<id>/usr trees), then
// removes every hashstore blob no longer reachable from what remains.
// It returns the number of blobs removed.
func (e *Engine) Sweep(ctx context.Context, retain int) (int, error) {
	log := e.logger()

	states, err := e.State.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("transaction: list states: %w", err)
	}

	keep := states
	var stale []statedb.State
	if retain > 0 && retain < len(states) {
		keep = states[:retain]
		stale = states[retain:]
	}

	activeID, hasActive, err := e.Root.CurrentStateID()
	if err != nil {
		return 0, fmt.Errorf("transaction: sweep: read active state: %w", err)
	}

	for _, s := range stale {
		if hasActive && s.ID == activeID {
			// Never prune the state /usr currently points at, even if
			// retention would otherwise drop it.
			keep = append(keep, s)
			continue
		}

		if err := os.RemoveAll(e.Root.StateDir(s.ID)); err != nil {
			return 0, fmt.Errorf("transaction: sweep: remove state %d dir: %w", s.ID, err)
		}
		if err := e.State.Delete(ctx, s.ID); err != nil {
			return 0, fmt.Errorf("transaction: sweep: delete state %d: %w", s.ID, err)
		}
		log.Info("transaction: sweep pruned state", "state", s.ID)
	}

	live := make(map[[16]byte]struct{})
	for _, s := range keep {
		for _, sel := range s.Selections {
			entries, err := e.Layout.EntriesFor(ctx, sel.PackageID)
			if err != nil {
				return 0, err
			}
			for _, entry := range entries {
				if entry.FileType != stone.LayoutRegular {
					continue
				}
				var digest [16]byte
				copy(digest[:], entry.Source)
				live[digest] = struct{}{}
			}
		}
	}

	return e.Store.Sweep(live)
}
