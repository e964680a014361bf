// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

package transaction

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/serpent-os/tools/lib/dependency"
	"github.com/serpent-os/tools/lib/hashstore"
	"github.com/serpent-os/tools/lib/installation"
	"github.com/serpent-os/tools/lib/layoutdb"
	"github.com/serpent-os/tools/lib/metadb"
	"github.com/serpent-os/tools/lib/repository"
	"github.com/serpent-os/tools/lib/statedb"
	"github.com/serpent-os/tools/lib/stone"
)

func buildStonePackage(t *testing.T, target, body string) []byte {
	t.Helper()
	w := stone.NewWriter(stone.FileTypeBinary)
	w.AddMeta(stone.Meta{Tag: stone.TagName, Kind: stone.MetaString, Value: "test-pkg"})
	idx := w.AddFile([]byte(body))
	w.AddLayout(stone.Layout{
		Mode: 0o644, FileType: stone.LayoutRegular,
		Source: idx.Digest[:], Target: target,
	})

	var buf bytes.Buffer
	if err := w.Finalize(&buf); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return buf.Bytes()
}

func TestAbsorbPackageMaterializesRegularFile(t *testing.T) {
	store, err := hashstore.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("hashstore.New: %v", err)
	}
	e := &Engine{Store: store}

	stagingUsr := t.TempDir()
	raw := buildStonePackage(t, "share/hello.txt", "hello world")

	entries, _, err := e.absorbPackage(context.Background(), metadb.Package{ID: 1, Name: "test-pkg"}, raw, stagingUsr, make(map[string]int64))
	if err != nil {
		t.Fatalf("absorbPackage: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %+v, want 1", entries)
	}

	got, err := os.ReadFile(filepath.Join(stagingUsr, "share/hello.txt"))
	if err != nil {
		t.Fatalf("read materialized file: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("materialized content = %q, want %q", got, "hello world")
	}
}

func TestAbsorbPackageDetectsPathConflict(t *testing.T) {
	store, err := hashstore.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("hashstore.New: %v", err)
	}
	e := &Engine{Store: store}
	stagingUsr := t.TempDir()

	claimed := make(map[string]int64)
	rawA := buildStonePackage(t, "share/conflict.txt", "from a")
	if _, _, err := e.absorbPackage(context.Background(), metadb.Package{ID: 1, Name: "pkg-a"}, rawA, stagingUsr, claimed); err != nil {
		t.Fatalf("absorbPackage pkg-a: %v", err)
	}

	rawB := buildStonePackage(t, "share/conflict.txt", "from b")
	_, _, err = e.absorbPackage(context.Background(), metadb.Package{ID: 2, Name: "pkg-b"}, rawB, stagingUsr, claimed)
	if !errors.Is(err, ErrPathConflict) {
		t.Fatalf("absorbPackage pkg-b: got %v, want ErrPathConflict", err)
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	root := installation.Root{Path: t.TempDir()}
	if err := root.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := os.MkdirAll(root.UsrDir(), 0o755); err != nil {
		t.Fatalf("mkdir usr: %v", err)
	}

	meta, err := metadb.Open(filepath.Join(root.DBDir(), "meta.db"), nil)
	if err != nil {
		t.Fatalf("metadb.Open: %v", err)
	}
	layout, err := layoutdb.Open(filepath.Join(root.DBDir(), "layout.db"), nil)
	if err != nil {
		t.Fatalf("layoutdb.Open: %v", err)
	}
	state, err := statedb.Open(filepath.Join(root.DBDir(), "state.db"), nil)
	if err != nil {
		t.Fatalf("statedb.Open: %v", err)
	}
	store, err := hashstore.New(root.StoreDir(), nil)
	if err != nil {
		t.Fatalf("hashstore.New: %v", err)
	}
	t.Cleanup(func() {
		meta.Close()
		layout.Close()
		state.Close()
	})

	return &Engine{Root: root, Meta: meta, Layout: layout, State: state, Store: store}
}

func TestInstallThenRemoveRestoresEmptyUsrTree(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	appRaw := buildStonePackage(t, "share/app.txt", "app content")
	libRaw := buildStonePackage(t, "lib/libfoo.txt", "libfoo content")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/app.stone":
			_, _ = w.Write(appRaw)
		case "/libfoo.stone":
			_, _ = w.Write(libRaw)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	if _, err := e.Meta.Insert(ctx, metadb.Package{
		Repository: "main", Name: "app", Version: "1", Release: 1, SourceID: "app",
		URI:     "app.stone",
		Depends: dependency.Set{{Kind: dependency.PackageName, Name: "libfoo"}},
	}); err != nil {
		t.Fatalf("insert app: %v", err)
	}
	if _, err := e.Meta.Insert(ctx, metadb.Package{
		Repository: "main", Name: "libfoo", Version: "1", Release: 1, SourceID: "libfoo",
		URI: "libfoo.stone",
	}); err != nil {
		t.Fatalf("insert libfoo: %v", err)
	}

	e.Repos = repository.NewManager([]repository.Repository{{Name: "main", URI: srv.URL}}, e.Meta, nil)

	if err := e.Install(ctx, []string{"app"}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if _, err := os.Stat(filepath.Join(e.Root.UsrDir(), "share/app.txt")); err != nil {
		t.Fatalf("app.txt missing after install: %v", err)
	}
	if _, err := os.Stat(filepath.Join(e.Root.UsrDir(), "lib/libfoo.txt")); err != nil {
		t.Fatalf("libfoo.txt missing after install (transitive dependency should be staged): %v", err)
	}

	if err := e.Remove(ctx, []string{"app"}); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, err := os.Stat(filepath.Join(e.Root.UsrDir(), "share/app.txt")); !os.IsNotExist(err) {
		t.Fatalf("app.txt still present after remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(e.Root.UsrDir(), "lib/libfoo.txt")); !os.IsNotExist(err) {
		t.Fatalf("libfoo.txt still present after remove: orphaned automatic dependency should have been dropped too: %v", err)
	}

	states, err := e.State.List(ctx)
	if err != nil {
		t.Fatalf("State.List: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("states = %d, want 2 (install(app) ; remove(app))", len(states))
	}
	if len(states[0].Selections) != 0 {
		t.Fatalf("latest state selections = %+v, want none left after removing the only explicit package", states[0].Selections)
	}
}

func TestRemoveRejectsNotInstalledPackage(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.State.Commit(ctx, "seed", time.Now(), nil); err != nil {
		t.Fatalf("seed Commit: %v", err)
	}

	if err := e.Remove(ctx, []string{"nope"}); err == nil {
		t.Fatal("Remove of an uninstalled package: got nil error")
	}
}

func TestSweepPrunesStatesBeyondRetentionAndTheirBlobs(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	appRaw := buildStonePackage(t, "share/app.txt", "app content")
	libRaw := buildStonePackage(t, "lib/libfoo.txt", "libfoo content")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/app.stone":
			_, _ = w.Write(appRaw)
		case "/libfoo.stone":
			_, _ = w.Write(libRaw)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	if _, err := e.Meta.Insert(ctx, metadb.Package{
		Repository: "main", Name: "app", Version: "1", Release: 1, SourceID: "app",
		URI: "app.stone",
	}); err != nil {
		t.Fatalf("insert app: %v", err)
	}
	if _, err := e.Meta.Insert(ctx, metadb.Package{
		Repository: "main", Name: "libfoo", Version: "1", Release: 1, SourceID: "libfoo",
		URI: "libfoo.stone",
	}); err != nil {
		t.Fatalf("insert libfoo: %v", err)
	}

	e.Repos = repository.NewManager([]repository.Repository{{Name: "main", URI: srv.URL}}, e.Meta, nil)

	if err := e.Install(ctx, []string{"app"}); err != nil {
		t.Fatalf("install app: %v", err)
	}
	firstStateID, ok, err := e.Root.CurrentStateID()
	if err != nil || !ok {
		t.Fatalf("CurrentStateID after first install: id=%d ok=%v err=%v", firstStateID, ok, err)
	}

	if err := e.Install(ctx, []string{"libfoo"}); err != nil {
		t.Fatalf("install libfoo: %v", err)
	}

	statesBefore, err := e.State.List(ctx)
	if err != nil {
		t.Fatalf("List before sweep: %v", err)
	}
	if len(statesBefore) != 2 {
		t.Fatalf("states before sweep = %d, want 2", len(statesBefore))
	}
	if _, err := os.Stat(e.Root.StateDir(firstStateID)); err != nil {
		t.Fatalf("first state dir missing before sweep: %v", err)
	}

	removed, err := e.Sweep(ctx, 1)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed == 0 {
		t.Fatal("Sweep removed 0 blobs, want at least the app-only blob dropped from retention")
	}

	statesAfter, err := e.State.List(ctx)
	if err != nil {
		t.Fatalf("List after sweep: %v", err)
	}
	if len(statesAfter) != 1 {
		t.Fatalf("states after sweep = %d, want 1 (retain=1 prunes the older state)", len(statesAfter))
	}

	if _, err := os.Stat(e.Root.StateDir(firstStateID)); !os.IsNotExist(err) {
		t.Fatalf("pruned state's roots dir still present: %v", err)
	}
}

func TestSweepNeverPrunesTheActiveState(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	appRaw := buildStonePackage(t, "share/app.txt", "app content")
	libRaw := buildStonePackage(t, "lib/libfoo.txt", "libfoo content")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/app.stone":
			_, _ = w.Write(appRaw)
		case "/libfoo.stone":
			_, _ = w.Write(libRaw)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	if _, err := e.Meta.Insert(ctx, metadb.Package{
		Repository: "main", Name: "app", Version: "1", Release: 1, SourceID: "app",
		URI: "app.stone",
	}); err != nil {
		t.Fatalf("insert app: %v", err)
	}
	if _, err := e.Meta.Insert(ctx, metadb.Package{
		Repository: "main", Name: "libfoo", Version: "1", Release: 1, SourceID: "libfoo",
		URI: "libfoo.stone",
	}); err != nil {
		t.Fatalf("insert libfoo: %v", err)
	}
	e.Repos = repository.NewManager([]repository.Repository{{Name: "main", URI: srv.URL}}, e.Meta, nil)

	if err := e.Install(ctx, []string{"app"}); err != nil {
		t.Fatalf("install app: %v", err)
	}
	firstStateID, ok, err := e.Root.CurrentStateID()
	if err != nil || !ok {
		t.Fatalf("CurrentStateID after first install: id=%d ok=%v err=%v", firstStateID, ok, err)
	}

	if err := e.Install(ctx, []string{"libfoo"}); err != nil {
		t.Fatalf("install libfoo: %v", err)
	}

	// Roll back to the older state, making it active even though it is
	// no longer the most recently committed one.
	if err := e.Activate(ctx, firstStateID); err != nil {
		t.Fatalf("Activate(%d): %v", firstStateID, err)
	}

	if _, err := e.Sweep(ctx, 1); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	states, err := e.State.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("states after sweep = %d, want 2 (the active, rolled-back state must survive retention pruning)", len(states))
	}
	if _, err := os.Stat(e.Root.StateDir(firstStateID)); err != nil {
		t.Fatalf("active state's roots dir removed by sweep: %v", err)
	}
}

func TestReconcileNoOpsOnFreshRoot(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile on a root with no committed state: %v", err)
	}
}

func TestReconcileToleratesStateIDMismatch(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.State.Commit(ctx, "seed", time.Now(), nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// .stateID was never written for this commit, simulating a crash
	// between the /usr exchange and the .stateID rewrite.
	if err := e.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile with a missing .stateID file: %v", err)
	}
}

func TestSplitLines(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"ldconfig", []string{"ldconfig"}},
		{"ldconfig\nmandb\n", []string{"ldconfig", "mandb"}},
		{"ldconfig\nmandb", []string{"ldconfig", "mandb"}},
	}
	for _, c := range cases {
		got := splitLines([]byte(c.in))
		if len(got) != len(c.want) {
			t.Errorf("splitLines(%q) = %v, want %v", c.in, got, c.want)
			continue
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Errorf("splitLines(%q)[%d] = %q, want %q", c.in, i, got[i], c.want[i])
			}
		}
	}
}
