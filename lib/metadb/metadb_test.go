// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

package metadb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/serpent-os/tools/lib/dependency"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "meta.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertAndProvidersOf(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	pkg := Package{
		Repository: "main",
		Name:       "nano",
		Version:    "7.2",
		Release:    1,
		SourceID:   "nano",
		Provides:   dependency.Set{{Kind: dependency.PackageName, Name: "nano"}},
		Depends:    dependency.Set{{Kind: dependency.SharedLibrary, Name: "libc.so.6"}},
	}

	id, err := db.Insert(ctx, pkg)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if id == 0 {
		t.Fatal("Insert returned id 0")
	}

	providers, err := db.ProvidersOf(ctx, dependency.Expression{Kind: dependency.PackageName, Name: "nano"})
	if err != nil {
		t.Fatalf("ProvidersOf: %v", err)
	}
	if len(providers) != 1 || providers[0].Name != "nano" {
		t.Fatalf("ProvidersOf = %+v, want one nano provider", providers)
	}

	deps, err := db.DependenciesOf(ctx, id)
	if err != nil {
		t.Fatalf("DependenciesOf: %v", err)
	}
	if len(deps) != 1 || deps[0].Name != "libc.so.6" {
		t.Fatalf("DependenciesOf = %+v, want libc.so.6", deps)
	}
}

func TestInsertUpsertsOnConflict(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	base := Package{Repository: "main", Name: "nano", Version: "7.2", Release: 1, SourceID: "nano", Summary: "old"}
	id1, err := db.Insert(ctx, base)
	if err != nil {
		t.Fatalf("first Insert: %v", err)
	}

	base.Summary = "new"
	id2, err := db.Insert(ctx, base)
	if err != nil {
		t.Fatalf("second Insert: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("upsert changed id: %d -> %d", id1, id2)
	}

	pkgs, err := db.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(pkgs) != 1 || pkgs[0].Summary != "new" {
		t.Fatalf("All = %+v, want a single row with updated summary", pkgs)
	}
}

func TestInsertAndAllRoundTripConflictsAndLicenses(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Insert(ctx, Package{
		Repository: "main", Name: "vim", Version: "9.1", Release: 1, SourceID: "vim",
		Provides:  dependency.Set{{Kind: dependency.PackageName, Name: "vim"}},
		Conflicts: dependency.Set{{Kind: dependency.PackageName, Name: "nano"}},
		Licenses:  []string{"Vim", "GPL-2.0-or-later"},
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	pkgs, err := db.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(pkgs) != 1 {
		t.Fatalf("All = %d rows, want 1", len(pkgs))
	}
	if len(pkgs[0].Conflicts) != 1 || pkgs[0].Conflicts[0].Name != "nano" {
		t.Fatalf("Conflicts = %+v, want [nano]", pkgs[0].Conflicts)
	}
	if len(pkgs[0].Licenses) != 2 {
		t.Fatalf("Licenses = %+v, want 2 entries", pkgs[0].Licenses)
	}
}

func TestInsertUpsertReplacesConflictsAndLicenses(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	base := Package{
		Repository: "main", Name: "vim", Version: "9.1", Release: 1, SourceID: "vim",
		Conflicts: dependency.Set{{Kind: dependency.PackageName, Name: "nano"}},
		Licenses:  []string{"Vim"},
	}
	if _, err := db.Insert(ctx, base); err != nil {
		t.Fatalf("first Insert: %v", err)
	}

	base.Conflicts = dependency.Set{{Kind: dependency.PackageName, Name: "emacs"}}
	base.Licenses = nil
	if _, err := db.Insert(ctx, base); err != nil {
		t.Fatalf("second Insert: %v", err)
	}

	pkgs, err := db.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(pkgs) != 1 {
		t.Fatalf("All = %d rows, want 1", len(pkgs))
	}
	if len(pkgs[0].Conflicts) != 1 || pkgs[0].Conflicts[0].Name != "emacs" {
		t.Fatalf("Conflicts after upsert = %+v, want [emacs] (stale row must be deleted, not appended)", pkgs[0].Conflicts)
	}
	if len(pkgs[0].Licenses) != 0 {
		t.Fatalf("Licenses after upsert = %+v, want none", pkgs[0].Licenses)
	}
}

func TestProvidersOfOrdersByRepositoryPriority(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	expr := dependency.Expression{Kind: dependency.PackageName, Name: "libssl"}
	if _, err := db.Insert(ctx, Package{
		Repository: "mirror", RepoPriority: 1, Name: "z-mirror-openssl", Version: "1", Release: 1, SourceID: "openssl",
		Provides: dependency.Set{expr},
	}); err != nil {
		t.Fatalf("Insert mirror: %v", err)
	}
	if _, err := db.Insert(ctx, Package{
		Repository: "primary", RepoPriority: 0, Name: "a-primary-openssl", Version: "1", Release: 1, SourceID: "openssl",
		Provides: dependency.Set{expr},
	}); err != nil {
		t.Fatalf("Insert primary: %v", err)
	}

	providers, err := db.ProvidersOf(ctx, expr)
	if err != nil {
		t.Fatalf("ProvidersOf: %v", err)
	}
	if len(providers) != 2 {
		t.Fatalf("ProvidersOf = %d rows, want 2", len(providers))
	}
	if providers[0].Name != "a-primary-openssl" {
		t.Fatalf("ProvidersOf[0] = %s, want the higher-priority repository's package despite its later name", providers[0].Name)
	}
}

func TestAllPopulatesProvidesAndDepends(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Insert(ctx, Package{
		Repository: "main", Name: "app", Version: "1", Release: 1, SourceID: "app",
		Provides: dependency.Set{{Kind: dependency.PackageName, Name: "app"}},
		Depends:  dependency.Set{{Kind: dependency.PackageName, Name: "libfoo"}},
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	pkgs, err := db.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(pkgs) != 1 {
		t.Fatalf("All = %d rows, want 1", len(pkgs))
	}
	if len(pkgs[0].Provides) != 1 || len(pkgs[0].Depends) != 1 {
		t.Fatalf("row provides/depends not populated: %+v", pkgs[0])
	}
}
