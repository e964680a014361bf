// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

package resolver

import (
	"errors"
	"testing"

	"github.com/serpent-os/tools/lib/dependency"
)

func nameExpr(name string) dependency.Expression {
	return dependency.Expression{Kind: dependency.PackageName, Name: name}
}

func TestResolveLinearChain(t *testing.T) {
	candidates := []Candidate{
		{Name: "app", Depends: dependency.Set{nameExpr("libfoo")}},
		{Name: "libfoo", Depends: dependency.Set{nameExpr("libbar")}},
		{Name: "libbar"},
	}
	g := NewGraph(candidates)

	plan, err := Resolve(g, []string{"app"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	order := names(plan.Selected)
	if len(order) != 3 {
		t.Fatalf("selected = %v, want 3 packages", order)
	}
	// libbar must precede libfoo must precede app.
	pos := indexOf(order)
	if pos["libbar"] > pos["libfoo"] || pos["libfoo"] > pos["app"] {
		t.Fatalf("staging order = %v, want dependencies before dependents", order)
	}
}

func TestResolveUnknownRootFails(t *testing.T) {
	g := NewGraph([]Candidate{{Name: "app"}})
	if _, err := Resolve(g, []string{"missing"}); err == nil {
		t.Fatal("Resolve with unknown root name: got nil error, want ErrUnresolved")
	}
}

func TestResolveMissingDependencyFails(t *testing.T) {
	g := NewGraph([]Candidate{
		{Name: "app", Depends: dependency.Set{nameExpr("nope")}},
	})
	if _, err := Resolve(g, []string{"app"}); err == nil {
		t.Fatal("Resolve with unresolvable dependency: got nil error, want ErrUnresolved")
	}
}

func TestResolveCyclicGraphStagesTogether(t *testing.T) {
	// a depends on b, b depends on a: a genuine cycle. Both must appear
	// in the plan and must land in the same SCC (adjacent in output,
	// order between them is a tie the priority/name rule decides).
	candidates := []Candidate{
		{Name: "a", Depends: dependency.Set{nameExpr("b")}},
		{Name: "b", Depends: dependency.Set{nameExpr("a")}},
	}
	g := NewGraph(candidates)

	plan, err := Resolve(g, []string{"a"})
	if err != nil {
		t.Fatalf("Resolve on cyclic graph: %v", err)
	}
	if len(plan.Selected) != 2 {
		t.Fatalf("selected = %v, want both cyclic members", names(plan.Selected))
	}
}

func TestResolvePicksHighestPriorityProvider(t *testing.T) {
	candidates := []Candidate{
		{Name: "app", Depends: dependency.Set{nameExpr("libssl")}},
		{Name: "openssl-old", Repository: 0, SourceRel: 1, Provides: dependency.Set{nameExpr("libssl")}},
		{Name: "openssl-new", Repository: 0, SourceRel: 2, Provides: dependency.Set{nameExpr("libssl")}},
	}
	g := NewGraph(candidates)

	plan, err := Resolve(g, []string{"app"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	found := false
	for _, c := range plan.Selected {
		if c.Name == "openssl-old" {
			t.Fatal("resolver selected the lower source_release provider")
		}
		if c.Name == "openssl-new" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected openssl-new to be selected, got %v", names(plan.Selected))
	}
}

func TestResolvePicksHigherPriorityRepositoryOnTie(t *testing.T) {
	// Same source_release and build_release: the tie must break on
	// repository priority (lower Repository index wins), not name.
	candidates := []Candidate{
		{Name: "app", Depends: dependency.Set{nameExpr("libssl")}},
		{Name: "z-mirror-openssl", Repository: 1, SourceRel: 1, Provides: dependency.Set{nameExpr("libssl")}},
		{Name: "a-primary-openssl", Repository: 0, SourceRel: 1, Provides: dependency.Set{nameExpr("libssl")}},
	}
	g := NewGraph(candidates)

	plan, err := Resolve(g, []string{"app"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	for _, c := range plan.Selected {
		if c.Name == "z-mirror-openssl" {
			t.Fatal("resolver picked the lower-priority repository's provider over the higher-priority one")
		}
	}
	found := false
	for _, c := range plan.Selected {
		if c.Name == "a-primary-openssl" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a-primary-openssl (higher repository priority) to be selected, got %v", names(plan.Selected))
	}
}

func TestResolveDetectsDeclaredConflict(t *testing.T) {
	candidates := []Candidate{
		{Name: "app", Depends: dependency.Set{nameExpr("editor"), nameExpr("pager")}},
		{Name: "editor", Provides: dependency.Set{nameExpr("editor")}, Conflicts: dependency.Set{nameExpr("pager")}},
		{Name: "pager", Provides: dependency.Set{nameExpr("pager")}},
	}
	g := NewGraph(candidates)

	_, err := Resolve(g, []string{"app"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Resolve: got %v, want ErrConflict", err)
	}
}

func TestResolveAllowsNonConflictingProviders(t *testing.T) {
	candidates := []Candidate{
		{Name: "app", Depends: dependency.Set{nameExpr("editor")}},
		{Name: "editor", Provides: dependency.Set{nameExpr("editor")}, Conflicts: dependency.Set{nameExpr("some-other-editor")}},
	}
	g := NewGraph(candidates)

	if _, err := Resolve(g, []string{"app"}); err != nil {
		t.Fatalf("Resolve: %v, want no conflict since the conflicting capability isn't selected", err)
	}
}

func names(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Name
	}
	return out
}

func indexOf(names []string) map[string]int {
	m := make(map[string]int, len(names))
	for i, n := range names {
		m[n] = i
	}
	return m
}
