// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

// Package resolver computes an installable, deterministically ordered
// package set from a root selection, over a package graph that may
// contain cycles (two packages that depend on each other, directly or
// through an intermediate).
package resolver

import (
	"errors"
	"fmt"
	"sort"

	"github.com/serpent-os/tools/lib/dependency"
)

// ErrConflict is returned when a selected package declares a conflict
// on a capability that another selected package provides.
var ErrConflict = errors.New("resolver: conflicting providers")

// ErrUnresolved is returned when a dependency expression has no
// provider anywhere in the graph.
var ErrUnresolved = errors.New("resolver: unresolved dependency")

// Candidate is one resolvable package: an index-graph node with its
// provides/depends expressions and repository-priority tie-break
// fields.
type Candidate struct {
	Name       string
	Repository int // lower value = higher priority
	SourceRel  int64
	BuildRel   int64
	Provides   dependency.Set
	Depends    dependency.Set
	Conflicts  dependency.Set
}

// Graph is an arena of candidates plus a provider index, built once
// and queried many times during a single resolve.
type Graph struct {
	candidates []Candidate
	byName     map[string]int
	providers  map[dependency.Expression][]int
}

// NewGraph indexes candidates into a Graph. Every candidate enters the
// provider index under its own name and each of its Provides, where
// bestProvider chooses among them. The name index keeps only the first
// candidate of each name in slice order; later candidates with the same
// name are not found by a lookup by name.
func NewGraph(candidates []Candidate) *Graph {
	g := &Graph{
		candidates: candidates,
		byName:     make(map[string]int, len(candidates)),
		providers:  make(map[dependency.Expression][]int),
	}

	for i, c := range candidates {
		if _, exists := g.byName[c.Name]; !exists {
			g.byName[c.Name] = i
		}
		for _, p := range c.Provides {
			g.providers[p] = append(g.providers[p], i)
		}
		// A package always provides its own name.
		self := dependency.Expression{Kind: dependency.PackageName, Name: c.Name}
		g.providers[self] = append(g.providers[self], i)
	}

	return g
}

// bestProvider picks the highest-priority candidate index for expr:
// highest source release, then build release, then lowest repository
// index (highest priority), then lexicographically smallest name.
func (g *Graph) bestProvider(expr dependency.Expression) (int, bool) {
	idxs := g.providers[expr]
	if len(idxs) == 0 {
		return 0, false
	}

	best := idxs[0]
	for _, i := range idxs[1:] {
		if candidateLess(g.candidates[i], g.candidates[best]) {
			best = i
		}
	}
	return best, true
}

func candidateLess(a, b Candidate) bool {
	if a.SourceRel != b.SourceRel {
		return a.SourceRel > b.SourceRel
	}
	if a.BuildRel != b.BuildRel {
		return a.BuildRel > b.BuildRel
	}
	if a.Repository != b.Repository {
		return a.Repository < b.Repository
	}
	return a.Name < b.Name
}

// Plan is the result of a resolve: the full transitive closure of
// selected candidates, in staging order (dependencies before
// dependents; packages within a cycle are grouped together).
type Plan struct {
	Selected []Candidate
}

// Resolve computes the transitive closure of roots (a set of package
// names the caller explicitly wants) and returns it in staging order.
func Resolve(g *Graph, roots []string) (Plan, error) {
	selectedIdx := make(map[int]bool)

	var walk func(name string) error
	walk = func(name string) error {
		idx, ok := g.byName[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnresolved, name)
		}
		if selectedIdx[idx] {
			return nil
		}
		selectedIdx[idx] = true

		for _, dep := range g.candidates[idx].Depends {
			pi, ok := g.bestProvider(dep)
			if !ok {
				return fmt.Errorf("%w: %s (required by %s)", ErrUnresolved, dep, name)
			}
			if !selectedIdx[pi] {
				if err := walk(g.candidates[pi].Name); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for _, root := range roots {
		if err := walk(root); err != nil {
			return Plan{}, err
		}
	}

	order, err := stagingOrder(g, selectedIdx)
	if err != nil {
		return Plan{}, err
	}

	if err := checkConflicts(g, order); err != nil {
		return Plan{}, err
	}

	return Plan{Selected: order}, nil
}

// stagingOrder returns the selected candidates ordered so that every
// candidate is preceded by everything it depends on, using Tarjan's
// strongly-connected-components algorithm to collapse dependency
// cycles into a single staging group. Within a group, candidates are
// ordered by repository priority then name; groups that do not depend
// on each other keep the order in which a depth-first walk, started from
// the selected candidates in graph index order, completes them. Staging
// order is therefore fully deterministic.
func stagingOrder(g *Graph, selected map[int]bool) ([]Candidate, error) {
	t := &tarjan{
		g:        g,
		selected: selected,
		index:    make(map[int]int),
		lowlink:  make(map[int]int),
		onStack:  make(map[int]bool),
	}

	roots := make([]int, 0, len(selected))
	for idx := range selected {
		roots = append(roots, idx)
	}
	sort.Ints(roots)
	for _, idx := range roots {
		if _, visited := t.index[idx]; !visited {
			t.strongConnect(idx)
		}
	}

	// Tarjan emits an SCC only after every SCC reachable from it, so
	// t.sccs is already in dependencies-first order.
	var out []Candidate
	for _, scc := range t.sccs {
		sort.Slice(scc, func(a, b int) bool {
			ca, cb := g.candidates[scc[a]], g.candidates[scc[b]]
			if ca.Repository != cb.Repository {
				return ca.Repository < cb.Repository
			}
			return ca.Name < cb.Name
		})
		for _, idx := range scc {
			out = append(out, g.candidates[idx])
		}
	}

	return out, nil
}

type tarjan struct {
	g        *Graph
	selected map[int]bool
	counter  int
	index    map[int]int
	lowlink  map[int]int
	onStack  map[int]bool
	stack    []int
	sccs     [][]int
}

func (t *tarjan) strongConnect(v int) {
	t.index[v] = t.counter
	t.lowlink[v] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, dep := range t.g.candidates[v].Depends {
		w, ok := t.g.bestProvider(dep)
		if !ok || !t.selected[w] {
			continue
		}
		if _, visited := t.index[w]; !visited {
			t.strongConnect(w)
			if t.lowlink[w] < t.lowlink[v] {
				t.lowlink[v] = t.lowlink[w]
			}
		} else if t.onStack[w] {
			if t.index[w] < t.lowlink[v] {
				t.lowlink[v] = t.index[w]
			}
		}
	}

	if t.lowlink[v] == t.index[v] {
		var scc []int
		for {
			n := len(t.stack) - 1
			w := t.stack[n]
			t.stack = t.stack[:n]
			t.onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		t.sccs = append(t.sccs, scc)
	}
}

// checkConflicts reports ErrConflict when the selected set contains a
// package that declares a conflict on a capability another selected
// package provides.
func checkConflicts(g *Graph, selected []Candidate) error {
	providedBy := make(map[dependency.Expression]string, len(selected)*2)
	for _, c := range selected {
		for _, p := range c.Provides {
			providedBy[p] = c.Name
		}
	}

	for _, c := range selected {
		for _, conflict := range c.Conflicts {
			owner, exists := providedBy[conflict]
			if exists && owner != c.Name {
				return fmt.Errorf("%w: %s conflicts with %s (declares conflict on %s)", ErrConflict, c.Name, owner, conflict)
			}
		}
	}
	return nil
}
