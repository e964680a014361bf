// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

// Package trigger collects and runs post-transaction triggers: named
// shell fragments declared per-package (ldconfig,
// update-desktop-database, glib-compile-schemas, ...) that must run
// once each, after staging and before a transaction commits, against
// the staged /usr view.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/serpent-os/tools/internal/container"
)

// Trigger is one named, idempotent post-install action.
type Trigger struct {
	Name    string
	Command []string
}

// WellKnown lists the fixed trigger catalog. Packages declare which of
// these they require via an Attribute record (key "triggers", a
// newline-separated list of names); this module does not support
// arbitrary per-package trigger commands, matching the upstream
// project's fixed catalog rather than an open shell-fragment format.
var WellKnown = map[string]Trigger{
	"ldconfig": {
		Name:    "ldconfig",
		Command: []string{"ldconfig"},
	},
	"update-desktop-database": {
		Name:    "update-desktop-database",
		Command: []string{"update-desktop-database", "/usr/share/applications"},
	},
	"glib-compile-schemas": {
		Name:    "glib-compile-schemas",
		Command: []string{"glib-compile-schemas", "/usr/share/glib-2.0/schemas"},
	},
	"gtk-update-icon-cache": {
		Name:    "gtk-update-icon-cache",
		Command: []string{"gtk-update-icon-cache", "-q", "/usr/share/icons/hicolor"},
	},
	"mandb": {
		Name:    "mandb",
		Command: []string{"mandb", "-q"},
	},
}

// Set is a deduplicated, deterministically ordered collection of
// triggers to run for one transaction.
type Set struct {
	names map[string]struct{}
}

// NewSet returns an empty trigger set.
func NewSet() *Set {
	return &Set{names: make(map[string]struct{})}
}

// Add requests that name run once for this transaction. Unknown names
// are ignored with a logged warning rather than failing the
// transaction, since a newer package may declare a trigger this
// binary predates.
func (s *Set) Add(name string, logger *slog.Logger) {
	if _, ok := WellKnown[name]; !ok {
		if logger != nil {
			logger.Warn("trigger: ignoring unknown trigger", "name", name)
		}
		return
	}
	s.names[name] = struct{}{}
}

// Run executes every requested trigger, in deterministic (sorted)
// order, inside a disposable jail bound to stagingUsr. The first
// non-zero exit aborts and is returned; the caller (transaction
// engine) treats this as a Planning-class error that must abort before
// the State DB commit.
func (s *Set) Run(ctx context.Context, stagingUsr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	names := make([]string, 0, len(s.names))
	for name := range s.names {
		names = append(names, name)
	}
	sort.Strings(names)

	jail := container.Jail{StagingUsr: stagingUsr}

	for _, name := range names {
		t := WellKnown[name]
		logger.Info("trigger: running", "name", t.Name)
		if err := jail.Run(ctx, t.Command, os.Stdout, os.Stderr); err != nil {
			return fmt.Errorf("trigger: %s failed: %w", t.Name, err)
		}
	}

	return nil
}
