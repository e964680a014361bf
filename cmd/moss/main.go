// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

// Command moss is the Serpent OS package management CLI: resolves,
// fetches, and atomically activates package selections against an
// installation root, and inspects .stone container files directly.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/serpent-os/tools/internal/clitool"
	"github.com/serpent-os/tools/lib/installation"
	"github.com/serpent-os/tools/lib/resolver"
	"github.com/serpent-os/tools/lib/stone"
	"github.com/serpent-os/tools/lib/transaction"
)

var rootCommand = &clitool.Command{
	Name:        "moss",
	Description: "moss manages packages on Serpent OS installation roots.",
	Flags: func() *pflag.FlagSet {
		fs := pflag.NewFlagSet("moss", pflag.ContinueOnError)
		fs.StringVarP(&rootFlag, "root", "D", "/", "installation root to operate on")
		return fs
	},
	Subcommands: []*clitool.Command{
		repoCommand,
		listCommand,
		searchCommand,
		installCommand,
		removeCommand,
		syncCommand,
		stateCommand,
		inspectCommand,
		extractCommand,
		versionCommand,
		completionsCommand,
	},
}

func main() {
	// -D/--root may appear before the subcommand name; pflag only
	// parses the flags belonging to whichever command actually runs,
	// so pull it out of the top-level args first.
	args := os.Args[1:]
	fs := pflag.NewFlagSet("moss", pflag.ContinueOnError)
	fs.StringVarP(&rootFlag, "root", "D", "/", "installation root to operate on")
	fs.ParseErrorsWhitelist.UnknownFlags = true
	_ = fs.Parse(args)
	args = fs.Args()

	err := rootCommand.Execute(args)
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, installation.ErrRootLocked):
		fmt.Fprintln(os.Stderr, "moss:", err)
		return 4
	case errors.Is(err, stone.ErrChecksumMismatch):
		fmt.Fprintln(os.Stderr, "moss:", err)
		return 3
	case errors.Is(err, transaction.ErrPathConflict), errors.Is(err, resolver.ErrConflict), errors.Is(err, resolver.ErrUnresolved):
		fmt.Fprintln(os.Stderr, "moss:", err)
		return 2
	default:
		fmt.Fprintln(os.Stderr, "moss:", err)
		return 1
	}
}
