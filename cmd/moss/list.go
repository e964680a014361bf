// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/serpent-os/tools/internal/clitool"
)

var listCommand = &clitool.Command{
	Name:    "list",
	Summary: "List available or installed packages",
	Subcommands: []*clitool.Command{
		listAvailableCommand,
		listInstalledCommand,
	},
}

var listAvailableCommand = &clitool.Command{
	Name:    "available",
	Summary: "List every package known from synced repositories",
	Run: func(args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		pkgs, err := env.meta.All(context.Background())
		if err != nil {
			return err
		}
		for _, p := range pkgs {
			fmt.Fprintf(os.Stdout, "%s\t%s\t%s\n", p.Name, p.Version, p.Repository)
		}
		return nil
	},
}

var listInstalledCommand = &clitool.Command{
	Name:    "installed",
	Summary: "List packages in the active state",
	Run: func(args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		state, ok, err := env.state.Latest(context.Background())
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(os.Stderr, "no state has been activated on this root yet")
			return nil
		}

		for _, sel := range state.Selections {
			marker := " "
			if sel.Explicit {
				marker = "*"
			}
			fmt.Fprintf(os.Stdout, "%s %s\n", marker, sel.PackageName)
		}
		return nil
	},
}

var searchCommand = &clitool.Command{
	Name:    "search",
	Summary: "Search available packages by name substring",
	Usage:   "moss search <term>",
	Run: func(args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("search: expected exactly one search term")
		}
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		pkgs, err := env.meta.All(context.Background())
		if err != nil {
			return err
		}
		term := args[0]
		for _, p := range pkgs {
			if containsFold(p.Name, term) || containsFold(p.Summary, term) {
				fmt.Fprintf(os.Stdout, "%s\t%s\t%s\n", p.Name, p.Version, p.Summary)
			}
		}
		return nil
	},
}

func containsFold(haystack, needle string) bool {
	h, n := []rune(haystack), []rune(needle)
	if len(n) == 0 {
		return true
	}
	lower := func(rs []rune) []rune {
		out := make([]rune, len(rs))
		for i, r := range rs {
			if r >= 'A' && r <= 'Z' {
				r += 'a' - 'A'
			}
			out[i] = r
		}
		return out
	}
	h, n = lower(h), lower(n)
	for i := 0; i+len(n) <= len(h); i++ {
		if string(h[i:i+len(n)]) == string(n) {
			return true
		}
	}
	return false
}
