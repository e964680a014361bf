// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"os"

	"github.com/serpent-os/tools/internal/clitool"
)

var repoCommand = &clitool.Command{
	Name:    "repo",
	Summary: "Manage configured package repositories",
	Subcommands: []*clitool.Command{
		repoAddCommand,
		repoListCommand,
		repoRemoveCommand,
	},
}

var repoAddCommand = &clitool.Command{
	Name:    "add",
	Summary: "Add a repository to the configuration",
	Usage:   "moss repo add <name> <uri>",
	Run: func(args []string) error {
		if len(args) != 2 {
			return fmt.Errorf("repo add: expected <name> <uri>")
		}
		return clitool.ErrNotImplemented("repo add persists to a config file; wire a config writer before use")
	},
}

var repoListCommand = &clitool.Command{
	Name:    "list",
	Summary: "List configured repositories",
	Run: func(args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		for _, r := range env.engine.Repos.Repositories() {
			fmt.Fprintf(os.Stdout, "%s\t%s\n", r.Name, r.URI)
		}
		return nil
	},
}

var repoRemoveCommand = &clitool.Command{
	Name:    "remove",
	Summary: "Remove a repository from the configuration",
	Usage:   "moss repo remove <name>",
	Run: func(args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("repo remove: expected <name>")
		}
		return clitool.ErrNotImplemented("repo remove persists to a config file; wire a config writer before use")
	},
}
