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

var installCommand = &clitool.Command{
	Name:    "install",
	Summary: "Resolve, fetch, and activate a new state containing the named packages",
	Usage:   "moss install <package>...",
	Examples: []clitool.Example{
		{Description: "install a package and its dependencies", Command: "moss install nano"},
	},
	Run: func(args []string) error {
		if len(args) == 0 {
			return fmt.Errorf("install: at least one package name is required")
		}

		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.engine.Install(context.Background(), args); err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "installed: %v\n", args)
		return nil
	},
}

var removeCommand = &clitool.Command{
	Name:    "remove",
	Summary: "Remove packages from the active state",
	Usage:   "moss remove <package>...",
	Run: func(args []string) error {
		if len(args) == 0 {
			return fmt.Errorf("remove: at least one package name is required")
		}

		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.engine.Remove(context.Background(), args); err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "removed: %v\n", args)
		return nil
	},
}

var syncCommand = &clitool.Command{
	Name:    "sync",
	Summary: "Refresh package metadata from every configured repository",
	Run: func(args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.engine.Repos.Sync(context.Background()); err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, "sync complete")
		return nil
	},
}
