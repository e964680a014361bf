// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/serpent-os/tools/internal/clitool"
)

var stateCommand = &clitool.Command{
	Name:    "state",
	Summary: "Inspect and switch between committed states",
	Subcommands: []*clitool.Command{
		stateListCommand,
		stateActivateCommand,
	},
}

var stateListCommand = &clitool.Command{
	Name:    "list",
	Summary: "List every committed state, newest first",
	Run: func(args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		states, err := env.state.List(context.Background())
		if err != nil {
			return err
		}

		currentID, hasCurrent, err := env.root.CurrentStateID()
		if err != nil {
			return err
		}

		for _, s := range states {
			marker := " "
			if hasCurrent && s.ID == currentID {
				marker = "*"
			}
			fmt.Fprintf(os.Stdout, "%s %d\t%s\t%d packages\n", marker, s.ID, s.CreatedAt.Format("2006-01-02 15:04:05"), len(s.Selections))
		}
		return nil
	},
}

var stateActivateCommand = &clitool.Command{
	Name:    "activate",
	Summary: "Exchange /usr for a previously committed state",
	Usage:   "moss state activate <id>",
	Run: func(args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("state activate: expected exactly one state id")
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("state activate: invalid state id %q: %w", args[0], err)
		}

		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.engine.Activate(context.Background(), id); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "activated state %d\n", id)
		return nil
	},
}
