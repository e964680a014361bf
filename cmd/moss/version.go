// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"os"

	"github.com/serpent-os/tools/internal/clitool"
)

// buildVersion is overridden at link time with -ldflags "-X main.buildVersion=...".
var buildVersion = "dev"

var versionCommand = &clitool.Command{
	Name:    "version",
	Summary: "Print the moss version",
	Run: func(args []string) error {
		fmt.Fprintf(os.Stdout, "moss %s\n", buildVersion)
		return nil
	},
}

var completionsCommand = &clitool.Command{
	Name:    "completions",
	Summary: "Generate shell completion scripts",
	Usage:   "moss completions <bash|zsh|fish>",
	Run: func(args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("completions: expected exactly one shell name")
		}
		switch args[0] {
		case "bash", "zsh", "fish":
			return clitool.ErrNotImplemented(fmt.Sprintf("completions %s", args[0]))
		default:
			return fmt.Errorf("completions: unsupported shell %q", args[0])
		}
	},
}
