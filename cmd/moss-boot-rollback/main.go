// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

// Command moss-boot-rollback is invoked by a small initramfs shell hook
// early in boot. It looks for moss.fstx=<id> on the kernel command
// line and, if present, exchanges /usr for that state's tree before any
// other userspace service starts.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/serpent-os/tools/internal/bootrollback"
	"github.com/serpent-os/tools/lib/installation"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	rootPath := "/"
	if len(os.Args) > 1 {
		rootPath = os.Args[1]
	}

	cmdlinePath := "/proc/cmdline"
	if v := os.Getenv("MOSS_CMDLINE_PATH"); v != "" {
		cmdlinePath = v
	}

	cmdline, err := bootrollback.ReadCmdline(cmdlinePath)
	if err != nil {
		logger.Error("read kernel cmdline", "error", err)
		os.Exit(1)
	}

	id, requested, err := bootrollback.RequestedStateID(cmdline)
	if err != nil {
		logger.Error("parse cmdline", "error", err)
		os.Exit(1)
	}
	if !requested {
		logger.Debug("no moss.fstx= parameter present, nothing to do")
		return
	}

	root := installation.Root{Path: rootPath}
	if err := bootrollback.Perform(root, id); err != nil {
		logger.Error("rollback failed", "state", id, "error", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stdout, "moss-boot-rollback: activated state %d\n", id)
}
