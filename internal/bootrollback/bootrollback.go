// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

// Package bootrollback implements the early-boot handler for the
// moss.fstx=<id> kernel command-line argument: before userspace has
// mounted anything but the installation root, exchange /usr for the
// requested state's tree so a broken update never needs a rescue disk.
package bootrollback

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/serpent-os/tools/lib/installation"
)

const cmdlineParam = "moss.fstx="

// RequestedStateID scans a /proc/cmdline-formatted string for
// moss.fstx=<id> and returns the requested state id, or ok=false if the
// parameter is absent.
func RequestedStateID(cmdline string) (id int64, ok bool, err error) {
	for _, field := range strings.Fields(cmdline) {
		if !strings.HasPrefix(field, cmdlineParam) {
			continue
		}
		raw := strings.TrimPrefix(field, cmdlineParam)
		id, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("bootrollback: invalid %s%s: %w", cmdlineParam, raw, err)
		}
		return id, true, nil
	}
	return 0, false, nil
}

// ReadCmdline reads a kernel command line file (conventionally
// /proc/cmdline).
func ReadCmdline(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("bootrollback: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	if scanner.Scan() {
		return scanner.Text(), nil
	}
	return "", scanner.Err()
}

// Perform exchanges root's /usr for stateID's tree and rewrites
// .stateID, without touching statedb or the resolver: this runs before
// userspace databases are guaranteed mountable, so it trusts the
// on-disk roots/<id>/usr tree named by the kernel argument directly.
func Perform(root installation.Root, stateID int64) error {
	targetUsr := root.StateDir(stateID) + "/usr"
	if _, err := os.Stat(targetUsr); err != nil {
		return fmt.Errorf("bootrollback: state %d has no tree at %s: %w", stateID, targetUsr, err)
	}

	if err := installation.ExchangeUsr(root.UsrDir(), targetUsr); err != nil {
		return fmt.Errorf("bootrollback: exchange /usr: %w", err)
	}
	if err := root.WriteStateID(stateID); err != nil {
		return fmt.Errorf("bootrollback: write .stateID: %w", err)
	}
	return nil
}
