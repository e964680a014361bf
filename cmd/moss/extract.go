// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/serpent-os/tools/internal/clitool"
	"github.com/serpent-os/tools/lib/stone"
)

var extractCommand = &clitool.Command{
	Name:    "extract",
	Summary: "Extract a .stone file's contents to a directory, bypassing the install store",
	Usage:   "moss extract <path.stone> <destination>",
	Run: func(args []string) error {
		if len(args) != 2 {
			return fmt.Errorf("extract: expected <path.stone> <destination>")
		}

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		rd, err := stone.NewReader(f)
		if err != nil {
			return fmt.Errorf("extract: %w", err)
		}
		payloads, err := rd.ReadPayloads()
		if err != nil {
			return fmt.Errorf("extract: %w", err)
		}

		var (
			layoutRecords []stone.Layout
			indexRecords  []stone.Index
			contentRef    *stone.ContentRef
		)
		for _, p := range payloads {
			switch p.Kind {
			case stone.KindLayout:
				layoutRecords = append(layoutRecords, p.Layout...)
			case stone.KindIndex:
				indexRecords = append(indexRecords, p.Index...)
			case stone.KindContent:
				contentRef = p.Content
			}
		}

		var plain bytes.Buffer
		if contentRef != nil {
			if err := rd.LoadContent(contentRef, &plain); err != nil {
				return fmt.Errorf("extract: %w", err)
			}
		}
		content := plain.Bytes()

		byDigest := make(map[[16]byte]stone.Index, len(indexRecords))
		for _, idx := range indexRecords {
			byDigest[idx.Digest] = idx
		}

		dest := args[1]
		for _, l := range layoutRecords {
			target := filepath.Join(dest, l.Target)
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}

			switch l.FileType {
			case stone.LayoutDirectory:
				if err := os.MkdirAll(target, os.FileMode(l.Mode&0o777)); err != nil {
					return err
				}
			case stone.LayoutSymlink:
				if err := os.Symlink(string(l.Source), target); err != nil {
					return err
				}
			case stone.LayoutRegular:
				var digest [16]byte
				copy(digest[:], l.Source)
				idx, ok := byDigest[digest]
				if !ok {
					return fmt.Errorf("extract: no content index entry for %s", l.Target)
				}
				if err := os.WriteFile(target, content[idx.Start:idx.End], os.FileMode(l.Mode&0o777)); err != nil {
					return err
				}
			default:
				fmt.Fprintf(os.Stderr, "extract: skipping special file %s (type %d, requires root)\n", l.Target, l.FileType)
			}
		}

		fmt.Fprintf(os.Stdout, "extracted %d entries to %s\n", len(layoutRecords), dest)
		return nil
	},
}
