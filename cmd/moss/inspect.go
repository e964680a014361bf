// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/serpent-os/tools/internal/clitool"
	"github.com/serpent-os/tools/lib/stone"
)

var inspectCommand = &clitool.Command{
	Name:    "inspect",
	Summary: "Print the payload structure of a .stone file",
	Usage:   "moss inspect <path.stone>",
	Run: func(args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("inspect: expected exactly one .stone path")
		}

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		rd, err := stone.NewReader(f)
		if err != nil {
			return fmt.Errorf("inspect: %w", err)
		}

		fmt.Fprintf(os.Stdout, "file type: %s\nversion: %d\npayloads: %d\n\n", rd.Header.FileType, rd.Header.Version, rd.Header.NumPayloads)

		i := 0
		for p, err := range rd.Payloads(context.Background()) {
			if err != nil {
				return fmt.Errorf("inspect: %w", err)
			}

			switch p.Kind {
			case stone.KindMeta:
				fmt.Fprintf(os.Stdout, "[%d] meta (%d records)\n", i, len(p.Meta))
				for _, m := range p.Meta {
					if m.Kind == stone.MetaDependency || m.Kind == stone.MetaProvider {
						fmt.Fprintf(os.Stdout, "    tag=%d %s\n", m.Tag, m.Expression)
					} else {
						fmt.Fprintf(os.Stdout, "    tag=%d %s\n", m.Tag, m.Value)
					}
				}
			case stone.KindLayout:
				fmt.Fprintf(os.Stdout, "[%d] layout (%d entries)\n", i, len(p.Layout))
				for _, l := range p.Layout {
					fmt.Fprintf(os.Stdout, "    %s (type=%d mode=%o)\n", l.Target, l.FileType, l.Mode)
				}
			case stone.KindIndex:
				fmt.Fprintf(os.Stdout, "[%d] index (%d entries)\n", i, len(p.Index))
			case stone.KindAttributes:
				fmt.Fprintf(os.Stdout, "[%d] attributes (%d entries)\n", i, len(p.Attrs))
				for _, a := range p.Attrs {
					fmt.Fprintf(os.Stdout, "    %s = %q\n", a.Key, a.Value)
				}
			case stone.KindContent:
				fmt.Fprintf(os.Stdout, "[%d] content\n", i)
			case stone.KindDumb:
				fmt.Fprintf(os.Stdout, "[%d] dumb\n", i)
			}
			i++
		}

		return nil
	},
}
