// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/serpent-os/tools/lib/config"
	"github.com/serpent-os/tools/lib/hashstore"
	"github.com/serpent-os/tools/lib/installation"
	"github.com/serpent-os/tools/lib/layoutdb"
	"github.com/serpent-os/tools/lib/metadb"
	"github.com/serpent-os/tools/lib/repository"
	"github.com/serpent-os/tools/lib/statedb"
	"github.com/serpent-os/tools/lib/transaction"
)

// rootFlag holds the -D value shared by every subcommand.
var rootFlag string

// cliEnv opens every store an installation root needs and assembles a
// transaction.Engine, closing everything cleanly is the caller's
// responsibility via cliEnv.Close.
type cliEnv struct {
	root   installation.Root
	engine *transaction.Engine
	logger *slog.Logger

	meta   *metadb.DB
	layout *layoutdb.DB
	state  *statedb.DB
}

func openEnv() (*cliEnv, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfgPath := config.ResolvePath("")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	rootPath := rootFlag
	if rootPath == "" {
		rootPath = cfg.Root
	}
	root := installation.Root{Path: rootPath}
	if err := root.Init(); err != nil {
		return nil, err
	}

	meta, err := metadb.Open(root.DBDir()+"/meta.db", logger)
	if err != nil {
		return nil, fmt.Errorf("open metadb: %w", err)
	}
	layout, err := layoutdb.Open(root.DBDir()+"/layout.db", logger)
	if err != nil {
		meta.Close()
		return nil, fmt.Errorf("open layoutdb: %w", err)
	}
	state, err := statedb.Open(root.DBDir()+"/state.db", logger)
	if err != nil {
		meta.Close()
		layout.Close()
		return nil, fmt.Errorf("open statedb: %w", err)
	}

	store, err := hashstore.New(root.StoreDir(), logger)
	if err != nil {
		meta.Close()
		layout.Close()
		state.Close()
		return nil, fmt.Errorf("open hashstore: %w", err)
	}

	repos := make([]repository.Repository, 0, len(cfg.Repositories))
	for _, r := range cfg.Repositories {
		repos = append(repos, repository.Repository{Name: r.Name, URI: r.URI})
	}
	repoMgr := repository.NewManager(repos, meta, logger)
	repoMgr.SetCacheDir(root.MossDir() + "/index-cache")

	engine := &transaction.Engine{
		Root:   root,
		Meta:   meta,
		Layout: layout,
		State:  state,
		Store:  store,
		Repos:  repoMgr,
		Logger: logger,
	}

	if err := engine.Reconcile(context.Background()); err != nil {
		meta.Close()
		layout.Close()
		state.Close()
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	return &cliEnv{root: root, engine: engine, logger: logger, meta: meta, layout: layout, state: state}, nil
}

func (e *cliEnv) Close() {
	e.meta.Close()
	e.layout.Close()
	e.state.Close()
}
