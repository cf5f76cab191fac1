// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// HamChat - local-first chat client with streaming LLM sessions.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/hamwisk/HamChat/internal/attach"
	"github.com/hamwisk/HamChat/internal/backend"
	"github.com/hamwisk/HamChat/internal/chat"
	"github.com/hamwisk/HamChat/internal/cli"
	"github.com/hamwisk/HamChat/internal/config"
	"github.com/hamwisk/HamChat/internal/controller"
	"github.com/hamwisk/HamChat/internal/registry"
	"github.com/hamwisk/HamChat/internal/store"
)

// Version information (set by build flags)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// localUsername is the account solo mode runs under. It is created on
// first launch with a throwaway password; nothing in solo mode logs in.
const localUsername = "local"

func init() {
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
}

func main() {
	args, err := cli.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if args.ShowHelp {
		fmt.Print(cli.Usage())
		return
	}
	if args.ShowVersion {
		cli.PrintVersion()
		return
	}
	for _, w := range args.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}

	if err := run(args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args *cli.Args) error {
	dataRoot := args.DataDir
	if dataRoot == "" {
		var err error
		dataRoot, err = config.DefaultDataRoot()
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(dataRoot, 0755); err != nil {
		return fmt.Errorf("failed to create data root: %w", err)
	}

	settings, err := config.Load(dataRoot)
	if err != nil {
		return err
	}
	// Flags win over the settings file and the environment.
	if args.LogLevel != "" {
		settings.Log.Level = args.LogLevel
	}
	if args.ServerURL != "" {
		settings.Backend.URL = args.ServerURL
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	logger, logCloser, err := config.SetupLogging(settings.Log, dataRoot)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	logger.Info("hamchat starting",
		slog.String("version", Version),
		slog.String("mode", args.Mode.String()),
		slog.String("data_root", dataRoot))

	if args.Mode == cli.ModeHam {
		// Hosting remote snouts needs the network listener, which is not
		// part of this build yet.
		fmt.Println("ham (host) mode is not available in this build")
		return nil
	}

	db, err := store.Open(dataRoot, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	att, err := attach.New(dataRoot, db, logger)
	if err != nil {
		return err
	}
	reg := registry.New(db, logger)

	backendCfg := &backend.Config{
		BaseURL:        settings.Backend.URL,
		ConnectTimeout: time.Duration(settings.Backend.ConnectTimeoutSecs) * time.Second,
		DefaultModel:   settings.Backend.Model,
		MaxRetries:     settings.Backend.MaxRetries,
	}
	if settings.Backend.Temperature > 0 {
		backendCfg.Options = &backend.Options{Temperature: settings.Backend.Temperature}
	}
	client := backend.NewClient(backendCfg, logger)

	facade := chat.New(chat.Config{
		Model:        settings.Backend.Model,
		MaxTurns:     settings.Chat.MaxTurns,
		SystemPrompt: settings.Chat.SystemPrompt,
		Controller: controller.Config{
			MaxConcurrent: settings.Chat.MaxConcurrent,
			FlushInterval: time.Duration(settings.Chat.FlushIntervalMs) * time.Millisecond,
			CancelGrace:   time.Duration(settings.Chat.CancelGraceSecs) * time.Second,
		},
	}, client, db, att, reg, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := facade.Shutdown(ctx); err != nil {
			logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
		}
	}()

	watcher, err := config.Watch(dataRoot, settings, func(s *config.Settings) {
		facade.ApplySettings(s.Backend.Model, s.Chat.MaxTurns, s.Chat.SystemPrompt)
		logger.Info("settings reloaded",
			slog.String("model", s.Backend.Model),
			slog.Int("max_turns", s.Chat.MaxTurns))
	})
	if err != nil {
		logger.Warn("settings watcher unavailable", slog.String("error", err.Error()))
	} else {
		defer watcher.Close()
	}

	user, err := ensureLocalUser(db)
	if err != nil {
		return err
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: backend at %s is not responding, sends will fail until it is up\n",
			client.BaseURL())
	}

	return cli.NewREPL(facade, user, dataRoot, logger).Run()
}

// ensureLocalUser loads the solo account, creating it on first launch. It
// becomes the admin only when the store has none yet.
func ensureLocalUser(db *store.Store) (*store.User, error) {
	u, err := db.GetUserByUsername(localUsername)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, store.ErrUserNotFound) {
		return nil, err
	}

	role := store.RoleStandard
	hasAdmin, err := db.AdminExists()
	if err != nil {
		return nil, err
	}
	if !hasAdmin {
		role = store.RoleAdmin
	}
	return db.CreateUser(localUsername, uuid.NewString(), role)
}
