// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides settings loading and management for HamChat.
//
// Settings live at <data_root>/settings.toml and hold only non-secret
// runtime configuration. Three layers apply, lowest precedence first:
// built-in defaults, the TOML file, and HAMCHAT_* environment variables.
//
// # Key Types
//
//   - Settings: the complete runtime configuration
//   - Watcher: reloads settings when the file changes on disk
//
// # Usage
//
//	settings, err := config.Load(dataRoot)
//	if err != nil {
//	    return err
//	}
//	logger, closer, err := config.SetupLogging(settings.Log, dataRoot)
package config
