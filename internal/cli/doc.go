// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli parses command-line arguments and hosts the interactive chat
// loop. Mode selection (--ham, --snout, default solo) resolves here; the
// core receives only a resolved endpoint and data root and never parses
// flags itself.
package cli
