// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - command-line parsing for HamChat.
package cli

import (
	"fmt"
	"os"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Mode selects how the process runs.
type Mode int

const (
	// ModeSolo is the default: local interactive chat against a local
	// backend.
	ModeSolo Mode = iota

	// ModeHam hosts the desktop/server side for remote snouts.
	ModeHam

	// ModeSnout is the remote/agent mode pointing at a ham's URL.
	ModeSnout
)

// String returns the mode's flag spelling.
func (m Mode) String() string {
	switch m {
	case ModeHam:
		return "ham"
	case ModeSnout:
		return "snout"
	default:
		return "solo"
	}
}

// Args holds parsed command-line arguments.
type Args struct {
	Mode      Mode
	ServerURL string
	DataDir   string
	LogLevel  string

	ShowVersion bool
	ShowHelp    bool

	// Warnings collects deprecation notices to print after parsing.
	Warnings []string
}

const usageText = `hamchat - local-first chat client with streaming LLM sessions

Usage:
  hamchat                         Interactive chat (solo mode)
  hamchat --ham                   Host mode for remote snouts
  hamchat --snout --server-url <url>
                                  Agent mode against a remote ham

Flags:
  --ham                 Run in host (server) mode
  --snout               Run in agent mode (requires --server-url)
  --server-url <url>    Backend or ham endpoint URL
  --data-dir <path>     Data root (default ~/.hamchat, env HAMCHAT_DATA_DIR)
  --log-level <level>   debug, info, warn, error
  --version             Print version and exit
  --help                Print this help and exit

Environment:
  HAMCHAT_MODE          ham | snout | solo (flags win over the environment)
  HAMCHAT_DATA_DIR      Data root override
`

// Usage returns the help text.
func Usage() string {
	return usageText
}

// PrintVersion prints build information.
func PrintVersion() {
	fmt.Printf("hamchat version %s\n", Version)
	fmt.Printf("  Git commit: %s\n", GitCommit)
	fmt.Printf("  Build date: %s\n", BuildDate)
}

// Parse parses argv (without the program name) into Args. Mode flags are
// mutually exclusive; the deprecated --server and --agent spellings map to
// --ham and --snout with a warning. HAMCHAT_MODE applies only when no mode
// flag is given.
func Parse(argv []string) (*Args, error) {
	args := &Args{Mode: ModeSolo}

	modeSet := false
	setMode := func(m Mode, flag string) error {
		if modeSet && args.Mode != m {
			return fmt.Errorf("%s conflicts with --%s: modes are mutually exclusive", flag, args.Mode)
		}
		args.Mode = m
		modeSet = true
		return nil
	}

	takeValue := func(i *int, flag string) (string, error) {
		if *i+1 >= len(argv) {
			return "", fmt.Errorf("%s requires a value", flag)
		}
		*i++
		return argv[*i], nil
	}

	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		switch arg {
		case "--ham":
			if err := setMode(ModeHam, arg); err != nil {
				return nil, err
			}
		case "--snout":
			if err := setMode(ModeSnout, arg); err != nil {
				return nil, err
			}
		case "--server":
			args.Warnings = append(args.Warnings, "--server is deprecated, use --ham")
			if err := setMode(ModeHam, arg); err != nil {
				return nil, err
			}
		case "--agent":
			args.Warnings = append(args.Warnings, "--agent is deprecated, use --snout")
			if err := setMode(ModeSnout, arg); err != nil {
				return nil, err
			}
		case "--server-url":
			v, err := takeValue(&i, arg)
			if err != nil {
				return nil, err
			}
			args.ServerURL = v
		case "--data-dir":
			v, err := takeValue(&i, arg)
			if err != nil {
				return nil, err
			}
			args.DataDir = v
		case "--log-level":
			v, err := takeValue(&i, arg)
			if err != nil {
				return nil, err
			}
			args.LogLevel = v
		case "--version", "-v":
			args.ShowVersion = true
		case "--help", "-h":
			args.ShowHelp = true
		default:
			return nil, fmt.Errorf("unknown flag %q (see --help)", arg)
		}
	}

	if !modeSet {
		switch strings.ToLower(os.Getenv("HAMCHAT_MODE")) {
		case "ham", "server":
			args.Mode = ModeHam
		case "snout", "agent":
			args.Mode = ModeSnout
		case "", "solo":
		default:
			return nil, fmt.Errorf("invalid HAMCHAT_MODE %q", os.Getenv("HAMCHAT_MODE"))
		}
	}

	if args.Mode == ModeSnout && args.ServerURL == "" {
		return nil, fmt.Errorf("--snout requires --server-url")
	}
	if args.DataDir == "" {
		args.DataDir = os.Getenv("HAMCHAT_DATA_DIR")
	}
	return args, nil
}
