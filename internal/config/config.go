// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides settings loading and management for HamChat.
//
// Settings come from three layers, lowest precedence first:
//   - Built-in defaults
//   - <data_root>/settings.toml
//   - HAMCHAT_* environment variables
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/fsnotify/fsnotify"

	"github.com/hamwisk/HamChat/internal/util"
)

// SettingsFilename is the settings file name under the data root.
const SettingsFilename = "settings.toml"

// =============================================================================
// SETTINGS STRUCTURES
// =============================================================================

// Settings is the complete non-secret runtime configuration.
type Settings struct {
	Version string `toml:"version" env:"-"`

	Backend BackendSettings `toml:"backend"`
	Chat    ChatSettings    `toml:"chat"`
	Log     LogSettings     `toml:"log"`
}

// BackendSettings configures the generation backend.
type BackendSettings struct {
	// URL is the backend base URL.
	URL string `toml:"url" env:"HAMCHAT_BACKEND_URL"`
	// Model is the default model requested for every generation.
	Model string `toml:"model" env:"HAMCHAT_MODEL"`
	// ConnectTimeoutSecs bounds connection establishment.
	ConnectTimeoutSecs int `toml:"connect_timeout_secs" env:"HAMCHAT_CONNECT_TIMEOUT_SECS"`
	// MaxRetries bounds reconnection attempts before the first chunk.
	MaxRetries int `toml:"max_retries" env:"HAMCHAT_MAX_RETRIES"`
	// Temperature is the sampling temperature sent with every request;
	// zero leaves the backend's default in effect.
	Temperature float64 `toml:"temperature" env:"HAMCHAT_TEMPERATURE"`
}

// ChatSettings configures generation and streaming behavior.
type ChatSettings struct {
	// MaxTurns bounds the rolling context window sent to the backend.
	MaxTurns int `toml:"max_turns" env:"HAMCHAT_MAX_TURNS"`
	// MaxConcurrent caps cross-session generations; excess sends queue.
	MaxConcurrent int `toml:"max_concurrent" env:"HAMCHAT_MAX_CONCURRENT"`
	// FlushIntervalMs is the periodic persistence interval while streaming.
	FlushIntervalMs int `toml:"flush_interval_ms" env:"HAMCHAT_FLUSH_INTERVAL_MS"`
	// CancelGraceSecs bounds how long cancellation waits for the backend
	// stream to close before forcing the terminal state.
	CancelGraceSecs int `toml:"cancel_grace_secs" env:"HAMCHAT_CANCEL_GRACE_SECS"`
	// SystemPrompt, when set, is prepended to every generation's context.
	SystemPrompt string `toml:"system_prompt" env:"HAMCHAT_SYSTEM_PROMPT"`
}

// LogSettings configures logging output.
type LogSettings struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" env:"HAMCHAT_LOG_LEVEL"`
	// File is the JSON log path; empty means <data_root>/logs/app.log.
	File string `toml:"file" env:"HAMCHAT_LOG_FILE"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in settings.
func Default() *Settings {
	return &Settings{
		Version: "1.0",
		Backend: BackendSettings{
			URL:                "http://127.0.0.1:11434",
			Model:              "gpt-oss:latest",
			ConnectTimeoutSecs: 10,
			MaxRetries:         3,
		},
		Chat: ChatSettings{
			MaxTurns:        64,
			MaxConcurrent:   2,
			FlushIntervalMs: 500,
			CancelGraceSecs: 2,
		},
		Log: LogSettings{
			Level: "info",
		},
	}
}

// DefaultDataRoot returns the per-user data root.
func DefaultDataRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".hamchat"), nil
}

// =============================================================================
// LOADING AND SAVING
// =============================================================================

// Load reads settings from <dataRoot>/settings.toml, layering file values
// over defaults and environment overrides over both. A missing file is not
// an error; defaults plus environment apply.
func Load(dataRoot string) (*Settings, error) {
	s := Default()

	path := filepath.Join(dataRoot, SettingsFilename)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// First run; defaults stand.
	case err != nil:
		return nil, fmt.Errorf("failed to read settings: %w", err)
	default:
		if err := toml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("failed to parse settings: %w", err)
		}
	}

	if err := env.Parse(s); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Save writes settings atomically to <dataRoot>/settings.toml.
func (s *Settings) Save(dataRoot string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s); err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	path := filepath.Join(dataRoot, SettingsFilename)
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

// Validate checks settings coherence.
func (s *Settings) Validate() error {
	u, err := url.Parse(s.Backend.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid backend url %q", s.Backend.URL)
	}
	if s.Backend.ConnectTimeoutSecs <= 0 {
		return fmt.Errorf("connect_timeout_secs must be positive, got %d", s.Backend.ConnectTimeoutSecs)
	}
	if s.Backend.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", s.Backend.MaxRetries)
	}
	if s.Backend.Temperature < 0 || s.Backend.Temperature > 2 {
		return fmt.Errorf("temperature must be within [0, 2], got %g", s.Backend.Temperature)
	}
	if s.Chat.MaxTurns <= 0 {
		return fmt.Errorf("max_turns must be positive, got %d", s.Chat.MaxTurns)
	}
	if s.Chat.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive, got %d", s.Chat.MaxConcurrent)
	}
	if s.Chat.FlushIntervalMs <= 0 {
		return fmt.Errorf("flush_interval_ms must be positive, got %d", s.Chat.FlushIntervalMs)
	}
	switch s.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", s.Log.Level)
	}
	return nil
}

// =============================================================================
// LIVE RELOAD
// =============================================================================

// Watcher re-reads the settings file when it changes on disk and hands the
// result to the registered callback. Invalid edits are reported and the
// previous settings stay in effect.
type Watcher struct {
	mu       sync.Mutex
	current  *Settings
	dataRoot string
	fsw      *fsnotify.Watcher
	onChange func(*Settings)
	done     chan struct{}
}

// Watch starts watching <dataRoot>/settings.toml. onChange runs on the
// watcher goroutine for every successful reload.
func Watch(dataRoot string, initial *Settings, onChange func(*Settings)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create settings watcher: %w", err)
	}
	// Watch the directory: editors and atomic saves replace the file.
	if err := fsw.Add(dataRoot); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch data root: %w", err)
	}

	w := &Watcher{
		current:  initial,
		dataRoot: dataRoot,
		fsw:      fsw,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Current returns the most recently loaded settings.
func (w *Watcher) Current() *Settings {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != SettingsFilename {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			s, err := Load(w.dataRoot)
			if err != nil {
				// Keep the last good settings.
				continue
			}
			w.mu.Lock()
			w.current = s
			w.mu.Unlock()
			if w.onChange != nil {
				w.onChange(s)
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}
