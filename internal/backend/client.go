// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// Config holds configuration options for the backend client.
type Config struct {
	// BaseURL is the generation service base URL.
	// Uses an explicit IPv4 address instead of localhost to avoid IPv6
	// resolution issues on Windows.
	BaseURL string

	// ConnectTimeout bounds non-streaming requests and the connection phase
	// of streaming requests (default: 10s).
	ConnectTimeout time.Duration

	// DefaultModel is used when a request does not name a model.
	DefaultModel string

	// MaxRetries is the number of additional connection attempts after an
	// unavailable backend, applied before the first chunk only. Zero
	// disables retries; a negative value selects the default (3).
	MaxRetries int

	// RetryBaseDelay is the initial backoff delay; it doubles per attempt
	// (default: 500ms).
	RetryBaseDelay time.Duration

	// Options carries model parameters sent with every request. Nil leaves
	// the backend's own defaults in effect.
	Options *Options
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "http://127.0.0.1:11434",
		ConnectTimeout: 10 * time.Second,
		DefaultModel:   "gpt-oss:latest",
		MaxRetries:     3,
		RetryBaseDelay: 500 * time.Millisecond,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client streams generations from the backend service over HTTP.
//
// The Client is safe for concurrent use. Each call opens its own connection
// and closes it on completion, error, or cancellation; connections never
// outlive the call.
type Client struct {
	config *Config
	log    *slog.Logger

	// httpClient serves bounded requests (Ping); streamClient serves
	// streaming requests and carries no overall timeout, only connection
	// phase bounds. Body reads are governed by the caller's ctx.
	httpClient   *http.Client
	streamClient *http.Client
}

// NewClient creates a backend client with the given configuration.
// A nil config selects defaults; zero fields are filled in.
func NewClient(config *Config, log *slog.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://127.0.0.1:11434"
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}
	if config.RetryBaseDelay == 0 {
		config.RetryBaseDelay = 500 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.ConnectTimeout,
		},
		streamClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: config.ConnectTimeout,
				}).DialContext,
				ResponseHeaderTimeout: config.ConnectTimeout,
			},
		},
		log: log.With(slog.String("component", "backend")),
	}
}

// BaseURL returns the configured service URL.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// =============================================================================
// HEALTH CHECK
// =============================================================================

// Ping verifies that the backend service is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL, nil)
	if err != nil {
		return &Error{Kind: KindProtocol, Message: "failed to create request", Cause: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return ErrCancelled
		}
		return &Error{Kind: KindUnavailable, Message: "backend unavailable", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &Error{Kind: KindUnavailable, Message: "unexpected status from backend: " + resp.Status}
	}
	return nil
}

// =============================================================================
// STREAMING GENERATION
// =============================================================================

// ChunkFunc is called for each chunk received during streaming, in order.
type ChunkFunc func(chunk Chunk)

// Generate sends a streaming generation request and calls onChunk for every
// chunk until the final chunk, an error, or context cancellation.
//
// Connection failures before the first chunk retry with bounded exponential
// backoff (MaxRetries attempts, RetryBaseDelay doubling). Once the stream is
// open there are no retries; a mid-stream failure surfaces as an error.
func (c *Client) Generate(ctx context.Context, model string, msgs []ChatMessage, onChunk ChunkFunc) error {
	if model == "" {
		model = c.config.DefaultModel
	}

	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   true,
		Options:  c.config.Options,
	})
	if err != nil {
		return &Error{Kind: KindProtocol, Message: "failed to marshal request", Cause: err}
	}

	// Retrying after a delivered chunk would duplicate content, so retries
	// stop as soon as anything has reached the caller.
	delivered := false
	wrapped := func(chunk Chunk) {
		delivered = true
		onChunk(chunk)
	}

	delay := c.config.RetryBaseDelay
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.log.Debug("retrying backend connection",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ErrCancelled
			}
			delay *= 2
		}

		err := c.streamOnce(ctx, body, wrapped)
		if err == nil || !IsUnavailable(err) || delivered {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// streamOnce performs a single streaming request.
func (c *Client) streamOnce(ctx context.Context, body []byte, onChunk ChunkFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: KindProtocol, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return ErrCancelled
		}
		return &Error{Kind: KindUnavailable, Message: "backend unavailable", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var werr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&werr); err == nil && werr.Error != "" {
			return &Error{Kind: KindProtocol, Message: werr.Error}
		}
		return &Error{Kind: KindProtocol, Message: "generation request failed: " + resp.Status}
	}

	return newStreamReader(resp.Body).process(ctx, onChunk)
}

// GenerateChan sends a streaming generation request and returns a channel of
// chunks. The channel is closed when streaming completes; abnormal
// termination is delivered as a chunk with Err set.
func (c *Client) GenerateChan(ctx context.Context, model string, msgs []ChatMessage) <-chan Chunk {
	ch := make(chan Chunk)

	go func() {
		defer close(ch)

		err := c.Generate(ctx, model, msgs, func(chunk Chunk) {
			select {
			case ch <- chunk:
			case <-ctx.Done():
			}
		})

		if err != nil {
			select {
			case ch <- Chunk{Err: err, Final: true}:
			case <-ctx.Done():
			}
		}
	}()

	return ch
}
