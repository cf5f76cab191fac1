// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// newStreamServer returns a test server that streams the given fragments as
// NDJSON chat lines followed by a final marker.
func newStreamServer(t *testing.T, fragments []string, perChunkDelay time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("test server does not support flushing")
		}
		for _, frag := range fragments {
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", frag)
			flusher.Flush()
			if perChunkDelay > 0 {
				time.Sleep(perChunkDelay)
			}
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","eval_count":5}`)
		flusher.Flush()
	}))
}

func testClient(baseURL string) *Client {
	return NewClient(&Config{
		BaseURL:        baseURL,
		MaxRetries:     1,
		RetryBaseDelay: 5 * time.Millisecond,
	}, nil)
}

// =============================================================================
// GENERATE TESTS
// =============================================================================

func TestGenerate_StreamsAllChunksInOrder(t *testing.T) {
	fragments := []string{"Hel", "lo", " wor", "ld"}
	srv := newStreamServer(t, fragments, 0)
	defer srv.Close()

	client := testClient(srv.URL)

	var got strings.Builder
	var sawFinal bool
	err := client.Generate(context.Background(), "test-model",
		[]ChatMessage{NewUserMessage("hi")},
		func(chunk Chunk) {
			got.WriteString(chunk.Content)
			if chunk.Final {
				sawFinal = true
				if chunk.FinishReason != "stop" {
					t.Errorf("FinishReason = %q, want %q", chunk.FinishReason, "stop")
				}
				if chunk.CompletionTokens != 5 {
					t.Errorf("CompletionTokens = %d, want 5", chunk.CompletionTokens)
				}
			}
		})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if got.String() != "Hello world" {
		t.Errorf("accumulated = %q, want %q", got.String(), "Hello world")
	}
	if !sawFinal {
		t.Error("final chunk was never delivered")
	}
}

func TestGenerate_CancelMidStream(t *testing.T) {
	srv := newStreamServer(t, []string{"a", "b", "c", "d", "e"}, 50*time.Millisecond)
	defer srv.Close()

	client := testClient(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())

	var received int
	err := client.Generate(ctx, "test-model",
		[]ChatMessage{NewUserMessage("hi")},
		func(chunk Chunk) {
			received++
			if received == 2 {
				cancel()
			}
		})
	if !IsCancelled(err) {
		t.Fatalf("Generate error = %v, want cancelled", err)
	}
	if received < 2 {
		t.Errorf("received %d chunks before cancel, want at least 2", received)
	}
	// No further chunks after cancellation is requested.
	if received > 3 {
		t.Errorf("received %d chunks, cancellation should stop delivery promptly", received)
	}
}

func TestGenerate_BackendUnavailable(t *testing.T) {
	// Point at a closed port.
	client := testClient("http://127.0.0.1:1")

	err := client.Generate(context.Background(), "test-model",
		[]ChatMessage{NewUserMessage("hi")}, func(Chunk) {})
	if !IsUnavailable(err) {
		t.Fatalf("Generate error = %v, want unavailable", err)
	}
}

func TestGenerate_ConnectTimeoutBoundsSilentServer(t *testing.T) {
	// A server that accepts the connection but never sends response headers.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	client := NewClient(&Config{
		BaseURL:        "http://" + ln.Addr().String(),
		ConnectTimeout: 100 * time.Millisecond,
	}, nil)

	start := time.Now()
	err = client.Generate(context.Background(), "test-model",
		[]ChatMessage{NewUserMessage("hi")}, func(Chunk) {})
	if !IsUnavailable(err) {
		t.Fatalf("Generate error = %v, want unavailable", err)
	}
	// The call must resolve around the configured timeout, not hang until
	// the caller cancels.
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Generate took %v, connect timeout did not apply", elapsed)
	}
}

func TestGenerate_ZeroMaxRetriesDisablesRetry(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	var attempts int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&attempts, 1)
			conn.Close()
		}
	}()

	client := NewClient(&Config{
		BaseURL:        "http://" + ln.Addr().String(),
		MaxRetries:     0,
		RetryBaseDelay: time.Millisecond,
	}, nil)

	genErr := client.Generate(context.Background(), "test-model",
		[]ChatMessage{NewUserMessage("hi")}, func(Chunk) {})
	if !IsUnavailable(genErr) {
		t.Fatalf("Generate error = %v, want unavailable", genErr)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("connection attempts = %d, want exactly 1 with retries disabled", got)
	}
}

func TestGenerate_RetriesThenSucceeds(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			// Simulate a refused connection by hijacking and dropping.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("server does not support hijacking")
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Fatalf("hijack failed: %v", err)
			}
			conn.Close()
			return
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"ok"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`)
	}))
	defer srv.Close()

	client := testClient(srv.URL)
	var got strings.Builder
	err := client.Generate(context.Background(), "test-model",
		[]ChatMessage{NewUserMessage("hi")},
		func(chunk Chunk) { got.WriteString(chunk.Content) })
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if got.String() != "ok" {
		t.Errorf("content = %q, want %q", got.String(), "ok")
	}
}

func TestGenerate_ProtocolErrorNotRetried(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintln(w, `{"error":"model not found"}`)
	}))
	defer srv.Close()

	client := testClient(srv.URL)
	err := client.Generate(context.Background(), "missing-model",
		[]ChatMessage{NewUserMessage("hi")}, func(Chunk) {})
	if !IsProtocol(err) {
		t.Fatalf("Generate error = %v, want protocol error", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, protocol errors must not be retried", attempts)
	}
}

func TestGenerate_TruncatedStreamIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Stream a fragment but never send the final marker.
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"partial"},"done":false}`)
	}))
	defer srv.Close()

	client := testClient(srv.URL)
	var got strings.Builder
	err := client.Generate(context.Background(), "test-model",
		[]ChatMessage{NewUserMessage("hi")},
		func(chunk Chunk) { got.WriteString(chunk.Content) })
	if !IsProtocol(err) {
		t.Fatalf("Generate error = %v, want protocol error", err)
	}
	if got.String() != "partial" {
		t.Errorf("content = %q, want the partial text preserved", got.String())
	}
}

// =============================================================================
// CHANNEL ADAPTER TESTS
// =============================================================================

func TestGenerateChan_DeliversErrorChunk(t *testing.T) {
	client := testClient("http://127.0.0.1:1")

	ch := client.GenerateChan(context.Background(), "m", []ChatMessage{NewUserMessage("hi")})

	var last Chunk
	for chunk := range ch {
		last = chunk
	}
	if last.Err == nil {
		t.Fatal("expected a trailing error chunk")
	}
	if !errors.Is(last.Err, ErrUnavailable) {
		t.Errorf("trailing error = %v, want unavailable", last.Err)
	}
}

// =============================================================================
// PING TESTS
// =============================================================================

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := testClient(srv.URL)
	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping returned error: %v", err)
	}

	down := testClient("http://127.0.0.1:1")
	if err := down.Ping(context.Background()); !IsUnavailable(err) {
		t.Errorf("Ping error = %v, want unavailable", err)
	}
}
