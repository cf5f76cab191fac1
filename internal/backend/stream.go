// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// =============================================================================
// STREAM READER
// =============================================================================

// streamReader handles line-by-line JSON parsing of a streaming response.
type streamReader struct {
	reader *bufio.Reader
	// strings.Builder avoids quadratic allocations while accumulating.
	accumulator strings.Builder
	chunkCount  int
}

// newStreamReader creates a stream reader over the response body.
func newStreamReader(r io.Reader) *streamReader {
	return &streamReader{reader: bufio.NewReader(r)}
}

// process reads the stream and calls onChunk for each parsed chunk.
// Blocks until the final chunk arrives, the stream fails, or ctx is
// cancelled. A stream that ends without a final chunk is a protocol error.
func (s *streamReader) process(ctx context.Context, onChunk ChunkFunc) error {
	for {
		select {
		case <-ctx.Done():
			return ErrCancelled
		default:
		}

		chunk, err := s.readChunk(ctx)
		if err != nil {
			return err
		}
		if chunk == nil {
			continue
		}

		onChunk(*chunk)
		if chunk.Final {
			return nil
		}
	}
}

// readChunk reads and parses a single NDJSON line. Returns (nil, nil) for
// blank lines.
func (s *streamReader) readChunk(ctx context.Context) (*Chunk, error) {
	line, err := s.reader.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, ErrCancelled
		}
		if err == io.EOF && len(line) == 0 {
			// Stream ended before the final marker.
			return nil, &Error{Kind: KindProtocol, Message: "stream ended before final chunk"}
		}
		if len(line) == 0 {
			return nil, &Error{Kind: KindProtocol, Message: "stream read failed", Cause: err}
		}
		// Fall through and parse the last unterminated line.
	}

	if len(line) == 0 || len(strings.TrimSpace(string(line))) == 0 {
		return nil, nil
	}

	var resp wireResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, &Error{Kind: KindProtocol, Message: "malformed stream line", Cause: err}
	}

	if resp.Error != "" {
		return nil, &Error{Kind: KindProtocol, Message: resp.Error}
	}

	if resp.Message.Content != "" {
		s.accumulator.WriteString(resp.Message.Content)
		s.chunkCount++
	}

	chunk := &Chunk{
		Content: resp.Message.Content,
		Final:   resp.Done,
	}
	if resp.Done {
		chunk.FinishReason = resp.DoneReason
		chunk.PromptTokens = resp.PromptEvalCount
		chunk.CompletionTokens = resp.EvalCount
	}
	return chunk, nil
}

// accumulated returns all content seen so far.
func (s *streamReader) accumulated() string {
	return s.accumulator.String()
}
