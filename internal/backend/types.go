// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend provides the streaming HTTP client for the LLM generation
// service (local or remote).
package backend

// =============================================================================
// REQUEST TYPES
// =============================================================================

// ChatMessage is one turn of prior conversation sent as generation context.
type ChatMessage struct {
	Role    string   `json:"role"`             // "user", "assistant", "system"
	Content string   `json:"content"`          // The message text
	Images  []string `json:"images,omitempty"` // Base64 image parts for vision models
}

// chatRequest is the request body for the /api/chat endpoint.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *Options      `json:"options,omitempty"`
}

// Options contains model parameters for inference.
type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
	Seed        int     `json:"seed,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// =============================================================================
// STREAMING TYPES
// =============================================================================

// Chunk is one incremental fragment of generated text.
// A stream ends with exactly one chunk whose Final field is true, or with a
// chunk carrying Err when the stream failed.
type Chunk struct {
	// Content is the incremental text fragment (may be empty on the final
	// chunk).
	Content string

	// Final marks the last chunk of a completed generation.
	Final bool

	// FinishReason is populated on the final chunk ("stop", "length", ...).
	FinishReason string

	// Token counts, populated on the final chunk only.
	PromptTokens     int
	CompletionTokens int

	// Err is set when the stream terminated abnormally. A chunk with Err set
	// is always the last chunk delivered.
	Err error
}

// wireResponse is one NDJSON line from the backend's streaming endpoint.
type wireResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	Error           string `json:"error,omitempty"`
}

// =============================================================================
// HELPER CONSTRUCTORS
// =============================================================================

// NewUserMessage creates a user context message.
func NewUserMessage(content string) ChatMessage {
	return ChatMessage{Role: "user", Content: content}
}

// NewAssistantMessage creates an assistant context message.
func NewAssistantMessage(content string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: content}
}

// NewSystemMessage creates a system context message.
func NewSystemMessage(content string) ChatMessage {
	return ChatMessage{Role: "system", Content: content}
}
