// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"net/http"
	"time"
)

const (
	// DefaultBaseURL is the DashScope host serving the OpenAI-compatible API.
	DefaultBaseURL = "https://dashscope.aliyuncs.com"

	// DefaultAPIPath is the chat completions path under DefaultBaseURL.
	DefaultAPIPath = "/compatible-mode/v1/chat/completions"

	// DefaultTextModel answers text-only questions.
	DefaultTextModel = "qwen-plus"

	// DefaultVisionModel answers questions carrying an image and classifies documents.
	DefaultVisionModel = "qwen-vl-plus"

	// DefaultTimeout bounds a single attempt.
	DefaultTimeout = 30 * time.Second

	// DefaultStreamTimeout bounds a whole streamed answer once established.
	DefaultStreamTimeout = 5 * time.Minute
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// CompletionRequest is one chat completion call.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Prompt       string
	ImageURL     string // non-empty selects multimodal content
	MaxTokens    int
	Temperature  float64
}

// CompletionResponse is the result of a non-streamed completion.
type CompletionResponse struct {
	Content      string
	Model        string
	FinishReason string
	Usage        UsageStats
	Latency      time.Duration
}

// UsageStats contains token usage statistics.
type UsageStats struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// wire types for the OpenAI-compatible API

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageRef `json:"image_url,omitempty"`
}

type imageRef struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message *struct {
			Content *string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type streamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

type apiErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
