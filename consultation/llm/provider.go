// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Provider is a single-attempt client for an OpenAI-compatible chat
// completions endpoint. Retries and timeouts live in Gateway.
type Provider struct {
	baseURL     string
	path        string
	credentials CredentialSource
	client      HTTPClient
}

// ProviderConfig contains configuration for the provider.
type ProviderConfig struct {
	BaseURL     string           // default DefaultBaseURL
	APIPath     string           // default DefaultAPIPath
	Credentials CredentialSource // required
}

// NewProvider creates a provider. A nil credential source is allowed; every
// call then fails with a ConfigurationError.
func NewProvider(cfg ProviderConfig) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	path := cfg.APIPath
	if path == "" {
		path = DefaultAPIPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	creds := cfg.Credentials
	if creds == nil {
		creds = StaticCredentials("")
	}
	return &Provider{
		baseURL:     baseURL,
		path:        path,
		credentials: creds,
		// Per-call deadlines come from the context; no client-wide timeout
		// so that long streams are not cut off.
		client: &http.Client{},
	}
}

// SetHTTPClient sets a custom HTTP client for testing.
func (p *Provider) SetHTTPClient(client HTTPClient) {
	p.client = client
}

// CheckCredentials reports whether a credential can be resolved.
func (p *Provider) CheckCredentials(ctx context.Context) error {
	_, err := p.credentials.APIKey(ctx)
	return err
}

// Complete performs one non-streamed completion.
func (p *Provider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	resp, err := p.send(ctx, "complete", req, false)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyDoError(ctx, "complete", err)
	}

	var apiResp chatResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, &ResponseFormatError{Message: "invalid JSON body", Err: err}
	}
	if len(apiResp.Choices) == 0 || apiResp.Choices[0].Message == nil || apiResp.Choices[0].Message.Content == nil {
		return nil, &ResponseFormatError{Message: "missing choices[0].message.content"}
	}

	return &CompletionResponse{
		Content:      *apiResp.Choices[0].Message.Content,
		Model:        apiResp.Model,
		FinishReason: apiResp.Choices[0].FinishReason,
		Usage: UsageStats{
			InputTokens:  apiResp.Usage.PromptTokens,
			OutputTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:  apiResp.Usage.TotalTokens,
		},
		Latency: time.Since(start),
	}, nil
}

// OpenStream establishes a streamed completion. The returned Stream owns the
// response body; callers must Close it. cancel, when non-nil, is called on Close.
func (p *Provider) OpenStream(ctx context.Context, req CompletionRequest, cancel context.CancelFunc) (*Stream, error) {
	resp, err := p.send(ctx, "stream", req, true)
	if err != nil {
		return nil, err
	}
	return newStream(ctx, resp.Body, cancel), nil
}

func (p *Provider) send(ctx context.Context, op string, req CompletionRequest, stream bool) (*http.Response, error) {
	apiKey, err := p.credentials.APIKey(ctx)
	if err != nil {
		return nil, err
	}

	reqBody, err := json.Marshal(buildChatRequest(req, stream))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+p.path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyDoError(ctx, op, err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		return nil, parseAPIError(op, resp.StatusCode, body)
	}

	return resp, nil
}

func buildChatRequest(req CompletionRequest, stream bool) chatRequest {
	messages := make([]chatMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}

	if req.ImageURL != "" {
		messages = append(messages, chatMessage{
			Role: "user",
			Content: []contentPart{
				{Type: "image_url", ImageURL: &imageRef{URL: req.ImageURL}},
				{Type: "text", Text: req.Prompt},
			},
		})
	} else {
		messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})
	}

	out := chatRequest{
		Model:     req.Model,
		Messages:  messages,
		Stream:    stream,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		out.Temperature = &t
	}
	return out
}

// parseAPIError maps a non-200 response onto the taxonomy.
func parseAPIError(op string, statusCode int, body []byte) error {
	var errResp apiErrorBody
	msg := strings.TrimSpace(string(body))
	code := ""
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		msg = errResp.Error.Message
		code = errResp.Error.Code
	}
	cause := fmt.Errorf("%s", msg)

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &ConfigurationError{Message: fmt.Sprintf("provider rejected credential (status %d)", statusCode), Err: cause}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return &TimeoutError{Op: op, Err: cause}
	default:
		return &TransportError{Op: op, StatusCode: statusCode, Code: code, Err: cause}
	}
}

// Stream is a lazy, finite, non-restartable sequence of text fragments.
// It accepts both SSE ("data: {...}") and newline-delimited JSON bodies.
type Stream struct {
	ctx     context.Context
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc

	mu        sync.Mutex // serializes Next
	done      bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newStream(ctx context.Context, body io.ReadCloser, cancel context.CancelFunc) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	return &Stream{ctx: ctx, body: body, scanner: scanner, cancel: cancel}
}

// Next returns the next non-empty fragment, io.EOF at normal completion, or
// a TimeoutError, TransportError or ResponseFormatError.
func (s *Stream) Next() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done || s.closed.Load() {
		return "", io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "event:") || strings.HasPrefix(line, "id:") || strings.HasPrefix(line, "retry:") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "[DONE]" {
			s.done = true
			return "", io.EOF
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			s.done = true
			return "", &ResponseFormatError{Message: "malformed stream event", Err: err}
		}
		if len(ev.Choices) == 0 {
			continue
		}
		if content := ev.Choices[0].Delta.Content; content != "" {
			return content, nil
		}
	}

	s.done = true
	if s.closed.Load() {
		return "", io.EOF
	}
	if err := s.scanner.Err(); err != nil {
		return "", classifyDoError(s.ctx, "stream", err)
	}
	if err := s.ctx.Err(); err != nil {
		return "", classifyDoError(s.ctx, "stream", err)
	}
	return "", io.EOF
}

// Close releases the response body and unblocks a pending Next. Safe to
// call more than once and concurrently with Next.
func (s *Stream) Close() error {
	s.closed.Store(true)
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
		if s.cancel != nil {
			s.cancel()
		}
	})
	return s.closeErr
}
