// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"learnwork/shared/logger"
)

type recordingObserver struct {
	mu      sync.Mutex
	calls   []string
	retries int
}

func (o *recordingObserver) ProviderCall(op, result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, op+":"+result)
}

func (o *recordingObserver) ProviderRetry(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
}

func completionBody(content string) string {
	return fmt.Sprintf(`{"model":"qwen-plus","choices":[{"message":{"role":"assistant","content":%q},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":5,"total_tokens":8}}`, content)
}

func newTestGateway(t *testing.T, url string, key string, maxRetries int, timeout time.Duration) *Gateway {
	t.Helper()
	p := NewProvider(ProviderConfig{BaseURL: url, Credentials: StaticCredentials(key)})
	return NewGateway(p, GatewayConfig{
		Timeout:       timeout,
		StreamTimeout: 5 * time.Second,
		Retry: RetryConfig{
			MaxRetries:     maxRetries,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			BackoffFactor:  2,
		},
	}, logger.Discard())
}

func TestCompleteOnceSuccess(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DefaultAPIPath, r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, completionBody("请按流程提交申请"))
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL, "sk-test", 2, time.Second)
	obs := &recordingObserver{}
	gw.SetObserver(obs)

	text, err := gw.CompleteOnce(context.Background(), "奖学金怎么申请", "")
	require.NoError(t, err)
	assert.Equal(t, "请按流程提交申请", text)
	assert.Equal(t, DefaultTextModel, got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "奖学金怎么申请", got.Messages[0].Content)
	assert.Equal(t, []string{"complete:success"}, obs.calls)
}

func TestCompleteOnceSendsGenerationLimits(t *testing.T) {
	var raw map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		_, _ = io.WriteString(w, completionBody("好的"))
	}))
	defer server.Close()

	p := NewProvider(ProviderConfig{BaseURL: server.URL, Credentials: StaticCredentials("sk-test")})
	gw := NewGateway(p, GatewayConfig{Timeout: time.Second, MaxTokens: 800, Temperature: 0.3}, logger.Discard())
	_, err := gw.CompleteOnce(context.Background(), "宿舍几点熄灯", "")
	require.NoError(t, err)
	assert.Equal(t, float64(800), raw["max_tokens"])
	assert.Equal(t, 0.3, raw["temperature"])

	// Unset limits are left to the provider.
	raw = nil
	gw = newTestGateway(t, server.URL, "sk-test", 0, time.Second)
	_, err = gw.CompleteOnce(context.Background(), "宿舍几点熄灯", "")
	require.NoError(t, err)
	assert.NotContains(t, raw, "max_tokens")
	assert.NotContains(t, raw, "temperature")
}

func TestCompleteOnceMultimodal(t *testing.T) {
	var raw map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		_, _ = io.WriteString(w, completionBody("这是一张宿舍照片"))
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL, "sk-test", 0, time.Second)
	_, err := gw.CompleteOnce(context.Background(), "看看这张图", "https://files.example/a.png")
	require.NoError(t, err)

	assert.Equal(t, DefaultVisionModel, raw["model"])
	msgs := raw["messages"].([]interface{})
	parts := msgs[0].(map[string]interface{})["content"].([]interface{})
	require.Len(t, parts, 2)
	img := parts[0].(map[string]interface{})
	assert.Equal(t, "image_url", img["type"])
	assert.Equal(t, "https://files.example/a.png", img["image_url"].(map[string]interface{})["url"])
}

func TestCompleteOnceMissingCredentialMakesNoCall(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL, "", 3, time.Second)
	_, err := gw.CompleteOnce(context.Background(), "hi", "")

	var svcErr *AIServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, 1, svcErr.Attempts)
	assert.True(t, IsConfigurationError(err))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestCompleteOnceTimeoutExhaustsRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL, "sk-test", 2, 30*time.Millisecond)
	obs := &recordingObserver{}
	gw.SetObserver(obs)

	_, err := gw.CompleteOnce(context.Background(), "hi", "")

	var svcErr *AIServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, 3, svcErr.Attempts)
	var te *TimeoutError
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 2, obs.retries)
	assert.Equal(t, []string{"complete:timeout"}, obs.calls)
}

func TestCompleteOnceRetriesServerErrorThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"error":{"code":"overloaded","message":"busy"}}`)
			return
		}
		_, _ = io.WriteString(w, completionBody("ok"))
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL, "sk-test", 3, time.Second)
	text, err := gw.CompleteOnce(context.Background(), "hi", "")
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestCompleteOnceResponseFormatIsNotRetried(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no choices", `{"choices":[]}`},
		{"not json", `<html>oops</html>`},
		{"empty content", completionBody("  ")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer server.Close()

			gw := newTestGateway(t, server.URL, "sk-test", 3, time.Second)
			_, err := gw.CompleteOnce(context.Background(), "hi", "")

			var fe *ResponseFormatError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		})
	}
}

func TestCompleteOnceUnauthorizedIsConfiguration(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"code":"invalid_api_key","message":"bad key"}}`)
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL, "sk-wrong", 3, time.Second)
	_, err := gw.CompleteOnce(context.Background(), "hi", "")
	assert.True(t, IsConfigurationError(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func drain(t *testing.T, s *Stream) ([]string, error) {
	t.Helper()
	var out []string
	for {
		frag, err := s.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, frag)
	}
}

func TestCompleteStreamSSE(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frag := range []string{"你好", "", "，同学"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", frag)
			flusher.Flush()
		}
		_, _ = io.WriteString(w, ": keep-alive\n\ndata: [DONE]\n\n")
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL, "sk-test", 0, time.Second)
	s, err := gw.CompleteStream(context.Background(), "hi", "")
	require.NoError(t, err)
	defer s.Close()

	frags, err := drain(t, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"你好", "，同学"}, frags)
}

func TestCompleteStreamNDJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[{"delta":{"content":"a"}}]}`+"\n")
		_, _ = io.WriteString(w, `{"choices":[{"delta":{"content":"b"},"finish_reason":"stop"}]}`+"\n")
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL, "sk-test", 0, time.Second)
	s, err := gw.CompleteStream(context.Background(), "hi", "")
	require.NoError(t, err)
	defer s.Close()

	frags, err := drain(t, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, frags)
}

func TestCompleteStreamRetriesEstablishmentOnly(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n")
		_, _ = io.WriteString(w, "data: {not json}\n")
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL, "sk-test", 3, time.Second)
	s, err := gw.CompleteStream(context.Background(), "hi", "")
	require.NoError(t, err)
	defer s.Close()

	frags, err := drain(t, s)
	assert.Equal(t, []string{"x"}, frags)
	var fe *ResponseFormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	// The stream is finished; it does not restart.
	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestCompleteStreamEstablishmentTimeout(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL, "sk-test", 1, 30*time.Millisecond)
	_, err := gw.CompleteStream(context.Background(), "hi", "")

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestStreamCloseUnblocksNext(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"first\"}}]}\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	gw := newTestGateway(t, server.URL, "sk-test", 0, time.Second)
	s, err := gw.CompleteStream(context.Background(), "hi", "")
	require.NoError(t, err)

	frag, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "first", frag)

	done := make(chan error, 1)
	go func() {
		_, err := s.Next()
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func TestClassifyDocument(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, DefaultVisionModel, req.Model)
		_, _ = io.WriteString(w, completionBody("家庭情况证明"))
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL, "sk-test", 0, time.Second)
	dt, err := gw.ClassifyDocument(context.Background(), "https://files.example/doc.jpg")
	require.NoError(t, err)
	assert.Equal(t, DocumentFamilySituation, dt)

	assert.True(t, gw.CheckDocumentType(context.Background(), "https://files.example/doc.jpg", DocumentFamilySituation))
	assert.False(t, gw.CheckDocumentType(context.Background(), "https://files.example/doc.jpg", DocumentTranscript))
}

func TestCheckDocumentTypeFalseOnError(t *testing.T) {
	gw := newTestGateway(t, "http://127.0.0.1:1", "", 0, time.Second)
	assert.False(t, gw.CheckDocumentType(context.Background(), "https://files.example/doc.jpg", DocumentTranscript))
}

func TestParseDocumentType(t *testing.T) {
	tests := []struct {
		in   string
		want DocumentType
	}{
		{in: "成绩单", want: DocumentTranscript},
		{in: "这是一份推荐信。", want: DocumentRecommendation},
		{in: " 收入证明\n", want: DocumentIncomeCertificate},
		{in: "完全不知道", want: DocumentOther},
		{in: "", want: DocumentOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseDocumentType(tt.in), tt.in)
	}
}

func TestMatchesDocumentType(t *testing.T) {
	tests := []struct {
		actual, expected DocumentType
		want             bool
	}{
		{actual: DocumentTranscript, expected: DocumentTranscript, want: true},
		{actual: DocumentTranscript, expected: "成绩单复印件", want: true},
		{actual: "本科成绩单", expected: DocumentTranscript, want: true},
		{actual: DocumentRecommendation, expected: DocumentTranscript, want: false},
		{actual: DocumentOther, expected: "", want: false},
		{actual: "", expected: DocumentTranscript, want: false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchesDocumentType(tt.actual, tt.expected), "%s vs %s", tt.actual, tt.expected)
	}
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, "success", ResultLabel(nil))
	assert.Equal(t, "configuration", ResultLabel(&ConfigurationError{Message: "x"}))
	assert.Equal(t, "timeout", ResultLabel(&AIServiceError{Cause: &TimeoutError{Op: "complete"}}))
	assert.Equal(t, "transport", ResultLabel(&TransportError{Op: "complete"}))
	assert.Equal(t, "format", ResultLabel(&ResponseFormatError{Message: "x"}))
	assert.Equal(t, "canceled", ResultLabel(context.Canceled))
	assert.Equal(t, "error", ResultLabel(errors.New("other")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&TimeoutError{Op: "x"}))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", &TransportError{Op: "x"})))
	assert.False(t, IsRetryable(&ResponseFormatError{Message: "x"}))
	assert.False(t, IsRetryable(&ConfigurationError{Message: "x"}))
	assert.False(t, IsRetryable(nil))
}
