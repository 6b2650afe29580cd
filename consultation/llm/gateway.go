// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"learnwork/shared/logger"
)

// Observer receives per-call outcomes; consultation metrics implement it.
type Observer interface {
	ProviderCall(operation, result string)
	ProviderRetry(operation string)
}

type nopObserver struct{}

func (nopObserver) ProviderCall(string, string) {}
func (nopObserver) ProviderRetry(string)        {}

// GatewayConfig holds model selection, deadlines and retry policy.
type GatewayConfig struct {
	TextModel     string
	VisionModel   string
	SystemPrompt  string
	Timeout       time.Duration // per attempt; for streams, establishment only
	StreamTimeout time.Duration // whole stream once established
	MaxTokens     int           // 0 leaves the provider default
	Temperature   float64       // 0 leaves the provider default
	Retry         RetryConfig
}

// Gateway wraps a Provider with per-attempt timeouts, bounded retries and
// the single-result / streamed-fragment operations the orchestrator uses.
type Gateway struct {
	provider *Provider
	cfg      GatewayConfig
	log      *logger.Logger
	observer Observer
}

// NewGateway fills config defaults and returns a Gateway.
func NewGateway(provider *Provider, cfg GatewayConfig, log *logger.Logger) *Gateway {
	if cfg.TextModel == "" {
		cfg.TextModel = DefaultTextModel
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = DefaultVisionModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = DefaultStreamTimeout
	}
	if cfg.Retry.RetryIf == nil {
		cfg.Retry.RetryIf = IsRetryable
	}
	if cfg.Retry.BackoffFactor <= 0 {
		cfg.Retry.BackoffFactor = 2.0
	}
	if log == nil {
		log = logger.New("gateway")
	}
	return &Gateway{provider: provider, cfg: cfg, log: log, observer: nopObserver{}}
}

// SetObserver installs a call observer.
func (g *Gateway) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	g.observer = o
}

// Ready reports whether the provider credential resolves.
func (g *Gateway) Ready(ctx context.Context) error {
	return g.provider.CheckCredentials(ctx)
}

// ModelFor picks the multimodal model when an image reference is present.
func (g *Gateway) ModelFor(imageURL string) string {
	if strings.TrimSpace(imageURL) != "" {
		return g.cfg.VisionModel
	}
	return g.cfg.TextModel
}

func (g *Gateway) request(prompt, imageURL string) CompletionRequest {
	return CompletionRequest{
		Model:        g.ModelFor(imageURL),
		SystemPrompt: g.cfg.SystemPrompt,
		Prompt:       prompt,
		ImageURL:     strings.TrimSpace(imageURL),
		MaxTokens:    g.cfg.MaxTokens,
		Temperature:  g.cfg.Temperature,
	}
}

func (g *Gateway) retryConfig(op string) RetryConfig {
	rc := g.cfg.Retry
	rc.OnRetry = func(retry int, err error) {
		g.observer.ProviderRetry(op)
		g.log.Warn(0, 0, "retrying AI call", map[string]interface{}{
			"operation": op,
			"retry":     retry,
			"error":     err.Error(),
		})
	}
	return rc
}

// CompleteOnce returns the full answer text. Timeouts and transport errors are
// retried with exponential backoff; anything else fails immediately. Failures
// are returned as *AIServiceError.
func (g *Gateway) CompleteOnce(ctx context.Context, prompt, imageURL string) (string, error) {
	const op = "complete"
	req := g.request(prompt, imageURL)

	text, attempts, err := RetryWithBackoff(ctx, g.retryConfig(op), func(ctx context.Context) (string, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()

		resp, err := g.provider.Complete(attemptCtx, req)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(resp.Content) == "" {
			return "", &ResponseFormatError{Message: "empty completion content"}
		}
		return resp.Content, nil
	})
	if err != nil {
		return "", g.fail(op, req.Model, attempts, err)
	}

	g.observer.ProviderCall(op, "success")
	return text, nil
}

// CompleteStream establishes a streamed answer. Retry covers establishment
// only; once the first byte of the body is available, errors surface from
// Stream.Next and are not retried.
func (g *Gateway) CompleteStream(ctx context.Context, prompt, imageURL string) (*Stream, error) {
	const op = "stream"
	req := g.request(prompt, imageURL)

	stream, attempts, err := RetryWithBackoff(ctx, g.retryConfig(op), func(ctx context.Context) (*Stream, error) {
		streamCtx, cancel := context.WithTimeout(ctx, g.cfg.StreamTimeout)
		timer := time.AfterFunc(g.cfg.Timeout, cancel)

		s, err := g.provider.OpenStream(streamCtx, req, cancel)
		fired := !timer.Stop()

		if err != nil {
			cancel()
			if fired {
				return nil, &TimeoutError{Op: op, Err: context.DeadlineExceeded}
			}
			return nil, err
		}
		if fired {
			_ = s.Close()
			return nil, &TimeoutError{Op: op, Err: context.DeadlineExceeded}
		}
		return s, nil
	})
	if err != nil {
		return nil, g.fail(op, req.Model, attempts, err)
	}

	g.observer.ProviderCall(op, "success")
	return stream, nil
}

func (g *Gateway) fail(op, model string, attempts int, err error) error {
	g.observer.ProviderCall(op, ResultLabel(err))
	if IsConfigurationError(err) {
		g.log.Alert("AI provider is not usable", err, map[string]interface{}{
			"operation": op,
			"model":     model,
		})
	} else {
		g.log.ErrorWithErr(0, 0, "AI call failed", err, map[string]interface{}{
			"operation": op,
			"model":     model,
			"attempts":  attempts,
		})
	}
	return &AIServiceError{Op: op, Attempts: attempts, Cause: err}
}

// ResultLabel names the failure class of err for metrics.
func ResultLabel(err error) string {
	var (
		ce *ConfigurationError
		te *TimeoutError
		tr *TransportError
		fe *ResponseFormatError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &ce):
		return "configuration"
	case errors.As(err, &te):
		return "timeout"
	case errors.As(err, &tr):
		return "transport"
	case errors.As(err, &fe):
		return "format"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
