// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package llm is the AI completion gateway: a client for an OpenAI-compatible
// chat completions endpoint (DashScope by default) with per-attempt timeouts,
// bounded exponential-backoff retry, a lazy fragment stream and document
// classification through the vision model.
//
// Failures are classified as ConfigurationError, TimeoutError,
// TransportError or ResponseFormatError; only the middle two are retried.
// The Gateway surfaces terminal failures as *AIServiceError.
package llm
