// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// CredentialSource supplies the bearer credential for the provider.
type CredentialSource interface {
	APIKey(ctx context.Context) (string, error)
}

// StaticCredentials is a fixed API key, usually from AI_API_KEY.
type StaticCredentials string

// APIKey returns the key or a ConfigurationError when it is empty.
func (s StaticCredentials) APIKey(context.Context) (string, error) {
	key := strings.TrimSpace(string(s))
	if key == "" {
		return "", &ConfigurationError{Message: "AI API key is not configured"}
	}
	return key, nil
}

// secretsAPI is the subset of the Secrets Manager client we call.
type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerCredentials reads the API key from AWS Secrets Manager and
// caches it for a TTL. The secret may be a bare string or a JSON object with
// an "api_key" (or "value") field.
type SecretsManagerCredentials struct {
	client secretsAPI
	arn    string
	ttl    time.Duration

	mu        sync.RWMutex
	cached    string
	expiresAt time.Time
}

// NewSecretsManagerCredentials loads the default AWS config and returns a
// credential source bound to secretARN.
func NewSecretsManagerCredentials(ctx context.Context, region, secretARN string, ttl time.Duration) (*SecretsManagerCredentials, error) {
	cfgOpts := []func(*config.LoadOptions) error{}
	if region != "" {
		cfgOpts = append(cfgOpts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return newSecretsManagerCredentials(secretsmanager.NewFromConfig(cfg), secretARN, ttl), nil
}

func newSecretsManagerCredentials(client secretsAPI, secretARN string, ttl time.Duration) *SecretsManagerCredentials {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SecretsManagerCredentials{client: client, arn: secretARN, ttl: ttl}
}

// APIKey returns the cached key or fetches it. Any failure is a ConfigurationError.
func (s *SecretsManagerCredentials) APIKey(ctx context.Context) (string, error) {
	s.mu.RLock()
	if s.cached != "" && time.Now().Before(s.expiresAt) {
		key := s.cached
		s.mu.RUnlock()
		return key, nil
	}
	s.mu.RUnlock()

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.arn),
	})
	if err != nil {
		return "", &ConfigurationError{Message: "failed to read secret " + maskARN(s.arn), Err: err}
	}
	if out.SecretString == nil {
		return "", &ConfigurationError{Message: "secret " + maskARN(s.arn) + " has no string value"}
	}

	key := parseSecretKey(*out.SecretString)
	if key == "" {
		return "", &ConfigurationError{Message: "secret " + maskARN(s.arn) + " holds no API key"}
	}

	s.mu.Lock()
	s.cached = key
	s.expiresAt = time.Now().Add(s.ttl)
	s.mu.Unlock()

	return key, nil
}

// Invalidate drops the cached key so the next call refetches it.
func (s *SecretsManagerCredentials) Invalidate() {
	s.mu.Lock()
	s.cached = ""
	s.mu.Unlock()
}

func parseSecretKey(raw string) string {
	var fields map[string]string
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return strings.TrimSpace(raw)
	}
	for _, k := range []string{"api_key", "apiKey", "value"} {
		if v := strings.TrimSpace(fields[k]); v != "" {
			return v
		}
	}
	return ""
}

// maskARN masks the secret ARN for logging (shows only last 8 characters)
func maskARN(arn string) string {
	if len(arn) <= 12 {
		return "***"
	}
	return "..." + arn[len(arn)-8:]
}
