// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package consultation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// DefaultCacheTTL is how long an AI answer is reused for identical questions
	DefaultCacheTTL = 30 * time.Minute

	cacheKeyPrefix = "consultation:answer:"
)

// AnswerCache maps a question fingerprint to a previously produced answer.
// Callers treat it as best-effort: a Get error is a miss and a Set error is
// only logged.
type AnswerCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, answer string, ttl time.Duration) error
	Ping(ctx context.Context) error
}

// NormalizeText trims, collapses internal whitespace and lower-cases text so
// that trivially different spellings share a fingerprint.
func NormalizeText(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// Fingerprint is the cache key for a question text: a SHA-256 digest of the
// normalized text.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}

// questionKey is the cache key for q. Image questions also key on the image
// so two pictures with the same caption do not share an answer.
func questionKey(q *Question) string {
	if media := q.MediaURL(); media != "" {
		return Fingerprint(q.Text + "\n" + media)
	}
	return Fingerprint(q.Text)
}

// RedisAnswerCache stores answers as plain strings with EX expiry.
type RedisAnswerCache struct {
	client *redis.Client
}

var _ AnswerCache = (*RedisAnswerCache)(nil)

// NewRedisAnswerCache wraps an existing client.
func NewRedisAnswerCache(client *redis.Client) *RedisAnswerCache {
	return &RedisAnswerCache{client: client}
}

// Get returns the cached answer; redis.Nil is a plain miss.
func (c *RedisAnswerCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

// Set stores answer under key for ttl.
func (c *RedisAnswerCache) Set(ctx context.Context, key, answer string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, answer, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Ping checks the connection.
func (c *RedisAnswerCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// MemoryAnswerCache is an in-process cache used when no Redis is configured.
type MemoryAnswerCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

var _ AnswerCache = (*MemoryAnswerCache)(nil)

// NewMemoryAnswerCache creates an empty cache.
func NewMemoryAnswerCache() *MemoryAnswerCache {
	return &MemoryAnswerCache{entries: make(map[string]memoryEntry), now: time.Now}
}

// Get returns the entry if it has not expired.
func (c *MemoryAnswerCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

// Set stores answer for ttl and drops expired entries.
func (c *MemoryAnswerCache) Set(_ context.Context, key, answer string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = memoryEntry{value: answer, expiresAt: now.Add(ttl)}
	return nil
}

// Ping always succeeds.
func (c *MemoryAnswerCache) Ping(context.Context) error { return nil }
