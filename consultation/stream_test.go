// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package consultation

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"learnwork/shared/logger"
)

func newTestSubscription(chunks ...Chunk) (*Subscription, chan Chunk) {
	c := make(chan Chunk, len(chunks)+1)
	for _, ch := range chunks {
		c <- ch
	}
	return &Subscription{C: c, detach: make(chan struct{})}, c
}

func TestSSEBridgeDone(t *testing.T) {
	sub, c := newTestSubscription(
		Chunk{Kind: ChunkText, Text: "第一段"},
		Chunk{Kind: ChunkText, Text: "line1\nline2"},
	)
	close(c)

	rec := httptest.NewRecorder()
	NewSSEBridge(time.Second, logger.Discard()).Serve(context.Background(), rec, 12, sub)

	assert.Equal(t, "text/event-stream; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	want := "event: question\ndata: 12\n\n" +
		"data: 第一段\n\n" +
		"data: line1\ndata: line2\n\n" +
		"event: done\ndata: [DONE]\n\n"
	assert.Equal(t, want, rec.Body.String())

	select {
	case <-sub.detach:
	default:
		t.Fatal("Serve must detach the subscription on return")
	}
}

func TestSSEBridgeError(t *testing.T) {
	sub, _ := newTestSubscription(
		Chunk{Kind: ChunkText, Text: "部分"},
		Chunk{Kind: ChunkError, Text: StreamFailureNotice},
	)

	rec := httptest.NewRecorder()
	NewSSEBridge(time.Second, logger.Discard()).Serve(context.Background(), rec, 1, sub)

	body := rec.Body.String()
	assert.Contains(t, body, "data: 部分\n\n")
	assert.Contains(t, body, "event: error\ndata: 错误: "+StreamFailureNotice+"\n\n")
	assert.NotContains(t, body, "event: done")
}

func TestSSEBridgeIdleTimeout(t *testing.T) {
	sub, _ := newTestSubscription()

	rec := httptest.NewRecorder()
	start := time.Now()
	NewSSEBridge(30*time.Millisecond, logger.Discard()).Serve(context.Background(), rec, 1, sub)

	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Contains(t, rec.Body.String(), "event: timeout\ndata: 错误: 请求超时\n\n")
}

func TestSSEBridgeIdleTimerResetsOnChunk(t *testing.T) {
	sub, c := newTestSubscription()
	go func() {
		for i := 0; i < 3; i++ {
			time.Sleep(30 * time.Millisecond)
			c <- Chunk{Kind: ChunkText, Text: "x"}
		}
		close(c)
	}()

	rec := httptest.NewRecorder()
	NewSSEBridge(80*time.Millisecond, logger.Discard()).Serve(context.Background(), rec, 1, sub)

	assert.NotContains(t, rec.Body.String(), "event: timeout")
	assert.Contains(t, rec.Body.String(), "event: done")
}

func TestSSEBridgeClientGone(t *testing.T) {
	sub, _ := newTestSubscription()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	NewSSEBridge(time.Minute, logger.Discard()).Serve(ctx, rec, 1, sub)

	assert.NotContains(t, rec.Body.String(), "event: done")
	select {
	case <-sub.detach:
	default:
		t.Fatal("subscription not detached")
	}
}
