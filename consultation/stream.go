// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package consultation

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"learnwork/shared/logger"
)

// DefaultStreamIdleTimeout closes a push channel that saw no chunk for this long.
const DefaultStreamIdleTimeout = 120 * time.Second

const (
	streamErrorPrefix = "错误: "
	streamTimeoutText = "错误: 请求超时"
)

// SSEBridge forwards a Subscription to a text/event-stream response. Every
// chunk is one "data:" event; the terminal failure chunk is sent as
// "event: error" and an idle timeout as "event: timeout". The bridge never
// cancels the pipeline, it only detaches from it.
type SSEBridge struct {
	idleTimeout time.Duration
	log         *logger.Logger
}

// NewSSEBridge creates a bridge with the given idle timeout.
func NewSSEBridge(idleTimeout time.Duration, log *logger.Logger) *SSEBridge {
	if idleTimeout <= 0 {
		idleTimeout = DefaultStreamIdleTimeout
	}
	if log == nil {
		log = logger.New("sse")
	}
	return &SSEBridge{idleTimeout: idleTimeout, log: log}
}

// Serve writes sub to w until the subscription closes, the client goes away
// or the idle timeout fires. questionID is sent first as an "event: question".
func (b *SSEBridge) Serve(ctx context.Context, w http.ResponseWriter, questionID int64, sub *Subscription) {
	defer sub.Cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, "question", fmt.Sprintf("%d", questionID))
	flusher.Flush()

	idle := time.NewTimer(b.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			b.log.Info(0, questionID, "stream client disconnected; pipeline continues", nil)
			return

		case <-idle.C:
			writeEvent(w, "timeout", streamTimeoutText)
			flusher.Flush()
			b.log.Warn(0, questionID, "stream idle timeout", map[string]interface{}{
				"idle_timeout_ms": b.idleTimeout.Milliseconds(),
			})
			return

		case chunk, open := <-sub.C:
			if !open {
				writeEvent(w, "done", "[DONE]")
				flusher.Flush()
				return
			}
			if chunk.Kind == ChunkError {
				writeEvent(w, "error", streamErrorPrefix+chunk.Text)
				flusher.Flush()
				return
			}
			writeEvent(w, "", chunk.Text)
			flusher.Flush()

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(b.idleTimeout)
		}
	}
}

// writeEvent writes one SSE event; multi-line data becomes several data lines.
func writeEvent(w http.ResponseWriter, event, data string) {
	var sb strings.Builder
	if event != "" {
		sb.WriteString("event: ")
		sb.WriteString(event)
		sb.WriteByte('\n')
	}
	for _, line := range strings.Split(data, "\n") {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	_, _ = w.Write([]byte(sb.String()))
}
