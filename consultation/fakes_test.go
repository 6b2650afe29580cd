// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package consultation

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"learnwork/consultation/llm"
	"learnwork/shared/logger"
)

// fakeGateway scripts the completion provider.
type fakeGateway struct {
	mu        sync.Mutex
	calls     int
	prompts   []string
	images    []string
	answer    string
	err       error
	openErr   error
	fragments []string
	midErr    error
	gate      chan struct{}
}

func (g *fakeGateway) record(prompt, imageURL string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.prompts = append(g.prompts, prompt)
	g.images = append(g.images, imageURL)
}

func (g *fakeGateway) CompleteOnce(_ context.Context, prompt, imageURL string) (string, error) {
	g.record(prompt, imageURL)
	if g.gate != nil {
		<-g.gate
	}
	if g.err != nil {
		return "", g.err
	}
	return g.answer, nil
}

func (g *fakeGateway) OpenStream(_ context.Context, prompt, imageURL string) (FragmentStream, error) {
	g.record(prompt, imageURL)
	if g.openErr != nil {
		return nil, g.openErr
	}
	return &fakeStream{fragments: g.fragments, err: g.midErr, gate: g.gate}, nil
}

func (g *fakeGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeStream struct {
	fragments []string
	err       error
	gate      chan struct{}
	i         int
	closed    bool
}

func (s *fakeStream) Next() (string, error) {
	if s.gate != nil {
		<-s.gate
	}
	if s.i < len(s.fragments) {
		f := s.fragments[s.i]
		s.i++
		return f, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

// recordingNotifier keeps every notification it is asked to send.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return n.err
}

func (n *recordingNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

// failingCache returns err from every call.
type failingCache struct{ err error }

func (c failingCache) Get(context.Context, string) (string, bool, error) { return "", false, c.err }
func (c failingCache) Set(context.Context, string, string, time.Duration) error {
	return c.err
}
func (c failingCache) Ping(context.Context) error { return c.err }

// testEnv is a fully wired in-memory service.
type testEnv struct {
	repo      *MemoryRepository
	cache     *MemoryAnswerCache
	gateway   *fakeGateway
	notifier  *recordingNotifier
	locker    *MemoryLocker
	blocking  *WorkerPool
	scheduler *WorkerPool
	metrics   *Metrics
	transfers *TransferService
	orch      *Orchestrator
	service   *Service
}

func newTestEnv(t *testing.T, gw *fakeGateway) *testEnv {
	t.Helper()
	log := logger.Discard()

	env := &testEnv{
		repo:      NewMemoryRepository(),
		cache:     NewMemoryAnswerCache(),
		gateway:   gw,
		notifier:  &recordingNotifier{},
		locker:    NewMemoryLocker(),
		blocking:  NewWorkerPool("blocking", 4, 16, log),
		scheduler: NewWorkerPool("dispatch", 2, 16, log),
		metrics:   NewMetrics(prometheus.NewRegistry()),
	}
	env.transfers = NewTransferService(env.repo, env.notifier, env.metrics, log)
	env.orch = NewOrchestrator(OrchestratorDeps{
		Repo:      env.repo,
		Cache:     env.cache,
		Gateway:   gw,
		Policy:    KeywordPolicy(DefaultKeywords...),
		Transfers: env.transfers,
		Locker:    env.locker,
		Blocking:  env.blocking,
		Scheduler: env.scheduler,
		Metrics:   env.metrics,
		Log:       log,
	}, OrchestratorConfig{DispatchTimeout: 5 * time.Second})
	env.service = NewService(env.repo, env.orch, env.transfers, nil, env.blocking, log)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.orch.Wait(ctx)
		_ = env.scheduler.Shutdown(ctx)
		_ = env.blocking.Shutdown(ctx)
	})
	return env
}

// addQuestion stores a PENDING TEXT question for userID.
func (e *testEnv) addQuestion(t *testing.T, userID int64, text string) *Question {
	t.Helper()
	q := &Question{UserID: userID, Text: text, Type: TypeText, Status: StatusPending}
	if err := e.repo.SaveQuestion(context.Background(), q); err != nil {
		t.Fatalf("save question: %v", err)
	}
	return q
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// drain collects chunks until the subscription closes.
func drain(t *testing.T, sub *Subscription) []Chunk {
	t.Helper()
	var out []Chunk
	timeout := time.After(3 * time.Second)
	for {
		select {
		case c, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("subscription did not close")
			return out
		}
	}
}

var errProviderDown = &llm.AIServiceError{
	Op:       "complete",
	Attempts: 4,
	Cause:    &llm.TransportError{Op: "complete", StatusCode: 503, Err: errors.New("unavailable")},
}
