// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package consultation

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"learnwork/consultation/llm"
	"learnwork/shared/logger"
)

// Delivery modes
const (
	ModeSingle = "single"
	ModeStream = "stream"
)

// Dispatch outcomes, used as the metrics label
const (
	outcomeEscalated = "escalated"
	outcomeCacheHit  = "cache_hit"
	outcomeAnswered  = "answered"
	outcomeFallback  = "fallback"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
	outcomeBusy      = "busy"
)

// StreamFailureNotice is the terminal chunk text after a failed stream.
const StreamFailureNotice = "AI服务暂时不可用，已为您转接人工客服。"

// ChunkKind tells data chunks from the terminal error chunk
type ChunkKind int

const (
	ChunkText ChunkKind = iota
	ChunkError
)

// Chunk is one item pushed to a streaming subscriber
type Chunk struct {
	Kind ChunkKind
	Text string
}

// Subscription delivers a streaming dispatch. C is closed when the pipeline
// finishes. Cancel detaches the subscriber; the pipeline keeps running to a
// terminal state.
type Subscription struct {
	C <-chan Chunk

	detach chan struct{}
	once   sync.Once
}

// Cancel stops delivery to this subscriber.
func (s *Subscription) Cancel() {
	s.once.Do(func() { close(s.detach) })
}

// OrchestratorConfig tunes the pipeline.
type OrchestratorConfig struct {
	CacheTTL        time.Duration
	LockTTL         time.Duration
	DispatchTimeout time.Duration // bounds one pipeline run, independent of the caller
	StreamBuffer    int
}

// Orchestrator runs the escalation, cache and AI pipeline for a question.
type Orchestrator struct {
	repo      Repository
	cache     AnswerCache
	gateway   AIGateway
	policy    EscalationPolicy
	transfers *TransferService
	locker    Locker
	blocking  *WorkerPool
	scheduler *WorkerPool
	metrics   *Metrics
	log       *logger.Logger
	cfg       OrchestratorConfig

	wg sync.WaitGroup
}

// OrchestratorDeps are the collaborators of an Orchestrator.
type OrchestratorDeps struct {
	Repo      Repository
	Cache     AnswerCache
	Gateway   AIGateway
	Policy    EscalationPolicy
	Transfers *TransferService
	Locker    Locker
	Blocking  *WorkerPool // repository and cache calls
	Scheduler *WorkerPool // single-shot dispatch
	Metrics   *Metrics
	Log       *logger.Logger
}

// NewOrchestrator wires an Orchestrator and fills config defaults.
func NewOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig) *Orchestrator {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 10 * time.Minute
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 64
	}
	if deps.Policy == nil {
		deps.Policy = KeywordPolicy(DefaultKeywords...)
	}
	if deps.Log == nil {
		deps.Log = logger.New("orchestrator")
	}
	return &Orchestrator{
		repo:      deps.Repo,
		cache:     deps.Cache,
		gateway:   deps.Gateway,
		policy:    deps.Policy,
		transfers: deps.Transfers,
		locker:    deps.Locker,
		blocking:  deps.Blocking,
		scheduler: deps.Scheduler,
		metrics:   deps.Metrics,
		log:       deps.Log,
		cfg:       cfg,
	}
}

// Dispatch schedules single-shot processing of a question and returns at
// once. Errors only report that scheduling failed.
func (o *Orchestrator) Dispatch(questionID int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.DispatchTimeout)
	o.wg.Add(1)
	err := o.scheduler.Submit(ctx, func(ctx context.Context) {
		defer o.wg.Done()
		defer cancel()
		o.runSingle(ctx, questionID)
	})
	if err != nil {
		o.wg.Done()
		cancel()
		o.log.Warn(0, questionID, "dispatch not scheduled", map[string]interface{}{"error": err.Error()})
		return err
	}
	return nil
}

func (o *Orchestrator) runSingle(ctx context.Context, questionID int64) {
	start := time.Now()

	unlock, ok := o.acquire(ctx, questionID)
	if !ok {
		o.log.Info(0, questionID, "dispatch skipped: already in progress", nil)
		o.metrics.Dispatch(ModeSingle, outcomeBusy, time.Since(start))
		return
	}
	defer unlock()

	q, err := Call(ctx, o.blocking, func(ctx context.Context) (*Question, error) {
		return o.repo.GetQuestion(ctx, questionID)
	})
	if err != nil {
		o.log.ErrorWithErr(0, questionID, "dispatch failed to load question", err, nil)
		o.metrics.Dispatch(ModeSingle, outcomeFailed, time.Since(start))
		return
	}

	outcome := o.process(ctx, q, ModeSingle, func(Chunk) {})
	o.metrics.Dispatch(ModeSingle, outcome, time.Since(start))
	o.log.InfoWithDuration(q.UserID, q.ID, "dispatch finished", time.Since(start), map[string]interface{}{
		"mode":    ModeSingle,
		"outcome": outcome,
	})
}

// DispatchStream loads the question, takes its dispatch lock and starts the
// pipeline, returning a Subscription for the fragments. It fails with
// ErrQuestionNotFound or ErrDispatchInProgress before anything is streamed.
// The pipeline does not inherit ctx's cancellation.
func (o *Orchestrator) DispatchStream(ctx context.Context, questionID int64) (*Subscription, error) {
	start := time.Now()

	q, err := Call(ctx, o.blocking, func(ctx context.Context) (*Question, error) {
		return o.repo.GetQuestion(ctx, questionID)
	})
	if err != nil {
		return nil, err
	}

	unlock, ok := o.acquire(ctx, questionID)
	if !ok {
		o.metrics.Dispatch(ModeStream, outcomeBusy, time.Since(start))
		return nil, ErrDispatchInProgress
	}

	out := make(chan Chunk, o.cfg.StreamBuffer)
	sub := &Subscription{C: out, detach: make(chan struct{})}

	emit := func(c Chunk) {
		select {
		case out <- c:
		case <-sub.detach:
		}
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.DispatchTimeout)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		defer close(out)
		defer unlock()

		outcome := o.process(pctx, q, ModeStream, emit)
		o.metrics.Dispatch(ModeStream, outcome, time.Since(start))
		o.log.InfoWithDuration(q.UserID, q.ID, "dispatch finished", time.Since(start), map[string]interface{}{
			"mode":    ModeStream,
			"outcome": outcome,
		})
	}()

	return sub, nil
}

// Wait blocks until every started dispatch has finished or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire takes the per-question lock. Lock backend errors fail open.
func (o *Orchestrator) acquire(ctx context.Context, questionID int64) (func(), bool) {
	if o.locker == nil {
		return func() {}, true
	}
	unlock, ok, err := o.locker.TryLock(ctx, dispatchLockKey(questionID), o.cfg.LockTTL)
	if err != nil {
		o.log.Warn(0, questionID, "dispatch lock unavailable, proceeding unlocked", map[string]interface{}{
			"error": err.Error(),
		})
		return func() {}, true
	}
	if !ok {
		return nil, false
	}
	return unlock, true
}

// process is the pipeline shared by both delivery modes. emit receives the
// chunks a streaming caller sees; single-shot passes a no-op.
func (o *Orchestrator) process(ctx context.Context, q *Question, mode string, emit func(Chunk)) string {
	if q.Status.Terminal() {
		// Re-dispatch of a finished question replays its outcome.
		if q.Status == StatusAnswered {
			emit(Chunk{Kind: ChunkText, Text: q.Answer})
		} else {
			emit(Chunk{Kind: ChunkText, Text: HandoffNotice})
		}
		return outcomeSkipped
	}

	if o.policy(q.Text) {
		if !o.escalate(ctx, q, AutoTransferReason) {
			emit(Chunk{Kind: ChunkError, Text: StreamFailureNotice})
			return outcomeFailed
		}
		emit(Chunk{Kind: ChunkText, Text: HandoffNotice})
		return outcomeEscalated
	}

	key := questionKey(q)
	if answer, ok := o.cacheGet(ctx, q, key); ok {
		if !o.complete(ctx, q, answer) {
			emit(Chunk{Kind: ChunkError, Text: StreamFailureNotice})
			return outcomeFailed
		}
		emit(Chunk{Kind: ChunkText, Text: answer})
		return outcomeCacheHit
	}

	prompt := BuildPrompt(q.Category, q.Text)

	var (
		answer string
		err    error
	)
	if mode == ModeStream {
		answer, err = o.streamAnswer(ctx, q, prompt, emit)
	} else {
		answer, err = o.gateway.CompleteOnce(ctx, prompt, q.MediaURL())
	}
	if err != nil {
		o.log.ErrorWithErr(q.UserID, q.ID, "AI answer failed, falling back to human", err, map[string]interface{}{
			"mode":  mode,
			"class": llm.ResultLabel(err),
		})
		outcome := outcomeFailed
		if o.escalate(ctx, q, AutoTransferReason) {
			outcome = outcomeFallback
		}
		emit(Chunk{Kind: ChunkError, Text: StreamFailureNotice})
		return outcome
	}

	o.cacheSet(ctx, q, key, answer)
	if !o.complete(ctx, q, answer) {
		emit(Chunk{Kind: ChunkError, Text: StreamFailureNotice})
		return outcomeFailed
	}
	return outcomeAnswered
}

// streamAnswer forwards fragments as they arrive and returns the full text.
// An empty stream is a format error.
func (o *Orchestrator) streamAnswer(ctx context.Context, q *Question, prompt string, emit func(Chunk)) (string, error) {
	stream, err := o.gateway.OpenStream(ctx, prompt, q.MediaURL())
	if err != nil {
		return "", err
	}
	defer func() {
		_ = stream.Close()
	}()

	var sb strings.Builder
	for {
		frag, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		sb.WriteString(frag)
		emit(Chunk{Kind: ChunkText, Text: frag})
	}

	if strings.TrimSpace(sb.String()) == "" {
		return "", &llm.ResponseFormatError{Message: "stream produced no content"}
	}
	return sb.String(), nil
}

// escalate creates an AUTO transfer. A question that already has an active
// transfer, or has left PENDING meanwhile, counts as escalated. On failure
// the question stays PENDING for the reconciler.
func (o *Orchestrator) escalate(ctx context.Context, q *Question, reason string) bool {
	err := o.blocking.Do(ctx, func(ctx context.Context) error {
		_, err := o.transfers.CreateTransfer(ctx, q.ID, q.UserID, TransferAuto, reason)
		return err
	})
	switch {
	case err == nil, errors.Is(err, ErrActiveTransferExists):
		return true
	case errors.Is(err, ErrInvalidTransition):
		o.log.Info(q.UserID, q.ID, "question already settled, skipping auto transfer", map[string]interface{}{
			"error": err.Error(),
		})
		return true
	}
	o.log.ErrorWithErr(q.UserID, q.ID, "failed to create transfer", err, nil)
	return false
}

// complete marks the question ANSWERED by AI. The status check and the write
// share one transaction.
func (o *Orchestrator) complete(ctx context.Context, q *Question, answer string) bool {
	err := o.blocking.Do(ctx, func(ctx context.Context) error {
		return o.repo.WithTx(ctx, func(tx Store) error {
			cur, err := tx.GetQuestion(ctx, q.ID)
			if err != nil {
				return err
			}
			if cur.Status.Terminal() {
				// A staff reply or manual transfer got there first.
				*q = *cur
				return nil
			}
			cur.markAnswered(answer, SourceAI)
			if err := tx.SaveQuestion(ctx, cur); err != nil {
				return err
			}
			*q = *cur
			return nil
		})
	})
	if err != nil {
		o.log.ErrorWithErr(q.UserID, q.ID, "failed to store answer", err, nil)
		return false
	}
	return true
}

func (o *Orchestrator) cacheGet(ctx context.Context, q *Question, key string) (string, bool) {
	if o.cache == nil {
		return "", false
	}
	type hit struct {
		answer string
		ok     bool
	}
	h, err := Call(ctx, o.blocking, func(ctx context.Context) (hit, error) {
		a, ok, err := o.cache.Get(ctx, key)
		return hit{answer: a, ok: ok}, err
	})
	switch {
	case err != nil:
		o.metrics.CacheLookup("error")
		o.log.Warn(q.UserID, q.ID, "answer cache read failed, treating as miss", map[string]interface{}{
			"error": err.Error(),
		})
		return "", false
	case h.ok && h.answer != "":
		o.metrics.CacheLookup("hit")
		return h.answer, true
	default:
		o.metrics.CacheLookup("miss")
		return "", false
	}
}

func (o *Orchestrator) cacheSet(ctx context.Context, q *Question, key, answer string) {
	if o.cache == nil {
		return
	}
	err := o.blocking.Do(ctx, func(ctx context.Context) error {
		return o.cache.Set(ctx, key, answer, o.cfg.CacheTTL)
	})
	if err != nil {
		o.log.Warn(q.UserID, q.ID, "answer cache write failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
