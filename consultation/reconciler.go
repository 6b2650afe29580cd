// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package consultation

import (
	"context"
	"time"

	"learnwork/shared/logger"
)

// Reconciler re-dispatches questions stuck in PENDING, for example after a
// persistence error or a restart dropped queued work.
type Reconciler struct {
	repo       Repository
	orch       *Orchestrator
	interval   time.Duration
	staleAfter time.Duration
	batch      int
	log        *logger.Logger
	now        func() time.Time
}

// NewReconciler creates a Reconciler. interval <= 0 disables Run.
func NewReconciler(repo Repository, orch *Orchestrator, interval, staleAfter time.Duration, log *logger.Logger) *Reconciler {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	if log == nil {
		log = logger.New("reconciler")
	}
	return &Reconciler{
		repo:       repo,
		orch:       orch,
		interval:   interval,
		staleAfter: staleAfter,
		batch:      100,
		log:        log,
		now:        time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep re-dispatches one batch of stale PENDING questions and returns how
// many were scheduled.
func (r *Reconciler) Sweep(ctx context.Context) int {
	cutoff := r.now().UTC().Add(-r.staleAfter)
	stale, err := r.repo.ListStalePending(ctx, cutoff, r.batch)
	if err != nil {
		r.log.ErrorWithErr(0, 0, "reconciler failed to list stale questions", err, nil)
		return 0
	}

	scheduled := 0
	for _, q := range stale {
		if err := r.orch.Dispatch(q.ID); err != nil {
			r.log.Warn(q.UserID, q.ID, "reconciler could not schedule question", map[string]interface{}{
				"error": err.Error(),
			})
			break
		}
		scheduled++
	}

	if len(stale) > 0 {
		r.log.Info(0, 0, "reconciler sweep", map[string]interface{}{
			"stale":     len(stale),
			"scheduled": scheduled,
		})
	}
	return scheduled
}
