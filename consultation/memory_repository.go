// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package consultation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository used when no DATABASE_URL is
// configured and in tests. Writers are serialized with transactions; a
// transaction works on a staged copy that replaces the live state on commit.
type MemoryRepository struct {
	// txMu is held by every writer and for the whole of a transaction.
	txMu sync.Mutex

	mu    sync.RWMutex
	state *memState
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: newMemState()}
}

// WithTx runs fn against a staged copy of the state. The copy is published
// only when fn succeeds, so a rollback never touches writes made by others.
func (r *MemoryRepository) WithTx(_ context.Context, fn func(Store) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.RLock()
	staged := r.state.clone()
	r.mu.RUnlock()

	if err := fn(staged); err != nil {
		return err
	}

	r.mu.Lock()
	r.state = staged
	r.mu.Unlock()
	return nil
}

// Ping always succeeds.
func (r *MemoryRepository) Ping(context.Context) error { return nil }

// Close is a no-op.
func (r *MemoryRepository) Close() error { return nil }

func (r *MemoryRepository) write(fn func(s *memState) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r.state)
}

// SaveQuestion inserts or updates q.
func (r *MemoryRepository) SaveQuestion(ctx context.Context, q *Question) error {
	return r.write(func(s *memState) error { return s.SaveQuestion(ctx, q) })
}

// GetQuestion returns a copy of the stored question.
func (r *MemoryRepository) GetQuestion(ctx context.Context, id int64) (*Question, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.GetQuestion(ctx, id)
}

// ListQuestionsByUser lists a user's questions, newest first.
func (r *MemoryRepository) ListQuestionsByUser(ctx context.Context, userID int64, page PageRequest) (Page[Question], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.ListQuestionsByUser(ctx, userID, page)
}

// ListQuestions lists questions; status takes precedence over category.
func (r *MemoryRepository) ListQuestions(ctx context.Context, filter QuestionFilter, page PageRequest) (Page[Question], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.ListQuestions(ctx, filter, page)
}

// ListStalePending returns PENDING questions created before olderThan.
func (r *MemoryRepository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]Question, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.ListStalePending(ctx, olderThan, limit)
}

// CreateTransfer inserts t unless the question has an active transfer.
func (r *MemoryRepository) CreateTransfer(ctx context.Context, t *Transfer) error {
	return r.write(func(s *memState) error { return s.CreateTransfer(ctx, t) })
}

// SaveTransfer updates an existing transfer.
func (r *MemoryRepository) SaveTransfer(ctx context.Context, t *Transfer) error {
	return r.write(func(s *memState) error { return s.SaveTransfer(ctx, t) })
}

// GetTransfer returns a copy of the stored transfer.
func (r *MemoryRepository) GetTransfer(ctx context.Context, id int64) (*Transfer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.GetTransfer(ctx, id)
}

// ActiveTransfer returns the question's PENDING or PROCESSING transfer.
func (r *MemoryRepository) ActiveTransfer(ctx context.Context, questionID int64) (*Transfer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.ActiveTransfer(ctx, questionID)
}

// ListTransfersByUser lists a user's transfers, newest first.
func (r *MemoryRepository) ListTransfersByUser(ctx context.Context, userID int64, page PageRequest) (Page[Transfer], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.ListTransfersByUser(ctx, userID, page)
}

// ListTransfersByStaff lists transfers assigned to staffID, newest first.
func (r *MemoryRepository) ListTransfersByStaff(ctx context.Context, staffID int64, page PageRequest) (Page[Transfer], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.ListTransfersByStaff(ctx, staffID, page)
}

// memState holds the rows. It does no locking of its own and doubles as the
// Store handed to a transaction.
type memState struct {
	questions      map[int64]Question
	transfers      map[int64]Transfer
	nextQuestionID int64
	nextTransferID int64
}

var _ Store = (*memState)(nil)

func newMemState() *memState {
	return &memState{
		questions: make(map[int64]Question),
		transfers: make(map[int64]Transfer),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		questions:      make(map[int64]Question, len(s.questions)),
		transfers:      make(map[int64]Transfer, len(s.transfers)),
		nextQuestionID: s.nextQuestionID,
		nextTransferID: s.nextTransferID,
	}
	for k, v := range s.questions {
		c.questions[k] = *copyQuestion(v)
	}
	for k, v := range s.transfers {
		c.transfers[k] = *copyTransfer(v)
	}
	return c
}

func copyQuestion(q Question) *Question {
	if q.Satisfaction != nil {
		v := *q.Satisfaction
		q.Satisfaction = &v
	}
	return &q
}

func copyTransfer(t Transfer) *Transfer {
	if t.StaffID != nil {
		v := *t.StaffID
		t.StaffID = &v
	}
	if t.ProcessedAt != nil {
		v := *t.ProcessedAt
		t.ProcessedAt = &v
	}
	return &t
}

func (s *memState) SaveQuestion(_ context.Context, q *Question) error {
	if q == nil {
		return ErrInvalidInput
	}

	now := time.Now().UTC()
	if q.ID == 0 {
		s.nextQuestionID++
		q.ID = s.nextQuestionID
		q.CreatedAt = now
	} else if _, ok := s.questions[q.ID]; !ok {
		return ErrQuestionNotFound
	}
	q.UpdatedAt = now
	s.questions[q.ID] = *copyQuestion(*q)
	return nil
}

func (s *memState) GetQuestion(_ context.Context, id int64) (*Question, error) {
	q, ok := s.questions[id]
	if !ok {
		return nil, ErrQuestionNotFound
	}
	return copyQuestion(q), nil
}

func (s *memState) selectQuestions(keep func(Question) bool, newestFirst bool) []Question {

	out := make([]Question, 0)
	for _, q := range s.questions {
		if keep(q) {
			out = append(out, *copyQuestion(q))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			if newestFirst {
				return out[i].ID > out[j].ID
			}
			return out[i].ID < out[j].ID
		}
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func paginate[T any](all []T, page PageRequest) Page[T] {
	page = page.normalize()
	start := page.offset()
	if start > len(all) {
		start = len(all)
	}
	end := start + page.Size
	if end > len(all) {
		end = len(all)
	}
	items := make([]T, end-start)
	copy(items, all[start:end])
	return Page[T]{Items: items, Total: int64(len(all)), Page: page.Page, Size: page.Size}
}

func (s *memState) ListQuestionsByUser(_ context.Context, userID int64, page PageRequest) (Page[Question], error) {
	all := s.selectQuestions(func(q Question) bool { return q.UserID == userID }, true)
	return paginate(all, page), nil
}

func (s *memState) ListQuestions(_ context.Context, filter QuestionFilter, page PageRequest) (Page[Question], error) {
	all := s.selectQuestions(func(q Question) bool {
		switch {
		case filter.Status != "":
			return q.Status == filter.Status
		case filter.Category != "":
			return q.Category == filter.Category
		}
		return true
	}, true)
	return paginate(all, page), nil
}

func (s *memState) ListStalePending(_ context.Context, olderThan time.Time, limit int) ([]Question, error) {
	all := s.selectQuestions(func(q Question) bool {
		return q.Status == StatusPending && q.CreatedAt.Before(olderThan)
	}, false)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *memState) CreateTransfer(_ context.Context, t *Transfer) error {
	if t == nil {
		return ErrInvalidInput
	}

	for _, cur := range s.transfers {
		if cur.QuestionID == t.QuestionID && cur.Status.Active() {
			return ErrActiveTransferExists
		}
	}

	now := time.Now().UTC()
	s.nextTransferID++
	t.ID = s.nextTransferID
	t.CreatedAt = now
	t.UpdatedAt = now
	s.transfers[t.ID] = *copyTransfer(*t)
	return nil
}

func (s *memState) SaveTransfer(_ context.Context, t *Transfer) error {
	if t == nil || t.ID == 0 {
		return ErrInvalidInput
	}

	if _, ok := s.transfers[t.ID]; !ok {
		return ErrTransferNotFound
	}
	t.UpdatedAt = time.Now().UTC()
	s.transfers[t.ID] = *copyTransfer(*t)
	return nil
}

func (s *memState) GetTransfer(_ context.Context, id int64) (*Transfer, error) {
	t, ok := s.transfers[id]
	if !ok {
		return nil, ErrTransferNotFound
	}
	return copyTransfer(t), nil
}

func (s *memState) ActiveTransfer(_ context.Context, questionID int64) (*Transfer, error) {
	for _, t := range s.transfers {
		if t.QuestionID == questionID && t.Status.Active() {
			return copyTransfer(t), nil
		}
	}
	return nil, ErrTransferNotFound
}

func (s *memState) selectTransfers(keep func(Transfer) bool) []Transfer {

	out := make([]Transfer, 0)
	for _, t := range s.transfers {
		if keep(t) {
			out = append(out, *copyTransfer(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func (s *memState) ListTransfersByUser(_ context.Context, userID int64, page PageRequest) (Page[Transfer], error) {
	return paginate(s.selectTransfers(func(t Transfer) bool { return t.UserID == userID }), page), nil
}

func (s *memState) ListTransfersByStaff(_ context.Context, staffID int64, page PageRequest) (Page[Transfer], error) {
	return paginate(s.selectTransfers(func(t Transfer) bool {
		return t.StaffID != nil && *t.StaffID == staffID
	}), page), nil
}
