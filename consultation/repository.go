// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package consultation

import (
	"context"
	"time"
)

// QuestionStore is the persistence boundary for questions. It enforces no
// transition rules; those live in the orchestrator and TransferService.
type QuestionStore interface {
	// SaveQuestion inserts q when q.ID is zero (assigning ID and timestamps)
	// and updates it otherwise.
	SaveQuestion(ctx context.Context, q *Question) error

	// GetQuestion returns ErrQuestionNotFound when absent.
	GetQuestion(ctx context.Context, id int64) (*Question, error)

	ListQuestionsByUser(ctx context.Context, userID int64, page PageRequest) (Page[Question], error)
	ListQuestions(ctx context.Context, filter QuestionFilter, page PageRequest) (Page[Question], error)

	// ListStalePending returns PENDING questions created before olderThan, oldest first.
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]Question, error)
}

// TransferStore is the persistence boundary for transfers.
type TransferStore interface {
	// CreateTransfer inserts t; ErrActiveTransferExists when the question
	// already has a PENDING or PROCESSING transfer.
	CreateTransfer(ctx context.Context, t *Transfer) error

	// SaveTransfer updates an existing transfer.
	SaveTransfer(ctx context.Context, t *Transfer) error

	// GetTransfer returns ErrTransferNotFound when absent.
	GetTransfer(ctx context.Context, id int64) (*Transfer, error)

	// ActiveTransfer returns the question's PENDING or PROCESSING transfer,
	// or ErrTransferNotFound.
	ActiveTransfer(ctx context.Context, questionID int64) (*Transfer, error)

	ListTransfersByUser(ctx context.Context, userID int64, page PageRequest) (Page[Transfer], error)
	ListTransfersByStaff(ctx context.Context, staffID int64, page PageRequest) (Page[Transfer], error)
}

// Store combines both stores.
type Store interface {
	QuestionStore
	TransferStore
}

// Repository is a Store with transactions and lifecycle.
type Repository interface {
	Store

	// WithTx runs fn against a transactional Store. fn's error rolls back.
	WithTx(ctx context.Context, fn func(Store) error) error

	Ping(ctx context.Context) error
	Close() error
}
