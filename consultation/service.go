// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package consultation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"learnwork/shared/logger"
)

const maxQuestionLength = 4000

// SubmitInput is a new question from a user
type SubmitInput struct {
	UserID   int64
	Text     string
	Type     QuestionType
	Category string
	ImageURL string
	VoiceURL string
}

func (in *SubmitInput) validate() error {
	in.Text = strings.TrimSpace(in.Text)
	in.Category = strings.TrimSpace(in.Category)
	in.ImageURL = strings.TrimSpace(in.ImageURL)
	in.VoiceURL = strings.TrimSpace(in.VoiceURL)
	if in.Type == "" {
		in.Type = TypeText
	}
	in.Type = QuestionType(strings.ToUpper(string(in.Type)))

	switch {
	case in.UserID <= 0:
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	case in.Text == "":
		return fmt.Errorf("%w: question text is required", ErrInvalidInput)
	case utf8.RuneCountInString(in.Text) > maxQuestionLength:
		return fmt.Errorf("%w: question text exceeds %d characters", ErrInvalidInput, maxQuestionLength)
	case !in.Type.Valid():
		return fmt.Errorf("%w: unknown question type %q", ErrInvalidInput, in.Type)
	}
	return nil
}

// Service is the consultation API used by the HTTP handlers.
type Service struct {
	repo       Repository
	orch       *Orchestrator
	transfers  *TransferService
	classifier DocumentClassifier
	blocking   *WorkerPool
	log        *logger.Logger
}

// NewService creates a Service.
func NewService(repo Repository, orch *Orchestrator, transfers *TransferService, classifier DocumentClassifier, blocking *WorkerPool, log *logger.Logger) *Service {
	if log == nil {
		log = logger.New("consultation")
	}
	return &Service{
		repo:       repo,
		orch:       orch,
		transfers:  transfers,
		classifier: classifier,
		blocking:   blocking,
		log:        log,
	}
}

// Classifier exposes document classification; nil when not configured.
func (s *Service) Classifier() DocumentClassifier {
	return s.classifier
}

func (s *Service) create(ctx context.Context, in SubmitInput) (*Question, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	q := &Question{
		UserID:   in.UserID,
		Text:     in.Text,
		Type:     in.Type,
		Category: in.Category,
		ImageURL: in.ImageURL,
		VoiceURL: in.VoiceURL,
		Status:   StatusPending,
	}
	err := s.blocking.Do(ctx, func(ctx context.Context) error {
		return s.repo.SaveQuestion(ctx, q)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save question: %w", err)
	}

	s.log.Info(q.UserID, q.ID, "question submitted", map[string]interface{}{
		"type":     string(q.Type),
		"category": q.Category,
	})
	return q, nil
}

// Submit stores the question and schedules single-shot answering. It
// returns the PENDING question without waiting for the answer. If the
// scheduler is saturated the question stays PENDING for the reconciler.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*Question, error) {
	q, err := s.create(ctx, in)
	if err != nil {
		return nil, err
	}

	if err := s.orch.Dispatch(q.ID); err != nil {
		s.log.Warn(q.UserID, q.ID, "question left for reconciler", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return q, nil
}

// SubmitStream stores the question and starts streaming dispatch.
func (s *Service) SubmitStream(ctx context.Context, in SubmitInput) (*Question, *Subscription, error) {
	q, err := s.create(ctx, in)
	if err != nil {
		return nil, nil, err
	}

	sub, err := s.orch.DispatchStream(ctx, q.ID)
	if err != nil {
		return q, nil, err
	}
	return q, sub, nil
}

// GetQuestion returns a question by ID.
func (s *Service) GetQuestion(ctx context.Context, id int64) (*Question, error) {
	return Call(ctx, s.blocking, func(ctx context.Context) (*Question, error) {
		return s.repo.GetQuestion(ctx, id)
	})
}

// ListUserQuestions lists a user's questions, newest first.
func (s *Service) ListUserQuestions(ctx context.Context, userID int64, page PageRequest) (Page[Question], error) {
	return Call(ctx, s.blocking, func(ctx context.Context) (Page[Question], error) {
		return s.repo.ListQuestionsByUser(ctx, userID, page)
	})
}

// ListQuestions lists questions for staff.
func (s *Service) ListQuestions(ctx context.Context, filter QuestionFilter, page PageRequest) (Page[Question], error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return Page[Question]{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, filter.Status)
	}
	return Call(ctx, s.blocking, func(ctx context.Context) (Page[Question], error) {
		return s.repo.ListQuestions(ctx, filter, page)
	})
}

// RequestTransfer hands the owner's question to a human.
func (s *Service) RequestTransfer(ctx context.Context, questionID, userID int64, reason string) (*Transfer, error) {
	return Call(ctx, s.blocking, func(ctx context.Context) (*Transfer, error) {
		return s.transfers.RequestTransfer(ctx, questionID, userID, reason)
	})
}

// ListUserTransfers lists a user's transfers, newest first.
func (s *Service) ListUserTransfers(ctx context.Context, userID int64, page PageRequest) (Page[Transfer], error) {
	return Call(ctx, s.blocking, func(ctx context.Context) (Page[Transfer], error) {
		return s.transfers.ListUserTransfers(ctx, userID, page)
	})
}

// ListStaffTransfers lists transfers assigned to a staff member.
func (s *Service) ListStaffTransfers(ctx context.Context, staffID int64, page PageRequest) (Page[Transfer], error) {
	return Call(ctx, s.blocking, func(ctx context.Context) (Page[Transfer], error) {
		return s.transfers.ListStaffTransfers(ctx, staffID, page)
	})
}

// GetTransfer returns a transfer by ID.
func (s *Service) GetTransfer(ctx context.Context, id int64) (*Transfer, error) {
	return Call(ctx, s.blocking, func(ctx context.Context) (*Transfer, error) {
		return s.transfers.GetTransfer(ctx, id)
	})
}

// AssignStaff moves a PENDING transfer to staffID.
func (s *Service) AssignStaff(ctx context.Context, transferID, staffID int64) (*Transfer, error) {
	return Call(ctx, s.blocking, func(ctx context.Context) (*Transfer, error) {
		return s.transfers.AssignStaff(ctx, transferID, staffID)
	})
}

// ReplyTransfer completes a transfer with the assigned staff member's answer.
func (s *Service) ReplyTransfer(ctx context.Context, transferID, staffID int64, text string) (*Transfer, error) {
	return Call(ctx, s.blocking, func(ctx context.Context) (*Transfer, error) {
		return s.transfers.Reply(ctx, transferID, staffID, text)
	})
}

// Rate records the owner's satisfaction score (1..5) on a finished question.
func (s *Service) Rate(ctx context.Context, id, userID int64, score int) (*Question, error) {
	if score < 1 || score > 5 {
		return nil, fmt.Errorf("%w: satisfaction score must be 1..5", ErrInvalidInput)
	}

	var out *Question
	err := s.blocking.Do(ctx, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(tx Store) error {
			q, err := tx.GetQuestion(ctx, id)
			if err != nil {
				return err
			}
			if q.UserID != userID {
				return ErrForbidden
			}
			if !q.Status.Terminal() {
				return fmt.Errorf("%w: question is still %s", ErrInvalidTransition, q.Status)
			}
			q.Satisfaction = &score
			if err := tx.SaveQuestion(ctx, q); err != nil {
				return err
			}
			out = q
			return nil
		})
	})
	if err != nil {
		if !errors.Is(err, ErrForbidden) && !errors.Is(err, ErrQuestionNotFound) && !errors.Is(err, ErrInvalidTransition) {
			s.log.ErrorWithErr(userID, id, "failed to rate question", err, nil)
		}
		return nil, err
	}
	s.log.Info(userID, id, "question rated", map[string]interface{}{"score": score})
	return out, nil
}
