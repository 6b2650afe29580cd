// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package consultation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"learnwork/shared/logger"
)

// TransferService owns the human-transfer lifecycle:
// PENDING -> PROCESSING -> COMPLETED. Each mutating call is one transaction.
type TransferService struct {
	repo     Repository
	notifier Notifier
	metrics  *Metrics
	log      *logger.Logger

	notifyTimeout time.Duration
}

// NewTransferService creates a TransferService. notifier and metrics may be nil.
func NewTransferService(repo Repository, notifier Notifier, metrics *Metrics, log *logger.Logger) *TransferService {
	if log == nil {
		log = logger.New("transfer")
	}
	if notifier == nil {
		notifier = NewLogNotifier(log)
	}
	return &TransferService{
		repo:          repo,
		notifier:      notifier,
		metrics:       metrics,
		log:           log,
		notifyTimeout: 5 * time.Second,
	}
}

// CreateTransfer escalates a question: it records a PENDING transfer and marks
// the question TRANSFERRED with the given reason.
func (s *TransferService) CreateTransfer(ctx context.Context, questionID, userID int64, ttype TransferType, reason string) (*Transfer, error) {
	if ttype != TransferAuto && ttype != TransferManual {
		return nil, fmt.Errorf("%w: transfer type %q", ErrInvalidInput, ttype)
	}

	var created *Transfer
	err := s.repo.WithTx(ctx, func(tx Store) error {
		q, err := tx.GetQuestion(ctx, questionID)
		if err != nil {
			return err
		}
		if _, err := tx.ActiveTransfer(ctx, questionID); err == nil {
			return ErrActiveTransferExists
		} else if !errors.Is(err, ErrTransferNotFound) {
			return err
		}
		if !transferAllowed(ttype, q.Status) {
			return fmt.Errorf("%w: question is %s", ErrInvalidTransition, q.Status)
		}

		t := &Transfer{
			QuestionID: questionID,
			UserID:     userID,
			Reason:     reason,
			Type:       ttype,
			Status:     TransferPending,
		}
		if err := tx.CreateTransfer(ctx, t); err != nil {
			return err
		}

		q.markTransferred(reason)
		if err := tx.SaveQuestion(ctx, q); err != nil {
			return err
		}
		created = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Escalation(ttype)
	s.log.Info(userID, questionID, "question transferred to human", map[string]interface{}{
		"transfer_id":   created.ID,
		"transfer_type": string(ttype),
		"reason":        reason,
	})
	s.notify(ctx, Notification{
		Audience:     AudienceStaff,
		Channels:     []Channel{ChannelSite},
		Title:        "新的人工咨询转接",
		Content:      fmt.Sprintf("咨询问题 #%d 需要人工处理：%s", questionID, reason),
		BusinessID:   created.ID,
		BusinessType: "HUMAN_TRANSFER",
	})
	return created, nil
}

// transferAllowed reports whether a question in status may be escalated.
// Policy transfers only apply to unanswered questions; a user may also ask
// for a human after an AI answer.
func transferAllowed(ttype TransferType, status QuestionStatus) bool {
	if ttype == TransferAuto {
		return status == StatusPending
	}
	return status == StatusPending || status == StatusAnswered
}

// RequestTransfer lets the question owner ask for a human. The question must
// be PENDING or ANSWERED and have no active transfer.
func (s *TransferService) RequestTransfer(ctx context.Context, questionID, userID int64, reason string) (*Transfer, error) {
	q, err := s.repo.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	if q.UserID != userID {
		return nil, ErrForbidden
	}
	if !transferAllowed(TransferManual, q.Status) {
		return nil, fmt.Errorf("%w: question is %s", ErrInvalidTransition, q.Status)
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "用户申请人工服务"
	}
	return s.CreateTransfer(ctx, questionID, userID, TransferManual, reason)
}

// AssignStaff gives a PENDING transfer to staffID and moves it to PROCESSING.
func (s *TransferService) AssignStaff(ctx context.Context, transferID, staffID int64) (*Transfer, error) {
	if staffID <= 0 {
		return nil, fmt.Errorf("%w: staff id", ErrInvalidInput)
	}

	var out *Transfer
	err := s.repo.WithTx(ctx, func(tx Store) error {
		t, err := tx.GetTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		if t.Status != TransferPending {
			return fmt.Errorf("%w: transfer is %s", ErrInvalidTransition, t.Status)
		}

		t.StaffID = &staffID
		t.Status = TransferProcessing
		if err := tx.SaveTransfer(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info(out.UserID, out.QuestionID, "transfer assigned", map[string]interface{}{
		"transfer_id": transferID,
		"staff_id":    staffID,
	})
	return out, nil
}

// Reply completes a PROCESSING transfer. Only the assigned staff member may
// reply; the reply becomes the question's HUMAN answer.
func (s *TransferService) Reply(ctx context.Context, transferID, staffID int64, text string) (*Transfer, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: reply is empty", ErrInvalidInput)
	}

	var out *Transfer
	err := s.repo.WithTx(ctx, func(tx Store) error {
		t, err := tx.GetTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		if t.StaffID == nil || *t.StaffID != staffID {
			return ErrForbidden
		}
		if t.Status != TransferProcessing {
			return fmt.Errorf("%w: transfer is %s", ErrInvalidTransition, t.Status)
		}

		q, err := tx.GetQuestion(ctx, t.QuestionID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		t.StaffReply = text
		t.Status = TransferCompleted
		t.ProcessedAt = &now
		if err := tx.SaveTransfer(ctx, t); err != nil {
			return err
		}

		q.markAnswered(text, SourceHuman)
		if err := tx.SaveQuestion(ctx, q); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrForbidden) {
			s.log.Warn(0, 0, "reply rejected: staff is not assigned", map[string]interface{}{
				"transfer_id": transferID,
				"staff_id":    staffID,
			})
		}
		return nil, err
	}

	s.log.Info(out.UserID, out.QuestionID, "transfer completed", map[string]interface{}{
		"transfer_id": transferID,
		"staff_id":    staffID,
	})
	s.notify(ctx, Notification{
		Audience:     AudienceUser,
		UserID:       out.UserID,
		Channels:     []Channel{ChannelSite, ChannelEmail},
		Title:        "您的咨询已得到人工回复",
		Content:      text,
		BusinessID:   out.QuestionID,
		BusinessType: "CONSULTATION",
	})
	return out, nil
}

// GetTransfer returns a transfer by ID.
func (s *TransferService) GetTransfer(ctx context.Context, id int64) (*Transfer, error) {
	return s.repo.GetTransfer(ctx, id)
}

// ListUserTransfers lists the transfers of a user's questions.
func (s *TransferService) ListUserTransfers(ctx context.Context, userID int64, page PageRequest) (Page[Transfer], error) {
	return s.repo.ListTransfersByUser(ctx, userID, page)
}

// ListStaffTransfers lists the transfers assigned to a staff member.
func (s *TransferService) ListStaffTransfers(ctx context.Context, staffID int64, page PageRequest) (Page[Transfer], error) {
	return s.repo.ListTransfersByStaff(ctx, staffID, page)
}

func (s *TransferService) notify(ctx context.Context, n Notification) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	defer cancel()
	if err := s.notifier.Send(nctx, n); err != nil {
		s.log.ErrorWithErr(n.UserID, 0, "notification failed", err, map[string]interface{}{
			"title":    n.Title,
			"audience": string(n.Audience),
		})
	}
}
