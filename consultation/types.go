// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package consultation

import (
	"time"
)

// QuestionType is the medium the question arrived in
type QuestionType string

const (
	TypeText  QuestionType = "TEXT"
	TypeVoice QuestionType = "VOICE"
	TypeImage QuestionType = "IMAGE"
)

// Valid reports whether t is a known question type
func (t QuestionType) Valid() bool {
	switch t {
	case TypeText, TypeVoice, TypeImage:
		return true
	}
	return false
}

// QuestionStatus is the lifecycle state of a question
type QuestionStatus string

const (
	StatusPending     QuestionStatus = "PENDING"
	StatusAnswered    QuestionStatus = "ANSWERED"
	StatusTransferred QuestionStatus = "TRANSFERRED"
)

// Terminal reports whether no further automatic transition happens
func (s QuestionStatus) Terminal() bool {
	return s == StatusAnswered || s == StatusTransferred
}

// Valid reports whether s is a known status
func (s QuestionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAnswered, StatusTransferred:
		return true
	}
	return false
}

// AnswerSource records who produced the answer
type AnswerSource string

const (
	SourceAI    AnswerSource = "AI"
	SourceHuman AnswerSource = "HUMAN"
)

// Question is a consultation question and its answer state
type Question struct {
	ID             int64          `json:"id"`
	UserID         int64          `json:"userId"`
	Text           string         `json:"questionText"`
	Type           QuestionType   `json:"questionType"`
	Category       string         `json:"category,omitempty"`
	ImageURL       string         `json:"imageUrl,omitempty"`
	VoiceURL       string         `json:"voiceUrl,omitempty"`
	Answer         string         `json:"answer,omitempty"`
	AnswerSource   AnswerSource   `json:"answerSource,omitempty"`
	Transferred    bool           `json:"transferredToHuman"`
	TransferReason string         `json:"transferReason,omitempty"`
	Status         QuestionStatus `json:"status"`
	Satisfaction   *int           `json:"satisfactionScore,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// MediaURL is the reference that selects multimodal answering, if any
func (q *Question) MediaURL() string {
	if q.Type == TypeImage {
		return q.ImageURL
	}
	return ""
}

// markAnswered moves q to ANSWERED with the given answer
func (q *Question) markAnswered(answer string, source AnswerSource) {
	q.Answer = answer
	q.AnswerSource = source
	q.Status = StatusAnswered
}

// markTransferred moves q to TRANSFERRED
func (q *Question) markTransferred(reason string) {
	q.Transferred = true
	q.TransferReason = reason
	q.Status = StatusTransferred
}

// TransferType says whether a transfer was raised by policy or by the user
type TransferType string

const (
	TransferAuto   TransferType = "AUTO"
	TransferManual TransferType = "MANUAL"
)

// TransferStatus is the lifecycle state of a transfer
type TransferStatus string

const (
	TransferPending    TransferStatus = "PENDING"
	TransferProcessing TransferStatus = "PROCESSING"
	TransferCompleted  TransferStatus = "COMPLETED"
)

// Active reports whether the transfer still awaits a reply
func (s TransferStatus) Active() bool {
	return s == TransferPending || s == TransferProcessing
}

// Transfer hands a question to a human staff member
type Transfer struct {
	ID          int64          `json:"id"`
	QuestionID  int64          `json:"questionId"`
	UserID      int64          `json:"userId"`
	StaffID     *int64         `json:"staffId,omitempty"`
	Reason      string         `json:"transferReason"`
	Type        TransferType   `json:"transferType"`
	Status      TransferStatus `json:"status"`
	StaffReply  string         `json:"staffReply,omitempty"`
	ProcessedAt *time.Time     `json:"processedAt,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Page is one page of a listing
type Page[T any] struct {
	Items []T   `json:"records"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Size  int   `json:"size"`
}

// PageRequest selects a page; Page is 1-based
type PageRequest struct {
	Page int
	Size int
}

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

func (p PageRequest) normalize() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Size < 1 {
		p.Size = defaultPageSize
	}
	if p.Size > maxPageSize {
		p.Size = maxPageSize
	}
	return p
}

func (p PageRequest) offset() int {
	return (p.Page - 1) * p.Size
}

// QuestionFilter narrows the staff listing; Status wins over Category
type QuestionFilter struct {
	Status   QuestionStatus
	Category string
}
