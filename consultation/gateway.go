// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package consultation

import (
	"context"
	"fmt"
	"strings"

	"learnwork/consultation/llm"
)

// FragmentStream is a lazy sequence of answer fragments. Next returns io.EOF
// at normal completion.
type FragmentStream interface {
	Next() (string, error)
	Close() error
}

// AIGateway is what the orchestrator needs from the completion provider.
type AIGateway interface {
	CompleteOnce(ctx context.Context, prompt, imageURL string) (string, error)
	OpenStream(ctx context.Context, prompt, imageURL string) (FragmentStream, error)
}

// DocumentClassifier recognises supporting documents.
type DocumentClassifier interface {
	ClassifyDocument(ctx context.Context, fileURL string) (llm.DocumentType, error)
	CheckDocumentType(ctx context.Context, fileURL string, expected llm.DocumentType) bool
}

type llmGateway struct {
	*llm.Gateway
}

// NewAIGateway adapts an llm.Gateway.
func NewAIGateway(g *llm.Gateway) AIGateway {
	return llmGateway{Gateway: g}
}

func (g llmGateway) OpenStream(ctx context.Context, prompt, imageURL string) (FragmentStream, error) {
	s, err := g.CompleteStream(ctx, prompt, imageURL)
	if err != nil {
		return nil, err
	}
	return s, nil
}

const promptTemplate = "你是一个学工智能助手，专门回答学生关于奖助勤贷、宿舍管理、违纪申诉、心理健康、就业指导等方面的问题。\n\n" +
	"问题分类：%s\n问题内容：%s\n\n请提供准确、详细的回答，并给出相关的流程指引。"

// BuildPrompt renders the assistant prompt for a question.
func BuildPrompt(category, text string) string {
	category = strings.TrimSpace(category)
	if category == "" {
		category = "未分类"
	}
	return fmt.Sprintf(promptTemplate, category, text)
}
