// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"strings"
)

// DocumentType is a supporting-document category recognised by the vision model.
type DocumentType string

const (
	DocumentTranscript        DocumentType = "成绩单"
	DocumentRecommendation    DocumentType = "推荐信"
	DocumentFamilySituation   DocumentType = "家庭情况证明"
	DocumentIncomeCertificate DocumentType = "收入证明"
	DocumentOther             DocumentType = "其他"
)

// KnownDocumentTypes lists the categories in match order; the more specific
// names come first so that substring matching stays unambiguous.
var KnownDocumentTypes = []DocumentType{
	DocumentFamilySituation,
	DocumentIncomeCertificate,
	DocumentTranscript,
	DocumentRecommendation,
	DocumentOther,
}

const classifyPrompt = `请分析这个文档的内容，判断它是什么类型的文档。
可能的文档类型包括：
1. 成绩单 - 包含课程名称、成绩、学分等信息
2. 推荐信 - 包含推荐人对学生的评价和推荐意见
3. 家庭情况证明 - 包含家庭成员、经济状况等信息
4. 收入证明 - 包含收入金额、工作单位等信息
5. 其他 - 不属于上述任何类型

请只返回文档类型名称（如：成绩单、推荐信、家庭情况证明、收入证明、其他），不要返回其他内容。`

// ClassifyDocument asks the vision model what kind of document fileURL is.
// Unrecognised answers map to DocumentOther.
func (g *Gateway) ClassifyDocument(ctx context.Context, fileURL string) (DocumentType, error) {
	fileURL = strings.TrimSpace(fileURL)
	if fileURL == "" {
		return "", &ConfigurationError{Message: "document URL is empty"}
	}

	req := CompletionRequest{Model: g.cfg.VisionModel, Prompt: classifyPrompt, ImageURL: fileURL}
	text, attempts, err := RetryWithBackoff(ctx, g.retryConfig("classify"), func(ctx context.Context) (string, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
		resp, err := g.provider.Complete(attemptCtx, req)
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	})
	if err != nil {
		return "", g.fail("classify", req.Model, attempts, err)
	}
	g.observer.ProviderCall("classify", "success")

	return ParseDocumentType(text), nil
}

// ParseDocumentType maps free model output to a DocumentType.
func ParseDocumentType(text string) DocumentType {
	text = strings.TrimSpace(text)
	for _, dt := range KnownDocumentTypes {
		if strings.Contains(text, string(dt)) {
			return dt
		}
	}
	return DocumentOther
}

// MatchesDocumentType reports whether a detected type satisfies an expected
// one. Either may name the other, so "成绩单" matches "成绩单复印件".
func MatchesDocumentType(actual, expected DocumentType) bool {
	if actual == "" || expected == "" {
		return false
	}
	return strings.Contains(string(actual), string(expected)) || strings.Contains(string(expected), string(actual))
}

// CheckDocumentType reports whether fileURL is of the expected type. Any
// provider failure yields false.
func (g *Gateway) CheckDocumentType(ctx context.Context, fileURL string, expected DocumentType) bool {
	got, err := g.ClassifyDocument(ctx, fileURL)
	if err != nil {
		return false
	}
	match := MatchesDocumentType(got, expected)
	g.log.Info(0, 0, "document type checked", map[string]interface{}{
		"file_url": fileURL,
		"detected": string(got),
		"expected": string(expected),
		"match":    match,
	})
	return match
}
