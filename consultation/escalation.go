// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package consultation

import (
	"strings"
)

// EscalationPolicy decides whether a question must go to a human. It must be
// pure: the same text always yields the same answer.
type EscalationPolicy func(text string) bool

// AutoTransferReason is recorded on transfers raised by the policy or by an
// AI failure.
const AutoTransferReason = "问题复杂或包含敏感关键词，需要人工处理"

// HandoffNotice is sent to a streaming caller whose question was escalated.
const HandoffNotice = "抱歉，这个问题需要人工处理，已为您转接到人工客服。"

// DefaultKeywords is the current keyword heuristic: appeal, special
// circumstances, complaint, urgent.
var DefaultKeywords = []string{"申诉", "特殊情况", "投诉", "紧急"}

// KeywordPolicy escalates when the text contains any of keywords. Blank
// keywords are ignored and matching is case-insensitive.
func KeywordPolicy(keywords ...string) EscalationPolicy {
	kws := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			kws = append(kws, k)
		}
	}
	return func(text string) bool {
		text = strings.ToLower(text)
		for _, k := range kws {
			if strings.Contains(text, k) {
				return true
			}
		}
		return false
	}
}

// NeverEscalate sends every question to the AI path.
func NeverEscalate(string) bool { return false }
