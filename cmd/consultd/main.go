// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the student consultation service.
//
// The service answers student questions with an AI completion provider,
// caches answers, and hands sensitive or failed questions to staff.
//
// Usage:
//
//	./consultd
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	CONFIG_FILE - optional YAML file; environment variables override it
//	DATABASE_URL - database DSN; in-memory storage when unset
//	DATABASE_DRIVER - postgres or mysql (default: postgres)
//	REDIS_URL - answer cache and dispatch lock; in-memory when unset
//	AI_API_KEY - completion provider key
//	AI_API_KEY_SECRET_ARN - read the key from AWS Secrets Manager instead
//	AI_TEXT_MODEL, AI_VISION_MODEL - model names
//	AI_TIMEOUT, AI_MAX_RETRIES, AI_RETRY_BACKOFF - provider call policy
//	AI_MAX_TOKENS, AI_TEMPERATURE - answer generation limits
//	ESCALATION_KEYWORDS - comma separated keywords that go straight to staff
//	JWT_SECRET - HS256 secret; header identities are trusted when unset
//	NOTIFIER_MODE, NOTIFIER_WEBHOOK_URL - staff and student notifications
package main

import (
	"learnwork/consultation"
)

func main() {
	consultation.Run()
}
