// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package logger provides structured JSON logging for the consultation service.

Every entry is a single JSON object written to stdout so that log shippers
can consume it without parsing. Each entry carries:
  - Timestamp (RFC3339Nano)
  - Level (DEBUG, INFO, WARN, ERROR)
  - Component name (orchestrator, gateway, transfer, http, ...)
  - Instance ID and container name
  - User ID and question ID when the entry concerns a specific question
  - Custom fields

# Usage

	log := logger.New("orchestrator")
	log.Info(userID, questionID, "dispatch started", map[string]interface{}{
		"mode": "stream",
	})

Operational alerts (for example a missing provider credential) go through
Alert, which logs at ERROR and tags the entry with alert=true so that
monitoring can page on it.

The minimum level is read from LOG_LEVEL (default INFO).
*/
package logger
