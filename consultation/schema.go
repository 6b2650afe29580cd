// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package consultation

import (
	"context"
	"fmt"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS consultation_questions (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL,
		question_text TEXT NOT NULL,
		question_type VARCHAR(16) NOT NULL,
		category VARCHAR(64),
		image_url TEXT,
		voice_url TEXT,
		answer TEXT,
		answer_source VARCHAR(16),
		transferred_to_human BOOLEAN NOT NULL DEFAULT FALSE,
		transfer_reason TEXT,
		status VARCHAR(16) NOT NULL,
		satisfaction_score SMALLINT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_questions_user ON consultation_questions (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_questions_status ON consultation_questions (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS human_transfers (
		id BIGSERIAL PRIMARY KEY,
		question_id BIGINT NOT NULL REFERENCES consultation_questions(id),
		user_id BIGINT NOT NULL,
		staff_id BIGINT,
		transfer_reason TEXT,
		transfer_type VARCHAR(16) NOT NULL,
		status VARCHAR(16) NOT NULL,
		staff_reply TEXT,
		processed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_transfers_active_question
		ON human_transfers (question_id) WHERE status IN ('PENDING', 'PROCESSING')`,
	`CREATE INDEX IF NOT EXISTS idx_transfers_user ON human_transfers (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_transfers_staff ON human_transfers (staff_id, created_at DESC)`,
}

// MySQL has no partial indexes; a generated column that is NULL for
// completed transfers carries the uniqueness instead.
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS consultation_questions (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		question_text TEXT NOT NULL,
		question_type VARCHAR(16) NOT NULL,
		category VARCHAR(64),
		image_url TEXT,
		voice_url TEXT,
		answer MEDIUMTEXT,
		answer_source VARCHAR(16),
		transferred_to_human BOOLEAN NOT NULL DEFAULT FALSE,
		transfer_reason TEXT,
		status VARCHAR(16) NOT NULL,
		satisfaction_score SMALLINT,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		INDEX idx_questions_user (user_id, created_at),
		INDEX idx_questions_status (status, created_at)
	) DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS human_transfers (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		question_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		staff_id BIGINT,
		transfer_reason TEXT,
		transfer_type VARCHAR(16) NOT NULL,
		status VARCHAR(16) NOT NULL,
		staff_reply MEDIUMTEXT,
		processed_at DATETIME(6),
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		active_question_id BIGINT AS (IF(status IN ('PENDING', 'PROCESSING'), question_id, NULL)) STORED,
		UNIQUE KEY uq_transfers_active_question (active_question_id),
		INDEX idx_transfers_user (user_id, created_at),
		INDEX idx_transfers_staff (staff_id, created_at),
		FOREIGN KEY (question_id) REFERENCES consultation_questions(id)
	) DEFAULT CHARSET=utf8mb4`,
}

// Migrate creates the tables and indexes if they do not exist.
func (r *SQLRepository) Migrate(ctx context.Context) error {
	stmts := postgresSchema
	if r.dialect == DialectMySQL {
		stmts = mysqlSchema
	}
	for i, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i+1, err)
		}
	}
	return nil
}
