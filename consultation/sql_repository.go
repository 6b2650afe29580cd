// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package consultation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// Dialect selects SQL flavour differences.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// ParseDialect maps a driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	case "mysql":
		return DialectMySQL, nil
	default:
		return "", fmt.Errorf("%w: unsupported database driver %q", ErrInvalidInput, driver)
	}
}

// DriverName is the database/sql driver registered for d.
func (d Dialect) DriverName() string {
	if d == DialectMySQL {
		return "mysql"
	}
	return "postgres"
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SQLRepository implements Repository on PostgreSQL or MySQL.
type SQLRepository struct {
	sqlStore
	db *sql.DB
}

// Ensure SQLRepository implements Repository
var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository wraps an open database handle.
func NewSQLRepository(db *sql.DB, dialect Dialect) *SQLRepository {
	return &SQLRepository{
		sqlStore: sqlStore{q: db, dialect: dialect},
		db:       db,
	}
}

// normalizeDSN makes MySQL scan DATETIME columns into time.Time. Other
// dialects pass through unchanged.
func normalizeDSN(dialect Dialect, dsn string) (string, error) {
	if dialect != DialectMySQL {
		return dsn, nil
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("failed to parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// OpenSQLRepository opens dsn with the dialect's driver and pings it.
func OpenSQLRepository(ctx context.Context, dialect Dialect, dsn string) (*SQLRepository, error) {
	dsn, err := normalizeDSN(dialect, dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewSQLRepository(db, dialect), nil
}

// WithTx runs fn in a database transaction.
func (r *SQLRepository) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&sqlStore{q: tx, dialect: r.dialect, forUpdate: true}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database handle.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// sqlStore holds the queries; it runs on either the pool or a transaction.
// Inside a transaction single-row reads lock the row until commit.
type sqlStore struct {
	q         execer
	dialect   Dialect
	forUpdate bool
}

var placeholderRe = regexp.MustCompile(`\$\d+`)

// rebind rewrites $n placeholders for MySQL. Queries here use each
// placeholder once and in ascending order.
func (s *sqlStore) rebind(query string) string {
	if s.dialect != DialectMySQL {
		return query
	}
	return placeholderRe.ReplaceAllString(query, "?")
}

func (s *sqlStore) lockRow(query string) string {
	if s.forUpdate {
		return query + ` FOR UPDATE`
	}
	return query
}

const questionColumns = `id, user_id, question_text, question_type, category, image_url, voice_url,
		answer, answer_source, transferred_to_human, transfer_reason, status,
		satisfaction_score, created_at, updated_at`

const transferColumns = `id, question_id, user_id, staff_id, transfer_reason, transfer_type,
		status, staff_reply, processed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// insert runs an INSERT and returns the new id: RETURNING on Postgres,
// LastInsertId on MySQL.
func (s *sqlStore) insert(ctx context.Context, query string, args ...interface{}) (int64, error) {
	if s.dialect == DialectMySQL {
		res, err := s.q.ExecContext(ctx, s.rebind(query), args...)
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	}
	var id int64
	err := s.q.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&id)
	return id, err
}

// SaveQuestion inserts or updates q
func (s *sqlStore) SaveQuestion(ctx context.Context, q *Question) error {
	if q == nil {
		return ErrInvalidInput
	}
	now := time.Now().UTC()
	q.UpdatedAt = now

	if q.ID == 0 {
		q.CreatedAt = now
		query := `
		INSERT INTO consultation_questions (
			user_id, question_text, question_type, category, image_url, voice_url,
			answer, answer_source, transferred_to_human, transfer_reason, status,
			satisfaction_score, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

		id, err := s.insert(ctx, query,
			q.UserID, q.Text, string(q.Type), nullString(q.Category), nullString(q.ImageURL), nullString(q.VoiceURL),
			nullString(q.Answer), nullString(string(q.AnswerSource)), q.Transferred, nullString(q.TransferReason), string(q.Status),
			nullInt(q.Satisfaction), q.CreatedAt, q.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert question: %w", err)
		}
		q.ID = id
		return nil
	}

	query := `
		UPDATE consultation_questions SET
			answer = $1, answer_source = $2, transferred_to_human = $3, transfer_reason = $4,
			status = $5, satisfaction_score = $6, category = $7, updated_at = $8
		WHERE id = $9`

	res, err := s.q.ExecContext(ctx, s.rebind(query),
		nullString(q.Answer), nullString(string(q.AnswerSource)), q.Transferred, nullString(q.TransferReason),
		string(q.Status), nullInt(q.Satisfaction), nullString(q.Category), q.UpdatedAt,
		q.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update question %d: %w", q.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrQuestionNotFound
	}
	return nil
}

func scanQuestion(row rowScanner) (*Question, error) {
	q := &Question{}
	var qType, status string
	var category, imageURL, voiceURL, answer, source, reason sql.NullString
	var satisfaction sql.NullInt64

	err := row.Scan(
		&q.ID, &q.UserID, &q.Text, &qType, &category, &imageURL, &voiceURL,
		&answer, &source, &q.Transferred, &reason, &status,
		&satisfaction, &q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	q.Type = QuestionType(qType)
	q.Status = QuestionStatus(status)
	q.Category = category.String
	q.ImageURL = imageURL.String
	q.VoiceURL = voiceURL.String
	q.Answer = answer.String
	q.AnswerSource = AnswerSource(source.String)
	q.TransferReason = reason.String
	if satisfaction.Valid {
		v := int(satisfaction.Int64)
		q.Satisfaction = &v
	}
	return q, nil
}

// GetQuestion retrieves a question by ID
func (s *sqlStore) GetQuestion(ctx context.Context, id int64) (*Question, error) {
	query := s.lockRow(`SELECT ` + questionColumns + ` FROM consultation_questions WHERE id = $1`)

	q, err := scanQuestion(s.q.QueryRowContext(ctx, s.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQuestionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get question %d: %w", id, err)
	}
	return q, nil
}

func (s *sqlStore) queryQuestions(ctx context.Context, query string, args ...interface{}) ([]Question, error) {
	rows, err := s.q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query questions: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	out := make([]Question, 0)
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		out = append(out, *q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate questions: %w", err)
	}
	return out, nil
}

func (s *sqlStore) count(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var n int64
	if err := s.q.QueryRowContext(ctx, s.rebind(query), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count: %w", err)
	}
	return n, nil
}

// ListQuestionsByUser lists a user's questions, newest first
func (s *sqlStore) ListQuestionsByUser(ctx context.Context, userID int64, page PageRequest) (Page[Question], error) {
	page = page.normalize()

	total, err := s.count(ctx, `SELECT COUNT(*) FROM consultation_questions WHERE user_id = $1`, userID)
	if err != nil {
		return Page[Question]{}, err
	}

	items, err := s.queryQuestions(ctx,
		`SELECT `+questionColumns+` FROM consultation_questions
		WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		userID, page.Size, page.offset())
	if err != nil {
		return Page[Question]{}, err
	}
	return Page[Question]{Items: items, Total: total, Page: page.Page, Size: page.Size}, nil
}

// ListQuestions lists questions for staff; a status filter takes precedence over category
func (s *sqlStore) ListQuestions(ctx context.Context, filter QuestionFilter, page PageRequest) (Page[Question], error) {
	page = page.normalize()

	where := ""
	var args []interface{}
	switch {
	case filter.Status != "":
		where = " WHERE status = $1"
		args = append(args, string(filter.Status))
	case filter.Category != "":
		where = " WHERE category = $1"
		args = append(args, filter.Category)
	}

	total, err := s.count(ctx, `SELECT COUNT(*) FROM consultation_questions`+where, args...)
	if err != nil {
		return Page[Question]{}, err
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM consultation_questions%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		questionColumns, where, n+1, n+2)
	items, err := s.queryQuestions(ctx, query, append(args, page.Size, page.offset())...)
	if err != nil {
		return Page[Question]{}, err
	}
	return Page[Question]{Items: items, Total: total, Page: page.Page, Size: page.Size}, nil
}

// ListStalePending returns PENDING questions older than the cutoff
func (s *sqlStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]Question, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryQuestions(ctx,
		`SELECT `+questionColumns+` FROM consultation_questions
		WHERE status = $1 AND created_at < $2 ORDER BY created_at ASC LIMIT $3`,
		string(StatusPending), olderThan, limit)
}

// CreateTransfer inserts a new transfer
func (s *sqlStore) CreateTransfer(ctx context.Context, t *Transfer) error {
	if t == nil {
		return ErrInvalidInput
	}

	if _, err := s.ActiveTransfer(ctx, t.QuestionID); err == nil {
		return ErrActiveTransferExists
	} else if !errors.Is(err, ErrTransferNotFound) {
		return err
	}

	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	query := `
		INSERT INTO human_transfers (
			question_id, user_id, staff_id, transfer_reason, transfer_type,
			status, staff_reply, processed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	id, err := s.insert(ctx, query,
		t.QuestionID, t.UserID, nullInt64(t.StaffID), nullString(t.Reason), string(t.Type),
		string(t.Status), nullString(t.StaffReply), nullTime(t.ProcessedAt), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrActiveTransferExists
		}
		return fmt.Errorf("failed to insert transfer: %w", err)
	}
	t.ID = id
	return nil
}

// SaveTransfer updates staff assignment, status and reply
func (s *sqlStore) SaveTransfer(ctx context.Context, t *Transfer) error {
	if t == nil || t.ID == 0 {
		return ErrInvalidInput
	}
	t.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE human_transfers SET
			staff_id = $1, status = $2, staff_reply = $3, processed_at = $4, updated_at = $5
		WHERE id = $6`

	res, err := s.q.ExecContext(ctx, s.rebind(query),
		nullInt64(t.StaffID), string(t.Status), nullString(t.StaffReply), nullTime(t.ProcessedAt), t.UpdatedAt,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transfer %d: %w", t.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTransferNotFound
	}
	return nil
}

func scanTransfer(row rowScanner) (*Transfer, error) {
	t := &Transfer{}
	var tType, status string
	var staffID sql.NullInt64
	var reason, reply sql.NullString
	var processedAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.QuestionID, &t.UserID, &staffID, &reason, &tType,
		&status, &reply, &processedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Type = TransferType(tType)
	t.Status = TransferStatus(status)
	t.Reason = reason.String
	t.StaffReply = reply.String
	if staffID.Valid {
		v := staffID.Int64
		t.StaffID = &v
	}
	if processedAt.Valid {
		v := processedAt.Time
		t.ProcessedAt = &v
	}
	return t, nil
}

// GetTransfer retrieves a transfer by ID
func (s *sqlStore) GetTransfer(ctx context.Context, id int64) (*Transfer, error) {
	query := s.lockRow(`SELECT ` + transferColumns + ` FROM human_transfers WHERE id = $1`)

	t, err := scanTransfer(s.q.QueryRowContext(ctx, s.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer %d: %w", id, err)
	}
	return t, nil
}

// ActiveTransfer returns the PENDING or PROCESSING transfer of a question
func (s *sqlStore) ActiveTransfer(ctx context.Context, questionID int64) (*Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM human_transfers
		WHERE question_id = $1 AND status IN ($2, $3) ORDER BY id DESC LIMIT 1`

	t, err := scanTransfer(s.q.QueryRowContext(ctx, s.rebind(query),
		questionID, string(TransferPending), string(TransferProcessing)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active transfer for question %d: %w", questionID, err)
	}
	return t, nil
}

func (s *sqlStore) listTransfers(ctx context.Context, column string, value int64, page PageRequest) (Page[Transfer], error) {
	page = page.normalize()

	total, err := s.count(ctx, `SELECT COUNT(*) FROM human_transfers WHERE `+column+` = $1`, value)
	if err != nil {
		return Page[Transfer]{}, err
	}

	query := `SELECT ` + transferColumns + ` FROM human_transfers
		WHERE ` + column + ` = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`
	rows, err := s.q.QueryContext(ctx, s.rebind(query), value, page.Size, page.offset())
	if err != nil {
		return Page[Transfer]{}, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	items := make([]Transfer, 0)
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return Page[Transfer]{}, fmt.Errorf("failed to scan transfer: %w", err)
		}
		items = append(items, *t)
	}
	if err := rows.Err(); err != nil {
		return Page[Transfer]{}, fmt.Errorf("failed to iterate transfers: %w", err)
	}
	return Page[Transfer]{Items: items, Total: total, Page: page.Page, Size: page.Size}, nil
}

// ListTransfersByUser lists transfers raised for a user's questions
func (s *sqlStore) ListTransfersByUser(ctx context.Context, userID int64, page PageRequest) (Page[Transfer], error) {
	return s.listTransfers(ctx, "user_id", userID, page)
}

// ListTransfersByStaff lists transfers assigned to a staff member
func (s *sqlStore) ListTransfersByStaff(ctx context.Context, staffID int64, page PageRequest) (Page[Transfer], error) {
	return s.listTransfers(ctx, "staff_id", staffID, page)
}

// isUniqueViolation recognises duplicate-key errors from either driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
