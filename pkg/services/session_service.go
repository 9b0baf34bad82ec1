package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opsloop/opsloop/pkg/models"
)

// SessionService is the durable store for conversation sessions and their
// message history. Locking, expiry policy, and compaction decisions live in
// the session manager; this layer only persists them.
type SessionService struct {
	db *sql.DB
}

// NewSessionService creates a new SessionService.
func NewSessionService(db *sql.DB) *SessionService {
	if db == nil {
		panic("NewSessionService: db must not be nil")
	}
	return &SessionService{db: db}
}

const sessionColumns = `id, session_key, platform, user_id, user_name, status,
	message_count, summary, created_at, last_active_at`

// Create inserts a new active session. A second active session for the same
// key is ErrAlreadyExists.
func (s *SessionService) Create(ctx context.Context, sess *models.Session) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(writeCtx, `
		INSERT INTO sessions (id, session_key, platform, user_id, user_name, status,
			message_count, summary, created_at, last_active_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sess.ID, sess.SessionKey, sess.Platform, sess.UserID, sess.UserName,
		sess.Status, sess.MessageCount, sess.Summary, sess.CreatedAt, sess.LastActiveAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetByID retrieves a session by its ID.
func (s *SessionService) GetByID(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

// GetActiveByKey retrieves the active session for a session key.
func (s *SessionService) GetActiveByKey(ctx context.Context, key string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_key = $1 AND status = 'active'`, key)
	return scanSession(row)
}

// List returns sessions, optionally narrowed to a platform, most recently
// active first.
func (s *SessionService) List(ctx context.Context, platform string, limit, offset int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := []any{}
	if platform != "" {
		args = append(args, platform)
		query += " WHERE platform = $1"
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY last_active_at DESC LIMIT $%d", len(args))
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// AppendMessage atomically inserts a message and bumps the session's message
// count and activity timestamp. Returns the assigned message ID.
func (s *SessionService) AppendMessage(ctx context.Context, sessionID, role, content, eventID string) (int64, error) {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(writeCtx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	var msgID int64
	err = tx.QueryRowContext(writeCtx, `
		INSERT INTO session_messages (session_id, role, content, event_id, created_at)
		VALUES ($1, $2, $3, $4, now()) RETURNING id`,
		sessionID, role, content, nullStr(eventID)).Scan(&msgID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert session message: %w", err)
	}

	res, err := tx.ExecContext(writeCtx,
		`UPDATE sessions SET message_count = message_count + 1, last_active_at = now() WHERE id = $1`,
		sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to touch session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return 0, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return msgID, nil
}

// AppendTurns inserts a batch of messages and bumps the session's message
// count and activity timestamp, all in one transaction. Returns the session's
// resulting message count.
func (s *SessionService) AppendTurns(ctx context.Context, sessionID string, turns []*models.SessionMessage) (int, error) {
	if len(turns) == 0 {
		return 0, ErrInvalidInput
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(writeCtx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	for _, turn := range turns {
		_, err := tx.ExecContext(writeCtx, `
			INSERT INTO session_messages (session_id, role, content, event_id, created_at)
			VALUES ($1, $2, $3, $4, now())`,
			sessionID, turn.Role, turn.Content, nullStr(turn.EventID))
		if err != nil {
			return 0, fmt.Errorf("failed to insert session message: %w", err)
		}
	}

	var count int
	err = tx.QueryRowContext(writeCtx, `
		UPDATE sessions SET message_count = message_count + $2, last_active_at = now()
		WHERE id = $1 RETURNING message_count`,
		sessionID, len(turns)).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return count, nil
}

// Messages returns up to limit most recent messages in chronological order.
func (s *SessionService) Messages(ctx context.Context, sessionID string, limit int) ([]*models.SessionMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, event_id, created_at FROM (
			SELECT id, session_id, role, content, event_id, created_at
			FROM session_messages WHERE session_id = $1
			ORDER BY id DESC LIMIT $2
		) recent ORDER BY id ASC`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load session messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.SessionMessage
	for rows.Next() {
		var msg models.SessionMessage
		var eventID sql.NullString
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
			&eventID, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session message: %w", err)
		}
		msg.EventID = eventID.String
		msg.CreatedAt = msg.CreatedAt.UTC()
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// UpdateSummary stores the compaction summary for a session.
func (s *SessionService) UpdateSummary(ctx context.Context, sessionID, summary string) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx,
		`UPDATE sessions SET summary = $2 WHERE id = $1`, sessionID, summary)
	if err != nil {
		return fmt.Errorf("failed to update session summary: %w", err)
	}
	return requireRowAffected(res)
}

// DeleteMessagesExceptLast removes all but the newest keep messages and
// resyncs the session's message count. Used by compaction after the removed
// span has been folded into the summary.
func (s *SessionService) DeleteMessagesExceptLast(ctx context.Context, sessionID string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(writeCtx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	res, err := tx.ExecContext(writeCtx, `
		DELETE FROM session_messages WHERE session_id = $1 AND id NOT IN (
			SELECT id FROM session_messages WHERE session_id = $1
			ORDER BY id DESC LIMIT $2
		)`, sessionID, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to delete compacted messages: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	_, err = tx.ExecContext(writeCtx, `
		UPDATE sessions SET message_count = (
			SELECT count(*) FROM session_messages WHERE session_id = $1
		) WHERE id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to resync message count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return deleted, nil
}

// Expire marks a session expired.
func (s *SessionService) Expire(ctx context.Context, id string) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx,
		`UPDATE sessions SET status = 'expired' WHERE id = $1 AND status = 'active'`, id)
	if err != nil {
		return fmt.Errorf("failed to expire session: %w", err)
	}
	return requireRowAffected(res)
}

// ExpireIdle expires active sessions on a platform whose last activity is
// older than the cutoff. Returns how many were expired.
func (s *SessionService) ExpireIdle(ctx context.Context, platform string, cutoff time.Time) (int64, error) {
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx,
		`UPDATE sessions SET status = 'expired'
		WHERE platform = $1 AND status = 'active' AND last_active_at < $2`,
		platform, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire idle sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteExpiredBefore removes expired sessions (and their messages, via
// cascade) whose last activity is past the retention window.
func (s *SessionService) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	writeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(writeCtx,
		`DELETE FROM sessions WHERE status = 'expired' AND last_active_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session

	err := row.Scan(&sess.ID, &sess.SessionKey, &sess.Platform, &sess.UserID,
		&sess.UserName, &sess.Status, &sess.MessageCount, &sess.Summary,
		&sess.CreatedAt, &sess.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.LastActiveAt = sess.LastActiveAt.UTC()
	return &sess, nil
}
