// Package store provides the SQLite persistence layer for the knowledge chat
// service: conversation history keyed by conversation ID, and a training log
// that records which answers have already been written back to the knowledge
// base so auto-training never stores the same content twice for a
// conversation.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleUser is a message sent by the human user.
	RoleUser Role = "user"
	// RoleAssistant is a message produced by the model.
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a conversation.
type Message struct {
	// Role is the author of the message.
	Role Role
	// Content is the text of the message.
	Content string
	// CreatedAt is when the message was persisted.
	CreatedAt time.Time
}

// ConversationStore persists and retrieves conversation history keyed by
// conversation ID. Implementations must be safe for concurrent use.
type ConversationStore interface {
	// Append persists a single message for the given conversation.
	Append(ctx context.Context, conversationID string, role Role, content string) error
	// Recent returns the most recent n messages for the conversation, ordered
	// oldest-first so they can be prepended to the model message slice
	// directly. If fewer than n messages exist, all are returned.
	Recent(ctx context.Context, conversationID string, n int) ([]Message, error)
	// Close releases any resources held by the store.
	Close() error
}

// TrainingLog records which assistant answers have been processed by the
// knowledge writer, keyed by conversation ID and a content digest.
// Implementations must be safe for concurrent use.
type TrainingLog interface {
	// Seen reports whether the digest has already been recorded for the
	// conversation.
	Seen(ctx context.Context, conversationID, digest string) (bool, error)
	// Record marks the digest as processed for the conversation with the
	// final outcome ("written", "skipped", "failed") and the number of
	// chunks stored.
	Record(ctx context.Context, conversationID, digest, outcome string, chunks int) error
}

// SQLiteStore implements ConversationStore and TrainingLog over a local
// SQLite database.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// DefaultDBPath returns the default path for the service database.
// It resolves to ~/.kbchat/history.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".kbchat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "history.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS conversations (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT    NOT NULL,
    role            TEXT    NOT NULL CHECK(role IN ('user','assistant')),
    content         TEXT    NOT NULL,
    created_at      INTEGER NOT NULL  -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_conversations_conv_created
    ON conversations (conversation_id, created_at);

CREATE TABLE IF NOT EXISTS training_log (
    conversation_id TEXT    NOT NULL,
    digest          TEXT    NOT NULL,
    outcome         TEXT    NOT NULL,
    chunks          INTEGER NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL,
    PRIMARY KEY (conversation_id, digest)
);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Append persists a single message for the given conversation.
func (s *SQLiteStore) Append(ctx context.Context, conversationID string, role Role, content string) error {
	const q = `INSERT INTO conversations (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, conversationID, string(role), content, time.Now().Unix()); err != nil {
		return fmt.Errorf("store: append: %w", err)
	}
	return nil
}

// Recent returns the most recent n messages for the conversation, ordered
// oldest-first. Uses a subquery to select the tail then re-order for injection.
func (s *SQLiteStore) Recent(ctx context.Context, conversationID string, n int) ([]Message, error) {
	const q = `
SELECT role, content, created_at FROM (
    SELECT id, role, content, created_at
    FROM   conversations
    WHERE  conversation_id = ?
    ORDER  BY created_at DESC, id DESC
    LIMIT  ?
) ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var ts int64
		var role string
		if err := rows.Scan(&role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("store: recent scan: %w", err)
		}
		m.Role = Role(role)
		m.CreatedAt = time.Unix(ts, 0)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent rows: %w", err)
	}
	return msgs, nil
}

// Exchange is one question/answer pair recovered from the conversation
// history, used by batch training.
type Exchange struct {
	// ConversationID identifies the conversation the pair belongs to.
	ConversationID string
	// Question is the user message that preceded the answer.
	Question string
	// Answer is the assistant message.
	Answer string
}

// RecentExchanges returns up to limit question/answer pairs whose answer was
// persisted at or after since, newest-first. Assistant messages with no
// preceding user message in the same conversation are omitted.
func (s *SQLiteStore) RecentExchanges(ctx context.Context, since time.Time, limit int) ([]Exchange, error) {
	const q = `
SELECT a.conversation_id, a.content,
       (SELECT u.content
        FROM   conversations u
        WHERE  u.conversation_id = a.conversation_id
          AND  u.role = 'user'
          AND  (u.created_at < a.created_at OR (u.created_at = a.created_at AND u.id < a.id))
        ORDER  BY u.created_at DESC, u.id DESC
        LIMIT  1)
FROM   conversations a
WHERE  a.role = 'assistant' AND a.created_at >= ?
ORDER  BY a.created_at DESC, a.id DESC
LIMIT  ?`

	rows, err := s.db.QueryContext(ctx, q, since.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent exchanges: %w", err)
	}
	defer rows.Close()

	var out []Exchange
	for rows.Next() {
		var e Exchange
		var question sql.NullString
		if err := rows.Scan(&e.ConversationID, &e.Answer, &question); err != nil {
			return nil, fmt.Errorf("store: recent exchanges scan: %w", err)
		}
		if !question.Valid {
			continue
		}
		e.Question = question.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent exchanges rows: %w", err)
	}
	return out, nil
}

// Seen reports whether the digest has already been recorded for the
// conversation.
func (s *SQLiteStore) Seen(ctx context.Context, conversationID, digest string) (bool, error) {
	const q = `SELECT 1 FROM training_log WHERE conversation_id = ? AND digest = ?`
	var one int
	err := s.db.QueryRowContext(ctx, q, conversationID, digest).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: training log lookup: %w", err)
	}
	return true, nil
}

// Record marks the digest as processed for the conversation. Re-recording the
// same (conversation, digest) pair updates the outcome in place.
func (s *SQLiteStore) Record(ctx context.Context, conversationID, digest, outcome string, chunks int) error {
	const q = `
INSERT INTO training_log (conversation_id, digest, outcome, chunks, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (conversation_id, digest) DO UPDATE SET
    outcome = excluded.outcome,
    chunks  = excluded.chunks`
	if _, err := s.db.ExecContext(ctx, q, conversationID, digest, outcome, chunks, time.Now().Unix()); err != nil {
		return fmt.Errorf("store: training log record: %w", err)
	}
	return nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}
