package conversations

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/threadline-ai/threadline/pkg/models"
)

// sqliteTimeFormat is fixed-width UTC so that text comparison of stored
// timestamps matches time ordering.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store on SQLite for single-node deployments. The
// schema is created automatically on open.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path. Parent directories
// are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agent_conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agent_conversations_user_id
			ON agent_conversations(user_id);

		CREATE TABLE IF NOT EXISTS agent_messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES agent_conversations(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_agent_messages_conversation_id
			ON agent_messages(conversation_id);

		CREATE INDEX IF NOT EXISTS idx_agent_messages_created_at
			ON agent_messages(created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, userID uuid.UUID, existingID *uuid.UUID, seed string) (*models.Conversation, error) {
	if existingID != nil {
		return s.getConversation(ctx,
			"SELECT id, user_id, title, created_at, updated_at FROM agent_conversations WHERE id = ? AND user_id = ?",
			*existingID, userID)
	}

	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:        uuid.New(),
		UserID:    userID,
		Title:     models.DeriveTitle(seed),
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO agent_conversations (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		conv.ID, conv.UserID, conv.Title, formatSQLiteTime(now), formatSQLiteTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	return conv, nil
}

func (s *SQLiteStore) Get(ctx context.Context, conversationID uuid.UUID) (*models.Conversation, error) {
	return s.getConversation(ctx,
		"SELECT id, user_id, title, created_at, updated_at FROM agent_conversations WHERE id = ?",
		conversationID)
}

func (s *SQLiteStore) getConversation(ctx context.Context, query string, args ...any) (*models.Conversation, error) {
	conv := &models.Conversation{}
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&conv.ID, &conv.UserID, &conv.Title, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	if conv.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID uuid.UUID, role models.Role, content string) (*models.Message, error) {
	now := time.Now().UTC()
	msg := &models.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Touch the conversation first: zero rows means it is gone, which the
	// message insert would otherwise report as an FK violation.
	result, err := tx.ExecContext(ctx,
		"UPDATE agent_conversations SET updated_at = ? WHERE id = ?",
		formatSQLiteTime(now), conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to update conversation timestamp: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO agent_messages (id, conversation_id, role, content, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		msg.ID, msg.ConversationID, msg.Role, msg.Content, formatSQLiteTime(now), formatSQLiteTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}

	return msg, nil
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return []models.Message{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, conversation_id, role, content, created_at FROM agent_messages WHERE conversation_id = ? ORDER BY created_at DESC LIMIT ?",
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanSQLiteMessages(rows)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (s *SQLiteStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.ConversationWithMessages, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, title, created_at, updated_at FROM agent_conversations WHERE user_id = ? ORDER BY updated_at DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var result []models.ConversationWithMessages
	for rows.Next() {
		conv := models.Conversation{}
		var createdAt, updatedAt string
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		if conv.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if conv.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		result = append(result, models.ConversationWithMessages{Conversation: conv})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}

	if len(result) == 0 {
		return []models.ConversationWithMessages{}, nil
	}

	for i := range result {
		msgRows, err := s.db.QueryContext(ctx,
			"SELECT id, conversation_id, role, content, created_at FROM agent_messages WHERE conversation_id = ? ORDER BY created_at ASC",
			result[i].Conversation.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}
		messages, err := scanSQLiteMessages(msgRows)
		msgRows.Close()
		if err != nil {
			return nil, err
		}
		result[i].Messages = messages
	}

	return result, nil
}

func (s *SQLiteStore) CountUserMessagesSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM agent_messages m
		JOIN agent_conversations c ON c.id = m.conversation_id
		WHERE c.user_id = ? AND m.role = 'user' AND m.created_at >= ?`,
		userID, formatSQLiteTime(since)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count user messages: %w", err)
	}
	return count, nil
}

func scanSQLiteMessages(rows *sql.Rows) ([]models.Message, error) {
	var messages []models.Message
	for rows.Next() {
		msg := models.Message{}
		var createdAt string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		var err error
		if msg.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

func parseSQLiteTime(s string) (time.Time, error) {
	return time.Parse(sqliteTimeFormat, s)
}
