package conversations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/threadline-ai/threadline/pkg/models"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB

	// Prepared statements for the hot paths
	stmtGetConversation    *sql.Stmt
	stmtGetOwned           *sql.Stmt
	stmtInsertConversation *sql.Stmt
	stmtInsertMessage      *sql.Stmt
	stmtRecentMessages     *sql.Stmt
	stmtCountUserMessages  *sql.Stmt
}

// PostgresConfig holds connection settings and pool limits for the store.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Pool limits, applied to the sql.DB after open.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// ConnectTimeout bounds both the driver-level dial and the startup ping.
	ConnectTimeout time.Duration
}

// DefaultPostgresConfig returns settings suitable for a local instance.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Database:        "threadline",
		SSLMode:         "disable",
		MaxOpenConns:    20,
		MaxIdleConns:    10,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnectTimeout:  5 * time.Second,
	}
}

// DSN renders the config as a lib/pq keyword/value string. Credentials with
// spaces or quotes need the URL form and NewPostgresStoreFromDSN instead.
func (c *PostgresConfig) DSN() string {
	kv := []string{
		"host=" + c.Host,
		"port=" + strconv.Itoa(c.Port),
		"user=" + c.User,
		"dbname=" + c.Database,
		"sslmode=" + c.SSLMode,
		"connect_timeout=" + strconv.Itoa(int(c.ConnectTimeout/time.Second)),
	}
	if c.Password != "" {
		kv = append(kv, "password="+c.Password)
	}
	return strings.Join(kv, " ")
}

func (c *PostgresConfig) tune(db *sql.DB) {
	db.SetMaxOpenConns(c.MaxOpenConns)
	db.SetMaxIdleConns(c.MaxIdleConns)
	db.SetConnMaxLifetime(c.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.ConnMaxIdleTime)
}

// NewPostgresStore connects using discrete settings from config.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}
	return NewPostgresStoreFromDSN(config.DSN(), config)
}

// NewPostgresStoreFromDSN connects using a raw DSN or URL. A nil config
// still applies the default pool limits.
func NewPostgresStoreFromDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	config.tune(db)

	pingCtx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) prepareStatements() error {
	for _, p := range []struct {
		name  string
		dst   **sql.Stmt
		query string
	}{
		{"get conversation", &s.stmtGetConversation, `
			SELECT id, user_id, title, created_at, updated_at
			FROM agent_conversations WHERE id = $1`},
		{"get owned conversation", &s.stmtGetOwned, `
			SELECT id, user_id, title, created_at, updated_at
			FROM agent_conversations WHERE id = $1 AND user_id = $2`},
		{"insert conversation", &s.stmtInsertConversation, `
			INSERT INTO agent_conversations (id, user_id, title, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)`},
		{"insert message", &s.stmtInsertMessage, `
			INSERT INTO agent_messages (id, conversation_id, role, content, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)`},
		{"recent messages", &s.stmtRecentMessages, `
			SELECT id, conversation_id, role, content, created_at
			FROM agent_messages WHERE conversation_id = $1
			ORDER BY created_at DESC
			LIMIT $2`},
		{"count user messages", &s.stmtCountUserMessages, `
			SELECT COUNT(*)
			FROM agent_messages m
			JOIN agent_conversations c ON c.id = m.conversation_id
			WHERE c.user_id = $1 AND m.role = 'user' AND m.created_at >= $2`},
	} {
		stmt, err := s.db.Prepare(p.query)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", p.name, err)
		}
		*p.dst = stmt
	}
	return nil
}

func (s *PostgresStore) statements() []*sql.Stmt {
	return []*sql.Stmt{
		s.stmtGetConversation,
		s.stmtGetOwned,
		s.stmtInsertConversation,
		s.stmtInsertMessage,
		s.stmtRecentMessages,
		s.stmtCountUserMessages,
	}
}

// Close releases the prepared statements and the connection pool.
func (s *PostgresStore) Close() error {
	errs := make([]error, 0, 7)
	for _, stmt := range s.statements() {
		if stmt != nil {
			errs = append(errs, stmt.Close())
		}
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}

// GetOrCreate fetches an owned conversation or creates a new one titled
// from the seed message.
func (s *PostgresStore) GetOrCreate(ctx context.Context, userID uuid.UUID, existingID *uuid.UUID, seed string) (*models.Conversation, error) {
	if existingID != nil {
		conv := &models.Conversation{}
		err := s.stmtGetOwned.QueryRowContext(ctx, *existingID, userID).Scan(
			&conv.ID,
			&conv.UserID,
			&conv.Title,
			&conv.CreatedAt,
			&conv.UpdatedAt,
		)
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get conversation: %w", err)
		}
		return conv, nil
	}

	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:        uuid.New(),
		UserID:    userID,
		Title:     models.DeriveTitle(seed),
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.stmtInsertConversation.ExecContext(ctx,
		conv.ID,
		conv.UserID,
		conv.Title,
		conv.CreatedAt,
		conv.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	return conv, nil
}

// Get retrieves a conversation by id.
func (s *PostgresStore) Get(ctx context.Context, conversationID uuid.UUID) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := s.stmtGetConversation.QueryRowContext(ctx, conversationID).Scan(
		&conv.ID,
		&conv.UserID,
		&conv.Title,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

// AppendMessage inserts a message and bumps the conversation's UpdatedAt in
// one transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, conversationID uuid.UUID, role models.Role, content string) (*models.Message, error) {
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
		"UPDATE agent_conversations SET updated_at = $1 WHERE id = $2", now, conversationID)
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

	_, err = tx.StmtContext(ctx, s.stmtInsertMessage).ExecContext(ctx,
		msg.ID,
		msg.ConversationID,
		msg.Role,
		msg.Content,
		msg.CreatedAt,
		msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}

	return msg, nil
}

// RecentMessages returns the newest limit messages, oldest first.
func (s *PostgresStore) RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return []models.Message{}, nil
	}

	rows, err := s.stmtRecentMessages.QueryContext(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Query returns newest first; reverse to chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// ListByUser returns the user's conversations newest-updated first, each
// with its messages in chronological order.
func (s *PostgresStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.ConversationWithMessages, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM agent_conversations
		WHERE user_id = $1
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var result []models.ConversationWithMessages
	var ids []string
	index := map[uuid.UUID]int{}

	for rows.Next() {
		conv := models.Conversation{}
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		index[conv.ID] = len(result)
		ids = append(ids, conv.ID.String())
		result = append(result, models.ConversationWithMessages{Conversation: conv})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}

	if len(result) == 0 {
		return []models.ConversationWithMessages{}, nil
	}

	msgRows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, created_at
		FROM agent_messages
		WHERE conversation_id = ANY($1::uuid[])
		ORDER BY created_at ASC
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer msgRows.Close()

	messages, err := scanMessages(msgRows)
	if err != nil {
		return nil, err
	}

	for _, msg := range messages {
		if i, ok := index[msg.ConversationID]; ok {
			result[i].Messages = append(result[i].Messages, msg)
		}
	}

	return result, nil
}

// CountUserMessagesSince counts the user's own messages created at or after
// since, across all conversations.
func (s *PostgresStore) CountUserMessagesSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var count int
	if err := s.stmtCountUserMessages.QueryRowContext(ctx, userID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count user messages: %w", err)
	}
	return count, nil
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	var messages []models.Message
	for rows.Next() {
		msg := models.Message{}
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}
