package conversations

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/threadline-ai/threadline/pkg/models"
)

// maxMessagesPerConversation bounds in-memory history. The oldest messages
// are trimmed past the limit.
const maxMessagesPerConversation = 1000

// MemoryStore provides an in-memory Store for tests and ephemeral runs.
// Values are copied on the way in and out so callers can never alias
// internal state.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[uuid.UUID]*models.Conversation
	messages      map[uuid.UUID][]models.Message
}

// NewMemoryStore creates an empty in-memory conversation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: map[uuid.UUID]*models.Conversation{},
		messages:      map[uuid.UUID][]models.Message{},
	}
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, userID uuid.UUID, existingID *uuid.UUID, seed string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existingID != nil {
		conv, ok := m.conversations[*existingID]
		if !ok || conv.UserID != userID {
			return nil, ErrNotFound
		}
		clone := *conv
		return &clone, nil
	}

	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:        uuid.New(),
		UserID:    userID,
		Title:     models.DeriveTitle(seed),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.conversations[conv.ID] = conv

	clone := *conv
	return &clone, nil
}

func (m *MemoryStore) Get(ctx context.Context, conversationID uuid.UUID) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *conv
	return &clone, nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, conversationID uuid.UUID, role models.Role, content string) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}

	now := time.Now().UTC()
	msg := models.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	conv.UpdatedAt = now

	if len(m.messages[conversationID]) > maxMessagesPerConversation {
		excess := len(m.messages[conversationID]) - maxMessagesPerConversation
		m.messages[conversationID] = m.messages[conversationID][excess:]
	}

	clone := msg
	return &clone, nil
}

func (m *MemoryStore) RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return []models.Message{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := m.messages[conversationID]
	start := 0
	if len(messages) > limit {
		start = len(messages) - limit
	}

	out := make([]models.Message, len(messages)-start)
	copy(out, messages[start:])
	return out, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.ConversationWithMessages, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []models.ConversationWithMessages{}
	for id, conv := range m.conversations {
		if conv.UserID != userID {
			continue
		}
		messages := make([]models.Message, len(m.messages[id]))
		copy(messages, m.messages[id])
		result = append(result, models.ConversationWithMessages{
			Conversation: *conv,
			Messages:     messages,
		})
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Conversation.UpdatedAt.After(result[j].Conversation.UpdatedAt)
	})

	return result, nil
}

func (m *MemoryStore) CountUserMessagesSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for id, conv := range m.conversations {
		if conv.UserID != userID {
			continue
		}
		for _, msg := range m.messages[id] {
			if msg.Role == models.RoleUser && !msg.CreatedAt.Before(since) {
				count++
			}
		}
	}
	return count, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
