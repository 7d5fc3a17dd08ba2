// Package models provides domain types shared across the Threadline service.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MaxTitleLength bounds derived conversation titles; longer first messages
// are cut at this many characters and suffixed with "...".
const MaxTitleLength = 80

// UntitledFallback is shown for conversations persisted without a title.
const UntitledFallback = "Untitled chat"

// Conversation is a container for one agent chat thread.
type Conversation struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a single immutable entry within a conversation. Messages are
// totally ordered by CreatedAt within their conversation.
type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationWithMessages pairs a conversation with its messages in
// chronological order, as loaded by history listings.
type ConversationWithMessages struct {
	Conversation Conversation
	Messages     []Message
}

// SnapshotMessage is the client-facing projection of a Message inside a
// conversation snapshot or history unit.
type SnapshotMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationSnapshot is the windowed view of a conversation sent to
// clients: on the wire as the `conversation` stream event, in the
// non-streaming response body, and as one unit of /agent/history.
type ConversationSnapshot struct {
	ID        uuid.UUID         `json:"id"`
	Title     string            `json:"title"`
	UpdatedAt time.Time         `json:"updated_at"`
	Messages  []SnapshotMessage `json:"conversation"`
}

// NewSnapshot builds a snapshot limited to the last historyLimit messages.
// A non-positive limit yields an empty message window, not the full history.
func NewSnapshot(conv *Conversation, messages []Message, historyLimit int) ConversationSnapshot {
	var window []Message
	if historyLimit > 0 {
		window = messages
		if len(window) > historyLimit {
			window = window[len(window)-historyLimit:]
		}
	}

	title := conv.Title
	if title == "" {
		title = UntitledFallback
	}

	snap := ConversationSnapshot{
		ID:        conv.ID,
		Title:     title,
		UpdatedAt: conv.UpdatedAt,
		Messages:  make([]SnapshotMessage, 0, len(window)),
	}
	for _, m := range window {
		snap.Messages = append(snap.Messages, SnapshotMessage{
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	return snap
}

// DeriveTitle produces a conversation title from the first user message:
// internal whitespace collapsed, truncated to MaxTitleLength characters with
// a trailing "..." when longer. Truncation counts runes, not bytes.
func DeriveTitle(firstMessage string) string {
	condensed := strings.Join(strings.Fields(firstMessage), " ")
	runes := []rune(condensed)
	if len(runes) > MaxTitleLength {
		return string(runes[:MaxTitleLength]) + "..."
	}
	return condensed
}
