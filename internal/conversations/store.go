// Package conversations persists agent chat threads and their messages.
//
// Three implementations share one contract: Postgres for production, SQLite
// for single-node deployments, and an in-memory store for tests and
// ephemeral runs. Messages are immutable and totally ordered by creation
// time within their conversation; every append bumps the parent
// conversation's UpdatedAt in the same transaction.
package conversations

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/threadline-ai/threadline/pkg/models"
)

// ErrNotFound is returned when a conversation does not exist or is not
// owned by the requesting user.
var ErrNotFound = errors.New("conversation not found")

// Store is the interface for conversation persistence.
type Store interface {
	// GetOrCreate returns the conversation identified by existingID when it
	// belongs to userID, or creates a fresh one titled from seed when
	// existingID is nil. A non-nil existingID that does not resolve to a
	// conversation owned by userID yields ErrNotFound.
	GetOrCreate(ctx context.Context, userID uuid.UUID, existingID *uuid.UUID, seed string) (*models.Conversation, error)

	// Get returns a conversation by id regardless of owner. Used by the
	// persistence phase after streaming, where ownership was already
	// established.
	Get(ctx context.Context, conversationID uuid.UUID) (*models.Conversation, error)

	// AppendMessage stores one message and refreshes the conversation's
	// UpdatedAt atomically. ErrNotFound if the conversation row is gone.
	AppendMessage(ctx context.Context, conversationID uuid.UUID, role models.Role, content string) (*models.Message, error)

	// RecentMessages returns the newest limit messages in chronological
	// order. A non-positive limit returns an empty slice and no error.
	RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]models.Message, error)

	// ListByUser returns all of the user's conversations with their full
	// message lists, ordered newest-updated first.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.ConversationWithMessages, error)

	// CountUserMessagesSince counts user-role messages across all of the
	// user's conversations created at or after since. Drives daily quota
	// accounting.
	CountUserMessagesSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)

	// Close releases the store's resources.
	Close() error
}
