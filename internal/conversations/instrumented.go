package conversations

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/threadline-ai/threadline/internal/observability"
	"github.com/threadline-ai/threadline/pkg/models"
)

// instrumentedStore wraps a Store with per-operation duration metrics and
// trace spans. Behavior is otherwise identical to the wrapped store.
type instrumentedStore struct {
	next    Store
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// NewInstrumented decorates store with query metrics and tracing. A nil
// metrics or tracer disables that half of the instrumentation.
func NewInstrumented(store Store, metrics *observability.Metrics, tracer *observability.Tracer) Store {
	if metrics == nil && tracer == nil {
		return store
	}
	return &instrumentedStore{next: store, metrics: metrics, tracer: tracer}
}

// observe opens a span for one store operation and returns the context to
// run it under plus the closer that records duration and any error.
func (s *instrumentedStore) observe(ctx context.Context, operation string) (context.Context, func(error)) {
	started := time.Now()

	var end func(error)
	if s.tracer != nil {
		spanCtx, span := s.tracer.TraceStoreQuery(ctx, operation)
		ctx = spanCtx
		end = func(err error) {
			s.tracer.RecordError(span, err)
			span.End()
		}
	}

	return ctx, func(err error) {
		if s.metrics != nil {
			s.metrics.RecordStoreQuery(operation, time.Since(started).Seconds())
		}
		if end != nil {
			end(err)
		}
	}
}

func (s *instrumentedStore) GetOrCreate(ctx context.Context, userID uuid.UUID, existingID *uuid.UUID, seed string) (*models.Conversation, error) {
	ctx, done := s.observe(ctx, "get_or_create")
	conv, err := s.next.GetOrCreate(ctx, userID, existingID, seed)
	done(err)
	return conv, err
}

func (s *instrumentedStore) Get(ctx context.Context, conversationID uuid.UUID) (*models.Conversation, error) {
	ctx, done := s.observe(ctx, "get")
	conv, err := s.next.Get(ctx, conversationID)
	done(err)
	return conv, err
}

func (s *instrumentedStore) AppendMessage(ctx context.Context, conversationID uuid.UUID, role models.Role, content string) (*models.Message, error) {
	ctx, done := s.observe(ctx, "append_message")
	msg, err := s.next.AppendMessage(ctx, conversationID, role, content)
	done(err)
	return msg, err
}

func (s *instrumentedStore) RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]models.Message, error) {
	ctx, done := s.observe(ctx, "recent_messages")
	msgs, err := s.next.RecentMessages(ctx, conversationID, limit)
	done(err)
	return msgs, err
}

func (s *instrumentedStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.ConversationWithMessages, error) {
	ctx, done := s.observe(ctx, "list_by_user")
	convs, err := s.next.ListByUser(ctx, userID)
	done(err)
	return convs, err
}

func (s *instrumentedStore) CountUserMessagesSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	ctx, done := s.observe(ctx, "count_user_messages")
	count, err := s.next.CountUserMessagesSince(ctx, userID, since)
	done(err)
	return count, err
}

func (s *instrumentedStore) Close() error {
	return s.next.Close()
}
