package auth

import (
	"context"

	"github.com/threadline-ai/threadline/pkg/models"
)

type ctxKey int

const userKey ctxKey = iota

// WithUser stashes the authenticated user in the request context.
func WithUser(ctx context.Context, user *models.User) context.Context {
	if user == nil {
		return ctx
	}
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the authenticated user, if any.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	u, ok := ctx.Value(userKey).(*models.User)
	return u, ok
}
