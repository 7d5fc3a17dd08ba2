package models

import "github.com/google/uuid"

// User is an authenticated principal. Tier feeds quota enforcement and is
// empty for callers whose credential carries no subscription information.
type User struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email,omitempty"`
	Tier  string    `json:"tier,omitempty"`
}
