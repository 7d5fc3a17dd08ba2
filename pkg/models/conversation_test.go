package models

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "short message unchanged",
			input: "Hello there",
			want:  "Hello there",
		},
		{
			name:  "whitespace collapsed",
			input: "  What   is\n\tthe answer?  ",
			want:  "What is the answer?",
		},
		{
			name:  "empty message",
			input: "",
			want:  "",
		},
		{
			name:  "long message truncated with ellipsis",
			input: strings.Repeat("a", 120),
			want:  strings.Repeat("a", 80) + "...",
		},
		{
			name:  "exactly eighty characters untouched",
			input: strings.Repeat("b", 80),
			want:  strings.Repeat("b", 80),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveTitle(tt.input); got != tt.want {
				t.Errorf("DeriveTitle(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestDeriveTitleCountsRunes(t *testing.T) {
	input := strings.Repeat("é", 100)
	got := DeriveTitle(input)
	want := strings.Repeat("é", 80) + "..."
	if got != want {
		t.Errorf("DeriveTitle multibyte = %q, want %q", got, want)
	}
}

func TestNewSnapshot(t *testing.T) {
	conv := &Conversation{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Title:     "Test chat",
		UpdatedAt: time.Now().UTC(),
	}

	messages := make([]Message, 5)
	for i := range messages {
		messages[i] = Message{
			ID:             uuid.New(),
			ConversationID: conv.ID,
			Role:           RoleUser,
			Content:        string(rune('a' + i)),
			CreatedAt:      time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
	}

	t.Run("window keeps newest messages", func(t *testing.T) {
		snap := NewSnapshot(conv, messages, 2)
		if len(snap.Messages) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(snap.Messages))
		}
		if snap.Messages[0].Content != "d" || snap.Messages[1].Content != "e" {
			t.Errorf("expected last two messages, got %q %q", snap.Messages[0].Content, snap.Messages[1].Content)
		}
	})

	t.Run("zero limit yields empty window", func(t *testing.T) {
		snap := NewSnapshot(conv, messages, 0)
		if len(snap.Messages) != 0 {
			t.Errorf("expected empty window, got %d messages", len(snap.Messages))
		}
	})

	t.Run("limit larger than history keeps all", func(t *testing.T) {
		snap := NewSnapshot(conv, messages, 50)
		if len(snap.Messages) != len(messages) {
			t.Errorf("expected %d messages, got %d", len(messages), len(snap.Messages))
		}
	})

	t.Run("empty title falls back", func(t *testing.T) {
		untitled := &Conversation{ID: uuid.New()}
		snap := NewSnapshot(untitled, nil, 10)
		if snap.Title != UntitledFallback {
			t.Errorf("expected %q, got %q", UntitledFallback, snap.Title)
		}
	})
}
