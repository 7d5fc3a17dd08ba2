// Package tools provides the built-in tools offered to the agent.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/threadline-ai/threadline/internal/observability"
)

// AlertAdminName is the function-calling identifier of the escalation tool.
const AlertAdminName = "alert_admin"

// MessageSender is the slice of the Telegram Bot API the escalation tool
// uses. *bot.Bot satisfies it.
type MessageSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
}

// AlertAdminConfig configures the escalation tool.
type AlertAdminConfig struct {
	// Token is the bot token from @BotFather.
	Token string

	// ChatID is the admin alerts chat, as a numeric id or @channelname.
	ChatID string
}

// AlertAdmin notifies administrators over Telegram when the agent cannot
// complete a task with the tools and context it has. The model is told to
// treat it as a last resort.
type AlertAdmin struct {
	sender MessageSender
	chatID string
	log    *observability.Logger
	now    func() time.Time
}

// NewAlertAdmin connects the tool to the Telegram Bot API. The initial
// getMe call is skipped so construction works offline.
func NewAlertAdmin(cfg AlertAdminConfig, logger *observability.Logger) (*AlertAdmin, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("alert_admin: telegram token is required")
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		return nil, fmt.Errorf("alert_admin: admin chat id is required")
	}
	b, err := bot.New(cfg.Token, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("alert_admin: create telegram bot: %w", err)
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &AlertAdmin{
		sender: b,
		chatID: cfg.ChatID,
		log:    logger.WithFields("component", "tools"),
		now:    time.Now,
	}, nil
}

func (t *AlertAdmin) Name() string { return AlertAdminName }

func (t *AlertAdmin) Description() string {
	return "Alert administrators via Telegram when the agent lacks context to complete a task. " +
		"Use sparingly, as an escape hatch when all other tools and approaches fail."
}

func (t *AlertAdmin) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"user_id": {
				"type": "string",
				"description": "The ID of the user for whom the task cannot be completed"
			},
			"issue_description": {
				"type": "string",
				"description": "Clear description of what the agent cannot accomplish and why"
			},
			"user_context": {
				"type": "string",
				"description": "Optional additional context about the user's request or situation"
			}
		},
		"required": ["user_id", "issue_description"]
	}`)
}

// UserParam names the argument the server binds to the authenticated user.
func (t *AlertAdmin) UserParam() string { return "user_id" }

// Display is the in-progress label streamed to clients while the alert
// sends.
func (t *AlertAdmin) Display(map[string]any) string {
	return "Escalating to an admin for help…"
}

type alertAdminArgs struct {
	UserID           string `json:"user_id"`
	IssueDescription string `json:"issue_description"`
	UserContext      string `json:"user_context"`
}

// Execute sends the escalation alert and reports the outcome to the model.
func (t *AlertAdmin) Execute(ctx context.Context, raw json.RawMessage) (any, error) {
	var args alertAdminArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}

	userContext := args.UserContext
	if userContext == "" {
		userContext = "None provided"
	}
	timestamp := t.now().UTC().Format("2006-01-02 15:04:05 UTC")

	message := fmt.Sprintf(`🚨 *Agent Escalation Alert* 🚨

*Issue:* %s

*User Context:*
%s

*Additional Context:*
%s

*Timestamp:* %s

\-\-\-
_This alert was generated when the agent could not resolve a user's request with available tools and context\._`,
		escapeMarkdownV2(args.IssueDescription),
		escapeMarkdownV2("User ID: "+args.UserID),
		escapeMarkdownV2(userContext),
		escapeMarkdownV2(timestamp),
	)

	msg, err := t.sender.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    t.chatID,
		Text:      message,
		ParseMode: tgmodels.ParseModeMarkdown,
	})
	if err != nil {
		t.log.Error(ctx, "admin alert failed",
			"user_id", args.UserID,
			"error", err,
		)
		return nil, fmt.Errorf("failed to send admin alert: %w; please contact support directly", err)
	}

	t.log.Info(ctx, "admin alert sent",
		"user_id", args.UserID,
		"message_id", msg.ID,
	)
	return map[string]any{
		"status":              "success",
		"message":             "Administrator has been alerted about the issue.",
		"telegram_message_id": msg.ID,
	}, nil
}

// markdownV2Specials are the characters Telegram's MarkdownV2 parse mode
// reserves.
const markdownV2Specials = "_*[]()~`>#+-=|{}.!"

func escapeMarkdownV2(text string) string {
	var out strings.Builder
	out.Grow(len(text))
	for _, r := range text {
		if strings.ContainsRune(markdownV2Specials, r) {
			out.WriteByte('\\')
		}
		out.WriteRune(r)
	}
	return out.String()
}
