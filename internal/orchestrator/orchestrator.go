// Package orchestrator drives one agent chat request from authenticated
// input to terminal wire event: quota enforcement, conversation setup,
// inference with layered fallbacks, persistence, and the ordered event
// stream the transports forward to clients.
//
// Each request is served by a worker goroutine producing internal messages
// and a consumer loop translating them into wire events with heartbeats.
// All per-request state (tool call tracking, token accumulation) lives in
// the request's own structures; nothing is shared across requests.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/threadline-ai/threadline/internal/agent"
	"github.com/threadline-ai/threadline/internal/conversations"
	"github.com/threadline-ai/threadline/internal/observability"
	"github.com/threadline-ai/threadline/internal/quota"
	"github.com/threadline-ai/threadline/internal/sanitize"
	"github.com/threadline-ai/threadline/internal/usage"
	"github.com/threadline-ai/threadline/pkg/models"
)

// Defaults applied when Config leaves the corresponding field zero.
const (
	DefaultHistoryLimit      = 20
	DefaultHeartbeatInterval = 10 * time.Second
)

// ToolFallbackMessage is the warning text sent when the tool-enabled
// streaming attempt fails and the request continues without tools.
const ToolFallbackMessage = "Tool-enabled streaming encountered an issue. Continuing without tools for this response."

// NoContextFallback fills the model's per-request context input when the
// client supplies none.
const NoContextFallback = "No additional context provided"

// fallbackNonStreaming is the metrics kind for the blocking-run fallback
// taken when streaming yields zero tokens.
const fallbackNonStreaming = "non_streaming"

// Config carries the orchestrator's tunables. Zero HistoryLimit and
// HeartbeatInterval take the package defaults.
type Config struct {
	// Model is the model identifier handed to the provider factory.
	Model string

	Temperature float64
	MaxTokens   int

	// Timeout bounds each individual completion call.
	Timeout time.Duration

	// MaxIterations caps the tool-calling loop per inference.
	MaxIterations int

	// ToolsEnabled offers registry tools to the model when true.
	ToolsEnabled bool

	// HistoryLimit bounds the recent-message window passed to the model and
	// returned in conversation snapshots.
	HistoryLimit int

	// HeartbeatInterval bounds stream silence before a keepalive is written.
	HeartbeatInterval time.Duration

	// EnforceQuota turns daily-limit breaches into request rejections. When
	// false a breach is logged and the request proceeds.
	EnforceQuota bool
}

// Deps carries the orchestrator's collaborators. Store, Enforcer, and
// NewProvider are required; the rest default to no-op or fresh instances.
type Deps struct {
	Store       conversations.Store
	Enforcer    *quota.Enforcer
	Registry    *agent.Registry
	NewProvider agent.ProviderFactory
	Sanitizer   *sanitize.Sanitizer
	Usage       *usage.Tracker
	Metrics     *observability.Metrics
	Tracer      *observability.Tracer
	Logger      *observability.Logger
}

// Orchestrator coordinates agent requests end to end. Safe for concurrent
// use; all mutable state is request-scoped.
type Orchestrator struct {
	cfg       Config
	store     conversations.Store
	enforcer  *quota.Enforcer
	registry  *agent.Registry
	factory   agent.ProviderFactory
	sanitizer *sanitize.Sanitizer
	usage     *usage.Tracker
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	log       *observability.Logger
}

// New validates deps and returns a ready orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if cfg.Model == "" {
		return nil, errors.New("orchestrator: model is required")
	}
	if deps.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if deps.Enforcer == nil {
		return nil, errors.New("orchestrator: quota enforcer is required")
	}
	if deps.NewProvider == nil {
		return nil, errors.New("orchestrator: provider factory is required")
	}

	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if deps.Sanitizer == nil {
		deps.Sanitizer = sanitize.New()
	}
	if deps.Logger == nil {
		deps.Logger = observability.NewLogger(observability.LogConfig{})
	}
	if deps.Tracer == nil {
		deps.Tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}

	return &Orchestrator{
		cfg:       cfg,
		store:     deps.Store,
		enforcer:  deps.Enforcer,
		registry:  deps.Registry,
		factory:   deps.NewProvider,
		sanitizer: deps.Sanitizer,
		usage:     deps.Usage,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		log:       deps.Logger.WithFields("component", "orchestrator"),
	}, nil
}

// RequestInput is one chat request after transport decoding.
type RequestInput struct {
	// Message is the user's message. Empty is accepted.
	Message string

	// ConversationID resumes an existing conversation when set; nil starts
	// a fresh one.
	ConversationID *uuid.UUID

	// Context is optional extra context for this request only.
	Context string
}

// Prepared is the outcome of the pre-stream phase: quota cleared, the
// conversation loaded or created, the user message recorded, and the
// bounded history window fetched. No store handle is retained; streaming
// and persistence run against fresh short-lived calls.
type Prepared struct {
	User         *models.User
	Conversation *models.Conversation

	// Window is the recent-message window, ending with the message just
	// recorded for this request.
	Window []models.Message

	// History is the model-facing view of Window: the current user message
	// is dropped because the session appends it itself.
	History []agent.CompletionMessage

	Message string
	Context string
}

// Prepare runs the pre-stream phase. Errors map onto transport responses
// (quota.QuotaExceededError, conversations.ErrNotFound, internal failure);
// once Prepare returns successfully nothing can reject the request anymore.
func (o *Orchestrator) Prepare(ctx context.Context, user *models.User, in RequestInput) (*Prepared, error) {
	if user == nil {
		return nil, errors.New("orchestrator: user is required")
	}

	// Quota before any write: a rejected request must not record messages
	// or create conversations.
	if _, err := o.enforcer.Check(ctx, user.ID, user.Tier, o.cfg.EnforceQuota); err != nil {
		if qe, ok := quota.GetQuotaExceeded(err); ok && o.metrics != nil {
			o.metrics.RecordQuotaRejection(qe.Status.Tier)
		}
		return nil, err
	}

	conv, err := o.store.GetOrCreate(ctx, user.ID, in.ConversationID, in.Message)
	if err != nil {
		return nil, err
	}

	if _, err := o.store.AppendMessage(ctx, conv.ID, models.RoleUser, in.Message); err != nil {
		return nil, err
	}

	window, err := o.store.RecentMessages(ctx, conv.ID, o.cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}

	history := make([]agent.CompletionMessage, 0, len(window))
	for _, m := range window {
		history = append(history, agent.CompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	// The window ends with the message recorded above; the session appends
	// the current message itself, so the trailing copy is dropped.
	if n := len(history); n > 0 && history[n-1].Role == agent.RoleUser && history[n-1].Content == in.Message {
		history = history[:n-1]
	}

	reqContext := in.Context
	if reqContext == "" {
		reqContext = NoContextFallback
	}

	o.log.Debug(ctx, "request prepared",
		"user_id", user.ID.String(),
		"conversation_id", conv.ID.String(),
		"history_messages", len(history),
	)

	return &Prepared{
		User:         user,
		Conversation: conv,
		Window:       window,
		History:      history,
		Message:      in.Message,
		Context:      reqContext,
	}, nil
}

// boundTools returns the registry tools with the caller's identity bound
// in, or nil when tool calling is off.
func (o *Orchestrator) boundTools(userID uuid.UUID) []agent.Tool {
	if !o.cfg.ToolsEnabled || o.registry == nil {
		return nil
	}
	return agent.BindUser(o.registry.List(), userID.String())
}

func (o *Orchestrator) newSession(tools []agent.Tool, tracker *agent.Tracker) (*agent.Session, error) {
	return agent.NewSession(agent.Options{
		Model:         o.cfg.Model,
		Temperature:   o.cfg.Temperature,
		MaxTokens:     o.cfg.MaxTokens,
		MaxIterations: o.cfg.MaxIterations,
		Timeout:       o.cfg.Timeout,
		Tools:         tools,
		Tracker:       tracker,
		NewProvider:   o.factory,
		Logger:        o.log,
	})
}

func (o *Orchestrator) inputs(p *Prepared) agent.Inputs {
	return agent.Inputs{History: p.History, Message: p.Message, Context: p.Context}
}

// recordAttempt books one inference attempt into metrics and the usage
// tracker. Failed attempts still consumed tokens and are recorded.
func (o *Orchestrator) recordAttempt(sess *agent.Session, userID uuid.UUID, started time.Time, runErr error) {
	status := "success"
	if runErr != nil {
		status = "error"
	}
	if o.metrics != nil {
		o.metrics.RecordLLMRequest(sess.Provider(), o.cfg.Model, status, time.Since(started).Seconds())
	}
	if o.usage != nil {
		u := sess.Usage()
		if u.InputTokens > 0 || u.OutputTokens > 0 {
			o.usage.Record(usage.Record{
				Provider: sess.Provider(),
				Model:    o.cfg.Model,
				UserID:   userID,
				Usage:    usage.Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens},
			})
		}
	}
}

// recordToolMetrics books completed tool invocations off their lifecycle
// events.
func (o *Orchestrator) recordToolMetrics(ev models.StreamEvent) {
	if o.metrics == nil || ev.DurationMS == nil {
		return
	}
	switch ev.Type {
	case models.StreamEventToolEnd:
		o.metrics.RecordToolExecution(ev.ToolName, models.ToolStatusSuccess, float64(*ev.DurationMS)/1000)
	case models.StreamEventToolError:
		o.metrics.RecordToolExecution(ev.ToolName, models.ToolStatusError, float64(*ev.DurationMS)/1000)
	}
}
