package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/threadline-ai/threadline/internal/agent"
	"github.com/threadline-ai/threadline/internal/observability"
	"github.com/threadline-ai/threadline/internal/usage"
	"github.com/threadline-ai/threadline/pkg/models"
)

// Result is the non-streaming endpoint's outcome. Always usable: failures
// after Prepare fill Response with the user-safe text and Reasoning with
// the error summary instead of propagating.
type Result struct {
	Response       string
	Reasoning      string
	UserID         uuid.UUID
	ConversationID uuid.UUID

	// Conversation is the post-persistence snapshot; nil when the request
	// failed before the assistant message was recorded.
	Conversation *models.ConversationSnapshot

	// Usage is the token accounting for the run, surfaced as a response
	// header by the transport.
	Usage usage.Usage
}

// Respond executes the non-streaming path: one blocking inference with
// tools, persistence, snapshot. Prepare-phase failures are the transport's
// to map; failures here degrade to a well-formed Result rather than an
// error so the client always gets a parseable body.
func (o *Orchestrator) Respond(ctx context.Context, p *Prepared) *Result {
	ctx, span := o.tracer.TraceAgentRequest(ctx, p.User.ID.String(), p.Conversation.ID.String())
	defer span.End()
	defer o.tracer.FlushAsync(o.log)

	ctx = observability.WithConversationID(ctx, p.Conversation.ID.String())

	res := &Result{
		UserID:         p.User.ID,
		ConversationID: p.Conversation.ID,
	}

	started := time.Now()
	tools := o.boundTools(p.User.ID)
	tracker := agent.NewTracker(o.recordToolMetrics, o.sanitizer)

	pred, tokens, err := o.runBlockingAttempt(ctx, p, tools, tracker)
	if err != nil {
		return o.failResult(ctx, res, err)
	}

	res.Response = pred.Response
	res.Reasoning = pred.Reasoning
	res.Usage = usage.Usage{InputTokens: tokens.InputTokens, OutputTokens: tokens.OutputTokens}

	msg, err := o.store.AppendMessage(ctx, p.Conversation.ID, models.RoleAssistant, pred.Response)
	if err != nil {
		return o.failResult(ctx, res, err)
	}

	conv := *p.Conversation
	conv.UpdatedAt = msg.CreatedAt

	window := make([]models.Message, 0, len(p.Window)+1)
	window = append(window, p.Window...)
	window = append(window, *msg)

	snap := models.NewSnapshot(&conv, window, o.cfg.HistoryLimit)
	res.Conversation = &snap

	o.log.Info(ctx, "agent request complete",
		"user_id", p.User.ID.String(),
		"response_chars", len(res.Response),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return res
}

// failResult degrades a failed request into the apology response. The
// conversation id survives so the client can retry in place.
func (o *Orchestrator) failResult(ctx context.Context, res *Result, err error) *Result {
	o.log.Error(ctx, "agent request failed",
		"error", err,
		"user_id", res.UserID.String(),
	)
	o.tracer.RecordError(trace.SpanFromContext(ctx), err)

	res.Response = models.TerminalError
	res.Reasoning = fmt.Sprintf("Error: %v", err)
	res.Conversation = nil
	return res
}
