package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/threadline-ai/threadline/internal/agent"
	"github.com/threadline-ai/threadline/internal/conversations"
	"github.com/threadline-ai/threadline/internal/observability"
	"github.com/threadline-ai/threadline/pkg/models"
)

// Sink receives the ordered wire events of one stream. Implementations
// write SSE frames; returning an error aborts the stream (client gone).
type Sink interface {
	Send(event models.StreamEvent) error
	Heartbeat() error
}

// eventChannelBuffer sizes the worker-to-consumer channel. The consumer
// drains continuously, so the buffer only smooths bursts.
const eventChannelBuffer = 64

// persistTimeout bounds the post-stream persistence phase, which runs
// detached from the request context so a disconnecting client cannot
// strand a generated response.
const persistTimeout = 10 * time.Second

type workerMsgKind int

const (
	msgEvent workerMsgKind = iota
	msgFinalResponse
	msgWorkerError
	msgWorkerDone
)

// workerMsg is one internal message from the worker goroutine. The worker
// never dies silently: every exit enqueues msgWorkerDone, preceded by
// msgWorkerError or msgFinalResponse.
type workerMsg struct {
	kind  workerMsgKind
	event models.StreamEvent
	text  string
	err   error
}

// Stream runs the inference worker and forwards its events to sink until
// the terminal event. Exactly one done or error event closes every stream;
// failures after the stream opened surface as the error event with
// user-safe text while the detail is logged.
//
// The request context is the cancellation path: a disconnected client
// cancels the worker and any in-flight provider stream. The quota charge
// for the request stands.
func (o *Orchestrator) Stream(ctx context.Context, p *Prepared, sink Sink) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctx, span := o.tracer.TraceAgentRequest(ctx, p.User.ID.String(), p.Conversation.ID.String())
	defer span.End()
	defer o.tracer.FlushAsync(o.log)

	// Log correlation for everything below, including the detached
	// persistence phase.
	ctx = observability.WithConversationID(ctx, p.Conversation.ID.String())

	if o.metrics != nil {
		o.metrics.ActiveStreams.Inc()
		defer o.metrics.ActiveStreams.Dec()
	}
	started := time.Now()

	send := func(ev models.StreamEvent) bool {
		if o.metrics != nil {
			o.metrics.RecordStreamEvent(string(ev.Type))
		}
		if err := sink.Send(ev); err != nil {
			o.log.Warn(ctx, "client gone, aborting stream", "error", err)
			cancel()
			return false
		}
		return true
	}

	tools := o.boundTools(p.User.ID)
	toolNames := make([]string, 0, len(tools))
	for _, tool := range tools {
		toolNames = append(toolNames, tool.Name())
	}
	toolsEnabled := len(tools) > 0

	title := p.Conversation.Title
	if title == "" {
		title = models.UntitledFallback
	}
	if !send(models.StreamEvent{
		Type:              models.StreamEventStart,
		UserID:            p.User.ID.String(),
		ConversationID:    p.Conversation.ID.String(),
		ConversationTitle: title,
		ToolsEnabled:      &toolsEnabled,
		ToolNames:         toolNames,
	}) {
		return
	}

	msgs := make(chan workerMsg, eventChannelBuffer)
	go o.runWorker(ctx, p, tools, msgs)

	interval := o.cfg.HeartbeatInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	var finalResponse string
loop:
	for {
		select {
		case m := <-msgs:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(interval)

			switch m.kind {
			case msgEvent:
				if !send(m.event) {
					return
				}
			case msgFinalResponse:
				finalResponse = m.text
			case msgWorkerError:
				o.tracer.RecordError(span, m.err)
				send(models.StreamEvent{Type: models.StreamEventError, Message: models.TerminalError})
				return
			case msgWorkerDone:
				break loop
			}
		case <-timer.C:
			if err := sink.Heartbeat(); err != nil {
				o.log.Warn(ctx, "client gone during heartbeat", "error", err)
				return
			}
			timer.Reset(interval)
		}
	}

	if finalResponse != "" {
		o.persistAssistant(ctx, p, finalResponse, send)
	}
	send(models.StreamEvent{Type: models.StreamEventDone})

	o.log.Info(ctx, "stream complete",
		"user_id", p.User.ID.String(),
		"response_chars", len(finalResponse),
		"duration_ms", time.Since(started).Milliseconds(),
	)
}

// runWorker drives the inference attempts on the worker goroutine. Every
// exit path enqueues msgWorkerDone; consumer-side cancellation unblocks
// any pending enqueue.
func (o *Orchestrator) runWorker(ctx context.Context, p *Prepared, tools []agent.Tool, msgs chan<- workerMsg) {
	emit := func(m workerMsg) {
		select {
		case msgs <- m:
		case <-ctx.Done():
		}
	}
	defer emit(workerMsg{kind: msgWorkerDone})

	emitEvent := func(ev models.StreamEvent) {
		emit(workerMsg{kind: msgEvent, event: ev})
	}
	tracker := agent.NewTracker(func(ev models.StreamEvent) {
		o.recordToolMetrics(ev)
		emitEvent(ev)
	}, o.sanitizer)

	text, err := o.runAttempts(ctx, p, tools, tracker, emitEvent)
	if err != nil {
		o.log.Error(ctx, "all inference attempts failed",
			"error", err,
			"user_id", p.User.ID.String(),
		)
		emit(workerMsg{kind: msgWorkerError, err: err})
		return
	}
	emit(workerMsg{kind: msgFinalResponse, text: text})
}

// runAttempts executes the fallback ladder: streaming with tools, streaming
// without tools after a tool-path failure, and a blocking run when
// streaming produced no tokens at all. Tokens accumulate across attempts.
func (o *Orchestrator) runAttempts(ctx context.Context, p *Prepared, tools []agent.Tool, tracker *agent.Tracker, emitEvent func(models.StreamEvent)) (string, error) {
	var response strings.Builder

	err := o.runStreamingAttempt(ctx, p, tools, tracker, &response, emitEvent)
	if err != nil && len(tools) > 0 {
		o.log.Warn(ctx, "tool-enabled streaming failed, retrying without tools", "error", err)
		if o.metrics != nil {
			o.metrics.RecordFallback(models.WarningToolFallback)
		}
		emitEvent(models.StreamEvent{
			Type:    models.StreamEventWarning,
			Code:    models.WarningToolFallback,
			Message: ToolFallbackMessage,
		})
		err = o.runStreamingAttempt(ctx, p, nil, nil, &response, emitEvent)
	}
	if err != nil {
		return "", err
	}

	if response.Len() == 0 {
		// Streaming succeeded but yielded nothing; one blocking run with
		// the original tool set recovers the answer as a single token.
		o.log.Info(ctx, "streaming produced no tokens, falling back to blocking run")
		if o.metrics != nil {
			o.metrics.RecordFallback(fallbackNonStreaming)
		}
		pred, _, err := o.runBlockingAttempt(ctx, p, tools, tracker)
		if err != nil {
			return "", err
		}
		response.WriteString(pred.Response)
		emitEvent(models.StreamEvent{Type: models.StreamEventToken, Content: pred.Response})
	}

	return response.String(), nil
}

// runStreamingAttempt builds a session and drives one streaming inference.
// Tokens append to response and go out as token events. The deltas channel
// is always fully drained so the session goroutine can finish even after
// cancellation.
func (o *Orchestrator) runStreamingAttempt(ctx context.Context, p *Prepared, tools []agent.Tool, tracker *agent.Tracker, response *strings.Builder, emitEvent func(models.StreamEvent)) error {
	sess, err := o.newSession(tools, tracker)
	if err != nil {
		return err
	}

	ctx, span := o.tracer.TraceLLMRequest(ctx, sess.Provider(), o.cfg.Model)
	defer span.End()

	started := time.Now()
	deltas, err := sess.RunStreaming(ctx, o.inputs(p))
	if err != nil {
		o.tracer.RecordError(span, err)
		return err
	}

	for delta := range deltas {
		if delta.Err != nil {
			err = delta.Err
			continue
		}
		response.WriteString(delta.Token)
		emitEvent(models.StreamEvent{Type: models.StreamEventToken, Content: delta.Token})
	}

	o.recordAttempt(sess, p.User.ID, started, err)
	if err != nil {
		o.tracer.RecordError(span, err)
	}
	return err
}

// runBlockingAttempt builds a session and executes one non-streaming run.
func (o *Orchestrator) runBlockingAttempt(ctx context.Context, p *Prepared, tools []agent.Tool, tracker *agent.Tracker) (*agent.Prediction, agent.Usage, error) {
	sess, err := o.newSession(tools, tracker)
	if err != nil {
		return nil, agent.Usage{}, err
	}

	ctx, span := o.tracer.TraceLLMRequest(ctx, sess.Provider(), o.cfg.Model)
	defer span.End()

	started := time.Now()
	pred, err := sess.Run(ctx, o.inputs(p))
	o.recordAttempt(sess, p.User.ID, started, err)
	if err != nil {
		o.tracer.RecordError(span, err)
		return nil, agent.Usage{}, err
	}
	return pred, sess.Usage(), nil
}

// persistAssistant records the assistant message and emits the conversation
// snapshot. Runs detached from the request context: once a response exists
// it is written even if the client is gone. A conversation that vanished
// since Prepare is logged and skipped; the stream still ends with done.
func (o *Orchestrator) persistAssistant(ctx context.Context, p *Prepared, response string, send func(models.StreamEvent) bool) {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	conv, err := o.store.Get(storeCtx, p.Conversation.ID)
	if err != nil {
		if errors.Is(err, conversations.ErrNotFound) {
			o.log.Error(ctx, "conversation vanished before assistant message could be recorded")
		} else {
			o.log.Error(ctx, "failed to reload conversation for persistence", "error", err)
		}
		return
	}

	msg, err := o.store.AppendMessage(storeCtx, conv.ID, models.RoleAssistant, response)
	if err != nil {
		o.log.Error(ctx, "failed to record assistant message", "error", err)
		return
	}
	conv.UpdatedAt = msg.CreatedAt

	window := make([]models.Message, 0, len(p.Window)+1)
	window = append(window, p.Window...)
	window = append(window, *msg)

	snap := models.NewSnapshot(conv, window, o.cfg.HistoryLimit)
	send(models.StreamEvent{Type: models.StreamEventConversation, Conversation: &snap})
}
