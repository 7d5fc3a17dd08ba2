package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/threadline-ai/threadline/internal/agent"
)

// defaultAnthropicMaxTokens caps generation when the request leaves
// MaxTokens unset; the Anthropic API requires an explicit value.
const defaultAnthropicMaxTokens = 4096

// maxIdleEvents is the number of consecutive no-op stream events
// tolerated before the stream is treated as malformed and terminated.
const maxIdleEvents = 300

// AnthropicProvider implements agent.LLMProvider for the Anthropic Messages
// API using the official SDK.
//
// The provider owns two translations. Outbound, internal messages become
// Anthropic content blocks: the system prompt travels out-of-band, tool
// results ride as tool_result blocks inside user messages, and assistant
// tool calls become tool_use blocks. Inbound, the SSE event sequence is
// folded into completion chunks: text and thinking deltas pass through
// immediately, tool input JSON accumulates until its content block closes,
// and usage is collected from the message_start and message_delta frames.
//
// Stream opens are retried with linear backoff for retryable failures.
// Safe for concurrent use; every Complete call owns an independent stream
// and goroutine.
type AnthropicProvider struct {
	BaseProvider
	client anthropic.Client
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	// APIKey authenticates against the Anthropic API (required).
	APIKey string

	// BaseURL overrides the default API endpoint. Usually empty.
	BaseURL string

	// MaxRetries bounds attempts to open the stream. Default 3.
	MaxRetries int

	// RetryDelay is the linear backoff base between attempts. Default 1s.
	RetryDelay time.Duration
}

// NewAnthropicProvider builds a provider backed by the official SDK client.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		BaseProvider: NewBaseProvider("anthropic", config.MaxRetries, config.RetryDelay),
		client:       anthropic.NewClient(options...),
	}, nil
}

// SupportsTools reports tool-calling support; all served Claude models
// accept tool definitions.
func (p *AnthropicProvider) SupportsTools() bool {
	return true
}

// Complete opens a streaming Messages request and returns the chunk
// channel. The returned error covers request construction and stream-open
// failures after retries; errors during streaming arrive in-band on the
// chunks.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	err = p.Retry(ctx, IsRetryable, func() error {
		s := p.client.Messages.NewStreaming(ctx, params)
		if err := s.Err(); err != nil {
			return p.wrapError(err, req.Model)
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks, req.Model)
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	return params, nil
}

// processStream folds the SSE event sequence into completion chunks.
//
// A tool call spans several events: content_block_start carries the id and
// name, input_json_delta fragments stream the arguments, and
// content_block_stop finalizes the call. Only the finalized call is
// emitted. Usage arrives split across message_start (input) and
// message_delta (output) and is reported on the Done chunk. Context
// cancellation surfaces as an in-band error chunk.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	var (
		pendingCall *agent.ToolCall
		pendingArgs strings.Builder
		thinking    bool
		idleEvents  int

		inputTokens, outputTokens int
	)

	flushCall := func() {
		args := pendingArgs.String()
		if args == "" {
			args = "{}"
		}
		pendingCall.Args = json.RawMessage(args)
		chunks <- &agent.CompletionChunk{ToolCall: pendingCall}
		pendingCall = nil
	}

	for stream.Next() {
		if err := ctx.Err(); err != nil {
			chunks <- &agent.CompletionChunk{Error: err}
			return
		}

		event := stream.Current()
		handled := false

		switch event.Type {
		case "message_start":
			if u := event.AsMessageStart().Message.Usage; u.InputTokens > 0 {
				inputTokens = int(u.InputTokens)
			}
			handled = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				thinking = true
				handled = true
			case "tool_use":
				use := block.AsToolUse()
				pendingCall = &agent.ToolCall{ID: use.ID, Name: use.Name}
				pendingArgs.Reset()
				handled = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &agent.CompletionChunk{Text: delta.Text}
					handled = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- &agent.CompletionChunk{Thinking: delta.Thinking}
					handled = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					pendingArgs.WriteString(delta.PartialJSON)
					handled = true
				}
			}

		case "content_block_stop":
			if thinking {
				thinking = false
				handled = true
			} else if pendingCall != nil {
				flushCall()
				handled = true
			}

		case "message_delta":
			if u := event.AsMessageDelta().Usage; u.OutputTokens > 0 {
				outputTokens = int(u.OutputTokens)
			}
			handled = true

		case "message_stop":
			chunks <- &agent.CompletionChunk{
				Done:         true,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			}
			return

		case "error":
			chunks <- &agent.CompletionChunk{
				Error: p.wrapError(errors.New("anthropic stream error"), model),
			}
			return
		}

		// Streams that flood no-op events would otherwise spin here
		// indefinitely.
		if handled {
			idleEvents = 0
			continue
		}
		if idleEvents++; idleEvents >= maxIdleEvents {
			chunks <- &agent.CompletionChunk{
				Error: p.wrapError(
					fmt.Errorf("stream appears malformed: %d consecutive empty events", idleEvents),
					model,
				),
			}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.CompletionChunk{Error: p.wrapError(err, model)}
	}
}

// convertMessages translates internal messages to Anthropic message params.
// System messages are dropped here; the system prompt is carried in
// MessageNewParams.System. Tool-role messages become user messages holding
// a tool_result block, per the Messages API shape.
func (p *AnthropicProvider) convertMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == agent.RoleSystem {
			continue
		}

		blocks, err := contentBlocks(msg)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			continue
		}

		if msg.Role == agent.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out, nil
}

func contentBlocks(msg agent.CompletionMessage) ([]anthropic.ContentBlockParamUnion, error) {
	var blocks []anthropic.ContentBlockParamUnion

	if msg.Role == agent.RoleTool {
		blocks = append(blocks, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
	} else if msg.Content != "" {
		blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
	}

	for _, call := range msg.ToolCalls {
		var input map[string]any
		if err := json.Unmarshal(call.Args, &input); err != nil {
			return nil, fmt.Errorf("invalid arguments for tool call %s: %w", call.Name, err)
		}
		blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, call.Name))
	}
	return blocks, nil
}

// convertTools translates tool definitions to Anthropic tool params.
func (p *AnthropicProvider) convertTools(tools []agent.Tool) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name(), err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name())
		}
		param.OfTool.Description = anthropic.String(tool.Description())

		out = append(out, param)
	}
	return out, nil
}

type anthropicErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

// decodeFailure pulls the API error type, message and request id out of the
// SDK error's raw body. Zero values where the body is absent or malformed.
func decodeFailure(apiErr *anthropic.Error) (message, code, requestID string) {
	requestID = apiErr.RequestID
	raw := apiErr.RawJSON()
	if raw == "" {
		return
	}
	var payload anthropicErrorBody
	if json.Unmarshal([]byte(raw), &payload) != nil {
		return
	}
	message = payload.Error.Message
	code = payload.Error.Type
	if payload.RequestID != "" {
		requestID = payload.RequestID
	}
	return
}

// wrapError converts SDK errors into ProviderError, decoding the API error
// body for its type, message, and request id when present.
func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil || IsProviderError(err) {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError(p.Name(), model, err)
	}

	perr := &ProviderError{
		Provider: p.Name(),
		Model:    model,
		Cause:    err,
		Reason:   ReasonUnknown,
	}
	perr = perr.WithStatus(apiErr.StatusCode)

	message, code, requestID := decodeFailure(apiErr)
	if message != "" {
		perr = perr.WithMessage(message)
	} else if perr.Message == "" {
		perr.Message = "anthropic request failed"
	}
	if code != "" {
		perr = perr.WithCode(code)
	}
	if requestID != "" {
		perr = perr.WithRequestID(requestID)
	}
	return perr
}
