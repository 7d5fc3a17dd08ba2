package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/threadline-ai/threadline/internal/agent"
)

// OpenAICompatProvider implements agent.LLMProvider against any endpoint
// speaking the OpenAI chat-completions protocol. One implementation serves
// OpenAI itself, Groq, Cerebras, Perplexity, and Gemini's compatibility
// endpoint; only the base URL and credential differ per family.
//
// Protocol notes this implementation depends on:
//   - The system prompt travels as the first message in the array, unlike
//     Anthropic's out-of-band system field.
//   - Tool calls stream as fragments keyed by index and must be
//     accumulated; FinishReason "tool_calls" marks the set complete.
//   - Each tool result is its own "tool" role message linked by
//     tool_call_id.
//   - With stream_options.include_usage, the final data frame carries the
//     request's token usage and an empty choice list.
//
// Safe for concurrent use; every Complete call owns an independent stream
// and goroutine.
type OpenAICompatProvider struct {
	BaseProvider
	client *openai.Client
}

// OpenAICompatConfig configures one OpenAI-compatible provider instance.
type OpenAICompatConfig struct {
	// Name is the provider family identifier, e.g. "openai" or "groq".
	Name string

	// APIKey authenticates against the endpoint (required).
	APIKey string

	// BaseURL points at the family's endpoint. Empty uses the SDK default
	// (api.openai.com).
	BaseURL string

	// MaxRetries bounds attempts to open the stream. Default 3.
	MaxRetries int

	// RetryDelay is the linear backoff base between attempts. Default 1s.
	RetryDelay time.Duration
}

// NewOpenAICompatProvider builds a provider for one OpenAI-compatible
// endpoint.
func NewOpenAICompatProvider(config OpenAICompatConfig) (*OpenAICompatProvider, error) {
	if config.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAICompatProvider{
		BaseProvider: NewBaseProvider(config.Name, config.MaxRetries, config.RetryDelay),
		client:       openai.NewClientWithConfig(clientConfig),
	}, nil
}

// SupportsTools reports tool-calling support. Families that reject tool
// payloads do so with an invalid_request error at stream open, which the
// session surfaces for the orchestrator's tool-free retry.
func (p *OpenAICompatProvider) SupportsTools() bool {
	return true
}

// Complete opens a streaming chat completion and returns the chunk channel.
// The returned error covers request construction and stream-open failures
// after retries; errors during streaming arrive in-band on the chunks.
func (p *OpenAICompatProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: p.convertMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	err := p.Retry(ctx, IsRetryable, func() error {
		s, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
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

// processStream drains the upstream stream, emitting text deltas
// immediately and accumulating tool-call fragments until the upstream
// marks them complete.
func (p *OpenAICompatProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	// Fragments of in-flight tool calls, keyed by the upstream index so
	// parallel calls interleave safely.
	pending := make(map[int]*agent.ToolCall)
	var promptTokens, completionTokens int

	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.CompletionChunk{Error: ctx.Err(), Done: true}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Flush calls the upstream never finalized with an
				// explicit finish reason.
				flushToolCalls(pending, chunks)
				chunks <- &agent.CompletionChunk{
					Done:         true,
					InputTokens:  promptTokens,
					OutputTokens: completionTokens,
				}
				return
			}
			chunks <- &agent.CompletionChunk{Error: p.wrapError(err, model), Done: true}
			return
		}

		// The usage frame arrives with no choices; read it before the
		// empty-choice skip.
		if response.Usage != nil {
			promptTokens = response.Usage.PromptTokens
			completionTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- &agent.CompletionChunk{Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := pending[index]
			if call == nil {
				call = &agent.ToolCall{}
				pending[index] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.Args = append(call.Args, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason == "tool_calls" {
			flushToolCalls(pending, chunks)
			pending = make(map[int]*agent.ToolCall)
		}
	}
}

// flushToolCalls emits accumulated tool calls in index order, skipping
// fragments that never received an id and name.
func flushToolCalls(pending map[int]*agent.ToolCall, chunks chan<- *agent.CompletionChunk) {
	indices := make([]int, 0, len(pending))
	for index := range pending {
		indices = append(indices, index)
	}
	sort.Ints(indices)

	for _, index := range indices {
		call := pending[index]
		if call.ID == "" || call.Name == "" {
			continue
		}
		if len(call.Args) == 0 {
			call.Args = json.RawMessage("{}")
		}
		chunks <- &agent.CompletionChunk{ToolCall: call}
	}
}

// convertMessages translates internal messages to the OpenAI wire shape,
// injecting the system prompt as the leading message.
func (p *OpenAICompatProvider) convertMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case agent.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		case agent.RoleAssistant:
			converted := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			if len(msg.ToolCalls) > 0 {
				converted.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, call := range msg.ToolCalls {
					converted.ToolCalls[i] = openai.ToolCall{
						ID:   call.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      call.Name,
							Arguments: string(call.Args),
						},
					}
				}
			}
			result = append(result, converted)

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
	}

	return result
}

// convertTools translates tool definitions to OpenAI function definitions.
// A tool with an unparsable schema degrades to an empty object schema so
// one bad tool does not break the rest of the set.
func (p *OpenAICompatProvider) convertTools(tools []agent.Tool) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			schema = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  schema,
			},
		}
	}
	return result
}

// wrapError converts SDK errors into ProviderError, pulling the HTTP status
// and error type out of structured API errors.
func (p *OpenAICompatProvider) wrapError(err error, model string) error {
	if err == nil || IsProviderError(err) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{
			Provider: p.Name(),
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}
		providerErr = providerErr.WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			providerErr = providerErr.WithMessage(apiErr.Message)
		}
		if apiErr.Type != "" {
			providerErr = providerErr.WithCode(apiErr.Type)
		}
		return providerErr
	}

	return NewProviderError(p.Name(), model, err)
}
