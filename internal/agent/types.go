// Package agent implements the inference session that drives one chat
// request: provider-agnostic completion types, the tool registry, the tool
// lifecycle tracker, and the iteration loop that lets the model call tools
// before producing a final answer.
package agent

import (
	"context"
	"encoding/json"
)

// Message roles used in completion requests.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// DefaultMaxIterations bounds the tool-calling loop for one request.
const DefaultMaxIterations = 5

// DefaultSystemPrompt frames the assistant when the caller does not
// override it.
const DefaultSystemPrompt = "You are a helpful assistant for the Threadline platform. " +
	"Answer the user's question directly and concisely. " +
	"Use the available tools when they are needed to complete the task."

// LLMProvider is a streaming completion backend. Implementations must be
// safe for concurrent use; each Complete call owns an independent stream.
type LLMProvider interface {
	// Complete sends a completion request and returns a channel of chunks.
	// The channel is closed when the stream ends; errors arrive in-band on
	// the chunk and terminate the stream.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the stable lowercase provider identifier.
	Name() string

	// SupportsTools reports whether the provider accepts tool definitions.
	SupportsTools() bool
}

// CompletionRequest carries one full model invocation.
type CompletionRequest struct {
	// Model is the model identifier; never empty by the time a provider
	// sees it.
	Model string `json:"model"`

	// System sets assistant behavior. Handled out-of-band of Messages by
	// providers that separate the system prompt.
	System string `json:"system,omitempty"`

	// Messages is the conversation in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools the model may call. Empty disables tool calling.
	Tools []Tool `json:"-"`

	// MaxTokens bounds the generated response; 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls sampling; 0 uses the provider default.
	Temperature float64 `json:"temperature,omitempty"`
}

// CompletionMessage is one turn sent to a provider. Role "tool" messages
// carry the result of a prior ToolCall and set ToolCallID/ToolName.
type CompletionMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// CompletionChunk is one increment of a streaming completion. Exactly one
// of the payload fields is meaningful per chunk; token counts ride on the
// final Done chunk when the provider reports usage.
type CompletionChunk struct {
	// Text is partial answer text.
	Text string `json:"text,omitempty"`

	// Thinking is partial reasoning text for providers that stream it
	// separately from the answer.
	Thinking string `json:"thinking,omitempty"`

	// ToolCall is a complete tool invocation request.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// Done marks successful stream completion.
	Done bool `json:"done,omitempty"`

	// Error terminates the stream.
	Error error `json:"-"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Tool is an executable capability offered to the model.
type Tool interface {
	// Name is the function-calling identifier (alphanumeric, underscores).
	Name() string

	// Description tells the model when the tool applies.
	Description() string

	// Schema is the JSON Schema for the tool's arguments.
	Schema() json.RawMessage

	// Execute runs the tool. The returned value is serialized into the
	// conversation and, sanitized, onto the wire.
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// Displayer is an optional Tool interface supplying the human-readable
// in-progress label shown to clients while the tool runs. It receives the
// sanitized arguments; failures are swallowed by the caller.
type Displayer interface {
	Display(args map[string]any) string
}

// UserScoped is an optional Tool interface naming an argument the server
// binds to the authenticated user. The parameter is stripped from the
// schema the model sees and injected at execution time.
type UserScoped interface {
	UserParam() string
}

// Prediction is the final structured output of one agent run.
type Prediction struct {
	Response  string `json:"response"`
	Reasoning string `json:"reasoning"`
}

// Usage is the token accounting reported by the provider across one run,
// summed over loop iterations.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// StreamDelta is one increment of a streaming run: a token, or the error
// that ended the run. The delta channel closes after the terminal delta.
type StreamDelta struct {
	Token string
	Err   error
}

// ProviderFactory builds the provider serving a model. Indirection keeps
// session construction independent of concrete provider packages.
type ProviderFactory func(model string) (LLMProvider, error)
