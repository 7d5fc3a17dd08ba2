package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/threadline-ai/threadline/internal/observability"
)

// Options configures a Session. Model and NewProvider are required.
type Options struct {
	// Model is the model identifier; its provider family is resolved by
	// the factory.
	Model string

	// System overrides DefaultSystemPrompt when set.
	System string

	Temperature float64
	MaxTokens   int

	// MaxIterations bounds the tool-calling loop. Defaults to
	// DefaultMaxIterations.
	MaxIterations int

	// Timeout bounds each individual completion call, not the whole run.
	Timeout time.Duration

	// Tools offered to the model. Empty runs a plain single completion.
	Tools []Tool

	// Tracker receives tool lifecycle callbacks. Optional.
	Tracker *Tracker

	// NewProvider builds the provider for Model. Called once, at session
	// construction, so a missing credential fails before any streaming
	// starts.
	NewProvider ProviderFactory

	Logger *observability.Logger
}

// Inputs carries one inference's request-scoped inputs.
type Inputs struct {
	// History is the prior conversation, oldest first.
	History []CompletionMessage

	// Message is the current user message. May be empty.
	Message string

	// Context is optional caller-supplied context appended to the system
	// prompt for this run only.
	Context string
}

// Session owns one resolved provider plus generation parameters and drives
// the completion loop for a single request. A Session is not safe for
// concurrent runs; the orchestrator creates one per request.
type Session struct {
	provider LLMProvider
	opts     Options
	log      *observability.Logger

	buildOnce sync.Once
	toolIndex map[string]Tool
	useTools  bool

	mu    sync.Mutex
	final *Prediction
	usage Usage
}

// NewSession resolves the provider for opts.Model and returns a session
// ready to run. Provider resolution failures (unknown model family,
// missing API key) surface here rather than mid-stream.
func NewSession(opts Options) (*Session, error) {
	if opts.Model == "" {
		return nil, fmt.Errorf("session: model is required")
	}
	if opts.NewProvider == nil {
		return nil, fmt.Errorf("session: provider factory is required")
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.System == "" {
		opts.System = DefaultSystemPrompt
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(observability.LogConfig{})
	}

	provider, err := opts.NewProvider(opts.Model)
	if err != nil {
		return nil, err
	}

	return &Session{
		provider: provider,
		opts:     opts,
		log:      opts.Logger,
	}, nil
}

// Provider returns the resolved provider name.
func (s *Session) Provider() string {
	return s.provider.Name()
}

// Run executes one blocking inference and returns the final prediction.
func (s *Session) Run(ctx context.Context, in Inputs) (*Prediction, error) {
	return s.run(ctx, in, nil)
}

// RunStreaming executes one inference on a new goroutine and returns a
// channel of answer tokens. The channel closes when the run finishes; a
// failed run delivers its error as the last delta. The final prediction is
// available from FinalPrediction once the channel is drained.
func (s *Session) RunStreaming(ctx context.Context, in Inputs) (<-chan StreamDelta, error) {
	deltas := make(chan StreamDelta, 64)
	go func() {
		defer close(deltas)
		_, err := s.run(ctx, in, func(token string) {
			deltas <- StreamDelta{Token: token}
		})
		if err != nil {
			deltas <- StreamDelta{Err: err}
		}
	}()
	return deltas, nil
}

// FinalPrediction returns the prediction captured by the most recent
// completed run, or nil if no run has finished successfully.
func (s *Session) FinalPrediction() *Prediction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final
}

// Usage returns the token totals accumulated by the most recent run.
func (s *Session) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// build assembles the run-invariant pieces on first use: the tool index
// and whether tool calling is active at all.
func (s *Session) build() {
	s.buildOnce.Do(func() {
		s.useTools = len(s.opts.Tools) > 0 && s.provider.SupportsTools()
		s.toolIndex = make(map[string]Tool, len(s.opts.Tools))
		for _, tool := range s.opts.Tools {
			s.toolIndex[tool.Name()] = tool
		}
	})
}

func (s *Session) run(ctx context.Context, in Inputs, onToken func(string)) (*Prediction, error) {
	s.build()

	s.mu.Lock()
	s.usage = Usage{}
	s.mu.Unlock()

	messages := make([]CompletionMessage, 0, len(in.History)+1)
	messages = append(messages, in.History...)
	messages = append(messages, CompletionMessage{Role: RoleUser, Content: in.Message})

	system := s.opts.System
	if in.Context != "" {
		system += "\n\nAdditional context for this request:\n" + in.Context
	}

	var reasoning strings.Builder

	if !s.useTools {
		text, err := s.complete(ctx, system, messages, nil, onToken, &reasoning)
		if err != nil {
			return nil, err
		}
		return s.finish(text, reasoning.String()), nil
	}

	for iteration := 0; iteration < s.opts.MaxIterations; iteration++ {
		text, calls, err := s.completeWithTools(ctx, system, messages, onToken, &reasoning)
		if err != nil {
			return nil, err
		}
		if len(calls) == 0 {
			return s.finish(text, reasoning.String()), nil
		}

		messages = append(messages, CompletionMessage{
			Role:      RoleAssistant,
			Content:   text,
			ToolCalls: calls,
		})
		for _, call := range calls {
			messages = append(messages, s.executeCall(ctx, call))
		}
	}

	// Iteration budget exhausted with the model still requesting tools:
	// force a final answer with tool calling disabled.
	s.log.Warn(ctx, "tool iteration budget exhausted, forcing final answer",
		"model", s.opts.Model,
		"max_iterations", s.opts.MaxIterations,
	)
	text, err := s.complete(ctx, system, messages, nil, onToken, &reasoning)
	if err != nil {
		return nil, err
	}
	return s.finish(text, reasoning.String()), nil
}

func (s *Session) finish(text, reasoning string) *Prediction {
	pred := &Prediction{Response: text, Reasoning: reasoning}
	s.mu.Lock()
	s.final = pred
	s.mu.Unlock()
	return pred
}

func (s *Session) completeWithTools(ctx context.Context, system string, messages []CompletionMessage, onToken func(string), reasoning *strings.Builder) (string, []ToolCall, error) {
	return s.completion(ctx, system, messages, s.opts.Tools, onToken, reasoning)
}

func (s *Session) complete(ctx context.Context, system string, messages []CompletionMessage, tools []Tool, onToken func(string), reasoning *strings.Builder) (string, error) {
	text, _, err := s.completion(ctx, system, messages, tools, onToken, reasoning)
	return text, err
}

// completion issues one provider call and drains its stream, forwarding
// answer tokens and collecting any tool calls.
func (s *Session) completion(ctx context.Context, system string, messages []CompletionMessage, tools []Tool, onToken func(string), reasoning *strings.Builder) (string, []ToolCall, error) {
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	req := &CompletionRequest{
		Model:       s.opts.Model,
		System:      system,
		Messages:    messages,
		Tools:       tools,
		MaxTokens:   s.opts.MaxTokens,
		Temperature: s.opts.Temperature,
	}

	chunks, err := s.provider.Complete(ctx, req)
	if err != nil {
		s.log.Error(ctx, "completion request failed",
			"provider", s.provider.Name(),
			"model", s.opts.Model,
			"error", err,
		)
		return "", nil, &InferenceError{Stage: StageCompletion, Provider: s.provider.Name(), Err: err}
	}

	var text strings.Builder
	var calls []ToolCall
	for chunk := range chunks {
		switch {
		case chunk.Error != nil:
			s.log.Error(ctx, "completion stream failed",
				"provider", s.provider.Name(),
				"model", s.opts.Model,
				"error", chunk.Error,
			)
			return "", nil, &InferenceError{Stage: StageCompletion, Provider: s.provider.Name(), Err: chunk.Error}
		case chunk.ToolCall != nil:
			calls = append(calls, *chunk.ToolCall)
		case chunk.Text != "":
			text.WriteString(chunk.Text)
			if onToken != nil {
				onToken(chunk.Text)
			}
		case chunk.Thinking != "":
			reasoning.WriteString(chunk.Thinking)
		case chunk.Done:
			s.mu.Lock()
			s.usage.InputTokens += int64(chunk.InputTokens)
			s.usage.OutputTokens += int64(chunk.OutputTokens)
			s.mu.Unlock()
		}
	}
	return text.String(), calls, nil
}

// executeCall runs one tool call and converts its outcome into the tool
// message fed back to the model. Tool failures never abort the run; the
// model sees the error and may recover or report it.
func (s *Session) executeCall(ctx context.Context, call ToolCall) CompletionMessage {
	var parsedArgs map[string]any
	if len(call.Args) > 0 {
		_ = json.Unmarshal(call.Args, &parsedArgs)
	}

	tool := s.toolIndex[call.Name]
	if s.opts.Tracker != nil {
		s.opts.Tracker.OnToolStart(call.ID, tool, parsedArgs)
	}

	if tool == nil {
		err := fmt.Errorf("tool not found: %s", call.Name)
		return s.toolFailure(ctx, call, err)
	}
	if err := ValidateArgs(tool, call.Args); err != nil {
		return s.toolFailure(ctx, call, err)
	}

	result, err := s.safeExecute(ctx, tool, call.Args)
	if err != nil {
		return s.toolFailure(ctx, call, err)
	}

	if s.opts.Tracker != nil {
		s.opts.Tracker.OnToolEnd(call.ID, result)
	}
	return toolMessage(call, marshalResult(result))
}

func (s *Session) toolFailure(ctx context.Context, call ToolCall, err error) CompletionMessage {
	s.log.Warn(ctx, "tool execution failed",
		"tool", call.Name,
		"tool_call_id", call.ID,
		"error", err,
	)
	if s.opts.Tracker != nil {
		s.opts.Tracker.OnToolError(call.ID, err)
	}
	payload, _ := json.Marshal(map[string]string{
		"status": "error",
		"error":  err.Error(),
	})
	return toolMessage(call, string(payload))
}

// safeExecute shields the loop from panicking tools.
func (s *Session) safeExecute(ctx context.Context, tool Tool, args json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return tool.Execute(ctx, args)
}

func toolMessage(call ToolCall, content string) CompletionMessage {
	return CompletionMessage{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}
}

func marshalResult(result any) string {
	if result == nil {
		return "null"
	}
	if s, ok := result.(string); ok {
		return s
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(encoded)
}
