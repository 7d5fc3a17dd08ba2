package providers

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/threadline-ai/threadline/internal/agent"
)

func TestNewAnthropicProvider(t *testing.T) {
	tests := []struct {
		name    string
		config  AnthropicConfig
		wantErr bool
	}{
		{
			name:   "valid key",
			config: AnthropicConfig{APIKey: "test-key"},
		},
		{
			name:    "missing key",
			config:  AnthropicConfig{},
			wantErr: true,
		},
		{
			name:   "custom base url",
			config: AnthropicConfig{APIKey: "test-key", BaseURL: "http://localhost:8080"},
		},
		{
			name:   "negative retries fall back to defaults",
			config: AnthropicConfig{APIKey: "test-key", MaxRetries: -1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewAnthropicProvider(tt.config)
			if tt.wantErr {
				if !errors.Is(err, ErrNoAPIKey) {
					t.Fatalf("error = %v, want ErrNoAPIKey", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewAnthropicProvider: %v", err)
			}
			if provider.Name() != "anthropic" {
				t.Errorf("Name() = %q", provider.Name())
			}
			if !provider.SupportsTools() {
				t.Error("SupportsTools() = false")
			}
		})
	}
}

func TestWrapAnthropicError(t *testing.T) {
	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}

	apiErr := &anthropic.Error{
		StatusCode: 429,
		RequestID:  "req_123",
	}
	err = provider.wrapError(apiErr, "claude-sonnet-4")
	providerErr, ok := GetProviderError(err)
	if !ok {
		t.Fatalf("expected ProviderError, got %T", err)
	}
	if providerErr.Status != 429 {
		t.Errorf("status = %d, want 429", providerErr.Status)
	}
	if providerErr.Reason != ReasonRateLimit {
		t.Errorf("reason = %s, want rate_limit", providerErr.Reason)
	}
	if providerErr.RequestID != "req_123" {
		t.Errorf("request id = %q, want req_123", providerErr.RequestID)
	}
	if providerErr.Model != "claude-sonnet-4" {
		t.Errorf("model = %q", providerErr.Model)
	}
}

func TestWrapAnthropicErrorPassthrough(t *testing.T) {
	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}

	if got := provider.wrapError(nil, "claude-sonnet-4"); got != nil {
		t.Errorf("wrapError(nil) = %v", got)
	}

	original := NewProviderError("anthropic", "claude-sonnet-4", errors.New("rate limit"))
	if got := provider.wrapError(original, "claude-sonnet-4"); got != error(original) {
		t.Error("wrapError re-wrapped an existing ProviderError")
	}

	plain := provider.wrapError(errors.New("authentication_error: bad key"), "claude-sonnet-4")
	providerErr, ok := GetProviderError(plain)
	if !ok {
		t.Fatalf("expected ProviderError, got %T", plain)
	}
	if providerErr.Reason != ReasonAuth {
		t.Errorf("reason = %s, want auth", providerErr.Reason)
	}
}

func TestConvertAnthropicMessages(t *testing.T) {
	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}

	tests := []struct {
		name     string
		messages []agent.CompletionMessage
		wantErr  bool
		validate func(t *testing.T, result []anthropic.MessageParam)
	}{
		{
			name: "simple user message",
			messages: []agent.CompletionMessage{
				{Role: agent.RoleUser, Content: "Hello!"},
			},
			validate: func(t *testing.T, result []anthropic.MessageParam) {
				if len(result) != 1 {
					t.Fatalf("len = %d, want 1", len(result))
				}
				if result[0].Role != anthropic.MessageParamRoleUser {
					t.Errorf("role = %q", result[0].Role)
				}
				if len(result[0].Content) != 1 {
					t.Errorf("content blocks = %d, want 1", len(result[0].Content))
				}
			},
		},
		{
			name: "system message is dropped",
			messages: []agent.CompletionMessage{
				{Role: agent.RoleSystem, Content: "You are helpful."},
				{Role: agent.RoleUser, Content: "Hello!"},
			},
			validate: func(t *testing.T, result []anthropic.MessageParam) {
				if len(result) != 1 {
					t.Fatalf("len = %d, want 1", len(result))
				}
				if result[0].Role != anthropic.MessageParamRoleUser {
					t.Errorf("role = %q", result[0].Role)
				}
			},
		},
		{
			name: "assistant message",
			messages: []agent.CompletionMessage{
				{Role: agent.RoleUser, Content: "Hello!"},
				{Role: agent.RoleAssistant, Content: "Hi there!"},
			},
			validate: func(t *testing.T, result []anthropic.MessageParam) {
				if len(result) != 2 {
					t.Fatalf("len = %d, want 2", len(result))
				}
				if result[1].Role != anthropic.MessageParamRoleAssistant {
					t.Errorf("role = %q", result[1].Role)
				}
			},
		},
		{
			name: "assistant with tool calls",
			messages: []agent.CompletionMessage{
				{
					Role:    agent.RoleAssistant,
					Content: "Let me check that.",
					ToolCalls: []agent.ToolCall{
						{ID: "call_123", Name: "get_weather", Args: json.RawMessage(`{"city":"London"}`)},
					},
				},
			},
			validate: func(t *testing.T, result []anthropic.MessageParam) {
				if len(result) != 1 {
					t.Fatalf("len = %d, want 1", len(result))
				}
				if result[0].Role != anthropic.MessageParamRoleAssistant {
					t.Errorf("role = %q", result[0].Role)
				}
				// Text block plus tool_use block.
				if len(result[0].Content) != 2 {
					t.Errorf("content blocks = %d, want 2", len(result[0].Content))
				}
			},
		},
		{
			name: "tool result becomes user message",
			messages: []agent.CompletionMessage{
				{Role: agent.RoleTool, Content: `{"ok":true}`, ToolCallID: "call_123", ToolName: "get_weather"},
			},
			validate: func(t *testing.T, result []anthropic.MessageParam) {
				if len(result) != 1 {
					t.Fatalf("len = %d, want 1", len(result))
				}
				if result[0].Role != anthropic.MessageParamRoleUser {
					t.Errorf("role = %q", result[0].Role)
				}
			},
		},
		{
			name: "empty message is skipped",
			messages: []agent.CompletionMessage{
				{Role: agent.RoleAssistant, Content: ""},
				{Role: agent.RoleUser, Content: "Hello!"},
			},
			validate: func(t *testing.T, result []anthropic.MessageParam) {
				if len(result) != 1 {
					t.Fatalf("len = %d, want 1", len(result))
				}
			},
		},
		{
			name: "invalid tool call arguments",
			messages: []agent.CompletionMessage{
				{
					Role: agent.RoleAssistant,
					ToolCalls: []agent.ToolCall{
						{ID: "call_123", Name: "test", Args: json.RawMessage(`invalid json`)},
					},
				},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := provider.convertMessages(tt.messages)

			if tt.wantErr {
				if err == nil {
					t.Error("expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.validate != nil {
				tt.validate(t, result)
			}
		})
	}
}

func TestConvertAnthropicTools(t *testing.T) {
	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}

	tools := []agent.Tool{
		&stubTool{name: "echo", schema: `{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`},
	}

	result, err := provider.convertTools(tools)
	if err != nil {
		t.Fatalf("convertTools: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("len = %d, want 1", len(result))
	}
	if result[0].OfTool == nil {
		t.Fatal("OfTool is nil")
	}
	if result[0].OfTool.Name != "echo" {
		t.Errorf("name = %q", result[0].OfTool.Name)
	}

	_, err = provider.convertTools([]agent.Tool{
		&stubTool{name: "broken", schema: `{not json`},
	})
	if err == nil {
		t.Error("expected error for unparsable schema")
	}
}

func TestAnthropicBuildParams(t *testing.T) {
	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}

	req := &agent.CompletionRequest{
		Model:  "claude-sonnet-4-20250514",
		System: "You are terse.",
		Messages: []agent.CompletionMessage{
			{Role: agent.RoleUser, Content: "Hello!"},
		},
		Temperature: 0.7,
		Tools: []agent.Tool{
			&stubTool{name: "echo", schema: `{"type":"object"}`},
		},
	}

	params, err := provider.buildParams(req)
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}

	if string(params.Model) != "claude-sonnet-4-20250514" {
		t.Errorf("model = %q", params.Model)
	}
	if params.MaxTokens != defaultAnthropicMaxTokens {
		t.Errorf("max tokens = %d, want default %d", params.MaxTokens, defaultAnthropicMaxTokens)
	}
	if len(params.System) != 1 || params.System[0].Text != "You are terse." {
		t.Errorf("system = %+v", params.System)
	}
	if params.Temperature.Value != 0.7 {
		t.Errorf("temperature = %v", params.Temperature.Value)
	}
	if len(params.Messages) != 1 {
		t.Errorf("messages = %d, want 1", len(params.Messages))
	}
	if len(params.Tools) != 1 {
		t.Errorf("tools = %d, want 1", len(params.Tools))
	}
}

func TestAnthropicBuildParamsExplicitMaxTokens(t *testing.T) {
	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}

	params, err := provider.buildParams(&agent.CompletionRequest{
		Model:     "claude-sonnet-4-20250514",
		Messages:  []agent.CompletionMessage{{Role: agent.RoleUser, Content: "hi"}},
		MaxTokens: 2000,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.MaxTokens != 2000 {
		t.Errorf("max tokens = %d, want 2000", params.MaxTokens)
	}
	if len(params.System) != 0 {
		t.Errorf("system = %+v, want empty", params.System)
	}
}

func TestAnthropicBuildParamsBadToolSchema(t *testing.T) {
	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}

	_, err = provider.buildParams(&agent.CompletionRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: []agent.CompletionMessage{{Role: agent.RoleUser, Content: "hi"}},
		Tools:    []agent.Tool{&stubTool{name: "broken", schema: `{not json`}},
	})
	if err == nil {
		t.Error("expected error for unparsable tool schema")
	}
}
