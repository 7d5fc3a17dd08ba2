package models

// StreamEventType identifies the kind of wire event sent to streaming
// clients. Exactly one start event opens a stream and exactly one of
// done/error closes it; every other type may occur any number of times
// in between, in arrival order.
type StreamEventType string

const (
	StreamEventStart        StreamEventType = "start"
	StreamEventToken        StreamEventType = "token"
	StreamEventToolStart    StreamEventType = "tool_start"
	StreamEventToolEnd      StreamEventType = "tool_end"
	StreamEventToolError    StreamEventType = "tool_error"
	StreamEventWarning      StreamEventType = "warning"
	StreamEventConversation StreamEventType = "conversation"
	StreamEventDone         StreamEventType = "done"
	StreamEventError        StreamEventType = "error"
)

// Tool invocation outcome values carried by tool_end/tool_error events.
const (
	ToolStatusSuccess = "success"
	ToolStatusError   = "error"
)

// WarningToolFallback is the warning code emitted when the tool-enabled
// inference attempt failed and the request is being retried without tools.
const WarningToolFallback = "tool_fallback"

// StreamEvent is the tagged union sent to clients as SSE data frames.
// Type is always set; the remaining fields are populated per type and
// omitted from the JSON encoding otherwise.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	// start
	UserID            string   `json:"user_id,omitempty"`
	ConversationID    string   `json:"conversation_id,omitempty"`
	ConversationTitle string   `json:"conversation_title,omitempty"`
	ToolsEnabled      *bool    `json:"tools_enabled,omitempty"`
	ToolNames         []string `json:"tool_names,omitempty"`

	// token
	Content string `json:"content,omitempty"`

	// tool_start / tool_end / tool_error
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Status     string         `json:"status,omitempty"`
	DurationMS *int64         `json:"duration_ms,omitempty"`
	Result     any            `json:"result,omitempty"`
	ToolErr    *ToolErrorInfo `json:"error,omitempty"`
	Display    string         `json:"display,omitempty"`
	Timestamp  string         `json:"ts,omitempty"`

	// warning and terminal error share Code/Message
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// conversation
	Conversation *ConversationSnapshot `json:"conversation,omitempty"`
}

// ToolErrorInfo describes a failed tool invocation on the wire. Kind is the
// concrete error type name; Message is bounded to a safe length upstream.
type ToolErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// TerminalError is the user-safe message substituted for internal failure
// detail once a stream has started. The same text doubles as the fallback
// response body on the non-streaming endpoint.
const TerminalError = "I apologize, but I encountered an error processing your request. Please try again or contact support if the issue persists."
