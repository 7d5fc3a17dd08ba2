package agent

import (
	"context"
	"encoding/json"
	"testing"
)

type scopedTool struct {
	fakeTool
	param    string
	lastArgs json.RawMessage
}

func (t *scopedTool) UserParam() string { return t.param }

func (t *scopedTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	t.lastArgs = args
	return "delivered", nil
}

func newScopedTool() *scopedTool {
	return &scopedTool{
		fakeTool: fakeTool{
			name: "escalate",
			schema: `{
				"type": "object",
				"properties": {
					"message": {"type": "string"},
					"user_id": {"type": "string"}
				},
				"required": ["message", "user_id"]
			}`,
		},
		param: "user_id",
	}
}

func TestBindUserWrapsOnlyScopedTools(t *testing.T) {
	scoped := newScopedTool()
	plain := &fakeTool{name: "echo"}

	bound := BindUser([]Tool{scoped, plain}, "u-123")
	if len(bound) != 2 {
		t.Fatalf("got %d tools, want 2", len(bound))
	}
	if bound[0] == Tool(scoped) {
		t.Error("scoped tool was not wrapped")
	}
	if bound[1] != Tool(plain) {
		t.Error("plain tool should pass through untouched")
	}
	if bound[0].Name() != "escalate" {
		t.Errorf("wrapped name = %q", bound[0].Name())
	}
}

func TestBoundToolSchemaStripsUserParam(t *testing.T) {
	bound := BindUser([]Tool{newScopedTool()}, "u-123")

	var schema struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if err := json.Unmarshal(bound[0].Schema(), &schema); err != nil {
		t.Fatalf("stripped schema is not valid JSON: %v", err)
	}
	if _, ok := schema.Properties["user_id"]; ok {
		t.Error("user_id still present in properties")
	}
	if _, ok := schema.Properties["message"]; !ok {
		t.Error("message property lost during stripping")
	}
	for _, req := range schema.Required {
		if req == "user_id" {
			t.Error("user_id still present in required")
		}
	}
}

func TestBoundToolSchemaDropsEmptyRequired(t *testing.T) {
	scoped := newScopedTool()
	scoped.schema = `{
		"type": "object",
		"properties": {"user_id": {"type": "string"}},
		"required": ["user_id"]
	}`

	bound := BindUser([]Tool{scoped}, "u-123")

	var schema map[string]any
	if err := json.Unmarshal(bound[0].Schema(), &schema); err != nil {
		t.Fatalf("stripped schema is not valid JSON: %v", err)
	}
	if _, ok := schema["required"]; ok {
		t.Error("empty required list should be removed entirely")
	}
}

func TestBoundToolInjectsUser(t *testing.T) {
	scoped := newScopedTool()
	bound := BindUser([]Tool{scoped}, "u-123")

	result, err := bound[0].Execute(context.Background(), json.RawMessage(`{"message":"help"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result != "delivered" {
		t.Errorf("result = %v", result)
	}

	var got map[string]any
	if err := json.Unmarshal(scoped.lastArgs, &got); err != nil {
		t.Fatalf("inner args are not valid JSON: %v", err)
	}
	if got["user_id"] != "u-123" {
		t.Errorf("user_id = %v, want injected identity", got["user_id"])
	}
	if got["message"] != "help" {
		t.Errorf("message = %v, want caller value preserved", got["message"])
	}
}

func TestBoundToolOverridesCallerSuppliedUser(t *testing.T) {
	scoped := newScopedTool()
	bound := BindUser([]Tool{scoped}, "u-123")

	if _, err := bound[0].Execute(context.Background(), json.RawMessage(`{"message":"hi","user_id":"someone-else"}`)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(scoped.lastArgs, &got); err != nil {
		t.Fatal(err)
	}
	if got["user_id"] != "u-123" {
		t.Errorf("user_id = %v, model-supplied identity must not win", got["user_id"])
	}
}

func TestBoundToolEmptyArgs(t *testing.T) {
	scoped := newScopedTool()
	bound := BindUser([]Tool{scoped}, "u-123")

	if _, err := bound[0].Execute(context.Background(), nil); err != nil {
		t.Fatalf("Execute with nil args: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(scoped.lastArgs, &got); err != nil {
		t.Fatal(err)
	}
	if got["user_id"] != "u-123" {
		t.Errorf("user_id = %v after empty args", got["user_id"])
	}
}

func TestBoundToolDisplayDelegates(t *testing.T) {
	scoped := newScopedTool()
	scoped.display = func(args map[string]any) string { return "Escalating to an admin for help…" }

	bound := BindUser([]Tool{scoped}, "u-123")
	d, ok := bound[0].(Displayer)
	if !ok {
		t.Fatal("wrapped tool lost its Displayer")
	}
	if got := d.Display(nil); got != "Escalating to an admin for help…" {
		t.Errorf("Display = %q", got)
	}
}

func TestStripParamKeepsUnparsableSchema(t *testing.T) {
	raw := json.RawMessage(`not json at all`)
	if got := stripParam(raw, "user_id"); string(got) != string(raw) {
		t.Errorf("unparsable schema was altered: %q", got)
	}
}
