package agent

import (
	"context"
	"encoding/json"
)

// BindUser wraps every UserScoped tool so its user parameter is bound to
// userID by the server. The bound parameter is removed from the schema the
// model sees and injected into the arguments at execution time; the model
// can neither see nor override it. Tools without a user parameter pass
// through unchanged.
func BindUser(tools []Tool, userID string) []Tool {
	if len(tools) == 0 {
		return nil
	}
	bound := make([]Tool, 0, len(tools))
	for _, tool := range tools {
		scoped, ok := tool.(UserScoped)
		if !ok || scoped.UserParam() == "" {
			bound = append(bound, tool)
			continue
		}
		param := scoped.UserParam()
		bound = append(bound, &userBoundTool{
			inner:  tool,
			userID: userID,
			param:  param,
			schema: stripParam(tool.Schema(), param),
		})
	}
	return bound
}

type userBoundTool struct {
	inner  Tool
	userID string
	param  string
	schema json.RawMessage
}

func (t *userBoundTool) Name() string        { return t.inner.Name() }
func (t *userBoundTool) Description() string { return t.inner.Description() }

func (t *userBoundTool) Schema() json.RawMessage { return t.schema }

func (t *userBoundTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	merged := map[string]any{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &merged); err != nil {
			return nil, err
		}
	}
	merged[t.param] = t.userID
	full, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	return t.inner.Execute(ctx, full)
}

// Display forwards the inner tool's display hint when it has one.
func (t *userBoundTool) Display(args map[string]any) string {
	if d, ok := t.inner.(Displayer); ok {
		return d.Display(args)
	}
	return ""
}

// stripParam removes one property from a JSON Schema object, including its
// entry in the required list. An unparsable schema is returned unchanged;
// execution still injects the parameter.
func stripParam(schema json.RawMessage, param string) json.RawMessage {
	var doc map[string]any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return schema
	}

	if props, ok := doc["properties"].(map[string]any); ok {
		delete(props, param)
	}
	if required, ok := doc["required"].([]any); ok {
		kept := make([]any, 0, len(required))
		for _, name := range required {
			if s, ok := name.(string); ok && s == param {
				continue
			}
			kept = append(kept, name)
		}
		if len(kept) > 0 {
			doc["required"] = kept
		} else {
			delete(doc, "required")
		}
	}

	stripped, err := json.Marshal(doc)
	if err != nil {
		return schema
	}
	return stripped
}
