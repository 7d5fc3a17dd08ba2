package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Bounds on model-supplied tool calls.
const (
	// MaxToolNameLength caps the tool name the model may request.
	MaxToolNameLength = 256

	// MaxToolArgsSize caps the argument JSON (1MB).
	MaxToolArgsSize = 1 << 20
)

// Registry manages the tools offered to the agent, with thread-safe
// registration, lookup, and schema validation of model-supplied arguments.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry ready for tool registration.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool by its name, replacing any previous tool with the
// same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// sortedNames returns registered names in order. Caller holds r.mu.
func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedNames()
}

// List returns all registered tools ordered by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, name := range r.sortedNames() {
		tools = append(tools, r.tools[name])
	}
	return tools
}

// ValidateArgs checks model-supplied arguments against a tool's schema
// before execution. The tool passed in is the one the model saw, so bound
// parameters stripped by wrapping are not required here.
func ValidateArgs(tool Tool, args json.RawMessage) error {
	name := tool.Name()
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name exceeds %d characters", MaxToolNameLength)
	}
	if len(args) > MaxToolArgsSize {
		return fmt.Errorf("tool arguments exceed %d bytes", MaxToolArgsSize)
	}

	schema, err := compiledSchema(tool.Schema())
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}

	var decoded any
	if len(args) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("decode arguments for %s: %w", name, err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("arguments for %s invalid: %w", name, err)
	}
	return nil
}

// schemaCache memoizes compiled schemas keyed by schema text. Tool schemas
// are static for the process lifetime, so the cache never needs eviction.
var schemaCache sync.Map

func compiledSchema(raw []byte) (*jsonschema.Schema, error) {
	if hit, ok := schemaCache.Load(string(raw)); ok {
		return hit.(*jsonschema.Schema), nil
	}
	compiled, err := jsonschema.CompileString("tool.schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	cached, _ := schemaCache.LoadOrStore(string(raw), compiled)
	return cached.(*jsonschema.Schema), nil
}
