package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/threadline-ai/threadline/internal/sanitize"
	"github.com/threadline-ai/threadline/pkg/models"
)

// internalToolNames are loop-control pseudo-tools. They produce no events
// and no tracker state.
var internalToolNames = map[string]struct{}{
	"finish": {},
	"Finish": {},
}

// eventTimestampLayout renders UTC timestamps with millisecond precision.
const eventTimestampLayout = "2006-01-02T15:04:05.000Z"

type trackedCall struct {
	name    string
	display string
	started time.Time
}

// Tracker converts tool lifecycle callbacks into stream events for one
// request. Each request owns its own Tracker; the call-id map is never
// shared across requests.
//
// Lifecycle guarantees: at most one tool_end or tool_error is emitted per
// call id, and only after a recorded tool_start. End/error callbacks for
// unknown call ids are dropped silently.
type Tracker struct {
	emit      func(models.StreamEvent)
	sanitizer *sanitize.Sanitizer

	mu    sync.Mutex
	calls map[string]trackedCall
}

// NewTracker creates a tracker emitting events through emit. A nil
// sanitizer gets the default bounds.
func NewTracker(emit func(models.StreamEvent), sanitizer *sanitize.Sanitizer) *Tracker {
	if sanitizer == nil {
		sanitizer = sanitize.New()
	}
	return &Tracker{
		emit:      emit,
		sanitizer: sanitizer,
		calls:     make(map[string]trackedCall),
	}
}

// OnToolStart records a call and emits tool_start. Internal pseudo-tools
// are ignored entirely.
func (t *Tracker) OnToolStart(callID string, tool Tool, args map[string]any) {
	name := resolveToolName(tool)
	if _, internal := internalToolNames[name]; internal {
		return
	}

	sanitizedArgs := t.sanitizer.SanitizeMap(args)
	display := resolveDisplay(tool, sanitizedArgs)
	now := time.Now()

	t.mu.Lock()
	t.calls[callID] = trackedCall{name: name, display: display, started: now}
	t.mu.Unlock()

	t.emit(models.StreamEvent{
		Type:       models.StreamEventToolStart,
		ToolCallID: callID,
		ToolName:   name,
		Args:       sanitizedArgs,
		Display:    display,
		Timestamp:  now.UTC().Format(eventTimestampLayout),
	})
}

// OnToolEnd closes a call successfully and emits tool_end with the
// sanitized result and elapsed duration.
func (t *Tracker) OnToolEnd(callID string, result any) {
	rec, ok := t.take(callID)
	if !ok {
		return
	}
	duration := time.Since(rec.started).Milliseconds()

	t.emit(models.StreamEvent{
		Type:       models.StreamEventToolEnd,
		ToolCallID: callID,
		ToolName:   rec.name,
		Status:     models.ToolStatusSuccess,
		DurationMS: &duration,
		Result:     t.sanitizer.Sanitize(result),
		Display:    rec.display,
		Timestamp:  time.Now().UTC().Format(eventTimestampLayout),
	})
}

// OnToolError closes a call with a failure and emits tool_error. The error
// kind is the concrete error type name; the message is length-bounded.
func (t *Tracker) OnToolError(callID string, err error) {
	rec, ok := t.take(callID)
	if !ok {
		return
	}
	duration := time.Since(rec.started).Milliseconds()

	info := &models.ToolErrorInfo{Kind: "error"}
	if err != nil {
		info.Kind = fmt.Sprintf("%T", err)
		info.Message = sanitize.TruncateError(err.Error())
	}

	t.emit(models.StreamEvent{
		Type:       models.StreamEventToolError,
		ToolCallID: callID,
		ToolName:   rec.name,
		Status:     models.ToolStatusError,
		DurationMS: &duration,
		ToolErr:    info,
		Display:    rec.display,
		Timestamp:  time.Now().UTC().Format(eventTimestampLayout),
	})
}

// Open returns the number of calls started but not yet closed.
func (t *Tracker) Open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *Tracker) take(callID string) (trackedCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.calls[callID]
	if ok {
		delete(t.calls, callID)
	}
	return rec, ok
}

func resolveToolName(tool Tool) string {
	if tool == nil {
		return "unknown"
	}
	if name := tool.Name(); name != "" {
		return name
	}
	return fmt.Sprintf("%T", tool)
}

// resolveDisplay asks the tool for its in-progress label. A panicking or
// absent Displayer yields no label, never a propagated failure.
func resolveDisplay(tool Tool, sanitizedArgs map[string]any) (display string) {
	defer func() {
		if recover() != nil {
			display = ""
		}
	}()
	if d, ok := tool.(Displayer); ok {
		return d.Display(sanitizedArgs)
	}
	return ""
}
