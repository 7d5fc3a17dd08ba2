package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/threadline-ai/threadline/internal/agent"
	"github.com/threadline-ai/threadline/internal/conversations"
	"github.com/threadline-ai/threadline/internal/observability"
	"github.com/threadline-ai/threadline/internal/quota"
	"github.com/threadline-ai/threadline/pkg/models"
)

func quietLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

// fakeProvider replays scripted turns, one per Complete call. An optional
// per-chunk delay simulates a slow upstream.
type fakeProvider struct {
	mu    sync.Mutex
	turns [][]agent.CompletionChunk
	calls int
	delay time.Duration
}

func (p *fakeProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.mu.Lock()
	var turn []agent.CompletionChunk
	if len(p.turns) > 0 {
		turn = p.turns[0]
		p.turns = p.turns[1:]
	}
	p.calls++
	delay := p.delay
	p.mu.Unlock()

	out := make(chan *agent.CompletionChunk, len(turn))
	go func() {
		defer close(out)
		for i := range turn {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					c := agent.CompletionChunk{Error: ctx.Err()}
					out <- &c
					return
				}
			}
			c := turn[i]
			out <- &c
		}
	}()
	return out, nil
}

func (p *fakeProvider) Name() string        { return "fake" }
func (p *fakeProvider) SupportsTools() bool { return true }

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func textTurn(tokens ...string) []agent.CompletionChunk {
	chunks := make([]agent.CompletionChunk, 0, len(tokens)+1)
	for _, tok := range tokens {
		chunks = append(chunks, agent.CompletionChunk{Text: tok})
	}
	return append(chunks, agent.CompletionChunk{Done: true, InputTokens: 40, OutputTokens: 12})
}

func errTurn(msg string) []agent.CompletionChunk {
	return []agent.CompletionChunk{{Error: errors.New(msg)}}
}

func emptyTurn() []agent.CompletionChunk {
	return []agent.CompletionChunk{{Done: true, InputTokens: 40}}
}

func toolCallTurn(callID, name, args string) []agent.CompletionChunk {
	return []agent.CompletionChunk{
		{ToolCall: &agent.ToolCall{ID: callID, Name: name, Args: json.RawMessage(args)}},
		{Done: true, InputTokens: 30, OutputTokens: 5},
	}
}

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "Echoes the given text back" }

func (echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
}

func (echoTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	return map[string]any{"echo": in.Text}, nil
}

type testEnv struct {
	orch     *Orchestrator
	store    conversations.Store
	provider *fakeProvider
	user     *models.User
}

func newTestEnv(t *testing.T, provider *fakeProvider, mutate ...func(*Config)) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, conversations.NewMemoryStore(), provider, mutate...)
}

func newTestEnvWithStore(t *testing.T, store conversations.Store, provider *fakeProvider, mutate ...func(*Config)) *testEnv {
	t.Helper()

	enforcer := quota.NewEnforcer(store, "free_tier", map[string]map[string]int{
		"free_tier": {quota.DefaultLimitName: 10},
	}, quietLogger())

	registry := agent.NewRegistry()
	registry.Register(echoTool{})

	cfg := Config{
		Model:             "fake-model",
		ToolsEnabled:      true,
		HistoryLimit:      20,
		HeartbeatInterval: time.Second,
		EnforceQuota:      true,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	orch, err := New(cfg, Deps{
		Store:       store,
		Enforcer:    enforcer,
		Registry:    registry,
		NewProvider: func(model string) (agent.LLMProvider, error) { return provider, nil },
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return &testEnv{
		orch:     orch,
		store:    store,
		provider: provider,
		user:     &models.User{ID: uuid.New(), Email: "dev@example.com", Tier: "free_tier"},
	}
}

func (e *testEnv) prepare(t *testing.T, message string) *Prepared {
	t.Helper()
	p, err := e.orch.Prepare(context.Background(), e.user, RequestInput{Message: message})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return p
}

func TestNewValidatesDeps(t *testing.T) {
	store := conversations.NewMemoryStore()
	enforcer := quota.NewEnforcer(store, "", nil, quietLogger())
	factory := func(model string) (agent.LLMProvider, error) { return &fakeProvider{}, nil }

	cases := []struct {
		name string
		cfg  Config
		deps Deps
	}{
		{"missing model", Config{}, Deps{Store: store, Enforcer: enforcer, NewProvider: factory}},
		{"missing store", Config{Model: "m"}, Deps{Enforcer: enforcer, NewProvider: factory}},
		{"missing enforcer", Config{Model: "m"}, Deps{Store: store, NewProvider: factory}},
		{"missing factory", Config{Model: "m"}, Deps{Store: store, Enforcer: enforcer}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg, tc.deps); err == nil {
				t.Error("expected a construction error")
			}
		})
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	store := conversations.NewMemoryStore()
	enforcer := quota.NewEnforcer(store, "", nil, quietLogger())

	orch, err := New(Config{Model: "m"}, Deps{
		Store:       store,
		Enforcer:    enforcer,
		NewProvider: func(model string) (agent.LLMProvider, error) { return &fakeProvider{}, nil },
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if orch.cfg.HistoryLimit != DefaultHistoryLimit {
		t.Errorf("history limit = %d, want %d", orch.cfg.HistoryLimit, DefaultHistoryLimit)
	}
	if orch.cfg.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Errorf("heartbeat interval = %v, want %v", orch.cfg.HeartbeatInterval, DefaultHeartbeatInterval)
	}
	if orch.sanitizer == nil || orch.tracer == nil {
		t.Error("optional deps not defaulted")
	}
}

func TestPrepareCreatesConversationAndWindow(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{})

	p, err := env.orch.Prepare(context.Background(), env.user, RequestInput{Message: "What is the weather like?"})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	if p.Conversation.ID == uuid.Nil {
		t.Error("conversation id not assigned")
	}
	if p.Conversation.Title != "What is the weather like?" {
		t.Errorf("title = %q", p.Conversation.Title)
	}
	if len(p.Window) != 1 {
		t.Fatalf("window = %d messages, want 1", len(p.Window))
	}
	if p.Window[0].Role != models.RoleUser || p.Window[0].Content != "What is the weather like?" {
		t.Errorf("window[0] = %s %q", p.Window[0].Role, p.Window[0].Content)
	}
	if len(p.History) != 0 {
		t.Errorf("history = %d messages, want 0 (session appends the current message itself)", len(p.History))
	}
	if p.Context != NoContextFallback {
		t.Errorf("context = %q, want the fallback text", p.Context)
	}
}

func TestPrepareKeepsPriorHistory(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{})
	ctx := context.Background()

	first := env.prepare(t, "first question")
	if _, err := env.store.AppendMessage(ctx, first.Conversation.ID, models.RoleAssistant, "first answer"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	cid := first.Conversation.ID
	p, err := env.orch.Prepare(ctx, env.user, RequestInput{
		Message:        "second question",
		ConversationID: &cid,
		Context:        "the user is testing",
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	if p.Conversation.ID != cid {
		t.Errorf("conversation id = %s, want %s", p.Conversation.ID, cid)
	}
	if len(p.Window) != 3 {
		t.Fatalf("window = %d messages, want 3", len(p.Window))
	}
	if len(p.History) != 2 {
		t.Fatalf("history = %d messages, want 2", len(p.History))
	}
	if p.History[0].Role != agent.RoleUser || p.History[0].Content != "first question" {
		t.Errorf("history[0] = %s %q", p.History[0].Role, p.History[0].Content)
	}
	if p.History[1].Role != agent.RoleAssistant || p.History[1].Content != "first answer" {
		t.Errorf("history[1] = %s %q", p.History[1].Role, p.History[1].Content)
	}
	if p.Context != "the user is testing" {
		t.Errorf("context = %q", p.Context)
	}
}

func TestPrepareEmptyMessageAccepted(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{})

	p, err := env.orch.Prepare(context.Background(), env.user, RequestInput{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if p.Conversation.Title != "" {
		t.Errorf("title = %q, want empty", p.Conversation.Title)
	}
	if len(p.Window) != 1 {
		t.Errorf("window = %d messages, want 1", len(p.Window))
	}
}

func TestPrepareUnknownConversation(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{})

	missing := uuid.New()
	_, err := env.orch.Prepare(context.Background(), env.user, RequestInput{
		Message:        "hi",
		ConversationID: &missing,
	})
	if !errors.Is(err, conversations.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPrepareQuotaExceeded(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{})
	ctx := context.Background()

	seed := env.prepare(t, "message 1")
	cid := seed.Conversation.ID
	for i := 2; i <= 10; i++ {
		if _, err := env.orch.Prepare(ctx, env.user, RequestInput{
			Message:        fmt.Sprintf("message %d", i),
			ConversationID: &cid,
		}); err != nil {
			t.Fatalf("prepare %d: %v", i, err)
		}
	}

	_, err := env.orch.Prepare(ctx, env.user, RequestInput{Message: "one over"})
	qe, ok := quota.GetQuotaExceeded(err)
	if !ok {
		t.Fatalf("err = %v, want QuotaExceededError", err)
	}
	if qe.Status.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", qe.Status.Remaining)
	}
	if qe.Status.UsedToday != 10 {
		t.Errorf("used = %d, want 10", qe.Status.UsedToday)
	}
	if qe.Status.LimitValue != 10 {
		t.Errorf("limit = %d, want 10", qe.Status.LimitValue)
	}

	// The rejected request must not have recorded a message.
	count, err := env.store.CountUserMessagesSince(ctx, env.user.ID, time.Time{})
	if err != nil {
		t.Fatalf("CountUserMessagesSince: %v", err)
	}
	if count != 10 {
		t.Errorf("stored user messages = %d, want 10", count)
	}
}

func TestPrepareRequiresUser(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{})
	if _, err := env.orch.Prepare(context.Background(), nil, RequestInput{Message: "hi"}); err == nil {
		t.Error("expected an error for a nil user")
	}
}

// captureSink records events and heartbeats. failAfter > 0 makes Send fail
// once that many events have been accepted, simulating a dropped client.
type captureSink struct {
	mu         sync.Mutex
	events     []models.StreamEvent
	heartbeats int
	failAfter  int
}

func (s *captureSink) Send(ev models.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && len(s.events) >= s.failAfter {
		return errors.New("client disconnected")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) Heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return nil
}

func (s *captureSink) recorded() []models.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.StreamEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *captureSink) heartbeatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats
}

func eventTypes(events []models.StreamEvent) []models.StreamEventType {
	out := make([]models.StreamEventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func joinTokens(events []models.StreamEvent) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == models.StreamEventToken {
			b.WriteString(ev.Content)
		}
	}
	return b.String()
}

// assertSingleTerminal verifies exactly one done or error event occurred
// and that it was the last event.
func assertSingleTerminal(t *testing.T, events []models.StreamEvent) {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events recorded")
	}
	terminals := 0
	for _, ev := range events {
		if ev.Type == models.StreamEventDone || ev.Type == models.StreamEventError {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("terminal events = %d, want exactly 1 (sequence: %v)", terminals, eventTypes(events))
	}
	last := events[len(events)-1].Type
	if last != models.StreamEventDone && last != models.StreamEventError {
		t.Fatalf("last event = %s, want done or error (sequence: %v)", last, eventTypes(events))
	}
}
