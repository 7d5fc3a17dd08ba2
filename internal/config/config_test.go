package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
server:
  http_port: 9100
auth:
  jwt_secret: test-secret
llm:
  model: claude-sonnet-4
  providers:
    anthropic:
      api_key: sk-ant-test
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 9100 {
		t.Errorf("http_port = %d, want 9100", cfg.Server.HTTPPort)
	}
	if cfg.LLM.Model != "claude-sonnet-4" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
	if got := cfg.LLM.Providers["anthropic"].APIKey; got != "sk-ant-test" {
		t.Errorf("anthropic api key = %q", got)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
auth:
  jwt_secret: s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("default http_port = %d, want 8080", cfg.Server.HTTPPort)
	}
	if cfg.Agent.HeartbeatInterval != 10*time.Second {
		t.Errorf("default heartbeat = %v, want 10s", cfg.Agent.HeartbeatInterval)
	}
	if cfg.Agent.HistoryLimit != 20 {
		t.Errorf("default history_limit = %d, want 20", cfg.Agent.HistoryLimit)
	}
	if cfg.Agent.MaxIterations != 5 {
		t.Errorf("default max_iterations = %d, want 5", cfg.Agent.MaxIterations)
	}
	if cfg.Quota.Tiers["free_tier"][DefaultLimitName] != 20 {
		t.Errorf("default free tier = %v", cfg.Quota.Tiers["free_tier"])
	}
	if cfg.Database.Driver != "memory" {
		t.Errorf("default driver = %q, want memory", cfg.Database.Driver)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("THREADLINE_TEST_SECRET", "from-env")

	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
auth:
  jwt_secret: ${THREADLINE_TEST_SECRET}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("jwt_secret = %q, want from-env", cfg.Auth.JWTSecret)
	}
}

func TestLoadInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "quota.yaml", `
quota:
  default_tier: free_tier
  tiers:
    free_tier:
      daily_chat: 5
    pro_tier:
      daily_chat: 500
`)
	path := writeFile(t, dir, "config.yaml", `
$include: quota.yaml
auth:
  jwt_secret: s
quota:
  tiers:
    free_tier:
      daily_chat: 10
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Sibling keys override included values; untouched included keys survive.
	if got := cfg.Quota.Tiers["free_tier"][DefaultLimitName]; got != 10 {
		t.Errorf("free tier = %d, want 10 (override)", got)
	}
	if got := cfg.Quota.Tiers["pro_tier"][DefaultLimitName]; got != 500 {
		t.Errorf("pro tier = %d, want 500 (inherited)", got)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	writeFile(t, dir, "b.yaml", "$include: a.yaml\n")

	_, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "include cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
auth:
  jwt_secret: s
serverr:
  http_port: 9
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown field to fail decoding")
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json5", `{
  // comments are allowed
  auth: {jwt_secret: "s"},
  server: {http_port: 8191},
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 8191 {
		t.Errorf("http_port = %d, want 8191", cfg.Server.HTTPPort)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Auth.JWTSecret = "s"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid default",
			mutate: func(c *Config) {},
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.HTTPPort = 70000 },
			wantErr: "http_port",
		},
		{
			name:    "postgres without url",
			mutate:  func(c *Config) { c.Database.Driver = "postgres" },
			wantErr: "database.url",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Database.Driver = "mongodb" },
			wantErr: "database.driver",
		},
		{
			name: "no auth at all",
			mutate: func(c *Config) {
				c.Auth.JWTSecret = ""
				c.Auth.APIKeys = nil
			},
			wantErr: "auth requires",
		},
		{
			name:    "undefined default tier",
			mutate:  func(c *Config) { c.Quota.DefaultTier = "platinum_tier" },
			wantErr: "default_tier",
		},
		{
			name:    "telegram enabled without token",
			mutate:  func(c *Config) { c.Tools.Telegram.Enabled = true },
			wantErr: "bot_token",
		},
		{
			name: "telegram enabled without admin chat",
			mutate: func(c *Config) {
				c.Tools.Telegram.Enabled = true
				c.Tools.Telegram.BotToken = "123:abc"
			},
			wantErr: "admin_chat_id",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestMergeMaps(t *testing.T) {
	a := map[string]interface{}{
		"llm": map[string]interface{}{
			"model":       "gpt-4o-mini",
			"temperature": 0.7,
		},
		"logging": map[string]interface{}{"level": "info"},
	}
	b := map[string]interface{}{
		"llm": map[string]interface{}{"model": "claude-sonnet-4"},
	}

	out := mergeMaps(a, b)
	llm := out["llm"].(map[string]interface{})
	if llm["model"] != "claude-sonnet-4" {
		t.Errorf("model = %v, want override", llm["model"])
	}
	if llm["temperature"] != 0.7 {
		t.Errorf("temperature = %v, want preserved", llm["temperature"])
	}
	if out["logging"].(map[string]interface{})["level"] != "info" {
		t.Errorf("logging lost in merge")
	}
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
auth:
  jwt_secret: first
`)

	var mu sync.Mutex
	var got []string
	w, err := Watch(path, func(cfg *Config) {
		mu.Lock()
		got = append(got, cfg.Auth.JWTSecret)
		mu.Unlock()
	}, func(err error) {
		t.Logf("watch error: %v", err)
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	writeFile(t, dir, "config.yaml", `
auth:
  jwt_secret: second
`)

	deadline := time.After(3 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no reload observed within deadline")
		case <-time.After(20 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got[len(got)-1] != "second" {
		t.Errorf("reloaded secret = %q, want second", got[len(got)-1])
	}
}

func TestWatcherKeepsOldConfigOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
auth:
  jwt_secret: good
`)

	var mu sync.Mutex
	var changes, errors int
	w, err := Watch(path, func(cfg *Config) {
		mu.Lock()
		changes++
		mu.Unlock()
	}, func(err error) {
		mu.Lock()
		errors++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	writeFile(t, dir, "config.yaml", "auth: [broken")

	deadline := time.After(3 * time.Second)
	for {
		mu.Lock()
		e := errors
		mu.Unlock()
		if e > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no parse error surfaced within deadline")
		case <-time.After(20 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if changes != 0 {
		t.Errorf("onChange fired %d times for a broken config", changes)
	}
}
