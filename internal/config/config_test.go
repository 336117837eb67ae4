package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskrelay/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromTaskrelayHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "relay")
	writeConfig(t, home, "worker_count: 3\ntask_timeout_seconds: 120\n")
	if err := os.WriteFile(filepath.Join(home, "prompt.tmpl"), []byte("do {{.Summary}}"), 0o644); err != nil {
		t.Fatalf("write prompt: %v", err)
	}
	t.Setenv("TASKRELAY_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("home = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.WorkerCount != 3 {
		t.Fatalf("expected worker_count=3 got %d", cfg.WorkerCount)
	}
	if cfg.TaskTimeout() != 2*time.Minute {
		t.Fatalf("task timeout = %v", cfg.TaskTimeout())
	}
	if cfg.PromptText != "do {{.Summary}}" {
		t.Fatalf("unexpected prompt text: %q", cfg.PromptText)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadDir(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkerCount != 4 {
		t.Fatalf("worker_count default = %d", cfg.WorkerCount)
	}
	if cfg.BindAddr != "127.0.0.1:18790" {
		t.Fatalf("bind_addr default = %q", cfg.BindAddr)
	}
	if cfg.OrphanGrace() != 10*time.Second {
		t.Fatalf("orphan grace default = %v", cfg.OrphanGrace())
	}
	if cfg.Issues.Provider != "gh" {
		t.Fatalf("issues provider default = %q", cfg.Issues.Provider)
	}
	if len(cfg.Agents) != 2 {
		t.Fatalf("expected default agents, got %+v", cfg.Agents)
	}
	for _, a := range cfg.Agents {
		if !a.IsActive() {
			t.Fatalf("default agent %s should be active", a.Name)
		}
	}
	if cfg.PromptText != "" {
		t.Fatalf("missing template should leave prompt empty, got %q", cfg.PromptText)
	}
}

func TestLoad_AgentsFromYAML(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
agents:
  - name: claude
    command: ["claude", "-p"]
    timeout_seconds: 90
    env:
      CLAUDE_MODE: headless
  - name: opencode
    label: Open Code
    active: false
    command: ["opencode", "run"]
    output: text
`)
	cfg, err := config.LoadDir(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	claude, ok := cfg.Agent("claude")
	if !ok {
		t.Fatal("claude agent missing")
	}
	if claude.Label != "claude" {
		t.Fatalf("label should default to name, got %q", claude.Label)
	}
	if claude.Timeout(time.Hour) != 90*time.Second {
		t.Fatalf("claude timeout = %v", claude.Timeout(time.Hour))
	}
	if claude.Output != "json" || claude.Env["CLAUDE_MODE"] != "headless" {
		t.Fatalf("unexpected claude config: %+v", claude)
	}
	opencode, _ := cfg.Agent("opencode")
	if opencode.IsActive() {
		t.Fatal("opencode should be inactive")
	}
	if opencode.Timeout(time.Hour) != time.Hour {
		t.Fatalf("opencode timeout should fall back, got %v", opencode.Timeout(time.Hour))
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "worker_count: 2\nbind_addr: 127.0.0.1:1\n")
	t.Setenv("TASKRELAY_WORKER_COUNT", "9")
	t.Setenv("TASKRELAY_BIND_ADDR", "127.0.0.1:9999")
	t.Setenv("TASKRELAY_LOG_LEVEL", "debug")
	t.Setenv("TASKRELAY_ORPHAN_GRACE_SECONDS", "0")
	t.Setenv("TASKRELAY_TELEGRAM_TOKEN", "123:abc")

	cfg, err := config.LoadDir(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkerCount != 9 || cfg.BindAddr != "127.0.0.1:9999" || cfg.LogLevel != "debug" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.OrphanGraceSeconds != 0 {
		t.Fatalf("orphan grace = %d", cfg.OrphanGraceSeconds)
	}
	if cfg.Notify.Telegram.Token != "123:abc" {
		t.Fatalf("telegram token = %q", cfg.Notify.Telegram.Token)
	}
}

func TestLoad_DotEnvDoesNotOverrideEnvironment(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, ".env"),
		[]byte("TASKRELAY_LOG_LEVEL=warn\nTASKRELAY_WORKER_COUNT=6\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("TASKRELAY_LOG_LEVEL", "error")
	// Registered so the value loaded from .env is cleared after the test.
	t.Setenv("TASKRELAY_WORKER_COUNT", "")
	os.Unsetenv("TASKRELAY_WORKER_COUNT")

	cfg, err := config.LoadDir(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "error" {
		t.Fatalf("existing env should win, got %q", cfg.LogLevel)
	}
	if cfg.WorkerCount != 6 {
		t.Fatalf(".env value should apply, got %d", cfg.WorkerCount)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"duplicate agent", "agents:\n  - {name: a, command: [x]}\n  - {name: a, command: [y]}\n", "duplicate"},
		{"missing command", "agents:\n  - {name: a}\n", "command is required"},
		{"bad output", "agents:\n  - {name: a, command: [x], output: xml}\n", "output must be"},
		{"bad provider", "issues:\n  provider: jira\n", "issues.provider"},
		{"bad sweep expression", "dispatch_sweep: \"every 5 minutes\"\n", "dispatch_sweep"},
		{"bad reminder expression", "orphan_reminder: \"* * *\"\n", "orphan_reminder"},
		{"telegram without token", "notify:\n  telegram:\n    enabled: true\n", "token"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			home := t.TempDir()
			writeConfig(t, home, tc.yaml)
			_, err := config.LoadDir(home)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoad_GatewaySection(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "gateway:\n  allow_origins: [\"https://ops.example.com\"]\n  rate_limit:\n    enabled: true\n    requests_per_minute: 30\n")
	cfg, err := config.LoadDir(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	gw := cfg.Gateway
	if len(gw.AllowOrigins) != 1 || gw.AllowOrigins[0] != "https://ops.example.com" {
		t.Fatalf("unexpected origins %v", gw.AllowOrigins)
	}
	if !gw.RateLimit.Enabled || gw.RateLimit.RequestsPerMinute != 30 || gw.RateLimit.BurstSize != 20 {
		t.Fatalf("unexpected rate limit %+v", gw.RateLimit)
	}
	if gw.MaxBodyBytes != 1<<20 {
		t.Fatalf("expected default body limit, got %d", gw.MaxBodyBytes)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "worker_count: [not an int\n")
	if _, err := config.LoadDir(home); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFingerprint_ChangesWithAgents(t *testing.T) {
	home := t.TempDir()
	a, err := config.LoadDir(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	b.Agents = append([]config.AgentConfig(nil), a.Agents...)
	off := false
	b.Agents[0].Active = &off
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change when an agent is disabled")
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Fatal("fingerprint must be stable")
	}
}

func TestPromptPath_Absolute(t *testing.T) {
	cfg := config.Config{HomeDir: "/srv/relay", PromptTemplate: "/etc/relay/prompt.tmpl"}
	if got := cfg.PromptPath(); got != "/etc/relay/prompt.tmpl" {
		t.Fatalf("PromptPath = %q", got)
	}
	cfg.PromptTemplate = "prompt.tmpl"
	if got := cfg.PromptPath(); got != filepath.Join("/srv/relay", "prompt.tmpl") {
		t.Fatalf("PromptPath = %q", got)
	}
}
