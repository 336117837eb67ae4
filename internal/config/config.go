package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basket/taskrelay/internal/cron"
	"github.com/basket/taskrelay/internal/otel"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AgentConfig declares one named agent and how to run it headless.
type AgentConfig struct {
	Name  string `yaml:"name"`
	Label string `yaml:"label"`
	// Active defaults to true when omitted.
	Active         *bool             `yaml:"active,omitempty"`
	Command        []string          `yaml:"command"`
	Workdir        string            `yaml:"workdir"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	Env            map[string]string `yaml:"env"`
	// Output is "json" (validated against the result schema) or "text".
	Output string `yaml:"output"`
}

func (a AgentConfig) IsActive() bool {
	return a.Active == nil || *a.Active
}

// Timeout returns the per-agent execution timeout, falling back to def.
func (a AgentConfig) Timeout(def time.Duration) time.Duration {
	if a.TimeoutSeconds > 0 {
		return time.Duration(a.TimeoutSeconds) * time.Second
	}
	return def
}

type IssuesConfig struct {
	// Provider is "gh" (GitHub CLI) or "none".
	Provider    string `yaml:"provider"`
	GHPath      string `yaml:"gh_path"`
	DefaultRepo string `yaml:"default_repo"`
}

type TelegramConfig struct {
	Enabled bool    `yaml:"enabled"`
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// RateLimitConfig configures the per-token request limiter on /api.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// GatewayConfig covers the HTTP surface in front of the lifecycle manager.
type GatewayConfig struct {
	// AllowOrigins lists accepted Origin patterns for browser clients. Empty
	// means same-origin only.
	AllowOrigins []string        `yaml:"allow_origins"`
	MaxBodyBytes int64           `yaml:"max_body_bytes"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	WorkerCount         int    `yaml:"worker_count"`
	TaskTimeoutSeconds  int    `yaml:"task_timeout_seconds"`
	DrainTimeoutSeconds int    `yaml:"drain_timeout_seconds"`
	BindAddr            string `yaml:"bind_addr"`
	LogLevel            string `yaml:"log_level"`

	OrphanGraceSeconds int `yaml:"orphan_grace_seconds"`

	// Cron expressions (5-field). Empty disables the job.
	DispatchSweep  string `yaml:"dispatch_sweep"`
	OrphanReminder string `yaml:"orphan_reminder"`

	// PromptTemplate is a text/template file, relative to HomeDir unless absolute.
	PromptTemplate string `yaml:"prompt_template"`
	PromptText     string `yaml:"-"`

	Agents  []AgentConfig `yaml:"agents"`
	Issues  IssuesConfig  `yaml:"issues"`
	Notify  NotifyConfig  `yaml:"notify"`
	Gateway GatewayConfig `yaml:"gateway"`
	OTel    otel.Config   `yaml:"otel"`
}

// Agent returns the named agent entry.
func (c Config) Agent(name string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentConfig{}, false
}

func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func (c Config) OrphanGrace() time.Duration {
	return time.Duration(c.OrphanGraceSeconds) * time.Second
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PromptPath resolves the prompt template location.
func (c Config) PromptPath() string {
	if filepath.IsAbs(c.PromptTemplate) {
		return c.PromptTemplate
	}
	return filepath.Join(c.HomeDir, c.PromptTemplate)
}

// Fingerprint returns a stable hash of the settings that affect dispatch.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|timeout=%d|bind=%s|log=%s|sweep=%s|reminder=%s",
		c.WorkerCount, c.TaskTimeoutSeconds, c.BindAddr, c.LogLevel, c.DispatchSweep, c.OrphanReminder)
	for _, a := range c.Agents {
		fmt.Fprintf(h, "|agent=%s:%t:%s:%d", a.Name, a.IsActive(), strings.Join(a.Command, " "), a.TimeoutSeconds)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		WorkerCount:         4,
		TaskTimeoutSeconds:  int((30 * time.Minute).Seconds()),
		DrainTimeoutSeconds: 10,
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		OrphanGraceSeconds:  10,
		DispatchSweep:       "*/5 * * * *",
		OrphanReminder:      "0 * * * *",
		PromptTemplate:      "prompt.tmpl",
		Issues:              IssuesConfig{Provider: "gh", GHPath: "gh"},
		Gateway: GatewayConfig{
			MaxBodyBytes: 1 << 20,
			RateLimit:    RateLimitConfig{RequestsPerMinute: 120, BurstSize: 20},
		},
	}
}

// defaultAgents seeds a fresh install with the two headless developer CLIs.
func defaultAgents() []AgentConfig {
	return []AgentConfig{
		{
			Name:    "claude",
			Label:   "Claude Code",
			Command: []string{"claude", "-p", "--output-format", "json"},
			Output:  "json",
		},
		{
			Name:    "opencode",
			Label:   "OpenCode",
			Command: []string{"opencode", "run", "--format", "json"},
			Output:  "json",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKRELAY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskrelay")
}

func Load() (Config, error) {
	return LoadDir(HomeDir())
}

// LoadDir loads <homeDir>/.env, then config.yaml, then env overrides.
// Variables already set in the environment win over .env entries.
func LoadDir(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskrelay home: %w", err)
	}

	envPath := filepath.Join(cfg.HomeDir, ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return cfg, fmt.Errorf("load .env: %w", err)
		}
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	if err := loadTextFiles(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = int((30 * time.Minute).Seconds())
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 10
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.OrphanGraceSeconds < 0 {
		cfg.OrphanGraceSeconds = 0
	}
	if strings.TrimSpace(cfg.PromptTemplate) == "" {
		cfg.PromptTemplate = "prompt.tmpl"
	}
	if cfg.Gateway.MaxBodyBytes <= 0 {
		cfg.Gateway.MaxBodyBytes = 1 << 20
	}
	if cfg.Gateway.RateLimit.RequestsPerMinute <= 0 {
		cfg.Gateway.RateLimit.RequestsPerMinute = 120
	}
	if cfg.Gateway.RateLimit.BurstSize <= 0 {
		cfg.Gateway.RateLimit.BurstSize = 20
	}
	if cfg.Issues.Provider == "" {
		cfg.Issues.Provider = "gh"
	}
	if cfg.Issues.GHPath == "" {
		cfg.Issues.GHPath = "gh"
	}
	if len(cfg.Agents) == 0 {
		cfg.Agents = defaultAgents()
	}
	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		a.Name = strings.TrimSpace(a.Name)
		if a.Label == "" {
			a.Label = a.Name
		}
		if a.Output == "" {
			a.Output = "json"
		}
	}
}

func validate(cfg Config) error {
	seen := make(map[string]struct{}, len(cfg.Agents))
	for i, a := range cfg.Agents {
		if a.Name == "" {
			return fmt.Errorf("agents[%d]: name is required", i)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("agents[%d]: duplicate agent name %q", i, a.Name)
		}
		seen[a.Name] = struct{}{}
		if len(a.Command) == 0 {
			return fmt.Errorf("agent %s: command is required", a.Name)
		}
		if a.Output != "json" && a.Output != "text" {
			return fmt.Errorf("agent %s: output must be json or text, got %q", a.Name, a.Output)
		}
	}
	if err := cron.Validate(cfg.DispatchSweep); err != nil {
		return fmt.Errorf("dispatch_sweep: %w", err)
	}
	if err := cron.Validate(cfg.OrphanReminder); err != nil {
		return fmt.Errorf("orphan_reminder: %w", err)
	}
	switch cfg.Issues.Provider {
	case "gh", "none":
	default:
		return fmt.Errorf("issues.provider must be gh or none, got %q", cfg.Issues.Provider)
	}
	if cfg.Notify.Telegram.Enabled && cfg.Notify.Telegram.Token == "" {
		return fmt.Errorf("notify.telegram.enabled requires a token (or TASKRELAY_TELEGRAM_TOKEN)")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	intEnv := map[string]*int{
		"TASKRELAY_WORKER_COUNT":          &cfg.WorkerCount,
		"TASKRELAY_TASK_TIMEOUT_SECONDS":  &cfg.TaskTimeoutSeconds,
		"TASKRELAY_DRAIN_TIMEOUT_SECONDS": &cfg.DrainTimeoutSeconds,
		"TASKRELAY_ORPHAN_GRACE_SECONDS":  &cfg.OrphanGraceSeconds,
	}
	for name, dst := range intEnv {
		if raw := os.Getenv(name); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				*dst = v
			}
		}
	}
	if raw := os.Getenv("TASKRELAY_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKRELAY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKRELAY_TELEGRAM_TOKEN"); raw != "" {
		cfg.Notify.Telegram.Token = raw
	}
}

// loadTextFiles reads the prompt template. A missing file leaves PromptText
// empty and the dispatcher falls back to its built-in template.
func loadTextFiles(cfg *Config) error {
	b, err := os.ReadFile(cfg.PromptPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read prompt template: %w", err)
	}
	cfg.PromptText = string(b)
	return nil
}
