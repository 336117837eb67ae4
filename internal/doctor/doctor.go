// Package doctor runs the local diagnostics behind "taskrelay doctor".
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/prompt"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// Run executes all diagnostic checks. dbPath is the daemon's database file.
func Run(ctx context.Context, cfg *config.Config, dbPath, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	d.Results = append(d.Results,
		checkConfig(cfg),
		checkDatabase(ctx, dbPath),
		checkPermissions(cfg),
		checkAgents(cfg),
		checkIssueTracker(cfg),
		checkPromptTemplate(cfg),
		checkListener(cfg),
	)
	return d
}

func checkConfig(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing; running on defaults",
			Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail: cfg.Fingerprint()}
}

func checkDatabase(ctx context.Context, dbPath string) CheckResult {
	if dbPath == "" {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "No database path"}
	}
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	counts, err := store.TaskCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	// Without a running daemon every in-progress response counts.
	orphans, err := store.ListOrphanedResponses(ctx, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	detail := fmt.Sprintf("pending=%d approved=%d sent=%d",
		counts[persistence.TaskStatusPending], counts[persistence.TaskStatusApproved], counts[persistence.TaskStatusSent])
	if len(orphans) > 0 {
		return CheckResult{Name: "Database", Status: StatusWarn,
			Message: fmt.Sprintf("%d response(s) in progress; run \"taskrelay orphans list\" if no daemon is running", len(orphans)),
			Detail:  detail}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Schema valid", Detail: detail}
}

func checkPermissions(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	info, err := os.Stat(filepath.Join(cfg.HomeDir, "auth.token"))
	if err == nil && info.Mode().Perm()&0o077 != 0 {
		return CheckResult{Name: "Permissions", Status: StatusWarn,
			Message: fmt.Sprintf("auth.token is readable by others (mode %o)", info.Mode().Perm()),
			Detail:  "chmod 600 auth.token"}
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

// checkAgents verifies each active agent's binary is on PATH.
func checkAgents(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Agents", Status: StatusSkip, Message: "Config missing"}
	}
	var details []string
	active, found := 0, 0
	for _, a := range cfg.Agents {
		if !a.IsActive() {
			details = append(details, a.Name+": inactive")
			continue
		}
		active++
		if len(a.Command) == 0 {
			details = append(details, a.Name+": no command")
			continue
		}
		if path, err := lookPath(a.Command[0]); err != nil {
			details = append(details, fmt.Sprintf("%s: %s not found", a.Name, a.Command[0]))
		} else {
			found++
			details = append(details, fmt.Sprintf("%s: %s", a.Name, path))
		}
	}
	res := CheckResult{Name: "Agents", Detail: strings.Join(details, "; ")}
	switch {
	case active == 0:
		res.Status, res.Message = StatusWarn, "No active agents; nothing can be dispatched"
	case found == 0:
		res.Status, res.Message = StatusFail, "No active agent command is installed"
	case found < active:
		res.Status, res.Message = StatusWarn, fmt.Sprintf("%d of %d agent commands found", found, active)
	default:
		res.Status, res.Message = StatusPass, fmt.Sprintf("%d agent command(s) found", found)
	}
	return res
}

func checkIssueTracker(cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Issues.Provider == "none" {
		return CheckResult{Name: "Issue Tracker", Status: StatusSkip, Message: "Issue lookups disabled"}
	}
	if _, err := lookPath(cfg.Issues.GHPath); err != nil {
		return CheckResult{Name: "Issue Tracker", Status: StatusWarn,
			Message: fmt.Sprintf("%s not found; orphan reports will show external state unknown", cfg.Issues.GHPath),
			Detail:  "install the GitHub CLI or set issues.provider: none"}
	}
	return CheckResult{Name: "Issue Tracker", Status: StatusPass, Message: fmt.Sprintf("%s found", cfg.Issues.GHPath)}
}

func checkPromptTemplate(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Prompt Template", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.PromptText == "" {
		return CheckResult{Name: "Prompt Template", Status: StatusPass, Message: "Using built-in template"}
	}
	r, err := prompt.NewRenderer(cfg.PromptText)
	if err != nil {
		return CheckResult{Name: "Prompt Template", Status: StatusFail, Message: fmt.Sprintf("Parse failed: %v", err),
			Detail: cfg.PromptPath()}
	}
	if _, err := r.Render(persistence.Task{ID: "doctor", Summary: "doctor check", TargetAgent: "doctor"}); err != nil {
		return CheckResult{Name: "Prompt Template", Status: StatusFail, Message: fmt.Sprintf("Render failed: %v", err),
			Detail: cfg.PromptPath()}
	}
	return CheckResult{Name: "Prompt Template", Status: StatusPass, Message: "Template parses and renders", Detail: cfg.PromptPath()}
}

// checkListener tries to bind bind_addr. A busy port usually means the
// daemon is already running.
func checkListener(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Listener", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return CheckResult{Name: "Listener", Status: StatusWarn,
				Message: fmt.Sprintf("%s in use (daemon already running?)", cfg.BindAddr),
				Detail:  "taskrelay status checks a running daemon"}
		}
		return CheckResult{Name: "Listener", Status: StatusFail, Message: fmt.Sprintf("Cannot bind %s: %v", cfg.BindAddr, err)}
	}
	ln.Close()
	return CheckResult{Name: "Listener", Status: StatusPass, Message: fmt.Sprintf("%s available", cfg.BindAddr)}
}
