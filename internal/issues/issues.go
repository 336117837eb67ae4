// Package issues looks up the external tracker state of a task's issue.
package issues

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/basket/taskrelay/internal/executor"
)

// Resolver reports the external state ("open", "closed", ...) of an issue.
type Resolver interface {
	Status(ctx context.Context, issueRef string) (string, error)
}

// Ref is a parsed issue reference.
type Ref struct {
	Repo   string
	Number string
}

var (
	refShort = regexp.MustCompile(`^([\w.-]+/[\w.-]+)?#?(\d+)$`)
	refURL   = regexp.MustCompile(`^https?://github\.com/([\w.-]+/[\w.-]+)/(?:issues|pull)/(\d+)`)
)

// ParseRef accepts "owner/repo#12", "#12", "12" and GitHub issue URLs.
// defaultRepo fills in a missing repository.
func ParseRef(issueRef, defaultRepo string) (Ref, error) {
	s := strings.TrimSpace(issueRef)
	if m := refURL.FindStringSubmatch(s); m != nil {
		return Ref{Repo: m[1], Number: m[2]}, nil
	}
	m := refShort.FindStringSubmatch(s)
	if m == nil {
		return Ref{}, fmt.Errorf("unrecognised issue reference %q", issueRef)
	}
	repo := m[1]
	if repo == "" {
		repo = defaultRepo
	}
	return Ref{Repo: repo, Number: m[2]}, nil
}

// GH resolves issue state through the GitHub CLI.
type GH struct {
	path        string
	defaultRepo string
	runner      executor.CommandRunner
	timeout     time.Duration
}

func NewGH(path, defaultRepo string, runner executor.CommandRunner) *GH {
	if path == "" {
		path = "gh"
	}
	if runner == nil {
		runner = executor.NewHostRunner()
	}
	return &GH{path: path, defaultRepo: defaultRepo, runner: runner, timeout: 15 * time.Second}
}

func (g *GH) Status(ctx context.Context, issueRef string) (string, error) {
	ref, err := ParseRef(issueRef, g.defaultRepo)
	if err != nil {
		return "", err
	}
	args := []string{"issue", "view", ref.Number, "--json", "state"}
	if ref.Repo != "" {
		args = append(args, "--repo", ref.Repo)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	stdout, stderr, err := g.runner.Run(ctx, executor.Command{Name: g.path, Args: args})
	if err != nil {
		return "", fmt.Errorf("gh issue view %s: %w: %s", issueRef, err, strings.TrimSpace(string(stderr)))
	}
	var out struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(stdout, &out); err != nil {
		return "", fmt.Errorf("decode gh output for %s: %w", issueRef, err)
	}
	return strings.ToLower(out.State), nil
}

// Static serves fixed states. Unknown references report "".
type Static struct {
	mu     sync.RWMutex
	states map[string]string
}

func NewStatic(states map[string]string) *Static {
	s := &Static{states: make(map[string]string, len(states))}
	for k, v := range states {
		s.states[k] = v
	}
	return s
}

func (s *Static) Set(issueRef, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[issueRef] = state
}

func (s *Static) Status(_ context.Context, issueRef string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[issueRef], nil
}

// None is the resolver for deployments without an issue tracker.
type None struct{}

func (None) Status(context.Context, string) (string, error) { return "", nil }
