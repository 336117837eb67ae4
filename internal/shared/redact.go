package shared

import (
	"regexp"
	"sort"
	"strings"
)

// RedactedPlaceholder replaces every secret removed by this package.
const RedactedPlaceholder = "[REDACTED]"

// secretPatterns matches secrets that leak into agent stderr, issue text
// and log lines. Patterns with two groups keep the first one as a label.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// gh CLI tokens seen by the issue resolver.
	regexp.MustCompile(`\b(ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{30,}\b`),
	regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{40,}\b`),
	// Model provider keys exported to headless agent CLIs.
	regexp.MustCompile(`\bsk-(ant-)?[A-Za-z0-9_\-]{20,}\b`),
	// Telegram bot tokens: <bot id>:<35 chars>.
	regexp.MustCompile(`\b\d{6,}:[A-Za-z0-9_\-]{35}\b`),
}

var sensitiveNameParts = []string{"api_key", "apikey", "api-key", "secret", "token", "password", "credential"}

// IsSensitiveName reports whether a flag, env var or attribute name looks
// like it carries a secret.
func IsSensitiveName(name string) bool {
	lower := strings.ToLower(strings.TrimLeft(strings.TrimSpace(name), "-"))
	if lower == "" {
		return false
	}
	for _, part := range sensitiveNameParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// Redact replaces secret-looking substrings of s.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, pat := range secretPatterns {
		s = pat.ReplaceAllStringFunc(s, func(match string) string {
			if sub := pat.FindStringSubmatch(match); len(sub) >= 3 && sub[1] != "" {
				return sub[1] + RedactedPlaceholder
			}
			return RedactedPlaceholder
		})
	}
	return s
}

// RedactArgs returns a copy of an agent command line safe to log. Values of
// sensitive flags are hidden in both "--flag value" and "--flag=value" form.
func RedactArgs(args []string) []string {
	out := make([]string, len(args))
	hideNext := false
	for i, a := range args {
		switch {
		case hideNext:
			out[i] = RedactedPlaceholder
			hideNext = false
		case strings.HasPrefix(a, "-"):
			if name, _, ok := strings.Cut(a, "="); ok && IsSensitiveName(name) {
				out[i] = name + "=" + RedactedPlaceholder
				continue
			}
			out[i] = a
			hideNext = IsSensitiveName(a)
		default:
			out[i] = Redact(a)
		}
	}
	return out
}

// RedactEnv renders an agent profile's extra environment as sorted
// KEY=VALUE pairs with secret values hidden.
func RedactEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		v := env[k]
		if IsSensitiveName(k) {
			v = RedactedPlaceholder
		} else {
			v = Redact(v)
		}
		out = append(out, k+"="+v)
	}
	return out
}
