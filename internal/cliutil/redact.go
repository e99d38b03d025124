package cliutil

import (
	"regexp"
	"sort"
	"strings"
)

const redactedPlaceholder = "[redacted]"

// minSecretLen keeps short values such as "1" or "on" from masking
// unrelated output.
const minSecretLen = 4

var (
	secretNamePattern  = regexp.MustCompile(`(?i)(PASSWORD|PASSWD|SECRET|TOKEN|API_KEY|ACCESS_KEY|PRIVATE_KEY|CREDENTIALS?)`)
	secretAssignment   = regexp.MustCompile(`(?i)\b([A-Z0-9_]*(?:PASSWORD|PASSWD|SECRET|TOKEN|API_KEY|ACCESS_KEY)[A-Z0-9_]*)(\s*[:=]\s*)(["']?)([^"'\s]+)(["']?)`)
	templateVarPattern = regexp.MustCompile(`\$\{[^}]+\}`)
)

// Redactor masks secrets handed to a child through its environment before
// its output is recorded.
type Redactor struct {
	values []string
}

// NewRedactor collects the values of variables in env (KEY=VALUE form) whose
// names look like credentials.
func NewRedactor(env []string) *Redactor {
	r := &Redactor{}
	seen := make(map[string]bool)
	for _, kv := range env {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || len(value) < minSecretLen || !IsSecretName(name) || seen[value] {
			continue
		}
		seen[value] = true
		r.values = append(r.values, value)
	}
	// Longest first so a secret containing another is masked whole.
	sort.Slice(r.values, func(i, j int) bool { return len(r.values[i]) > len(r.values[j]) })
	return r
}

// Redact masks known secret values, then any secret-looking assignment and
// ${VAR} reference left in message. A nil Redactor only applies the latter.
func (r *Redactor) Redact(message string) string {
	if message == "" {
		return message
	}
	if r != nil {
		for _, value := range r.values {
			message = strings.ReplaceAll(message, value, redactedPlaceholder)
		}
	}
	message = templateVarPattern.ReplaceAllLiteralString(message, "${"+redactedPlaceholder+"}")
	return secretAssignment.ReplaceAllStringFunc(message, func(match string) string {
		parts := secretAssignment.FindStringSubmatch(match)
		if parts[4] == redactedPlaceholder {
			return match
		}
		return parts[1] + parts[2] + parts[3] + redactedPlaceholder + parts[5]
	})
}

// IsSecretName reports whether an environment variable name looks like it
// carries a credential.
func IsSecretName(name string) bool {
	return secretNamePattern.MatchString(name)
}
