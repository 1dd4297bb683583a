// Package sandbox validates and runs user analysis scripts in isolated
// runtimes.
//
// A script moves through validating, preparing and executing before it
// ends completed, failed or timed out. Validation is static and runs before
// any record is read. Preparation fetches the tenant's filtered records once
// and writes them to a private directory mounted read-only into the runtime.
// The runtime never gets store access.
package sandbox

import (
	"regexp"
	"strings"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
)

// Language is the per-language strategy: validation, harness and the
// command that runs it.
type Language interface {
	Name() domain.Language

	// Validate runs the static checks for the language.
	Validate(script string) error

	// Harness returns the files written next to data.json.
	Harness(script string) map[string][]byte

	// RuntimeTag selects the runner image.
	RuntimeTag() string

	// Command is the argv run inside the runtime.
	Command() []string
}

// SQLiteTag is the runtime tag served by the in-process SQLite runner.
const SQLiteTag = "sqlite"

// LanguageFor returns the strategy for lang.
func LanguageFor(lang domain.Language, cfg domain.SandboxConfig) (Language, error) {
	switch lang {
	case domain.LanguagePython:
		return pythonLanguage{image: cfg.PythonImage}, nil
	case domain.LanguageR:
		return rLanguage{image: cfg.RImage}, nil
	case domain.LanguageSQL:
		return sqlLanguage{}, nil
	default:
		return nil, domain.NewValidationError("language must be one of python, r, sql")
	}
}

// checkSize rejects empty scripts and scripts over limit bytes.
func checkSize(script string, limit int) error {
	if strings.TrimSpace(script) == "" {
		return domain.NewValidationError("script is empty")
	}
	if len(script) > limit {
		return domain.NewValidationError("script exceeds %d bytes", limit)
	}
	return nil
}

// denylist is a set of forbidden patterns with the label reported for each.
type denylist []struct {
	label   string
	pattern *regexp.Regexp
}

func (d denylist) check(script string) error {
	for _, rule := range d {
		if rule.pattern.MatchString(script) {
			return domain.NewSecurityError("script uses forbidden construct %q", rule.label)
		}
	}
	return nil
}

func mustDeny(pairs ...string) denylist {
	d := make(denylist, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		d = append(d, struct {
			label   string
			pattern *regexp.Regexp
		}{pairs[i], regexp.MustCompile(`(?i)` + pairs[i+1])})
	}
	return d
}

// indent prefixes every line of script with prefix.
func indent(script, prefix string) string {
	lines := strings.Split(script, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
