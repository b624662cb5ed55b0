// Package redact strips high-confidence secrets from any string about to
// leave the machine: tool inputs, pane captures, diff output, error text,
// and question text. It is applied uniformly by the router before any
// outbound call to the chat transport.
package redact

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"
)

// Marker replaces every matched span. Its length is fixed so callers doing
// message-size budgeting can reason about worst-case output length.
const Marker = "«redacted»"

// pattern is a single named, ordered matcher.
type pattern struct {
	name string
	re   *regexp.Regexp
}

// Patterns returns the built-in matcher set, in match order. It exists so
// tests (here and in the router) can exercise the exact matchers used at
// runtime without re-parsing pattern source.
func Patterns() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(builtins))
	for i, p := range builtins {
		out[i] = p.re
	}
	return out
}

var builtins = []pattern{
	{"bearer", regexp.MustCompile(`Bearer\s+[A-Za-z0-9._-]+`)},
	{"jwt", regexp.MustCompile(`\b[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`)},
	{"private-key-block", regexp.MustCompile(`-----BEGIN [A-Z ]+PRIVATE KEY-----[\s\S]*?-----END [A-Z ]+PRIVATE KEY-----`)},
	{"aws-access-key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"gcp-api-key", regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`)},
	{"github-pat", regexp.MustCompile(`gh[po]_[A-Za-z0-9]{20,}`)},
	{"openai-style-key", regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`)},
}

var dotenvLine = regexp.MustCompile(`^([A-Z_][A-Z0-9_]*)\s*=\s*['"]?([^'"\n]+)`)

// Pipeline holds the compiled matcher set, including any additional patterns
// loaded from configuration. The zero value is not usable; construct with
// New or Default.
type Pipeline struct {
	patterns []pattern
	disabled bool
}

// Default returns a Pipeline with only the built-in matchers.
func Default() *Pipeline {
	return &Pipeline{patterns: builtins}
}

// NewDisabled returns a Pipeline whose Redact is the identity function.
// It exists only for an operator's explicit `redaction.enabled: false`
// config choice — never the default, since every other caller in this
// codebase assumes Redact has actually scrubbed its input.
func NewDisabled() *Pipeline {
	return &Pipeline{disabled: true}
}

// Extra names an additional configured pattern appended to the built-in set.
type Extra struct {
	Name    string
	Pattern string
}

// New compiles extras and appends them after the built-in matchers, so a
// built-in match always wins a tie over a user-supplied one covering the
// same span. It returns an error naming the first pattern that fails to
// compile, so startup can refuse to run with a broken redaction config
// rather than silently under-redacting.
func New(extras []Extra) (*Pipeline, error) {
	all := make([]pattern, 0, len(builtins)+len(extras))
	all = append(all, builtins...)
	for _, e := range extras {
		re, err := regexp.Compile(e.Pattern)
		if err != nil {
			return nil, fmt.Errorf("redact: compile pattern %q: %w", e.Name, err)
		}
		all = append(all, pattern{name: e.Name, re: re})
	}
	return &Pipeline{patterns: all}, nil
}

// Redact strips every recognized secret pattern from s, replacing each
// match with Marker. It is idempotent: Redact(Redact(s)) == Redact(s),
// since Marker itself matches none of the patterns.
func (p *Pipeline) Redact(s string) string {
	if p.disabled {
		return s
	}
	for _, pt := range p.patterns {
		s = pt.re.ReplaceAllString(s, Marker)
	}
	return redactDotenvLines(s)
}

// Redact strips secrets using the built-in pattern set only. Most callers
// that don't carry configured extras can use this directly.
func Redact(s string) string {
	return Default().Redact(s)
}

// redactDotenvLines redacts the value half of any line shaped like a
// dotenv assignment (KEY=value), preserving the key so operators can still
// see which variable was present.
func redactDotenvLines(s string) string {
	if !strings.Contains(s, "\n") && !dotenvLine.MatchString(s) {
		return s
	}

	var out strings.Builder
	sc := bufio.NewScanner(strings.NewReader(s))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	first := true
	for sc.Scan() {
		if !first {
			out.WriteByte('\n')
		}
		first = false
		line := sc.Text()
		if m := dotenvLine.FindStringSubmatch(line); m != nil {
			out.WriteString(m[1])
			out.WriteString("=")
			out.WriteString(Marker)
			continue
		}
		out.WriteString(line)
	}
	return out.String()
}
