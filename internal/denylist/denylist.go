// Package denylist is the best-effort content check applied to commands and
// scripts, both at submission and again right before every execution.
//
// It is not a security boundary. Entries are regular expressions, or glob
// patterns when prefixed with "glob:" (matched against each line).
package denylist

import (
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/gobwas/glob"

	"cronosphere/internal/job"
)

// DefaultPatterns mirror the submission filter of the web API.
var DefaultPatterns = []string{
	`(?i)(^|\s)sudo(\s|$)`,
	`(?i)rm\s+-rf`,
	`:\s*\(\)\s*\{\s*:\s*\|\s*:\s*&?\s*;?\s*\}`,
	`(?i)dd\s+if=`,
	`(?i)mkfs\.`,
	`:\(\)\{:\|:&\};:`,
}

type matcher interface {
	match(content string) bool
	String() string
}

type reMatcher struct{ re *regexp.Regexp }

func (m reMatcher) match(content string) bool { return m.re.MatchString(content) }
func (m reMatcher) String() string            { return m.re.String() }

type globMatcher struct {
	raw string
	g   glob.Glob
}

func (m globMatcher) match(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		if m.g.Match(strings.TrimSpace(line)) {
			return true
		}
	}
	return false
}
func (m globMatcher) String() string { return "glob:" + m.raw }

// List is a hot-swappable pattern set. The zero value forbids nothing.
type List struct {
	set atomic.Pointer[[]matcher]
}

// New compiles patterns; an empty slice selects DefaultPatterns.
func New(patterns []string) (*List, error) {
	l := &List{}
	if err := l.Apply(patterns); err != nil {
		return nil, err
	}
	return l, nil
}

// Compile validates patterns without installing them.
func Compile(patterns []string) error {
	_, err := compile(patterns)
	return err
}

// Apply replaces the pattern set atomically. On error the previous set is
// kept.
func (l *List) Apply(patterns []string) error {
	ms, err := compile(patterns)
	if err != nil {
		return err
	}
	l.set.Store(&ms)
	return nil
}

func compile(patterns []string) ([]matcher, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	out := make([]matcher, 0, len(patterns))
	for i, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(p, "glob:"); ok {
			g, err := glob.Compile(strings.TrimSpace(rest))
			if err != nil {
				return nil, errors.Wrapf(err, "denylist[%d]: invalid glob %q", i, rest)
			}
			out = append(out, globMatcher{raw: strings.TrimSpace(rest), g: g})
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "denylist[%d]: invalid pattern %q", i, p)
		}
		out = append(out, reMatcher{re: re})
	}
	return out, nil
}

// IsForbidden reports whether content matches any pattern. kind is accepted
// so per-interpreter rules can be added; the current set applies to all.
func (l *List) IsForbidden(content string, kind job.ScriptKind) bool {
	_, hit := l.Match(content, kind)
	return hit
}

// Match is IsForbidden plus the matching pattern, for log lines.
func (l *List) Match(content string, kind job.ScriptKind) (string, bool) {
	_ = kind
	if l == nil || strings.TrimSpace(content) == "" {
		return "", false
	}
	p := l.set.Load()
	if p == nil {
		return "", false
	}
	for _, m := range *p {
		if m.match(content) {
			return m.String(), true
		}
	}
	return "", false
}

// Len returns the number of active patterns.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	if p := l.set.Load(); p != nil {
		return len(*p)
	}
	return 0
}

// Check returns a job.ErrForbidden-marked error when content is forbidden.
func (l *List) Check(content string, kind job.ScriptKind) error {
	if pat, hit := l.Match(content, kind); hit {
		return errors.Mark(errors.Newf("forbidden operation (matched %s)", pat), job.ErrForbidden)
	}
	return nil
}
