// Package cronspec validates and evaluates job trigger expressions.
//
// Accepted forms:
//   - Standard 5-field cron: "*/5 * * * *", "0 0 * * 1-5"
//   - Descriptors: "@hourly", "@daily", "@weekly", "@every 90s"
//
// Six-field (seconds) expressions are rejected; jobs fire at minute
// granularity.
package cronspec

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// Parser is shared by validation and the scheduler so both agree on what a
// valid expression is.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse parses expr into a robfig schedule.
func Parse(expr string) (cron.Schedule, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, errors.New("schedule required")
	}
	sched, err := Parser.Parse(s)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid schedule %q (use cron like '*/5 * * * *' or '@hourly')", expr)
	}
	return sched, nil
}

// IsValidExpression reports whether expr is an accepted trigger expression.
func IsValidExpression(expr string) bool {
	_, err := Parse(expr)
	return err == nil
}

// NextRuns returns up to n upcoming fire times after from, in from's
// location.
func NextRuns(expr string, from time.Time, n int) ([]time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// Preview formats the next n fire times for log lines.
func Preview(expr string, loc *time.Location, n int) string {
	if loc == nil {
		loc = time.Local
	}
	next, err := NextRuns(expr, time.Now().In(loc), n)
	if err != nil {
		return ""
	}
	var b strings.Builder
	for i, t := range next {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
