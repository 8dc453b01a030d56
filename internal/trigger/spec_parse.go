package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SpecKind is the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron  SpecKind = iota // cron expression or descriptor
	SpecEvery                 // fixed interval
)

// ParsedSpec is a schedule string reduced to a form the cron runner accepts.
//
// Expr is always registerable: cron expressions and descriptors pass through,
// fixed intervals normalize to "@every <duration>" and "HH:MM" becomes a
// daily five-field expression.
type ParsedSpec struct {
	Kind  SpecKind
	Expr  string
	Every time.Duration // set when Kind == SpecEvery
}

// ParseSchedule classifies a schedule string.
//
// Accepted forms:
//   - cron, five or six fields: "*/5 * * * *", "30 */2 9-17 * * *"
//   - descriptors: "@hourly", "@every 90s"
//   - bare Go duration: "45s", "2h30m"
//   - "HH:MM": daily at that wall-clock time
//
// The prefixes "cron:" and "every:" force a reading when a value would
// otherwise be ambiguous.
//
// Note that classification is not grammar validation: a cron expression is
// only checked when it is registered. ValidateSchedule does both.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule is required")
	}

	if rest, ok := cutPrefixFold(s, "cron:"); ok {
		if rest == "" {
			return ParsedSpec{}, fmt.Errorf("cron: needs an expression")
		}
		return ParsedSpec{Kind: SpecCron, Expr: rest}, nil
	}
	if rest, ok := cutPrefixFold(s, "every:"); ok {
		d, err := parseEvery(rest)
		if err != nil {
			return ParsedSpec{}, err
		}
		return everySpec(d), nil
	}

	// Whitespace and a leading '@' only occur in cron expressions and
	// descriptors.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: SpecCron, Expr: s}, nil
	}

	// A remaining colon means wall-clock time: "03:30" runs daily at 03:30.
	if strings.Contains(s, ":") {
		h, m, err := parseClock(s)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecCron, Expr: fmt.Sprintf("%d %d * * *", m, h)}, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return ParsedSpec{}, fmt.Errorf("interval must be > 0")
		}
		return everySpec(d), nil
	}

	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', a duration like '45s', or 'HH:MM')", raw)
}

func everySpec(d time.Duration) ParsedSpec {
	return ParsedSpec{Kind: SpecEvery, Expr: "@every " + d.String(), Every: d}
}

func parseEvery(v string) (time.Duration, error) {
	if v == "" {
		return 0, fmt.Errorf("every: needs a duration")
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q (use a Go duration like '45s' or '2h30m')", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

func parseClock(s string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// cutPrefixFold trims prefix case-insensitively and returns the remainder
// with surrounding whitespace removed.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}
