package pattern

import (
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dlclark/regexp2"
)

type extendedMatcher struct {
	re   *regexp2.Regexp
	expr string
	addr int
	dur  int
}

type extendedGroups struct{ re *regexp2.Regexp }

// Group 0 is the whole match and is not a capture.
func (g extendedGroups) groupCount() int { return len(g.re.GetGroupNumbers()) - 1 }

func (g extendedGroups) groupIndex(name string) int {
	return g.re.GroupNumberFromName(name)
}

func compileExtended(spec Spec) (Matcher, error) {
	opts := regexp2.None
	if !spec.CaseSensitive {
		opts |= regexp2.IgnoreCase
	}
	// Accept the (?P<name>...) spelling used by simple patterns.
	expr := strings.ReplaceAll(spec.Expr, "(?P<", "(?<")
	re, err := regexp2.Compile(expr, opts)
	if err != nil {
		return nil, &Error{Kind: Syntax, Expr: spec.Expr, Err: err}
	}
	re.MatchTimeout = spec.MatchTimeout
	if re.MatchTimeout <= 0 {
		re.MatchTimeout = DefaultMatchTimeout
	}

	groups := extendedGroups{re: re}
	addr, dur, err := resolveGroups(spec, groups)
	if err != nil {
		return nil, err
	}
	return &extendedMatcher{re: re, expr: spec.Expr, addr: addr, dur: dur}, nil
}

func (m *extendedMatcher) Match(line string) Outcome {
	match, err := m.re.FindStringMatch(line)
	if err != nil {
		log.Warn("pattern match abandoned", "pattern", m.expr, "timeout", m.re.MatchTimeout.Round(time.Millisecond), "error", err)
		return Outcome{}
	}
	if match == nil {
		return Outcome{}
	}
	out := Outcome{Matched: true}
	out.Address, _ = extendedGroup(match, m.addr)
	if m.dur > 0 {
		out.Duration, out.HasDuration = extendedGroup(match, m.dur)
	}
	return out
}

func (m *extendedMatcher) String() string {
	return "extended:" + m.expr
}

func extendedGroup(match *regexp2.Match, number int) (string, bool) {
	g := match.GroupByNumber(number)
	if g == nil || len(g.Captures) == 0 {
		return "", false
	}
	return g.String(), true
}
