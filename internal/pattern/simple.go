package pattern

import "regexp"

type simpleMatcher struct {
	re   *regexp.Regexp
	expr string
	addr int
	dur  int
}

type simpleGroups struct{ re *regexp.Regexp }

func (g simpleGroups) groupCount() int            { return g.re.NumSubexp() }
func (g simpleGroups) groupIndex(name string) int { return g.re.SubexpIndex(name) }

func compileSimple(spec Spec) (Matcher, error) {
	expr := spec.Expr
	if !spec.CaseSensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, &Error{Kind: Syntax, Expr: spec.Expr, Err: err}
	}
	addr, dur, err := resolveGroups(spec, simpleGroups{re: re})
	if err != nil {
		return nil, err
	}
	return &simpleMatcher{re: re, expr: spec.Expr, addr: addr, dur: dur}, nil
}

func (m *simpleMatcher) Match(line string) Outcome {
	loc := m.re.FindStringSubmatchIndex(line)
	if loc == nil {
		return Outcome{}
	}
	out := Outcome{Matched: true}
	out.Address, _ = submatch(line, loc, m.addr)
	if m.dur > 0 {
		out.Duration, out.HasDuration = submatch(line, loc, m.dur)
	}
	return out
}

func (m *simpleMatcher) String() string {
	return "simple:" + m.expr
}

func submatch(line string, loc []int, group int) (string, bool) {
	start, end := loc[2*group], loc[2*group+1]
	if start < 0 {
		return "", false
	}
	return line[start:end], true
}
