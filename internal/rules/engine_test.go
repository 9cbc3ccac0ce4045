package rules

import (
	"bytes"
	"io"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"banhammer/internal/pattern"
)

var testNow = time.Unix(1_700_000_000, 0)

func mustMatcher(t *testing.T, expr string, durationGroup string) pattern.Matcher {
	t.Helper()
	m, err := pattern.Compile(pattern.Spec{Expr: expr, DurationGroup: durationGroup})
	if err != nil {
		t.Fatalf("Compile(%q) returned error: %v", expr, err)
	}
	return m
}

func newTestEngine(t *testing.T, rules []Rule, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithLogger(log.New(io.Discard)),
		WithClock(func() time.Time { return testNow }),
		WithRandom(func() float64 { return 0.5 }),
	}
	return New(rules, append(base, opts...)...)
}

func sshRules(t *testing.T, first OnMatch) []Rule {
	return []Rule{
		{Name: "invalid-user", Matcher: mustMatcher(t, `invalid user \S+ from (\S+)`, ""), Table: 1, Duration: 10 * time.Minute, OnMatch: first},
		{Name: "any-from", Matcher: mustMatcher(t, `from (?P<host>\S+)`, ""), Table: 2, Duration: time.Hour, OnMatch: Stop},
	}
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	engine := newTestEngine(t, sshRules(t, Stop))

	got := engine.Evaluate("sshd[1]: Invalid user admin from 192.0.2.10 port 22")
	if len(got) != 1 {
		t.Fatalf("Evaluate returned %d inserts, want 1", len(got))
	}
	if got[0].Rule != "invalid-user" || got[0].Table != 1 {
		t.Fatalf("Evaluate returned %+v, want insert from invalid-user into table 1", got[0])
	}
	if want := testNow.Add(10 * time.Minute); !got[0].ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %s, want %s", got[0].ExpiresAt, want)
	}
}

func TestEvaluateAllRules(t *testing.T) {
	engine := newTestEngine(t, sshRules(t, Continue))

	got := engine.Evaluate("sshd[1]: Invalid user admin from 192.0.2.10 port 22")
	if len(got) != 2 {
		t.Fatalf("Evaluate returned %d inserts, want 2", len(got))
	}
	if got[0].Table != 1 || got[1].Table != 2 {
		t.Fatalf("Evaluate returned tables %s and %s, want 1 and 2", got[0].Table, got[1].Table)
	}
}

func TestEvaluateLastWriteWinsWithinLine(t *testing.T) {
	rules := []Rule{
		{Name: "short", Matcher: mustMatcher(t, `from (\S+)`, ""), Table: 1, Duration: 10 * time.Minute, OnMatch: Continue},
		{Name: "long", Matcher: mustMatcher(t, `user \S+ from (\S+)`, ""), Table: 1, Duration: time.Hour, OnMatch: Continue},
	}
	engine := newTestEngine(t, rules)

	got := engine.Evaluate("Invalid user admin from 192.0.2.10")
	if len(got) != 1 {
		t.Fatalf("Evaluate returned %d inserts, want 1", len(got))
	}
	if got[0].Rule != "long" {
		t.Fatalf("Evaluate kept rule %s, want long", got[0].Rule)
	}
	if want := testNow.Add(time.Hour); !got[0].ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %s, want %s", got[0].ExpiresAt, want)
	}
}

func TestEvaluateRematchResetsExpiry(t *testing.T) {
	now := testNow
	rules := []Rule{{Name: "r", Matcher: mustMatcher(t, `from (\S+)`, ""), Table: 1, Duration: time.Hour}}
	engine := newTestEngine(t, rules, WithClock(func() time.Time { return now }))

	first := engine.Evaluate("from 192.0.2.10")
	now = now.Add(30 * time.Minute)
	second := engine.Evaluate("from 192.0.2.10")

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("Evaluate returned %d and %d inserts, want 1 and 1", len(first), len(second))
	}
	if want := testNow.Add(90 * time.Minute); !second[0].ExpiresAt.Equal(want) {
		t.Fatalf("second ExpiresAt = %s, want %s (reset from the new match)", second[0].ExpiresAt, want)
	}
}

func TestEvaluateGracefulSkip(t *testing.T) {
	rules := []Rule{{Name: "r", Matcher: mustMatcher(t, `from (\S+)`, ""), Table: 1, Duration: time.Hour}}
	engine := newTestEngine(t, rules)

	if got := engine.Evaluate("from 999.1.2.3"); len(got) != 0 {
		t.Fatalf("Evaluate returned %d inserts for malformed address, want 0", len(got))
	}
	if got := engine.Evaluate("from 192.0.2.44"); len(got) != 1 {
		t.Fatalf("Evaluate returned %d inserts after a skipped line, want 1", len(got))
	}

	stats := engine.Stats()
	if stats[0].Matches != 2 || stats[0].Skipped != 1 || stats[0].Inserts != 1 {
		t.Fatalf("Stats returned %+v, want 2 matches, 1 skipped, 1 insert", stats[0])
	}
}

func TestEvaluateSkippedRuleFallsThrough(t *testing.T) {
	rules := []Rule{
		{Name: "greedy", Matcher: mustMatcher(t, `user (\S+)`, ""), Table: 1, Duration: time.Hour},
		{Name: "precise", Matcher: mustMatcher(t, `from (\S+)`, ""), Table: 2, Duration: time.Hour},
	}
	engine := newTestEngine(t, rules)

	got := engine.Evaluate("user admin from 198.51.100.3")
	if len(got) != 1 || got[0].Rule != "precise" {
		t.Fatalf("Evaluate returned %+v, want a single insert from precise", got)
	}
}

func TestEvaluateNoMatch(t *testing.T) {
	engine := newTestEngine(t, sshRules(t, Stop))
	if got := engine.Evaluate("systemd: Started session 4."); got != nil {
		t.Fatalf("Evaluate returned %+v, want nil", got)
	}
}

func TestEvaluateDurationOverride(t *testing.T) {
	rules := []Rule{{
		Name:     "fw",
		Matcher:  mustMatcher(t, `ban (?P<host>\S+) for (?P<ttl>\S+)`, "ttl"),
		Table:    3,
		Duration: time.Hour,
	}}
	engine := newTestEngine(t, rules)

	tests := []struct {
		line string
		want time.Duration
	}{
		{"ban 192.0.2.1 for 600", 10 * time.Minute},
		{"ban 192.0.2.1 for 2h", 2 * time.Hour},
		{"ban 192.0.2.1 for 1d", 24 * time.Hour},
		{"ban 192.0.2.1 for soon", time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got := engine.Evaluate(tt.line)
			if len(got) != 1 {
				t.Fatalf("Evaluate returned %d inserts, want 1", len(got))
			}
			if got[0].Duration != tt.want {
				t.Fatalf("Duration = %s, want %s", got[0].Duration, tt.want)
			}
		})
	}

	never := engine.Evaluate("ban 192.0.2.1 for never")
	if len(never) != 1 || !never[0].Never {
		t.Fatalf("Evaluate returned %+v, want a never-expiring insert", never)
	}
}

func TestEvaluateRejectsOverflowingDuration(t *testing.T) {
	rules := []Rule{{Name: "r", Matcher: mustMatcher(t, `ban (\S+) for (\d+)`, "2"), Table: 1, Duration: time.Hour}}
	engine := newTestEngine(t, rules)

	if got := engine.Evaluate("ban 192.0.2.1 for 9000000000"); len(got) != 0 {
		t.Fatalf("Evaluate returned %+v, want no insert for an unencodable expiry", got)
	}
}

func TestEvaluateIgnoreAndLocal(t *testing.T) {
	local := netip.MustParseAddr("192.0.2.200")
	rules := []Rule{{Name: "r", Matcher: mustMatcher(t, `from (\S+)`, ""), Table: 1, Duration: time.Hour}}
	engine := newTestEngine(t, rules,
		WithIgnore([]netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}),
		WithLocalCheck(func(addr netip.Addr) bool { return addr == local }),
	)

	if got := engine.Evaluate("from 10.1.2.3"); len(got) != 0 {
		t.Fatalf("Evaluate returned %+v for ignored address, want none", got)
	}
	if got := engine.Evaluate("from 192.0.2.200"); len(got) != 0 {
		t.Fatalf("Evaluate returned %+v for local address, want none", got)
	}

	rules[0].BlockLocal = true
	permissive := newTestEngine(t, rules, WithLocalCheck(func(addr netip.Addr) bool { return addr == local }))
	if got := permissive.Evaluate("from 192.0.2.200"); len(got) != 1 {
		t.Fatalf("Evaluate returned %d inserts with block_local, want 1", len(got))
	}
}

func TestEvaluateWatchList(t *testing.T) {
	now := testNow
	rules := []Rule{{
		Name:     "brute",
		Matcher:  mustMatcher(t, `from (\S+)`, ""),
		Table:    1,
		Duration: time.Hour,
		Count:    3,
		Within:   time.Minute,
	}}
	engine := newTestEngine(t, rules, WithClock(func() time.Time { return now }))

	for i := 1; i <= 2; i++ {
		if got := engine.Evaluate("from 192.0.2.7"); len(got) != 0 {
			t.Fatalf("hit %d returned %d inserts, want 0", i, len(got))
		}
	}
	if got := engine.Evaluate("from 192.0.2.7"); len(got) != 1 {
		t.Fatalf("threshold hit returned %d inserts, want 1", len(got))
	}
	if got := engine.Evaluate("from 192.0.2.7"); len(got) != 1 {
		t.Fatalf("repeat hit returned %d inserts, want 1", len(got))
	}

	now = now.Add(2 * time.Minute)
	if got := engine.Evaluate("from 192.0.2.7"); len(got) != 0 {
		t.Fatalf("hit after window returned %d inserts, want 0", len(got))
	}
	if stats := engine.Stats(); stats[0].Watching != 1 {
		t.Fatalf("Stats reported %d watched hosts, want 1", stats[0].Watching)
	}
}

func TestEvaluateOnFail(t *testing.T) {
	rule := Rule{
		Name:     "brute",
		Matcher:  mustMatcher(t, `from (\S+)`, ""),
		Table:    1,
		Duration: time.Hour,
		Count:    2,
		Within:   time.Minute,
	}

	tests := []struct {
		name       string
		onFail     OnFail
		warnFail   bool
		repeats    int
		wantWarned int
	}{
		{name: "block keeps banning", onFail: BlockRepeat, repeats: 1},
		{name: "ignore drops repeats", onFail: IgnoreRepeat, repeats: 0},
		{name: "warn once", onFail: IgnoreRepeat, warnFail: true, repeats: 0, wantWarned: 1},
		{name: "warn and block", onFail: BlockRepeat, warnFail: true, repeats: 1, wantWarned: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			r := rule
			r.OnFail = tt.onFail
			r.WarnFail = tt.warnFail
			engine := newTestEngine(t, []Rule{r}, WithLogger(log.New(&buf)))

			engine.Evaluate("from 192.0.2.7")
			if got := engine.Evaluate("from 192.0.2.7"); len(got) != 1 {
				t.Fatalf("threshold hit returned %d inserts, want 1", len(got))
			}
			for i := 0; i < 3; i++ {
				if got := engine.Evaluate("from 192.0.2.7"); len(got) != tt.repeats {
					t.Fatalf("repeat hit %d returned %d inserts, want %d", i, len(got), tt.repeats)
				}
			}
			if got := strings.Count(buf.String(), "hit from blocked host"); got != tt.wantWarned {
				t.Fatalf("logged %d blocked-host warnings, want %d:\n%s", got, tt.wantWarned, buf.String())
			}
			if stats := engine.Stats(); stats[0].Skipped != 0 {
				t.Fatalf("Stats reported %d skips, want repeats not counted as skips", stats[0].Skipped)
			}
		})
	}
}

func TestParseOnFail(t *testing.T) {
	for raw, want := range map[string]OnFail{"": BlockRepeat, "block": BlockRepeat, "IGNORE": IgnoreRepeat} {
		if got, err := ParseOnFail(raw); err != nil || got != want {
			t.Fatalf("ParseOnFail(%q) returned (%s, %v), want %s", raw, got, err, want)
		}
	}
	if _, err := ParseOnFail("sometimes"); err == nil {
		t.Fatal("ParseOnFail accepted an invalid value")
	}
}

func TestEvaluateWatchListFull(t *testing.T) {
	rule := Rule{
		Name:     "brute",
		Matcher:  mustMatcher(t, `from (\S+)`, ""),
		Table:    1,
		Duration: time.Hour,
		Count:    5,
		Within:   time.Minute,
		MaxHosts: 1,
	}

	ignoring := newTestEngine(t, []Rule{rule})
	ignoring.Evaluate("from 192.0.2.1")
	if got := ignoring.Evaluate("from 192.0.2.2"); len(got) != 0 {
		t.Fatalf("on_max ignore returned %d inserts, want 0", len(got))
	}

	rule.OnMax = BlockHost
	blocking := newTestEngine(t, []Rule{rule})
	blocking.Evaluate("from 192.0.2.1")
	got := blocking.Evaluate("from 192.0.2.2")
	if len(got) != 1 || got[0].Address != netip.MustParseAddr("192.0.2.2") {
		t.Fatalf("on_max block returned %+v, want a preemptive insert for 192.0.2.2", got)
	}
}

func TestJitter(t *testing.T) {
	tests := []struct {
		random float64
		want   time.Duration
	}{
		{0, 80 * time.Minute},
		{0.5, 100 * time.Minute},
		{0.75, 110 * time.Minute},
	}
	for _, tt := range tests {
		engine := newTestEngine(t, nil, WithRandom(func() float64 { return tt.random }))
		if got := engine.jitter(100*time.Minute, 20); got != tt.want {
			t.Fatalf("jitter with random %v returned %s, want %s", tt.random, got, tt.want)
		}
	}

	engine := newTestEngine(t, nil, WithRandom(func() float64 { return 0 }))
	if got := engine.jitter(0, 50); got != 0 {
		t.Fatalf("jitter on a permanent ban returned %s, want 0", got)
	}
}
