package rules

import (
	"fmt"
	"math/rand"
	"net/netip"
	"time"

	"github.com/charmbracelet/log"

	"banhammer/internal/codec"
	"banhammer/internal/domain"
)

// SkipReason explains why a matched line produced no insert.
type SkipReason string

const (
	SkipBadAddress  SkipReason = "bad address"
	SkipBadDuration SkipReason = "duration out of range"
	SkipIgnored     SkipReason = "ignored address"
	SkipLocal       SkipReason = "local address"
	SkipWatchFull   SkipReason = "watch list full"
)

// SkipError describes a per-line skip. It is logged, never returned by Evaluate.
type SkipError struct {
	Rule   string
	Reason SkipReason
	Value  string
	Err    error
}

func (e *SkipError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rule %s: %s %q: %v", e.Rule, e.Reason, e.Value, e.Err)
	}
	return fmt.Sprintf("rule %s: %s %q", e.Rule, e.Reason, e.Value)
}

func (e *SkipError) Unwrap() error {
	return e.Err
}

// RuleStats counts what a rule did since the engine was built.
type RuleStats struct {
	Rule     string
	Matches  uint64
	Inserts  uint64
	Skipped  uint64
	Watching int
}

type Option func(*Engine)

func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithIgnore excludes addresses inside any of the prefixes.
func WithIgnore(prefixes []netip.Prefix) Option {
	return func(e *Engine) {
		e.ignore = append(e.ignore, prefixes...)
	}
}

// WithLocalCheck installs the predicate protecting local addresses.
func WithLocalCheck(isLocal func(netip.Addr) bool) Option {
	return func(e *Engine) {
		e.isLocal = isLocal
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithRandom replaces the jitter source. fn returns values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(e *Engine) {
		e.random = fn
	}
}

type compiledRule struct {
	Rule
	watch *watchList
	stats RuleStats
}

// Engine evaluates lines against an ordered rule set. It is not safe for
// concurrent use; the writer processes one line at a time.
type Engine struct {
	rules   []*compiledRule
	ignore  []netip.Prefix
	isLocal func(netip.Addr) bool
	now     func() time.Time
	random  func() float64
	logger  *log.Logger
}

func New(rules []Rule, opts ...Option) *Engine {
	e := &Engine{
		isLocal: func(netip.Addr) bool { return false },
		now:     time.Now,
		random:  rand.Float64,
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, r := range rules {
		cr := &compiledRule{Rule: r, stats: RuleStats{Rule: r.Name}}
		if r.watched() {
			cr.watch = newWatchList(r.MaxHosts, r.Within)
		}
		e.rules = append(e.rules, cr)
	}
	return e
}

// Evaluate matches line against the rules in order and returns the inserts to
// apply. Within one line a later rule overrides an earlier insert for the same
// (table, address).
func (e *Engine) Evaluate(line string) []domain.PendingInsert {
	var (
		pending []domain.PendingInsert
		index   map[domain.EntryKey]int
		now     = e.now()
	)

	for _, r := range e.rules {
		out := r.Matcher.Match(line)
		if !out.Matched {
			continue
		}
		r.stats.Matches++

		addr, err := codec.ParseAddr(out.Address)
		if err != nil {
			// Later rules still get a chance at the line.
			e.skip(r, &SkipError{Rule: r.Name, Reason: SkipBadAddress, Value: out.Address, Err: err})
			continue
		}

		insert, ok := e.resolve(r, addr, out.Duration, out.HasDuration, now)
		if ok {
			if index == nil {
				index = make(map[domain.EntryKey]int)
			}
			key := insert.Key()
			if at, dup := index[key]; dup {
				pending[at] = insert
			} else {
				index[key] = len(pending)
				pending = append(pending, insert)
			}
			r.stats.Inserts++
		}

		if r.OnMatch == Stop {
			break
		}
	}
	return pending
}

func (e *Engine) resolve(r *compiledRule, addr netip.Addr, rawDuration string, hasDuration bool, now time.Time) (domain.PendingInsert, bool) {
	for _, prefix := range e.ignore {
		if prefix.Contains(addr) {
			e.skip(r, &SkipError{Rule: r.Name, Reason: SkipIgnored, Value: addr.String()})
			return domain.PendingInsert{}, false
		}
	}
	if !r.BlockLocal && e.isLocal(addr) {
		e.skip(r, &SkipError{Rule: r.Name, Reason: SkipLocal, Value: addr.String()})
		return domain.PendingInsert{}, false
	}

	duration := r.Duration
	if hasDuration {
		if d, err := ParseDuration(rawDuration); err == nil {
			duration = d
		} else {
			e.logger.Warn("ignoring duration override", "rule", r.Name, "value", rawDuration, "error", err)
		}
	}

	if r.watch != nil {
		result, count := r.watch.hit(addr, r.Count, now)
		switch result {
		case hitWatching:
			e.logger.Debug("host on watch list", "rule", r.Name, "address", addr, "count", count, "threshold", r.Count)
			return domain.PendingInsert{}, false
		case hitOverflow:
			if r.OnMax != BlockHost {
				e.skip(r, &SkipError{Rule: r.Name, Reason: SkipWatchFull, Value: addr.String()})
				return domain.PendingInsert{}, false
			}
			e.logger.Info("watch list full, blocking host preemptively", "rule", r.Name, "address", addr)
		case hitRepeat:
			if r.WarnFail && count == r.Count+1 {
				e.logger.Warn("hit from blocked host", "rule", r.Name, "address", addr)
			} else {
				e.logger.Debug("hit from blocked host", "rule", r.Name, "address", addr, "count", count)
			}
			if r.OnFail == IgnoreRepeat {
				return domain.PendingInsert{}, false
			}
		}
	}

	duration = e.jitter(duration, r.Random)
	if duration > 0 && duration < time.Second {
		duration = time.Second
	}
	if err := codec.CheckDuration(now, duration); err != nil {
		e.skip(r, &SkipError{Rule: r.Name, Reason: SkipBadDuration, Value: duration.String(), Err: err})
		return domain.PendingInsert{}, false
	}

	expiry := codec.After(now, duration)
	return domain.PendingInsert{
		Rule:      r.Name,
		Table:     r.Table,
		Address:   addr,
		ExpiresAt: expiry.Time(),
		Never:     expiry.IsNever(),
		Duration:  duration,
	}, true
}

// jitter spreads duration by up to +-percent. Permanent bans are left alone.
func (e *Engine) jitter(duration time.Duration, percent int) time.Duration {
	if duration <= 0 || percent <= 0 {
		return duration
	}
	spread := (2*e.random() - 1) * float64(percent) / 100
	jittered := duration + time.Duration(float64(duration)*spread)
	if jittered < time.Second {
		jittered = time.Second
	}
	return jittered.Round(time.Second)
}

func (e *Engine) skip(r *compiledRule, skip *SkipError) {
	r.stats.Skipped++
	switch skip.Reason {
	case SkipIgnored, SkipLocal:
		e.logger.Info("not banning address", "rule", skip.Rule, "reason", skip.Reason, "address", skip.Value)
	default:
		e.logger.Warn("skipping match", "rule", skip.Rule, "reason", skip.Reason, "error", skip)
	}
}

// Stats returns a snapshot of per-rule counters in rule order.
func (e *Engine) Stats() []RuleStats {
	stats := make([]RuleStats, 0, len(e.rules))
	for _, r := range e.rules {
		s := r.stats
		if r.watch != nil {
			s.Watching = r.watch.Len()
		}
		stats = append(stats, s)
	}
	return stats
}
