// Package rules turns log lines into pending table inserts.
package rules

import (
	"fmt"
	"strings"
	"time"

	"banhammer/internal/domain"
	"banhammer/internal/pattern"
)

const (
	DefaultMaxHosts = 10000
	DefaultWithin   = time.Minute
)

// OnMatch selects what happens after a rule produced a match.
type OnMatch int

const (
	// Stop ends evaluation of the line (first-match-wins).
	Stop OnMatch = iota
	// Continue keeps evaluating later rules (evaluate-all-rules).
	Continue
)

func (o OnMatch) String() string {
	if o == Continue {
		return "continue"
	}
	return "stop"
}

func ParseOnMatch(raw string) (OnMatch, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "stop", "first", "no":
		return Stop, nil
	case "continue", "all", "yes":
		return Continue, nil
	default:
		return Stop, fmt.Errorf("invalid on_match %q (want stop or continue)", raw)
	}
}

// OnMax selects what happens to a new host when the watch list is full.
type OnMax int

const (
	IgnoreHost OnMax = iota
	BlockHost
)

func (o OnMax) String() string {
	if o == BlockHost {
		return "block"
	}
	return "ignore"
}

func ParseOnMax(raw string) (OnMax, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "ignore":
		return IgnoreHost, nil
	case "block":
		return BlockHost, nil
	default:
		return IgnoreHost, fmt.Errorf("invalid on_max %q (want ignore or block)", raw)
	}
}

// OnFail selects what happens when an already banned host matches again.
type OnFail int

const (
	// BlockRepeat bans the host again, refreshing its expiry.
	BlockRepeat OnFail = iota
	IgnoreRepeat
)

func (o OnFail) String() string {
	if o == IgnoreRepeat {
		return "ignore"
	}
	return "block"
}

func ParseOnFail(raw string) (OnFail, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "block":
		return BlockRepeat, nil
	case "ignore":
		return IgnoreRepeat, nil
	default:
		return BlockRepeat, fmt.Errorf("invalid on_fail %q (want block or ignore)", raw)
	}
}

// Rule is immutable after load.
type Rule struct {
	Name    string
	Matcher pattern.Matcher
	Table   domain.TableID
	// Duration is the default ban length. Zero bans forever.
	Duration time.Duration
	OnMatch  OnMatch

	// Count hits within Within are required before a ban. Values below 2
	// ban on the first hit.
	Count  int
	Within time.Duration
	// Random is the maximum jitter applied to Duration, in percent.
	Random   int
	MaxHosts int
	OnMax    OnMax
	// OnFail and WarnFail apply to hits from hosts past the Count threshold.
	OnFail   OnFail
	WarnFail bool
	// BlockLocal allows banning addresses configured on local interfaces.
	BlockLocal bool
}

func (r Rule) String() string {
	return fmt.Sprintf("%s [table=%s duration=%s on_match=%s count=%d within=%s random=%d%% on_fail=%s warn_fail=%t max_hosts=%d on_max=%s block_local=%t]",
		r.Name, r.Table, r.Duration, r.OnMatch, r.Count, r.Within, r.Random, r.OnFail, r.WarnFail, r.MaxHosts, r.OnMax, r.BlockLocal)
}

func (r Rule) watched() bool {
	return r.Count > 1
}
