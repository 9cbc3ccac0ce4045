package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"banhammer/internal/codec"
	"banhammer/internal/domain"
	"banhammer/internal/pattern"
	"banhammer/internal/rules"
)

// RuleConfig is one rule as written in the rule file. Unset fields fall
// back to the file's defaults section.
type RuleConfig struct {
	Name          string `yaml:"name"`
	Pattern       string `yaml:"pattern"`
	Table         *int   `yaml:"table"`
	Duration      string `yaml:"duration"`
	Engine        string `yaml:"engine"`
	OnMatch       string `yaml:"on_match"`
	AddressGroup  string `yaml:"address_group"`
	DurationGroup string `yaml:"duration_group"`
	CaseSensitive *bool  `yaml:"case_sensitive"`
	MatchTimeout  string `yaml:"match_timeout"`
	Count         *int   `yaml:"count"`
	Within        string `yaml:"within"`
	Random        *int   `yaml:"random"`
	OnFail        string `yaml:"on_fail"`
	WarnFail      *bool  `yaml:"warn_fail"`
	MaxHosts      *int   `yaml:"max_hosts"`
	OnMax         string `yaml:"on_max"`
	BlockLocal    *bool  `yaml:"block_local"`
}

type File struct {
	Defaults RuleConfig   `yaml:"defaults"`
	Ignore   []string     `yaml:"ignore"`
	Rules    []RuleConfig `yaml:"rules"`
}

// RuleSet is a fully validated rule file.
type RuleSet struct {
	Rules  []rules.Rule
	Ignore []netip.Prefix
}

// Tables lists the distinct tables targeted by the rules, in rule order.
func (rs RuleSet) Tables() []domain.TableID {
	var tables []domain.TableID
	seen := make(map[domain.TableID]struct{})
	for _, r := range rs.Rules {
		if _, ok := seen[r.Table]; !ok {
			seen[r.Table] = struct{}{}
			tables = append(tables, r.Table)
		}
	}
	return tables
}

// Describe prints the effective rule set, one rule per line.
func (rs RuleSet) Describe(w io.Writer) error {
	for _, p := range rs.Ignore {
		if _, err := fmt.Fprintf(w, "ignore %s\n", p); err != nil {
			return err
		}
	}
	for _, r := range rs.Rules {
		if _, err := fmt.Fprintf(w, "%s\n\tpattern %s\n", r, r.Matcher); err != nil {
			return err
		}
	}
	return nil
}

// LoadRules reads and validates the rule file at path.
func LoadRules(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, &ConfigError{Source: path, Err: err}
	}
	return ParseRules(data, path, time.Now())
}

// ParseRules validates a rule file. Any invalid rule rejects the whole file.
func ParseRules(data []byte, source string, now time.Time) (RuleSet, error) {
	var file File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return RuleSet{}, &ConfigError{Source: source, Err: fmt.Errorf("parse yaml: %w", err)}
	}

	var (
		set   RuleSet
		errs  []error
		names = make(map[string]struct{})
	)

	for _, raw := range file.Ignore {
		prefix, err := parsePrefix(raw)
		if err != nil {
			errs = append(errs, &ConfigError{Source: source, Field: "ignore", Err: err})
			continue
		}
		set.Ignore = append(set.Ignore, prefix)
	}

	if len(file.Rules) == 0 {
		errs = append(errs, &ConfigError{Source: source, Err: errors.New("no rules configured")})
	}

	for i, rc := range file.Rules {
		merged := merge(file.Defaults, rc)
		if merged.Name == "" {
			merged.Name = fmt.Sprintf("rule-%d", i+1)
		}
		if _, dup := names[merged.Name]; dup {
			errs = append(errs, &ConfigError{Source: source, Rule: merged.Name, Field: "name", Err: errors.New("duplicate rule name")})
		}
		names[merged.Name] = struct{}{}

		rule, ruleErrs := buildRule(merged, now)
		for _, err := range ruleErrs {
			errs = append(errs, &ConfigError{Source: source, Rule: merged.Name, Field: err.field, Err: err.err})
		}
		if len(ruleErrs) == 0 {
			set.Rules = append(set.Rules, rule)
		}
	}

	if len(errs) > 0 {
		return RuleSet{}, errors.Join(errs...)
	}
	return set, nil
}

type fieldError struct {
	field string
	err   error
}

func buildRule(rc RuleConfig, now time.Time) (rules.Rule, []fieldError) {
	var errs []fieldError
	fail := func(field string, err error) {
		errs = append(errs, fieldError{field: field, err: err})
	}

	rule := rules.Rule{Name: rc.Name}

	var matchTimeout time.Duration
	if rc.MatchTimeout != "" {
		d, err := time.ParseDuration(rc.MatchTimeout)
		if err != nil || d <= 0 {
			fail("match_timeout", fmt.Errorf("invalid timeout %q", rc.MatchTimeout))
		}
		matchTimeout = d
	}

	matcher, err := pattern.Compile(pattern.Spec{
		Expr:          rc.Pattern,
		Engine:        pattern.Engine(rc.Engine),
		AddressGroup:  rc.AddressGroup,
		DurationGroup: rc.DurationGroup,
		CaseSensitive: deref(rc.CaseSensitive, false),
		MatchTimeout:  matchTimeout,
	})
	if err != nil {
		fail("pattern", err)
	}
	rule.Matcher = matcher

	table := deref(rc.Table, 1)
	if table < 1 || table > 65535 {
		fail("table", fmt.Errorf("table %d out of range 1..65535", table))
	}
	rule.Table = domain.TableID(table)

	rawDuration := rc.Duration
	if rawDuration == "" {
		rawDuration = "10m"
	}
	if rule.Duration, err = rules.ParseDuration(rawDuration); err != nil {
		fail("duration", err)
	} else if rule.Duration > 0 && rule.Duration < time.Second {
		fail("duration", fmt.Errorf("duration %s is shorter than one second", rule.Duration))
	} else if err := codec.CheckDuration(now, rule.Duration); err != nil {
		fail("duration", fmt.Errorf("duration too large: %w", err))
	}

	if rule.OnMatch, err = rules.ParseOnMatch(rc.OnMatch); err != nil {
		fail("on_match", err)
	}
	if rule.OnMax, err = rules.ParseOnMax(rc.OnMax); err != nil {
		fail("on_max", err)
	}

	rule.Count = deref(rc.Count, 1)
	if rule.Count < 1 {
		fail("count", fmt.Errorf("count %d must be at least 1", rule.Count))
	}
	rule.Within = rules.DefaultWithin
	if rc.Within != "" {
		if rule.Within, err = rules.ParseDuration(rc.Within); err != nil || rule.Within < time.Second {
			fail("within", fmt.Errorf("invalid window %q", rc.Within))
		}
	}

	rule.Random = deref(rc.Random, 0)
	if rule.Random < 0 || rule.Random > 100 {
		fail("random", fmt.Errorf("random %d%% out of range 0..100", rule.Random))
	}
	if rule.OnFail, err = rules.ParseOnFail(rc.OnFail); err != nil {
		fail("on_fail", err)
	}
	rule.WarnFail = deref(rc.WarnFail, false)
	rule.MaxHosts = deref(rc.MaxHosts, 0)
	if rule.MaxHosts < 0 {
		fail("max_hosts", fmt.Errorf("max_hosts %d is negative", rule.MaxHosts))
	}
	rule.BlockLocal = deref(rc.BlockLocal, false)

	return rule, errs
}

func merge(defaults, rc RuleConfig) RuleConfig {
	pick := func(v, fallback string) string {
		if v != "" {
			return v
		}
		return fallback
	}
	out := rc
	out.Duration = pick(rc.Duration, defaults.Duration)
	out.Engine = pick(rc.Engine, defaults.Engine)
	out.OnMatch = pick(rc.OnMatch, defaults.OnMatch)
	out.AddressGroup = pick(rc.AddressGroup, defaults.AddressGroup)
	out.DurationGroup = pick(rc.DurationGroup, defaults.DurationGroup)
	out.MatchTimeout = pick(rc.MatchTimeout, defaults.MatchTimeout)
	out.Within = pick(rc.Within, defaults.Within)
	out.OnMax = pick(rc.OnMax, defaults.OnMax)
	out.OnFail = pick(rc.OnFail, defaults.OnFail)
	out.Table = firstSet(rc.Table, defaults.Table)
	out.CaseSensitive = firstSet(rc.CaseSensitive, defaults.CaseSensitive)
	out.Count = firstSet(rc.Count, defaults.Count)
	out.Random = firstSet(rc.Random, defaults.Random)
	out.MaxHosts = firstSet(rc.MaxHosts, defaults.MaxHosts)
	out.BlockLocal = firstSet(rc.BlockLocal, defaults.BlockLocal)
	out.WarnFail = firstSet(rc.WarnFail, defaults.WarnFail)
	return out
}

func firstSet[T any](v, fallback *T) *T {
	if v != nil {
		return v
	}
	return fallback
}

func deref[T any](v *T, fallback T) T {
	if v == nil {
		return fallback
	}
	return *v
}

// parsePrefix accepts a CIDR or a single address.
func parsePrefix(raw string) (netip.Prefix, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "/") {
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return netip.Prefix{}, err
		}
		return prefix.Masked(), nil
	}
	addr, err := codec.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
