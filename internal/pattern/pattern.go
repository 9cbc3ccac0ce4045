// Package pattern compiles administrator supplied log patterns into matchers.
//
// Two engines are available. The simple engine uses RE2 syntax and runs in
// linear time. The extended engine accepts a richer, backtracking syntax
// (lookaround, backreferences) and bounds every match with a timeout.
// Callers only see the Matcher interface and never learn which engine is
// behind it.
package pattern

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultAddressGroup is the capture name used when no address group is configured.
const DefaultAddressGroup = "host"

// DefaultMatchTimeout bounds a single extended match.
const DefaultMatchTimeout = 100 * time.Millisecond

type Engine string

const (
	EngineSimple   Engine = "simple"
	EngineExtended Engine = "extended"
)

// ParseEngine maps a configured engine name. The empty string selects the simple engine.
func ParseEngine(raw string) (Engine, error) {
	switch Engine(strings.ToLower(strings.TrimSpace(raw))) {
	case "", EngineSimple:
		return EngineSimple, nil
	case EngineExtended:
		return EngineExtended, nil
	default:
		return "", fmt.Errorf("unknown pattern engine %q", raw)
	}
}

// Spec describes one pattern to compile.
type Spec struct {
	Expr   string
	Engine Engine
	// AddressGroup is a capture name or a decimal index. Empty means the
	// group named "host" if present, else group 1.
	AddressGroup string
	// DurationGroup optionally names a capture holding a ban duration override.
	DurationGroup string
	CaseSensitive bool
	// MatchTimeout applies to the extended engine only. Zero selects DefaultMatchTimeout.
	MatchTimeout time.Duration
}

// Outcome is the result of matching one line.
type Outcome struct {
	Matched     bool
	Address     string
	Duration    string
	HasDuration bool
}

// Matcher evaluates a single log line.
type Matcher interface {
	Match(line string) Outcome
	String() string
}

type ErrorKind int

const (
	Syntax ErrorKind = iota + 1
	MissingCapture
	InvalidCaptureRef
)

func (k ErrorKind) String() string {
	switch k {
	case Syntax:
		return "syntax error"
	case MissingCapture:
		return "missing capture group"
	case InvalidCaptureRef:
		return "invalid capture reference"
	default:
		return "unknown"
	}
}

// Error reports a pattern that cannot be used.
type Error struct {
	Kind ErrorKind
	Expr string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pattern %q: %s: %v", e.Expr, e.Kind, e.Err)
	}
	return fmt.Sprintf("pattern %q: %s", e.Expr, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a pattern error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}

// Compile builds a matcher for spec and validates its capture references.
func Compile(spec Spec) (Matcher, error) {
	if strings.TrimSpace(spec.Expr) == "" {
		return nil, &Error{Kind: Syntax, Expr: spec.Expr, Err: errors.New("empty pattern")}
	}
	engine, err := ParseEngine(string(spec.Engine))
	if err != nil {
		return nil, &Error{Kind: Syntax, Expr: spec.Expr, Err: err}
	}
	switch engine {
	case EngineExtended:
		return compileExtended(spec)
	default:
		return compileSimple(spec)
	}
}

// groupTable abstracts the capture metadata both engines expose.
type groupTable interface {
	groupCount() int
	groupIndex(name string) int
}

func resolveGroups(spec Spec, groups groupTable) (addr, dur int, err error) {
	if groups.groupCount() == 0 {
		return 0, 0, &Error{Kind: MissingCapture, Expr: spec.Expr, Err: errors.New("an address capture group is required")}
	}

	addr, err = resolveGroup(spec, groups, spec.AddressGroup)
	if err != nil {
		return 0, 0, err
	}
	if spec.AddressGroup == "" {
		if idx := groups.groupIndex(DefaultAddressGroup); idx > 0 {
			addr = idx
		} else {
			addr = 1
		}
	}

	dur = -1
	if spec.DurationGroup != "" {
		dur, err = resolveGroup(spec, groups, spec.DurationGroup)
		if err != nil {
			return 0, 0, err
		}
		if dur == addr {
			return 0, 0, &Error{Kind: InvalidCaptureRef, Expr: spec.Expr, Err: fmt.Errorf("duration group %q is the address group", spec.DurationGroup)}
		}
	}
	return addr, dur, nil
}

func resolveGroup(spec Spec, groups groupTable, ref string) (int, error) {
	if ref == "" {
		return 0, nil
	}
	if n, convErr := strconv.Atoi(ref); convErr == nil {
		if n < 1 || n > groups.groupCount() {
			return 0, &Error{Kind: InvalidCaptureRef, Expr: spec.Expr, Err: fmt.Errorf("group %d out of range 1..%d", n, groups.groupCount())}
		}
		return n, nil
	}
	idx := groups.groupIndex(ref)
	if idx <= 0 {
		return 0, &Error{Kind: InvalidCaptureRef, Expr: spec.Expr, Err: fmt.Errorf("no group named %q", ref)}
	}
	return idx, nil
}
