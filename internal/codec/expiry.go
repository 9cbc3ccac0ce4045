// Package codec converts ban expirations and addresses to and from the
// fixed-width representation stored in a firewall table.
//
// A table value is a 32-bit unsigned integer holding the absolute expiration
// time in Unix seconds. The value 0 (NeverValue) is reserved: an entry
// carrying it never expires and is never removed by a sweep.
package codec

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// NeverValue is the sentinel stored for entries without expiration.
const NeverValue uint32 = 0

// MaxTime is the latest expiration that fits the value slot.
var MaxTime = time.Unix(math.MaxUint32, 0).UTC()

type ErrorKind int

const (
	Overflow ErrorKind = iota + 1
	BeforeEpoch
	BadAddress
	FamilyMismatch
)

func (k ErrorKind) String() string {
	switch k {
	case Overflow:
		return "overflow"
	case BeforeEpoch:
		return "before epoch"
	case BadAddress:
		return "bad address"
	case FamilyMismatch:
		return "family mismatch"
	default:
		return "unknown"
	}
}

// Error is returned for values that cannot be represented in a table entry.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("codec: %s: %s", e.Kind, e.Detail)
}

// IsKind reports whether err is a codec error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}

// Expiry is a decoded table value: either an absolute instant or "never".
type Expiry struct {
	at    time.Time
	never bool
}

// Never returns the expiry for entries that must not be swept.
func Never() Expiry {
	return Expiry{never: true}
}

// At returns an expiry at t, truncated to whole seconds.
func At(t time.Time) Expiry {
	return Expiry{at: time.Unix(t.Unix(), 0).UTC()}
}

// After computes the expiry for a ban of length d starting at now. A zero
// duration means the ban never expires.
func After(now time.Time, d time.Duration) Expiry {
	if d == 0 {
		return Never()
	}
	return At(now.Add(d))
}

func (e Expiry) IsNever() bool {
	return e.never
}

// Time returns the expiration instant. It is the zero time for Never.
func (e Expiry) Time() time.Time {
	if e.never {
		return time.Time{}
	}
	return e.at
}

// Expired reports whether the entry must be removed at now. Comparison is at
// whole-second resolution and only instants strictly earlier than now expire.
func (e Expiry) Expired(now time.Time) bool {
	if e.never {
		return false
	}
	return e.at.Unix() < now.Unix()
}

// Remaining returns the time left until expiration, negative when expired.
func (e Expiry) Remaining(now time.Time) time.Duration {
	if e.never {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(e.at.Unix()-now.Unix()) * time.Second
}

func (e Expiry) String() string {
	if e.never {
		return "never"
	}
	return e.at.Format(time.RFC3339)
}

// Encode converts an expiry into the table value slot.
func Encode(e Expiry) (uint32, error) {
	if e.never {
		return NeverValue, nil
	}
	secs := e.at.Unix()
	if secs < 1 {
		return 0, &Error{Kind: BeforeEpoch, Detail: fmt.Sprintf("%s is not after the Unix epoch", e.at.Format(time.RFC3339))}
	}
	if secs > math.MaxUint32 {
		return 0, &Error{Kind: Overflow, Detail: fmt.Sprintf("%s is later than %s", e.at.Format(time.RFC3339), MaxTime.Format(time.RFC3339))}
	}
	return uint32(secs), nil
}

// Decode converts a table value back into an expiry. Every value decodes.
func Decode(v uint32) Expiry {
	if v == NeverValue {
		return Never()
	}
	return Expiry{at: time.Unix(int64(v), 0).UTC()}
}

// CheckDuration verifies that a ban of length d started at now can be encoded.
func CheckDuration(now time.Time, d time.Duration) error {
	if d < 0 {
		return &Error{Kind: BeforeEpoch, Detail: fmt.Sprintf("negative duration %s", d)}
	}
	_, err := Encode(After(now, d))
	return err
}
