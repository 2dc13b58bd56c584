// Package interval parses and converts the human-written repeat intervals
// used by notifications ("30m", "2 hours", "1w").
package interval

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Unit is the granularity of an interval. Months and years are not supported.
type Unit string

const (
	Second Unit = "s"
	Minute Unit = "m"
	Hour   Unit = "h"
	Day    Unit = "d"
	Week   Unit = "w"
)

var (
	ErrEmpty       = errors.New("empty interval")
	ErrSyntax      = errors.New("invalid interval")
	ErrNotPositive = errors.New("interval must be at least 1")
	ErrTooLarge    = errors.New("interval too large")
	ErrUnknownUnit = errors.New("unknown interval unit")
)

// value, then a single unit letter optionally followed by the rest of its word
// and a plural "s": 5s, 10 sec, 2min, 3 hours, 1day, 2 weeks.
var pattern = regexp.MustCompile(`(?i)^(\d+)\s*([smhdw])(?:ec(?:ond)?|in(?:ute)?|our|ay|(?:ee)?k)?s?$`)

var seconds = map[Unit]int64{
	Second: 1,
	Minute: 60,
	Hour:   3600,
	Day:    86400,
	Week:   7 * 86400,
}

// Interval is a positive count of a fixed-length unit.
type Interval struct {
	Value int64
	Unit  Unit
}

// Parse reads text such as "30m" or "2 hours" into a validated Interval.
func Parse(text string) (Interval, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Interval{}, ErrEmpty
	}

	m := pattern.FindStringSubmatch(text)
	if m == nil {
		return Interval{}, fmt.Errorf("%w: %q", ErrSyntax, text)
	}

	value, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return Interval{}, fmt.Errorf("%w: %q", ErrTooLarge, text)
	}

	iv := Interval{Value: value, Unit: Unit(strings.ToLower(m[2]))}
	if err := Validate(iv.Value, iv.Unit); err != nil {
		return Interval{}, fmt.Errorf("%w: %q", err, text)
	}
	return iv, nil
}

// MustParse is Parse for package-level defaults; it panics on bad input.
func MustParse(text string) Interval {
	iv, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return iv
}

// Validate checks that value is at least 1 and that value×unit fits in a
// time.Duration.
func Validate(value int64, unit Unit) error {
	per, ok := seconds[unit]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownUnit, string(unit))
	}
	if value < 1 {
		return ErrNotPositive
	}
	if value > int64(math.MaxInt64/time.Second)/per {
		return ErrTooLarge
	}
	return nil
}

// ToDuration converts by exact multiplication.
func (iv Interval) ToDuration() time.Duration {
	return time.Duration(iv.Value*seconds[iv.Unit]) * time.Second
}

// Valid reports whether iv would pass Validate.
func (iv Interval) Valid() bool {
	return Validate(iv.Value, iv.Unit) == nil
}

// String renders the canonical storage form, e.g. "30m".
func (iv Interval) String() string {
	return strconv.FormatInt(iv.Value, 10) + string(iv.Unit)
}

// MarshalText stores the canonical form.
func (iv Interval) MarshalText() ([]byte, error) {
	return []byte(iv.String()), nil
}

// UnmarshalText accepts anything Parse accepts.
func (iv *Interval) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*iv = parsed
	return nil
}

// ParseDuration parses an interval and returns its duration directly. Config
// values like DELIVER_LATE=2min go through here.
func ParseDuration(text string) (time.Duration, error) {
	iv, err := Parse(text)
	if err != nil {
		return 0, err
	}
	return iv.ToDuration(), nil
}
