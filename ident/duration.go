package ident

import (
	"strconv"
	"strings"

	"github.com/c360studio/cascade/apierr"
)

// unitMillis maps duration unit suffixes (short and long forms) to their
// value in milliseconds.
var unitMillis = map[string]int64{
	"ms":           1,
	"millisecond":  1,
	"milliseconds": 1,
	"s":            1000,
	"sec":          1000,
	"second":       1000,
	"seconds":      1000,
	"m":            60 * 1000,
	"min":          60 * 1000,
	"minute":       60 * 1000,
	"minutes":      60 * 1000,
	"h":            60 * 60 * 1000,
	"hour":         60 * 60 * 1000,
	"hours":        60 * 60 * 1000,
	"d":            24 * 60 * 60 * 1000,
	"day":          24 * 60 * 60 * 1000,
	"days":         24 * 60 * 60 * 1000,
}

// ParseDurationMillis parses a duration literal into milliseconds. Accepted
// forms: a bare integer (already milliseconds) or "<integer><unit>" where
// unit is one of ms/s/m/h/d or their long forms.
func ParseDurationMillis(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, apierr.New(apierr.KindInvalidDuration, "duration must not be empty")
	}

	// Bare integer means milliseconds.
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}

	// Split the numeric prefix from the unit suffix.
	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9') {
		i++
	}
	if i == 0 {
		return 0, apierr.Newf(apierr.KindInvalidDuration, "invalid duration %q", s)
	}

	n, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, apierr.Newf(apierr.KindInvalidDuration, "invalid duration %q", s)
	}

	unit := strings.ToLower(strings.TrimSpace(s[i:]))
	mult, ok := unitMillis[unit]
	if !ok {
		return 0, apierr.Newf(apierr.KindInvalidDuration, "unknown duration unit %q", unit)
	}

	return n * mult, nil
}

// ParseDurationValue normalizes a JSON-decoded duration value (number or
// string literal) to milliseconds.
func ParseDurationValue(v any) (int64, error) {
	switch d := v.(type) {
	case nil:
		return 0, apierr.New(apierr.KindInvalidDuration, "duration must not be null")
	case float64:
		return int64(d), nil
	case int:
		return int64(d), nil
	case int64:
		return d, nil
	case string:
		return ParseDurationMillis(d)
	default:
		return 0, apierr.Newf(apierr.KindInvalidDuration, "unsupported duration type %T", v)
	}
}
