package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseCompactDuration parses the compact duration strings the upstream API
// uses in its rate-limit headers ("1h30m", "6m0s", "17ms").
// Bare integers are interpreted as milliseconds.
func ParseCompactDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("negative duration: %s", s)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration: %s", s)
	}
	return d, nil
}

// DurationMs converts a duration to whole milliseconds.
func DurationMs(d time.Duration) int64 {
	return d.Milliseconds()
}
