package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// parseSpan accepts Go durations plus a whole-day form ("7d") for the
// retention-style settings.
func parseSpan(s string) (time.Duration, error) {
	if n, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(n)
		if err == nil {
			return time.Duration(days) * day, nil
		}
	}
	return time.ParseDuration(s)
}

// ParseDurationField parses an optional non-negative duration. Empty means
// zero. path names the setting in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := parseSpan(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: %q is negative", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault maps both empty and zero to def.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// ParsePositiveDurationOrDefault maps empty to def and rejects an explicit
// zero.
func ParsePositiveDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	switch {
	case err != nil:
		return 0, err
	case strings.TrimSpace(raw) == "":
		return def, nil
	case d == 0:
		return 0, fmt.Errorf("%s: must be greater than zero", path)
	}
	return d, nil
}
