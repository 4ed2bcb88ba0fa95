package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations in the config file are Go duration strings ("90s", "5m"). The
// app's mappers parse every timing knob through these two helpers so a bad
// value is reported with its config path (e.g. "rpcgate.keepalive_interval")
// and rejects the whole load instead of silently becoming zero.

// ParseDurationField parses raw as a non-negative duration. An empty string
// means "not set" and parses to zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for unset
// fields, used for knobs that have a sensible built-in (storage busy
// timeout, rule cooldowns).
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
