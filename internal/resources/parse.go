package resources

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
)

// Unlimited is the value used for an rlimit of "unlimited" (RLIM_INFINITY).
const Unlimited = math.MaxUint64

// ParseSize converts a textual byte quantity such as "4096", "64KiB" or
// "1Mi" into bytes. The result is always positive.
func ParseSize(value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("invalid size %q: empty", value)
	}
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasSuffix(lower, "kib"), strings.HasSuffix(lower, "mib"), strings.HasSuffix(lower, "gib"), strings.HasSuffix(lower, "tib"), strings.HasSuffix(lower, "pib"), strings.HasSuffix(lower, "eib"):
		// already in binary units understood by go-units
	case strings.HasSuffix(lower, "ki"), strings.HasSuffix(lower, "mi"), strings.HasSuffix(lower, "gi"), strings.HasSuffix(lower, "ti"), strings.HasSuffix(lower, "pi"), strings.HasSuffix(lower, "ei"):
		trimmed += "B"
	}
	bytes, err := units.RAMInBytes(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", value, err)
	}
	if bytes <= 0 {
		return 0, fmt.Errorf("invalid size %q: must be positive", value)
	}
	return bytes, nil
}

// ParseRlimit converts a limit value for the named resource. Byte-valued
// resources accept size quantities, "cpu" accepts whole seconds or a Go
// duration, and the count resources accept plain integers. "unlimited" and
// "infinity" map to Unlimited for every resource.
func ParseRlimit(resource, value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	switch strings.ToLower(trimmed) {
	case "":
		return 0, fmt.Errorf("invalid %s limit %q: empty", resource, value)
	case "unlimited", "infinity":
		return Unlimited, nil
	}
	switch resource {
	case "as", "core", "data", "fsize", "memlock", "stack":
		if n, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			return n, nil
		}
		bytes, err := ParseSize(trimmed)
		if err != nil {
			return 0, fmt.Errorf("invalid %s limit: %w", resource, err)
		}
		return uint64(bytes), nil
	case "cpu":
		if n, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			return n, nil
		}
		d, err := time.ParseDuration(trimmed)
		if err != nil {
			return 0, fmt.Errorf("invalid cpu limit %q: %w", value, err)
		}
		if d < time.Second {
			return 0, fmt.Errorf("invalid cpu limit %q: must be at least 1s", value)
		}
		return uint64(d / time.Second), nil
	case "nofile", "nproc":
		n, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s limit %q: %w", resource, value, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unknown resource limit %q", resource)
	}
}

// FormatSize renders a byte count the way the CLI reports buffer sizes.
func FormatSize(n int64) string {
	return units.BytesSize(float64(n))
}
