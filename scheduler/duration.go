package scheduler

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Duration is a scheduler-reported duration in seconds. Schedulers emit
// unset or placeholder values for jobs in transitional states, so a
// duration may be unknown without that being an error.
type Duration struct {
	Seconds int64
	Known   bool
}

// UnknownDuration is the sentinel for values the scheduler did not
// report or that could not be parsed.
var UnknownDuration = Duration{}

// UnlimitedSeconds is the value reported for jobs without a time limit:
// the largest 32-bit signed integer, roughly 68 years.
const UnlimitedSeconds = int64(2147483647)

// Ordered parser variants. Each is total over its matched input; a string
// matching none of them resolves to the unknown sentinel, never an error.
var durationVariants = []struct {
	re    *regexp.Regexp
	parts [4]int // indices of day, hour, minute, second groups (0 = absent)
}{
	{regexp.MustCompile(`^(\d+)-(\d{1,2}):(\d{1,2}):(\d{1,2})$`), [4]int{1, 2, 3, 4}}, // D-HH:MM:SS
	{regexp.MustCompile(`^(\d{1,3}):(\d{1,2}):(\d{1,2})$`), [4]int{0, 1, 2, 3}},      // HH:MM:SS
	{regexp.MustCompile(`^(\d{1,2}):(\d{1,2})$`), [4]int{0, 0, 1, 2}},                // MM:SS
}

// ParseDuration converts a scheduler time string to seconds. Accepted
// encodings are D-HH:MM:SS, HH:MM:SS, MM:SS and UNLIMITED; unset
// placeholders (N/A, NOT_SET, empty) and unparsable values yield the
// unknown sentinel.
func ParseDuration(s string) Duration {
	s = strings.TrimSpace(s)
	switch s {
	case "UNLIMITED":
		return Duration{Seconds: UnlimitedSeconds, Known: true}
	case "", "N/A", "NOT_SET":
		return UnknownDuration
	}

	for _, v := range durationVariants {
		m := v.re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		var total int64
		for i, mult := range []int64{86400, 3600, 60, 1} {
			idx := v.parts[i]
			if idx == 0 {
				continue
			}
			// groups match digits only, so Atoi cannot fail
			n, _ := strconv.Atoi(m[idx])
			total += int64(n) * mult
		}
		return Duration{Seconds: total, Known: true}
	}

	return UnknownDuration
}

// timestampLayouts are tried in order for scheduler timestamps.
var timestampLayouts = []string{
	"2006-01-02T15:04:05",
	time.RFC3339,
}

// ParseTimestamp parses a scheduler timestamp. Unset placeholders and
// unparsable values yield the zero time.
func ParseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	switch s {
	case "", "N/A", "NOT_SET", "Unknown":
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
