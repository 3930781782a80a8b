package utils

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Sentinel marks "no data" in score and time fields. The source platform
// emits several spellings ("N/A", "-", empty); everything is normalized to
// this one before persistence.
const Sentinel = "-"

// EnrollmentDateLayout matches the source platform's "MMMM dd, yyyy" dates.
const EnrollmentDateLayout = "January 02, 2006"

var (
	percentRe  = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?%$`)
	parenRe    = regexp.MustCompile(`\(([^)]*)\)\s*$`)
	clockRe    = regexp.MustCompile(`^[0-9]+:[0-9]{2}$`)
	scoreCellRe = regexp.MustCompile(`^(.*?)\s*\(([^)]*)\)$`)
)

// NormalizeSentinel collapses the source platform's no-data spellings into
// the single sentinel.
func NormalizeSentinel(s string) string {
	switch strings.TrimSpace(s) {
	case "", "-", "N/A", "n/a":
		return Sentinel
	default:
		return strings.TrimSpace(s)
	}
}

// ParsePercent converts a "87.5%" style string into its float value. Values
// failing the pattern (sentinels, blanks, stray text) report ok=false and
// must be excluded from aggregation, never coerced to zero.
func ParsePercent(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if !percentRe.MatchString(s) {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ClockToSeconds converts a "M:SS" time-on-task string into total seconds.
// The sentinel yields zero with ok=false so callers can keep it out of
// has-time groupings.
func ClockToSeconds(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if !clockRe.MatchString(s) {
		return 0, false
	}
	parts := strings.SplitN(s, ":", 2)
	mins, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	secs, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	return float64(mins*60 + secs), true
}

// ParseScoreCell splits a raw score cell of the form "<score> (<m:ss>)" into
// its score and time-on-task parts. A cell containing a literal "-", or one
// whose score normalizes to the sentinel (empty, "N/A"), means no data for
// both; a cell with no parenthetical is a score with no time on task, which
// is not an error.
func ParseScoreCell(raw string) (score, timeOnTask string) {
	raw = NormalizeSentinel(raw)
	if raw == Sentinel || strings.Contains(raw, "-") {
		return Sentinel, Sentinel
	}
	if m := scoreCellRe.FindStringSubmatch(raw); m != nil {
		if s := NormalizeSentinel(m[1]); s != Sentinel {
			return s, strings.TrimSpace(m[2])
		}
		return Sentinel, Sentinel
	}
	return raw, "0"
}

// ParseMaxScoreLabel extracts the max score embedded in a column header of
// the form "Label (N)". Headers without a parenthetical default to the
// sentinel.
func ParseMaxScoreLabel(label string) string {
	if m := parenRe.FindStringSubmatch(strings.TrimSpace(label)); m != nil {
		v := strings.TrimSpace(m[1])
		if v != "" {
			return v
		}
	}
	return Sentinel
}

// DateKey formats a timestamp as the calendar-day key used by histogram and
// interaction-day groupings.
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ContainsString checks if a string slice contains a specific string.
func ContainsString(slice []string, item string) bool {
	for _, a := range slice {
		if a == item {
			return true
		}
	}
	return false
}
