package chatsync

import (
	"log/slog"
	"strings"
	"time"
)

// CanonicalLayout is the single timestamp representation all engine
// components agree on: UTC, millisecond precision, explicit Z suffix.
// Canonical strings order lexicographically the same way the instants
// they denote order chronologically, so cursor comparison is plain
// string comparison.
const CanonicalLayout = "2006-01-02T15:04:05.000Z"

// parseLayouts are tried in order. Layouts without a zone designator
// parse as UTC (never local time): a zone-less timestamp from the server
// is UTC by policy, and interpreting it as local would silently skew the
// cursor by the zone offset.
var parseLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// Canonical formats t in the canonical form. Fractional seconds beyond
// milliseconds are truncated, matching the wire format.
func Canonical(t time.Time) string {
	return t.UTC().Format(CanonicalLayout)
}

// Normalizer canonicalizes arbitrary timestamp inputs. Unparseable input
// never raises: it falls back to the clock-adjusted current time so a
// malformed server timestamp degrades to "now" instead of poisoning the
// cursor.
type Normalizer struct {
	clock  *ClockSync
	logger *slog.Logger
}

// NewNormalizer returns a Normalizer using clock for the fallback "now".
// A nil logger means slog.Default().
func NewNormalizer(clock *ClockSync, logger *slog.Logger) *Normalizer {
	if clock == nil {
		clock = NewClockSync(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{clock: clock, logger: logger}
}

// Normalize canonicalizes input. Normalizing an already-canonical string
// is idempotent.
func (n *Normalizer) Normalize(input string) string {
	if t, ok := ParseTimestamp(input); ok {
		return Canonical(t)
	}
	fallback := Canonical(n.clock.AdjustedNow())
	n.logger.Warn("unparseable timestamp, falling back to adjusted now",
		"input", input,
		"fallback", fallback,
	)
	return fallback
}

// NormalizeTime canonicalizes a native time value.
func (n *Normalizer) NormalizeTime(t time.Time) string {
	return Canonical(t)
}

// ParseTimestamp parses any accepted timestamp representation. The
// literal "undefined" and "null" are rejected outright: they are what a
// careless upstream serializes in place of a missing value.
func ParseTimestamp(input string) (time.Time, bool) {
	input = strings.TrimSpace(input)
	if input == "" || input == "undefined" || input == "null" {
		return time.Time{}, false
	}
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, input); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
