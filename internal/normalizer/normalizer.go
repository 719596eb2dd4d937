// Package normalizer canonicalizes event metadata: event type rewriting,
// correlation-id defaulting, and event-time defaulting. All functions are
// total: they never fail.
package normalizer

import (
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// CanonicalPrefix is the namespace every normalized event type carries.
const CanonicalPrefix = "org.openphc.cce."

var actionPattern = regexp.MustCompile(`^cce\.([a-z]+)\.(?:created|updated|deleted)$`)

// EventType rewrites a raw event type to the canonical namespace.
// Types already carrying the canonical prefix pass through unchanged, as do
// types matching no known pattern (logged, never an error).
func EventType(raw string) string {
	if raw == "" {
		return raw
	}
	if len(raw) >= len(CanonicalPrefix) && raw[:len(CanonicalPrefix)] == CanonicalPrefix {
		return raw
	}
	// cce.observation.created -> org.openphc.cce.observation
	if m := actionPattern.FindStringSubmatch(raw); m != nil {
		normalized := CanonicalPrefix + m[1]
		slog.Debug("normalized event type", slog.String("raw", raw), slog.String("normalized", normalized))
		return normalized
	}
	slog.Debug("event type matches no known pattern, passing through", slog.String("raw", raw))
	return raw
}

// CorrelationID returns the existing correlation id if non-blank, otherwise
// a freshly generated one.
func CorrelationID(existing string) string {
	if existing != "" {
		return existing
	}
	return "corr-" + uuid.New().String()
}

// EventTime parses an RFC 3339 event time, substituting the current UTC
// server time when the value is absent or malformed. Parse failures are
// non-fatal.
func EventTime(raw string) time.Time {
	if raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
		slog.Warn("failed to parse event time, using server time", slog.String("raw", raw))
	}
	return time.Now().UTC()
}
