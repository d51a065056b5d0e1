// Package clock provides the UTC timestamp and ID primitives shared by
// every coordination component (spec C2): millisecond-precision ISO-8601
// timestamps and 128-bit random IDs rendered as 36-character strings.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Layout is the wire format for all persisted/serialized timestamps.
const Layout = "2006-01-02T15:04:05.000Z07:00"

// Now returns the current UTC time truncated to millisecond precision, so
// two timestamps assigned moments apart never differ by a sub-millisecond
// remainder that would make ordering comparisons surprising.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Format renders t per the wire format.
func Format(t time.Time) string {
	return t.UTC().Format(Layout)
}

// Parse reads a wire-format timestamp.
func Parse(s string) (time.Time, error) {
	return time.Parse(Layout, s)
}

// NewID returns a fresh 36-character random identifier.
func NewID() string {
	return uuid.NewString()
}

// ExpiresAt computes an expiration timestamp ttl after now. A zero ttl
// means "no expiration" and the caller should store a null instead.
func ExpiresAt(ttl time.Duration) time.Time {
	return Now().Add(ttl)
}
