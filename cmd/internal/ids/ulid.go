// Package ids provides opaque identifiers used outside the message id space
// (request ids, test schema names).
package ids

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars, Crockford base32).
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewRequestID returns a lowercase ULID, or "unknown" if entropy is unavailable.
func NewRequestID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		return "unknown"
	}
	return strings.ToLower(id)
}

// Time extracts the timestamp encoded in a ULID string.
func Time(id string) (time.Time, bool) {
	parsed, err := ulid.ParseStrict(strings.ToUpper(id))
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()).UTC(), true
}
