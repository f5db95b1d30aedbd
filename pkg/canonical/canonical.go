// Package canonical produces the deterministic JSON encoding used as the
// sole input to every hash and signature in the agent.
//
// The encoding is RFC 8785 (JSON Canonicalization Scheme): object keys
// sorted at every nesting level, no insignificant whitespace, "," and ":"
// separators, no HTML escaping. A round-trip canonical → parse → canonical
// is bit-identical.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// TimestampFormat is the ISO-8601 UTC form used for every timestamp that
// enters a signed payload. Microsecond precision keeps the rendered width
// fixed so re-encoding cannot change a signature check result.
const TimestampFormat = "2006-01-02T15:04:05.000000Z07:00"

// Timestamp renders t as ISO-8601 UTC.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// ParseTimestamp is the inverse of Timestamp. It also accepts the plain
// RFC 3339 forms found in externally sourced attributes.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{TimestampFormat, time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("canonical: unparseable timestamp %q", s)
}

// Bytes returns the canonical JSON encoding of v.
//
// v is first marshaled with encoding/json (honoring struct tags), then the
// intermediate form is transformed to RFC 8785.
func Bytes(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// String returns the canonical encoding as a string.
func String(v any) (string, error) {
	b, err := Bytes(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Hash returns the SHA-256 hex digest of the canonical encoding of v.
func Hash(v any) (string, error) {
	b, err := Bytes(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
