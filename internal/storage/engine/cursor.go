package engine

import (
	"encoding/base64"
	"strings"
	"time"
)

// EncodeCursor packs a (timestamp, id) position into an opaque token.
// The token is base64 of "<RFC 3339 nano timestamp>,<id>"; callers must
// treat it as opaque and round-trip it unchanged.
func EncodeCursor(ts time.Time, id string) string {
	raw := ts.UTC().Format(time.RFC3339Nano) + "," + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor unpacks a token produced by EncodeCursor. Decoding is
// defensive: cursors arrive from untrusted clients and may be corrupted,
// so a malformed token yields ok=false and the caller starts from the
// beginning instead of failing the query.
func DecodeCursor(cursor string) (ts time.Time, id string, ok bool) {
	if cursor == "" {
		return time.Time{}, "", false
	}
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", false
	}
	parts := strings.SplitN(string(raw), ",", 2)
	if len(parts) != 2 || parts[1] == "" {
		return time.Time{}, "", false
	}
	ts, err = time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", false
	}
	return ts, parts[1], true
}
