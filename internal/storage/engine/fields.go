package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/telstore/telstore/pkg/models"
)

// logFields is the fixed allowlist of log columns usable as a dynamic
// field in Distinct/TopValues. Anything not listed here (and not a valid
// metadata sub-field) is rejected before query translation.
var logFields = map[string]struct{}{
	"service":    {},
	"level":      {},
	"org_id":     {},
	"project_id": {},
	"trace_id":   {},
	"span_id":    {},
}

// metadataPrefix selects a nested metadata sub-field, e.g. "metadata.hostname".
const metadataPrefix = "metadata."

// identPattern is the only shape accepted for metadata sub-field names.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Field is a verified-safe reference to a log column or metadata sub-field.
// A Field is only ever constructed through ResolveField, so translators can
// interpolate Column or MetadataKey into query text without re-checking.
type Field struct {
	// Column is the bare column name; empty when the field is a metadata
	// sub-field.
	Column string
	// MetadataKey is the validated sub-field name; empty for plain columns.
	MetadataKey string
}

// ResolveField validates a caller-supplied field name against the allowlist.
// Plain names must appear in the fixed column allowlist; "metadata.<key>"
// names must have a key matching the identifier pattern. Everything else is
// a ValidationError and never reaches query text.
func ResolveField(name string) (Field, error) {
	if _, ok := logFields[name]; ok {
		return Field{Column: name}, nil
	}
	if key, ok := strings.CutPrefix(name, metadataPrefix); ok {
		if identPattern.MatchString(key) {
			return Field{MetadataKey: key}, nil
		}
	}
	return Field{}, &models.ValidationError{
		Field:  "field",
		Reason: fmt.Sprintf("%q is not a queryable field", name),
	}
}

// ValidMetadataKey reports whether a metadata filter key is safe to place
// into an accessor expression.
func ValidMetadataKey(key string) bool {
	return identPattern.MatchString(key)
}

// SanitizeString strips embedded NUL bytes, which both backends' drivers
// reject in text values.
func SanitizeString(s string) string {
	if !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// MarshalJSONField serializes a nested attribute map for storage, scrubbing
// escaped NUL sequences the same way SanitizeString scrubs raw ones.
func MarshalJSONField(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling metadata: %w", err)
	}
	return strings.ReplaceAll(string(b), `\u0000`, ""), nil
}
