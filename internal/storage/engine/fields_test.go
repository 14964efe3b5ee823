package engine

import (
	"errors"
	"testing"

	"github.com/telstore/telstore/pkg/models"
)

func TestResolveFieldColumns(t *testing.T) {
	for _, name := range []string{"service", "level", "org_id", "project_id", "trace_id", "span_id"} {
		f, err := ResolveField(name)
		if err != nil {
			t.Errorf("ResolveField(%q): %v", name, err)
			continue
		}
		if f.Column != name || f.MetadataKey != "" {
			t.Errorf("ResolveField(%q) = %+v", name, f)
		}
	}
}

func TestResolveFieldMetadata(t *testing.T) {
	f, err := ResolveField("metadata.hostname")
	if err != nil {
		t.Fatalf("ResolveField: %v", err)
	}
	if f.MetadataKey != "hostname" || f.Column != "" {
		t.Errorf("ResolveField(metadata.hostname) = %+v", f)
	}
}

func TestResolveFieldRejected(t *testing.T) {
	cases := []string{
		"message",
		"timestamp",
		"password",
		"metadata.",
		"metadata.bad-key",
		"metadata.a.b",
		"service; DROP TABLE logs",
		"metadata.key'; DROP TABLE logs; --",
		"",
	}
	for _, name := range cases {
		_, err := ResolveField(name)
		if err == nil {
			t.Errorf("ResolveField(%q) accepted, want rejection", name)
			continue
		}
		var verr *models.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("ResolveField(%q) error type %T, want ValidationError", name, err)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("plain"); got != "plain" {
		t.Errorf("SanitizeString(plain) = %q", got)
	}
	if got := SanitizeString("a\x00b\x00c"); got != "abc" {
		t.Errorf("SanitizeString = %q, want abc", got)
	}
}

func TestMarshalJSONField(t *testing.T) {
	if got, err := MarshalJSONField(nil); err != nil || got != "{}" {
		t.Errorf("MarshalJSONField(nil) = %q, %v", got, err)
	}
	got, err := MarshalJSONField(map[string]any{"k": "a\x00b"})
	if err != nil {
		t.Fatalf("MarshalJSONField: %v", err)
	}
	if got != `{"k":"ab"}` {
		t.Errorf("MarshalJSONField = %q, want NUL scrubbed", got)
	}
}
