package schema

import (
	"testing"

	"github.com/invopop/jsonschema"
)

func TestResolveBuildsOnceAndCaches(t *testing.T) {
	reg := NewRegistry()

	callCount := 0
	if err := reg.Register("Example", func() *jsonschema.Schema {
		callCount++
		return &jsonschema.Schema{Title: "example"}
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	first, err := reg.Resolve("example")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := reg.Resolve("EXAMPLE")
	if err != nil {
		t.Fatalf("resolve cached: %v", err)
	}

	if first != second {
		t.Fatal("expected cached schema instance")
	}
	if callCount != 1 {
		t.Fatalf("expected builder called once, got %d", callCount)
	}
}

func TestInvalidateRebuilds(t *testing.T) {
	reg := NewRegistry()

	callCount := 0
	if err := reg.Register("example", func() *jsonschema.Schema {
		callCount++
		return &jsonschema.Schema{Title: "example"}
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := reg.Resolve("example"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	reg.Invalidate()
	if _, err := reg.Resolve("example"); err != nil {
		t.Fatalf("resolve after invalidate: %v", err)
	}
	if callCount != 2 {
		t.Fatalf("expected builder called twice, got %d", callCount)
	}
}

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("", func() *jsonschema.Schema { return &jsonschema.Schema{} }); err == nil {
		t.Fatal("expected empty name error")
	}
	if err := reg.Register("x", nil); err == nil {
		t.Fatal("expected nil builder error")
	}
}

func TestResolveUnknown(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Resolve(""); err == nil {
		t.Fatal("expected empty name error")
	}
	if _, err := reg.Resolve("never-registered"); err == nil {
		t.Fatal("expected unknown schema error")
	}
}

func TestBuiltinSchemas(t *testing.T) {
	for _, name := range []string{"manifest", "request", "response", "notification", "diagnostic", "plugin-error"} {
		s, err := Resolve(name)
		if err != nil {
			t.Fatalf("resolve %q: %v", name, err)
		}
		if s == nil {
			t.Fatalf("resolve %q returned nil schema", name)
		}
	}

	names := Names()
	if len(names) < 6 {
		t.Fatalf("expected at least 6 registered schemas, got %d", len(names))
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("names not sorted: %v", names)
		}
	}
}
