package registry

import (
	"errors"
	"testing"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := New[func() string]("backend")
	r.Register("echo", func() string { return "echo" })

	fn, err := r.Lookup("echo")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got := fn(); got != "echo" {
		t.Errorf("expected echo, got %s", got)
	}
	if !r.Has("echo") {
		t.Error("expected Has(echo) to be true")
	}
}

func TestRegistry_UnknownName(t *testing.T) {
	r := New[int]("interceptor")

	_, err := r.Lookup("missing")
	if !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}
	if want := `interceptor "missing" not registered: registry: unknown name`; err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
	if r.Has("missing") {
		t.Error("expected Has(missing) to be false")
	}
}

func TestRegistry_NamesSorted(t *testing.T) {
	r := New[int]("backend")
	r.Register("redis", 1)
	r.Register("docker", 2)
	r.Register("echo", 3)
	r.Register("echo", 4)

	names := r.Names()
	want := []string{"docker", "echo", "redis"}
	if len(names) != len(want) {
		t.Fatalf("expected %d names, got %d", len(want), len(names))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d]: expected %s, got %s", i, want[i], names[i])
		}
	}
	if v, _ := r.Lookup("echo"); v != 4 {
		t.Errorf("expected re-registration to replace value, got %d", v)
	}
}
