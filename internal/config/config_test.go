package config

import (
	"testing"
	"time"
)

func TestResolve_LaterLayersWin(t *testing.T) {
	defaults := map[string]string{"a": "default", "b": "default", "c": "default"}
	deployment := map[string]string{"b": "deployment", "c": "deployment"}
	caller := map[string]string{"c": "caller"}

	cfg := Resolve(defaults, deployment, caller)

	cases := map[string]string{"a": "default", "b": "deployment", "c": "caller"}
	for key, want := range cases {
		got, ok := cfg.Lookup(key)
		if !ok {
			t.Fatalf("expected %s to be present", key)
		}
		if got != want {
			t.Errorf("%s: expected %s, got %s", key, want, got)
		}
	}
}

func TestResolve_NilLayers(t *testing.T) {
	cfg := Resolve(map[string]string{"a": "1"}, nil, nil)

	if v, ok := cfg.Lookup("a"); !ok || v != "1" {
		t.Errorf("expected a=1, got %q (present=%v)", v, ok)
	}
}

func TestLookup_AbsentAndEmpty(t *testing.T) {
	cfg := Resolve(map[string]string{"empty": "   ", "padded": "  value  "})

	if v, ok := cfg.Lookup("missing"); ok || v != "" {
		t.Errorf("expected missing key to be absent, got %q", v)
	}
	if _, ok := cfg.Lookup("empty"); ok {
		t.Error("expected blank value to be treated as absent")
	}
	if v, _ := cfg.Lookup("padded"); v != "value" {
		t.Errorf("expected trimmed value, got %q", v)
	}
}

func TestResolve_CallerCanBlankOutKey(t *testing.T) {
	cfg := Resolve(map[string]string{"a": "1"}, nil, map[string]string{"a": ""})

	if _, ok := cfg.Lookup("a"); ok {
		t.Error("expected empty caller value to hide the default")
	}
}

func TestResolve_InputsNotRetained(t *testing.T) {
	layer := map[string]string{"a": "1"}
	cfg := Resolve(layer)
	layer["a"] = "2"

	if v, _ := cfg.Lookup("a"); v != "1" {
		t.Errorf("expected configuration to be unaffected by later mutation, got %s", v)
	}
}

func TestWith_ProducesNewView(t *testing.T) {
	base := Resolve(map[string]string{"a": "1", "b": "1"})
	derived := base.With(map[string]string{"b": "2"})

	if v, _ := base.Lookup("b"); v != "1" {
		t.Errorf("expected base to stay unchanged, got %s", v)
	}
	if v, _ := derived.Lookup("b"); v != "2" {
		t.Errorf("expected derived b=2, got %s", v)
	}
	if v, _ := derived.Lookup("a"); v != "1" {
		t.Errorf("expected derived a=1, got %s", v)
	}
}

func TestGet_SymbolicKey(t *testing.T) {
	cfg := Resolve(map[string]string{"jobrelay.proxy.enabled": "false"})

	v, ok := cfg.Get(KeyProxyEnabled)
	if !ok || v != "false" {
		t.Errorf("expected false, got %q (present=%v)", v, ok)
	}
}

func TestLookupPart(t *testing.T) {
	cfg := Resolve(map[string]string{"jobrelay.spi.postgres.dsn": "postgres://db"})

	v, ok := cfg.LookupPart(BackendKey("dsn"), "postgres")
	if !ok || v != "postgres://db" {
		t.Errorf("expected dsn, got %q (present=%v)", v, ok)
	}
}

func TestTypedReaders(t *testing.T) {
	cfg := Resolve(map[string]string{
		"bool.ok":     "true",
		"bool.bad":    "yes please",
		"dur.ms":      "250",
		"dur.go":      "2s",
		"dur.bad":     "soon",
		"list":        " a ; ;b;c ",
		"prefix.x":    "1",
		"prefix.y.z":  "2",
		"other.thing": "3",
	})

	if !cfg.Bool("bool.ok", false) {
		t.Error("expected bool.ok to be true")
	}
	if cfg.Bool("bool.bad", false) {
		t.Error("expected malformed bool to fall back to default")
	}
	if !cfg.Bool("bool.missing", true) {
		t.Error("expected missing bool to fall back to default")
	}

	if d, err := cfg.Duration("dur.ms", 0); err != nil || d != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v (err=%v)", d, err)
	}
	if d, err := cfg.Duration("dur.go", 0); err != nil || d != 2*time.Second {
		t.Errorf("expected 2s, got %v (err=%v)", d, err)
	}
	if _, err := cfg.Duration("dur.bad", 0); err == nil {
		t.Error("expected error for malformed duration")
	}
	if d, _ := cfg.Duration("dur.missing", time.Minute); d != time.Minute {
		t.Errorf("expected default 1m, got %v", d)
	}

	list := cfg.List("list")
	if len(list) != 3 || list[0] != "a" || list[1] != "b" || list[2] != "c" {
		t.Errorf("expected [a b c], got %v", list)
	}

	sub := cfg.WithPrefix("prefix.")
	if len(sub) != 2 || sub["x"] != "1" || sub["y.z"] != "2" {
		t.Errorf("unexpected prefix view: %v", sub)
	}
}

func TestLookup_KeysIgnoreCase(t *testing.T) {
	cfg := Resolve(
		map[string]string{"jobrelay.spi.type.map.fastlane": "echo"},
		map[string]string{" JobRelay.Override.Tag ": "Blue"},
	)

	if v, ok := cfg.Lookup(TypeMapKey("FastLane")); !ok || v != "echo" {
		t.Errorf("expected mixed-case id to resolve, got %q (present=%v)", v, ok)
	}
	if v, _ := cfg.Lookup("jobrelay.override.tag"); v != "Blue" {
		t.Errorf("expected value case to be kept, got %q", v)
	}
	if sub := cfg.WithPrefix("JOBRELAY.OVERRIDE."); sub["tag"] != "Blue" {
		t.Errorf("unexpected prefix view: %v", sub)
	}
}

func TestDefaults_Embedded(t *testing.T) {
	d, err := Defaults()
	if err != nil {
		t.Fatalf("Defaults failed: %v", err)
	}
	cfg := Resolve(d)

	if v, _ := cfg.Get(KeyDefaultType); v != "adapter" {
		t.Errorf("expected default type adapter, got %s", v)
	}
	if v, _ := cfg.Lookup(TypeMapKey("echo")); v != "echo" {
		t.Errorf("expected echo type map, got %s", v)
	}
	if !cfg.Bool(StableKey("echo"), false) {
		t.Error("expected echo to be marked stable")
	}
	if interval, _ := cfg.Duration(KeyMonitorInterval.String(), 0); interval != 5*time.Second {
		t.Errorf("expected 5s polling interval, got %v", interval)
	}

	// Callers get their own copy.
	d["jobrelay.spi.default.type"] = "changed"
	again, _ := Defaults()
	if again["jobrelay.spi.default.type"] != "adapter" {
		t.Error("expected defaults to be read-only")
	}
}
