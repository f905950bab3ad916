package config

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

var (
	defaultsOnce sync.Once
	defaults     map[string]string
	defaultsErr  error
)

// Defaults returns the built-in default layer. The embedded file is parsed
// once per process; callers get a copy.
func Defaults() (map[string]string, error) {
	defaultsOnce.Do(func() {
		defaults, defaultsErr = parseFlat(defaultsYAML)
	})
	if defaultsErr != nil {
		return nil, defaultsErr
	}
	out := make(map[string]string, len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	return out, nil
}

func parseFlat(data []byte) (map[string]string, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse defaults: %w", err)
	}
	out := make(map[string]string, len(raw))
	flatten("", raw, out)
	return out, nil
}

// flatten writes nested maps as dotted keys.
func flatten(prefix string, in map[string]any, out map[string]string) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flatten(key, val, out)
		case nil:
			out[key] = ""
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}
