// Package config merges the built-in defaults, a deployment override set and
// caller overrides into one immutable key/value view.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// PropertyPart is the placeholder replaced by LookupPart.
const PropertyPart = "{0}"

// Configuration is an immutable mapping of dotted keys to string values.
// Keys are case-insensitive; values keep their case. The zero value is an
// empty configuration.
type Configuration struct {
	values map[string]string
}

// New copies values into a Configuration.
func New(values map[string]string) Configuration {
	return Resolve(values)
}

// Resolve merges layers in order; a later layer replaces same-named keys of
// the layers before it. Nil layers are skipped. Inputs are not retained.
func Resolve(layers ...map[string]string) Configuration {
	merged := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			merged[normalize(k)] = v
		}
	}
	return Configuration{values: merged}
}

// normalize folds a key the way file loaders do, so keys read from a
// deployment file and keys built in code agree.
func normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// With returns a new view with overrides applied on top of c.
func (c Configuration) With(overrides map[string]string) Configuration {
	return Resolve(c.values, overrides)
}

// Lookup returns the trimmed value for key. Empty values are absent.
func (c Configuration) Lookup(key string) (string, bool) {
	v, ok := c.values[normalize(key)]
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	return v, true
}

// Get looks up a symbolic key.
func (c Configuration) Get(key fmt.Stringer) (string, bool) {
	return c.Lookup(key.String())
}

// LookupPart replaces the property part in key before looking it up.
func (c Configuration) LookupPart(key, part string) (string, bool) {
	return c.Lookup(ExpandPart(key, part))
}

// ExpandPart replaces the property part in key.
func ExpandPart(key, part string) string {
	return strings.ReplaceAll(key, PropertyPart, part)
}

// Value returns the value for key or def when absent.
func (c Configuration) Value(key, def string) string {
	if v, ok := c.Lookup(key); ok {
		return v
	}
	return def
}

// Bool parses key as a boolean. Absent or malformed values yield def.
func (c Configuration) Bool(key string, def bool) bool {
	v, ok := c.Lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Duration parses key as a Go duration; a bare integer is read as
// milliseconds. Absent yields def.
func (c Configuration) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := c.Lookup(key)
	if !ok {
		return def, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// List splits a ';'-separated value, dropping blank items.
func (c Configuration) List(key string) []string {
	v, ok := c.Lookup(key)
	if !ok {
		return nil
	}
	return SplitList(v)
}

// WithPrefix returns the keys starting with prefix, prefix stripped.
// Returned keys are lower case.
func (c Configuration) WithPrefix(prefix string) map[string]string {
	prefix = strings.ToLower(prefix)
	out := make(map[string]string)
	for k, v := range c.values {
		if rest, ok := strings.CutPrefix(k, prefix); ok && rest != "" {
			out[rest] = v
		}
	}
	return out
}

// Keys returns every key holding a non-empty value, sorted.
func (c Configuration) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		if _, ok := c.Lookup(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Map returns a copy of the non-empty entries.
func (c Configuration) Map() map[string]string {
	out := make(map[string]string, len(c.values))
	for _, k := range c.Keys() {
		out[k], _ = c.Lookup(k)
	}
	return out
}

// SplitList splits s on ';' and trims each item.
func SplitList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ";") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
