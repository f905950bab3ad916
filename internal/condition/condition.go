// Package condition parses and evaluates the predicates that gate backend
// eligibility.
package condition

import (
	"fmt"
	"strings"

	"jobrelay/internal/config"
	"jobrelay/internal/relayerr"
)

// Kind names a condition predicate.
type Kind string

const (
	KindProperty   Kind = "property"
	KindOS         Kind = "os"
	KindType       Kind = "type"
	KindNativeLib  Kind = "native-lib"
	KindExecutable Kind = "executable"
	KindStable     Kind = "stable"
)

var kinds = map[string]Kind{
	"property":      KindProperty,
	"os":            KindOS,
	"type":          KindType,
	"type-loadable": KindType,
	"native-lib":    KindNativeLib,
	"executable":    KindExecutable,
	"stable":        KindStable,
}

// ParseKind matches a kind name case-insensitively.
func ParseKind(s string) (Kind, error) {
	k, ok := kinds[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", relayerr.Configf("", "unknown condition kind %q", s)
	}
	return k, nil
}

// Condition is a (kind, value) pair.
type Condition struct {
	Kind  Kind
	Value string
}

func (c Condition) String() string {
	return string(c.Kind) + ":" + c.Value
}

// Parse reads a block of the form "kind:value;kind:value". Blank segments
// are ignored. A segment without a kind or a value, or with an unknown kind,
// fails the whole block.
func Parse(block string) ([]Condition, error) {
	var out []Condition
	for _, segment := range strings.Split(block, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		name, value, ok := strings.Cut(segment, ":")
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)
		if !ok || name == "" || value == "" {
			return nil, fmt.Errorf("malformed condition %q, expected kind:value", segment)
		}
		kind, err := ParseKind(name)
		if err != nil {
			return nil, err
		}
		out = append(out, Condition{Kind: kind, Value: value})
	}
	return out, nil
}

// Explicit reads and parses the configured condition block of a backend.
// An absent block yields no conditions.
func Explicit(id string, cfg config.Configuration) ([]Condition, error) {
	key := config.ConditionKey(id)
	block, ok := cfg.Lookup(key)
	if !ok {
		return nil, nil
	}
	conds, err := Parse(block)
	if err != nil {
		return nil, &relayerr.ConfigError{Key: key, Reason: "invalid condition block", Err: err}
	}
	return conds, nil
}

// Implicit returns the conditions every backend carries: its type-map key
// must be set, the mapped implementation must be registered and the backend
// must be flagged stable.
func Implicit(id string, cfg config.Configuration) []Condition {
	mapped, _ := cfg.Lookup(config.TypeMapKey(id))
	return []Condition{
		{Kind: KindProperty, Value: config.TypeMapKey(id)},
		{Kind: KindType, Value: mapped},
		{Kind: KindStable, Value: id},
	}
}
