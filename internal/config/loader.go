package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvConfigFile names a deployment file when no path is given.
const EnvConfigFile = "JOBRELAY_CONFIG"

// keyDelimiter keeps viper from splitting dotted keys; nested maps are joined
// with it and rewritten to dots afterwards.
const keyDelimiter = "::"

// LoadDeployment reads the deployment override layer from path. YAML, TOML,
// JSON and .properties files are accepted. With an empty path it falls back
// to $JOBRELAY_CONFIG and then ./jobrelay.*; finding nothing is not an
// error and yields a nil layer.
func LoadDeployment(path string) (map[string]string, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(Namespace)
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read deployment config: %w", err)
	}

	out := make(map[string]string)
	for _, k := range v.AllKeys() {
		out[strings.ReplaceAll(k, keyDelimiter, ".")] = stringify(v.Get(k))
	}
	return out, nil
}

// stringify renders list values in the ';'-separated form List expects.
func stringify(val any) string {
	switch t := val.(type) {
	case nil:
		return ""
	case []any:
		items := make([]string, 0, len(t))
		for _, item := range t {
			items = append(items, fmt.Sprint(item))
		}
		return strings.Join(items, ";")
	case []string:
		return strings.Join(t, ";")
	default:
		return fmt.Sprint(t)
	}
}

// ParseOverrides turns key=value pairs into a layer.
func ParseOverrides(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid override %q, expected key=value", pair)
		}
		out[k] = v
	}
	return out, nil
}
