package condition

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"jobrelay/internal/config"
	"jobrelay/internal/logger"
	"jobrelay/internal/relayerr"
)

// TypeResolver reports whether an implementation name can be constructed.
type TypeResolver interface {
	Has(name string) bool
}

// Evaluator evaluates conditions against a configuration. The probe fields
// default to the host when left nil.
type Evaluator struct {
	Types TypeResolver

	// OSName is matched by os conditions. Defaults to OSName().
	OSName string

	// LoadLibrary attempts to load a native library.
	LoadLibrary func(name string) error

	Logger *slog.Logger
}

// NewEvaluator returns an evaluator probing the current host.
func NewEvaluator(types TypeResolver, log *slog.Logger) *Evaluator {
	return &Evaluator{
		Types:       types,
		OSName:      OSName(),
		LoadLibrary: loadNativeLibrary,
		Logger:      logger.OrDefault(log),
	}
}

// OSName is the host OS name as os conditions see it.
func OSName() string {
	if runtime.GOOS == "darwin" {
		return "darwin (mac os x)"
	}
	return runtime.GOOS
}

// Evaluate returns whether c holds. Only an unknown kind is an error.
func (e *Evaluator) Evaluate(c Condition, cfg config.Configuration) (bool, error) {
	switch c.Kind {
	case KindProperty:
		_, ok := cfg.Lookup(c.Value)
		return ok, nil
	case KindOS:
		name := e.OSName
		if name == "" {
			name = OSName()
		}
		return strings.Contains(strings.ToLower(name), strings.ToLower(c.Value)), nil
	case KindType:
		if e.Types == nil || c.Value == "" {
			return false, nil
		}
		return e.probe(c, func() bool { return e.Types.Has(c.Value) }), nil
	case KindNativeLib:
		load := e.LoadLibrary
		if load == nil {
			load = loadNativeLibrary
		}
		return e.probe(c, func() bool { return load(c.Value) == nil }), nil
	case KindExecutable:
		return onSearchPath(c.Value, searchPath(cfg)), nil
	case KindStable:
		// only the literal "true" marks a backend stable
		v, _ := cfg.Lookup(config.StableKey(c.Value))
		return strings.EqualFold(v, "true"), nil
	}
	return false, relayerr.Configf("", "unknown condition kind %q", string(c.Kind))
}

// Result describes the outcome of EvaluateAll.
type Result struct {
	Passed bool
	// Failed is the first condition that did not hold.
	Failed *Condition
	// Evaluated counts the conditions that were actually evaluated.
	Evaluated int
}

// EvaluateAll evaluates conds in order and stops at the first false one.
func (e *Evaluator) EvaluateAll(conds []Condition, cfg config.Configuration) (Result, error) {
	for i := range conds {
		ok, err := e.Evaluate(conds[i], cfg)
		if err != nil {
			return Result{Evaluated: i + 1}, err
		}
		if !ok {
			failed := conds[i]
			return Result{Failed: &failed, Evaluated: i + 1}, nil
		}
	}
	return Result{Passed: true, Evaluated: len(conds)}, nil
}

// probe runs fn, treating a panic as false.
func (e *Evaluator) probe(c Condition, fn func() bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.OrDefault(e.Logger).Debug("condition probe panicked",
				slog.String("condition", c.String()),
				slog.Any("panic", r),
			)
			ok = false
		}
	}()
	return fn()
}

func searchPath(cfg config.Configuration) []string {
	path, ok := cfg.Get(config.KeyExecutablePath)
	if !ok {
		path = os.Getenv("PATH")
	}
	return filepath.SplitList(path)
}

func onSearchPath(name string, dirs []string) bool {
	candidates := []string{name}
	if runtime.GOOS == "windows" && filepath.Ext(name) == "" {
		candidates = append(candidates, name+".exe")
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		for _, candidate := range candidates {
			info, err := os.Stat(filepath.Join(dir, candidate))
			if err == nil && info.Mode().IsRegular() {
				return true
			}
		}
	}
	return false
}

// libraryFileName maps a bare library name to the platform file name.
func libraryFileName(name string) string {
	if strings.ContainsRune(name, os.PathSeparator) || strings.Contains(name, ".so") || strings.HasSuffix(name, ".dylib") || strings.HasSuffix(name, ".dll") {
		return name
	}
	switch runtime.GOOS {
	case "darwin":
		return "lib" + name + ".dylib"
	case "windows":
		return name + ".dll"
	}
	return "lib" + name + ".so"
}
