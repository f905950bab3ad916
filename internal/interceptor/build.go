package interceptor

import (
	"log/slog"

	"jobrelay/internal/config"
	"jobrelay/internal/dispatch"
	"jobrelay/internal/registry"
	"jobrelay/internal/relayerr"
)

// Constructor builds an interceptor from the configuration.
type Constructor func(cfg config.Configuration, log *slog.Logger) (dispatch.Interceptor, error)

// Registry maps implementation names to interceptor constructors.
type Registry = registry.Registry[Constructor]

// NewRegistry returns a registry holding the built-in interceptors:
// log, metrics and trace.
func NewRegistry() *Registry {
	r := registry.New[Constructor]("interceptor")
	r.Register("log", func(_ config.Configuration, log *slog.Logger) (dispatch.Interceptor, error) {
		return NewLogging(log), nil
	})
	r.Register("metrics", func(config.Configuration, *slog.Logger) (dispatch.Interceptor, error) {
		return NewMetrics(), nil
	})
	r.Register("trace", func(config.Configuration, *slog.Logger) (dispatch.Interceptor, error) {
		return NewTracing(), nil
	})
	return r
}

// Build constructs the interceptors named by jobrelay.proxy.interceptor.list,
// in order. Each name is mapped to an implementation through
// jobrelay.proxy.interceptor.type.<name>. With jobrelay.proxy.enabled=false
// the list is empty.
func Build(cfg config.Configuration, r *Registry, log *slog.Logger) ([]dispatch.Interceptor, error) {
	if !cfg.Bool(config.KeyProxyEnabled.String(), true) {
		return nil, nil
	}

	var out []dispatch.Interceptor
	for _, name := range cfg.List(config.KeyInterceptorList.String()) {
		typeKey := config.InterceptorTypeKey(name)
		impl, ok := cfg.Lookup(typeKey)
		if !ok {
			return nil, relayerr.Configf(typeKey, "interceptor %s has no implementation mapped", name)
		}
		ctor, err := r.Lookup(impl)
		if err != nil {
			return nil, &relayerr.ConfigError{Key: typeKey, Err: err}
		}
		ic, err := ctor(cfg, log)
		if err != nil {
			return nil, &relayerr.ConfigError{Key: typeKey, Reason: "failed to build interceptor", Err: err}
		}
		out = append(out, ic)
	}
	return out, nil
}
