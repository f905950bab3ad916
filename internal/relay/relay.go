// Package relay is the entry point of the dispatch layer. A Factory resolves
// the configuration, selects a backend by logical name, wraps it in a
// dispatcher and shares one status monitor between every dispatcher it opens.
package relay

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"jobrelay/internal/backend"
	"jobrelay/internal/backend/docker"
	"jobrelay/internal/backend/echo"
	"jobrelay/internal/backend/kubernetes"
	"jobrelay/internal/backend/postgres"
	"jobrelay/internal/backend/process"
	"jobrelay/internal/backend/redis"
	"jobrelay/internal/condition"
	"jobrelay/internal/config"
	"jobrelay/internal/dispatch"
	"jobrelay/internal/interceptor"
	"jobrelay/internal/logger"
	"jobrelay/internal/monitor"
	"jobrelay/internal/relayerr"
	"jobrelay/internal/selector"
)

// RegisterBuiltins adds the backends shipped with jobrelay to r.
func RegisterBuiltins(r *backend.Registry) {
	r.Register("echo", echo.New)
	r.Register("process", process.New)
	r.Register("docker", docker.New)
	r.Register("kubernetes", kubernetes.New)
	r.Register("postgres", postgres.New)
	r.Register("redis", redis.New)
}

// Options configures a Factory. Nil registries get the built-ins.
type Options struct {
	// Deployment is the deployment override layer, see config.LoadDeployment.
	Deployment   map[string]string
	Backends     *backend.Registry
	Interceptors *interceptor.Registry
	// Evaluator defaults to one probing the current host.
	Evaluator *condition.Evaluator
	Meter     metric.Meter
	Logger    *slog.Logger
}

// Factory opens dispatchers. It is safe for concurrent use.
type Factory struct {
	defaults     map[string]string
	deployment   map[string]string
	backends     *backend.Registry
	interceptors *interceptor.Registry
	selector     *selector.Selector
	monitor      *monitor.Monitor
	logger       *slog.Logger
}

// NewFactory loads the built-in defaults and creates the shared monitor from
// the defaults and deployment layers. The monitor stays idle until the first
// monitored submit.
func NewFactory(opts Options) (*Factory, error) {
	log := logger.OrDefault(opts.Logger)

	defaults, err := config.Defaults()
	if err != nil {
		return nil, err
	}

	backends := opts.Backends
	if backends == nil {
		backends = backend.NewRegistry()
		RegisterBuiltins(backends)
	}
	interceptors := opts.Interceptors
	if interceptors == nil {
		interceptors = interceptor.NewRegistry()
	}
	evaluator := opts.Evaluator
	if evaluator == nil {
		evaluator = condition.NewEvaluator(backends, log)
	}

	f := &Factory{
		defaults:     defaults,
		deployment:   opts.Deployment,
		backends:     backends,
		interceptors: interceptors,
		selector:     selector.New(backends, evaluator, log),
		logger:       log,
	}

	monCfg, err := monitor.ConfigFrom(f.Config(nil))
	if err != nil {
		return nil, err
	}
	monCfg.Meter = opts.Meter
	monCfg.Logger = log
	f.monitor = monitor.New(monCfg)
	return f, nil
}

// Config merges the defaults, the deployment layer and overrides.
func (f *Factory) Config(overrides map[string]string) config.Configuration {
	return config.Resolve(f.defaults, f.deployment, overrides)
}

// Backends returns the backend registry.
func (f *Factory) Backends() *backend.Registry { return f.backends }

// Monitor returns the monitor shared by every dispatcher of this factory.
// Monitor listeners see status changes of jobs submitted through any of them.
func (f *Factory) Monitor() *monitor.Monitor { return f.monitor }

// Candidates expands a logical name into the ordered backend ids to try. An
// empty name means jobrelay.spi.default.type; the adapter name expands to the
// adapter's type list; any other name is tried on its own.
func Candidates(name string, cfg config.Configuration) ([]string, error) {
	if name == "" {
		v, ok := cfg.Get(config.KeyDefaultType)
		if !ok {
			return nil, relayerr.Configf(config.KeyDefaultType.String(), "no backend name given and no default configured")
		}
		name = v
	}
	if adapter, ok := cfg.Get(config.KeyAdapterName); ok && name == adapter {
		ids := cfg.List(config.KeyAdapterTypes.String())
		if len(ids) == 0 {
			return nil, relayerr.Configf(config.KeyAdapterTypes.String(), "adapter %s lists no backends", adapter)
		}
		return ids, nil
	}
	return []string{name}, nil
}

// Open selects a backend for name and wraps it in a dispatcher. Overrides
// form the caller layer of the configuration and apply to this call only.
func (f *Factory) Open(ctx context.Context, name string, overrides map[string]string) (*dispatch.Dispatcher, error) {
	cfg := f.Config(overrides)

	ids, err := Candidates(name, cfg)
	if err != nil {
		return nil, err
	}
	explicit, err := selector.ExplicitConditions(ids, cfg)
	if err != nil {
		return nil, err
	}
	interceptors, err := interceptor.Build(cfg, f.interceptors, f.logger)
	if err != nil {
		return nil, err
	}

	sel, err := f.selector.Select(ctx, ids, explicit, cfg)
	if err != nil {
		return nil, err
	}

	return dispatch.New(sel.Backend, dispatch.Options{
		ID:           sel.ID,
		Interceptors: interceptors,
		Monitor:      f.monitor,
		Monitoring:   cfg.Bool(config.KeyMonitorEnabled.String(), true),
		Logger:       f.logger,
	}), nil
}

// Explain reports how every candidate for name fares without constructing
// anything.
func (f *Factory) Explain(name string, overrides map[string]string) ([]selector.Report, error) {
	cfg := f.Config(overrides)
	ids, err := Candidates(name, cfg)
	if err != nil {
		return nil, err
	}
	explicit, err := selector.ExplicitConditions(ids, cfg)
	if err != nil {
		return nil, err
	}
	return f.selector.Explain(ids, explicit, cfg), nil
}

// Close stops the shared monitor.
func (f *Factory) Close(ctx context.Context) error {
	if err := f.monitor.Close(ctx); err != nil {
		return fmt.Errorf("failed to stop monitor: %w", err)
	}
	return nil
}
