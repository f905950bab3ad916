// Package selector picks the first eligible backend from an ordered list of
// candidates and constructs it.
package selector

import (
	"context"
	"fmt"
	"log/slog"

	"jobrelay/internal/backend"
	"jobrelay/internal/condition"
	"jobrelay/internal/config"
	"jobrelay/internal/logger"
	"jobrelay/internal/relayerr"
)

// Selector walks candidate backend ids and constructs the first one whose
// conditions all hold.
type Selector struct {
	backends  *backend.Registry
	evaluator *condition.Evaluator
	logger    *slog.Logger
}

// New creates a selector.
func New(backends *backend.Registry, evaluator *condition.Evaluator, log *slog.Logger) *Selector {
	return &Selector{
		backends:  backends,
		evaluator: evaluator,
		logger:    logger.OrDefault(log),
	}
}

// Selection is the outcome of a successful Select.
type Selection struct {
	ID             string
	Implementation string
	Backend        backend.Backend
	// Config is the view the backend was constructed with.
	Config config.Configuration
}

// Select evaluates each candidate in order with the outer configuration and
// constructs the first fully qualified one with the override view (see
// BackendView). No instance is constructed when every candidate is rejected.
// Construction failures are returned as is; the next candidate is not tried.
func (s *Selector) Select(ctx context.Context, ids []string, explicit map[string][]condition.Condition, cfg config.Configuration) (*Selection, error) {
	selErr := &relayerr.SelectionError{Candidates: ids}

	for _, id := range ids {
		conds := Conditions(id, explicit[id], cfg)
		res, err := s.evaluator.EvaluateAll(conds, cfg)
		if err != nil {
			return nil, err
		}
		if !res.Passed {
			s.logger.Debug("backend rejected",
				slog.String("backend", id),
				slog.String("condition", res.Failed.String()),
			)
			selErr.Rejections = append(selErr.Rejections, relayerr.Rejection{Backend: id, Condition: res.Failed.String()})
			continue
		}
		return s.construct(ctx, id, cfg)
	}

	return nil, selErr
}

func (s *Selector) construct(ctx context.Context, id string, cfg config.Configuration) (*Selection, error) {
	typeKey := config.TypeMapKey(id)
	impl, ok := cfg.Lookup(typeKey)
	if !ok {
		return nil, relayerr.Configf(typeKey, "backend %s has no implementation mapped", id)
	}
	ctor, err := s.backends.Lookup(impl)
	if err != nil {
		return nil, &relayerr.ConfigError{Key: typeKey, Err: err}
	}

	view := BackendView(cfg)
	b, err := ctor(ctx, backend.Params{
		ID:     id,
		Config: view,
		Logger: s.logger.With(slog.String("backend", id)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to construct backend %s (%s): %w", id, impl, err)
	}

	s.logger.Info("backend selected",
		slog.String("backend", id),
		slog.String("implementation", impl),
	)
	return &Selection{ID: id, Implementation: impl, Backend: b, Config: view}, nil
}

// Conditions returns the full condition list of a backend: the implicit
// conditions followed by the explicit ones.
func Conditions(id string, explicit []condition.Condition, cfg config.Configuration) []condition.Condition {
	implicit := condition.Implicit(id, cfg)
	out := make([]condition.Condition, 0, len(implicit)+len(explicit))
	out = append(out, implicit...)
	return append(out, explicit...)
}

// ExplicitConditions parses the configured condition block of every id.
// A malformed block fails the whole call.
func ExplicitConditions(ids []string, cfg config.Configuration) (map[string][]condition.Condition, error) {
	out := make(map[string][]condition.Condition, len(ids))
	for _, id := range ids {
		conds, err := condition.Explicit(id, cfg)
		if err != nil {
			return nil, err
		}
		out[id] = conds
	}
	return out, nil
}

// BackendView applies the override-prefixed keys of cfg on top of it, with
// the prefix stripped.
func BackendView(cfg config.Configuration) config.Configuration {
	overrides := cfg.WithPrefix(config.OverridePrefix)
	if len(overrides) == 0 {
		return cfg
	}
	return cfg.With(overrides)
}

// Report describes how one candidate fared.
type Report struct {
	ID         string
	Conditions []condition.Condition
	Result     condition.Result
	Err        error
}

// Explain evaluates every candidate without constructing anything.
func (s *Selector) Explain(ids []string, explicit map[string][]condition.Condition, cfg config.Configuration) []Report {
	reports := make([]Report, 0, len(ids))
	for _, id := range ids {
		conds := Conditions(id, explicit[id], cfg)
		res, err := s.evaluator.EvaluateAll(conds, cfg)
		reports = append(reports, Report{ID: id, Conditions: conds, Result: res, Err: err})
	}
	return reports
}
