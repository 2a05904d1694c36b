package episode

import (
	"fmt"

	"github.com/jordan16ellis/fw-coll-env/internal/actions"
	"github.com/jordan16ellis/fw-coll-env/internal/barrier"
	"github.com/jordan16ellis/fw-coll-env/internal/config"
)

// BuildGrid constructs the action grid named by the configuration.
func BuildGrid(cfg config.GridConfig) (*actions.Grid, error) {
	grid, err := actions.NewGrid(cfg.V, cfg.WDeg, cfg.DZ)
	if err != nil {
		return nil, fmt.Errorf("action grid: %w", err)
	}
	return grid, nil
}

// BuildFilter constructs the configured barrier filter over grid. The filter
// shares the environment step so its predictions match the simulation.
func BuildFilter(cfg config.FilterConfig, dt float64, grid *actions.Grid, monitor *barrier.DecisionMonitor) (*barrier.Filter, error) {
	kind, err := barrier.ParseKind(cfg.Kind)
	if err != nil {
		return nil, err
	}
	params := barrier.Params{
		DT:         dt,
		MaxVal:     cfg.MaxVal,
		V:          cfg.V,
		WDeg:       cfg.WDeg,
		SafetyDist: cfg.SafetyDist,
	}
	filter, err := barrier.New(kind, params, grid, barrier.WithWorkers(cfg.Workers), barrier.WithMonitor(monitor))
	if err != nil {
		return nil, fmt.Errorf("safety filter: %w", err)
	}
	return filter, nil
}

// Setup is the grid, optional filter and runner described by one configuration.
type Setup struct {
	Grid   *actions.Grid
	Filter *barrier.Filter
	Runner *Runner
}

// FromConfig builds everything needed to fly episodes. The filter is only
// attached when filtered is true; the runner's environment never paces
// itself so callers decide how fast episodes advance.
func FromConfig(cfg *config.Config, filtered bool, monitor *barrier.DecisionMonitor, opts ...Option) (*Setup, error) {
	grid, err := BuildGrid(cfg.Grid)
	if err != nil {
		return nil, err
	}
	s := &Setup{Grid: grid}
	if filtered {
		if s.Filter, err = BuildFilter(cfg.Filter, cfg.Env.DT, grid, monitor); err != nil {
			return nil, err
		}
	}
	env := cfg.Env
	env.TimeWarp = -1
	if s.Runner, err = NewRunner(env, grid, s.Filter, opts...); err != nil {
		return nil, err
	}
	return s, nil
}
