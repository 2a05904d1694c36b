package episode

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/jordan16ellis/fw-coll-env/internal/logging"
	"github.com/jordan16ellis/fw-coll-env/internal/simulation"
)

// Batch describes a set of sampled episodes.
type Batch struct {
	Count   int
	Workers int
	Seed    uint64
	Limits  simulation.ScenarioLimits
}

// Summary aggregates a batch of results.
type Summary struct {
	Episodes      int     `json:"episodes"`
	Filtered      bool    `json:"filtered"`
	GoalReached   int     `json:"goal_reached"`
	TimedOut      int     `json:"timed_out"`
	Collisions    int     `json:"collisions"`
	Steps         int     `json:"steps"`
	Overrides     int     `json:"overrides"`
	MinSeparation float64 `json:"min_separation"`
	MeanSimTime   float64 `json:"mean_sim_time"`
}

// CollisionRate is the fraction of episodes with at least one collision.
func (s Summary) CollisionRate() float64 {
	if s.Episodes == 0 {
		return 0
	}
	return float64(s.Collisions) / float64(s.Episodes)
}

// OverrideRate is the fraction of all steps where the filter intervened.
func (s Summary) OverrideRate() float64 {
	if s.Steps == 0 {
		return 0
	}
	return float64(s.Overrides) / float64(s.Steps)
}

// Summarize folds results into a Summary.
func Summarize(results []Result) Summary {
	s := Summary{Episodes: len(results)}
	if len(results) == 0 {
		return s
	}
	s.MinSeparation = math.Inf(1)
	var simTime float64
	for _, r := range results {
		s.Filtered = s.Filtered || r.Filtered
		switch r.Outcome {
		case OutcomeGoalReached:
			s.GoalReached++
		case OutcomeTimedOut:
			s.TimedOut++
		}
		if r.Collided {
			s.Collisions++
		}
		s.Steps += r.Steps
		s.Overrides += r.Overrides
		s.MinSeparation = math.Min(s.MinSeparation, r.MinSeparation)
		simTime += r.SimTime
	}
	s.MeanSimTime = simTime / float64(len(results))
	return s
}

// RunMany samples b.Count scenarios up front and runs them on b.Workers
// goroutines. Results are ordered by scenario index, independent of scheduling.
func (r *Runner) RunMany(ctx context.Context, b Batch, observers ...Observer) ([]Result, error) {
	if b.Count <= 0 {
		return nil, fmt.Errorf("episode count must be positive, got %d", b.Count)
	}
	workers := b.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	//1.- Sample sequentially so a seed always maps to the same scenarios.
	sampler := simulation.NewSampler(b.Limits, b.Seed)
	scenarios := make([]simulation.Scenario, b.Count)
	for i := range scenarios {
		scenarios[i] = sampler.Next()
	}

	results := make([]Result, b.Count)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, sc := range scenarios {
		g.Go(func() error {
			res, err := r.Run(gctx, sc, b.Seed, observers...)
			if err != nil {
				return fmt.Errorf("episode %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	summary := Summarize(results)
	r.log.Info("episode batch finished",
		logging.Int("episodes", summary.Episodes),
		logging.Int("workers", workers),
		logging.Uint64("seed", b.Seed),
		logging.Int("collisions", summary.Collisions),
		logging.Float64("override_rate", summary.OverrideRate()))
	return results, nil
}
