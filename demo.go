package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jordan16ellis/fw-coll-env/internal/config"
	"github.com/jordan16ellis/fw-coll-env/internal/episode"
	"github.com/jordan16ellis/fw-coll-env/internal/logging"
	"github.com/jordan16ellis/fw-coll-env/internal/simulation"
	"github.com/jordan16ellis/fw-coll-env/internal/store"
)

// resultSink persists finished demo episodes.
type resultSink interface {
	SaveRun(ctx context.Context, run store.Run, results []episode.Result) error
}

// demoLoop flies sampled episodes back to back at wall-clock pace so live
// viewers can follow them.
type demoLoop struct {
	env       simulation.EnvConfig
	setup     *episode.Setup
	sampler   *simulation.Sampler
	seed      uint64
	observers []episode.Observer
	sink      resultSink
	log       *logging.Logger
	// limit stops the loop after that many episodes; zero runs until cancelled.
	limit int
}

func newDemoLoop(cfg *config.Config, setup *episode.Setup, logger *logging.Logger) *demoLoop {
	if logger == nil {
		logger = logging.L()
	}
	return &demoLoop{
		env:     cfg.Env,
		setup:   setup,
		sampler: simulation.NewSampler(cfg.Scenario, cfg.Episodes.Seed),
		seed:    cfg.Episodes.Seed,
		log:     logger,
	}
}

// Run plays episodes until ctx is cancelled or the limit is reached.
func (d *demoLoop) Run(ctx context.Context) error {
	for played := 0; d.limit <= 0 || played < d.limit; played++ {
		res, err := d.playOne(ctx)
		//1.- Anything failing once shutdown has begun is part of the shutdown.
		if err != nil && ctx.Err() != nil {
			d.log.Debug("demo stopped", logging.Error(err))
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		if err != nil {
			return err
		}
		if d.sink != nil {
			if err := d.sink.SaveRun(ctx, d.run(res), []episode.Result{res}); err != nil {
				//2.- Storage trouble never stops the demo.
				d.log.Warn("demo result not stored", logging.String("episode_id", res.EpisodeID), logging.Error(err))
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

func (d *demoLoop) playOne(ctx context.Context) (episode.Result, error) {
	sc := d.sampler.Next()
	ep, err := d.setup.Runner.Start(sc, d.seed, d.observers...)
	if err != nil {
		return episode.Result{}, err
	}
	var stepErr, runErr error
	if !ep.Done() {
		loop := simulation.LoopForEnv(d.env, func(context.Context) bool {
			if _, err := ep.Step(); err != nil {
				stepErr = err
				return false
			}
			return !ep.Done()
		})
		runErr = loop.Run(ctx)
	}
	res, finishErr := ep.Finish()
	if err := errors.Join(runErr, stepErr, finishErr); err != nil {
		return res, fmt.Errorf("demo episode %d: %w", sc.Index, err)
	}
	return res, nil
}

func (d *demoLoop) run(res episode.Result) store.Run {
	run := store.Run{
		ID:              "demo-" + res.EpisodeID,
		Seed:            d.seed,
		Filtered:        d.setup.Filter != nil,
		GridFingerprint: fmt.Sprintf("%016x", d.setup.Grid.Fingerprint()),
	}
	if d.setup.Filter != nil {
		spec := d.setup.Filter.Spec()
		run.Filter = &spec
	}
	return run
}
