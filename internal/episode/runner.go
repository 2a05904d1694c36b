package episode

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/jordan16ellis/fw-coll-env/internal/actions"
	"github.com/jordan16ellis/fw-coll-env/internal/barrier"
	"github.com/jordan16ellis/fw-coll-env/internal/guidance"
	"github.com/jordan16ellis/fw-coll-env/internal/logging"
	"github.com/jordan16ellis/fw-coll-env/internal/physics"
	"github.com/jordan16ellis/fw-coll-env/internal/simulation"
)

// ErrFinished is returned when stepping an episode that is already done.
var ErrFinished = errors.New("episode finished")

// Outcome names how an episode ended.
type Outcome string

const (
	OutcomeRunning     Outcome = "running"
	OutcomeGoalReached Outcome = "goal_reached"
	OutcomeTimedOut    Outcome = "timed_out"
)

// Info describes an episode as it starts.
type Info struct {
	ID       string               `json:"episode_id"`
	Seed     uint64               `json:"seed"`
	Scenario simulation.Scenario  `json:"scenario"`
	Env      simulation.EnvConfig `json:"env"`
	Filter   *barrier.Filter      `json:"filter,omitempty"`
	Grid     *actions.Grid        `json:"grid"`
}

// Step is one environment transition with the actions that produced it.
type Step struct {
	EpisodeID    string              `json:"episode_id"`
	Tick         uint64              `json:"tick"`
	T            float64             `json:"t"`
	State        physics.JointState  `json:"state"`
	Nominal      physics.JointAction `json:"nominal"`
	Applied      physics.JointAction `json:"applied"`
	NominalIndex int                 `json:"nominal_index"`
	AppliedIndex int                 `json:"applied_index"`
	Override     bool                `json:"override"`
	H            float64             `json:"h"`
	Stats        simulation.Stats    `json:"stats"`
}

// Result summarises a finished episode.
type Result struct {
	EpisodeID      string           `json:"episode_id"`
	Index          int              `json:"index"`
	Seed           uint64           `json:"seed"`
	Filtered       bool             `json:"filtered"`
	Outcome        Outcome          `json:"outcome"`
	Steps          int              `json:"steps"`
	Overrides      int              `json:"overrides"`
	SimTime        float64          `json:"sim_time"`
	MinSeparation  float64          `json:"min_separation"`
	Collided       bool             `json:"collided"`
	FirstCollision *float64         `json:"first_collision,omitempty"`
	Final          simulation.Stats `json:"final"`
	WallTime       time.Duration    `json:"wall_time"`
}

// OverrideRate is the fraction of steps where the filter replaced the nominal action.
func (r Result) OverrideRate() float64 {
	if r.Steps == 0 {
		return 0
	}
	return float64(r.Overrides) / float64(r.Steps)
}

// Observer receives episode lifecycle callbacks. Implementations shared by
// parallel episodes must be safe for concurrent use.
type Observer interface {
	EpisodeStarted(info Info) error
	StepRecorded(step Step) error
	EpisodeFinished(res Result) error
}

// Option customises a Runner.
type Option func(*Runner)

// WithLogger overrides the runner logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.log = logger
		}
	}
}

// WithEnvOptions forwards options to every environment the runner builds.
func WithEnvOptions(opts ...simulation.EnvOption) Option {
	return func(r *Runner) { r.envOpts = append(r.envOpts, opts...) }
}

// WithIDGenerator overrides how episode identifiers are minted.
func WithIDGenerator(next func() string) Option {
	return func(r *Runner) {
		if next != nil {
			r.newID = next
		}
	}
}

// Runner flies both vehicles toward their goals with the nominal controller,
// optionally passing every joint action through a safety filter.
type Runner struct {
	env     simulation.EnvConfig
	grid    *actions.Grid
	joint   actions.JointIndex
	filter  *barrier.Filter
	envOpts []simulation.EnvOption
	log     *logging.Logger
	newID   func() string
}

// NewRunner validates the configuration. filter may be nil for unfiltered episodes.
func NewRunner(env simulation.EnvConfig, grid *actions.Grid, filter *barrier.Filter, opts ...Option) (*Runner, error) {
	if grid == nil {
		return nil, fmt.Errorf("action grid must be provided")
	}
	if !(env.DT > 0) || !(env.MaxSimTime > 0) {
		return nil, fmt.Errorf("env dt and max_sim_time must be positive: %s", env)
	}
	//1.- Nominal commands hold altitude, so the grid must offer a zero climb rate.
	if !grid.Contains(physics.SingleAction{V: grid.Speeds()[0], W: grid.TurnRatesRad()[0]}) {
		return nil, fmt.Errorf("grid %s has no zero climb rate", grid)
	}
	if filter != nil && !filter.Grid().Equal(grid) {
		return nil, fmt.Errorf("filter grid %s differs from runner grid %s", filter.Grid(), grid)
	}
	r := &Runner{
		env:    env,
		grid:   grid,
		joint:  actions.NewJointIndex(grid),
		filter: filter,
		log:    logging.L(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Filter returns the safety filter, or nil when episodes run unfiltered.
func (r *Runner) Filter() *barrier.Filter { return r.filter }

// Env returns the environment configuration shared by every episode.
func (r *Runner) Env() simulation.EnvConfig { return r.env }

// Episode is one in-flight run. It is not safe for concurrent use.
type Episode struct {
	runner    *Runner
	info      Info
	env       *simulation.Env
	c1, c2    *guidance.Controller
	observers []Observer
	log       *logging.Logger
	started   time.Time
	res       Result
	finished  bool
}

// Start resets a fresh environment to the scenario and notifies observers.
func (r *Runner) Start(sc simulation.Scenario, seed uint64, observers ...Observer) (*Episode, error) {
	cfg := r.env
	cfg.Goal1, cfg.Goal2 = sc.Goal1, sc.Goal2
	env := simulation.NewEnv(cfg, r.envOpts...)
	env.Reset(sc.X1, sc.X2, 0)

	id := r.newID()
	info := Info{ID: id, Seed: seed, Scenario: sc, Env: cfg, Filter: r.filter, Grid: r.grid}
	e := &Episode{
		runner:    r,
		info:      info,
		env:       env,
		c1:        guidance.NewController(sc.Goal1, cfg.DT, r.grid),
		c2:        guidance.NewController(sc.Goal2, cfg.DT, r.grid),
		observers: observers,
		log:       r.log.With(logging.String("episode_id", id), logging.Int("index", sc.Index)),
		started:   time.Now(),
		res: Result{
			EpisodeID:     id,
			Index:         sc.Index,
			Seed:          seed,
			Filtered:      r.filter != nil,
			Outcome:       OutcomeRunning,
			MinSeparation: env.State().Dist(),
		},
	}
	e.recordCollision(env.Stats())
	for _, obs := range observers {
		if err := obs.EpisodeStarted(info); err != nil {
			return nil, fmt.Errorf("episode %s start observer: %w", id, err)
		}
	}
	e.log.Debug("episode started", logging.Stringer("x1", sc.X1), logging.Stringer("x2", sc.X2))
	return e, nil
}

// Info returns the starting description.
func (e *Episode) Info() Info { return e.info }

// Env exposes the environment for inspection.
func (e *Episode) Env() *simulation.Env { return e.env }

// Done reports whether the environment has reached a terminal state.
func (e *Episode) Done() bool { return e.env.Done() }

// Step computes nominal actions, filters them and advances the environment.
func (e *Episode) Step() (Step, error) {
	if e.env.Done() {
		return Step{}, ErrFinished
	}
	x := e.env.State()
	nominal := physics.JointAction{A1: e.c1.Calc(x.X1), A2: e.c2.Calc(x.X2)}
	nominalIdx, err := e.runner.joint.Index(nominal)
	if err != nil {
		return Step{}, fmt.Errorf("nominal action: %w", err)
	}

	//1.- The filter keeps the nominal action whenever it already satisfies the barrier constraint.
	applied, appliedIdx := nominal, nominalIdx
	var h float64
	if f := e.runner.filter; f != nil {
		h = f.CalcH(x)
		applied, err = f.ChooseSingle(x, nominal)
		if err != nil {
			return Step{}, fmt.Errorf("filter: %w", err)
		}
		if applied != nominal {
			if appliedIdx, err = e.runner.joint.Index(applied); err != nil {
				return Step{}, fmt.Errorf("applied action: %w", err)
			}
		}
	}
	override := applied != nominal

	e.env.StepJoint(applied)
	stats := e.env.Stats()
	e.res.Steps++
	if override {
		e.res.Overrides++
		e.log.Debug("nominal action overridden",
			logging.Stringer("nominal", nominal), logging.Stringer("applied", applied), logging.Float64("h", h))
	}
	e.res.MinSeparation = math.Min(e.res.MinSeparation, stats.DistBetween)
	e.recordCollision(stats)

	step := Step{
		EpisodeID:    e.info.ID,
		Tick:         uint64(e.res.Steps),
		T:            e.env.T(),
		State:        e.env.State(),
		Nominal:      nominal,
		Applied:      applied,
		NominalIndex: nominalIdx,
		AppliedIndex: appliedIdx,
		Override:     override,
		H:            h,
		Stats:        stats,
	}
	for _, obs := range e.observers {
		if err := obs.StepRecorded(step); err != nil {
			return step, fmt.Errorf("episode %s step observer: %w", e.info.ID, err)
		}
	}
	return step, nil
}

func (e *Episode) recordCollision(stats simulation.Stats) {
	if stats.Collided && e.res.FirstCollision == nil {
		t := e.env.T()
		e.res.FirstCollision = &t
		e.res.Collided = true
		e.log.Warn("vehicles inside safety distance", logging.Float64("t", t), logging.Float64("dist", stats.DistBetween))
	}
}

// Finish seals the result and notifies observers. It may be called before
// the environment is done, for example on cancellation.
func (e *Episode) Finish() (Result, error) {
	if e.finished {
		return e.res, nil
	}
	e.finished = true
	stats := e.env.Stats()
	e.res.Final = stats
	e.res.SimTime = e.env.T()
	e.res.WallTime = time.Since(e.started)
	switch {
	case stats.GoalReached:
		e.res.Outcome = OutcomeGoalReached
	case stats.TimedOut:
		e.res.Outcome = OutcomeTimedOut
	}
	var errs error
	for _, obs := range e.observers {
		if err := obs.EpisodeFinished(e.res); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	e.log.Info("episode finished",
		logging.String("outcome", string(e.res.Outcome)),
		logging.Int("steps", e.res.Steps),
		logging.Int("overrides", e.res.Overrides),
		logging.Float64("min_separation", e.res.MinSeparation),
		logging.Bool("collided", e.res.Collided))
	if errs != nil {
		return e.res, fmt.Errorf("episode %s finish observer: %w", e.info.ID, errs)
	}
	return e.res, nil
}

// Run plays a scenario to completion. Cancellation finishes the episode early
// and returns the partial result with the context error.
func (r *Runner) Run(ctx context.Context, sc simulation.Scenario, seed uint64, observers ...Observer) (Result, error) {
	ep, err := r.Start(sc, seed, observers...)
	if err != nil {
		return Result{}, err
	}
	for !ep.Done() {
		if err := ctx.Err(); err != nil {
			res, finishErr := ep.Finish()
			return res, errors.Join(err, finishErr)
		}
		if _, err := ep.Step(); err != nil {
			res, finishErr := ep.Finish()
			return res, errors.Join(err, finishErr)
		}
	}
	return ep.Finish()
}
