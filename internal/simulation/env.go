package simulation

import (
	"fmt"
	"time"

	"github.com/jordan16ellis/fw-coll-env/internal/physics"
)

// EnvConfig captures the fixed parameters of a two-vehicle episode.
type EnvConfig struct {
	DT         float64       `json:"dt" yaml:"dt"`
	MaxSimTime float64       `json:"max_sim_time" yaml:"max_sim_time"`
	DoneDist   float64       `json:"done_dist" yaml:"done_dist"`
	SafetyDist float64       `json:"safety_dist" yaml:"safety_dist"`
	Goal1      physics.Point `json:"goal1" yaml:"goal1"`
	Goal2      physics.Point `json:"goal2" yaml:"goal2"`
	// TimeWarp paces steps at DT/TimeWarp wall-clock seconds when positive.
	TimeWarp float64 `json:"time_warp" yaml:"time_warp"`
}

func (c EnvConfig) String() string {
	return fmt.Sprintf("EnvConfig(dt=%g, max_sim_time=%g, done_dist=%g, safety_dist=%g, goal1=%s, goal2=%s, time_warp=%g)",
		c.DT, c.MaxSimTime, c.DoneDist, c.SafetyDist, c.Goal1, c.Goal2, c.TimeWarp)
}

// Stats is recomputed from scratch after every reset and step.
type Stats struct {
	TimedOut    bool    `json:"timed_out"`
	GoalReached bool    `json:"goal_reached"`
	Collided    bool    `json:"collided"`
	DistToGoal1 float64 `json:"dist_to_goal1"`
	DistToGoal2 float64 `json:"dist_to_goal2"`
	DistBetween float64 `json:"dist_between"`
}

// Done reports whether the episode is over. Collisions are flagged but do not end an episode.
func (s Stats) Done() bool { return s.TimedOut || s.GoalReached }

func (s Stats) String() string {
	return fmt.Sprintf("Stats(timed_out=%t, goal_reached=%t, collided=%t, dist_to_goal1=%g, dist_to_goal2=%g, dist_between=%g)",
		s.TimedOut, s.GoalReached, s.Collided, s.DistToGoal1, s.DistToGoal2, s.DistBetween)
}

// Clock abstracts wall-clock pacing so episodes can run without real delays in tests.
type Clock interface {
	Now() time.Time
	SleepUntil(t time.Time)
}

// SystemClock paces against the real wall clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// SleepUntil blocks until t has passed.
func (SystemClock) SleepUntil(t time.Time) {
	if d := time.Until(t); d > 0 {
		time.Sleep(d)
	}
}

// EnvOption customises an Env.
type EnvOption func(*Env)

// WithClock overrides the pacing clock.
func WithClock(clock Clock) EnvOption {
	return func(e *Env) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// Env owns the joint state and clock of a single episode. It is not safe for concurrent use.
type Env struct {
	cfg   EnvConfig
	clock Clock

	state physics.JointState
	t0    float64
	steps int
	t     float64
	last  time.Time
	stats Stats
}

// NewEnv builds an environment at t=0 with both vehicles at the origin.
func NewEnv(cfg EnvConfig, opts ...EnvOption) *Env {
	e := &Env{cfg: cfg, clock: SystemClock{}}
	for _, opt := range opts {
		opt(e)
	}
	e.last = e.clock.Now()
	e.updateStats()
	return e
}

// Reset overwrites the state and clock and re-anchors wall-clock pacing.
func (e *Env) Reset(x1, x2 physics.SingleState, t float64) {
	e.state = physics.JointState{X1: x1, X2: x2}
	e.t0 = t
	e.steps = 0
	e.t = t
	e.last = e.clock.Now()
	e.updateStats()
}

// Step advances both vehicles by one timestep and reports whether the episode is done.
func (e *Env) Step(a1, a2 physics.SingleAction) bool {
	//1.- Pace against the wall clock, skipping the first step after a reset.
	if e.cfg.TimeWarp > 0 && e.t > e.cfg.DT/2 {
		wait := time.Duration(float64(time.Second) * e.cfg.DT / e.cfg.TimeWarp)
		e.clock.SleepUntil(e.last.Add(wait))
		e.last = e.clock.Now()
	}
	//2.- Advance the clock before integrating so stats reflect the new time.
	// Time is derived from the step count so ten steps of 0.1 land exactly on 1.
	e.steps++
	e.t = e.t0 + float64(e.steps)*e.cfg.DT
	physics.Advance(e.cfg.DT, a1, &e.state.X1)
	physics.Advance(e.cfg.DT, a2, &e.state.X2)
	e.updateStats()
	return e.stats.Done()
}

// StepJoint is Step for a joint action.
func (e *Env) StepJoint(a physics.JointAction) bool {
	return e.Step(a.A1, a.A2)
}

func (e *Env) updateStats() {
	e.stats = Stats{
		DistToGoal1: e.state.X1.P.Dist(e.cfg.Goal1),
		DistToGoal2: e.state.X2.P.Dist(e.cfg.Goal2),
		DistBetween: e.state.Dist(),
	}
	e.stats.TimedOut = e.t >= e.cfg.MaxSimTime
	e.stats.Collided = e.stats.DistBetween <= e.cfg.SafetyDist
	e.stats.GoalReached = e.stats.DistToGoal1 <= e.cfg.DoneDist || e.stats.DistToGoal2 <= e.cfg.DoneDist
}

// SetGoals retargets both vehicles and recomputes stats.
func (e *Env) SetGoals(goal1, goal2 physics.Point) {
	e.cfg.Goal1 = goal1
	e.cfg.Goal2 = goal2
	e.updateStats()
}

// Config returns the environment configuration.
func (e *Env) Config() EnvConfig { return e.cfg }

// X1 returns the first vehicle's state.
func (e *Env) X1() physics.SingleState { return e.state.X1 }

// X2 returns the second vehicle's state.
func (e *Env) X2() physics.SingleState { return e.state.X2 }

// State returns a copy of the joint state.
func (e *Env) State() physics.JointState { return e.state }

// T returns the simulated time in seconds.
func (e *Env) T() float64 { return e.t }

// Stats returns the statistics computed at the last reset or step.
func (e *Env) Stats() Stats { return e.stats }

// Done reports whether the episode has timed out or a goal was reached.
func (e *Env) Done() bool { return e.stats.Done() }

// Collided reports whether the vehicles are currently within the safety distance.
func (e *Env) Collided() bool { return e.stats.Collided }

func (e *Env) String() string {
	return fmt.Sprintf("Env(%s, t=%g, state=%s)", e.cfg, e.t, e.state)
}

// Snapshot is a JSON round-trippable checkpoint of an Env.
type Snapshot struct {
	Config EnvConfig          `json:"config"`
	T      float64            `json:"t"`
	State  physics.JointState `json:"state"`
	Stats  Stats              `json:"stats"`
}

// Snapshot captures the environment for later restoration.
func (e *Env) Snapshot() Snapshot {
	return Snapshot{Config: e.cfg, T: e.t, State: e.state, Stats: e.stats}
}

// Restore loads a checkpoint and re-anchors wall-clock pacing.
func (e *Env) Restore(s Snapshot) {
	e.cfg = s.Config
	e.Reset(s.State.X1, s.State.X2, s.T)
}
