package barrier

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jordan16ellis/fw-coll-env/internal/actions"
	"github.com/jordan16ellis/fw-coll-env/internal/physics"
)

// Lambda is the decay rate applied to the barrier value in the discrete constraint.
const Lambda = 0.99

// StraightHorizon bounds the straight-line rollout in seconds.
const StraightHorizon = 30.0

const stateWidth = physics.StateWidth

// Kind selects the fallback manoeuvre assumed when predicting the closest approach.
type Kind int

const (
	// Turning assumes both vehicles fly a full constant-rate circle.
	Turning Kind = iota
	// Straight assumes both vehicles hold heading until they start to separate.
	Straight
)

func (k Kind) String() string {
	switch k {
	case Turning:
		return "turn"
	case Straight:
		return "straight"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts the names produced by Kind.String.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "turn", "turning":
		return Turning, nil
	case "straight":
		return Straight, nil
	default:
		return 0, fmt.Errorf("unknown filter kind %q", raw)
	}
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Params holds the scalar configuration shared by both filter kinds.
// WDeg is ignored by the straight filter.
type Params struct {
	DT         float64 `json:"dt" yaml:"dt"`
	MaxVal     float64 `json:"max_val" yaml:"max_val"`
	V          float64 `json:"v" yaml:"v"`
	WDeg       float64 `json:"w_deg" yaml:"w_deg"`
	SafetyDist float64 `json:"safety_dist" yaml:"safety_dist"`
}

// Option customises a Filter.
type Option func(*Filter)

// WithWorkers fans batch rows out over up to n goroutines. Values below two keep batches sequential.
func WithWorkers(n int) Option {
	return func(f *Filter) {
		f.workers = n
	}
}

// WithMonitor records every single-state decision in the monitor.
func WithMonitor(m *DecisionMonitor) Option {
	return func(f *Filter) {
		f.monitor = m
	}
}

// Filter is a discrete-time barrier safety filter over a joint action grid.
// It is read-only after construction and safe for concurrent use.
type Filter struct {
	kind   Kind
	params Params
	grid   *actions.Grid
	joint  actions.JointIndex

	probe physics.SingleAction
	steps int

	workers int
	monitor *DecisionMonitor
}

// New validates the parameters against the grid and builds a filter of the given kind.
func New(kind Kind, params Params, grid *actions.Grid, opts ...Option) (*Filter, error) {
	if grid == nil {
		return nil, &ConfigError{Field: "grid", Reason: "action grid is required"}
	}
	//1.- The timestep must divide one second evenly.
	if !(params.DT > 0) {
		return nil, &ConfigError{Field: "dt", Value: params.DT, Reason: "must be positive"}
	}
	freq, err := physics.ToInt(1 / params.DT)
	if err != nil {
		return nil, &ConfigError{Field: "dt", Value: params.DT, Reason: "1/dt must be an integer"}
	}

	f := &Filter{kind: kind, params: params, grid: grid, joint: actions.NewJointIndex(grid)}

	switch kind {
	case Turning:
		//2.- A turning rollout needs a non-zero rate whose period is a whole number of seconds.
		if params.WDeg == 0 {
			return nil, &ConfigError{Field: "w_deg", Value: params.WDeg, Reason: "turning filter needs a non-zero turn rate"}
		}
		w, ok := grid.TurnRate(params.WDeg)
		if !ok {
			missing := physics.SingleAction{V: params.V, W: physics.DegToRad(params.WDeg)}
			return nil, &actions.LookupError{Action: missing, Available: grid.Actions()}
		}
		period, err := physics.ToInt(2 * math.Pi / w)
		if err != nil {
			return nil, &ConfigError{Field: "w_deg", Value: params.WDeg, Reason: "2*pi/w must be an integer number of seconds"}
		}
		if period < 0 {
			period = -period
		}
		f.probe = physics.SingleAction{V: params.V, W: w}
		f.steps = period * freq
	case Straight:
		f.probe = physics.SingleAction{V: params.V}
		f.steps = int(StraightHorizon) * freq
	default:
		return nil, &ConfigError{Field: "kind", Value: float64(kind), Reason: "unknown filter kind"}
	}

	//3.- The fallback action must itself be flyable.
	if _, err := grid.Index(f.probe); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// NewTurning builds a filter that predicts clearance along a full constant-rate circle.
func NewTurning(params Params, grid *actions.Grid, opts ...Option) (*Filter, error) {
	return New(Turning, params, grid, opts...)
}

// NewStraight builds a filter that predicts clearance along straight flight.
func NewStraight(params Params, grid *actions.Grid, opts ...Option) (*Filter, error) {
	return New(Straight, params, grid, opts...)
}

// Kind returns the rollout variant.
func (f *Filter) Kind() Kind { return f.kind }

// Params returns the filter configuration.
func (f *Filter) Params() Params { return f.params }

// Grid returns the action grid shared with callers.
func (f *Filter) Grid() *actions.Grid { return f.grid }

// JointIndex returns the joint action encoder bound to the filter grid.
func (f *Filter) JointIndex() actions.JointIndex { return f.joint }

// Steps returns the rollout length in timesteps.
func (f *Filter) Steps() int { return f.steps }

// ClosestFutureDist predicts the minimum separation if both vehicles fly the fallback manoeuvre from x.
func (f *Filter) ClosestFutureDist(x physics.JointState) float64 {
	closest := x.Dist()
	for i := 0; i < f.steps; i++ {
		physics.Advance(f.params.DT, f.probe, &x.X1)
		physics.Advance(f.params.DT, f.probe, &x.X2)
		dist := x.Dist()
		if f.kind == Straight {
			//1.- Straight paths have a single minimum so stop once separation stops shrinking.
			if dist >= closest {
				break
			}
			closest = dist
			continue
		}
		closest = math.Min(closest, dist)
	}
	return closest
}

// CalcH returns the clamped barrier value for x.
func (f *Filter) CalcH(x physics.JointState) float64 {
	return physics.SafetyMargin(f.params.MaxVal, f.ClosestFutureDist(x), f.params.SafetyDist)
}

// CalcDH returns the change in barrier value after applying a for one step.
func (f *Filter) CalcDH(x physics.JointState, a physics.JointAction) (float64, error) {
	if err := f.checkJoint(a); err != nil {
		return 0, err
	}
	return f.CalcH(x.Advanced(f.params.DT, a)) - f.CalcH(x), nil
}

// Constraint evaluates (h_next - h) + Lambda*h for the given current barrier value.
func (f *Filter) Constraint(h float64, x physics.JointState, a physics.JointAction) (float64, error) {
	if err := f.checkJoint(a); err != nil {
		return 0, err
	}
	return f.constraint(h, x, a), nil
}

func (f *Filter) constraint(h float64, x physics.JointState, a physics.JointAction) float64 {
	next := f.CalcH(x.Advanced(f.params.DT, a))
	return (next - h) + Lambda*h
}

func (f *Filter) checkJoint(a physics.JointAction) error {
	if _, err := f.grid.Index(a.A1); err != nil {
		return err
	}
	if _, err := f.grid.Index(a.A2); err != nil {
		return err
	}
	return nil
}

// ChooseSingle returns nominal when it satisfies the constraint. Otherwise it
// searches every joint action: safe candidates beat unsafe ones, unsafe
// candidates are ranked by constraint value and safe candidates by summed
// per-vehicle distance to nominal. Ties keep the first candidate found.
func (f *Filter) ChooseSingle(x physics.JointState, nominal physics.JointAction) (physics.JointAction, error) {
	if err := f.checkJoint(nominal); err != nil {
		return physics.JointAction{}, err
	}
	started := time.Now()
	chosen := f.chooseSingle(x, nominal)
	f.monitor.Observe(time.Since(started), chosen != nominal)
	return chosen, nil
}

func (f *Filter) chooseSingle(x physics.JointState, nominal physics.JointAction) physics.JointAction {
	h := f.CalcH(x)
	//1.- Keep the nominal command when it already satisfies the constraint.
	bestVal := f.constraint(h, x, nominal)
	if bestVal >= 0 {
		return nominal
	}

	best := nominal
	bestDist := math.Inf(1)
	all := f.grid.Actions()
	//2.- Exhaustively scan the joint grid in index order.
	for _, ac1 := range all {
		for _, ac2 := range all {
			candidate := physics.JointAction{A1: ac1, A2: ac2}
			val := f.constraint(h, x, candidate)
			if (bestVal >= 0 && val < 0) || (bestVal < 0 && val < bestVal) {
				continue
			}
			dist := ac1.Dist(nominal.A1) + ac2.Dist(nominal.A2)
			if (bestVal < 0 && val > bestVal) || (bestVal >= 0 && val >= 0 && bestDist > dist) {
				best = candidate
				bestVal = val
				bestDist = dist
			}
		}
	}
	return best
}

// Spec is the persisted description of a filter.
type Spec struct {
	Kind   Kind          `json:"kind"`
	Params Params        `json:"params"`
	Grid   *actions.Grid `json:"grid"`
}

// Spec describes the filter so it can be rebuilt with FromSpec.
func (f *Filter) Spec() Spec {
	return Spec{Kind: f.kind, Params: f.params, Grid: f.grid}
}

// FromSpec rebuilds a filter from its persisted description.
func FromSpec(spec Spec, opts ...Option) (*Filter, error) {
	return New(spec.Kind, spec.Params, spec.Grid, opts...)
}

// MarshalJSON encodes the filter as its Spec.
func (f *Filter) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Spec())
}

// UnmarshalJSON rebuilds the filter from an encoded Spec, validating it
// exactly as New does.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return err
	}
	built, err := FromSpec(spec)
	if err != nil {
		return err
	}
	*f = *built
	return nil
}

// Describe returns the Spec fields together with the rollout length, the
// joint action count and the textual form.
func (f *Filter) Describe() (map[string]any, error) {
	raw, err := json.Marshal(f.Spec())
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["description"] = f.String()
	fields["steps"] = f.steps
	fields["joint_actions"] = f.joint.Len()
	return fields, nil
}

func (f *Filter) String() string {
	p := f.params
	if f.kind == Straight {
		return fmt.Sprintf("StraightFilter(dt=%g, max_val=%g, v=%g, safety_dist=%g)", p.DT, p.MaxVal, p.V, p.SafetyDist)
	}
	return fmt.Sprintf("TurningFilter(dt=%g, max_val=%g, v=%g, w_deg=%g, safety_dist=%g)", p.DT, p.MaxVal, p.V, p.WDeg, p.SafetyDist)
}
