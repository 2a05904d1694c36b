package simulation

import (
	"math"
	"math/rand/v2"

	"github.com/jordan16ellis/fw-coll-env/internal/physics"
)

// ObservationSize is the length of the normalized observation vector.
const ObservationSize = 16

// Pose is a sampled vehicle pose.
type Pose struct {
	X  float64 `json:"x" yaml:"x"`
	Y  float64 `json:"y" yaml:"y"`
	Th float64 `json:"th" yaml:"th"`
	Z  float64 `json:"z" yaml:"z"`
}

// PoseLimits bounds uniform pose sampling. Equal bounds pin a component.
type PoseLimits struct {
	Low  Pose `json:"low" yaml:"low"`
	High Pose `json:"high" yaml:"high"`
}

// PointLimits bounds uniform goal sampling.
type PointLimits struct {
	Low  physics.Point `json:"low" yaml:"low"`
	High physics.Point `json:"high" yaml:"high"`
}

// ScenarioLimits bounds the reset distribution of both vehicles and goals.
type ScenarioLimits struct {
	Vehicle1 PoseLimits  `json:"vehicle1" yaml:"vehicle1"`
	Vehicle2 PoseLimits  `json:"vehicle2" yaml:"vehicle2"`
	Goal1    PointLimits `json:"goal1" yaml:"goal1"`
	Goal2    PointLimits `json:"goal2" yaml:"goal2"`
}

// DefaultScenarioLimits spreads both vehicles over a 400x400 square with fixed opposing goals.
func DefaultScenarioLimits() ScenarioLimits {
	vehicle := PoseLimits{
		Low:  Pose{X: -200, Y: -200, Th: -math.Pi},
		High: Pose{X: 200, Y: 200, Th: math.Pi},
	}
	return ScenarioLimits{
		Vehicle1: vehicle,
		Vehicle2: vehicle,
		Goal1:    PointLimits{Low: physics.Point{X: 200}, High: physics.Point{X: 200}},
		Goal2:    PointLimits{Low: physics.Point{X: -200}, High: physics.Point{X: -200}},
	}
}

// Scenario is one sampled episode start.
type Scenario struct {
	Index int                 `json:"index"`
	X1    physics.SingleState `json:"x1"`
	X2    physics.SingleState `json:"x2"`
	Goal1 physics.Point       `json:"goal1"`
	Goal2 physics.Point       `json:"goal2"`
}

// Sampler draws reproducible scenarios from ScenarioLimits.
type Sampler struct {
	limits ScenarioLimits
	rng    *rand.Rand
	next   int
}

// NewSampler seeds a sampler. Equal seeds produce equal scenario sequences.
func NewSampler(limits ScenarioLimits, seed uint64) *Sampler {
	return &Sampler{limits: limits, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Limits returns the sampling bounds.
func (s *Sampler) Limits() ScenarioLimits { return s.limits }

// Next draws the next scenario.
func (s *Sampler) Next() Scenario {
	//1.- Sample poses first and goals second to keep sequences stable across versions.
	sc := Scenario{Index: s.next}
	sc.X1 = s.pose(s.limits.Vehicle1)
	sc.X2 = s.pose(s.limits.Vehicle2)
	sc.Goal1 = s.point(s.limits.Goal1)
	sc.Goal2 = s.point(s.limits.Goal2)
	s.next++
	return sc
}

func (s *Sampler) pose(l PoseLimits) physics.SingleState {
	return physics.SingleState{
		P: physics.Point{
			X: s.uniform(l.Low.X, l.High.X),
			Y: s.uniform(l.Low.Y, l.High.Y),
			Z: s.uniform(l.Low.Z, l.High.Z),
		},
		Th: s.uniform(l.Low.Th, l.High.Th),
	}
}

func (s *Sampler) point(l PointLimits) physics.Point {
	return physics.Point{
		X: s.uniform(l.Low.X, l.High.X),
		Y: s.uniform(l.Low.Y, l.High.Y),
		Z: s.uniform(l.Low.Z, l.High.Z),
	}
}

func (s *Sampler) uniform(low, high float64) float64 {
	return low + s.rng.Float64()*(high-low)
}

// Observe builds the normalized observation for a joint state: vehicle 1
// position, sin and cos of its heading, the same for vehicle 2, then both
// goals. Positions are scaled into the reset box of their vehicle.
func Observe(x physics.JointState, goal1, goal2 physics.Point, limits ScenarioLimits) [ObservationSize]float64 {
	p1 := normalize(x.X1.P, limits.Vehicle1)
	p2 := normalize(x.X2.P, limits.Vehicle2)
	g1 := normalize(goal1, limits.Vehicle1)
	g2 := normalize(goal2, limits.Vehicle2)
	return [ObservationSize]float64{
		p1[0], p1[1], p1[2], math.Sin(x.X1.Th), math.Cos(x.X1.Th),
		p2[0], p2[1], p2[2], math.Sin(x.X2.Th), math.Cos(x.X2.Th),
		g1[0], g1[1], g1[2],
		g2[0], g2[1], g2[2],
	}
}

func normalize(p physics.Point, l PoseLimits) [3]float64 {
	scale := func(v, low, high float64) float64 {
		return (v - low) / math.Max(high-low, 0.1)
	}
	return [3]float64{
		scale(p.X, l.Low.X, l.High.X),
		scale(p.Y, l.Low.Y, l.High.Y),
		scale(p.Z, l.Low.Z, l.High.Z),
	}
}
